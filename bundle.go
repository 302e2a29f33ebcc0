// SPDX-License-Identifier: GPL-3.0-or-later

package fop

// ResultBundle is the universal success payload of a fetch: an ordered pair
// of parallel sequences where Names[i] labels Contents[i].
//
// Single-file transports produce exactly one entry; IPFS DAG fetches produce
// one entry per file discovered under the root CID, in link order.
//
// Mutate only through [ResultBundle.Append] so the parallel-slices invariant
// len(Names) == len(Contents) holds at all times.
type ResultBundle struct {
	// Names contains the relative name of each buffer.
	Names []string

	// Contents contains the bytes of each buffer.
	Contents [][]byte
}

// NewResultBundle returns a new empty [*ResultBundle].
func NewResultBundle() *ResultBundle {
	return &ResultBundle{
		Names:    []string{},
		Contents: [][]byte{},
	}
}

// Append adds a named buffer to the bundle.
func (b *ResultBundle) Append(name string, content []byte) {
	b.Names = append(b.Names, name)
	b.Contents = append(b.Contents, content)
}

// Len returns the number of entries in the bundle.
func (b *ResultBundle) Len() int {
	return len(b.Names)
}

// Empty returns whether the bundle contains no entries.
func (b *ResultBundle) Empty() bool {
	return len(b.Names) == 0
}
