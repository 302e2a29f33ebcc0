// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import "github.com/ipfs/go-cid"

// linkedCID records one chunk of a multi-block file: the chunk's CID, the
// CID of the node that linked to it, the file path it belongs to, and the
// chunk bytes once they arrive.
type linkedCID struct {
	// cid identifies the chunk block.
	cid cid.Cid

	// parent is the node that linked to this chunk. Not needed for
	// assembly; kept for diagnostic logging.
	parent cid.Cid

	// name is the intra-DAG path of the file this chunk belongs to.
	name string

	// content holds the chunk bytes once resolved.
	content []byte

	// haveContent distinguishes an empty chunk from a pending one.
	haveContent bool
}

// cidInfo aggregates the state of one root-CID request while its DAG is
// being expanded.
//
// All mutation happens on the request loop, so no lock is needed here; the
// device-level table that owns cidInfo values has its own mutex.
type cidInfo struct {
	// root is the root CID of the request.
	root cid.Cid

	// directories lists the intra-DAG relative paths discovered so far,
	// parallel to mainCIDs.
	directories []string

	// mainCIDs lists the file-root CIDs, one per directories entry.
	mainCIDs []cid.Cid

	// linked lists the chunks of multi-block files in discovery order.
	linked []linkedCID

	// outstanding counts dispatched-but-unresolved sub-blocks. The
	// request completes when it returns to zero.
	outstanding int

	// final accumulates the result bundle.
	final *ResultBundle

	// completed latches once the completion callback has fired.
	completed bool
}

// newCIDInfo returns a fresh [*cidInfo] for the given root.
func newCIDInfo(root cid.Cid) *cidInfo {
	return &cidInfo{
		root:        root,
		directories: []string{},
		mainCIDs:    []cid.Cid{},
		linked:      []linkedCID{},
		outstanding: 0,
		final:       NewResultBundle(),
		completed:   false,
	}
}

// addNamed records a named link: a file or subdirectory entry.
func (info *cidInfo) addNamed(name string, c cid.Cid) {
	info.directories = append(info.directories, name)
	info.mainCIDs = append(info.mainCIDs, c)
}

// addChunk records an unnamed link: one chunk of the file at the given
// intra-DAG path.
func (info *cidInfo) addChunk(c, parent cid.Cid, name string) {
	info.linked = append(info.linked, linkedCID{
		cid:         c,
		parent:      parent,
		name:        name,
		content:     nil,
		haveContent: false,
	})
}

// setContentForLinked attaches leaf bytes to the first pending chunk
// record with the given CID. Returns false when no record matches, which
// means the leaf is a whole single-block file rather than a chunk.
func (info *cidInfo) setContentForLinked(c cid.Cid, content []byte) bool {
	for idx := range info.linked {
		if info.linked[idx].cid.Equals(c) && !info.linked[idx].haveContent {
			info.linked[idx].content = content
			info.linked[idx].haveContent = true
			return true
		}
	}
	return false
}

// allLinkedHaveContent reports whether every recorded chunk has resolved.
func (info *cidInfo) allLinkedHaveContent() bool {
	for idx := range info.linked {
		if !info.linked[idx].haveContent {
			return false
		}
	}
	return true
}

// groupLinkedCIDs assembles multi-chunk files and appends them to the
// final bundle.
//
// Chunks sharing a file path are concatenated in discovery order, which is
// the order the unnamed links appeared while walking the file's nodes.
// Files appear in the bundle in order of first chunk discovery.
func (info *cidInfo) groupLinkedCIDs() {
	var order []string
	grouped := map[string][][]byte{}
	for idx := range info.linked {
		name := info.linked[idx].name
		if _, seen := grouped[name]; !seen {
			order = append(order, name)
		}
		grouped[name] = append(grouped[name], info.linked[idx].content)
	}
	for _, name := range order {
		var combined []byte
		for _, chunk := range grouped[name] {
			combined = append(combined, chunk...)
		}
		info.final.Append(name, combined)
	}
}
