// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// NewManager returns a new empty [*Manager].
//
// The manager starts with no registered handlers: tests and embedders
// register exactly what they need. Use [DefaultManager] for the shared
// process-wide instance.
func NewManager() *Manager {
	return &Manager{
		loaders: map[string]Loader{},
		mu:      sync.Mutex{},
		parsers: map[string]Parser{},
		pending: atomic.Int64{},
		savers:  map[string]Saver{},
	}
}

// defaultManager is the lazily-created process-wide manager.
var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
)

// DefaultManager returns the process-wide [*Manager], creating it on first
// use. Handlers still need to be registered explicitly; there is no
// link-time registration.
func DefaultManager() *Manager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewManager()
	})
	return defaultManager
}

// Manager dispatches fetch URLs to protocol handlers and runs the optional
// parse/save post-pipeline on the fetched buffers.
//
// It maintains three registries: loaders by URL scheme, parsers by filename
// suffix, and savers by save scheme. Registration replaces any previous
// entry for the same key; registration order is irrelevant.
//
// Manager also counts in-flight operations: the counter is incremented
// before each dispatch and decremented exactly once when the terminal
// callback has run, so callers can stop the shared loop once
// [Manager.Outstanding] reports zero.
type Manager struct {
	// loaders maps URL schemes to handlers.
	loaders map[string]Loader

	// mu guards the three registries.
	mu sync.Mutex

	// parsers maps filename suffixes (with leading dot) to parsers.
	parsers map[string]Parser

	// pending counts in-flight operations.
	pending atomic.Int64

	// savers maps save schemes to savers.
	savers map[string]Saver
}

// RegisterLoader registers (or replaces) the handler for a URL scheme.
func (m *Manager) RegisterLoader(scheme string, loader Loader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaders[scheme] = loader
}

// RegisterParser registers (or replaces) the parser for a filename suffix
// (e.g. ".mnn", ".jpg"; the leading dot is part of the key).
func (m *Manager) RegisterParser(suffix string, parser Parser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parsers[suffix] = parser
}

// RegisterSaver registers (or replaces) the saver for a save scheme.
func (m *Manager) RegisterSaver(saveScheme string, saver Saver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savers[saveScheme] = saver
}

// Outstanding returns the number of in-flight operations.
func (m *Manager) Outstanding() int64 {
	return m.pending.Load()
}

// LoadAsync starts fetching the given URL.
//
// The scheme selects the loader; an unknown scheme is reported like any
// other failure (status then empty-bundle final callback) so the caller's
// finalization logic stays uniform. When parse or save are set, the
// dispatcher runs the matching parser and saver on each fetched buffer
// before invoking final.
//
// Both callbacks are delivered on the provided loop. The returned request
// is an opaque handle identifying the operation; it is never nil.
func (m *Manager) LoadAsync(ctx context.Context, rawURL string, parse, save bool,
	loop *Loop, status StatusFunc, final FinalFunc, saveScheme string) *LoadRequest {
	req := &LoadRequest{
		URL:        nil,
		Parse:      parse,
		Save:       save,
		SaveScheme: saveScheme,
		Loop:       loop,
		status:     status,
		complete:   nil,
		finisher:   sync.Once{},
	}
	m.pending.Add(1)
	req.complete = func(bundle *ResultBundle) {
		m.runPostPipeline(req, bundle)
		if final != nil {
			final(bundle)
		}
		m.pending.Add(-1)
	}

	parsed, err := ParseFetchURL(rawURL)
	var loader Loader
	if err == nil {
		m.mu.Lock()
		loader = m.loaders[parsed.Scheme]
		m.mu.Unlock()
		if loader == nil {
			err = fmt.Errorf("fop: no loader registered for scheme %q", parsed.Scheme)
		}
	}
	if err != nil {
		req.EmitStatus(failureStatus(FailUnknownScheme, err))
		req.Finish(nil)
		return req
	}

	req.URL = parsed
	loader.LoadAsync(ctx, req)
	return req
}

// LoadFile synchronously loads a local file, optionally parsing it.
//
// This is the trivial synchronous variant of [Manager.LoadAsync] for
// `file://` URLs (a bare path is accepted too). When parse is set and a
// parser matches the suffix, the parsed value is returned; otherwise the
// raw bytes are.
func (m *Manager) LoadFile(rawURL string, parse bool) (any, error) {
	name := rawURL
	if parsed, err := ParseFetchURL(rawURL); err == nil {
		if parsed.Scheme != "file" {
			return nil, fmt.Errorf("fop: LoadFile requires a file URL, got %q", parsed.Scheme)
		}
		name = parsed.Path
	}
	loader := NewFileLoader(DefaultSLogger())
	data, err := loader.ReadAll(name)
	if err != nil {
		return nil, err
	}
	if parse {
		m.mu.Lock()
		parser := m.parsers[suffixOf(name)]
		m.mu.Unlock()
		if parser != nil {
			return parser.Parse(suffixOf(name), data)
		}
	}
	return data, nil
}

// runPostPipeline applies the parse and save steps to each buffer.
//
// Registry misses and step errors surface as statuses but do not abort
// the request: the final callback still receives the fetched bundle.
func (m *Manager) runPostPipeline(req *LoadRequest, bundle *ResultBundle) {
	if bundle.Empty() || (!req.Parse && !req.Save) {
		return
	}
	for idx := 0; idx < bundle.Len(); idx++ {
		name, content := bundle.Names[idx], bundle.Contents[idx]
		if req.Parse {
			m.parseBuffer(req, name, content)
		}
		if req.Save {
			m.saveBuffer(req, name, content)
		}
	}
}

func (m *Manager) parseBuffer(req *LoadRequest, name string, content []byte) {
	suffix := suffixOf(name)
	m.mu.Lock()
	parser := m.parsers[suffix]
	m.mu.Unlock()
	if parser == nil {
		req.emitStatusInline(failureStatus(FailUnknownSuffix,
			fmt.Errorf("fop: no parser registered for suffix %q", suffix)))
		return
	}
	if _, err := parser.Parse(suffix, content); err != nil {
		req.emitStatusInline(failureStatus(FailUnknownSuffix, err))
	}
}

func (m *Manager) saveBuffer(req *LoadRequest, name string, content []byte) {
	m.mu.Lock()
	saver := m.savers[req.SaveScheme]
	m.mu.Unlock()
	if saver == nil {
		req.emitStatusInline(failureStatus(FailUnknownSaveScheme,
			fmt.Errorf("fop: no saver registered for save scheme %q", req.SaveScheme)))
		return
	}
	if err := saver.Save(name, content); err != nil {
		req.emitStatusInline(failureStatus(FailSave, err))
	}
}
