// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLoader is a [Loader] that completes with a canned bundle.
type recordingLoader struct {
	mu     sync.Mutex
	calls  int
	bundle *ResultBundle
}

var _ Loader = &recordingLoader{}

func (op *recordingLoader) LoadAsync(ctx context.Context, req *LoadRequest) {
	op.mu.Lock()
	op.calls++
	op.mu.Unlock()
	go func() {
		req.EmitStatus(progressStatus(ProgressCompleted))
		req.Finish(op.bundle)
	}()
}

func (op *recordingLoader) callCount() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.calls
}

// recordingParser records Parse invocations.
type recordingParser struct {
	mu       sync.Mutex
	suffixes []string
	err      error
}

var _ Parser = &recordingParser{}

func (p *recordingParser) Parse(suffix string, data []byte) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suffixes = append(p.suffixes, suffix)
	return len(data), p.err
}

// recordingSaver records Save invocations.
type recordingSaver struct {
	mu    sync.Mutex
	names []string
	err   error
}

var _ Saver = &recordingSaver{}

func (s *recordingSaver) Save(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	return s.err
}

// LoadAsync dispatches to the loader registered for the URL scheme and
// restores the operation counter after the terminal callback.
func TestManagerLoadAsync(t *testing.T) {
	loop := newRunningLoop(t)
	manager := NewManager()
	bundle := NewResultBundle()
	bundle.Append("foo.bin", []byte("hello"))
	loader := &recordingLoader{bundle: bundle}
	manager.RegisterLoader("https", loader)

	observer := newFetchObserver()
	final := func(got *ResultBundle) {
		observer.bundle = got
		close(observer.done)
	}
	req := manager.LoadAsync(context.Background(), "https://example.com/foo.bin",
		false, false, loop, observer.status, final, "")
	require.NotNil(t, req)

	observer.wait(t)

	assert.Equal(t, 1, loader.callCount())
	assert.Equal(t, []string{"foo.bin"}, observer.bundle.Names)
	assert.Eventually(t, func() bool { return manager.Outstanding() == 0 },
		10*time.Second, time.Millisecond)
}

// An unknown scheme surfaces as a failure status followed by an
// empty-bundle terminal callback, with the counter balanced.
func TestManagerLoadAsyncUnknownScheme(t *testing.T) {
	loop := newRunningLoop(t)
	manager := NewManager()

	observer := newFetchObserver()
	final := func(got *ResultBundle) {
		observer.bundle = got
		close(observer.done)
	}
	req := manager.LoadAsync(context.Background(), "gopher://example.com/foo",
		false, false, loop, observer.status, final, "")
	require.NotNil(t, req)

	observer.wait(t)

	require.NotNil(t, observer.bundle)
	assert.True(t, observer.bundle.Empty())
	assert.Equal(t, []FailureKind{FailUnknownScheme}, observer.failureKinds())
	assert.Eventually(t, func() bool { return manager.Outstanding() == 0 },
		10*time.Second, time.Millisecond)
}

// Registering a second loader for the same scheme replaces the first.
func TestManagerRegisterLoaderIdempotent(t *testing.T) {
	loop := newRunningLoop(t)
	manager := NewManager()
	first := &recordingLoader{bundle: NewResultBundle()}
	second := &recordingLoader{bundle: NewResultBundle()}
	manager.RegisterLoader("https", first)
	manager.RegisterLoader("https", second)

	observer := newFetchObserver()
	manager.LoadAsync(context.Background(), "https://example.com/foo",
		false, false, loop, observer.status,
		func(*ResultBundle) { close(observer.done) }, "")
	observer.wait(t)

	assert.Equal(t, 0, first.callCount())
	assert.Equal(t, 1, second.callCount())
}

// The post-pipeline parses each buffer by suffix and saves it through the
// saver selected by the save scheme, before the final callback.
func TestManagerPostPipeline(t *testing.T) {
	loop := newRunningLoop(t)
	manager := NewManager()
	bundle := NewResultBundle()
	bundle.Append("model.mnn", []byte{0x01})
	bundle.Append("notes.txt", []byte("n"))
	manager.RegisterLoader("https", &recordingLoader{bundle: bundle})
	parser := &recordingParser{}
	manager.RegisterParser(".mnn", parser)
	manager.RegisterParser(".txt", parser)
	saver := &recordingSaver{}
	manager.RegisterSaver("file", saver)

	observer := newFetchObserver()
	manager.LoadAsync(context.Background(), "https://example.com/bundle",
		true, true, loop, observer.status,
		func(got *ResultBundle) {
			observer.bundle = got
			close(observer.done)
		}, "file")
	observer.wait(t)

	assert.Equal(t, []string{".mnn", ".txt"}, parser.suffixes)
	assert.Equal(t, []string{"model.mnn", "notes.txt"}, saver.names)
	assert.Equal(t, 2, observer.bundle.Len())
}

// Missing parser and saver registrations surface as statuses without
// aborting the request.
func TestManagerPostPipelineMisses(t *testing.T) {
	loop := newRunningLoop(t)
	manager := NewManager()
	bundle := NewResultBundle()
	bundle.Append("foo.xyz", []byte("x"))
	manager.RegisterLoader("https", &recordingLoader{bundle: bundle})

	observer := newFetchObserver()
	manager.LoadAsync(context.Background(), "https://example.com/foo.xyz",
		true, true, loop, observer.status,
		func(got *ResultBundle) {
			observer.bundle = got
			close(observer.done)
		}, "mnn")
	observer.wait(t)

	assert.Equal(t, []FailureKind{FailUnknownSuffix, FailUnknownSaveScheme},
		observer.failureKinds())
	assert.Equal(t, 1, observer.bundle.Len())
}

// A saver error surfaces as a save-failed status.
func TestManagerSaveError(t *testing.T) {
	loop := newRunningLoop(t)
	manager := NewManager()
	bundle := NewResultBundle()
	bundle.Append("foo.bin", []byte("x"))
	manager.RegisterLoader("https", &recordingLoader{bundle: bundle})
	manager.RegisterSaver("file", &recordingSaver{err: errors.New("disk full")})

	observer := newFetchObserver()
	manager.LoadAsync(context.Background(), "https://example.com/foo.bin",
		false, true, loop, observer.status,
		func(*ResultBundle) { close(observer.done) }, "file")
	observer.wait(t)

	assert.Equal(t, []FailureKind{FailSave}, observer.failureKinds())
}

// DefaultManager returns the same instance every time.
func TestDefaultManager(t *testing.T) {
	assert.Same(t, DefaultManager(), DefaultManager())
}

// LoadFile reads a local file synchronously and applies the parser when
// one matches the suffix.
func TestManagerLoadFile(t *testing.T) {
	manager := NewManager()
	parser := &recordingParser{}
	manager.RegisterParser(".bin", parser)

	dir := t.TempDir()
	name := dir + "/payload.bin"
	require.NoError(t, writeTestFile(name, []byte("abc")))

	t.Run("without parse", func(t *testing.T) {
		got, err := manager.LoadFile("file://"+name, false)
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), got)
	})

	t.Run("with parse", func(t *testing.T) {
		got, err := manager.LoadFile("file://"+name, true)
		require.NoError(t, err)
		assert.Equal(t, 3, got)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := manager.LoadFile("file://"+dir+"/nonexistent", false)
		require.Error(t, err)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		_, err := manager.LoadFile("https://example.com/foo", false)
		require.Error(t, err)
	})
}
