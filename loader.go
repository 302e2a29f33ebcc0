// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Loader is the capability implemented by every protocol handler.
//
// LoadAsync starts fetching the request's URL and returns without blocking.
// The handler reports progress through [LoadRequest.EmitStatus] and MUST
// invoke [LoadRequest.Finish] exactly once, on success or failure. Errors
// never surface as return values or panics across this boundary.
type Loader interface {
	LoadAsync(ctx context.Context, req *LoadRequest)
}

// Parser converts fetched bytes into a format-specific value.
//
// Suffixes are matched literally including the leading dot.
type Parser interface {
	Parse(suffix string, data []byte) (any, error)
}

// Saver persists fetched bytes; side effect only.
type Saver interface {
	Save(name string, data []byte) error
}

// LoadRequest carries one fetch operation from the [*Manager] to a [Loader].
//
// Handlers treat it as the callback boundary: EmitStatus for progress and
// Finish for the single terminal result. Both marshal onto the request's
// loop, so handlers may call them from any goroutine.
type LoadRequest struct {
	// URL is the parsed fetch URL.
	URL *FetchURL

	// Parse requests the post-pipeline parse step.
	Parse bool

	// Save requests the post-pipeline save step.
	Save bool

	// SaveScheme selects the registered [Saver] when Save is set.
	SaveScheme string

	// Loop is the caller-owned event loop delivering all callbacks.
	Loop *Loop

	// status is the caller's status callback; may be nil.
	status StatusFunc

	// complete is the dispatcher's intermediate callback.
	complete func(bundle *ResultBundle)

	// finisher guarantees that complete runs at most once.
	finisher sync.Once
}

// EmitStatus delivers a progress or failure status on the loop.
func (req *LoadRequest) EmitStatus(status Status) {
	if req.status == nil {
		return
	}
	req.Loop.Post(func() {
		req.status(status)
	})
}

// emitStatusInline invokes the status callback without re-posting.
//
// Only for code already running on the loop (the dispatcher post-pipeline),
// so post-pipeline statuses precede the caller's final callback.
func (req *LoadRequest) emitStatusInline(status Status) {
	if req.status != nil {
		req.status(status)
	}
}

// Finish delivers the terminal result on the loop, exactly once.
//
// Passing nil is allowed and equivalent to an empty bundle, so failure
// paths can finalize without constructing one. Calls after the first are
// ignored.
func (req *LoadRequest) Finish(bundle *ResultBundle) {
	req.finisher.Do(func() {
		if bundle == nil {
			bundle = NewResultBundle()
		}
		req.Loop.Post(func() {
			req.complete(bundle)
		})
	})
}

// NewFileLoader returns a new [*FileLoader].
//
// The logger argument is the [SLogger] to use for structured logging.
func NewFileLoader(logger SLogger) *FileLoader {
	return &FileLoader{
		Logger:  logger,
		ReadAll: os.ReadFile,
	}
}

// FileLoader loads `file://` URLs from the local filesystem.
//
// The read itself is synchronous; LoadAsync runs it off the loop so the
// contract (callbacks on the loop, Finish exactly once) matches the
// network handlers.
type FileLoader struct {
	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewFileLoader] to the user-provided logger.
	Logger SLogger

	// ReadAll reads a whole file (configurable for testing).
	//
	// Set by [NewFileLoader] to [os.ReadFile].
	ReadAll func(name string) ([]byte, error)
}

var _ Loader = &FileLoader{}

// LoadAsync implements [Loader].
func (op *FileLoader) LoadAsync(ctx context.Context, req *LoadRequest) {
	go func() {
		req.EmitStatus(progressStatus(ProgressReading))
		data, err := op.ReadAll(filepath.FromSlash(req.URL.Path))
		op.Logger.Debug(
			"fileRead",
			slog.Any("err", err),
			slog.Int("fileSize", len(data)),
			slog.String("path", req.URL.Path),
		)
		if err != nil {
			req.EmitStatus(failureStatus(FailLoadFile, err))
			req.Finish(nil)
			return
		}
		bundle := NewResultBundle()
		bundle.Append(req.URL.Basename(), data)
		req.EmitStatus(progressStatus(ProgressCompleted))
		req.Finish(bundle)
	}()
}

// NewDiskSaver returns a new [*DiskSaver] rooted at the given directory.
func NewDiskSaver(dir string, logger SLogger) *DiskSaver {
	return &DiskSaver{
		Dir:     dir,
		Logger:  logger,
		Mode:    0o644,
		TimeNow: time.Now,
	}
}

// DiskSaver implements [Saver] by writing buffers below a root directory.
//
// Entry names may contain `/` separators (IPFS directory fetches do);
// intermediate directories are created as needed.
type DiskSaver struct {
	// Dir is the root directory for saved files.
	//
	// Set by [NewDiskSaver] to the user-provided value.
	Dir string

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewDiskSaver] to the user-provided logger.
	Logger SLogger

	// Mode is the permission mode for created files.
	//
	// Set by [NewDiskSaver] to 0o644.
	Mode os.FileMode

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewDiskSaver] to [time.Now].
	TimeNow func() time.Time
}

var _ Saver = &DiskSaver{}

// Save implements [Saver].
func (sv *DiskSaver) Save(name string, data []byte) error {
	t0 := sv.TimeNow()
	target := filepath.Join(sv.Dir, filepath.FromSlash(name))
	err := os.MkdirAll(filepath.Dir(target), 0o755)
	if err == nil {
		err = os.WriteFile(target, data, sv.Mode)
	}
	sv.Logger.Debug(
		"diskSave",
		slog.Any("err", err),
		slog.Int("fileSize", len(data)),
		slog.String("path", target),
		slog.Time("t0", t0),
		slog.Time("t", sv.TimeNow()),
	)
	return err
}
