// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import "fmt"

// ProgressTag is a symbolic progress marker emitted while a fetch advances.
//
// Handlers define their own tag vocabulary; the dispatcher only propagates
// tags to the caller, in protocol order within a single request.
type ProgressTag string

// Progress tags shared by the connection-oriented handlers.
const (
	// ProgressResolving is emitted before DNS resolution.
	ProgressResolving = ProgressTag("resolving")

	// ProgressConnecting is emitted before the TCP connect.
	ProgressConnecting = ProgressTag("connecting")

	// ProgressTLSHandshake is emitted before the TLS handshake.
	ProgressTLSHandshake = ProgressTag("tls-handshake")

	// ProgressRequesting is emitted before writing the request.
	ProgressRequesting = ProgressTag("requesting")

	// ProgressReading is emitted before (and during) the body read.
	ProgressReading = ProgressTag("reading")

	// ProgressCompleted is emitted when the fetch succeeded.
	ProgressCompleted = ProgressTag("completed")
)

// FailureKind classifies the protocol stage at which a fetch failed.
//
// The vocabulary is flat by design: callers branch on the kind, and the
// wrapped error carries the transport-level detail.
type FailureKind string

// Dispatcher failures.
const (
	FailUnknownScheme     = FailureKind("unknown-scheme")
	FailUnknownSuffix     = FailureKind("unknown-suffix")
	FailUnknownSaveScheme = FailureKind("unknown-save-scheme")
	FailLoadFile          = FailureKind("load-file-failed")
	FailSave              = FailureKind("save-failed")
)

// HTTPS stage failures.
const (
	FailResolution = FailureKind("resolution-failed")
	FailConnect    = FailureKind("connect-failed")

	// FailTLSHandshake also covers SNI problems: the Go TLS stack has no
	// separate SNI step, the server name is part of the handshake config.
	FailTLSHandshake = FailureKind("tls-handshake-failed")

	FailWrite              = FailureKind("write-failed")
	FailReadInterrupted    = FailureKind("read-interrupted")
	FailNoHeaderTerminator = FailureKind("no-header-terminator")
)

// SFTP stage failures.
const (
	FailSSHHandshake = FailureKind("ssh-handshake-failed")
	FailSSHAuth      = FailureKind("ssh-auth-failed")
	FailSFTPInit     = FailureKind("sftp-init-failed")
	FailSFTPOpen     = FailureKind("sftp-open-failed")
	FailSFTPStat     = FailureKind("sftp-stat-failed")
	FailSFTPRead     = FailureKind("sftp-read-failed")
)

// IPFS stage failures.
const (
	FailIPFSDevice       = FailureKind("ipfs-device-failed")
	FailDHTNoProviders   = FailureKind("dht-no-providers")
	FailBitswapDecode    = FailureKind("bitswap-decode-failed")
	FailBitswapExhausted = FailureKind("bitswap-exhausted")
)

// Status is one entry in the per-request progress stream: either a progress
// tag or a failure, never both.
//
// A request produces zero or more progress statuses in protocol order,
// terminated by either a success bundle or a failure status followed by an
// empty-bundle terminal callback.
type Status struct {
	// Tag is the progress marker; empty when Failure is set.
	Tag ProgressTag

	// Failure is the failure classification; empty on progress.
	Failure FailureKind

	// Err is the underlying error; may be nil even on failure when the
	// stage has no transport-level detail to report (e.g. an exhausted
	// peer list).
	Err error
}

// Ok returns whether this status reports progress rather than failure.
func (s Status) Ok() bool {
	return s.Failure == ""
}

// String returns a compact human-readable rendering of the status.
func (s Status) String() string {
	if s.Ok() {
		return string(s.Tag)
	}
	if s.Err != nil {
		return fmt.Sprintf("%s: %s", s.Failure, s.Err.Error())
	}
	return string(s.Failure)
}

// progressStatus returns a progress [Status] with the given tag.
func progressStatus(tag ProgressTag) Status {
	return Status{Tag: tag}
}

// failureStatus returns a failure [Status] with the given kind and error.
func failureStatus(kind FailureKind, err error) Status {
	return Status{Failure: kind, Err: err}
}

// StatusFunc receives progress and failure statuses as a fetch advances.
//
// Invoked zero or more times before the terminal callback, always on the
// request's [*Loop].
type StatusFunc func(status Status)

// FinalFunc receives the terminal result of a fetch.
//
// Invoked exactly once per request, always on the request's [*Loop]. The
// bundle is never nil: on failure it is empty so the caller can finalize.
type FinalFunc func(bundle *ResultBundle)
