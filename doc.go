// SPDX-License-Identifier: GPL-3.0-or-later

// Package fop provides composable primitives for asynchronous file fetching.
//
// # Core Abstraction
//
// A fetch resolves a URI of the form `<scheme>://<authority>/<path>` to one
// or more in-memory byte buffers. The [*Manager] dispatches each URI to the
// [Loader] registered for its scheme, optionally forwarding the resulting
// buffers to a [Parser] (keyed by filename suffix) and a [Saver] (keyed by
// save scheme).
//
// Protocol handlers are built from the same pipeline primitive used across
// this package family:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// Each Func represents an atomic operation with exactly one success mode and
// one failure mode, composable via [Compose2], [Compose3], etc., where the
// compiler verifies that outputs match inputs across pipeline stages.
//
// # Available Loaders
//
//   - [FileLoader]: synchronous local-filesystem reads (`file://`)
//   - [HTTPSLoader]: resolve → connect → TLS handshake (SNI) → literal GET →
//     read-until-EOF → header split (`https://`)
//   - [SFTPLoader]: resolve → connect → SSH handshake → authenticate →
//     open → stat → sized chunked reads (`sftp://`)
//   - [IPFSLoader]: content-addressed retrieval over a libp2p Host, a
//     Kademlia DHT for provider discovery, and Bitswap for block fetch,
//     with recursive UnixFS DAG expansion (`ipfs://`)
//
// # Event Loop and Callbacks
//
// All caller-visible callbacks are delivered on a caller-owned [*Loop], a
// single-goroutine cooperative scheduler. Handlers perform blocking I/O on
// their own goroutines but never invoke caller code inline: every status
// update and the single terminal callback are posted to the loop. The loop
// is shared across requests and is never stopped by the dispatcher; callers
// observe [Manager.Outstanding] to decide when to stop it.
//
// Each request yields zero or more [Status] progress values followed by
// exactly one terminal callback carrying a [*ResultBundle]. On failure the
// bundle is empty and the last status carries a [FailureKind]; errors never
// cross the public boundary as panics or raised control flow.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled. Operations emit span events
// (*Start/*Done pairs) with a common field set: localAddr, remoteAddr,
// protocol, and t (timestamp); completion events additionally include t0,
// err, and errClass. Error classification is configurable via
// [ErrClassifier].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier (UUIDv7) for
// each request, then attach it to the logger with [*slog.Logger.With] so all
// entries from one fetch share the same spanID.
//
// # Timeout and Context Philosophy
//
// This package is context-transparent: operations never modify the context
// they receive. The caller controls timeouts externally via
// [context.WithTimeout] or [signal.NotifyContext]. Connection pipelines
// include [CancelWatchFunc] so that a done context closes the connection and
// interrupts in-progress I/O.
//
// The one internal timer is the DHT provider-discovery retry (10 s between
// attempts, unbounded by default). Callers can cap it via
// [Config.IPFSMaxFindRetries]; the default deliberately preserves the
// retry-forever behaviour.
package fop
