// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/bassosimone/safeconn"
)

// NewHTTPSLoader returns a new [*HTTPSLoader].
//
// The cfg argument contains the common configuration for fop operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewHTTPSLoader(cfg *Config, logger SLogger) *HTTPSLoader {
	return &HTTPSLoader{
		Config:    cfg,
		Logger:    logger,
		TLSEngine: nil,
	}
}

// HTTPSLoader fetches `https://` URLs with a minimal GET state machine.
//
// The machine is deliberately below the level of [net/http]: it writes a
// literal `GET <path> HTTP/1.1` request with `Connection: close`, reads
// until the server closes the connection, and splits the accumulated bytes
// at the first header terminator. EOF is the sole termination signal; there
// is no status-code or transfer-encoding handling.
//
// Stages: resolve → connect → TLS handshake (SNI, TLS ≥ 1.2) → write
// request → read to EOF → header split. Each stage emits a progress tag;
// the first failing stage emits its failure status and finishes the
// request with an empty bundle.
type HTTPSLoader struct {
	// Config contains the common configuration.
	//
	// Set by [NewHTTPSLoader] to the user-provided [*Config].
	Config *Config

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewHTTPSLoader] to the user-provided logger.
	Logger SLogger

	// TLSEngine optionally overrides the TLS engine.
	//
	// Left nil by [NewHTTPSLoader], meaning [TLSEngineStdlib].
	TLSEngine TLSEngine
}

var _ Loader = &HTTPSLoader{}

// LoadAsync implements [Loader].
func (op *HTTPSLoader) LoadAsync(ctx context.Context, req *LoadRequest) {
	go op.run(ctx, req)
}

// run drives the state machine on its own goroutine. Callbacks are
// marshalled onto the request loop by EmitStatus/Finish.
func (op *HTTPSLoader) run(ctx context.Context, req *LoadRequest) {
	host := hostOnly(req.URL.Host)

	req.EmitStatus(progressStatus(ProgressResolving))
	resolvePipe := Compose2(
		NewResolveFunc(op.Config, serviceOrPort(req.URL.Host, op.Config.HTTPSService), op.Logger),
		NewFirstEndpointFunc(),
	)
	endpoint, err := resolvePipe.Call(ctx, host)
	if err != nil {
		req.EmitStatus(failureStatus(FailResolution, err))
		req.Finish(nil)
		return
	}

	req.EmitStatus(progressStatus(ProgressConnecting))
	connectPipe := Compose2(
		NewConnectFunc(op.Config, "tcp", op.Logger),
		NewCancelWatchFunc(),
	)
	conn, err := connectPipe.Call(ctx, endpoint)
	if err != nil {
		req.EmitStatus(failureStatus(FailConnect, err))
		req.Finish(nil)
		return
	}

	req.EmitStatus(progressStatus(ProgressTLSHandshake))
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: host,
	}
	handshake := NewTLSHandshakeFunc(op.Config, tlsConfig, op.Logger)
	if op.TLSEngine != nil {
		handshake.Engine = op.TLSEngine
	}
	tconn, err := handshake.Call(ctx, conn)
	if err != nil {
		// The handshake func closed the connection already.
		req.EmitStatus(failureStatus(FailTLSHandshake, err))
		req.Finish(nil)
		return
	}
	defer tconn.Close()

	req.EmitStatus(progressStatus(ProgressRequesting))
	request := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n",
		requestPath(req.URL.Path), host)
	if err := op.writeRequest(ctx, tconn, request); err != nil {
		req.EmitStatus(failureStatus(FailWrite, err))
		req.Finish(nil)
		return
	}

	req.EmitStatus(progressStatus(ProgressReading))
	raw, err := op.readAll(ctx, tconn)
	if err != nil {
		req.EmitStatus(failureStatus(FailReadInterrupted, err))
		req.Finish(nil)
		return
	}

	body, found := splitHTTPResponse(raw)
	if !found {
		req.EmitStatus(failureStatus(FailNoHeaderTerminator,
			fmt.Errorf("fop: no header terminator in %d-byte response", len(raw))))
		req.Finish(nil)
		return
	}

	bundle := NewResultBundle()
	bundle.Append(req.URL.Basename(), body)
	req.EmitStatus(progressStatus(ProgressCompleted))
	req.Finish(bundle)
}

// writeRequest writes the literal request and logs a span around it.
func (op *HTTPSLoader) writeRequest(ctx context.Context, conn net.Conn, request string) error {
	t0 := op.Config.TimeNow()
	deadline, _ := ctx.Deadline()
	op.Logger.Info(
		"httpsRequestStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Int("requestLength", len(request)),
		slog.Time("t", t0),
	)
	_, err := conn.Write([]byte(request))
	op.Logger.Info(
		"httpsRequestDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.Config.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", op.Config.TimeNow()),
	)
	return err
}

// readAll reads until EOF and logs a span around the whole read.
//
// A clean EOF is success even after partial reads; any other error is a
// read interruption regardless of how many bytes arrived before it.
func (op *HTTPSLoader) readAll(ctx context.Context, conn net.Conn) ([]byte, error) {
	t0 := op.Config.TimeNow()
	deadline, _ := ctx.Deadline()
	op.Logger.Info(
		"httpsReadStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", t0),
	)
	raw, err := io.ReadAll(conn)
	op.Logger.Info(
		"httpsReadDone",
		slog.Int("bytesRead", len(raw)),
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.Config.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", op.Config.TimeNow()),
	)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// headerTerminator separates the response header from the body.
var headerTerminator = []byte("\r\n\r\n")

// splitHTTPResponse returns the bytes after the first header terminator.
//
// The second return value reports whether a terminator was present. An
// empty body after a valid header is a valid, empty result.
func splitHTTPResponse(raw []byte) ([]byte, bool) {
	idx := bytes.Index(raw, headerTerminator)
	if idx < 0 {
		return nil, false
	}
	return raw[idx+len(headerTerminator):], true
}

// hostOnly strips an optional `:port` from a URL authority.
func hostOnly(authority string) string {
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		return authority
	}
	return host
}

// serviceOrPort returns the explicit port of the authority, if any,
// otherwise the configured service name.
func serviceOrPort(authority, service string) string {
	_, port, err := net.SplitHostPort(authority)
	if err != nil || port == "" {
		return service
	}
	return port
}

// requestPath returns the path to place on the request line, defaulting
// to "/" for URLs without a path.
func requestPath(urlPath string) string {
	if urlPath == "" {
		return "/"
	}
	return urlPath
}
