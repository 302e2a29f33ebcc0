// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] that wraps the given
// [TLSConn]. The engine's ClientFunc returns the conn, NameFunc returns
// "mock", and ParrotFunc returns "".
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// newRunningLoop returns a started [*Loop] that stops at test cleanup.
func newRunningLoop(t *testing.T) *Loop {
	loop := NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)
	return loop
}

// fetchObserver collects the callbacks of one fetch. Statuses accumulate
// on the loop goroutine; reading them is safe once done is closed.
type fetchObserver struct {
	statuses []Status
	bundle   *ResultBundle
	done     chan struct{}
}

func newFetchObserver() *fetchObserver {
	return &fetchObserver{done: make(chan struct{})}
}

func (o *fetchObserver) status(status Status) {
	o.statuses = append(o.statuses, status)
}

// newTestRequest returns a [*LoadRequest] delivering callbacks to the
// observer, bypassing the dispatcher.
func newTestRequest(loop *Loop, u *FetchURL, o *fetchObserver) *LoadRequest {
	return &LoadRequest{
		URL:    u,
		Loop:   loop,
		status: o.status,
		complete: func(bundle *ResultBundle) {
			o.bundle = bundle
			close(o.done)
		},
	}
}

// wait blocks until the terminal callback ran or the timeout expired.
func (o *fetchObserver) wait(t *testing.T) {
	t.Helper()
	select {
	case <-o.done:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for terminal callback")
	}
}

// failureKinds returns the failure kinds observed so far, in order.
func (o *fetchObserver) failureKinds() []FailureKind {
	var kinds []FailureKind
	for _, status := range o.statuses {
		if !status.Ok() {
			kinds = append(kinds, status.Failure)
		}
	}
	return kinds
}

// progressTags returns the progress tags observed so far, in order.
func (o *fetchObserver) progressTags() []ProgressTag {
	var tags []ProgressTag
	for _, status := range o.statuses {
		if status.Ok() {
			tags = append(tags, status.Tag)
		}
	}
	return tags
}

// stubResolver implements [Resolver] with fixed results.
type stubResolver struct {
	addrs []netip.Addr
	err   error
	port  int
}

var _ Resolver = &stubResolver{}

func (r *stubResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return r.addrs, r.err
}

func (r *stubResolver) LookupPort(ctx context.Context, network, service string) (int, error) {
	return r.port, nil
}

// writeTestFile writes a file for tests.
func writeTestFile(name string, data []byte) error {
	return os.WriteFile(name, data, 0o600)
}
