// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"
)

// Resolver abstracts the [*net.Resolver] behavior.
//
// By making [*ResolveFunc] depend on an abstract implementation we allow
// for unit testing and for alternative resolvers such as
// [*DNSOverUDPResolver].
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	LookupPort(ctx context.Context, network, service string) (int, error)
}

// NewResolveFunc returns a new [*ResolveFunc].
//
// The cfg argument contains the common configuration for fop operations.
//
// The service argument is the service name or port number (e.g. "https",
// "22") attached to each resolved address.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewResolveFunc(cfg *Config, service string, logger SLogger) *ResolveFunc {
	return &ResolveFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Resolver:      cfg.Resolver,
		Service:       service,
		TimeNow:       cfg.TimeNow,
	}
}

// ResolveFunc resolves a host name to a list of [netip.AddrPort].
//
// Returns either an address list or an error, never both. The list is
// empty, with a nil error, when the [Resolver] returns no addresses and
// no error.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ResolveFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewResolveFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewResolveFunc] to the user-provided logger.
	Logger SLogger

	// Resolver is the [Resolver] to use.
	//
	// Set by [NewResolveFunc] from [Config.Resolver].
	Resolver Resolver

	// Service is the service name or port number to attach to each address.
	//
	// Set by [NewResolveFunc] to the user-provided value.
	Service string

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewResolveFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[string, []netip.AddrPort] = &ResolveFunc{}

// Call resolves the given host to a list of endpoints carrying the
// configured service port.
func (op *ResolveFunc) Call(ctx context.Context, host string) ([]netip.AddrPort, error) {
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.logResolveStart(host, t0, deadline)
	port, err := op.Resolver.LookupPort(ctx, "tcp", op.Service)
	var addrs []netip.Addr
	if err == nil {
		addrs, err = op.Resolver.LookupNetIP(ctx, "ip", host)
	}
	endpoints := make([]netip.AddrPort, 0, len(addrs))
	for _, addr := range addrs {
		endpoints = append(endpoints, netip.AddrPortFrom(addr.Unmap(), uint16(port)))
	}
	op.logResolveDone(host, t0, deadline, endpoints, err)
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

func (op *ResolveFunc) logResolveStart(host string, t0 time.Time, deadline time.Time) {
	op.Logger.Info(
		"resolveStart",
		slog.Time("deadline", deadline),
		slog.String("hostname", host),
		slog.String("service", op.Service),
		slog.Time("t", t0),
	)
}

func (op *ResolveFunc) logResolveDone(
	host string, t0 time.Time, deadline time.Time, endpoints []netip.AddrPort, err error) {
	addrs := make([]string, 0, len(endpoints))
	for _, epnt := range endpoints {
		addrs = append(addrs, epnt.String())
	}
	op.Logger.Info(
		"resolveDone",
		slog.Any("addresses", addrs),
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("hostname", host),
		slog.String("service", op.Service),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}

// FirstEndpointFunc reduces a resolved address list to its first entry.
//
// The connection-oriented handlers connect to the first resolved endpoint
// only; compose this after a [*ResolveFunc] and before a [*ConnectFunc].
type FirstEndpointFunc struct{}

var _ Func[[]netip.AddrPort, netip.AddrPort] = &FirstEndpointFunc{}

// NewFirstEndpointFunc returns a new [*FirstEndpointFunc].
func NewFirstEndpointFunc() *FirstEndpointFunc {
	return &FirstEndpointFunc{}
}

// Call returns the first endpoint in the list.
func (op *FirstEndpointFunc) Call(ctx context.Context, endpoints []netip.AddrPort) (netip.AddrPort, error) {
	if len(endpoints) <= 0 {
		return netip.AddrPort{}, ErrNoAddresses
	}
	return endpoints[0], nil
}

// ErrNoAddresses indicates that resolution returned an empty address list.
var ErrNoAddresses = errors.New("fop: no addresses to connect to")
