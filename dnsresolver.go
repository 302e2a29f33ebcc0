// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"context"
	"net"
	"net/netip"

	"github.com/bassosimone/dnscodec"
	"github.com/miekg/dns"
)

// NewDNSOverUDPResolver returns a new [*DNSOverUDPResolver].
//
// The cfg argument contains the common configuration for fop operations.
//
// The server argument is the DNS server endpoint (e.g. "8.8.8.8:53").
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSOverUDPResolver(cfg *Config, server netip.AddrPort, logger SLogger) *DNSOverUDPResolver {
	return &DNSOverUDPResolver{
		Config: cfg,
		Logger: logger,
		Server: server,
	}
}

// DNSOverUDPResolver implements [Resolver] by exchanging DNS queries over
// UDP with a specific server, using a composed connection pipeline.
//
// Use this instead of the system resolver when the RESOLVING stage must
// target a known server, or when structured per-exchange logging of the
// resolution step is required.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with lookups.
type DNSOverUDPResolver struct {
	// Config contains the common configuration.
	//
	// Set by [NewDNSOverUDPResolver] to the user-provided [*Config].
	Config *Config

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewDNSOverUDPResolver] to the user-provided logger.
	Logger SLogger

	// Server is the DNS server endpoint.
	//
	// Set by [NewDNSOverUDPResolver] to the user-provided value.
	Server netip.AddrPort
}

var _ Resolver = &DNSOverUDPResolver{}

// LookupNetIP implements [Resolver].
//
// It dials the configured server, performs an A exchange unless the network
// argument is "ip6" and an AAAA exchange unless it is "ip4", both on the same
// connection, and returns the union of the results. The AAAA exchange failing is not an
// error when the A exchange produced addresses.
func (r *DNSOverUDPResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var addrs []netip.Addr
	if network != "ip6" {
		values, err := r.exchange(ctx, conn, host, dns.TypeA)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, values...)
	}
	if network != "ip4" {
		values, err := r.exchange(ctx, conn, host, dns.TypeAAAA)
		if err != nil && len(addrs) <= 0 {
			return nil, err
		}
		addrs = append(addrs, values...)
	}
	return addrs, nil
}

// LookupPort implements [Resolver] using the static services table.
func (r *DNSOverUDPResolver) LookupPort(ctx context.Context, network, service string) (int, error) {
	return net.LookupPort(network, service)
}

// dial composes the standard UDP pipeline towards the configured server.
func (r *DNSOverUDPResolver) dial(ctx context.Context) (*DNSOverUDPConn, error) {
	pipe := Compose5(
		NewEndpointFunc(r.Server),
		NewConnectFunc(r.Config, "udp", r.Logger),
		NewObserveConnFunc(r.Config, r.Logger),
		NewCancelWatchFunc(),
		NewDNSOverUDPConnFunc(r.Config, r.Logger),
	)
	return pipe.Call(ctx, Unit{})
}

// exchange runs a single query and parses the address records.
func (r *DNSOverUDPResolver) exchange(
	ctx context.Context, conn *DNSOverUDPConn, host string, qtype uint16) ([]netip.Addr, error) {
	resp, err := conn.Exchange(ctx, dnscodec.NewQuery(host, qtype))
	if err != nil {
		return nil, err
	}
	var records []string
	if qtype == dns.TypeA {
		records, err = resp.RecordsA()
	} else {
		records, err = resp.RecordsAAAA()
	}
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(records))
	for _, record := range records {
		addr, err := netip.ParseAddr(record)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
