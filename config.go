// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"net"
	"time"
)

// Config holds common configuration for fop operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*ConnectFunc].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// HTTPSService is the service name or port used to resolve HTTPS
	// endpoints.
	//
	// Set by [NewConfig] to "https".
	HTTPSService string

	// IPFSBootstrapPeers lists multiaddresses (with peer IDs) seeded into
	// the IPFS device's candidate peer list before DHT discovery runs.
	//
	// Set by [NewConfig] to an empty list.
	IPFSBootstrapPeers []string

	// IPFSConcurrency is the Kademlia request concurrency (alpha).
	//
	// Set by [NewConfig] to 20.
	IPFSConcurrency int

	// IPFSListenAddr is the listen multiaddress of the libp2p Host.
	//
	// Set by [NewConfig] to "/ip4/127.0.0.1/tcp/40000".
	IPFSListenAddr string

	// IPFSMaxFindRetries caps the total number of provider-discovery
	// queries, the first one included: a value of N allows N-1 retries.
	//
	// Set by [NewConfig] to 0, meaning retry forever. This preserves the
	// historical behaviour; set a positive value to bound discovery.
	IPFSMaxFindRetries int

	// IPFSRefreshInterval is the Kademlia routing-table refresh interval.
	//
	// Set by [NewConfig] to 300 seconds.
	IPFSRefreshInterval time.Duration

	// IPFSRetryInterval is the delay between provider-discovery retries.
	//
	// Set by [NewConfig] to 10 seconds.
	IPFSRetryInterval time.Duration

	// Resolver resolves host names to IP addresses.
	//
	// Set by [NewConfig] to the system resolver. Replace with a
	// [*DNSOverUDPResolver] to resolve against a specific DNS server.
	Resolver Resolver

	// SFTPService is the service name or port used to resolve SFTP
	// endpoints.
	//
	// Set by [NewConfig] to "22".
	SFTPService string

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:              &net.Dialer{},
		ErrClassifier:       DefaultErrClassifier,
		HTTPSService:        "https",
		IPFSBootstrapPeers:  []string{},
		IPFSConcurrency:     20,
		IPFSListenAddr:      "/ip4/127.0.0.1/tcp/40000",
		IPFSMaxFindRetries:  0,
		IPFSRefreshInterval: 300 * time.Second,
		IPFSRetryInterval:   10 * time.Second,
		Resolver:            &net.Resolver{},
		SFTPService:         "22",
		TimeNow:             time.Now,
	}
}
