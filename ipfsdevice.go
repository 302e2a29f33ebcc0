// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"context"
	"io"
	"sync"

	bsclient "github.com/ipfs/boxo/bitswap/client"
	bsnet "github.com/ipfs/boxo/bitswap/network/bsnet"
	blockstore "github.com/ipfs/boxo/blockstore"
	"github.com/ipfs/go-cid"
	datastore "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/multiformats/go-multiaddr"
)

// PeerRouter discovers peers that can provide a CID.
//
// By depending on an abstract implementation we allow for unit testing
// and for alternative discovery mechanisms. The production implementation
// queries a Kademlia DHT.
type PeerRouter interface {
	FindProviders(ctx context.Context, c cid.Cid) ([]peer.AddrInfo, error)
}

// BlockExchange fetches a single block from a candidate peer.
//
// The production implementation connects the libp2p Host to the candidate
// and issues a Bitswap want; any connected peer may serve the block, with
// the freshly-connected candidate as the natural source.
type BlockExchange interface {
	FetchBlock(ctx context.Context, from peer.AddrInfo, c cid.Cid) ([]byte, error)
}

// NewIPFSDevice returns a new [*IPFSDevice] using the given engines.
//
// Production code normally goes through [IPFSDeviceInstance], which wires
// a libp2p Host, a Kademlia DHT router and a Bitswap exchange. Tests pass
// stub engines directly.
func NewIPFSDevice(cfg *Config, router PeerRouter, exchange BlockExchange, logger SLogger) *IPFSDevice {
	return &IPFSDevice{
		cfg:       cfg,
		closers:   nil,
		exchange:  exchange,
		logger:    logger,
		mu:        sync.Mutex{},
		peers:     nil,
		requested: map[string]*cidInfo{},
		router:    router,
	}
}

// IPFSDevice is the process-scoped engine behind [*IPFSLoader].
//
// It owns the candidate peer list and the table of in-flight per-root-CID
// aggregations. The peer list is append-only for the lifetime of the
// device; the aggregation table is guarded by the device mutex, while each
// [*cidInfo] is only ever mutated on its request's loop.
type IPFSDevice struct {
	// cfg contains the common configuration.
	cfg *Config

	// closers tears down the networked engines, in order.
	closers []io.Closer

	// exchange fetches blocks from candidate peers.
	exchange BlockExchange

	// logger is the SLogger to use.
	logger SLogger

	// mu guards peers and requested.
	mu sync.Mutex

	// peers is the append-only candidate peer list.
	peers []peer.AddrInfo

	// requested maps root CID strings to in-flight aggregations.
	requested map[string]*cidInfo

	// router discovers providers.
	router PeerRouter
}

// Device singleton state.
var (
	ipfsDeviceInstance *IPFSDevice
	ipfsDeviceErr      error
	ipfsDeviceOnce     sync.Once
)

// IPFSDeviceInstance returns the process-wide [*IPFSDevice], creating the
// networked engines on first use.
//
// The first call's cfg and logger win; later calls return the same device.
// Construction failure is sticky: retrying requires a new process, which
// mirrors the fact that a half-initialised libp2p stack is not retryable.
func IPFSDeviceInstance(cfg *Config, logger SLogger) (*IPFSDevice, error) {
	ipfsDeviceOnce.Do(func() {
		ipfsDeviceInstance, ipfsDeviceErr = newNetworkedIPFSDevice(cfg, logger)
	})
	return ipfsDeviceInstance, ipfsDeviceErr
}

// newNetworkedIPFSDevice wires the production engines: a libp2p Host
// listening on the configured multiaddress, a Kademlia DHT in client mode
// with the configured refresh interval and concurrency, and a Bitswap
// client backed by an in-memory blockstore.
//
// The device is process-scoped, so the components are anchored to the
// background context rather than to any single request.
func newNetworkedIPFSDevice(cfg *Config, logger SLogger) (*IPFSDevice, error) {
	ctx := context.Background()

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.IPFSListenAddr))
	if err != nil {
		return nil, err
	}

	dht, err := kaddht.New(ctx, h,
		kaddht.Mode(kaddht.ModeClient),
		kaddht.Concurrency(cfg.IPFSConcurrency),
		kaddht.RoutingTableRefreshPeriod(cfg.IPFSRefreshInterval),
	)
	if err != nil {
		h.Close()
		return nil, err
	}
	if err := dht.Bootstrap(ctx); err != nil {
		dht.Close()
		h.Close()
		return nil, err
	}

	bstore := blockstore.NewBlockstore(dssync.MutexWrap(datastore.NewMapDatastore()))
	network := bsnet.NewFromIpfsHost(h)
	client := bsclient.New(ctx, network, nil, bstore)
	network.Start(client)

	device := NewIPFSDevice(cfg, &dhtRouter{dht: dht}, &bitswapExchange{
		client: client,
		host:   h,
	}, logger)
	device.closers = []io.Closer{client, dht, h}
	return device, nil
}

// Close tears down the networked engines. Devices built from stub engines
// have nothing to close.
func (d *IPFSDevice) Close() error {
	var first error
	for _, closer := range d.closers {
		if err := closer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// AddPeers appends providers to the candidate peer list.
func (d *IPFSDevice) AddPeers(peers []peer.AddrInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = append(d.peers, peers...)
}

// AddPeerString parses a multiaddress carrying a peer ID and appends it
// to the candidate peer list.
func (d *IPFSDevice) AddPeerString(addr string) error {
	parsed, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(parsed)
	if err != nil {
		return err
	}
	d.AddPeers([]peer.AddrInfo{*info})
	return nil
}

// PeerCount returns the current number of candidate peers.
func (d *IPFSDevice) PeerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// peerAt returns the candidate at the given offset, if any.
func (d *IPFSDevice) peerAt(offset int) (peer.AddrInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset < 0 || offset >= len(d.peers) {
		return peer.AddrInfo{}, false
	}
	return d.peers[offset], true
}

// ensureInfo returns the aggregation for the given root, creating it on
// first use.
func (d *IPFSDevice) ensureInfo(root cid.Cid) *cidInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := root.String()
	info := d.requested[key]
	if info == nil {
		info = newCIDInfo(root)
		d.requested[key] = info
	}
	return info
}

// lookupInfo returns the aggregation for the given root, or nil when it
// has been retired.
func (d *IPFSDevice) lookupInfo(root cid.Cid) *cidInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requested[root.String()]
}

// retire removes a completed aggregation from the table.
func (d *IPFSDevice) retire(root cid.Cid) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.requested, root.String())
}

// dhtRouter implements [PeerRouter] over a Kademlia DHT.
type dhtRouter struct {
	dht *kaddht.IpfsDHT
}

var _ PeerRouter = &dhtRouter{}

// FindProviders implements [PeerRouter].
func (r *dhtRouter) FindProviders(ctx context.Context, c cid.Cid) ([]peer.AddrInfo, error) {
	return r.dht.FindProviders(ctx, c)
}

// bitswapExchange implements [BlockExchange] over a Bitswap client.
type bitswapExchange struct {
	client *bsclient.Client
	host   host.Host
}

var _ BlockExchange = &bitswapExchange{}

// FetchBlock implements [BlockExchange].
func (x *bitswapExchange) FetchBlock(ctx context.Context, from peer.AddrInfo, c cid.Cid) ([]byte, error) {
	if len(from.Addrs) > 0 {
		if err := x.host.Connect(ctx, from); err != nil {
			return nil, err
		}
	}
	block, err := x.client.GetBlock(ctx, c)
	if err != nil {
		return nil, err
	}
	return block.RawData(), nil
}
