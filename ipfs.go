// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"context"
	"log/slog"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/boxo/ipld/unixfs"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Progress tags emitted by the IPFS engine.
const (
	// ProgressIPFSFindingPeers is emitted before a DHT provider query.
	ProgressIPFSFindingPeers = ProgressTag("finding-peers")

	// ProgressIPFSReadingBlocks is emitted before fetching the root block.
	ProgressIPFSReadingBlocks = ProgressTag("reading-blocks")

	// ProgressIPFSReadingSubBlocks is emitted when DAG expansion starts.
	ProgressIPFSReadingSubBlocks = ProgressTag("reading-sub-blocks")
)

// NewIPFSLoader returns a new [*IPFSLoader].
//
// The cfg argument contains the common configuration for fop operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewIPFSLoader(cfg *Config, logger SLogger) *IPFSLoader {
	return &IPFSLoader{
		Config: cfg,
		Device: nil,
		Logger: logger,
	}
}

// IPFSLoader fetches `ipfs://<cid>/<name>` URLs via content-addressed
// retrieval.
//
// The loader delegates to the process-scoped [*IPFSDevice]: candidate
// peers come from the configured bootstrap list and from DHT provider
// discovery, blocks are fetched over Bitswap walking the candidate list
// in insertion order, and the block DAG is expanded recursively until
// every file under the root CID has been assembled.
type IPFSLoader struct {
	// Config contains the common configuration.
	//
	// Set by [NewIPFSLoader] to the user-provided [*Config].
	Config *Config

	// Device optionally overrides the process-scoped device.
	//
	// Left nil by [NewIPFSLoader], meaning [IPFSDeviceInstance] is used.
	// Tests inject a device built from stub engines here.
	Device *IPFSDevice

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewIPFSLoader] to the user-provided logger.
	Logger SLogger
}

var _ Loader = &IPFSLoader{}

// LoadAsync implements [Loader].
func (op *IPFSLoader) LoadAsync(ctx context.Context, req *LoadRequest) {
	device := op.Device
	if device == nil {
		var err error
		device, err = IPFSDeviceInstance(op.Config, op.Logger)
		if err != nil {
			req.EmitStatus(failureStatus(FailIPFSDevice, err))
			req.Finish(nil)
			return
		}
	}

	root, err := cid.Decode(req.URL.CID)
	if err != nil {
		req.EmitStatus(failureStatus(FailBitswapDecode, err))
		req.Finish(nil)
		return
	}

	for _, addr := range op.Config.IPFSBootstrapPeers {
		if err := device.AddPeerString(addr); err != nil {
			op.Logger.Info("ipfsBadBootstrapPeer",
				slog.String("addr", addr),
				slog.Any("err", err),
			)
		}
	}

	// With seeded candidates we can skip discovery and ask them directly;
	// otherwise discovery must run first.
	filename := req.URL.CIDPath
	if device.PeerCount() > 0 {
		req.Loop.Post(func() {
			device.RequestBlockMain(ctx, req, root, filename, 0)
		})
		return
	}
	req.Loop.Post(func() {
		device.StartFindingPeers(ctx, req, root, filename, 0)
	})
}

// StartFindingPeers discovers providers for the root CID.
//
// On an empty provider list or a DHT error, discovery is re-armed on the
// request loop after [Config.IPFSRetryInterval]; by default it retries
// until the context is cancelled, with [Config.IPFSMaxFindRetries] as the
// opt-in cap. Must be called on the request loop.
func (d *IPFSDevice) StartFindingPeers(ctx context.Context, req *LoadRequest,
	root cid.Cid, filename string, retries int) {
	req.EmitStatus(progressStatus(ProgressIPFSFindingPeers))
	go func() {
		t0 := d.cfg.TimeNow()
		d.logger.Info("dhtFindProvidersStart",
			slog.String("cid", root.String()),
			slog.Time("t", t0),
		)
		providers, err := d.router.FindProviders(ctx, root)
		d.logger.Info("dhtFindProvidersDone",
			slog.String("cid", root.String()),
			slog.Any("err", err),
			slog.String("errClass", d.cfg.ErrClassifier.Classify(err)),
			slog.Int("providers", len(providers)),
			slog.Time("t0", t0),
			slog.Time("t", d.cfg.TimeNow()),
		)
		req.Loop.Post(func() {
			if err != nil || len(providers) <= 0 {
				req.EmitStatus(failureStatus(FailDHTNoProviders, err))
				if ctx.Err() != nil {
					req.Finish(nil)
					return
				}
				if limit := d.cfg.IPFSMaxFindRetries; limit > 0 && retries+1 >= limit {
					req.Finish(nil)
					return
				}
				req.Loop.PostAfter(d.cfg.IPFSRetryInterval, func() {
					d.StartFindingPeers(ctx, req, root, filename, retries+1)
				})
				return
			}
			d.AddPeers(providers)
			d.RequestBlockMain(ctx, req, root, filename, 0)
		})
	}()
}

// RequestBlockMain fetches and expands the root block.
//
// Candidate peers are tried in insertion order starting at offset; when
// the list is exhausted the request fails with an empty bundle. Must be
// called on the request loop.
func (d *IPFSDevice) RequestBlockMain(ctx context.Context, req *LoadRequest,
	root cid.Cid, filename string, offset int) {
	req.EmitStatus(progressStatus(ProgressIPFSReadingBlocks))
	from, ok := d.peerAt(offset)
	if !ok {
		d.abandon(root)
		req.EmitStatus(failureStatus(FailBitswapExhausted, nil))
		req.Finish(nil)
		return
	}
	d.fetchBlock(ctx, req, from, root, func(data []byte, err error) {
		if err != nil {
			d.RequestBlockMain(ctx, req, root, filename, offset+1)
			return
		}
		node, err := merkledag.DecodeProtobuf(data)
		if err != nil {
			req.EmitStatus(failureStatus(FailBitswapDecode, err))
			req.Finish(nil)
			return
		}
		info := d.ensureInfo(root)
		links := node.Links()
		if len(links) > 0 {
			req.EmitStatus(progressStatus(ProgressIPFSReadingSubBlocks))
		}
		for _, link := range links {
			// A named link is a file or subdirectory entry; an unnamed
			// link would be a chunk of the root itself, which cannot
			// happen for the root node but is handled for symmetry.
			pass := filename
			if link.Name != "" {
				info.addNamed(link.Name, link.Cid)
				pass = link.Name
			} else {
				info.addChunk(link.Cid, root, pass)
			}
			info.outstanding++
			d.RequestBlockSub(ctx, req, root, root, link.Cid, pass, 0)
		}
		if len(links) <= 0 {
			payload, err := unixfsPayload(node)
			if err != nil {
				req.EmitStatus(failureStatus(FailBitswapDecode, err))
				req.Finish(nil)
				return
			}
			info.final.Append(filename, payload)
			d.maybeComplete(req, info)
		}
	})
}

// RequestBlockSub fetches and expands one sub-block.
//
// The parent CID is not needed for assembly and is threaded for
// diagnostic logging only. Must be called on the request loop.
func (d *IPFSDevice) RequestBlockSub(ctx context.Context, req *LoadRequest,
	root, parent, current cid.Cid, pathAcc string, offset int) {
	d.logger.Debug("ipfsSubBlock",
		slog.String("cid", current.String()),
		slog.String("parentCid", parent.String()),
		slog.String("path", pathAcc),
		slog.Int("peerOffset", offset),
	)
	from, ok := d.peerAt(offset)
	if !ok {
		d.abandon(root)
		req.EmitStatus(failureStatus(FailBitswapExhausted, nil))
		req.Finish(nil)
		return
	}
	d.fetchBlock(ctx, req, from, current, func(data []byte, err error) {
		if err != nil {
			d.RequestBlockSub(ctx, req, root, parent, current, pathAcc, offset+1)
			return
		}
		info := d.lookupInfo(root)
		if info == nil || info.completed {
			return
		}
		info.outstanding--
		node, err := merkledag.DecodeProtobuf(data)
		if err != nil {
			info.completed = true
			d.retire(root)
			req.EmitStatus(failureStatus(FailBitswapDecode, err))
			req.Finish(nil)
			return
		}
		for _, link := range node.Links() {
			if link.Name != "" {
				childPath := pathAcc + "/" + link.Name
				info.addNamed(childPath, link.Cid)
				info.outstanding++
				d.RequestBlockSub(ctx, req, root, current, link.Cid, childPath, 0)
			} else {
				info.addChunk(link.Cid, current, pathAcc)
				info.outstanding++
				d.RequestBlockSub(ctx, req, root, current, link.Cid, pathAcc, 0)
			}
		}
		if len(node.Links()) <= 0 {
			payload, err := unixfsPayload(node)
			if err != nil {
				info.completed = true
				d.retire(root)
				req.EmitStatus(failureStatus(FailBitswapDecode, err))
				req.Finish(nil)
				return
			}
			// A leaf matching a pending chunk record belongs to a
			// multi-block file; otherwise it is a whole single-block file.
			if !info.setContentForLinked(current, payload) {
				info.final.Append(pathAcc, payload)
			}
		}
		d.maybeComplete(req, info)
	})
}

// fetchBlock runs the exchange off the loop and posts the continuation
// back, with a span event around the fetch.
func (d *IPFSDevice) fetchBlock(ctx context.Context, req *LoadRequest,
	from peer.AddrInfo, c cid.Cid, continuation func(data []byte, err error)) {
	go func() {
		t0 := d.cfg.TimeNow()
		d.logger.Debug("bitswapFetchStart",
			slog.String("cid", c.String()),
			slog.String("peer", from.ID.String()),
			slog.Time("t", t0),
		)
		data, err := d.exchange.FetchBlock(ctx, from, c)
		d.logger.Debug("bitswapFetchDone",
			slog.Int("bytes", len(data)),
			slog.String("cid", c.String()),
			slog.Any("err", err),
			slog.String("errClass", d.cfg.ErrClassifier.Classify(err)),
			slog.String("peer", from.ID.String()),
			slog.Time("t0", t0),
			slog.Time("t", d.cfg.TimeNow()),
		)
		req.Loop.Post(func() {
			continuation(data, err)
		})
	}()
}

// abandon marks a failed aggregation as completed and removes it from the
// table so late sub-block callbacks become no-ops. Must be called on the
// request loop.
func (d *IPFSDevice) abandon(root cid.Cid) {
	if info := d.lookupInfo(root); info != nil {
		info.completed = true
		d.retire(root)
	}
}

// maybeComplete fires the completion exactly once when no sub-blocks
// remain outstanding. Must be called on the request loop.
func (d *IPFSDevice) maybeComplete(req *LoadRequest, info *cidInfo) {
	if info.completed || info.outstanding > 0 {
		return
	}
	info.completed = true
	info.groupLinkedCIDs()
	req.EmitStatus(progressStatus(ProgressCompleted))
	req.Finish(info.final)
	d.retire(info.root)
}

// unixfsPayload extracts the file bytes from a leaf node by decoding its
// UnixFS Data message. Content framing goes strictly through the protobuf
// decoder; there are no byte-offset shortcuts.
func unixfsPayload(node *merkledag.ProtoNode) ([]byte, error) {
	fsnode, err := unixfs.FSNodeFromBytes(node.Data())
	if err != nil {
		return nil, err
	}
	return fsnode.Data(), nil
}
