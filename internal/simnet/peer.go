package simnet

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chainkit/chainsync/config"
	"github.com/chainkit/chainsync/internal/peers"
	"github.com/chainkit/chainsync/types"
)

var (
	// ErrDisconnected is returned by a peer after Disconnect.
	ErrDisconnected = errors.New("peer disconnected")
	// ErrTimeout is returned by the first FailFirst requests of a peer.
	ErrTimeout = errors.New("request timed out")
)

// PeerOptions configure a simulated peer.
type PeerOptions struct {
	// Delay before every response.
	Latency time.Duration

	// Serve corrupted data: broken seals, wrong bodies and receipts,
	// garbage trie nodes and unordered account ranges.
	Faulty bool

	// Highest block served. Zero serves the whole chain.
	Height int64

	// Number of initial requests that fail with ErrTimeout.
	FailFirst int64
}

// Peer serves a Chain as a peers.SyncPeer.
type Peer struct {
	id    types.PeerID
	chain *Chain
	opts  PeerOptions

	requests     atomic.Int64
	disconnected atomic.Bool
}

var _ peers.SyncPeer = (*Peer)(nil)

func NewPeer(id types.PeerID, chain *Chain, opts PeerOptions) *Peer {
	if opts.Height <= 0 || opts.Height > chain.Height() {
		opts.Height = chain.Height()
	}
	return &Peer{id: id, chain: chain, opts: opts}
}

func (p *Peer) ID() types.PeerID { return p.id }

// Height returns the highest block the peer serves.
func (p *Peer) Height() int64 { return p.opts.Height }

// Requests returns the number of requests served so far.
func (p *Peer) Requests() int64 { return p.requests.Load() }

// Disconnect makes every further request fail.
func (p *Peer) Disconnect() { p.disconnected.Store(true) }

func (p *Peer) respond(ctx context.Context) error {
	n := p.requests.Add(1)
	if p.disconnected.Load() {
		return ErrDisconnected
	}
	if n <= p.opts.FailFirst {
		return ErrTimeout
	}
	if p.opts.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.opts.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Peer) GetBlockHeaders(ctx context.Context, start int64, count int) ([]*types.Header, error) {
	if err := p.respond(ctx); err != nil {
		return nil, err
	}
	var out []*types.Header
	for h := start; h < start+int64(count) && h <= p.opts.Height; h++ {
		header := p.chain.Header(h)
		if header == nil {
			break
		}
		if p.opts.Faulty {
			bad := *header
			bad.Seal = append([]byte(nil), header.Seal...)
			bad.Seal[0] ^= 0xff
			header = &bad
		}
		out = append(out, header)
	}
	return out, nil
}

func (p *Peer) heightOf(hash types.Hash) (int64, bool) {
	h, ok := p.chain.HeightOf(hash)
	if !ok || h > p.opts.Height {
		return 0, false
	}
	return h, true
}

func (p *Peer) GetBlockBodies(ctx context.Context, hashes []types.Hash) ([]*types.Body, error) {
	if err := p.respond(ctx); err != nil {
		return nil, err
	}
	var out []*types.Body
	for _, hash := range hashes {
		h, ok := p.heightOf(hash)
		if !ok {
			break
		}
		body := p.chain.Body(h)
		if p.opts.Faulty {
			body = &types.Body{Txs: append(append([]types.Tx(nil), body.Txs...), types.Tx("forged"))}
		}
		out = append(out, body)
	}
	return out, nil
}

func (p *Peer) GetReceipts(ctx context.Context, hashes []types.Hash) ([][]*types.Receipt, error) {
	if err := p.respond(ctx); err != nil {
		return nil, err
	}
	var out [][]*types.Receipt
	for _, hash := range hashes {
		h, ok := p.heightOf(hash)
		if !ok {
			break
		}
		receipts := p.chain.Receipts(h)
		if p.opts.Faulty {
			receipts = append(append([]*types.Receipt(nil), receipts...), &types.Receipt{GasUsed: 1})
		}
		out = append(out, receipts)
	}
	return out, nil
}

func (p *Peer) GetNodeData(ctx context.Context, hashes []types.Hash) ([][]byte, error) {
	if err := p.respond(ctx); err != nil {
		return nil, err
	}
	out := make([][]byte, len(hashes))
	for i, hash := range hashes {
		bz, ok := p.chain.Node(hash)
		if !ok {
			continue
		}
		if p.opts.Faulty {
			bz = append([]byte{0}, hash[:]...)
		}
		out[i] = bz
	}
	return out, nil
}

func (p *Peer) GetAccountRange(
	ctx context.Context,
	root, start, limit types.Hash,
	max int,
) ([]types.Account, error) {
	if err := p.respond(ctx); err != nil {
		return nil, err
	}
	accounts := p.chain.AccountRange(root, start, limit, max)
	if p.opts.Faulty && len(accounts) > 1 {
		reversed := make([]types.Account, len(accounts))
		for i, a := range accounts {
			reversed[len(accounts)-1-i] = a
		}
		accounts = reversed
	}
	return accounts, nil
}

// Network is a set of simulated peers serving one chain.
type Network struct {
	Chain *Chain
	Peers []*Peer
}

// NewNetwork builds the chain and peers described by cfg. The first
// cfg.FaultyPeers peers serve corrupted data.
func NewNetwork(cfg config.SimNetConfig) *Network {
	chain := NewChain(ChainOptions{
		Height:   cfg.Height,
		Accounts: cfg.Accounts,
		Seed:     cfg.Seed,
	})
	n := &Network{Chain: chain}
	for i := 0; i < cfg.Peers; i++ {
		n.Peers = append(n.Peers, NewPeer(
			types.PeerID(fmt.Sprintf("sim-%d", i)),
			chain,
			PeerOptions{Latency: cfg.Latency, Faulty: i < cfg.FaultyPeers},
		))
	}
	return n
}

// PeerAdder is the part of a peer pool Populate needs.
type PeerAdder interface {
	AddPeer(peer peers.SyncPeer, height int64, caps peers.Capabilities) error
}

// Populate adds every peer of the network to pool with all capabilities.
func (n *Network) Populate(pool PeerAdder) error {
	for _, p := range n.Peers {
		if err := pool.AddPeer(p, p.Height(), peers.CapAll); err != nil {
			return fmt.Errorf("adding simulated peer %s: %w", p.ID(), err)
		}
	}
	return nil
}
