// Package statesync downloads the state trie of the target block node by
// node.
package statesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chainkit/chainsync/config"
	"github.com/chainkit/chainsync/internal/peers"
	"github.com/chainkit/chainsync/internal/report"
	"github.com/chainkit/chainsync/internal/store"
	"github.com/chainkit/chainsync/internal/syncer/allocation"
	"github.com/chainkit/chainsync/internal/syncer/dispatch"
	"github.com/chainkit/chainsync/internal/syncmode"
	"github.com/chainkit/chainsync/libs/log"
	"github.com/chainkit/chainsync/types"
)

// number of stored nodes whose decoded children are kept in memory
const childrenCacheSize = 1 << 16

var errHashMismatch = errors.New("node data does not match its hash")

// NodeRequest asks for a batch of trie nodes by hash.
type NodeRequest struct {
	Root   types.Hash
	Hashes []types.Hash
	Data   [][]byte

	gen     int
	exclude mapset.Set[types.PeerID]
}

func (r *NodeRequest) String() string {
	return fmt.Sprintf("NodeRequest{%v %d nodes}", r.Root.ShortString(), len(r.Hashes))
}

// Feed reconstructs the state trie of the best suggested header breadth
// first. Nodes already stored, e.g. by an earlier session, are walked
// locally. Once no node is missing the state root is marked synced and the
// head moves to the target block, handing over to full sync.
type Feed struct {
	*dispatch.BaseFeed
	logger log.Logger

	batchSize int

	blocks   *store.BlockStore
	state    *store.StateStore
	reporter report.Reporter

	mtx      sync.Mutex
	gen      int
	target   *types.Header
	missing  dispatch.Queue[types.Hash]
	retries  []*NodeRequest
	inFlight int
	stored   int64

	// hashes reached by the walk towards the current target
	visited mapset.Set[types.Hash]
	// children of stored nodes; content addressed, so valid across targets
	children *lru.Cache[types.Hash, []types.Hash]
}

var (
	_ dispatch.Feed[*NodeRequest]      = (*Feed)(nil)
	_ dispatch.Requester[*NodeRequest] = (*Feed)(nil)
)

func NewFeed(
	logger log.Logger,
	cfg config.SyncConfig,
	selector syncmode.Selector,
	blocks *store.BlockStore,
	state *store.StateStore,
	reporter report.Reporter,
) (*Feed, error) {
	children, err := lru.New[types.Hash, []types.Hash](childrenCacheSize)
	if err != nil {
		return nil, err
	}
	return &Feed{
		BaseFeed:  dispatch.NewBaseFeed("state-nodes", types.SyncModeStateNodes, selector),
		logger:    logger.With("feed", "state-nodes"),
		batchSize: cfg.StateNodesBatchSize,
		blocks:    blocks,
		state:     state,
		reporter:  reporter,
		visited:   mapset.NewThreadUnsafeSet[types.Hash](),
		children:  children,
	}, nil
}

// retarget restarts the walk when the best header commits to another root.
// Must be called with mtx held.
func (f *Feed) retarget() error {
	h := f.blocks.LoadHeader(f.blocks.BestSuggestedHeader())
	if h == nil {
		return nil
	}
	if f.target != nil && f.target.StateRoot == h.StateRoot {
		return nil
	}
	if f.target != nil {
		f.logger.Info("state target changed", "from", f.target.StateRoot.ShortString(), "to", h.StateRoot.ShortString())
	}

	f.gen++
	f.target = h
	f.missing.Clear()
	f.retries = nil
	f.inFlight = 0
	f.visited.Clear()
	return f.schedule([]types.Hash{h.StateRoot})
}

// schedule queues the missing nodes among hashes and walks the subtrees of
// the stored ones. Must be called with mtx held.
func (f *Feed) schedule(hashes []types.Hash) error {
	stack := append([]types.Hash(nil), hashes...)
	for len(stack) > 0 {
		hash := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !f.visited.Add(hash) {
			continue
		}
		children, err := f.storedChildren(hash)
		switch {
		case err != nil:
			return err
		case children == nil:
			f.missing.Push(hash)
		default:
			stack = append(stack, children...)
		}
	}
	return nil
}

// storedChildren returns the children of a stored node, or nil when the
// node is not stored. Leaves have an empty, non-nil slice.
func (f *Feed) storedChildren(hash types.Hash) ([]types.Hash, error) {
	if children, ok := f.children.Get(hash); ok {
		return children, nil
	}
	bz := f.state.LoadNode(hash)
	if bz == nil {
		return nil, nil
	}
	node, err := types.DecodeTrieNode(bz)
	if err != nil {
		return nil, fmt.Errorf("stored node %v: %w", hash.ShortString(), err)
	}
	return f.cacheChildren(hash, node), nil
}

func (f *Feed) cacheChildren(hash types.Hash, node *types.TrieNode) []types.Hash {
	children := node.Children
	if children == nil {
		children = []types.Hash{}
	}
	f.children.Add(hash, children)
	return children
}

func (f *Feed) Prepare(context.Context) (*NodeRequest, bool, error) {
	if _, _, ok := f.state.SyncedRoot(); ok {
		f.Finish()
		return nil, false, nil
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()

	if f.inFlight == 0 {
		if err := f.retarget(); err != nil {
			return nil, false, err
		}
	}
	if f.target == nil {
		return nil, false, nil
	}
	if err := f.checkDone(); err != nil {
		return nil, false, err
	}

	if len(f.retries) > 0 {
		req := f.retries[0]
		f.retries = f.retries[1:]
		f.inFlight++
		return req, true, nil
	}

	req := &NodeRequest{Root: f.target.StateRoot, gen: f.gen}
	for len(req.Hashes) < f.batchSize {
		hash, ok := f.missing.Pop()
		if !ok {
			break
		}
		req.Hashes = append(req.Hashes, hash)
	}
	if len(req.Hashes) == 0 {
		return nil, false, nil
	}
	f.inFlight++
	return req, true, nil
}

func (f *Feed) Allocation(r *NodeRequest) allocation.Request {
	return allocation.Request{Capabilities: peers.CapNodeData, Exclude: r.exclude}
}

func (f *Feed) Request(ctx context.Context, peer peers.SyncPeer, r *NodeRequest) error {
	r.Data = nil
	data, err := peer.GetNodeData(ctx, r.Hashes)
	if err != nil {
		return err
	}
	r.Data = data
	return nil
}

func (f *Feed) Handle(_ context.Context, r *NodeRequest, peer types.PeerID, err error) (dispatch.Result, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if f.State().Terminal() || r.gen != f.gen {
		return dispatch.ResultIgnored, nil
	}
	f.inFlight--

	switch {
	case errors.Is(err, dispatch.ErrNoPeerAvailable):
		r.exclude = nil
		f.retry(r)
		return dispatch.ResultNotAssigned, nil
	case err != nil:
		f.retryExcluding(r, peer)
		return dispatch.ResultNoProgress, nil
	}

	var (
		hashes   []types.Hash
		data     [][]byte
		nodes    []*types.TrieNode
		accounts []types.Account
		missing  []types.Hash
	)
	for i, hash := range r.Hashes {
		if i >= len(r.Data) || r.Data[i] == nil {
			missing = append(missing, hash)
			continue
		}
		bz := r.Data[i]
		if types.HashBytes(bz) != hash {
			f.logger.Debug("bad node data", "peer", peer, "hash", hash.ShortString(), "err", errHashMismatch)
			f.retryExcluding(r, peer)
			return dispatch.ResultPeerFault, nil
		}
		node, err := types.DecodeTrieNode(bz)
		if err != nil {
			f.logger.Debug("undecodable node data", "peer", peer, "hash", hash.ShortString(), "err", err)
			f.retryExcluding(r, peer)
			return dispatch.ResultPeerFault, nil
		}
		if node.IsLeaf() && len(node.Value) > 0 {
			if a, err := types.DecodeAccount(node.Value); err == nil {
				accounts = append(accounts, a)
			}
		}
		hashes = append(hashes, hash)
		data = append(data, bz)
		nodes = append(nodes, node)
	}

	if len(hashes) == 0 {
		f.retryExcluding(r, peer)
		return dispatch.ResultNoProgress, nil
	}

	if err := f.state.SaveNodes(hashes, data); err != nil {
		return dispatch.ResultOK, fmt.Errorf("storing trie nodes: %w", err)
	}
	if err := f.state.SaveAccounts(accounts); err != nil {
		return dispatch.ResultOK, fmt.Errorf("storing accounts: %w", err)
	}
	f.stored += int64(len(hashes))
	f.reporter.Processed(f.String(), len(hashes))

	if len(missing) > 0 {
		f.missing.PushFront(missing...)
	}
	for i, n := range nodes {
		f.cacheChildren(hashes[i], n)
		if err := f.schedule(n.Children); err != nil {
			return dispatch.ResultOK, err
		}
	}

	f.reporter.Progress(f.String(), f.stored, f.stored+int64(f.missing.Len()))
	return dispatch.ResultOK, f.checkDone()
}

// checkDone marks the state synced once nothing is missing or in flight.
// Must be called with mtx held.
func (f *Feed) checkDone() error {
	if f.target == nil || f.inFlight > 0 || f.missing.Len() > 0 || len(f.retries) > 0 {
		return nil
	}
	if !f.state.HasNode(f.target.StateRoot) {
		return fmt.Errorf("state root %v not stored after the walk", f.target.StateRoot.ShortString())
	}
	if err := f.state.SetSyncedRoot(f.target.Height, f.target.StateRoot); err != nil {
		return err
	}
	if err := f.blocks.SetHead(f.target.Height); err != nil {
		return err
	}
	if f.Finish() {
		f.logger.Info("state synced", "height", f.target.Height, "root", f.target.StateRoot, "nodes", f.stored)
	}
	return nil
}

func (f *Feed) retry(r *NodeRequest) {
	r.Data = nil
	f.retries = append(f.retries, r)
}

func (f *Feed) retryExcluding(r *NodeRequest, peer types.PeerID) {
	if r.exclude == nil {
		r.exclude = mapset.NewSet[types.PeerID]()
	}
	r.exclude.Add(peer)
	f.retry(r)
}

func (f *Feed) Close() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.missing.Clear()
	f.retries = nil
	f.visited.Clear()
	f.children.Purge()
	return nil
}
