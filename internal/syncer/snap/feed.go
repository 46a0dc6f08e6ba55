// Package snap downloads the accounts of the target state in hash ranges.
package snap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

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

var errBadRange = errors.New("invalid account range")

// AccountRequest asks for the accounts of one partition from Start on.
type AccountRequest struct {
	Root  types.Hash
	Start types.Hash
	Limit types.Hash
	Max   int

	Accounts []types.Account

	part    int
	exclude mapset.Set[types.PeerID]
}

func (r *AccountRequest) String() string {
	return fmt.Sprintf("AccountRequest{%v %v-%v}", r.Root.ShortString(), r.Start.ShortString(), r.Limit.ShortString())
}

type partition struct {
	next    types.Hash
	limit   types.Hash
	done    bool
	busy    bool
	exclude mapset.Set[types.PeerID]
}

// Partitions splits the hash space into n ranges of equal width. n must
// divide 256.
func Partitions(n int) [][2]types.Hash {
	width := 256 / n
	out := make([][2]types.Hash, n)
	for i := range out {
		var start, limit types.Hash
		start[0] = byte(i * width)
		limit = types.MaxHash
		limit[0] = byte((i+1)*width - 1)
		out[i] = [2]types.Hash{start, limit}
	}
	return out
}

// Feed downloads every account under the state root of the best suggested
// header. The partitions are downloaded in parallel, each sequentially. If
// the target root changes, the download restarts against the new root.
type Feed struct {
	*dispatch.BaseFeed
	logger log.Logger

	partitions int
	max        int

	blocks   *store.BlockStore
	state    *store.StateStore
	reporter report.Reporter

	mtx    sync.Mutex
	root   types.Hash
	ranges []*partition
}

var (
	_ dispatch.Feed[*AccountRequest]      = (*Feed)(nil)
	_ dispatch.Requester[*AccountRequest] = (*Feed)(nil)
)

func NewFeed(
	logger log.Logger,
	cfg config.SyncConfig,
	selector syncmode.Selector,
	blocks *store.BlockStore,
	state *store.StateStore,
	reporter report.Reporter,
) *Feed {
	return &Feed{
		BaseFeed:   dispatch.NewBaseFeed("snap", types.SyncModeSnap, selector),
		logger:     logger.With("feed", "snap"),
		partitions: cfg.SnapPartitions,
		max:        cfg.SnapAccountsPerRequest,
		blocks:     blocks,
		state:      state,
		reporter:   reporter,
	}
}

// target returns the state root to download, or false if no header is
// known yet.
func (f *Feed) target() (types.Hash, bool) {
	h := f.blocks.LoadHeader(f.blocks.BestSuggestedHeader())
	if h == nil {
		return types.Hash{}, false
	}
	return h.StateRoot, true
}

// retarget resets the partitions when the root moved. Must be called with
// mtx held.
func (f *Feed) retarget(root types.Hash) {
	if f.ranges != nil && root == f.root {
		return
	}
	if f.ranges != nil {
		f.logger.Info("snap target changed", "from", f.root.ShortString(), "to", root.ShortString())
	}
	f.root = root
	f.ranges = make([]*partition, 0, f.partitions)
	for _, p := range Partitions(f.partitions) {
		f.ranges = append(f.ranges, &partition{next: p[0], limit: p[1]})
	}
}

func (f *Feed) Prepare(context.Context) (*AccountRequest, bool, error) {
	root, ok := f.target()
	if !ok {
		return nil, false, nil
	}
	if f.state.IsSnapComplete(root) {
		f.Finish()
		return nil, false, nil
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.retarget(root)
	for i, p := range f.ranges {
		if p.done || p.busy {
			continue
		}
		p.busy = true
		return &AccountRequest{
			Root:    f.root,
			Start:   p.next,
			Limit:   p.limit,
			Max:     f.max,
			part:    i,
			exclude: p.exclude,
		}, true, nil
	}
	return nil, false, nil
}

func (f *Feed) Allocation(r *AccountRequest) allocation.Request {
	return allocation.Request{Capabilities: peers.CapSnap, Exclude: r.exclude}
}

func (f *Feed) Request(ctx context.Context, peer peers.SyncPeer, r *AccountRequest) error {
	r.Accounts = nil
	accounts, err := peer.GetAccountRange(ctx, r.Root, r.Start, r.Limit, r.Max)
	if err != nil {
		return err
	}
	r.Accounts = accounts
	return nil
}

func (f *Feed) Handle(_ context.Context, r *AccountRequest, peer types.PeerID, err error) (dispatch.Result, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if f.State().Terminal() || f.ranges == nil || r.Root != f.root {
		return dispatch.ResultIgnored, nil
	}
	p := f.ranges[r.part]
	p.busy = false

	switch {
	case errors.Is(err, dispatch.ErrNoPeerAvailable):
		p.exclude = nil
		return dispatch.ResultNotAssigned, nil
	case err != nil:
		f.exclude(p, peer)
		return dispatch.ResultNoProgress, nil
	}

	if verr := validateRange(r); verr != nil {
		f.logger.Debug("invalid account range", "peer", peer, "req", r, "err", verr)
		f.exclude(p, peer)
		return dispatch.ResultPeerFault, nil
	}

	if err := f.state.SaveAccounts(r.Accounts); err != nil {
		return dispatch.ResultOK, fmt.Errorf("storing accounts: %w", err)
	}
	f.reporter.Processed(f.String(), len(r.Accounts))

	// a short answer means the peer has nothing more up to the limit
	if len(r.Accounts) < r.Max {
		p.done = true
	} else if next, ok := r.Accounts[len(r.Accounts)-1].Hash.Next(); !ok || next.Compare(p.limit) > 0 {
		p.done = true
	} else {
		p.next = next
	}

	done := 0
	for _, p := range f.ranges {
		if p.done {
			done++
		}
	}
	f.reporter.Progress(f.String(), int64(done), int64(len(f.ranges)))
	if done < len(f.ranges) {
		return dispatch.ResultOK, nil
	}

	if err := f.state.SetSnapComplete(f.root); err != nil {
		return dispatch.ResultOK, err
	}
	if f.Finish() {
		f.logger.Info("snap sync complete", "root", f.root)
	}
	return dispatch.ResultOK, nil
}

// validateRange checks that the accounts are ascending and within the
// requested bounds.
func validateRange(r *AccountRequest) error {
	if len(r.Accounts) > r.Max {
		return fmt.Errorf("%w: %d accounts, asked for %d", errBadRange, len(r.Accounts), r.Max)
	}
	prev := r.Start
	for i, a := range r.Accounts {
		if a.Hash.Compare(r.Limit) > 0 {
			return fmt.Errorf("%w: account %v above limit", errBadRange, a.Hash.ShortString())
		}
		c := a.Hash.Compare(prev)
		if c < 0 || (c == 0 && i > 0) {
			return fmt.Errorf("%w: account %v out of order", errBadRange, a.Hash.ShortString())
		}
		prev = a.Hash
	}
	return nil
}

func (f *Feed) exclude(p *partition, peer types.PeerID) {
	if p.exclude == nil {
		p.exclude = mapset.NewSet[types.PeerID]()
	}
	p.exclude.Add(peer)
}

func (f *Feed) Close() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.ranges = nil
	return nil
}
