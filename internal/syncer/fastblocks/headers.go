// Package fastblocks downloads the ancient chain below the pivot: headers
// backward from the pivot, then the bodies and receipts of the stored
// headers.
package fastblocks

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
	"github.com/chainkit/chainsync/internal/validation"
	"github.com/chainkit/chainsync/libs/log"
	"github.com/chainkit/chainsync/types"
)

// HeaderBatch is a range of headers requested from one peer.
type HeaderBatch struct {
	Start int64
	Count int

	Headers []*types.Header

	exclude mapset.Set[types.PeerID]
}

// Top returns the highest height of the batch.
func (b *HeaderBatch) Top() int64 { return b.Start + int64(b.Count) - 1 }

func (b *HeaderBatch) String() string {
	return fmt.Sprintf("HeaderBatch{%d-%d}", b.Start, b.Top())
}

// HeadersFeed downloads headers from the pivot down to height 1. Batches are
// produced top down and may complete in any order; each is stored once its
// top header is the parent of the lowest stored header.
type HeadersFeed struct {
	*dispatch.BaseFeed
	logger log.Logger

	pivot     int64
	batchSize int
	window    int64

	blocks    *store.BlockStore
	validator validation.BlockValidator
	reporter  report.Reporter

	mtx     sync.Mutex
	started bool
	lowest  int64 // lowest stored height, pivot+1 before the first batch
	next    int64 // top of the next batch to request
	pending map[int64]*HeaderBatch
	retry   dispatch.Queue[*HeaderBatch]
}

var (
	_ dispatch.Feed[*HeaderBatch]      = (*HeadersFeed)(nil)
	_ dispatch.Requester[*HeaderBatch] = (*HeadersFeed)(nil)
)

func NewHeadersFeed(
	logger log.Logger,
	cfg config.SyncConfig,
	selector syncmode.Selector,
	blocks *store.BlockStore,
	validator validation.BlockValidator,
	reporter report.Reporter,
) *HeadersFeed {
	return &HeadersFeed{
		BaseFeed:  dispatch.NewBaseFeed("fast-headers", types.SyncModeFastBlocks, selector),
		logger:    logger.With("feed", "fast-headers"),
		pivot:     cfg.PivotHeight,
		batchSize: cfg.HeadersBatchSize,
		window:    int64(cfg.HeadersBatchSize) * int64(cfg.MaxConcurrentRequests) * 4,
		blocks:    blocks,
		validator: validator,
		reporter:  reporter,
		pending:   make(map[int64]*HeaderBatch),
	}
}

// start resumes from the stored marker. Must be called with mtx held.
func (f *HeadersFeed) start() {
	if f.started {
		return
	}
	f.started = true
	f.lowest = f.pivot + 1
	if l := f.blocks.LowestInsertedHeader(); l > 0 && l <= f.pivot {
		f.lowest = l
	}
	f.next = f.lowest - 1
}

func (f *HeadersFeed) Prepare(context.Context) (*HeaderBatch, bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.start()
	if f.lowest <= 1 {
		f.Finish()
		return nil, false, nil
	}

	if b, ok := f.retry.Pop(); ok {
		return b, true, nil
	}

	f.reporter.Progress(f.String(), f.pivot-f.lowest+1, f.pivot)
	if f.next < 1 || f.lowest-f.next > f.window {
		return nil, false, nil
	}

	start := f.next - int64(f.batchSize) + 1
	if start < 1 {
		start = 1
	}
	b := &HeaderBatch{Start: start, Count: int(f.next - start + 1)}
	f.next = start - 1
	return b, true, nil
}

func (f *HeadersFeed) Allocation(b *HeaderBatch) allocation.Request {
	return allocation.Request{
		Capabilities: peers.CapBlocks,
		MinHeight:    b.Top(),
		Exclude:      b.exclude,
	}
}

func (f *HeadersFeed) Request(ctx context.Context, peer peers.SyncPeer, b *HeaderBatch) error {
	b.Headers = nil
	headers, err := peer.GetBlockHeaders(ctx, b.Start, b.Count)
	if err != nil {
		return err
	}
	b.Headers = headers
	return nil
}

func (f *HeadersFeed) Handle(_ context.Context, b *HeaderBatch, peer types.PeerID, err error) (dispatch.Result, error) {
	if f.State().Terminal() {
		return dispatch.ResultIgnored, nil
	}

	switch {
	case errors.Is(err, dispatch.ErrNoPeerAvailable):
		b.exclude = nil
		f.retry.PushFront(b)
		return dispatch.ResultNotAssigned, nil
	case err != nil:
		f.requeue(b, peer)
		return dispatch.ResultNoProgress, nil
	}

	if len(b.Headers) < b.Count {
		f.logger.Debug("short headers response", "peer", peer, "batch", b, "got", len(b.Headers))
		f.requeue(b, peer)
		return dispatch.ResultNoProgress, nil
	}
	b.Headers = b.Headers[:b.Count]
	if err := f.validate(b); err != nil {
		f.logger.Debug("invalid headers", "peer", peer, "batch", b, "err", err)
		f.requeue(b, peer)
		return dispatch.ResultPeerFault, nil
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.pending[b.Top()] = b
	return f.integrate(b, peer)
}

func (f *HeadersFeed) validate(b *HeaderBatch) error {
	for i, h := range b.Headers {
		if h == nil || h.Height != b.Start+int64(i) {
			return fmt.Errorf("%w: unexpected header at position %d", validation.ErrInvalidBlock, i)
		}
	}
	return validation.ValidateChain(f.validator, nil, b.Headers)
}

// integrate stores pending batches connecting to the lowest stored header.
// Must be called with mtx held.
func (f *HeadersFeed) integrate(current *HeaderBatch, peer types.PeerID) (dispatch.Result, error) {
	res := dispatch.ResultOK
	for {
		b, ok := f.pending[f.lowest-1]
		if !ok {
			break
		}
		delete(f.pending, b.Top())

		if child := f.blocks.LoadHeader(f.lowest); child != nil {
			if top := b.Headers[len(b.Headers)-1]; child.ParentHash != top.Hash() {
				f.logger.Info("header batch does not connect", "batch", b, "child", child)
				f.requeue(b, "")
				if b == current {
					b.exclude = mapset.NewSet(peer)
					res = dispatch.ResultPeerFault
				}
				break
			}
		}

		if err := f.blocks.SaveHeaders(b.Headers); err != nil {
			return res, fmt.Errorf("storing %v: %w", b, err)
		}
		if err := f.blocks.SetLowestInsertedHeader(b.Start); err != nil {
			return res, err
		}
		f.lowest = b.Start
		f.reporter.Processed(f.String(), b.Count)
	}

	if f.lowest <= 1 && f.Finish() {
		f.logger.Info("ancient headers downloaded", "pivot", f.pivot)
	}
	return res, nil
}

func (f *HeadersFeed) requeue(b *HeaderBatch, peer types.PeerID) {
	b.Headers = nil
	if peer != "" {
		if b.exclude == nil {
			b.exclude = mapset.NewSet[types.PeerID]()
		}
		b.exclude.Add(peer)
	}
	f.retry.PushFront(b)
}

func (f *HeadersFeed) Close() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.pending = make(map[int64]*HeaderBatch)
	f.retry.Clear()
	return nil
}
