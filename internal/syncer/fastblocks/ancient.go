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

// DataBatch requests per-block data for a set of stored headers, highest
// first.
type DataBatch[D any] struct {
	Headers []*types.Header
	Data    []D

	exclude mapset.Set[types.PeerID]
}

func (b *DataBatch[D]) String() string {
	if len(b.Headers) == 0 {
		return "DataBatch{}"
	}
	return fmt.Sprintf("DataBatch{%d-%d}", b.Headers[len(b.Headers)-1].Height, b.Headers[0].Height)
}

// hashes returns the header hashes in request order.
func (b *DataBatch[D]) hashes() []types.Hash {
	out := make([]types.Hash, len(b.Headers))
	for i, h := range b.Headers {
		out[i] = h.Hash()
	}
	return out
}

// dataKind is what differs between the bodies and the receipts download.
type dataKind[D any] struct {
	name      string
	caps      peers.Capabilities
	fetch     func(ctx context.Context, peer peers.SyncPeer, hashes []types.Hash) ([]D, error)
	validate  func(h *types.Header, d D) error
	save      func(height int64, d D) error
	has       func(height int64) bool
	lowest    func() int64
	setLowest func(height int64) error
}

// DataFeed downloads the bodies or receipts of the stored ancient headers,
// from the pivot down to height 1. It only requests heights whose headers
// the headers feed already stored. Partial responses are accepted and the
// rest is requeued; the lowest inserted marker only moves over contiguous
// stored heights.
type DataFeed[D any] struct {
	*dispatch.BaseFeed
	logger log.Logger
	kind   dataKind[D]

	pivot     int64
	batchSize int
	window    int64

	blocks   *store.BlockStore
	reporter report.Reporter

	mtx     sync.Mutex
	started bool
	lowest  int64 // lowest height such that [lowest, pivot] is stored
	next    int64 // highest height not yet requested
	done    map[int64]struct{}
	retry   dispatch.Queue[*DataBatch[D]]
}

// BodiesFeed downloads ancient block bodies.
type BodiesFeed = DataFeed[*types.Body]

// ReceiptsFeed downloads ancient block receipts.
type ReceiptsFeed = DataFeed[[]*types.Receipt]

func NewBodiesFeed(
	logger log.Logger,
	cfg config.SyncConfig,
	selector syncmode.Selector,
	blocks *store.BlockStore,
	validator validation.BlockValidator,
	reporter report.Reporter,
) *BodiesFeed {
	kind := dataKind[*types.Body]{
		name: "fast-bodies",
		caps: peers.CapBlocks,
		fetch: func(ctx context.Context, peer peers.SyncPeer, hashes []types.Hash) ([]*types.Body, error) {
			return peer.GetBlockBodies(ctx, hashes)
		},
		validate:  validator.ValidateBody,
		save:      blocks.SaveBody,
		has:       blocks.HasBody,
		lowest:    blocks.LowestInsertedBody,
		setLowest: blocks.SetLowestInsertedBody,
	}
	return newDataFeed(logger, cfg, cfg.BodiesBatchSize, selector, blocks, reporter, kind)
}

func NewReceiptsFeed(
	logger log.Logger,
	cfg config.SyncConfig,
	selector syncmode.Selector,
	blocks *store.BlockStore,
	receipts *store.ReceiptStore,
	validator validation.BlockValidator,
	reporter report.Reporter,
) *ReceiptsFeed {
	kind := dataKind[[]*types.Receipt]{
		name: "fast-receipts",
		caps: peers.CapReceipts,
		fetch: func(ctx context.Context, peer peers.SyncPeer, hashes []types.Hash) ([][]*types.Receipt, error) {
			return peer.GetReceipts(ctx, hashes)
		},
		validate:  validator.ValidateReceipts,
		save:      receipts.Save,
		has:       receipts.Has,
		lowest:    receipts.LowestInserted,
		setLowest: receipts.SetLowestInserted,
	}
	return newDataFeed(logger, cfg, cfg.ReceiptsBatchSize, selector, blocks, reporter, kind)
}

func newDataFeed[D any](
	logger log.Logger,
	cfg config.SyncConfig,
	batchSize int,
	selector syncmode.Selector,
	blocks *store.BlockStore,
	reporter report.Reporter,
	kind dataKind[D],
) *DataFeed[D] {
	return &DataFeed[D]{
		BaseFeed:  dispatch.NewBaseFeed(kind.name, types.SyncModeFastBlocks, selector),
		logger:    logger.With("feed", kind.name),
		kind:      kind,
		pivot:     cfg.PivotHeight,
		batchSize: batchSize,
		window:    int64(batchSize) * int64(cfg.MaxConcurrentRequests) * 4,
		blocks:    blocks,
		reporter:  reporter,
		done:      make(map[int64]struct{}),
	}
}

func (f *DataFeed[D]) start() {
	if f.started {
		return
	}
	f.started = true
	f.lowest = f.pivot + 1
	if l := f.kind.lowest(); l > 0 && l <= f.pivot {
		f.lowest = l
	}
	f.next = f.lowest - 1
}

func (f *DataFeed[D]) Prepare(context.Context) (*DataBatch[D], bool, error) {
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

	// headers below this are not stored yet
	floor := f.blocks.LowestInsertedHeader()
	if floor == 0 || floor > f.next {
		return nil, false, nil
	}

	b := &DataBatch[D]{}
	h := f.next
	for ; h >= floor && len(b.Headers) < f.batchSize; h-- {
		// stored before a restart, below a gap the marker could not cross
		if f.kind.has(h) {
			f.done[h] = struct{}{}
			continue
		}
		header := f.blocks.LoadHeader(h)
		if header == nil {
			return nil, false, fmt.Errorf("header %d missing below the lowest inserted header %d", h, floor)
		}
		b.Headers = append(b.Headers, header)
	}
	f.next = h
	if err := f.advance(); err != nil {
		return nil, false, err
	}
	if len(b.Headers) == 0 {
		return nil, false, nil
	}
	return b, true, nil
}

func (f *DataFeed[D]) Allocation(b *DataBatch[D]) allocation.Request {
	return allocation.Request{
		Capabilities: f.kind.caps,
		MinHeight:    b.Headers[0].Height,
		Exclude:      b.exclude,
	}
}

func (f *DataFeed[D]) Request(ctx context.Context, peer peers.SyncPeer, b *DataBatch[D]) error {
	b.Data = nil
	data, err := f.kind.fetch(ctx, peer, b.hashes())
	if err != nil {
		return err
	}
	b.Data = data
	return nil
}

func (f *DataFeed[D]) Handle(_ context.Context, b *DataBatch[D], peer types.PeerID, err error) (dispatch.Result, error) {
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

	n := len(b.Data)
	if n > len(b.Headers) {
		n = len(b.Headers)
	}
	if n == 0 {
		f.requeue(b, peer)
		return dispatch.ResultNoProgress, nil
	}
	for i := 0; i < n; i++ {
		if err := f.kind.validate(b.Headers[i], b.Data[i]); err != nil {
			f.logger.Debug("invalid response", "peer", peer, "batch", b, "err", err)
			f.requeue(b, peer)
			return dispatch.ResultPeerFault, nil
		}
	}

	for i := 0; i < n; i++ {
		if err := f.kind.save(b.Headers[i].Height, b.Data[i]); err != nil {
			return dispatch.ResultOK, fmt.Errorf("storing %s at %d: %w", f, b.Headers[i].Height, err)
		}
	}
	if n < len(b.Headers) {
		f.retry.PushFront(&DataBatch[D]{Headers: b.Headers[n:]})
	}
	f.reporter.Processed(f.String(), n)

	f.mtx.Lock()
	defer f.mtx.Unlock()

	for i := 0; i < n; i++ {
		f.done[b.Headers[i].Height] = struct{}{}
	}
	return dispatch.ResultOK, f.advance()
}

// advance moves the lowest marker over contiguous stored heights. Must be
// called with mtx held.
func (f *DataFeed[D]) advance() error {
	lowest := f.lowest
	for {
		if _, ok := f.done[lowest-1]; !ok {
			break
		}
		delete(f.done, lowest-1)
		lowest--
	}
	if lowest == f.lowest {
		return nil
	}
	if err := f.kind.setLowest(lowest); err != nil {
		return err
	}
	f.lowest = lowest
	if f.lowest <= 1 && f.Finish() {
		f.logger.Info("ancient data downloaded", "pivot", f.pivot)
	}
	return nil
}

func (f *DataFeed[D]) requeue(b *DataBatch[D], peer types.PeerID) {
	b.Data = nil
	if peer != "" {
		if b.exclude == nil {
			b.exclude = mapset.NewSet[types.PeerID]()
		}
		b.exclude.Add(peer)
	}
	f.retry.PushFront(b)
}

func (f *DataFeed[D]) Close() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.done = make(map[int64]struct{})
	f.retry.Clear()
	return nil
}
