// Package blocks downloads blocks above the local head: either executing
// them (full sync) or only storing them (fast sync).
package blocks

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

var errEmptyResponse = errors.New("empty response")

// Batch is a range of consecutive blocks requested from one peer. The
// response fields are filled by Request.
type Batch struct {
	Start int64
	Count int

	Headers  []*types.Header
	Bodies   []*types.Body
	Receipts [][]*types.Receipt

	peer    types.PeerID
	exclude mapset.Set[types.PeerID]
}

// End returns the last height of the batch.
func (b *Batch) End() int64 { return b.Start + int64(b.Count) - 1 }

func (b *Batch) String() string {
	return fmt.Sprintf("Batch{%d-%d}", b.Start, b.End())
}

// trimBelow drops the blocks at or below height from a validated batch.
func (b *Batch) trimBelow(height int64) {
	if b.Start > height {
		return
	}
	k := int(height + 1 - b.Start)
	b.Headers = b.Headers[k:]
	b.Bodies = b.Bodies[k:]
	if len(b.Receipts) >= k {
		b.Receipts = b.Receipts[k:]
	}
	b.Start += int64(k)
	b.Count -= k
}

// reset clears the response so the batch can be requested again.
func (b *Batch) reset() {
	b.Headers, b.Bodies, b.Receipts, b.peer = nil, nil, nil, ""
}

// Deps are the collaborators of a Downloader.
type Deps struct {
	Blocks    *store.BlockStore
	Receipts  *store.ReceiptStore
	Peers     syncmode.HeightSource
	Validator validation.BlockValidator
	Reporter  report.Reporter
}

// Downloader is a Feed and Requester of ascending block batches.
//
// In full mode blocks are stored together and the head follows the highest
// contiguous block. In fast sync mode headers, bodies and optionally receipts
// are stored and the best suggested header follows. Batches may complete out
// of order; they are buffered until they connect to the integrated prefix.
type Downloader struct {
	*dispatch.BaseFeed
	logger log.Logger

	full         bool
	withReceipts bool
	batchSize    int
	window       int64
	pivot        int64

	deps   Deps
	events chan<- types.SyncEventArgs

	mtx     sync.Mutex
	cursor  int64 // highest integrated height
	next    int64 // next height to request
	pending map[int64]*Batch
	retry   dispatch.Queue[*Batch]
}

var (
	_ dispatch.Feed[*Batch]      = (*Downloader)(nil)
	_ dispatch.Requester[*Batch] = (*Downloader)(nil)
)

// NewFullDownloader returns the feed of the full sync pipeline.
func NewFullDownloader(
	logger log.Logger,
	cfg config.SyncConfig,
	selector syncmode.Selector,
	deps Deps,
	events chan<- types.SyncEventArgs,
) *Downloader {
	d := newDownloader(logger, "full", types.SyncModeFull, cfg, selector, deps, events)
	d.full = true
	d.withReceipts = false
	return d
}

// NewFastSyncDownloader returns the feed of the fast sync pipeline. It
// downloads forward from the pivot.
func NewFastSyncDownloader(
	logger log.Logger,
	cfg config.SyncConfig,
	selector syncmode.Selector,
	deps Deps,
	events chan<- types.SyncEventArgs,
) *Downloader {
	d := newDownloader(logger, "fast-sync", types.SyncModeFastSync, cfg, selector, deps, events)
	d.withReceipts = cfg.DownloadReceiptsInFastSync
	d.pivot = cfg.PivotHeight
	return d
}

func newDownloader(
	logger log.Logger,
	name string,
	mode types.SyncMode,
	cfg config.SyncConfig,
	selector syncmode.Selector,
	deps Deps,
	events chan<- types.SyncEventArgs,
) *Downloader {
	window := int64(cfg.BlocksBatchSize) * int64(cfg.MaxConcurrentRequests) * 4
	return &Downloader{
		BaseFeed:  dispatch.NewBaseFeed(name, mode, selector),
		logger:    logger.With("feed", name),
		batchSize: cfg.BlocksBatchSize,
		window:    window,
		deps:      deps,
		events:    events,
		pending:   make(map[int64]*Batch),
	}
}

// base returns the height below which everything is already integrated.
func (d *Downloader) base() int64 {
	if d.full {
		return d.deps.Blocks.Head()
	}
	base := d.deps.Blocks.BestSuggestedHeader()
	if d.pivot > base {
		base = d.pivot
	}
	return base
}

// catchUp moves the cursor forward when the store advanced without us, e.g.
// the head set by state sync.
func (d *Downloader) catchUp() {
	base := d.base()
	if base <= d.cursor && d.next > 0 {
		return
	}
	if base > d.cursor {
		d.cursor = base
	}
	if d.next <= d.cursor {
		d.next = d.cursor + 1
	}
	for start, b := range d.pending {
		if start > d.cursor {
			continue
		}
		delete(d.pending, start)
		if b.End() > d.cursor {
			b.trimBelow(d.cursor)
			d.pending[b.Start] = b
		}
	}
}

func (d *Downloader) Prepare(context.Context) (*Batch, bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.catchUp()

	for {
		b, ok := d.retry.Pop()
		if !ok {
			break
		}
		if b.End() <= d.cursor {
			continue
		}
		if b.Start <= d.cursor {
			b.Count -= int(d.cursor + 1 - b.Start)
			b.Start = d.cursor + 1
		}
		return b, true, nil
	}

	target := d.deps.Peers.MaxPeerHeight()
	d.deps.Reporter.Progress(d.String(), d.cursor, target)
	if d.next > target || d.next-d.cursor > d.window {
		return nil, false, nil
	}

	count := int64(d.batchSize)
	if d.next+count-1 > target {
		count = target - d.next + 1
	}
	b := &Batch{Start: d.next, Count: int(count)}
	d.next += count
	return b, true, nil
}

func (d *Downloader) Allocation(b *Batch) allocation.Request {
	caps := peers.CapBlocks
	if d.withReceipts {
		caps |= peers.CapReceipts
	}
	return allocation.Request{
		Capabilities: caps,
		MinHeight:    b.End(),
		Exclude:      b.exclude,
	}
}

// Request downloads the headers of the batch, then the bodies and receipts
// of the headers received.
func (d *Downloader) Request(ctx context.Context, peer peers.SyncPeer, b *Batch) error {
	b.reset()
	b.peer = peer.ID()
	d.emit(ctx, peer.ID(), types.SyncEventStarted)

	headers, err := peer.GetBlockHeaders(ctx, b.Start, b.Count)
	if err != nil {
		return err
	}
	if len(headers) > b.Count {
		headers = headers[:b.Count]
	}
	b.Headers = headers
	if len(headers) == 0 {
		return nil
	}

	hashes := make([]types.Hash, len(headers))
	for i, h := range headers {
		hashes[i] = h.Hash()
	}
	if b.Bodies, err = peer.GetBlockBodies(ctx, hashes); err != nil {
		return err
	}
	if d.withReceipts {
		if b.Receipts, err = peer.GetReceipts(ctx, hashes); err != nil {
			return err
		}
	}
	return nil
}

func (d *Downloader) Handle(ctx context.Context, b *Batch, peer types.PeerID, err error) (dispatch.Result, error) {
	if d.State().Terminal() {
		return dispatch.ResultIgnored, nil
	}

	switch {
	case errors.Is(err, dispatch.ErrNoPeerAvailable):
		// every eligible peer failed this batch; give them another chance
		b.exclude = nil
		d.retry.PushFront(b)
		return dispatch.ResultNotAssigned, nil

	case err != nil:
		if ctx.Err() != nil {
			d.emit(ctx, peer, types.SyncEventCancelled)
		} else {
			d.emit(ctx, peer, types.SyncEventFailed)
			d.exclude(b, peer)
		}
		b.reset()
		d.retry.PushFront(b)
		return dispatch.ResultNoProgress, nil
	}

	n, verr := d.validate(b)
	if verr != nil {
		d.logger.Debug("invalid blocks", "peer", peer, "batch", b, "err", verr)
		d.emit(ctx, peer, types.SyncEventFailed)
		d.exclude(b, peer)
		b.reset()
		d.retry.PushFront(b)
		return dispatch.ResultPeerFault, nil
	}
	if n == 0 {
		d.emit(ctx, peer, types.SyncEventFailed)
		d.exclude(b, peer)
		b.reset()
		d.retry.PushFront(b)
		return dispatch.ResultNoProgress, nil
	}

	if n < b.Count {
		d.retry.PushFront(&Batch{Start: b.Start + int64(n), Count: b.Count - n})
		b.Count = n
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()

	if b.End() <= d.cursor {
		return dispatch.ResultNoProgress, nil
	}
	b.trimBelow(d.cursor)
	d.pending[b.Start] = b
	res, err := d.integrate(ctx, b)
	if err != nil {
		return res, err
	}
	if res == dispatch.ResultOK {
		d.emit(ctx, peer, types.SyncEventCompleted)
	}
	return res, nil
}

// validate checks the response on its own and trims it to the blocks that
// are complete. It returns the number of usable blocks.
func (d *Downloader) validate(b *Batch) (int, error) {
	n := len(b.Headers)
	if len(b.Bodies) < n {
		n = len(b.Bodies)
	}
	if d.withReceipts && len(b.Receipts) < n {
		n = len(b.Receipts)
	}

	var parent *types.Header
	for i := 0; i < n; i++ {
		h := b.Headers[i]
		if h == nil || h.Height != b.Start+int64(i) {
			return 0, fmt.Errorf("%w: unexpected header at position %d", validation.ErrInvalidBlock, i)
		}
		if err := d.deps.Validator.ValidateHeader(h, parent); err != nil {
			return 0, err
		}
		if err := d.deps.Validator.ValidateBody(h, b.Bodies[i]); err != nil {
			return 0, err
		}
		if d.withReceipts {
			if err := d.deps.Validator.ValidateReceipts(h, b.Receipts[i]); err != nil {
				return 0, err
			}
		}
		parent = h
	}

	b.Headers = b.Headers[:n]
	b.Bodies = b.Bodies[:n]
	if d.withReceipts {
		b.Receipts = b.Receipts[:n]
	}
	return n, nil
}

// integrate writes every pending batch connecting to the cursor. The result
// refers to current. Must be called with mtx held.
func (d *Downloader) integrate(ctx context.Context, current *Batch) (dispatch.Result, error) {
	res := dispatch.ResultOK
	for {
		b, ok := d.pending[d.cursor+1]
		if !ok {
			break
		}
		delete(d.pending, b.Start)

		if parent := d.deps.Blocks.LoadHeader(d.cursor); parent != nil {
			if err := d.deps.Validator.ValidateHeader(b.Headers[0], parent); err != nil {
				d.logger.Info("batch does not connect to the chain", "batch", b, "peer", b.peer, "err", err)
				d.emit(ctx, b.peer, types.SyncEventFailed)
				d.exclude(b, b.peer)
				b.reset()
				d.retry.PushFront(b)
				if b == current {
					res = dispatch.ResultPeerFault
				}
				break
			}
		}

		if err := d.write(b); err != nil {
			return res, fmt.Errorf("storing %v: %w", b, err)
		}
		d.cursor = b.End()
		d.deps.Reporter.Processed(d.String(), b.Count)
	}
	return res, nil
}

func (d *Downloader) write(b *Batch) error {
	if d.full {
		blocks := make([]*types.Block, b.Count)
		for i := range blocks {
			blocks[i] = &types.Block{Header: b.Headers[i], Body: b.Bodies[i]}
		}
		if err := d.deps.Blocks.SaveBlocks(blocks); err != nil {
			return err
		}
		return d.deps.Blocks.SetHead(b.End())
	}

	for i, h := range b.Headers {
		if err := d.deps.Blocks.SaveBody(h.Height, b.Bodies[i]); err != nil {
			return err
		}
		if d.withReceipts {
			if err := d.deps.Receipts.Save(h.Height, b.Receipts[i]); err != nil {
				return err
			}
		}
	}
	// headers last: the best suggested header implies the data below it
	return d.deps.Blocks.SaveHeaders(b.Headers)
}

func (d *Downloader) exclude(b *Batch, peer types.PeerID) {
	if peer == "" {
		return
	}
	if b.exclude == nil {
		b.exclude = mapset.NewSet[types.PeerID]()
	}
	b.exclude.Add(peer)
}

func (d *Downloader) emit(ctx context.Context, peer types.PeerID, ev types.SyncEvent) {
	if d.events == nil || peer == "" {
		return
	}
	select {
	case d.events <- types.SyncEventArgs{Peer: peer, Event: ev}:
	case <-ctx.Done():
	}
}

// Close drops buffered batches.
func (d *Downloader) Close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.pending = make(map[int64]*Batch)
	d.retry.Clear()
	return nil
}
