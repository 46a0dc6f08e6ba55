package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/chainkit/chainsync/config"
	"github.com/chainkit/chainsync/internal/peers"
	"github.com/chainkit/chainsync/internal/syncer/allocation"
	"github.com/chainkit/chainsync/libs/log"
	"github.com/chainkit/chainsync/types"
)

var errInvalidResponse = errors.New("invalid response")

// Options tune a Dispatcher.
type Options struct {
	// Deadline of a single request.
	Timeout time.Duration
	// Maximum requests in flight for the pipeline.
	MaxInFlight int
	// Bounds of the wait when there is no work or no peer.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// OptionsFromConfig derives dispatcher options from the sync configuration.
func OptionsFromConfig(cfg config.SyncConfig) Options {
	return Options{
		Timeout:     cfg.RequestTimeout,
		MaxInFlight: cfg.MaxConcurrentRequests,
		MinBackoff:  cfg.MinBackoff,
		MaxBackoff:  cfg.MaxBackoff,
	}
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 1
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 20 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = o.MinBackoff
	}
	return o
}

/*
Dispatcher drives one Feed: it pulls work units, allocates a peer for each
through its Strategy, sends the request and hands the outcome back to the
Feed.

	feed.Refresh -> sem.Acquire -> feed.Prepare -> strategy.Select
	  -> pool.Borrow -> go { requester.Request -> feed.Handle -> pool.Release }

When there is no work or no peer the loop waits with exponential backoff
between MinBackoff and MaxBackoff; a completed request cuts the wait short.
*/
type Dispatcher[T any] struct {
	logger    log.Logger
	feed      Feed[T]
	requester Requester[T]
	pool      peers.Pool
	strategy  allocation.Strategy
	opts      Options
	metrics   pipelineMetrics

	sem    *semaphore.Weighted
	bo     *backoff.ExponentialBackOff
	wake   chan struct{}
	faults chan error
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A nil metrics discards measurements.
func NewDispatcher[T any](
	logger log.Logger,
	feed Feed[T],
	requester Requester[T],
	pool peers.Pool,
	strategy allocation.Strategy,
	opts Options,
	metrics *Metrics,
) *Dispatcher[T] {
	opts = opts.withDefaults()
	if metrics == nil {
		metrics = NopMetrics()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.MinBackoff
	bo.MaxInterval = opts.MaxBackoff
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Dispatcher[T]{
		logger:    logger.With("pipeline", feed.String()),
		feed:      feed,
		requester: requester,
		pool:      pool,
		strategy:  strategy,
		opts:      opts,
		metrics:   metrics.forPipeline(feed.String()),
		sem:       semaphore.NewWeighted(int64(opts.MaxInFlight)),
		bo:        bo,
		wake:      make(chan struct{}, 1),
		faults:    make(chan error, 1),
	}
}

// Run dispatches until the feed finishes, ctx is cancelled or the pipeline
// faults. Cancellation and completion return nil. In-flight requests are
// drained before Run returns.
func (d *Dispatcher[T]) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		d.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			d.feed.Cancel()
			return nil
		case err := <-d.faults:
			d.feed.Cancel()
			return err
		default:
		}

		switch state := d.feed.Refresh(); state {
		case Finished:
			d.logger.Info("feed finished")
			return nil
		case Cancelled:
			return nil
		case Idle:
			d.wait(ctx)
			continue
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			continue
		}

		req, ok, err := d.feed.Prepare(ctx)
		if err != nil {
			d.sem.Release(1)
			d.feed.Cancel()
			return fmt.Errorf("preparing %s request: %w", d.feed, err)
		}
		if !ok {
			d.sem.Release(1)
			d.wait(ctx)
			continue
		}

		id, peer, ok := d.allocate(req)
		if !ok {
			d.sem.Release(1)
			d.metrics.noPeerAvailable.Add(1)
			if _, err := d.feed.Handle(ctx, req, "", ErrNoPeerAvailable); err != nil {
				d.feed.Cancel()
				return fmt.Errorf("handling unassigned %s request: %w", d.feed, err)
			}
			d.wait(ctx)
			continue
		}

		d.bo.Reset()
		d.wg.Add(1)
		d.metrics.inFlight.Add(1)
		go d.execute(ctx, req, id, peer)
	}
}

// allocate picks and borrows a peer. A candidate that cannot be borrowed
// because it changed state since the snapshot is skipped.
func (d *Dispatcher[T]) allocate(req T) (types.PeerID, peers.SyncPeer, bool) {
	ar := d.feed.Allocation(req)
	candidates := d.pool.Candidates()

	for len(candidates) > 0 {
		info, ok := d.strategy.Select(candidates, ar)
		if !ok {
			return "", nil, false
		}
		peer, err := d.pool.Borrow(info.ID)
		if err == nil {
			return info.ID, peer, true
		}
		d.logger.Debug("failed to borrow peer", "peer", info.ID, "err", err)
		candidates = without(candidates, info.ID)
	}
	return "", nil, false
}

func without(candidates []peers.PeerInfo, id types.PeerID) []peers.PeerInfo {
	out := make([]peers.PeerInfo, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

func (d *Dispatcher[T]) execute(ctx context.Context, req T, id types.PeerID, peer peers.SyncPeer) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer d.metrics.inFlight.Add(-1)
	defer d.pool.Release(id)
	defer d.notify()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("recovering from request panic",
				"peer", id,
				"err", r,
				"stack", string(debug.Stack()),
			)
			d.fault(fmt.Errorf("panic in %s request: %v", d.feed, r))
		}
	}()

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	err := d.requester.Request(reqCtx, peer, req)
	cancel()
	d.metrics.requests.Add(1)
	d.metrics.requestDuration.Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() == nil {
		d.metrics.requestFailures.Add(1)
		d.logger.Debug("request failed", "peer", id, "err", err)
		d.pool.Penalize(id, err)
	}

	res, err := d.feed.Handle(ctx, req, id, err)
	if err != nil {
		d.fault(fmt.Errorf("handling %s response: %w", d.feed, err))
		return
	}
	if res == ResultPeerFault {
		d.metrics.peerFaults.Add(1)
		d.pool.Penalize(id, errInvalidResponse)
	}
}

// wait blocks for the next backoff interval, until a request completes or
// until ctx is done.
func (d *Dispatcher[T]) wait(ctx context.Context) {
	next := d.bo.NextBackOff()
	if next == backoff.Stop || next > d.opts.MaxBackoff {
		next = d.opts.MaxBackoff
	}
	timer := time.NewTimer(next)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-d.wake:
	case <-timer.C:
	}
}

func (d *Dispatcher[T]) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher[T]) fault(err error) {
	select {
	case d.faults <- err:
	default:
	}
}
