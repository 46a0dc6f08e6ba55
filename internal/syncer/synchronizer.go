// Package syncer orchestrates the sync pipelines of a node.
//
// A Synchronizer decides from its configuration which pipelines a session
// needs, pairs each pipeline's feed with a dispatcher, and supervises the
// dispatchers until they finish or the session is cancelled. A fault in one
// pipeline is recorded on that pipeline and never stops the others.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/chainkit/chainsync/config"
	"github.com/chainkit/chainsync/internal/peers"
	"github.com/chainkit/chainsync/internal/report"
	"github.com/chainkit/chainsync/internal/store"
	"github.com/chainkit/chainsync/internal/syncer/allocation"
	"github.com/chainkit/chainsync/internal/syncer/blocks"
	"github.com/chainkit/chainsync/internal/syncer/dispatch"
	"github.com/chainkit/chainsync/internal/syncer/fastblocks"
	"github.com/chainkit/chainsync/internal/syncer/snap"
	"github.com/chainkit/chainsync/internal/syncer/statesync"
	"github.com/chainkit/chainsync/internal/syncmode"
	"github.com/chainkit/chainsync/internal/validation"
	"github.com/chainkit/chainsync/libs/log"
	"github.com/chainkit/chainsync/types"
)

var (
	// ErrMissingDependency is returned by NewSynchronizer when a required
	// collaborator is nil.
	ErrMissingDependency = errors.New("missing dependency")

	errAlreadyStarted = errors.New("synchronizer already started")
	errClosed         = errors.New("synchronizer closed")
	errStopped        = errors.New("synchronizer stopped")
)

// Dependencies are the collaborators of a Synchronizer. Metrics fields are
// optional.
type Dependencies struct {
	Blocks     *store.BlockStore
	Receipts   *store.ReceiptStore
	State      *store.StateStore
	Pool       peers.Pool
	Reputation peers.Reputation
	Selector   syncmode.Selector
	Validator  validation.BlockValidator

	Metrics         *Metrics
	DispatchMetrics *dispatch.Metrics
	ReportMetrics   *report.Metrics
}

func (d Dependencies) validate() error {
	for _, dep := range []struct {
		name    string
		missing bool
	}{
		{"block store", d.Blocks == nil},
		{"receipt store", d.Receipts == nil},
		{"state store", d.State == nil},
		{"peer pool", d.Pool == nil},
		{"reputation", d.Reputation == nil},
		{"sync mode selector", d.Selector == nil},
		{"block validator", d.Validator == nil},
	} {
		if dep.missing {
			return fmt.Errorf("%w: %s", ErrMissingDependency, dep.name)
		}
	}
	return nil
}

// Synchronizer starts, supervises and tears down the sync pipelines of one
// session.
type Synchronizer struct {
	logger  log.Logger
	cfg     config.SyncConfig
	deps    Dependencies
	metrics *Metrics
	report  *report.SyncReport

	events     chan types.SyncEventArgs
	eventsDone chan struct{}

	mtx           sync.Mutex
	started       bool
	stopped       bool
	closed        bool
	session       uuid.UUID
	cancel        context.CancelFunc
	tasks         *taskgroup.Group
	pipelines     map[PipelineKind]*pipeline
	order         []PipelineKind
	subscriptions []*SyncEvents
}

// NewSynchronizer creates a Synchronizer for cfg. The configuration is
// copied and never re-read.
func NewSynchronizer(logger log.Logger, cfg config.SyncConfig, deps Dependencies) (*Synchronizer, error) {
	if logger == nil {
		return nil, fmt.Errorf("%w: logger", ErrMissingDependency)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics()
	}
	if deps.DispatchMetrics == nil {
		deps.DispatchMetrics = dispatch.NopMetrics()
	}

	logger = logger.With("module", "syncer")
	return &Synchronizer{
		logger:     logger,
		cfg:        cfg,
		deps:       deps,
		metrics:    deps.Metrics,
		report:     report.NewSyncReport(logger, cfg.ReportInterval, deps.ReportMetrics),
		events:     make(chan types.SyncEventArgs, eventsBuffer),
		eventsDone: make(chan struct{}),
		pipelines:  make(map[PipelineKind]*pipeline),
	}, nil
}

// Report returns the progress report shared by all pipelines.
func (s *Synchronizer) Report() *report.SyncReport { return s.report }

// Start constructs and launches the pipelines the configuration calls for.
// It returns once they are running. A Synchronizer runs a single session:
// starting it twice, or after Stop or Close, is an error.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch {
	case s.closed:
		return errClosed
	case s.started:
		return errAlreadyStarted
	case s.stopped:
		return errStopped
	}
	s.started = true

	if !s.cfg.SynchronizationEnabled {
		s.logger.Info("synchronization disabled")
		close(s.eventsDone)
		return nil
	}

	s.session = uuid.New()
	s.logger = s.logger.With("session", s.session.String())
	ctx, s.cancel = context.WithCancel(ctx)
	s.tasks = taskgroup.New(nil)

	if err := s.report.Start(ctx); err != nil {
		s.cancel()
		close(s.eventsDone)
		return fmt.Errorf("starting sync report: %w", err)
	}
	go s.eventRoutine(ctx)

	if err := s.startPipelines(ctx); err != nil {
		s.cancel()
		return err
	}

	s.logger.Info("synchronization started", "pipelines", len(s.order), "mode", s.deps.Selector.Current())
	return nil
}

// startPipelines launches the pipelines in their fixed order. Must be called
// with mtx held.
func (s *Synchronizer) startPipelines(ctx context.Context) error {
	s.startFull(ctx)
	if !s.cfg.FastSync {
		return nil
	}

	if s.cfg.FastBlocks {
		s.startFastHeaders(ctx)
		if s.cfg.DownloadHeadersInFastSync {
			if s.cfg.DownloadBodiesInFastSync {
				s.startFastBodies(ctx)
			}
			if s.cfg.DownloadReceiptsInFastSync {
				s.startFastReceipts(ctx)
			}
		}
	}
	s.startFastSync(ctx)
	if s.cfg.SnapSync {
		s.startSnap(ctx)
	}
	return s.startStateNodes(ctx)
}

func (s *Synchronizer) blockDeps() blocks.Deps {
	return blocks.Deps{
		Blocks:    s.deps.Blocks,
		Receipts:  s.deps.Receipts,
		Peers:     s.deps.Pool,
		Validator: s.deps.Validator,
		Reporter:  s.report,
	}
}

func (s *Synchronizer) startFull(ctx context.Context) {
	f := blocks.NewFullDownloader(s.logger, s.cfg, s.deps.Selector, s.blockDeps(), s.events)
	launch(ctx, s, PipelineFull, f, f, allocation.HighestHeight{})
}

func (s *Synchronizer) startFastHeaders(ctx context.Context) {
	f := fastblocks.NewHeadersFeed(s.logger, s.cfg, s.deps.Selector, s.deps.Blocks, s.deps.Validator, s.report)
	launch(ctx, s, PipelineFastHeaders, f, f, allocation.HighestHeight{})
}

func (s *Synchronizer) startFastBodies(ctx context.Context) {
	f := fastblocks.NewBodiesFeed(s.logger, s.cfg, s.deps.Selector, s.deps.Blocks, s.deps.Validator, s.report)
	launch(ctx, s, PipelineFastBodies, f, f, allocation.LeastLoaded{})
}

func (s *Synchronizer) startFastReceipts(ctx context.Context) {
	f := fastblocks.NewReceiptsFeed(s.logger, s.cfg, s.deps.Selector, s.deps.Blocks, s.deps.Receipts,
		s.deps.Validator, s.report)
	launch(ctx, s, PipelineFastReceipts, f, f, allocation.LeastLoaded{})
}

func (s *Synchronizer) startFastSync(ctx context.Context) {
	f := blocks.NewFastSyncDownloader(s.logger, s.cfg, s.deps.Selector, s.blockDeps(), s.events)
	launch(ctx, s, PipelineFastSync, f, f, allocation.HighestHeight{})
}

func (s *Synchronizer) startSnap(ctx context.Context) {
	f := snap.NewFeed(s.logger, s.cfg, s.deps.Selector, s.deps.Blocks, s.deps.State, s.report)
	launch(ctx, s, PipelineSnap, f, f, allocation.LeastLoaded{})
}

func (s *Synchronizer) startStateNodes(ctx context.Context) error {
	f, err := statesync.NewFeed(s.logger, s.cfg, s.deps.Selector, s.deps.Blocks, s.deps.State, s.report)
	if err != nil {
		return fmt.Errorf("creating state nodes feed: %w", err)
	}
	launch(ctx, s, PipelineStateNodes, f, f, allocation.NewWeightedRandom(time.Now().UnixNano()))
	return nil
}

// launch pairs the feed with a dispatcher and runs it under the session's
// task group. Must be called with mtx held.
func launch[T any](
	ctx context.Context,
	s *Synchronizer,
	kind PipelineKind,
	f dispatch.Feed[T],
	r dispatch.Requester[T],
	strategy allocation.Strategy,
) {
	d := dispatch.NewDispatcher[T](s.logger, f, r, s.deps.Pool, strategy,
		dispatch.OptionsFromConfig(s.cfg), s.deps.DispatchMetrics)
	p := newPipeline[T](kind, f, d)

	s.pipelines[kind] = p
	s.order = append(s.order, kind)
	s.metrics.Pipelines.With("kind", string(kind)).Add(1)

	s.tasks.Go(func() error {
		err := p.execute(ctx)
		s.metrics.Pipelines.With("kind", string(kind)).Add(-1)
		if err != nil {
			s.metrics.PipelineFaults.With("kind", string(kind)).Add(1)
			s.logger.Error("sync pipeline failed", "pipeline", kind, "err", err)
			return nil
		}
		s.logger.Info("sync pipeline stopped", "pipeline", kind, "status", p.info().Status)
		return nil
	})
}

// Stop cancels the session without waiting for the pipelines to return.
// Cancellation is terminal: a Synchronizer stopped before Start never starts.
func (s *Synchronizer) Stop() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Wait blocks until every pipeline and the event reader have returned.
func (s *Synchronizer) Wait() {
	s.mtx.Lock()
	tasks, started := s.tasks, s.started
	s.mtx.Unlock()

	if tasks != nil {
		_ = tasks.Wait()
	}
	if started {
		<-s.eventsDone
	}
}

// Close cancels the session, waits for the pipelines, and releases the
// feeds, the report and the subscriptions. Closing twice is a no-op.
func (s *Synchronizer) Close() error {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mtx.Unlock()

	if cancel != nil {
		cancel()
	}
	s.Wait()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	var errs *multierror.Error
	for _, kind := range s.order {
		if err := s.pipelines[kind].feed.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing %s feed: %w", kind, err))
		}
	}
	if err := s.report.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing sync report: %w", err))
	}
	for _, sub := range s.subscriptions {
		sub.close()
	}
	s.subscriptions = nil

	s.logger.Info("synchronizer closed")
	return errs.ErrorOrNil()
}

// Subscribe returns a subscription to the sync events of the session. The
// subscription is closed by Close.
func (s *Synchronizer) Subscribe() *SyncEvents {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	sub := newSyncEvents()
	if s.closed {
		sub.close()
		return sub
	}
	s.subscriptions = append(s.subscriptions, sub)
	return sub
}

// Pipelines returns the constructed pipelines in construction order.
func (s *Synchronizer) Pipelines() []PipelineInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	out := make([]PipelineInfo, 0, len(s.order))
	for _, kind := range s.order {
		out = append(out, s.pipelines[kind].info())
	}
	return out
}

// Pipeline returns a constructed pipeline by kind.
func (s *Synchronizer) Pipeline(kind PipelineKind) (PipelineInfo, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	p, ok := s.pipelines[kind]
	if !ok {
		return PipelineInfo{}, false
	}
	return p.info(), true
}

// Session returns the id of the running session, or the zero UUID before
// Start.
func (s *Synchronizer) Session() uuid.UUID {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.session
}
