// Package syncmode computes which sync strategies currently apply.
package syncmode

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chainkit/chainsync/config"
	"github.com/chainkit/chainsync/libs/log"
	"github.com/chainkit/chainsync/libs/service"
	"github.com/chainkit/chainsync/types"
)

// Selector reports the current sync mode. The value may change at any time.
type Selector interface {
	Current() types.SyncMode
}

// Static is a Selector whose mode is set explicitly.
type Static struct {
	mode atomic.Uint32
}

func NewStatic(mode types.SyncMode) *Static {
	s := &Static{}
	s.Set(mode)
	return s
}

func (s *Static) Set(mode types.SyncMode) { s.mode.Store(uint32(mode)) }

func (s *Static) Current() types.SyncMode { return types.SyncMode(s.mode.Load()) }

// ChainState is the view of local and network progress the mode is derived
// from.
type ChainState interface {
	// Best height reported by any usable peer.
	MaxPeerHeight() int64
	// Highest block with local state.
	Head() int64
	// Highest header stored.
	BestSuggestedHeader() int64
	// Whether the ancient headers, bodies and receipts are complete.
	FastBlocksFinished() bool
	// Whether the state of some recent block is fully available.
	StateSynced() bool
	// Whether the snap download for the current state target finished.
	SnapFinished() bool
}

// Input is a snapshot of everything the mode depends on.
type Input struct {
	PeerHeight         int64
	Head               int64
	BestHeader         int64
	FastBlocksFinished bool
	StateSynced        bool
	SnapFinished       bool
}

// Select is the pure mode function.
//
// Without fast sync the node only runs full sync. With fast sync, the ancient
// block download runs until done alongside everything else; blocks are
// downloaded without execution until the best header is within FastSyncLag
// of the best peer, then state is acquired (snap ranges first when enabled,
// then trie nodes), and once the state is complete the node full syncs.
func Select(cfg config.SyncConfig, in Input) types.SyncMode {
	if in.PeerHeight == 0 {
		return types.SyncModeNone
	}
	if !cfg.FastSync {
		return types.SyncModeFull
	}

	mode := types.SyncModeNone
	if cfg.FastBlocks && cfg.PivotHeight > 0 && !in.FastBlocksFinished {
		mode = mode.With(types.SyncModeFastBlocks)
	}

	switch {
	case in.StateSynced:
		mode = mode.With(types.SyncModeFull)
	case in.PeerHeight-in.BestHeader > cfg.FastSyncLag:
		mode = mode.With(types.SyncModeFastSync)
	case cfg.SnapSync && !in.SnapFinished:
		mode = mode.With(types.SyncModeSnap)
	default:
		mode = mode.With(types.SyncModeStateNodes)
	}
	return mode
}

// MultiSelector recomputes the mode from chain state on a fixed interval.
type MultiSelector struct {
	service.BaseService
	logger log.Logger

	cfg      config.SyncConfig
	state    ChainState
	interval time.Duration
	mode     atomic.Uint32

	mtx       sync.Mutex
	listeners []func(old, new types.SyncMode)
}

var _ Selector = (*MultiSelector)(nil)

// NewMultiSelector creates a selector; the mode is computed once immediately
// and then on every tick once started.
func NewMultiSelector(logger log.Logger, cfg config.SyncConfig, state ChainState) *MultiSelector {
	ms := &MultiSelector{
		logger:   logger,
		cfg:      cfg,
		state:    state,
		interval: cfg.ModeRefreshInterval,
	}
	ms.BaseService = *service.NewBaseService(logger, "SyncModeSelector", ms)
	ms.Update()
	return ms
}

func (ms *MultiSelector) Current() types.SyncMode {
	return types.SyncMode(ms.mode.Load())
}

// OnChange registers a callback invoked on the selector goroutine after every
// mode change.
func (ms *MultiSelector) OnChange(fn func(old, new types.SyncMode)) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.listeners = append(ms.listeners, fn)
}

// Update recomputes the mode and returns it.
func (ms *MultiSelector) Update() types.SyncMode {
	in := Input{
		PeerHeight:         ms.state.MaxPeerHeight(),
		Head:               ms.state.Head(),
		BestHeader:         ms.state.BestSuggestedHeader(),
		FastBlocksFinished: ms.state.FastBlocksFinished(),
		StateSynced:        ms.state.StateSynced(),
		SnapFinished:       ms.state.SnapFinished(),
	}
	next := Select(ms.cfg, in)
	prev := types.SyncMode(ms.mode.Swap(uint32(next)))
	if prev != next {
		ms.logger.Info("sync mode changed",
			"from", prev,
			"to", next,
			"peer_height", in.PeerHeight,
			"head", in.Head,
			"best_header", in.BestHeader,
		)
		ms.mtx.Lock()
		listeners := append([]func(old, new types.SyncMode){}, ms.listeners...)
		ms.mtx.Unlock()
		for _, fn := range listeners {
			fn(prev, next)
		}
	}
	return next
}

func (ms *MultiSelector) OnStart(ctx context.Context) error {
	go ms.refreshRoutine(ctx)
	return nil
}

func (ms *MultiSelector) OnStop() {}

func (ms *MultiSelector) refreshRoutine(ctx context.Context) {
	ticker := time.NewTicker(ms.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ms.Quit():
			return
		case <-ticker.C:
			ms.Update()
		}
	}
}
