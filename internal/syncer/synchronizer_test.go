package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/go-kit/kit/metrics/generic"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"pgregory.net/rapid"

	"github.com/chainkit/chainsync/config"
	"github.com/chainkit/chainsync/internal/peers"
	"github.com/chainkit/chainsync/internal/simnet"
	"github.com/chainkit/chainsync/internal/store"
	"github.com/chainkit/chainsync/internal/syncmode"
	"github.com/chainkit/chainsync/internal/validation"
	"github.com/chainkit/chainsync/libs/log"
	"github.com/chainkit/chainsync/types"
)

type testEnv struct {
	blocks   *store.BlockStore
	receipts *store.ReceiptStore
	state    *store.StateStore
	pool     *peers.PeerPool
}

func newTestEnv() *testEnv {
	return &testEnv{
		blocks:   store.NewBlockStore(dbm.NewMemDB()),
		receipts: store.NewReceiptStore(dbm.NewMemDB()),
		state:    store.NewStateStore(dbm.NewMemDB()),
		pool:     peers.NewPeerPool(log.NewNopLogger(), peers.PoolOptions{MaxRequestsPerPeer: 4}, nil),
	}
}

func (env *testEnv) deps(selector syncmode.Selector) Dependencies {
	return Dependencies{
		Blocks:     env.blocks,
		Receipts:   env.receipts,
		State:      env.state,
		Pool:       env.pool,
		Reputation: env.pool,
		Selector:   selector,
		Validator:  validation.NewBlockValidator(validation.HashSeal{}),
	}
}

func newIdleSynchronizer(t require.TestingT, cfg config.SyncConfig) *Synchronizer {
	env := newTestEnv()
	s, err := NewSynchronizer(log.NewNopLogger(), cfg, env.deps(syncmode.NewStatic(types.SyncModeNone)))
	require.NoError(t, err)
	return s
}

func kinds(infos []PipelineInfo) []PipelineKind {
	out := make([]PipelineKind, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Kind)
	}
	return out
}

// expectedPipelines lists the pipelines cfg calls for, in start order.
func expectedPipelines(cfg config.SyncConfig) []PipelineKind {
	if !cfg.SynchronizationEnabled {
		return []PipelineKind{}
	}
	out := []PipelineKind{PipelineFull}
	if !cfg.FastSync {
		return out
	}
	if cfg.FastBlocks {
		out = append(out, PipelineFastHeaders)
		if cfg.DownloadHeadersInFastSync && cfg.DownloadBodiesInFastSync {
			out = append(out, PipelineFastBodies)
		}
		if cfg.DownloadHeadersInFastSync && cfg.DownloadReceiptsInFastSync {
			out = append(out, PipelineFastReceipts)
		}
	}
	out = append(out, PipelineFastSync)
	if cfg.SnapSync {
		out = append(out, PipelineSnap)
	}
	return append(out, PipelineStateNodes)
}

func TestStartGating(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	testCases := []struct {
		name string
		cfg  func(*config.SyncConfig)
		want []PipelineKind
	}{
		{
			name: "disabled",
			cfg: func(cfg *config.SyncConfig) {
				cfg.SynchronizationEnabled = false
				cfg.FastSync = true
			},
			want: []PipelineKind{},
		},
		{
			name: "full only",
			cfg:  func(cfg *config.SyncConfig) { cfg.FastSync = false; cfg.FastBlocks = true; cfg.SnapSync = true },
			want: []PipelineKind{PipelineFull},
		},
		{
			name: "fast sync",
			cfg:  func(cfg *config.SyncConfig) { cfg.FastSync = true },
			want: []PipelineKind{PipelineFull, PipelineFastSync, PipelineStateNodes},
		},
		{
			name: "headers and bodies without receipts",
			cfg: func(cfg *config.SyncConfig) {
				cfg.FastSync = true
				cfg.FastBlocks = true
				cfg.DownloadReceiptsInFastSync = false
			},
			want: []PipelineKind{PipelineFull, PipelineFastHeaders, PipelineFastBodies, PipelineFastSync, PipelineStateNodes},
		},
		{
			name: "headers only",
			cfg: func(cfg *config.SyncConfig) {
				cfg.FastSync = true
				cfg.FastBlocks = true
				cfg.DownloadHeadersInFastSync = false
			},
			want: []PipelineKind{PipelineFull, PipelineFastHeaders, PipelineFastSync, PipelineStateNodes},
		},
		{
			name: "everything",
			cfg: func(cfg *config.SyncConfig) {
				cfg.FastSync = true
				cfg.FastBlocks = true
				cfg.SnapSync = true
			},
			want: []PipelineKind{
				PipelineFull, PipelineFastHeaders, PipelineFastBodies, PipelineFastReceipts,
				PipelineFastSync, PipelineSnap, PipelineStateNodes,
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := *config.TestSyncConfig()
			tc.cfg(&cfg)

			s := newIdleSynchronizer(t, cfg)
			require.NoError(t, s.Start(context.Background()))
			if diff := cmp.Diff(tc.want, kinds(s.Pipelines())); diff != "" {
				t.Errorf("pipelines mismatch (-want +got):\n%s", diff)
			}
			for _, info := range s.Pipelines() {
				assert.Equal(t, StatusRunning, info.Status, info.Kind)
			}
			require.NoError(t, s.Close())
		})
	}
}

func TestStartGatingProperty(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	rapid.Check(t, func(t *rapid.T) {
		cfg := *config.TestSyncConfig()
		cfg.SynchronizationEnabled = rapid.Bool().Draw(t, "enabled").(bool)
		cfg.FastSync = rapid.Bool().Draw(t, "fastSync").(bool)
		cfg.FastBlocks = rapid.Bool().Draw(t, "fastBlocks").(bool)
		cfg.SnapSync = rapid.Bool().Draw(t, "snapSync").(bool)
		cfg.DownloadHeadersInFastSync = rapid.Bool().Draw(t, "headers").(bool)
		cfg.DownloadBodiesInFastSync = rapid.Bool().Draw(t, "bodies").(bool)
		cfg.DownloadReceiptsInFastSync = rapid.Bool().Draw(t, "receipts").(bool)

		s := newIdleSynchronizer(t, cfg)
		require.NoError(t, s.Start(context.Background()))
		got := kinds(s.Pipelines())
		require.NoError(t, s.Close())

		want := expectedPipelines(cfg)
		require.Equal(t, want, got)
		if !cfg.SynchronizationEnabled {
			require.Empty(t, got)
			return
		}
		require.Equal(t, PipelineFull, got[0])
		if cfg.FastSync {
			require.Equal(t, PipelineStateNodes, got[len(got)-1])
		}
	})
}

func TestNodeStatsEvent(t *testing.T) {
	for ev, want := range map[types.SyncEvent]peers.NodeStatsEvent{
		types.SyncEventStarted:   peers.SyncStarted,
		types.SyncEventFailed:    peers.SyncFailed,
		types.SyncEventCancelled: peers.SyncCancelled,
		types.SyncEventCompleted: peers.SyncCompleted,
	} {
		require.Equal(t, want, nodeStatsEvent(ev), ev)
		require.Equal(t, want, nodeStatsEvent(ev), "mapping of %v is not deterministic", ev)
	}
	require.Panics(t, func() { nodeStatsEvent(types.SyncEvent(0)) })
	require.Panics(t, func() { nodeStatsEvent(types.SyncEvent(99)) })
}

func TestNewSynchronizerMissingDependency(t *testing.T) {
	env := newTestEnv()

	deps := env.deps(syncmode.NewStatic(types.SyncModeNone))
	deps.Validator = nil
	s, err := NewSynchronizer(log.NewNopLogger(), *config.TestSyncConfig(), deps)
	require.ErrorIs(t, err, ErrMissingDependency)
	require.Contains(t, err.Error(), "block validator")
	require.Nil(t, s)

	deps = env.deps(nil)
	_, err = NewSynchronizer(log.NewNopLogger(), *config.TestSyncConfig(), deps)
	require.ErrorIs(t, err, ErrMissingDependency)
	require.Contains(t, err.Error(), "selector")

	_, err = NewSynchronizer(nil, *config.TestSyncConfig(), env.deps(syncmode.NewStatic(types.SyncModeNone)))
	require.ErrorIs(t, err, ErrMissingDependency)
}

func TestLifecycle(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	t.Run("stop and close without start", func(t *testing.T) {
		s := newIdleSynchronizer(t, *config.TestSyncConfig())
		require.NoError(t, s.Stop())
		require.NoError(t, s.Close())
		require.Empty(t, s.Pipelines())
	})

	t.Run("stop before start is terminal", func(t *testing.T) {
		s := newIdleSynchronizer(t, *config.TestSyncConfig())
		require.NoError(t, s.Stop())
		require.ErrorIs(t, s.Start(context.Background()), errStopped)
		require.Empty(t, s.Pipelines())
		require.Equal(t, uuid.Nil, s.Session())
		s.Wait()
		require.NoError(t, s.Close())
	})

	t.Run("double close", func(t *testing.T) {
		s := newIdleSynchronizer(t, *config.TestSyncConfig())
		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		for _, info := range s.Pipelines() {
			require.Equal(t, StatusCancelled, info.Status)
		}
	})

	t.Run("single session", func(t *testing.T) {
		s := newIdleSynchronizer(t, *config.TestSyncConfig())
		require.NoError(t, s.Start(context.Background()))
		require.NotEqual(t, uuid.Nil, s.Session())
		require.ErrorIs(t, s.Start(context.Background()), errAlreadyStarted)
		require.NoError(t, s.Close())
		require.ErrorIs(t, s.Start(context.Background()), errClosed)
	})

	t.Run("stop does not wait", func(t *testing.T) {
		s := newIdleSynchronizer(t, *config.TestSyncConfig())
		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Stop())
		s.Wait()
		info, ok := s.Pipeline(PipelineFull)
		require.True(t, ok)
		require.Equal(t, StatusCancelled, info.Status)
		require.NoError(t, s.Close())
	})

	t.Run("parent context cancels the session", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		s := newIdleSynchronizer(t, *config.TestSyncConfig())
		require.NoError(t, s.Start(ctx))
		cancel()
		s.Wait()
		require.NoError(t, s.Close())
	})

	t.Run("subscriptions close with the synchronizer", func(t *testing.T) {
		s := newIdleSynchronizer(t, *config.TestSyncConfig())
		sub := s.Subscribe()
		require.NoError(t, s.Close())
		_, ok := <-sub.Updates()
		require.False(t, ok)

		_, ok = <-s.Subscribe().Updates()
		require.False(t, ok)
	})
}

// recordingReputation counts the reputation events it forwards to the pool.
type recordingReputation struct {
	peers.Reputation

	mtx    sync.Mutex
	events []peers.NodeStatsEvent
}

func (r *recordingReputation) ReportSyncEvent(id types.PeerID, ev peers.NodeStatsEvent) {
	r.mtx.Lock()
	r.events = append(r.events, ev)
	r.mtx.Unlock()
	r.Reputation.ReportSyncEvent(id, ev)
}

func (r *recordingReputation) count() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.events)
}

func TestFullSyncReportsEvents(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	env := newTestEnv()
	net := simnet.NewNetwork(*config.TestSimNetConfig())
	require.NoError(t, net.Populate(env.pool))

	rep := &recordingReputation{Reputation: env.pool}
	deps := env.deps(syncmode.NewStatic(types.SyncModeFull))
	deps.Reputation = rep

	s, err := NewSynchronizer(log.TestingLogger(), *config.TestSyncConfig(), deps)
	require.NoError(t, err)
	sub := s.Subscribe()

	var (
		received  int
		reordered atomic.Bool
		done      = make(chan struct{})
	)
	go func() {
		defer close(done)
		for ev := range sub.Updates() {
			received++
			if rep.count() < received {
				reordered.Store(true)
			}
			assert.NotEmpty(t, ev.Peer)
		}
	}()

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return env.blocks.Head() == net.Chain.Height()
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	<-done

	require.False(t, reordered.Load(), "event published before its reputation update")
	require.Positive(t, received)
	require.LessOrEqual(t, received, rep.count())

	progress, ok := s.Report().Get(string(PipelineFull))
	require.True(t, ok)
	require.Equal(t, net.Chain.Height(), progress.Processed)
}

func TestFullSyncSurvivesPeerBan(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	cfg := *config.TestSyncConfig()
	env := newTestEnv()
	env.pool = peers.NewPeerPool(log.TestingLogger(), peers.PoolOptions{
		MaxRequestsPerPeer: 2,
		BanDuration:        cfg.PeerBanDuration,
	}, nil)

	// enough transient failures to reach the ban threshold
	failures := -peers.BanScore / peers.PenaltyScore
	chain := simnet.NewChain(simnet.ChainOptions{Height: 64, Accounts: 8, Seed: 5})
	flaky := simnet.NewPeer("flaky", chain, simnet.PeerOptions{FailFirst: failures})
	require.NoError(t, env.pool.AddPeer(flaky, flaky.Height(), peers.CapAll))

	s, err := NewSynchronizer(log.TestingLogger(), cfg, env.deps(syncmode.NewStatic(types.SyncModeFull)))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Close()) }()

	require.Eventually(t, func() bool {
		return env.blocks.Head() == chain.Height()
	}, 10*time.Second, 10*time.Millisecond)

	require.Greater(t, flaky.Requests(), failures)
	info, ok := env.pool.Peer("flaky")
	require.True(t, ok)
	require.GreaterOrEqual(t, info.Score, int64(0))
	require.EqualValues(t, chain.Height(), env.pool.MaxPeerHeight())
}

// panickingPeer serves blocks but panics when asked for trie nodes.
type panickingPeer struct {
	*simnet.Peer
}

func (p panickingPeer) GetNodeData(context.Context, []types.Hash) ([][]byte, error) {
	panic("node data unavailable")
}

func TestPipelineFaultIsIsolated(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	env := newTestEnv()
	net := simnet.NewNetwork(*config.TestSimNetConfig())
	for _, p := range net.Peers {
		require.NoError(t, env.pool.AddPeer(panickingPeer{p}, p.Height(), peers.CapAll))
	}

	cfg := *config.TestSyncConfig()
	cfg.FastSync = true
	cfg.FastBlocks = true
	cfg.PivotHeight = 48
	require.NoError(t, env.blocks.SaveHeaders([]*types.Header{net.Chain.Header(cfg.PivotHeight)}))

	selector := syncmode.NewStatic(types.SyncModeStateNodes)
	s, err := NewSynchronizer(log.TestingLogger(), cfg, env.deps(selector))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	require.Eventually(t, func() bool {
		info, _ := s.Pipeline(PipelineStateNodes)
		return info.Status == StatusFaulted
	}, 5*time.Second, 5*time.Millisecond)

	info, _ := s.Pipeline(PipelineStateNodes)
	require.Error(t, info.Err)
	require.Contains(t, info.Err.Error(), "panic")
	_, ok := s.Report().Get(string(PipelineFull))
	require.False(t, ok, "full sync made progress before its mode was selected")

	// the rest of the session keeps going
	selector.Set(types.SyncModeFull.With(types.SyncModeFastBlocks))
	require.Eventually(t, func() bool {
		full, ok := s.Report().Get(string(PipelineFull))
		return ok && full.Processed == net.Chain.Height()
	}, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		info, _ := s.Pipeline(PipelineFastHeaders)
		return info.Status == StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	for _, info := range s.Pipelines() {
		if info.Kind == PipelineStateNodes {
			continue
		}
		assert.NotEqual(t, StatusFaulted, info.Status, info.Kind)
	}
}

func TestSessionReachesFullSync(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	net := simnet.NewNetwork(config.SimNetConfig{Peers: 4, Height: 128, Accounts: 200, Seed: 3, FaultyPeers: 1})
	require.NoError(t, net.Populate(env.pool))

	cfg := *config.TestSyncConfig()
	cfg.FastSync = true
	cfg.FastBlocks = true
	cfg.SnapSync = true
	cfg.PivotHeight = 32

	chainState := syncmode.NewStoreState(cfg, env.pool, env.blocks, env.receipts, env.state)
	selector := syncmode.NewMultiSelector(log.TestingLogger(), cfg, chainState)
	modeGauge, modeChanges := generic.NewGauge("mode"), generic.NewCounter("mode_changes")
	modeMetrics := NopMetrics()
	modeMetrics.Mode, modeMetrics.ModeChanges = modeGauge, modeChanges
	selector.OnChange(modeMetrics.ObserveMode)
	require.NoError(t, selector.Start(ctx))

	s, err := NewSynchronizer(log.TestingLogger(), cfg, env.deps(selector))
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		return chainState.StateSynced() &&
			chainState.FastBlocksFinished() &&
			env.blocks.Head() == net.Chain.Height()
	}, 20*time.Second, 20*time.Millisecond)
	require.True(t, selector.Current().Has(types.SyncModeFull))
	require.Eventually(t, func() bool {
		return types.SyncMode(modeGauge.Value()).Has(types.SyncModeFull)
	}, time.Second, 10*time.Millisecond)
	require.Positive(t, modeChanges.Value())

	require.NoError(t, s.Close())
	require.NoError(t, selector.Stop())

	for _, a := range net.Chain.Accounts() {
		_, ok := env.state.LoadAccount(a.Hash)
		require.True(t, ok)
	}
	for _, kind := range []PipelineKind{PipelineFastHeaders, PipelineFastBodies, PipelineFastReceipts, PipelineSnap, PipelineStateNodes} {
		info, ok := s.Pipeline(kind)
		require.True(t, ok)
		require.Equal(t, StatusCompleted, info.Status, kind)
	}
}

func TestCloseAggregatesErrors(t *testing.T) {
	s := newIdleSynchronizer(t, *config.TestSyncConfig())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	s.Wait()

	broken := errors.New("broken")
	s.pipelines[PipelineFull].feed = failingFeed{s.pipelines[PipelineFull].feed, broken}

	err := s.Close()
	require.ErrorIs(t, err, broken)
	require.Contains(t, err.Error(), "closing full feed")
}

type failingFeed struct {
	feed
	err error
}

func (f failingFeed) Close() error { return f.err }
