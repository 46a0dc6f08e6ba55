package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chainkit/chainsync/internal/peers"
	"github.com/chainkit/chainsync/internal/peers/mocks"
	"github.com/chainkit/chainsync/internal/syncer/allocation"
	"github.com/chainkit/chainsync/internal/syncmode"
	"github.com/chainkit/chainsync/libs/log"
	"github.com/chainkit/chainsync/types"
)

// unit asks for a single header.
type unit struct {
	height  int64
	headers []*types.Header
}

// testFeed hands out heights 1..target and finishes once all were served.
type testFeed struct {
	*BaseFeed

	target  int64
	queue   Queue[*unit]
	next    int64
	done    map[int64]types.PeerID
	mtx     sync.Mutex
	handled atomic.Int32
	noPeer  atomic.Int32
	prepare func() error
}

func newTestFeed(selector syncmode.Selector, target int64) *testFeed {
	return &testFeed{
		BaseFeed: NewBaseFeed("test", types.SyncModeFull, selector),
		target:   target,
		next:     1,
		done:     make(map[int64]types.PeerID),
	}
}

func (f *testFeed) Prepare(context.Context) (*unit, bool, error) {
	if f.prepare != nil {
		if err := f.prepare(); err != nil {
			return nil, false, err
		}
	}
	if u, ok := f.queue.Pop(); ok {
		return u, true, nil
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.next > f.target {
		return nil, false, nil
	}
	u := &unit{height: f.next}
	f.next++
	return u, true, nil
}

func (f *testFeed) Allocation(*unit) allocation.Request {
	return allocation.Request{Capabilities: peers.CapBlocks}
}

func (f *testFeed) Handle(_ context.Context, u *unit, peer types.PeerID, err error) (Result, error) {
	f.handled.Add(1)
	if f.State().Terminal() {
		return ResultIgnored, nil
	}
	if errors.Is(err, ErrNoPeerAvailable) {
		f.noPeer.Add(1)
		f.queue.PushFront(u)
		return ResultNotAssigned, nil
	}
	if err != nil {
		f.queue.PushFront(u)
		return ResultNoProgress, nil
	}
	if len(u.headers) != 1 || u.headers[0].Height != u.height {
		u.headers = nil
		f.queue.PushFront(u)
		return ResultPeerFault, nil
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.done[u.height] = peer
	if int64(len(f.done)) == f.target {
		f.Finish()
	}
	return ResultOK, nil
}

func (f *testFeed) Close() error { return nil }

func (f *testFeed) servedBy() map[int64]types.PeerID {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := make(map[int64]types.PeerID, len(f.done))
	for k, v := range f.done {
		out[k] = v
	}
	return out
}

var headersRequester = RequesterFunc[*unit](func(ctx context.Context, p peers.SyncPeer, u *unit) error {
	headers, err := p.GetBlockHeaders(ctx, u.height, 1)
	if err != nil {
		return err
	}
	u.headers = headers
	return nil
})

func honestPeer(t *testing.T, id types.PeerID) *mocks.SyncPeer {
	p := mocks.NewSyncPeer(t)
	p.On("ID").Return(id)
	p.On("GetBlockHeaders", mock.Anything, mock.Anything, 1).Return(
		func(_ context.Context, start int64, _ int) []*types.Header {
			return []*types.Header{{Height: start}}
		},
		nil,
	).Maybe()
	return p
}

func testOptions() Options {
	return Options{
		Timeout:     time.Second,
		MaxInFlight: 4,
		MinBackoff:  time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}
}

func newPool(t *testing.T, ps ...peers.SyncPeer) *peers.PeerPool {
	pool := peers.NewPeerPool(log.TestingLogger(), peers.PoolOptions{MaxRequestsPerPeer: 2}, nil)
	for _, p := range ps {
		require.NoError(t, pool.AddPeer(p, 100, peers.CapAll))
	}
	return pool
}

func TestDispatcherDeliversAllWork(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := newPool(t, honestPeer(t, "a"), honestPeer(t, "b"), honestPeer(t, "c"))
	feed := newTestFeed(syncmode.NewStatic(types.SyncModeFull), 50)
	d := NewDispatcher[*unit](log.TestingLogger(), feed, headersRequester, pool, allocation.LeastLoaded{}, testOptions(), nil)

	require.NoError(t, d.Run(ctx))
	require.Equal(t, Finished, feed.State())

	served := feed.servedBy()
	require.Len(t, served, 50)
	for h := int64(1); h <= 50; h++ {
		assert.NotEmpty(t, served[h], "height %d", h)
	}
	for _, c := range pool.Candidates() {
		assert.Zero(t, c.InFlight, "peer %s still borrowed", c.ID)
	}
}

func TestDispatcherBacksOffWithoutPeers(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	feed := newTestFeed(syncmode.NewStatic(types.SyncModeFull), 10)
	d := NewDispatcher[*unit](log.TestingLogger(), feed, headersRequester, newPool(t), allocation.HighestHeight{}, testOptions(), nil)

	require.NoError(t, d.Run(ctx))
	require.Equal(t, Cancelled, feed.State())

	// with a 20ms ceiling a busy loop would make many thousands of attempts
	attempts := feed.noPeer.Load()
	require.Greater(t, attempts, int32(1))
	require.Less(t, attempts, int32(60))
	require.Empty(t, feed.servedBy())
}

func TestDispatcherWaitsForMode(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	selector := syncmode.NewStatic(types.SyncModeNone)
	feed := newTestFeed(selector, 5)
	var prepared atomic.Int32
	feed.prepare = func() error {
		prepared.Add(1)
		return nil
	}

	pool := newPool(t, honestPeer(t, "a"))
	d := NewDispatcher[*unit](log.TestingLogger(), feed, headersRequester, pool, allocation.LeastLoaded{}, testOptions(), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, prepared.Load())
	require.Equal(t, Idle, feed.State())

	selector.Set(types.SyncModeFull | types.SyncModeSnap)
	require.NoError(t, <-errCh)
	require.Equal(t, Finished, feed.State())
	require.Positive(t, prepared.Load())
}

func TestDispatcherPenalizesAndRetries(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	failing := mocks.NewSyncPeer(t)
	failing.On("ID").Return(types.PeerID("bad"))
	failing.On("GetBlockHeaders", mock.Anything, mock.Anything, 1).
		Return(nil, errors.New("connection reset")).Maybe()

	lying := mocks.NewSyncPeer(t)
	lying.On("ID").Return(types.PeerID("liar"))
	lying.On("GetBlockHeaders", mock.Anything, mock.Anything, 1).
		Return([]*types.Header{{Height: 999}}, nil).Maybe()

	// the highest peers are preferred until they are banned
	pool := peers.NewPeerPool(log.TestingLogger(), peers.PoolOptions{MaxRequestsPerPeer: 2}, nil)
	require.NoError(t, pool.AddPeer(lying, 300, peers.CapAll))
	require.NoError(t, pool.AddPeer(failing, 200, peers.CapAll))
	require.NoError(t, pool.AddPeer(honestPeer(t, "good"), 100, peers.CapAll))

	feed := newTestFeed(syncmode.NewStatic(types.SyncModeFull), 30)
	d := NewDispatcher[*unit](log.TestingLogger(), feed, headersRequester, pool, allocation.HighestHeight{}, testOptions(), nil)

	require.NoError(t, d.Run(ctx))
	require.Equal(t, Finished, feed.State())
	for h, p := range feed.servedBy() {
		require.Equal(t, types.PeerID("good"), p, "height %d", h)
	}

	for _, id := range []types.PeerID{"bad", "liar"} {
		info, ok := pool.Peer(id)
		require.True(t, ok)
		assert.LessOrEqual(t, info.Score, peers.BanScore, "peer %s", id)
	}
}

func TestDispatcherPanicIsPipelineFault(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := newPool(t, honestPeer(t, "a"))
	feed := newTestFeed(syncmode.NewStatic(types.SyncModeFull), 10)
	boom := RequesterFunc[*unit](func(context.Context, peers.SyncPeer, *unit) error {
		panic("boom")
	})
	d := NewDispatcher[*unit](log.TestingLogger(), feed, boom, pool, allocation.LeastLoaded{}, testOptions(), nil)

	err := d.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.Equal(t, Cancelled, feed.State())

	info, _ := pool.Peer("a")
	require.Zero(t, info.InFlight)
}

func TestDispatcherPrepareErrorIsPipelineFault(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	feed := newTestFeed(syncmode.NewStatic(types.SyncModeFull), 10)
	errCorrupt := errors.New("corrupt store")
	feed.prepare = func() error { return errCorrupt }

	d := NewDispatcher[*unit](log.TestingLogger(), feed, headersRequester, newPool(t), allocation.LeastLoaded{}, testOptions(), nil)
	err := d.Run(context.Background())
	require.ErrorIs(t, err, errCorrupt)
	require.Equal(t, Cancelled, feed.State())
}

func TestDispatcherCancelDrainsInFlight(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 16)
	slow := mocks.NewSyncPeer(t)
	slow.On("ID").Return(types.PeerID("slow"))
	slow.On("GetBlockHeaders", mock.Anything, mock.Anything, 1).Return(
		func(ctx context.Context, _ int64, _ int) []*types.Header {
			started <- struct{}{}
			<-ctx.Done()
			return nil
		},
		func(ctx context.Context, _ int64, _ int) error { return ctx.Err() },
	)

	pool := newPool(t, slow)
	feed := newTestFeed(syncmode.NewStatic(types.SyncModeFull), 10)
	d := NewDispatcher[*unit](log.TestingLogger(), feed, headersRequester, pool, allocation.LeastLoaded{}, testOptions(), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-errCh)
	require.Equal(t, Cancelled, feed.State())

	info, ok := pool.Peer("slow")
	require.True(t, ok)
	require.Zero(t, info.InFlight)
	// cancellation is not the peer's fault
	require.Zero(t, info.Score)
}

func TestBaseFeedStateMachine(t *testing.T) {
	selector := syncmode.NewStatic(types.SyncModeNone)
	f := NewBaseFeed("headers", types.SyncModeFastBlocks, selector)

	require.Equal(t, Idle, f.State())
	require.Equal(t, Idle, f.Refresh())

	selector.Set(types.SyncModeFastBlocks | types.SyncModeFastSync)
	require.Equal(t, Active, f.Refresh())
	require.Equal(t, Active, f.State())

	selector.Set(types.SyncModeFull)
	require.Equal(t, Idle, f.Refresh())

	selector.Set(types.SyncModeFastBlocks)
	require.Equal(t, Active, f.Refresh())

	require.True(t, f.Finish())
	require.False(t, f.Finish())
	f.Cancel()
	require.Equal(t, Finished, f.State())
	selector.Set(types.SyncModeNone)
	require.Equal(t, Finished, f.Refresh())

	g := NewBaseFeed("bodies", types.SyncModeFastBlocks, selector)
	g.Cancel()
	require.False(t, g.Finish())
	require.Equal(t, Cancelled, g.Refresh())
}

func TestQueue(t *testing.T) {
	var q Queue[int]
	_, ok := q.Pop()
	require.False(t, ok)

	q.Push(3, 4)
	q.PushFront(1, 2)
	require.Equal(t, 4, q.Len())

	var got []int
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []int{1, 2, 3, 4}, got)

	q.Push(5)
	q.Clear()
	require.Zero(t, q.Len())
}
