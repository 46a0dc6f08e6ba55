package peers

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainkit/chainsync/internal/peers/mocks"
	"github.com/chainkit/chainsync/libs/log"
	"github.com/chainkit/chainsync/types"
)

func newMockPeer(t *testing.T, id types.PeerID) *mocks.SyncPeer {
	p := &mocks.SyncPeer{}
	p.On("ID").Return(id).Maybe()
	return p
}

func newTestPool(t *testing.T, maxPerPeer int, heights ...int64) *PeerPool {
	t.Helper()
	return newTestPoolWithOptions(t, PoolOptions{MaxRequestsPerPeer: maxPerPeer}, heights...)
}

func newTestPoolWithOptions(t *testing.T, opts PoolOptions, heights ...int64) *PeerPool {
	t.Helper()
	pool := NewPeerPool(log.NewNopLogger(), opts, nil)
	for i, h := range heights {
		id := types.PeerID(fmt.Sprintf("peer-%d", i))
		require.NoError(t, pool.AddPeer(newMockPeer(t, id), h, CapAll))
	}
	return pool
}

func TestPeerPoolAddRemove(t *testing.T) {
	pool := newTestPool(t, 1, 10, 20)
	require.Equal(t, 2, pool.Len())

	err := pool.AddPeer(newMockPeer(t, "peer-0"), 5, CapAll)
	require.ErrorIs(t, err, errPeerAlreadyExists)

	err = pool.AddPeer(newMockPeer(t, "bad id!"), 5, CapAll)
	require.Error(t, err)

	pool.RemovePeer("peer-0")
	pool.RemovePeer("unknown")
	require.Equal(t, 1, pool.Len())
	_, ok := pool.Peer("peer-0")
	require.False(t, ok)
}

func TestPeerPoolBorrowRelease(t *testing.T) {
	pool := newTestPool(t, 2, 10)

	for i := 0; i < 2; i++ {
		peer, err := pool.Borrow("peer-0")
		require.NoError(t, err)
		require.Equal(t, types.PeerID("peer-0"), peer.ID())
	}

	// saturated peers are neither borrowable nor candidates
	_, err := pool.Borrow("peer-0")
	require.ErrorIs(t, err, errPeerBusy)
	require.Empty(t, pool.Candidates())

	pool.Release("peer-0")
	candidates := pool.Candidates()
	require.Len(t, candidates, 1)
	require.Equal(t, 1, candidates[0].InFlight)

	pool.Release("peer-0")
	pool.Release("peer-0") // extra releases are ignored
	info, ok := pool.Peer("peer-0")
	require.True(t, ok)
	require.Zero(t, info.InFlight)

	_, err = pool.Borrow("missing")
	require.ErrorIs(t, err, errPeerNotFound)
}

func TestPeerPoolPenalizeBans(t *testing.T) {
	pool := newTestPool(t, 1, 10, 30)

	reason := errors.New("timeout")
	for i := int64(0); i < -BanScore/PenaltyScore; i++ {
		pool.Penalize("peer-1", reason)
	}

	info, ok := pool.Peer("peer-1")
	require.True(t, ok)
	require.Equal(t, BanScore, info.Score)
	require.True(t, pool.Banned("peer-1"))

	_, err := pool.Borrow("peer-1")
	require.ErrorIs(t, err, errPeerBanned)

	candidates := pool.Candidates()
	require.Len(t, candidates, 1)
	require.Equal(t, types.PeerID("peer-0"), candidates[0].ID)

	// banned peers do not count towards the sync target
	require.EqualValues(t, 10, pool.MaxPeerHeight())
}

func TestPeerPoolReputation(t *testing.T) {
	pool := newTestPool(t, 1, 10)

	pool.ReportSyncEvent("peer-0", SyncStarted)
	info, _ := pool.Peer("peer-0")
	assert.Zero(t, info.Score)

	pool.ReportSyncEvent("peer-0", SyncCompleted)
	info, _ = pool.Peer("peer-0")
	assert.EqualValues(t, 2, info.Score)

	// failed requests are charged by Penalize alone
	pool.ReportSyncEvent("peer-0", SyncFailed)
	pool.ReportSyncEvent("peer-0", SyncCancelled)
	info, _ = pool.Peer("peer-0")
	assert.EqualValues(t, 1, info.Score)

	for i := 0; i < 100; i++ {
		pool.ReportSyncEvent("peer-0", SyncCompleted)
	}
	info, _ = pool.Peer("peer-0")
	assert.Equal(t, MaxScore, info.Score)

	// unknown peers are ignored
	pool.ReportSyncEvent("missing", SyncFailed)
}

func TestPeerPoolBanExpires(t *testing.T) {
	const banDuration = 50 * time.Millisecond
	pool := newTestPoolWithOptions(t, PoolOptions{MaxRequestsPerPeer: 1, BanDuration: banDuration}, 40)

	reason := errors.New("timeout")
	ban := func() time.Time {
		for !pool.Banned("peer-0") {
			pool.Penalize("peer-0", reason)
		}
		return time.Now()
	}

	bannedAt := ban()
	require.Empty(t, pool.Candidates())
	require.Zero(t, pool.MaxPeerHeight())

	// penalties while banned neither extend the ban nor count as a new one
	pool.Penalize("peer-0", reason)

	require.Eventually(t, func() bool { return len(pool.Candidates()) == 1 }, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(bannedAt), banDuration)
	require.EqualValues(t, 40, pool.MaxPeerHeight())

	info, ok := pool.Peer("peer-0")
	require.True(t, ok)
	require.Zero(t, info.Score, "a served ban clears the score")
	_, err := pool.Borrow("peer-0")
	require.NoError(t, err)
	pool.Release("peer-0")

	// a second ban lasts twice as long
	bannedAt = ban()
	require.Never(t, func() bool { return !pool.Banned("peer-0") }, banDuration+10*time.Millisecond, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !pool.Banned("peer-0") }, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(bannedAt), 2*banDuration)
}

func TestPeerPoolReputationBans(t *testing.T) {
	pool := newTestPool(t, 1, 10)

	for i := 0; i < 100; i++ {
		pool.ReportSyncEvent("peer-0", SyncFailed)
	}
	require.False(t, pool.Banned("peer-0"))

	for i := int64(0); i < -BanScore; i++ {
		pool.ReportSyncEvent("peer-0", SyncCancelled)
	}
	require.True(t, pool.Banned("peer-0"))
}

func TestPeerPoolHeights(t *testing.T) {
	pool := newTestPool(t, 1, 10, 20)
	require.EqualValues(t, 20, pool.MaxPeerHeight())

	pool.SetPeerHeight("peer-0", 50)
	require.EqualValues(t, 50, pool.MaxPeerHeight())

	// heights never go backwards
	pool.SetPeerHeight("peer-0", 5)
	info, _ := pool.Peer("peer-0")
	require.EqualValues(t, 50, info.Height)
}

func TestPeerPoolConcurrentAccess(t *testing.T) {
	pool := newTestPool(t, 4, 10, 20, 30)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.PeerID(fmt.Sprintf("peer-%d", i%3))
			for j := 0; j < 100; j++ {
				if _, err := pool.Borrow(id); err == nil {
					pool.ReportSyncEvent(id, SyncStarted)
					pool.Release(id)
				}
				_ = pool.Candidates()
			}
		}(i)
	}
	wg.Wait()

	for _, c := range pool.Candidates() {
		require.Zero(t, c.InFlight)
	}
	require.Len(t, pool.Candidates(), 3)
}

func TestCapabilities(t *testing.T) {
	assert.True(t, CapAll.Has(CapSnap|CapBlocks))
	assert.False(t, CapBlocks.Has(CapReceipts))
	assert.True(t, CapBlocks.Has(CapNone))
	assert.Equal(t, "blocks,snap", (CapBlocks | CapSnap).String())
	assert.Equal(t, "none", CapNone.String())
}
