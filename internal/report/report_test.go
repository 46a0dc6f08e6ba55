package report

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainkit/chainsync/libs/log"
)

func TestSyncReportAggregates(t *testing.T) {
	r := NewSyncReport(log.NewNopLogger(), time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Processed("bodies", 5)
		}()
	}
	wg.Wait()

	r.Progress("bodies", 40, 80)
	r.Processed("headers", 0)

	p, ok := r.Get("bodies")
	require.True(t, ok)
	assert.EqualValues(t, 40, p.Processed)
	assert.EqualValues(t, 40, p.Current)
	assert.EqualValues(t, 80, p.Target)
	assert.InDelta(t, 50, p.Percent(), 0.001)

	_, ok = r.Get("headers")
	assert.False(t, ok)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	snap["bodies"] = Progress{}
	p, _ = r.Get("bodies")
	assert.EqualValues(t, 40, p.Current)
}

func TestProgressPercent(t *testing.T) {
	assert.Zero(t, Progress{Current: 10}.Percent())
	assert.EqualValues(t, 100, Progress{Current: 12, Target: 10}.Percent())
}

func TestSyncReportLogsPeriodically(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf := &safeBuffer{}
	logger, err := log.NewDefaultLoggerWithWriter(buf, log.LogFormatJSON, log.LogLevelInfo)
	require.NoError(t, err)
	r := NewSyncReport(logger, 5*time.Millisecond, nil)
	r.Progress("full", 3, 10)
	require.NoError(t, r.Start(ctx))

	require.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("sync progress"))
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Close())
	require.False(t, r.IsRunning())
	require.NoError(t, r.Close())
}

func TestSyncReportCloseAfterCancel(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		r := NewSyncReport(log.NewNopLogger(), time.Hour, nil)
		require.NoError(t, r.Start(ctx))

		// the context watcher and Close race to stop the loop
		cancel()
		require.NoError(t, r.Close())
		r.Wait()
		require.False(t, r.IsRunning())
	}

	// stopped by its context before Close
	ctx, cancel := context.WithCancel(context.Background())
	r := NewSyncReport(log.NewNopLogger(), time.Hour, nil)
	require.NoError(t, r.Start(ctx))
	cancel()
	r.Wait()
	require.NoError(t, r.Close())

	// never started
	require.NoError(t, NewSyncReport(log.NewNopLogger(), time.Hour, nil).Close())
}

type safeBuffer struct {
	mtx sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
