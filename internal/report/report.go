// Package report aggregates the progress of the sync pipelines and logs it
// periodically.
package report

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chainkit/chainsync/libs/log"
	"github.com/chainkit/chainsync/libs/service"
)

// Reporter receives progress updates from pipelines. Safe for concurrent use.
type Reporter interface {
	// Progress records the current and target position of a pipeline.
	// Positions are pipeline specific: heights, or hashed key prefixes.
	Progress(pipeline string, current, target int64)

	// Processed counts items a pipeline stored.
	Processed(pipeline string, n int)
}

// Progress is the state of one pipeline.
type Progress struct {
	Current   int64
	Target    int64
	Processed int64
	Updated   time.Time
}

// Percent returns completion in [0, 100], or 0 when the target is unknown.
func (p Progress) Percent() float64 {
	if p.Target <= 0 {
		return 0
	}
	pct := float64(p.Current) * 100 / float64(p.Target)
	if pct > 100 {
		return 100
	}
	return pct
}

const defaultInterval = 10 * time.Second

// SyncReport is a Reporter that logs a summary every interval.
type SyncReport struct {
	service.BaseService
	logger   log.Logger
	metrics  *Metrics
	interval time.Duration

	mtx      sync.Mutex
	progress map[string]*Progress
	now      func() time.Time
}

var _ Reporter = (*SyncReport)(nil)

// NewSyncReport creates a report. A nil metrics discards measurements.
func NewSyncReport(logger log.Logger, interval time.Duration, metrics *Metrics) *SyncReport {
	if metrics == nil {
		metrics = NopMetrics()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	r := &SyncReport{
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		progress: make(map[string]*Progress),
		now:      time.Now,
	}
	r.BaseService = *service.NewBaseService(logger, "SyncReport", r)
	return r
}

func (r *SyncReport) entry(pipeline string) *Progress {
	p, ok := r.progress[pipeline]
	if !ok {
		p = &Progress{}
		r.progress[pipeline] = p
	}
	return p
}

func (r *SyncReport) Progress(pipeline string, current, target int64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	p := r.entry(pipeline)
	p.Current, p.Target, p.Updated = current, target, r.now()
	r.metrics.Current.With("pipeline", pipeline).Set(float64(current))
	r.metrics.Target.With("pipeline", pipeline).Set(float64(target))
}

func (r *SyncReport) Processed(pipeline string, n int) {
	if n <= 0 {
		return
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()

	p := r.entry(pipeline)
	p.Processed += int64(n)
	p.Updated = r.now()
	r.metrics.Processed.With("pipeline", pipeline).Add(float64(n))
}

// Snapshot returns a copy of the progress of every pipeline that reported.
func (r *SyncReport) Snapshot() map[string]Progress {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	out := make(map[string]Progress, len(r.progress))
	for name, p := range r.progress {
		out[name] = *p
	}
	return out
}

// Get returns the progress of a single pipeline.
func (r *SyncReport) Get(pipeline string) (Progress, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	p, ok := r.progress[pipeline]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

func (r *SyncReport) OnStart(ctx context.Context) error {
	go r.reportRoutine(ctx)
	return nil
}

func (r *SyncReport) OnStop() {}

// Close stops the report loop if it is running and logs a final summary.
// The loop may already have stopped with its context.
func (r *SyncReport) Close() error {
	err := r.Stop()
	if err != nil && !errors.Is(err, service.ErrNotStarted) && !errors.Is(err, service.ErrAlreadyStopped) {
		return err
	}
	r.logSummary()
	return nil
}

func (r *SyncReport) reportRoutine(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.Quit():
			return
		case <-ticker.C:
			r.logSummary()
		}
	}
}

func (r *SyncReport) logSummary() {
	snapshot := r.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := snapshot[name]
		r.logger.Info("sync progress",
			"pipeline", name,
			"current", p.Current,
			"target", p.Target,
			"processed", p.Processed,
			"percent", int(p.Percent()),
		)
	}
}
