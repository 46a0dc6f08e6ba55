package syncer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/chainkit/chainsync/internal/syncer/dispatch"
)

// PipelineKind identifies a sync pipeline.
type PipelineKind string

const (
	PipelineFull         PipelineKind = "full"
	PipelineFastHeaders  PipelineKind = "fast-headers"
	PipelineFastBodies   PipelineKind = "fast-bodies"
	PipelineFastReceipts PipelineKind = "fast-receipts"
	PipelineFastSync     PipelineKind = "fast-sync"
	PipelineSnap         PipelineKind = "snap"
	PipelineStateNodes   PipelineKind = "state-nodes"
)

// Status is the lifecycle stage of a pipeline.
type Status int

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusFaulted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFaulted:
		return "faulted"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// PipelineInfo describes a constructed pipeline.
type PipelineInfo struct {
	Kind   PipelineKind
	Status Status
	// Err is the fault that stopped the pipeline, if any.
	Err error
}

// feed is the type-independent part of dispatch.Feed.
type feed interface {
	String() string
	State() dispatch.State
	Cancel()
	Close() error
}

// pipeline pairs a feed with the dispatcher that drives it.
type pipeline struct {
	kind PipelineKind
	feed feed
	run  func(ctx context.Context) error

	mtx    sync.Mutex
	status Status
	err    error
}

func newPipeline[T any](kind PipelineKind, f dispatch.Feed[T], d *dispatch.Dispatcher[T]) *pipeline {
	return &pipeline{kind: kind, feed: f, run: d.Run}
}

func (p *pipeline) info() PipelineInfo {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return PipelineInfo{Kind: p.kind, Status: p.status, Err: p.err}
}

// execute runs the dispatcher until it returns and records how the pipeline
// ended. Panics escaping the dispatcher are faults of this pipeline only.
func (p *pipeline) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s pipeline: %v\n%s", p.kind, r, debug.Stack())
			p.feed.Cancel()
		}
		p.finish(err)
	}()
	return p.run(ctx)
}

func (p *pipeline) finish(err error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	switch {
	case err != nil:
		p.status, p.err = StatusFaulted, err
	case p.feed.State() == dispatch.Finished:
		p.status = StatusCompleted
	default:
		p.status = StatusCancelled
	}
}
