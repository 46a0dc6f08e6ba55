package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/chainkit/chainsync/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service.
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service is a long-running background component.
type Service interface {
	// Start the service. It runs until the context is canceled or Stop is
	// called. Starting a running service is an error.
	Start(context.Context) error

	// IsRunning reports whether the service has been started and not
	// stopped.
	IsRunning() bool

	// String representation of the service.
	String() string

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation is the set of hooks a BaseService drives.
type Implementation interface {
	Service

	// OnStart is called once by Start. Long-running work must be bound to
	// the provided context.
	OnStart(context.Context) error

	// OnStop is called once, when the service is stopped explicitly or its
	// start context is canceled.
	OnStop()
}

/*
BaseService carries the start/stop bookkeeping for a service. Embed it and
provide OnStart/OnStop:

	type Reporter struct {
		service.BaseService
	}

	func NewReporter(logger log.Logger) *Reporter {
		r := &Reporter{}
		r.BaseService = *service.NewBaseService(logger, "Reporter", r)
		return r
	}

OnStart/OnStop are called at most once. If OnStart fails the service is not
marked as started and Start may be retried. It is ok to call Stop without
calling Start first; ErrNotStarted is returned.
*/
type BaseService struct {
	logger  log.Logger
	name    string
	started atomic.Bool
	stopped atomic.Bool

	quitOnce sync.Once
	quit     chan struct{}

	impl Implementation
}

// NewBaseService creates a new BaseService. A nil logger discards output.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BaseService{
		logger: logger,
		name:   name,
		quit:   make(chan struct{}),
		impl:   impl,
	}
}

// Start calls OnStart and arranges for OnStop to run when ctx is canceled.
func (bs *BaseService) Start(ctx context.Context) error {
	if !bs.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if bs.stopped.Load() {
		bs.logger.Error("not starting service; already stopped", "service", bs.name, "impl", bs.impl.String())
		bs.started.Store(false)
		return ErrAlreadyStopped
	}

	bs.logger.Info("starting service", "service", bs.name, "impl", bs.impl.String())

	if err := bs.impl.OnStart(ctx); err != nil {
		bs.started.Store(false)
		return err
	}

	go func() {
		select {
		case <-bs.quit:
			// stopped explicitly
		case <-ctx.Done():
			if err := bs.Stop(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
				bs.logger.Error("stopping service", "err", err, "service", bs.name, "impl", bs.impl.String())
			}
		}
	}()

	return nil
}

// Stop calls OnStop and unblocks Wait.
func (bs *BaseService) Stop() error {
	if !bs.started.Load() {
		return ErrNotStarted
	}
	if !bs.stopped.CompareAndSwap(false, true) {
		return ErrAlreadyStopped
	}

	bs.logger.Info("stopping service", "service", bs.name, "impl", bs.impl.String())
	bs.impl.OnStop()
	bs.quitOnce.Do(func() { close(bs.quit) })
	return nil
}

// IsRunning reports whether the service is started and not stopped.
func (bs *BaseService) IsRunning() bool {
	return bs.started.Load() && !bs.stopped.Load()
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.quit }

// Quit returns a channel that is closed when the service is stopped.
func (bs *BaseService) Quit() <-chan struct{} { return bs.quit }

// String implements Service by returning a string representation of the service.
func (bs *BaseService) String() string { return bs.name }
