// Package dispatch pairs a Feed of work units with peers from the shared pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/chainkit/chainsync/internal/peers"
	"github.com/chainkit/chainsync/internal/syncer/allocation"
	"github.com/chainkit/chainsync/internal/syncmode"
	"github.com/chainkit/chainsync/types"
)

// ErrNoPeerAvailable is handed to Feed.Handle when no peer could be allocated
// for a work unit.
var ErrNoPeerAvailable = errors.New("no peer available")

// State of a Feed.
type State int32

const (
	// Idle feeds yield no work.
	Idle State = iota
	// Active feeds produce work.
	Active
	// Finished feeds reached their target. Terminal.
	Finished
	// Cancelled feeds abandoned their pending work. Terminal.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool { return s == Finished || s == Cancelled }

// Result is what a Feed made of a response.
type Result int

const (
	// ResultOK means the response was integrated.
	ResultOK Result = iota
	// ResultNoProgress means the response was valid but useless, e.g. empty.
	ResultNoProgress
	// ResultPeerFault means the response was invalid. The peer is penalized.
	ResultPeerFault
	// ResultNotAssigned means no peer served the unit; it was requeued.
	ResultNotAssigned
	// ResultIgnored means the response arrived after the feed stopped.
	ResultIgnored
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultNoProgress:
		return "no-progress"
	case ResultPeerFault:
		return "peer-fault"
	case ResultNotAssigned:
		return "not-assigned"
	case ResultIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Feed produces the work units of one pipeline and integrates their results.
// Prepare is called from a single goroutine; Handle may be called
// concurrently and out of order.
type Feed[T any] interface {
	String() string

	State() State

	// Refresh re-evaluates the state against the current sync mode and
	// returns it.
	Refresh() State

	// Prepare returns the next work unit, or false if none is available
	// right now. An error is a pipeline fault.
	Prepare(ctx context.Context) (T, bool, error)

	// Allocation describes the peer a work unit needs.
	Allocation(req T) allocation.Request

	// Handle integrates the outcome of a work unit. err is the transport
	// error, or ErrNoPeerAvailable with an empty peer. Units that failed
	// must be requeued unless the feed stopped. A returned error is a
	// pipeline fault.
	Handle(ctx context.Context, req T, peer types.PeerID, err error) (Result, error)

	// Cancel moves the feed to Cancelled unless it is already terminal.
	Cancel()

	// Close releases resources held by the feed.
	Close() error
}

// Requester sends a work unit to a peer and stores the response in it.
type Requester[T any] interface {
	Request(ctx context.Context, peer peers.SyncPeer, req T) error
}

// RequesterFunc adapts a function to a Requester.
type RequesterFunc[T any] func(ctx context.Context, peer peers.SyncPeer, req T) error

func (f RequesterFunc[T]) Request(ctx context.Context, peer peers.SyncPeer, req T) error {
	return f(ctx, peer, req)
}

// BaseFeed implements the state machine shared by all feeds. A feed is Active
// exactly while its governing mode bit is set, until it finishes or is
// cancelled.
type BaseFeed struct {
	name     string
	mode     types.SyncMode
	selector syncmode.Selector
	state    atomic.Int32
}

// NewBaseFeed returns an Idle feed governed by mode.
func NewBaseFeed(name string, mode types.SyncMode, selector syncmode.Selector) *BaseFeed {
	return &BaseFeed{name: name, mode: mode, selector: selector}
}

func (f *BaseFeed) String() string { return f.name }

// Mode returns the governing mode bit.
func (f *BaseFeed) Mode() types.SyncMode { return f.mode }

func (f *BaseFeed) State() State { return State(f.state.Load()) }

func (f *BaseFeed) Refresh() State {
	for {
		cur := f.State()
		if cur.Terminal() {
			return cur
		}
		next := Idle
		if f.selector.Current().Has(f.mode) {
			next = Active
		}
		if cur == next || f.state.CompareAndSwap(int32(cur), int32(next)) {
			return next
		}
	}
}

// Finish moves the feed to Finished. It returns false if the feed was already
// terminal.
func (f *BaseFeed) Finish() bool { return f.terminate(Finished) }

func (f *BaseFeed) Cancel() { f.terminate(Cancelled) }

func (f *BaseFeed) terminate(to State) bool {
	for {
		cur := f.State()
		if cur.Terminal() {
			return false
		}
		if f.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}
