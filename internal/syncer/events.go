package syncer

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainkit/chainsync/internal/peers"
	"github.com/chainkit/chainsync/types"
)

// buffer of the channel pipelines send sync events on
const eventsBuffer = 16

// SyncEvents is a subscription to the sync events of a Synchronizer. Every
// event is delivered after the reputation of its peer has been updated.
//
// The subscriber must consume events in a timely fashion, otherwise the
// block download pipelines halt.
type SyncEvents struct {
	ch        chan types.SyncEventArgs
	closeOnce sync.Once
}

func newSyncEvents() *SyncEvents {
	return &SyncEvents{ch: make(chan types.SyncEventArgs, 1)}
}

// Updates returns a channel for consuming sync events. It is closed when the
// Synchronizer is closed.
func (se *SyncEvents) Updates() <-chan types.SyncEventArgs {
	return se.ch
}

func (se *SyncEvents) send(ctx context.Context, ev types.SyncEventArgs) {
	select {
	case <-ctx.Done():
	case se.ch <- ev:
	}
}

func (se *SyncEvents) close() {
	se.closeOnce.Do(func() { close(se.ch) })
}

// nodeStatsEvent maps a sync event to the reputation event of the peer that
// produced it. It panics on an unknown event.
func nodeStatsEvent(ev types.SyncEvent) peers.NodeStatsEvent {
	switch ev {
	case types.SyncEventStarted:
		return peers.SyncStarted
	case types.SyncEventFailed:
		return peers.SyncFailed
	case types.SyncEventCancelled:
		return peers.SyncCancelled
	case types.SyncEventCompleted:
		return peers.SyncCompleted
	default:
		panic(fmt.Sprintf("unknown sync event %v", ev))
	}
}

// eventRoutine is the only reader of the events channel. It exits when the
// session is cancelled.
func (s *Synchronizer) eventRoutine(ctx context.Context) {
	defer close(s.eventsDone)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Synchronizer) handleEvent(ctx context.Context, ev types.SyncEventArgs) {
	s.metrics.SyncEvents.With("event", ev.Event.String()).Add(1)
	s.deps.Reputation.ReportSyncEvent(ev.Peer, nodeStatsEvent(ev.Event))

	s.mtx.Lock()
	subs := append([]*SyncEvents(nil), s.subscriptions...)
	s.mtx.Unlock()

	for _, sub := range subs {
		sub.send(ctx, ev)
	}
}
