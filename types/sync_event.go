package types

import "fmt"

// SyncEvent is the outcome of a block download session with a peer.
type SyncEvent int

const (
	SyncEventStarted SyncEvent = iota + 1
	SyncEventFailed
	SyncEventCancelled
	SyncEventCompleted
)

func (e SyncEvent) String() string {
	switch e {
	case SyncEventStarted:
		return "started"
	case SyncEventFailed:
		return "failed"
	case SyncEventCancelled:
		return "cancelled"
	case SyncEventCompleted:
		return "completed"
	default:
		return fmt.Sprintf("SyncEvent(%d)", int(e))
	}
}

// SyncEventArgs pairs a SyncEvent with the peer that produced it.
type SyncEventArgs struct {
	Peer  PeerID
	Event SyncEvent
}
