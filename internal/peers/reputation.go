package peers

import "fmt"

// NodeStatsEvent is a reputation event recorded against a peer.
type NodeStatsEvent int

const (
	SyncStarted NodeStatsEvent = iota + 1
	SyncFailed
	SyncCancelled
	SyncCompleted
)

func (e NodeStatsEvent) String() string {
	switch e {
	case SyncStarted:
		return "sync-started"
	case SyncFailed:
		return "sync-failed"
	case SyncCancelled:
		return "sync-cancelled"
	case SyncCompleted:
		return "sync-completed"
	default:
		return fmt.Sprintf("NodeStatsEvent(%d)", int(e))
	}
}

// Scores of a peer are clamped to [MinScore, MaxScore]. A peer reaching
// BanScore is banned for a while and comes back with a zero score.
const (
	MaxScore     int64 = 100
	MinScore     int64 = -100
	BanScore     int64 = -50
	PenaltyScore int64 = 10
)

func scoreDelta(ev NodeStatsEvent) int64 {
	switch ev {
	case SyncCompleted:
		return 2
	case SyncFailed:
		// the failed request was already charged through Penalize
		return 0
	case SyncCancelled:
		return -1
	default:
		return 0
	}
}

func clampScore(s int64) int64 {
	switch {
	case s > MaxScore:
		return MaxScore
	case s < MinScore:
		return MinScore
	default:
		return s
	}
}
