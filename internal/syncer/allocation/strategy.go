// Package allocation contains the policies a dispatcher uses to pick the peer
// that serves its next request.
package allocation

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/chainkit/chainsync/internal/peers"
	"github.com/chainkit/chainsync/types"
)

// Request describes what a work unit needs from a peer.
type Request struct {
	// Capabilities the peer must serve.
	Capabilities peers.Capabilities

	// Lowest chain height the peer must have reported.
	MinHeight int64

	// Peers that already failed this work unit. May be nil.
	Exclude mapset.Set[types.PeerID]
}

// Eligible reports whether a candidate satisfies the request.
func (r Request) Eligible(c peers.PeerInfo) bool {
	if !c.Capabilities.Has(r.Capabilities) {
		return false
	}
	if c.Height < r.MinHeight {
		return false
	}
	if r.Exclude != nil && r.Exclude.Contains(c.ID) {
		return false
	}
	return true
}

// Strategy selects a peer for a request. Implementations must not modify the
// candidates slice or keep references to it.
type Strategy interface {
	Select(candidates []peers.PeerInfo, req Request) (peers.PeerInfo, bool)
}

// StrategyFunc adapts a function to a Strategy.
type StrategyFunc func(candidates []peers.PeerInfo, req Request) (peers.PeerInfo, bool)

func (f StrategyFunc) Select(candidates []peers.PeerInfo, req Request) (peers.PeerInfo, bool) {
	return f(candidates, req)
}

// best returns the eligible candidate that no other eligible candidate is
// better than.
func best(candidates []peers.PeerInfo, req Request, better func(a, b peers.PeerInfo) bool) (peers.PeerInfo, bool) {
	var (
		chosen peers.PeerInfo
		found  bool
	)
	for _, c := range candidates {
		if !req.Eligible(c) {
			continue
		}
		if !found || better(c, chosen) {
			chosen, found = c, true
		}
	}
	return chosen, found
}

// LeastLoaded picks the peer with the fewest requests in flight. Ties go to
// the higher score, then the lower ID.
type LeastLoaded struct{}

func (LeastLoaded) Select(candidates []peers.PeerInfo, req Request) (peers.PeerInfo, bool) {
	return best(candidates, req, func(a, b peers.PeerInfo) bool {
		if a.InFlight != b.InFlight {
			return a.InFlight < b.InFlight
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.ID < b.ID
	})
}

// HighestHeight picks the peer reporting the highest chain. Ties go to the
// fewer requests in flight, then the lower ID.
type HighestHeight struct{}

func (HighestHeight) Select(candidates []peers.PeerInfo, req Request) (peers.PeerInfo, bool) {
	return best(candidates, req, func(a, b peers.PeerInfo) bool {
		if a.Height != b.Height {
			return a.Height > b.Height
		}
		if a.InFlight != b.InFlight {
			return a.InFlight < b.InFlight
		}
		return a.ID < b.ID
	})
}
