package allocation

import (
	"math/rand"
	"sync"
	"time"

	"github.com/mroth/weightedrand"

	"github.com/chainkit/chainsync/internal/peers"
)

// WeightedRandom picks an eligible peer at random, weighted by score, so
// state requests fan out over the pool instead of piling onto one peer.
type WeightedRandom struct {
	mtx sync.Mutex
	rng *rand.Rand
}

// NewWeightedRandom returns a WeightedRandom strategy. A zero seed seeds from
// the clock.
func NewWeightedRandom(seed int64) *WeightedRandom {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &WeightedRandom{rng: rand.New(rand.NewSource(seed))} // nolint:gosec
}

// weight maps a score in [MinScore, MaxScore] to a positive weight. Peers
// with the lowest score still get picked occasionally.
func weight(c peers.PeerInfo) uint {
	w := c.Score - peers.MinScore + 1
	if w < 1 {
		w = 1
	}
	return uint(w)
}

func (s *WeightedRandom) Select(candidates []peers.PeerInfo, req Request) (peers.PeerInfo, bool) {
	choices := make([]weightedrand.Choice, 0, len(candidates))
	for _, c := range candidates {
		if req.Eligible(c) {
			choices = append(choices, weightedrand.NewChoice(c, weight(c)))
		}
	}
	if len(choices) == 0 {
		return peers.PeerInfo{}, false
	}

	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return peers.PeerInfo{}, false
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	return chooser.PickSource(s.rng).(peers.PeerInfo), true
}
