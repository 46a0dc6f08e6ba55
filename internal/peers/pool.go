package peers

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chainkit/chainsync/libs/log"
	"github.com/chainkit/chainsync/types"
)

var (
	errPeerNotFound      = errors.New("peer not found")
	errPeerBusy          = errors.New("peer has too many requests in flight")
	errPeerBanned        = errors.New("peer is banned")
	errPeerAlreadyExists = errors.New("peer already exists")
)

// Pool lends peers to sync pipelines. All methods are safe for concurrent
// use.
type Pool interface {
	// Candidates returns a snapshot of the peers that can take a request.
	Candidates() []PeerInfo

	// Borrow reserves a request slot on the peer.
	Borrow(id types.PeerID) (SyncPeer, error)

	// Release returns a slot taken by Borrow.
	Release(id types.PeerID)

	// Penalize lowers the standing of a peer that timed out or served bad
	// data.
	Penalize(id types.PeerID, reason error)

	// MaxPeerHeight returns the highest height reported by any peer.
	MaxPeerHeight() int64
}

// Reputation receives the outcome of sync sessions with peers.
type Reputation interface {
	ReportSyncEvent(id types.PeerID, ev NodeStatsEvent)
}

// DefaultBanDuration is used when PoolOptions.BanDuration is not set.
const DefaultBanDuration = 30 * time.Second

// Repeated bans double the ban duration up to this many times.
const maxBanDoublings = 4

// PoolOptions tune a PeerPool.
type PoolOptions struct {
	// Maximum requests in flight on a single peer.
	MaxRequestsPerPeer int

	// How long a peer whose score fell to BanScore is kept out of the
	// candidates. Each further ban of the same peer doubles it.
	BanDuration time.Duration
}

type poolPeer struct {
	peer     SyncPeer
	height   int64
	caps     Capabilities
	inFlight int
	score    int64

	bans        int
	bannedUntil time.Time
}

func (p *poolPeer) info() PeerInfo {
	return PeerInfo{
		ID:           p.peer.ID(),
		Height:       p.height,
		Capabilities: p.caps,
		InFlight:     p.inFlight,
		Score:        p.score,
	}
}

func (p *poolPeer) banned(now time.Time) bool { return now.Before(p.bannedUntil) }

// refresh lifts an expired ban. The peer comes back with a neutral score.
func (p *poolPeer) refresh(now time.Time) bool {
	if p.bannedUntil.IsZero() || p.banned(now) {
		return false
	}
	p.bannedUntil = time.Time{}
	p.score = 0
	return true
}

// PeerPool is an in-memory Pool and Reputation. Reputation updates from
// concurrent pipelines are serialized by the pool lock.
type PeerPool struct {
	logger  log.Logger
	metrics *Metrics
	opts    PoolOptions

	mtx   sync.Mutex
	peers map[types.PeerID]*poolPeer
}

var (
	_ Pool       = (*PeerPool)(nil)
	_ Reputation = (*PeerPool)(nil)
)

// NewPeerPool creates an empty pool. A nil metrics discards measurements.
func NewPeerPool(logger log.Logger, opts PoolOptions, metrics *Metrics) *PeerPool {
	if opts.MaxRequestsPerPeer <= 0 {
		opts.MaxRequestsPerPeer = 1
	}
	if opts.BanDuration <= 0 {
		opts.BanDuration = DefaultBanDuration
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &PeerPool{
		logger:  logger,
		metrics: metrics,
		opts:    opts,
		peers:   make(map[types.PeerID]*poolPeer),
	}
}

// AddPeer adds a peer reporting the given chain height.
func (pp *PeerPool) AddPeer(peer SyncPeer, height int64, caps Capabilities) error {
	id := peer.ID()
	if err := id.Validate(); err != nil {
		return fmt.Errorf("invalid peer %q: %w", id, err)
	}

	pp.mtx.Lock()
	defer pp.mtx.Unlock()

	if _, ok := pp.peers[id]; ok {
		return fmt.Errorf("%w: %s", errPeerAlreadyExists, id)
	}
	pp.peers[id] = &poolPeer{peer: peer, height: height, caps: caps}
	pp.metrics.Peers.Set(float64(len(pp.peers)))
	pp.logger.Debug("added peer", "peer", id, "height", height, "caps", caps)
	return nil
}

// RemovePeer drops a peer. Outstanding Release calls for it are ignored.
func (pp *PeerPool) RemovePeer(id types.PeerID) {
	pp.mtx.Lock()
	defer pp.mtx.Unlock()

	p, ok := pp.peers[id]
	if !ok {
		return
	}
	pp.metrics.Borrowed.Add(-float64(p.inFlight))
	delete(pp.peers, id)
	pp.metrics.Peers.Set(float64(len(pp.peers)))
	pp.logger.Debug("removed peer", "peer", id)
}

// SetPeerHeight records a new chain height announced by a peer.
func (pp *PeerPool) SetPeerHeight(id types.PeerID, height int64) {
	pp.mtx.Lock()
	defer pp.mtx.Unlock()

	if p, ok := pp.peers[id]; ok && height > p.height {
		p.height = height
	}
}

// Peer returns a snapshot of a single peer.
func (pp *PeerPool) Peer(id types.PeerID) (PeerInfo, bool) {
	pp.mtx.Lock()
	defer pp.mtx.Unlock()

	p, ok := pp.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	pp.refresh(p, time.Now())
	return p.info(), true
}

// Banned reports whether the peer is serving a ban.
func (pp *PeerPool) Banned(id types.PeerID) bool {
	pp.mtx.Lock()
	defer pp.mtx.Unlock()

	p, ok := pp.peers[id]
	return ok && p.banned(time.Now())
}

// Len returns the number of pooled peers, banned ones included.
func (pp *PeerPool) Len() int {
	pp.mtx.Lock()
	defer pp.mtx.Unlock()
	return len(pp.peers)
}

func (pp *PeerPool) refresh(p *poolPeer, now time.Time) {
	if p.refresh(now) {
		pp.logger.Info("peer ban expired", "peer", p.peer.ID(), "bans", p.bans)
	}
}

// adjust moves the score of p by delta and bans it when the score reaches
// BanScore. Must be called with mtx held.
func (pp *PeerPool) adjust(p *poolPeer, delta int64, reason interface{}) {
	now := time.Now()
	pp.refresh(p, now)
	p.score = clampScore(p.score + delta)
	if p.score > BanScore || p.banned(now) {
		return
	}

	p.bans++
	shift := p.bans - 1
	if shift > maxBanDoublings {
		shift = maxBanDoublings
	}
	d := pp.opts.BanDuration << shift
	p.bannedUntil = now.Add(d)
	pp.metrics.Bans.Add(1)
	pp.logger.Info("peer banned from sync", "peer", p.peer.ID(), "score", p.score, "duration", d, "reason", reason)
}

// Candidates returns peers that are neither banned nor saturated, sorted by
// ID.
func (pp *PeerPool) Candidates() []PeerInfo {
	pp.mtx.Lock()
	defer pp.mtx.Unlock()

	now := time.Now()
	candidates := make([]PeerInfo, 0, len(pp.peers))
	for _, p := range pp.peers {
		pp.refresh(p, now)
		if p.banned(now) || p.inFlight >= pp.opts.MaxRequestsPerPeer {
			continue
		}
		candidates = append(candidates, p.info())
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates
}

func (pp *PeerPool) Borrow(id types.PeerID) (SyncPeer, error) {
	pp.mtx.Lock()
	defer pp.mtx.Unlock()

	p, ok := pp.peers[id]
	if ok {
		pp.refresh(p, time.Now())
	}
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: %s", errPeerNotFound, id)
	case p.banned(time.Now()):
		return nil, fmt.Errorf("%w: %s", errPeerBanned, id)
	case p.inFlight >= pp.opts.MaxRequestsPerPeer:
		return nil, fmt.Errorf("%w: %s", errPeerBusy, id)
	}
	p.inFlight++
	pp.metrics.Borrowed.Add(1)
	return p.peer, nil
}

func (pp *PeerPool) Release(id types.PeerID) {
	pp.mtx.Lock()
	defer pp.mtx.Unlock()

	if p, ok := pp.peers[id]; ok && p.inFlight > 0 {
		p.inFlight--
		pp.metrics.Borrowed.Add(-1)
	}
}

func (pp *PeerPool) Penalize(id types.PeerID, reason error) {
	pp.mtx.Lock()
	defer pp.mtx.Unlock()

	p, ok := pp.peers[id]
	if !ok {
		return
	}
	pp.metrics.Penalties.Add(1)
	pp.adjust(p, -PenaltyScore, reason)
	pp.logger.Debug("penalized peer", "peer", id, "score", p.score, "reason", reason)
}

// ReportSyncEvent adjusts the score of a peer by the outcome of a sync
// session.
func (pp *PeerPool) ReportSyncEvent(id types.PeerID, ev NodeStatsEvent) {
	pp.mtx.Lock()
	defer pp.mtx.Unlock()

	pp.metrics.ReputationEvents.With("event", ev.String()).Add(1)
	if p, ok := pp.peers[id]; ok {
		if delta := scoreDelta(ev); delta != 0 {
			pp.adjust(p, delta, ev)
		}
	}
}

func (pp *PeerPool) MaxPeerHeight() int64 {
	pp.mtx.Lock()
	defer pp.mtx.Unlock()

	now := time.Now()
	var max int64
	for _, p := range pp.peers {
		pp.refresh(p, now)
		if !p.banned(now) && p.height > max {
			max = p.height
		}
	}
	return max
}
