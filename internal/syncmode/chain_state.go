package syncmode

import (
	"github.com/chainkit/chainsync/config"
	"github.com/chainkit/chainsync/internal/store"
)

// HeightSource reports the best height known on the network.
type HeightSource interface {
	MaxPeerHeight() int64
}

// StoreState implements ChainState over the node's stores.
type StoreState struct {
	cfg      config.SyncConfig
	peers    HeightSource
	blocks   *store.BlockStore
	receipts *store.ReceiptStore
	state    *store.StateStore
}

var _ ChainState = (*StoreState)(nil)

func NewStoreState(
	cfg config.SyncConfig,
	peers HeightSource,
	blocks *store.BlockStore,
	receipts *store.ReceiptStore,
	state *store.StateStore,
) *StoreState {
	return &StoreState{cfg: cfg, peers: peers, blocks: blocks, receipts: receipts, state: state}
}

func (s *StoreState) MaxPeerHeight() int64 { return s.peers.MaxPeerHeight() }

func (s *StoreState) Head() int64 { return s.blocks.Head() }

func (s *StoreState) BestSuggestedHeader() int64 { return s.blocks.BestSuggestedHeader() }

// FastBlocksFinished reports whether every ancient download the
// configuration enables has reached height 1.
func (s *StoreState) FastBlocksFinished() bool {
	if s.cfg.PivotHeight == 0 {
		return true
	}
	if s.blocks.LowestInsertedHeader() != 1 {
		return false
	}
	if !s.cfg.DownloadHeadersInFastSync {
		return true
	}
	if s.cfg.DownloadBodiesInFastSync && s.blocks.LowestInsertedBody() != 1 {
		return false
	}
	if s.cfg.DownloadReceiptsInFastSync && s.receipts.LowestInserted() != 1 {
		return false
	}
	return true
}

func (s *StoreState) StateSynced() bool {
	_, _, ok := s.state.SyncedRoot()
	return ok
}

// SnapFinished reports whether the accounts under the state root of the best
// header are complete.
func (s *StoreState) SnapFinished() bool {
	header := s.blocks.LoadHeader(s.blocks.BestSuggestedHeader())
	if header == nil {
		return false
	}
	return s.state.IsSnapComplete(header.StateRoot)
}
