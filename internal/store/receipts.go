package store

import (
	dbm "github.com/tendermint/tm-db"

	"github.com/chainkit/chainsync/types"
)

// ReceiptStore keeps the receipts of each block, keyed by height.
type ReceiptStore struct {
	db dbm.DB
}

func NewReceiptStore(db dbm.DB) *ReceiptStore {
	return &ReceiptStore{db: db}
}

// Save persists the receipts of the block at height. An empty slice is a
// valid value and is distinguishable from a missing entry.
func (rs *ReceiptStore) Save(height int64, receipts []*types.Receipt) error {
	if receipts == nil {
		receipts = []*types.Receipt{}
	}
	return rs.db.Set(receiptsKey(height), mustEncode(receipts))
}

// Load returns the receipts of the block at height and whether they are
// stored.
func (rs *ReceiptStore) Load(height int64) ([]*types.Receipt, bool) {
	bz, err := rs.db.Get(receiptsKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil, false
	}
	var receipts []*types.Receipt
	mustDecode(bz, &receipts)
	return receipts, true
}

func (rs *ReceiptStore) Has(height int64) bool {
	ok, err := rs.db.Has(receiptsKey(height))
	if err != nil {
		panic(err)
	}
	return ok
}

// LowestInserted returns the lowest height the ancient receipts download has
// reached, or 0 if it has not started.
func (rs *ReceiptStore) LowestInserted() int64 {
	return loadMarker(rs.db, markerKey(markerLowestReceipts))
}

func (rs *ReceiptStore) SetLowestInserted(height int64) error {
	return saveMarker(rs.db, markerKey(markerLowestReceipts), height)
}

func (rs *ReceiptStore) Close() error {
	return rs.db.Close()
}
