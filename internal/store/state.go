package store

import (
	"fmt"

	dbm "github.com/tendermint/tm-db"

	"github.com/chainkit/chainsync/types"
)

// StateStore keeps state trie nodes addressed by hash, downloaded accounts,
// and the markers recording which state root is complete.
type StateStore struct {
	db dbm.DB
}

func NewStateStore(db dbm.DB) *StateStore {
	return &StateStore{db: db}
}

// SaveNodes persists trie nodes in one batch. hashes and nodes are parallel.
func (ss *StateStore) SaveNodes(hashes []types.Hash, nodes [][]byte) error {
	if len(hashes) != len(nodes) {
		return fmt.Errorf("mismatched nodes: %d hashes, %d nodes", len(hashes), len(nodes))
	}
	if len(hashes) == 0 {
		return nil
	}
	batch := ss.db.NewBatch()
	defer batch.Close()
	for i, h := range hashes {
		if err := batch.Set(nodeKey(h), nodes[i]); err != nil {
			return err
		}
	}
	return batch.Write()
}

func (ss *StateStore) HasNode(hash types.Hash) bool {
	ok, err := ss.db.Has(nodeKey(hash))
	if err != nil {
		panic(err)
	}
	return ok
}

// LoadNode returns the encoded node with the given hash, or nil.
func (ss *StateStore) LoadNode(hash types.Hash) []byte {
	bz, err := ss.db.Get(nodeKey(hash))
	if err != nil {
		panic(err)
	}
	return bz
}

// SaveAccounts persists a range of accounts in one batch.
func (ss *StateStore) SaveAccounts(accounts []types.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	batch := ss.db.NewBatch()
	defer batch.Close()
	for _, a := range accounts {
		if err := batch.Set(accountKey(a.Hash), a.Encode()); err != nil {
			return err
		}
	}
	return batch.Write()
}

// LoadAccount returns the account with the given hash.
func (ss *StateStore) LoadAccount(hash types.Hash) (types.Account, bool) {
	bz, err := ss.db.Get(accountKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return types.Account{}, false
	}
	acc, err := types.DecodeAccount(bz)
	if err != nil {
		panic(fmt.Errorf("decoding account %v: %w", hash, err))
	}
	return acc, true
}

type syncedRoot struct {
	Height int64      `json:"height"`
	Root   types.Hash `json:"root"`
}

// SetSyncedRoot records that the full state at root, the state of block
// height, is available locally.
func (ss *StateStore) SetSyncedRoot(height int64, root types.Hash) error {
	return ss.db.SetSync(markerKey(markerSyncedRoot), mustEncode(syncedRoot{Height: height, Root: root}))
}

// SyncedRoot returns the last state root recorded as complete.
func (ss *StateStore) SyncedRoot() (int64, types.Hash, bool) {
	bz, err := ss.db.Get(markerKey(markerSyncedRoot))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return 0, types.Hash{}, false
	}
	var sr syncedRoot
	mustDecode(bz, &sr)
	return sr.Height, sr.Root, true
}

// SetSnapComplete records that every account under root has been downloaded.
func (ss *StateStore) SetSnapComplete(root types.Hash) error {
	return ss.db.SetSync(snapCompleteKey(root), []byte{1})
}

func (ss *StateStore) IsSnapComplete(root types.Hash) bool {
	ok, err := ss.db.Has(snapCompleteKey(root))
	if err != nil {
		panic(err)
	}
	return ok
}

func (ss *StateStore) Close() error {
	return ss.db.Close()
}
