package store

import (
	"fmt"
	"sync"

	dbm "github.com/tendermint/tm-db"

	"github.com/chainkit/chainsync/types"
)

/*
BlockStore is a simple low level store for headers and bodies.

Besides the data itself it keeps a few progress markers:
  - head: the highest block whose state is available locally
  - best suggested header: the highest header stored
  - lowest inserted header/body: how far the ancient download below the
    pivot has progressed, contiguously

Headers and bodies may be stored out of order and with gaps; callers own the
contiguity of the markers they advance.

// NOTE: BlockStore methods will panic if they encounter errors
// deserializing loaded data, indicating probable corruption on disk.
*/
type BlockStore struct {
	db dbm.DB

	// serializes read-modify-write of the markers
	mtx sync.Mutex
}

// NewBlockStore returns a new BlockStore with the given DB.
func NewBlockStore(db dbm.DB) *BlockStore {
	return &BlockStore{db: db}
}

// Head returns the height of the highest block with local state, or 0.
func (bs *BlockStore) Head() int64 {
	return loadMarker(bs.db, markerKey(markerHead))
}

// SetHead moves the head marker.
func (bs *BlockStore) SetHead(height int64) error {
	return saveMarker(bs.db, markerKey(markerHead), height)
}

// BestSuggestedHeader returns the height of the highest stored header, or 0.
func (bs *BlockStore) BestSuggestedHeader() int64 {
	return loadMarker(bs.db, markerKey(markerBestHeader))
}

// LowestInsertedHeader returns the lowest height the ancient header download
// has reached, or 0 if it has not started.
func (bs *BlockStore) LowestInsertedHeader() int64 {
	return loadMarker(bs.db, markerKey(markerLowestHeader))
}

func (bs *BlockStore) SetLowestInsertedHeader(height int64) error {
	return saveMarker(bs.db, markerKey(markerLowestHeader), height)
}

// LowestInsertedBody returns the lowest height the ancient body download has
// reached, or 0 if it has not started.
func (bs *BlockStore) LowestInsertedBody() int64 {
	return loadMarker(bs.db, markerKey(markerLowestBody))
}

func (bs *BlockStore) SetLowestInsertedBody(height int64) error {
	return saveMarker(bs.db, markerKey(markerLowestBody), height)
}

// HeaderRange returns the lowest and highest stored header heights, or zeros
// for an empty store. Unlike the markers it reflects the data on disk.
func (bs *BlockStore) HeaderRange() (lowest, highest int64) {
	return bs.edgeHeader(false), bs.edgeHeader(true)
}

func (bs *BlockStore) edgeHeader(reverse bool) int64 {
	var (
		iter dbm.Iterator
		err  error
	)
	if reverse {
		iter, err = bs.db.ReverseIterator(headerKey(0), headerKey(1<<63-1))
	} else {
		iter, err = bs.db.Iterator(headerKey(0), headerKey(1<<63-1))
	}
	if err != nil {
		panic(err)
	}
	defer iter.Close()

	if iter.Valid() {
		height, err := decodeHeaderKey(iter.Key())
		if err == nil {
			return height
		}
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}
	return 0
}

// LoadHeader returns the header at the given height, or nil.
func (bs *BlockStore) LoadHeader(height int64) *types.Header {
	bz, err := bs.db.Get(headerKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	header := new(types.Header)
	mustDecode(bz, header)
	return header
}

// LoadBody returns the body at the given height, or nil.
func (bs *BlockStore) LoadBody(height int64) *types.Body {
	bz, err := bs.db.Get(bodyKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	body := new(types.Body)
	mustDecode(bz, body)
	return body
}

// HasBody reports whether the body at height is stored.
func (bs *BlockStore) HasBody(height int64) bool {
	ok, err := bs.db.Has(bodyKey(height))
	if err != nil {
		panic(err)
	}
	return ok
}

// LoadBlock returns the block at the given height, or nil if either the
// header or the body is missing.
func (bs *BlockStore) LoadBlock(height int64) *types.Block {
	header := bs.LoadHeader(height)
	if header == nil {
		return nil
	}
	body := bs.LoadBody(height)
	if body == nil {
		return nil
	}
	return &types.Block{Header: header, Body: body}
}

// SaveHeaders persists headers and raises the best suggested header marker.
func (bs *BlockStore) SaveHeaders(headers []*types.Header) error {
	if len(headers) == 0 {
		return nil
	}
	batch := bs.db.NewBatch()
	defer batch.Close()

	var best int64
	for _, h := range headers {
		if err := bs.saveHeaderToBatch(batch, h); err != nil {
			return err
		}
		if h.Height > best {
			best = h.Height
		}
	}
	return bs.writeWithBest(batch, best)
}

// SaveBody persists the body of the block at height.
func (bs *BlockStore) SaveBody(height int64, body *types.Body) error {
	return bs.db.Set(bodyKey(height), mustEncode(body))
}

// SaveBlocks persists headers and bodies in one batch and raises the best
// suggested header marker.
func (bs *BlockStore) SaveBlocks(blocks []*types.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	batch := bs.db.NewBatch()
	defer batch.Close()

	var best int64
	for _, b := range blocks {
		if b == nil || b.Header == nil || b.Body == nil {
			return fmt.Errorf("cannot save incomplete block")
		}
		if err := bs.saveHeaderToBatch(batch, b.Header); err != nil {
			return err
		}
		if err := batch.Set(bodyKey(b.Header.Height), mustEncode(b.Body)); err != nil {
			return err
		}
		if b.Header.Height > best {
			best = b.Header.Height
		}
	}
	return bs.writeWithBest(batch, best)
}

func (bs *BlockStore) saveHeaderToBatch(batch dbm.Batch, h *types.Header) error {
	return batch.Set(headerKey(h.Height), mustEncode(h))
}

func (bs *BlockStore) writeWithBest(batch dbm.Batch, best int64) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if best > bs.BestSuggestedHeader() {
		if err := batch.Set(markerKey(markerBestHeader), encodeMarker(best)); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

func (bs *BlockStore) Close() error {
	return bs.db.Close()
}
