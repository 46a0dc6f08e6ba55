package store

import (
	"fmt"

	"github.com/google/orderedcode"
	jsoniter "github.com/json-iterator/go"
	dbm "github.com/tendermint/tm-db"

	"github.com/chainkit/chainsync/types"
)

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes, unique across all stores so they can share a database
const (
	prefixHeader   = int64(0)
	prefixBody     = int64(1)
	prefixReceipts = int64(2)
	prefixNode     = int64(3)
	prefixAccount  = int64(4)
	prefixMarker   = int64(5)
	prefixSnapDone = int64(6)
)

// marker names
const (
	markerHead           = "head"
	markerBestHeader     = "best-header"
	markerLowestHeader   = "lowest-header"
	markerLowestBody     = "lowest-body"
	markerLowestReceipts = "lowest-receipts"
	markerSyncedRoot     = "synced-root"
)

func headerKey(height int64) []byte {
	return mustKey(prefixHeader, height)
}

func decodeHeaderKey(key []byte) (height int64, err error) {
	var prefix int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &height)
	if err != nil {
		return
	}
	if len(remaining) != 0 {
		return -1, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixHeader {
		return -1, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixHeader, prefix)
	}
	return
}

func bodyKey(height int64) []byte {
	return mustKey(prefixBody, height)
}

func receiptsKey(height int64) []byte {
	return mustKey(prefixReceipts, height)
}

func nodeKey(hash types.Hash) []byte {
	return mustKey(prefixNode, string(hash[:]))
}

func accountKey(hash types.Hash) []byte {
	return mustKey(prefixAccount, string(hash[:]))
}

func markerKey(name string) []byte {
	return mustKey(prefixMarker, name)
}

func snapCompleteKey(root types.Hash) []byte {
	return mustKey(prefixSnapDone, string(root[:]))
}

func mustKey(items ...interface{}) []byte {
	key, err := orderedcode.Append(nil, items...)
	if err != nil {
		panic(err)
	}
	return key
}

//---------------------------------- VALUE ENCODING -----------------------------------------

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// mustEncode json encodes v and panics if it fails
func mustEncode(v interface{}) []byte {
	bz, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("unable to marshal: %w", err))
	}
	return bz
}

func mustDecode(bz []byte, v interface{}) {
	if err := json.Unmarshal(bz, v); err != nil {
		panic(fmt.Errorf("unmarshal to %T: %w", v, err))
	}
}

func encodeMarker(height int64) []byte {
	return mustKey(height)
}

func decodeMarker(bz []byte) int64 {
	var height int64
	if _, err := orderedcode.Parse(string(bz), &height); err != nil {
		panic(fmt.Errorf("decoding marker: %w", err))
	}
	return height
}

func loadMarker(db dbm.DB, key []byte) int64 {
	bz, err := db.Get(key)
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return 0
	}
	return decodeMarker(bz)
}

func saveMarker(db dbm.DB, key []byte, height int64) error {
	return db.SetSync(key, encodeMarker(height))
}
