package peers

import (
	"context"
	"strings"

	"github.com/chainkit/chainsync/types"
)

// SyncPeer is a remote peer session able to serve chain data. Every call
// must honor ctx cancellation.
//
//go:generate mockery --case underscore --name SyncPeer
type SyncPeer interface {
	ID() types.PeerID

	// GetBlockHeaders returns up to count consecutive headers starting at
	// start, ascending.
	GetBlockHeaders(ctx context.Context, start int64, count int) ([]*types.Header, error)

	// GetBlockBodies returns the bodies of the blocks with the given header
	// hashes, in order. The response may be a prefix of the request.
	GetBlockBodies(ctx context.Context, hashes []types.Hash) ([]*types.Body, error)

	// GetReceipts returns the receipts of the blocks with the given header
	// hashes, in order. The response may be a prefix of the request.
	GetReceipts(ctx context.Context, hashes []types.Hash) ([][]*types.Receipt, error)

	// GetNodeData returns encoded trie nodes by hash. Entries the peer does
	// not have are nil; the response may be a prefix of the request.
	GetNodeData(ctx context.Context, hashes []types.Hash) ([][]byte, error)

	// GetAccountRange returns up to max accounts under root with hashes in
	// [start, limit], ascending.
	GetAccountRange(ctx context.Context, root, start, limit types.Hash, max int) ([]types.Account, error)
}

// Capabilities is the set of request kinds a peer serves.
type Capabilities uint8

const (
	CapBlocks Capabilities = 1 << iota
	CapReceipts
	CapNodeData
	CapSnap

	CapNone Capabilities = 0
	CapAll               = CapBlocks | CapReceipts | CapNodeData | CapSnap
)

// Has reports whether every capability in o is present.
func (c Capabilities) Has(o Capabilities) bool { return c&o == o }

func (c Capabilities) String() string {
	var parts []string
	for _, n := range []struct {
		c    Capabilities
		name string
	}{{CapBlocks, "blocks"}, {CapReceipts, "receipts"}, {CapNodeData, "nodedata"}, {CapSnap, "snap"}} {
		if c.Has(n.c) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// PeerInfo is a point-in-time snapshot of a pooled peer. It is a value; the
// pool never hands out references to its records.
type PeerInfo struct {
	ID           types.PeerID
	Height       int64
	Capabilities Capabilities
	InFlight     int
	Score        int64
}
