// Package simnet generates deterministic chains and serves them from
// in-memory peers.
package simnet

import (
	"encoding/binary"
	"math/rand"
	"sort"
	"time"

	"github.com/chainkit/chainsync/types"
)

// GenesisHash is the parent hash of the first block of every generated chain.
var GenesisHash = types.HashBytes([]byte("chainsync-genesis"))

var genesisTime = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

// ChainOptions configure NewChain.
type ChainOptions struct {
	Height         int64
	Accounts       int
	Seed           int64
	MaxTxsPerBlock int
}

// Chain is a fully materialized chain. Every header commits to the same
// state root. Read-only after construction and safe for concurrent use.
type Chain struct {
	headers  []*types.Header
	bodies   []*types.Body
	receipts [][]*types.Receipt
	byHash   map[types.Hash]int64

	accounts  []types.Account
	nodes     map[types.Hash][]byte
	stateRoot types.Hash
}

// NewChain generates a chain from opts. The same options always produce the
// same chain.
func NewChain(opts ChainOptions) *Chain {
	if opts.MaxTxsPerBlock <= 0 {
		opts.MaxTxsPerBlock = 4
	}
	rng := rand.New(rand.NewSource(opts.Seed)) // nolint:gosec

	c := &Chain{
		byHash: make(map[types.Hash]int64, opts.Height),
		nodes:  make(map[types.Hash][]byte),
	}
	c.buildState(rng, opts.Accounts)

	parent := GenesisHash
	for height := int64(1); height <= opts.Height; height++ {
		body := &types.Body{}
		receipts := []*types.Receipt{}
		for i := rng.Intn(opts.MaxTxsPerBlock + 1); i > 0; i-- {
			tx := make(types.Tx, 16)
			rng.Read(tx)
			body.Txs = append(body.Txs, tx)
			receipts = append(receipts, &types.Receipt{
				TxHash:  tx.Hash(),
				Success: rng.Intn(10) > 0,
				GasUsed: 21000 + uint64(rng.Intn(50000)),
			})
		}

		h := &types.Header{
			Height:       height,
			ParentHash:   parent,
			StateRoot:    c.stateRoot,
			TxRoot:       body.TxRoot(),
			ReceiptsRoot: types.ReceiptsRoot(receipts),
			Time:         genesisTime.Add(time.Duration(height) * time.Second),
		}
		h.Seal = types.ComputeSeal(h)
		parent = h.Hash()

		c.headers = append(c.headers, h)
		c.bodies = append(c.bodies, body)
		c.receipts = append(c.receipts, receipts)
		c.byHash[parent] = height
	}
	return c
}

// buildState creates the accounts and a trie over them: leaves hold encoded
// accounts in hash order and branches group up to MaxTrieChildren nodes.
func (c *Chain) buildState(rng *rand.Rand, n int) {
	c.accounts = make([]types.Account, n)
	for i := range c.accounts {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], uint64(i))
		c.accounts[i] = types.Account{
			Hash:    types.HashBytes([]byte("account"), key[:]),
			Nonce:   uint64(rng.Intn(100)),
			Balance: uint64(rng.Int63n(1 << 40)),
		}
	}
	sort.Slice(c.accounts, func(i, j int) bool {
		return c.accounts[i].Hash.Compare(c.accounts[j].Hash) < 0
	})

	level := make([]types.Hash, 0, n)
	for _, a := range c.accounts {
		level = append(level, c.addNode(&types.TrieNode{Value: a.Encode()}))
	}
	if len(level) == 0 {
		c.stateRoot = c.addNode(&types.TrieNode{})
		return
	}
	for len(level) > 1 {
		next := make([]types.Hash, 0, len(level)/types.MaxTrieChildren+1)
		for i := 0; i < len(level); i += types.MaxTrieChildren {
			end := i + types.MaxTrieChildren
			if end > len(level) {
				end = len(level)
			}
			children := append([]types.Hash(nil), level[i:end]...)
			next = append(next, c.addNode(&types.TrieNode{Children: children}))
		}
		level = next
	}
	c.stateRoot = level[0]
}

func (c *Chain) addNode(n *types.TrieNode) types.Hash {
	bz := n.Encode()
	h := types.HashBytes(bz)
	c.nodes[h] = bz
	return h
}

// Height returns the height of the tip.
func (c *Chain) Height() int64 { return int64(len(c.headers)) }

// StateRoot returns the root every header commits to.
func (c *Chain) StateRoot() types.Hash { return c.stateRoot }

// Header returns the header at height, or nil.
func (c *Chain) Header(height int64) *types.Header {
	if height < 1 || height > c.Height() {
		return nil
	}
	return c.headers[height-1]
}

// Body returns the body at height, or nil.
func (c *Chain) Body(height int64) *types.Body {
	if height < 1 || height > c.Height() {
		return nil
	}
	return c.bodies[height-1]
}

// Receipts returns the receipts at height, or nil.
func (c *Chain) Receipts(height int64) []*types.Receipt {
	if height < 1 || height > c.Height() {
		return nil
	}
	return c.receipts[height-1]
}

// HeightOf returns the height of the header with the given hash.
func (c *Chain) HeightOf(hash types.Hash) (int64, bool) {
	h, ok := c.byHash[hash]
	return h, ok
}

// Accounts returns every account in hash order. The slice must not be
// modified.
func (c *Chain) Accounts() []types.Account { return c.accounts }

// Node returns an encoded trie node.
func (c *Chain) Node(hash types.Hash) ([]byte, bool) {
	bz, ok := c.nodes[hash]
	return bz, ok
}

// NumNodes returns the size of the state trie.
func (c *Chain) NumNodes() int { return len(c.nodes) }

// AccountRange returns up to max accounts with hashes in [start, limit].
func (c *Chain) AccountRange(root, start, limit types.Hash, max int) []types.Account {
	if root != c.stateRoot || max <= 0 {
		return nil
	}
	i := sort.Search(len(c.accounts), func(i int) bool {
		return c.accounts[i].Hash.Compare(start) >= 0
	})
	var out []types.Account
	for ; i < len(c.accounts) && len(out) < max; i++ {
		if c.accounts[i].Hash.Compare(limit) > 0 {
			break
		}
		out = append(out, c.accounts[i])
	}
	return out
}
