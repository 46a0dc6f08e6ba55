package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Account is a leaf of the account trie, addressed by the hash of its key.
type Account struct {
	Hash    Hash   `json:"hash"`
	Nonce   uint64 `json:"nonce"`
	Balance uint64 `json:"balance"`
}

// Encode returns the leaf value stored for the account.
func (a Account) Encode() []byte {
	buf := make([]byte, 0, HashSize+16)
	buf = append(buf, a.Hash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, a.Nonce)
	return binary.BigEndian.AppendUint64(buf, a.Balance)
}

// DecodeAccount is the inverse of Account.Encode.
func DecodeAccount(bz []byte) (Account, error) {
	var a Account
	if len(bz) != HashSize+16 {
		return a, fmt.Errorf("invalid account encoding length %d", len(bz))
	}
	copy(a.Hash[:], bz[:HashSize])
	a.Nonce = binary.BigEndian.Uint64(bz[HashSize:])
	a.Balance = binary.BigEndian.Uint64(bz[HashSize+8:])
	return a, nil
}

// MaxTrieChildren bounds the fan-out of a branch node.
const MaxTrieChildren = 16

var errEmptyTrieNode = errors.New("empty trie node")

// TrieNode is either a branch (children set) or a leaf (value set).
//
// Encoding: one byte child count, the child hashes, then the value.
type TrieNode struct {
	Children []Hash
	Value    []byte
}

func (n *TrieNode) IsLeaf() bool { return len(n.Children) == 0 }

func (n *TrieNode) Encode() []byte {
	buf := make([]byte, 0, 1+len(n.Children)*HashSize+len(n.Value))
	buf = append(buf, byte(len(n.Children)))
	for _, c := range n.Children {
		buf = append(buf, c[:]...)
	}
	return append(buf, n.Value...)
}

func (n *TrieNode) Hash() Hash { return HashBytes(n.Encode()) }

// DecodeTrieNode parses an encoded node.
func DecodeTrieNode(bz []byte) (*TrieNode, error) {
	if len(bz) == 0 {
		return nil, errEmptyTrieNode
	}
	count := int(bz[0])
	if count > MaxTrieChildren {
		return nil, fmt.Errorf("trie node has %d children, max %d", count, MaxTrieChildren)
	}
	if len(bz) < 1+count*HashSize {
		return nil, fmt.Errorf("trie node truncated: %d bytes for %d children", len(bz), count)
	}
	n := &TrieNode{}
	if count > 0 {
		n.Children = make([]Hash, count)
		for i := range n.Children {
			copy(n.Children[i][:], bz[1+i*HashSize:])
		}
	}
	if rest := bz[1+count*HashSize:]; len(rest) > 0 {
		n.Value = append([]byte(nil), rest...)
	}
	return n, nil
}
