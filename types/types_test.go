package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncModeString(t *testing.T) {
	testCases := []struct {
		mode SyncMode
		want string
	}{
		{SyncModeNone, "None"},
		{SyncModeFull, "Full"},
		{SyncModeFastBlocks | SyncModeFastSync, "FastSync|FastBlocks"},
		{SyncModeSnap | SyncModeStateNodes | SyncModeFull, "Full|StateNodes|Snap"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, tc.mode.String())
	}
}

func TestSyncModeHas(t *testing.T) {
	m := SyncModeFull.With(SyncModeSnap)
	assert.True(t, m.Has(SyncModeFull))
	assert.True(t, m.Has(SyncModeSnap))
	assert.False(t, m.Has(SyncModeFastSync))
	assert.False(t, m.Has(SyncModeNone))
	assert.False(t, m.Without(SyncModeSnap).Has(SyncModeSnap))
}

func TestHashNext(t *testing.T) {
	var h Hash
	h[HashSize-1] = 0xff
	next, ok := h.Next()
	require.True(t, ok)
	assert.Equal(t, byte(1), next[HashSize-2])
	assert.Equal(t, byte(0), next[HashSize-1])

	_, ok = MaxHash.Next()
	assert.False(t, ok)
}

func TestHashText(t *testing.T) {
	h := HashBytes([]byte("foo"))
	text, err := h.MarshalText()
	require.NoError(t, err)

	var parsed Hash
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, h, parsed)

	require.Error(t, parsed.UnmarshalText([]byte("abcd")))
}

func TestHeaderSeal(t *testing.T) {
	h := &Header{
		Height:     7,
		ParentHash: HashBytes([]byte("parent")),
		TxRoot:     EmptyRoot,
		Time:       time.Unix(1000, 0),
	}
	h.Seal = ComputeSeal(h)
	require.NoError(t, h.ValidateBasic())

	before := h.Hash()
	h.Height = 8
	assert.NotEqual(t, before, h.Hash())
	assert.NotEqual(t, h.Seal, ComputeSeal(h))
}

func TestTrieNodeEncoding(t *testing.T) {
	branch := &TrieNode{Children: []Hash{HashBytes([]byte("a")), HashBytes([]byte("b"))}}
	decoded, err := DecodeTrieNode(branch.Encode())
	require.NoError(t, err)
	assert.Equal(t, branch.Children, decoded.Children)
	assert.False(t, decoded.IsLeaf())

	leaf := &TrieNode{Value: Account{Nonce: 1, Balance: 2}.Encode()}
	decoded, err = DecodeTrieNode(leaf.Encode())
	require.NoError(t, err)
	require.True(t, decoded.IsLeaf())
	acc, err := DecodeAccount(decoded.Value)
	require.NoError(t, err)
	assert.EqualValues(t, 2, acc.Balance)

	_, err = DecodeTrieNode(nil)
	require.Error(t, err)
	_, err = DecodeTrieNode([]byte{3, 1, 2})
	require.Error(t, err)
}

func TestBodyTxRoot(t *testing.T) {
	assert.Equal(t, EmptyRoot, (&Body{}).TxRoot())
	a := &Body{Txs: []Tx{[]byte("x"), []byte("y")}}
	b := &Body{Txs: []Tx{[]byte("y"), []byte("x")}}
	assert.NotEqual(t, a.TxRoot(), b.TxRoot())
}
