package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Header is the part of a block that is linked into the chain by ParentHash.
type Header struct {
	Height       int64     `json:"height"`
	ParentHash   Hash      `json:"parent_hash"`
	StateRoot    Hash      `json:"state_root"`
	TxRoot       Hash      `json:"tx_root"`
	ReceiptsRoot Hash      `json:"receipts_root"`
	Time         time.Time `json:"time"`
	Seal         []byte    `json:"seal"`
}

// SealHash is the digest of every header field except the seal.
func (h *Header) SealHash() Hash {
	buf := make([]byte, 8, 8+4*HashSize+8)
	binary.BigEndian.PutUint64(buf, uint64(h.Height))
	buf = append(buf, h.ParentHash[:]...)
	buf = append(buf, h.StateRoot[:]...)
	buf = append(buf, h.TxRoot[:]...)
	buf = append(buf, h.ReceiptsRoot[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.Time.UnixNano()))
	return HashBytes(buf)
}

// Hash returns the header hash, which covers the seal.
func (h *Header) Hash() Hash {
	if h == nil {
		return Hash{}
	}
	sh := h.SealHash()
	return HashBytes(sh[:], h.Seal)
}

// ComputeSeal returns the seal a correctly produced header must carry.
func ComputeSeal(h *Header) []byte {
	sh := h.SealHash()
	seal := HashBytes([]byte("seal"), sh[:])
	return seal[:]
}

// ValidateBasic performs checks that need no chain context.
func (h *Header) ValidateBasic() error {
	if h == nil {
		return errors.New("nil header")
	}
	if h.Height < 0 {
		return fmt.Errorf("negative height %d", h.Height)
	}
	if h.Height > 0 && h.ParentHash.IsZero() {
		return fmt.Errorf("header %d has no parent hash", h.Height)
	}
	if len(h.Seal) != HashSize {
		return fmt.Errorf("header %d: wrong seal size %d", h.Height, len(h.Seal))
	}
	return nil
}

func (h *Header) String() string {
	if h == nil {
		return "nil-Header"
	}
	return fmt.Sprintf("Header{#%d %s}", h.Height, h.Hash().ShortString())
}

// Tx is an opaque transaction.
type Tx []byte

func (tx Tx) Hash() Hash { return HashBytes(tx) }

// Body holds the transactions of a block.
type Body struct {
	Txs []Tx `json:"txs"`
}

// TxRoot commits to the ordered transaction hashes of the body.
func (b *Body) TxRoot() Hash {
	if b == nil || len(b.Txs) == 0 {
		return EmptyRoot
	}
	hashes := make([][]byte, len(b.Txs))
	for i, tx := range b.Txs {
		h := tx.Hash()
		hashes[i] = h[:]
	}
	return HashBytes(hashes...)
}

// Block is a header with its body.
type Block struct {
	Header *Header `json:"header"`
	Body   *Body   `json:"body"`
}

func (b *Block) Height() int64 { return b.Header.Height }

func (b *Block) Hash() Hash { return b.Header.Hash() }

// Receipt records the outcome of a transaction.
type Receipt struct {
	TxHash  Hash   `json:"tx_hash"`
	Success bool   `json:"success"`
	GasUsed uint64 `json:"gas_used"`
}

func (r *Receipt) bytes() []byte {
	buf := make([]byte, 0, HashSize+9)
	buf = append(buf, r.TxHash[:]...)
	if r.Success {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return binary.BigEndian.AppendUint64(buf, r.GasUsed)
}

// ReceiptsRoot commits to an ordered list of receipts.
func ReceiptsRoot(receipts []*Receipt) Hash {
	if len(receipts) == 0 {
		return EmptyRoot
	}
	parts := make([][]byte, len(receipts))
	for i, r := range receipts {
		parts[i] = r.bytes()
	}
	return HashBytes(parts...)
}
