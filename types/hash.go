package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashSize is the size in bytes of a Hash.
const HashSize = sha256.Size

// Hash is a sha256 digest identifying headers, trie nodes and accounts.
type Hash [HashSize]byte

// EmptyRoot is the root of an empty list of transactions or receipts.
var EmptyRoot = HashBytes()

// HashBytes returns the sha256 digest of the concatenation of bz.
func HashBytes(bz ...[]byte) Hash {
	h := sha256.New()
	for _, b := range bz {
		h.Write(b)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashFromHex parses a hex encoded hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	bz, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(bz) != HashSize {
		return h, fmt.Errorf("invalid hash length %d, expected %d", len(bz), HashSize)
	}
	copy(h[:], bz)
	return h, nil
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) Compare(o Hash) int { return bytes.Compare(h[:], o[:]) }

// Next returns h+1 interpreted as a big-endian integer. The second return
// value is false if h is the largest hash.
func (h Hash) Next() (Hash, bool) {
	for i := HashSize - 1; i >= 0; i-- {
		h[i]++
		if h[i] != 0 {
			return h, true
		}
	}
	return h, false
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns the first 8 hex characters, for logging.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:4])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// MaxHash is the largest possible hash value.
var MaxHash = func() Hash {
	var h Hash
	for i := range h {
		h[i] = 0xff
	}
	return h
}()
