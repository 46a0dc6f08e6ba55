// Package validation checks downloaded chain data before it is stored.
package validation

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/chainkit/chainsync/types"
)

var (
	// ErrInvalidSeal is returned for headers whose seal does not match their
	// contents.
	ErrInvalidSeal = errors.New("invalid seal")
	// ErrInvalidBlock wraps every other validation failure.
	ErrInvalidBlock = errors.New("invalid block")
)

// SealValidator checks the producer seal of a header.
type SealValidator interface {
	ValidateSeal(h *types.Header) error
}

// BlockValidator accepts or rejects downloaded headers, bodies and receipts.
// A rejection means the serving peer sent bad data.
type BlockValidator interface {
	// ValidateHeader checks h on its own and, if parent is not nil, its
	// linkage to parent.
	ValidateHeader(h, parent *types.Header) error
	ValidateBody(h *types.Header, body *types.Body) error
	ValidateReceipts(h *types.Header, receipts []*types.Receipt) error
}

// HashSeal verifies seals produced by types.ComputeSeal.
type HashSeal struct{}

var _ SealValidator = HashSeal{}

func (HashSeal) ValidateSeal(h *types.Header) error {
	if h == nil {
		return fmt.Errorf("%w: nil header", ErrInvalidSeal)
	}
	if !bytes.Equal(h.Seal, types.ComputeSeal(h)) {
		return fmt.Errorf("%w: header %d", ErrInvalidSeal, h.Height)
	}
	return nil
}

// Validator is the default BlockValidator.
type Validator struct {
	seal SealValidator
}

var _ BlockValidator = (*Validator)(nil)

// NewBlockValidator returns a validator using seal for the seal check.
func NewBlockValidator(seal SealValidator) *Validator {
	return &Validator{seal: seal}
}

func (v *Validator) ValidateHeader(h, parent *types.Header) error {
	if err := h.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if err := v.seal.ValidateSeal(h); err != nil {
		return err
	}
	if parent == nil {
		return nil
	}
	if h.Height != parent.Height+1 {
		return fmt.Errorf("%w: wrong height. Expected %d, got %d",
			ErrInvalidBlock, parent.Height+1, h.Height)
	}
	if ph := parent.Hash(); h.ParentHash != ph {
		return fmt.Errorf("%w: header %d has parent %v, expected %v",
			ErrInvalidBlock, h.Height, h.ParentHash.ShortString(), ph.ShortString())
	}
	if h.Time.Before(parent.Time) {
		return fmt.Errorf("%w: header %d time %v before parent time %v",
			ErrInvalidBlock, h.Height, h.Time, parent.Time)
	}
	return nil
}

func (v *Validator) ValidateBody(h *types.Header, body *types.Body) error {
	if body == nil {
		return fmt.Errorf("%w: nil body for header %d", ErrInvalidBlock, h.Height)
	}
	if root := body.TxRoot(); root != h.TxRoot {
		return fmt.Errorf("%w: wrong tx root for header %d. Expected %v, got %v",
			ErrInvalidBlock, h.Height, h.TxRoot.ShortString(), root.ShortString())
	}
	return nil
}

func (v *Validator) ValidateReceipts(h *types.Header, receipts []*types.Receipt) error {
	for i, r := range receipts {
		if r == nil {
			return fmt.Errorf("%w: nil receipt %d for header %d", ErrInvalidBlock, i, h.Height)
		}
	}
	if root := types.ReceiptsRoot(receipts); root != h.ReceiptsRoot {
		return fmt.Errorf("%w: wrong receipts root for header %d. Expected %v, got %v",
			ErrInvalidBlock, h.Height, h.ReceiptsRoot.ShortString(), root.ShortString())
	}
	return nil
}

// ValidateChain validates consecutive headers, the first against parent
// (which may be nil).
func ValidateChain(v BlockValidator, parent *types.Header, headers []*types.Header) error {
	for _, h := range headers {
		if err := v.ValidateHeader(h, parent); err != nil {
			return err
		}
		parent = h
	}
	return nil
}
