package types

import (
	"errors"
	"regexp"
)

// PeerID identifies a remote peer session.
type PeerID string

var rePeerID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Validate checks that the id is non-empty and printable.
func (id PeerID) Validate() error {
	if id == "" {
		return errors.New("empty peer ID")
	}
	if !rePeerID.MatchString(string(id)) {
		return errors.New("peer ID contains invalid characters")
	}
	return nil
}

func (id PeerID) String() string { return string(id) }
