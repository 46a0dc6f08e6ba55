package types

import "strings"

// SyncMode is a set of acquisition strategies that currently apply. Several
// bits may be set at once.
type SyncMode uint32

// SyncModeNone means no pipeline should produce work.
const SyncModeNone SyncMode = 0

const (
	SyncModeFull SyncMode = 1 << iota
	SyncModeFastSync
	SyncModeFastBlocks
	SyncModeStateNodes
	SyncModeSnap
)

var syncModeNames = []struct {
	mode SyncMode
	name string
}{
	{SyncModeFull, "Full"},
	{SyncModeFastSync, "FastSync"},
	{SyncModeFastBlocks, "FastBlocks"},
	{SyncModeStateNodes, "StateNodes"},
	{SyncModeSnap, "Snap"},
}

// Has reports whether every bit of o is set in m.
func (m SyncMode) Has(o SyncMode) bool { return o != SyncModeNone && m&o == o }

func (m SyncMode) With(o SyncMode) SyncMode { return m | o }

func (m SyncMode) Without(o SyncMode) SyncMode { return m &^ o }

func (m SyncMode) String() string {
	if m == SyncModeNone {
		return "None"
	}
	parts := make([]string, 0, len(syncModeNames))
	for _, n := range syncModeNames {
		if m.Has(n.mode) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
