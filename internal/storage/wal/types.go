package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the incident journal
// ============================================================================

// Entry is one journal record: the full state of an incident right after a
// change. Replaying entries in seq order and keeping the last one per
// incident rebuilds the registry on top of the latest snapshot.
type Entry struct {
	Seq       uint64          `json:"seq"`       // Sequence number (monotonically increasing)
	Kind      string          `json:"kind"`      // Change that produced the entry (reported, confirmed, ...)
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Incident  json.RawMessage `json:"incident"`  // Incident state after the change
	Checksum  uint32          `json:"checksum"`  // CRC32 over seq, kind and incident
}

// Decode returns the incident carried by the entry.
func (e Entry) Decode() (*types.Incident, error) {
	var inc types.Incident
	if err := json.Unmarshal(e.Incident, &inc); err != nil {
		return nil, fmt.Errorf("wal: decode incident at seq=%d: %w", e.Seq, err)
	}
	return &inc, nil
}

// EntryHandler is the function type for processing journal entries.
// Used during Replay to apply entries to system state.
type EntryHandler func(entry Entry) error
