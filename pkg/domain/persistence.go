package domain

import (
	"context"
	"encoding/json"
)

// Snapshot is the whole patient collection keyed by id.
type Snapshot map[string]Record

// SnapshotStore loads and saves the whole collection as one unit. Drivers never
// merge: Save replaces whatever was stored before.
type SnapshotStore interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, rec := range s {
		out[id] = rec
	}
	return out
}

// EncodeSnapshot serializes a snapshot as a single JSON object keyed by id.
// A nil snapshot encodes as an empty object.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if s == nil {
		s = Snapshot{}
	}
	return json.Marshal(s)
}

// DecodeSnapshot parses the JSON object written by EncodeSnapshot. Empty input
// yields an empty snapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	snapshot := Snapshot{}
	if len(data) == 0 {
		return snapshot, nil
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	return snapshot, nil
}
