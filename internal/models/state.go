package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SyncEntry records what was last uploaded for a single path.
type SyncEntry struct {
	Fingerprint string `json:"fingerprint"`
	RemoteID    string `json:"remote_id,omitempty"`
}

// HasRemoteID reports whether the entry can be used as a delete target.
func (e SyncEntry) HasRemoteID() bool {
	return strings.TrimSpace(e.RemoteID) != ""
}

// Snapshot is the persisted path -> entry mapping from the last completed run.
//
// On disk it is a flat JSON object keyed by path. Older state files stored
// the fingerprint as a bare string; those load as entries without a
// remote ID.
type Snapshot struct {
	Entries map[string]SyncEntry
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Entries: make(map[string]SyncEntry),
	}
}

// Get returns the entry for a path.
func (s *Snapshot) Get(path string) (SyncEntry, bool) {
	if s == nil || s.Entries == nil {
		return SyncEntry{}, false
	}
	entry, ok := s.Entries[path]
	return entry, ok
}

// Put adds or replaces the entry for a path.
func (s *Snapshot) Put(path string, entry SyncEntry) {
	if s.Entries == nil {
		s.Entries = make(map[string]SyncEntry)
	}
	s.Entries[path] = entry
}

// Remove drops the entry for a path.
func (s *Snapshot) Remove(path string) {
	if s.Entries != nil {
		delete(s.Entries, path)
	}
}

// Has checks if a path is tracked.
func (s *Snapshot) Has(path string) bool {
	_, ok := s.Get(path)
	return ok
}

// Len returns the number of tracked paths.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entries)
}

// Paths returns the tracked paths in sorted order.
func (s *Snapshot) Paths() []string {
	if s == nil {
		return nil
	}
	paths := make([]string, 0, len(s.Entries))
	for path := range s.Entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// RemoteIDs returns the set of known remote IDs.
func (s *Snapshot) RemoteIDs() map[string]string {
	ids := make(map[string]string)
	if s == nil {
		return ids
	}
	for path, entry := range s.Entries {
		if entry.HasRemoteID() {
			ids[entry.RemoteID] = path
		}
	}
	return ids
}

// Clone creates a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	clone := NewSnapshot()
	if s == nil {
		return clone
	}
	for path, entry := range s.Entries {
		clone.Entries[path] = entry
	}
	return clone
}

// Validate checks the snapshot structure.
func (s *Snapshot) Validate() error {
	if s.Entries == nil {
		return fmt.Errorf("entries map cannot be nil")
	}

	for path, entry := range s.Entries {
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("entry path cannot be empty")
		}

		if strings.TrimSpace(entry.Fingerprint) == "" {
			return fmt.Errorf("fingerprint cannot be empty for path: %s", path)
		}

		// SHA-256 hex is 64 chars; leave room for other digests.
		if len(entry.Fingerprint) < 8 || len(entry.Fingerprint) > 128 {
			return fmt.Errorf("fingerprint has invalid length for path %s: %d", path, len(entry.Fingerprint))
		}
	}

	return nil
}

// MarshalJSON writes the flat path -> entry object.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	entries := s.Entries
	if entries == nil {
		entries = map[string]SyncEntry{}
	}
	return json.Marshal(entries)
}

// UnmarshalJSON reads both the current and the legacy string format.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	entries := make(map[string]SyncEntry, len(raw))
	for path, value := range raw {
		var legacy string
		if err := json.Unmarshal(value, &legacy); err == nil {
			entries[path] = SyncEntry{Fingerprint: legacy}
			continue
		}

		var entry SyncEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("entry %s: %w", path, err)
		}
		entries[path] = entry
	}

	s.Entries = entries
	return nil
}
