package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
)

type recordKey struct {
	domain     string
	externalID string
}

// RecordStore provides an in-memory idempotent record writer for development/testing.
type RecordStore struct {
	mu       sync.RWMutex
	records  map[recordKey]extract.StoredRecord
	versions map[recordKey][]string
	clock    extract.Clock
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore(clock extract.Clock) *RecordStore {
	return &RecordStore{
		records:  make(map[recordKey]extract.StoredRecord),
		versions: make(map[recordKey][]string),
		clock:    clock,
	}
}

// Upsert stores rec unless the stored version hash already matches.
func (s *RecordStore) Upsert(_ context.Context, rec extract.NormalizedRecord) (extract.WriteResult, error) {
	if rec.SourceDomain == "" || rec.ExternalID == "" {
		return extract.WriteUnchanged, fmt.Errorf("record key is required")
	}
	key := recordKey{domain: rec.SourceDomain, externalID: rec.ExternalID}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Fields = maps.Clone(rec.Fields)
	existing, ok := s.records[key]
	switch {
	case !ok:
		s.records[key] = extract.StoredRecord{NormalizedRecord: rec, CreatedAt: now, UpdatedAt: now}
		s.addVersion(key, rec.VersionHash)
		return extract.WriteCreated, nil
	case existing.VersionHash == rec.VersionHash:
		return extract.WriteUnchanged, nil
	default:
		s.records[key] = extract.StoredRecord{NormalizedRecord: rec, CreatedAt: existing.CreatedAt, UpdatedAt: now}
		s.addVersion(key, rec.VersionHash)
		return extract.WriteUpdated, nil
	}
}

// addVersion keeps the first sighting of each hash, matching the history
// table's primary key. Must be called with s.mu held.
func (s *RecordStore) addVersion(key recordKey, hash string) {
	if !slices.Contains(s.versions[key], hash) {
		s.versions[key] = append(s.versions[key], hash)
	}
}

// GetRecord returns the latest stored version or extract.ErrNotFound.
func (s *RecordStore) GetRecord(_ context.Context, domain, externalID string) (extract.StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{domain: domain, externalID: externalID}]
	if !ok {
		return extract.StoredRecord{}, fmt.Errorf("record %s/%s: %w", domain, externalID, extract.ErrNotFound)
	}
	rec.Fields = maps.Clone(rec.Fields)
	return rec, nil
}

// Versions lists every distinct version hash written for a record, oldest first.
func (s *RecordStore) Versions(domain, externalID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.versions[recordKey{domain: domain, externalID: externalID}]...)
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
