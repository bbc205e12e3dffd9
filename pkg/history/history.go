// Package history is the deploy-history store: an append-only, capped
// JSON-backed log of deploy attempts. It is intentionally not
// transactional — the control plane is a single writer by design.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/ghosthands/pkg/types"
)

// MaxRecords is the maximum number of deploy records retained.
const MaxRecords = 50

// Store is a JSON-file-backed deploy history. All methods are safe for
// concurrent use by a single process (the store is not safe across
// processes, matching the single-writer assumption in the spec).
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store backed by the JSON file at path. Nothing is
// read at construction; every method reads the file afresh.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the history file. Any parse error, non-array payload, or
// missing file yields an empty history rather than an error — the store
// favors availability over surfacing corruption to callers.
func (s *Store) Load() ([]*types.DeployRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() ([]*types.DeployRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return []*types.DeployRecord{}, nil
	}

	var records []*types.DeployRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return []*types.DeployRecord{}, nil
	}
	if records == nil {
		records = []*types.DeployRecord{}
	}
	return records, nil
}

func (s *Store) save(records []*types.DeployRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("history: create dir: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("history: write: %w", err)
	}
	return nil
}

// Append adds record to the history, trimming the oldest entries so the
// retained set never exceeds MaxRecords.
func (s *Store) Append(record *types.DeployRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	records = append(records, record)
	if len(records) > MaxRecords {
		records = records[len(records)-MaxRecords:]
	}
	return s.save(records)
}

// Get returns the record with the given id, or nil if none matches.
func (s *Store) Get(id string) (*types.DeployRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

// LastSuccessful scans from the end of the history and returns the first
// record with status completed, or nil if none exists.
func (s *Store) LastSuccessful() (*types.DeployRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Status == types.DeployStatusCompleted {
			return records[i], nil
		}
	}
	return nil, nil
}

// List returns records newest-first, capped at limit (0 means MaxRecords).
func (s *Store) List(limit int) ([]*types.DeployRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxRecords {
		limit = MaxRecords
	}

	out := make([]*types.DeployRecord, 0, len(records))
	for i := len(records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

// Update rewrites record in place, matched by id, then persists the
// whole file.
func (s *Store) Update(record *types.DeployRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	for i, r := range records {
		if r.ID == record.ID {
			records[i] = record
			return s.save(records)
		}
	}
	return fmt.Errorf("history: record %s not found", record.ID)
}

// NewID generates a new opaque deploy record id.
func NewID() string {
	return uuid.NewString()
}
