// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// ContractStore keeps contract rows in insertion order.
type ContractStore struct {
	mu     sync.RWMutex
	rows   []harvest.ContractRecord
	byBid  map[string]int
	nextID int64
}

// NewContractStore constructs a ContractStore.
func NewContractStore() *ContractStore {
	return &ContractStore{byBid: make(map[string]int)}
}

var _ harvest.ContractStore = (*ContractStore)(nil)

// Migrate is a no-op.
func (s *ContractStore) Migrate(context.Context) error { return nil }

// InsertContracts adds rows whose bid number is not yet stored.
func (s *ContractStore) InsertContracts(_ context.Context, records []harvest.ContractRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, rec := range records {
		if _, exists := s.byBid[rec.BidNumber]; exists {
			continue
		}
		s.nextID++
		rec.ID = s.nextID
		s.byBid[rec.BidNumber] = len(s.rows)
		s.rows = append(s.rows, cloneRecord(rec))
		inserted++
	}
	return inserted, nil
}

// SelectIncomplete returns rows without an artifact link.
func (s *ContractStore) SelectIncomplete(context.Context) ([]harvest.ContractRecord, error) {
	return s.filter(harvest.ContractRecord.Incomplete), nil
}

// SelectUnenriched returns downloaded rows with no seller field set.
func (s *ContractStore) SelectUnenriched(context.Context) ([]harvest.ContractRecord, error) {
	return s.filter(func(r harvest.ContractRecord) bool {
		return !r.Incomplete() && r.Unenriched()
	}), nil
}

// UpdateArtifactLink records where the artifact for bidNo was saved.
func (s *ContractStore) UpdateArtifactLink(_ context.Context, bidNo, link string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byBid[bidNo]
	if !ok {
		return fmt.Errorf("update artifact link %s: %w", bidNo, harvest.ErrNotFound)
	}
	s.rows[idx].ArtifactLink = &link
	return nil
}

// UpdateSellerInfo writes the extracted seller fields for bidNo.
func (s *ContractStore) UpdateSellerInfo(_ context.Context, bidNo string, info harvest.SellerInfo) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byBid[bidNo]
	if !ok {
		return false, nil
	}
	row := &s.rows[idx]
	row.SellerID = ptr(info.SellerID)
	row.SellerName = ptr(info.SellerName)
	row.SellerEmail = ptr(info.SellerEmail)
	row.UnitPrice = ptr(info.UnitPrice)
	return true, nil
}

// Counts summarises progress.
func (s *ContractStore) Counts(context.Context) (harvest.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := harvest.Counts{Total: len(s.rows)}
	for _, r := range s.rows {
		if r.Incomplete() {
			c.Incomplete++
		} else if r.Unenriched() {
			c.Unenriched++
		}
	}
	return c, nil
}

// Get returns a copy of the row for bidNo.
func (s *ContractStore) Get(bidNo string) (harvest.ContractRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byBid[bidNo]
	if !ok {
		return harvest.ContractRecord{}, false
	}
	return cloneRecord(s.rows[idx]), true
}

// Close is a no-op.
func (s *ContractStore) Close() error { return nil }

func (s *ContractStore) filter(keep func(harvest.ContractRecord) bool) []harvest.ContractRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.ContractRecord
	for _, r := range s.rows {
		if keep(r) {
			out = append(out, cloneRecord(r))
		}
	}
	return out
}

func cloneRecord(r harvest.ContractRecord) harvest.ContractRecord {
	r.ArtifactLink = clonePtr(r.ArtifactLink)
	r.SellerID = clonePtr(r.SellerID)
	r.SellerName = clonePtr(r.SellerName)
	r.SellerEmail = clonePtr(r.SellerEmail)
	r.UnitPrice = clonePtr(r.UnitPrice)
	return r
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr(v string) *string { return &v }
