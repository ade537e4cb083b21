package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
)

// ListingStore keeps listing records in a map keyed by item id.
type ListingStore struct {
	mu      sync.RWMutex
	records map[string]crawler.ListingRecord
	closed  bool
}

// NewListingStore constructs an empty store.
func NewListingStore() *ListingStore {
	return &ListingStore{records: make(map[string]crawler.ListingRecord)}
}

// Upsert stores record unless its item id is already present.
func (s *ListingStore) Upsert(_ context.Context, record crawler.ListingRecord) (crawler.UpsertResult, error) {
	if record.ItemID == "" {
		return 0, &crawler.PersistenceError{Err: errMissingID}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, &crawler.PersistenceError{ItemID: record.ItemID, Err: errClosed}
	}
	if _, exists := s.records[record.ItemID]; exists {
		return crawler.Duplicate, nil
	}
	s.records[record.ItemID] = record
	return crawler.Inserted, nil
}

// Get returns the record stored for itemID.
func (s *ListingStore) Get(itemID string) (crawler.ListingRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[itemID]
	return rec, ok
}

// Len returns the number of stored records.
func (s *ListingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns every stored record ordered by item id.
func (s *ListingStore) Records() []crawler.ListingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.ListingRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// Close rejects further writes.
func (s *ListingStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
