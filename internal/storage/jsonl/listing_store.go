// Package jsonl persists listing records as JSON lines in a single file.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
)

var errClosed = errors.New("listing file closed")

// ListingStore appends one JSON object per line. Item ids already present in the file are
// loaded on open so reruns do not write duplicates.
type ListingStore struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	seen   map[string]struct{}
	logger *zap.Logger
}

// Open creates or reopens the file at path.
func Open(path string, logger *zap.Logger) (*ListingStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sink.file.path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sink dir for %s: %w", path, err)
	}
	seen, err := loadIDs(path, logger)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304 -- operator-supplied output path
	if err != nil {
		return nil, fmt.Errorf("open listing file %s: %w", path, err)
	}
	logger.Named("jsonl").Info("listing file opened",
		zap.String("path", path),
		zap.Int("existing_records", len(seen)),
	)
	return &ListingStore{
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
		seen:   seen,
		logger: logger.Named("jsonl"),
	}, nil
}

func loadIDs(path string, logger *zap.Logger) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	f, err := os.Open(path) // #nosec G304 -- operator-supplied output path
	if errors.Is(err, os.ErrNotExist) {
		return seen, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read listing file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var rec struct {
			ItemID string `json:"item_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.ItemID == "" {
			logger.Warn("skipping unreadable listing line", zap.String("path", path), zap.Int("line", line))
			continue
		}
		seen[rec.ItemID] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan listing file %s: %w", path, err)
	}
	return seen, nil
}

// Path returns the file location.
func (s *ListingStore) Path() string {
	return s.path
}

// Upsert appends record unless its item id was already written.
func (s *ListingStore) Upsert(_ context.Context, record crawler.ListingRecord) (crawler.UpsertResult, error) {
	if record.ItemID == "" {
		return 0, &crawler.PersistenceError{Err: fmt.Errorf("item id is required")}
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return 0, &crawler.PersistenceError{ItemID: record.ItemID, Err: fmt.Errorf("marshal listing: %w", err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, &crawler.PersistenceError{ItemID: record.ItemID, Err: errClosed}
	}
	if _, dup := s.seen[record.ItemID]; dup {
		return crawler.Duplicate, nil
	}
	payload = append(payload, '\n')
	if _, err := s.writer.Write(payload); err != nil {
		return 0, &crawler.PersistenceError{ItemID: record.ItemID, Err: fmt.Errorf("write listing: %w", err)}
	}
	if err := s.writer.Flush(); err != nil {
		return 0, &crawler.PersistenceError{ItemID: record.ItemID, Err: fmt.Errorf("flush listing: %w", err)}
	}
	s.seen[record.ItemID] = struct{}{}
	return crawler.Inserted, nil
}

// Close flushes and closes the file.
func (s *ListingStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return fmt.Errorf("flush listing file: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close listing file: %w", closeErr)
	}
	return nil
}
