// Package pagestore persists fetched pages under sequence-indexed names,
// each with a companion JSON record, plus a per-run summary.
package pagestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// SummaryName is the object written once at the end of a run.
const SummaryName = "crawl_summary.json"

const (
	htmlContentType = "text/html; charset=utf-8"
	jsonContentType = "application/json"
)

var (
	// ErrIO marks every persistence failure surfaced by the store.
	ErrIO = errors.New("page store io failure")
	// ErrEmptyContent rejects pages without a body.
	ErrEmptyContent = errors.New("empty page content")
)

// IOError describes a failed write for a single page.
type IOError struct {
	URL string
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("page store %s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap exposes both ErrIO and the underlying cause to errors.Is/As.
func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

// BlobStore is the object backend the page store writes through.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Hasher computes content digests for the companion record.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SavedPage is the companion record written next to each page.
type SavedPage struct {
	Index       int       `json:"index"`
	URL         string    `json:"url"`
	ContentPath string    `json:"content_path"`
	ContentURI  string    `json:"content_uri"`
	MetaPath    string    `json:"-"`
	SHA256      string    `json:"sha256"`
	Bytes       int       `json:"bytes"`
	RunID       string    `json:"run_id,omitempty"`
	SavedAt     time.Time `json:"saved_at"`
}

// Summary is the end-of-run record.
type Summary struct {
	RunID       string    `json:"run_id"`
	BaseURL     string    `json:"base_url"`
	Saved       int       `json:"saved"`
	Target      int       `json:"target"`
	Visited     int       `json:"visited"`
	ProxyUsed   bool      `json:"proxy_used"`
	State       string    `json:"state"`
	BudgetMet   bool      `json:"budget_met"`
	Interrupted bool      `json:"interrupted"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Config carries run-scoped settings for the store.
type Config struct {
	RunID string
}

// Store writes pages through a BlobStore.
type Store struct {
	cfg    Config
	blobs  BlobStore
	hasher Hasher
	clock  Clock
	logger *zap.Logger
}

// New builds a Store.
func New(cfg Config, blobs BlobStore, hasher Hasher, clock Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg,
		blobs:  blobs,
		hasher: hasher,
		clock:  clock,
		logger: logger.Named("pagestore"),
	}
}

// Save writes content and its companion record. If the record cannot be
// written the content object is removed again so both appear as a unit.
func (s *Store) Save(ctx context.Context, sourceURL string, content []byte, index int) (SavedPage, error) {
	if len(content) == 0 {
		return SavedPage{}, &IOError{URL: sourceURL, Op: "validate", Err: ErrEmptyContent}
	}
	base, err := BaseName(index, sourceURL)
	if err != nil {
		return SavedPage{}, &IOError{URL: sourceURL, Op: "name", Err: err}
	}
	digest, err := s.hasher.Hash(content)
	if err != nil {
		return SavedPage{}, &IOError{URL: sourceURL, Op: "hash", Err: err}
	}

	page := SavedPage{
		Index:       index,
		URL:         sourceURL,
		ContentPath: base + ".html",
		MetaPath:    base + ".json",
		SHA256:      digest,
		Bytes:       len(content),
		RunID:       s.cfg.RunID,
		SavedAt:     s.clock.Now(),
	}

	uri, err := s.blobs.PutObject(ctx, page.ContentPath, htmlContentType, bytes.NewReader(content))
	if err != nil {
		return SavedPage{}, &IOError{URL: sourceURL, Op: "write content", Err: err}
	}
	page.ContentURI = uri

	record, err := json.MarshalIndent(page, "", "  ")
	if err == nil {
		_, err = s.blobs.PutObject(ctx, page.MetaPath, jsonContentType, bytes.NewReader(record))
	}
	if err != nil {
		if delErr := s.blobs.DeleteObject(ctx, page.ContentPath); delErr != nil {
			s.logger.Warn("Failed to roll back content after record failure",
				zap.String("path", page.ContentPath), zap.Error(delErr))
		}
		return SavedPage{}, &IOError{URL: sourceURL, Op: "write record", Err: err}
	}
	return page, nil
}

// WriteSummary stores the end-of-run summary and returns its URI.
func (s *Store) WriteSummary(ctx context.Context, summary Summary) (string, error) {
	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	uri, err := s.blobs.PutObject(ctx, SummaryName, jsonContentType, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return uri, nil
}
