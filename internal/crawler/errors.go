package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPoolExhausted is returned when no egress endpoint can serve a request.
	ErrPoolExhausted = errors.New("egress pool exhausted")
	// ErrMissingQuery is returned when a crawl is started without a search query.
	ErrMissingQuery = errors.New("search query is required")
)

// ErrorCategory labels a failure for diagnostics and metrics.
type ErrorCategory string

// Error categories.
const (
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryBlocked       ErrorCategory = "blocked"
	CategoryHTTP          ErrorCategory = "http_error"
	CategoryTransport     ErrorCategory = "transport"
	CategoryExtraction    ErrorCategory = "extraction"
	CategoryPersistence   ErrorCategory = "persistence"
	CategoryPoolExhausted ErrorCategory = "pool_exhausted"
	CategoryCanceled      ErrorCategory = "canceled"
	CategoryUnknown       ErrorCategory = "unknown"
)

// FetchErrorKind classifies a failed fetch attempt.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchTimeout   FetchErrorKind = "timeout"
	FetchBlocked   FetchErrorKind = "blocked"
	FetchHTTP      FetchErrorKind = "http"
	FetchTransport FetchErrorKind = "transport"
)

// FetchError is the classified outcome of a failed fetch attempt.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	Egress     string
	StatusCode int
	Reason     string
	Retry      bool
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	return e.Retry
}

// ExtractionError reports required fields that could not be located on a page.
type ExtractionError struct {
	URL           string
	SchemaVersion string
	Fields        []string
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s (schema %s): missing required field(s) %s",
		e.URL, e.SchemaVersion, strings.Join(e.Fields, ", "))
}

// Field returns the first missing field.
func (e *ExtractionError) Field() string {
	if len(e.Fields) == 0 {
		return ""
	}
	return e.Fields[0]
}

// PersistenceError wraps a storage-layer fault for one record.
type PersistenceError struct {
	ItemID string
	Err    error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist item %s: %v", e.ItemID, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Category maps an error onto the failure taxonomy.
func Category(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	var fetchErr *FetchError
	var extractErr *ExtractionError
	var persistErr *PersistenceError
	switch {
	case errors.As(err, &fetchErr):
		switch fetchErr.Kind {
		case FetchTimeout:
			return CategoryTimeout
		case FetchBlocked:
			return CategoryBlocked
		case FetchHTTP:
			return CategoryHTTP
		default:
			return CategoryTransport
		}
	case errors.As(err, &extractErr):
		return CategoryExtraction
	case errors.As(err, &persistErr):
		return CategoryPersistence
	case errors.Is(err, ErrPoolExhausted):
		return CategoryPoolExhausted
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	default:
		return CategoryUnknown
	}
}
