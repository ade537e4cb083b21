package crawler

import (
	"context"
	"io"
	"time"
)

// Renderer loads a URL (through the requested proxy) and returns the rendered DOM.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderedPage, error)
}

// Snapshotter captures a visual snapshot (PNG) of a URL's current page state.
type Snapshotter interface {
	Screenshot(ctx context.Context, req RenderRequest) ([]byte, error)
}

// UpsertResult reports whether a record was written or already present.
type UpsertResult int

// Upsert results.
const (
	Inserted UpsertResult = iota + 1
	Duplicate
)

// String returns the metric label for the result.
func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// ListingSink persists listing records keyed by item id.
type ListingSink interface {
	Upsert(ctx context.Context, record ListingRecord) (UpsertResult, error)
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests used to name artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
