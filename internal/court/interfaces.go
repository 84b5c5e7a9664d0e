package court

import (
	"context"
	"io"
	"time"
)

// DetailSource fetches the detail page for one case.
type DetailSource interface {
	FetchDetail(ctx context.Context, id CaseIdentifier) (Page, error)
}

// CaseRepository persists case records keyed by their natural key.
type CaseRepository interface {
	Exists(ctx context.Context, category Category, key string) (bool, error)
	Create(ctx context.Context, record CaseRecord) (PersistedCase, error)
	Update(ctx context.Context, record CaseRecord) (PersistedCase, error)
	Get(ctx context.Context, category Category, key string) (PersistedCase, error)
	List(ctx context.Context, category Category, skip, limit int) ([]PersistedCase, error)
}

// AuditLog stores one entry per scrape run.
type AuditLog interface {
	Append(ctx context.Context, entry ScrapingLogEntry) error
	ListLogs(ctx context.Context, category Category, skip, limit int) ([]ScrapingLogEntry, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for archive naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces surrogate keys and run ids.
type IDGenerator interface {
	NewID() (string, error)
}
