// Package archive stores raw search and detail pages next to the parsed records.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/court-records-scraper/internal/court"
)

// Page kinds used in object names.
const (
	KindSearch = "search"
	KindDetail = "detail"
)

// Archiver writes pages to a blob store under content-addressed names.
// A nil *Archiver is valid and archives nothing.
type Archiver struct {
	store       court.BlobStore
	hasher      court.Hasher
	prefix      string
	contentType string
	logger      *zap.Logger
}

// New builds an Archiver. prefix defaults to "pages".
func New(store court.BlobStore, hasher court.Hasher, prefix, contentType string, logger *zap.Logger) *Archiver {
	if prefix == "" {
		prefix = "pages"
	}
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, hasher: hasher, prefix: prefix, contentType: contentType, logger: logger}
}

// ObjectPath returns {prefix}/{category}/{runID}/{kind}-{digest}.html.
func ObjectPath(prefix string, cat court.Category, runID, kind, digest string) string {
	return path.Join(prefix, string(cat), runID, kind+"-"+digest+".html")
}

// Put stores one page body and returns its URI.
func (a *Archiver) Put(ctx context.Context, cat court.Category, runID, kind string, page court.Page) (string, error) {
	if a == nil || a.store == nil {
		return "", nil
	}
	digest, err := a.hasher.Hash(page.Body)
	if err != nil {
		return "", fmt.Errorf("hash %s page: %w", kind, err)
	}
	uri, err := a.store.PutObject(ctx, ObjectPath(a.prefix, cat, runID, kind, digest), a.contentType, bytes.NewReader(page.Body))
	if err != nil {
		return "", fmt.Errorf("archive %s page: %w", kind, err)
	}
	return uri, nil
}

// Record archives a page and logs rather than returns failures.
func (a *Archiver) Record(ctx context.Context, cat court.Category, runID, kind string, page court.Page) {
	if a == nil || a.store == nil {
		return
	}
	uri, err := a.Put(ctx, cat, runID, kind, page)
	if err != nil {
		a.logger.Warn("page archive failed",
			zap.String("category", string(cat)),
			zap.String("run_id", runID),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return
	}
	a.logger.Debug("page archived", zap.String("kind", kind), zap.String("uri", uri))
}

// Source wraps src so every successfully fetched detail page is archived.
func (a *Archiver) Source(src court.DetailSource, cat court.Category, runID string) court.DetailSource {
	if a == nil || a.store == nil {
		return src
	}
	return &archivingSource{next: src, archiver: a, category: cat, runID: runID}
}

type archivingSource struct {
	next     court.DetailSource
	archiver *Archiver
	category court.Category
	runID    string
}

func (s *archivingSource) FetchDetail(ctx context.Context, id court.CaseIdentifier) (court.Page, error) {
	page, err := s.next.FetchDetail(ctx, id)
	if err != nil {
		return page, err
	}
	s.archiver.Record(ctx, s.category, s.runID, KindDetail, page)
	return page, nil
}
