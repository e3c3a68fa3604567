// Package templatestore fetches and parses named configuration documents
// from local or remote locations. It is pure data access: no merge logic,
// no interpretation beyond structural parsing.
package templatestore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/configdoc"
)

// ObjectReader reads a single object from bucket storage. It exists so tests
// can run without a real storage backend.
type ObjectReader interface {
	ReadObject(ctx context.Context, bucket, object string) ([]byte, error)
}

// Store loads configuration documents by URI.
type Store interface {
	// Load fetches every location in order. It fails on the first location
	// that cannot be read (ErrSourceUnavailable) or parsed
	// (ErrMalformedDocument); the caller decides whether a missing optional
	// location is tolerable.
	Load(ctx context.Context, locations []string) ([]configdoc.Document, error)

	// ClearCache drops all cached documents.
	ClearCache()
}

type store struct {
	objects ObjectReader
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[string]configdoc.Document
}

// New creates a Store that resolves gs:// locations through objects and
// everything else through the local filesystem. Documents are cached by
// location for the process lifetime; the cache is write-once per key.
func New(objects ObjectReader, logger *zap.Logger) Store {
	return &store{
		objects: objects,
		logger:  logger.Named("template-store"),
		cache:   make(map[string]configdoc.Document),
	}
}

func (s *store) Load(ctx context.Context, locations []string) ([]configdoc.Document, error) {
	docs := make([]configdoc.Document, 0, len(locations))
	for _, location := range locations {
		doc, err := s.load(ctx, location)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *store) load(ctx context.Context, location string) (configdoc.Document, error) {
	s.mu.RLock()
	doc, ok := s.cache[location]
	s.mu.RUnlock()
	if ok {
		return doc, nil
	}

	raw, err := s.fetch(ctx, location)
	if err != nil {
		return configdoc.Document{}, fmt.Errorf("%s: %w: %v", location, ErrSourceUnavailable, err)
	}

	root, err := configdoc.FromYAML(raw)
	if err != nil {
		return configdoc.Document{}, fmt.Errorf("%s: %w: %v", location, ErrMalformedDocument, err)
	}

	doc = configdoc.Document{Source: location, Root: root}

	s.mu.Lock()
	// Another Load may have raced us here; the parse is deterministic so
	// either copy is equivalent.
	if cached, ok := s.cache[location]; ok {
		doc = cached
	} else {
		s.cache[location] = doc
	}
	s.mu.Unlock()

	s.logger.Debug("Loaded template document", zap.String("location", location))
	return doc, nil
}

func (s *store) fetch(ctx context.Context, location string) ([]byte, error) {
	switch {
	case strings.HasPrefix(location, "gs://"):
		bucket, object, err := splitGCSPath(location)
		if err != nil {
			return nil, err
		}
		if s.objects == nil {
			return nil, fmt.Errorf("no object storage client configured for %s", location)
		}
		return s.objects.ReadObject(ctx, bucket, object)
	case strings.HasPrefix(location, "file://"):
		return os.ReadFile(strings.TrimPrefix(location, "file://"))
	default:
		return os.ReadFile(location)
	}
}

func (s *store) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]configdoc.Document)
	s.mu.Unlock()
}

// splitGCSPath splits "gs://bucket/path/to/object" into bucket and object.
func splitGCSPath(location string) (string, string, error) {
	trimmed := strings.TrimPrefix(location, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS location %q", location)
	}
	return parts[0], parts[1], nil
}
