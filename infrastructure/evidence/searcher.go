// Package evidence retrieves supporting material for claims under
// verification. IndexSearcher serves a local full-text corpus; CachedSearcher
// memoizes any searcher.
package evidence

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/blevesearch/bleve"
	"github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

// maxSnippetRunes bounds the snippet returned for each hit.
const maxSnippetRunes = 280

// Document is a corpus entry that can be cited as evidence.
type Document struct {
	ID      string  `yaml:"id" json:"id"`
	Source  string  `yaml:"source" json:"source"`
	URL     string  `yaml:"url" json:"url"`
	Title   string  `yaml:"title" json:"title"`
	Body    string  `yaml:"body" json:"body"`
	Quality float64 `yaml:"quality" json:"quality"`
}

// IndexSearcher is an in-memory bleve index over a document corpus.
type IndexSearcher struct {
	index bleve.Index
	mu    sync.RWMutex
	docs  map[string]Document
}

var _ ports.EvidenceSearcher = (*IndexSearcher)(nil)

// NewIndexSearcher creates an empty in-memory index.
func NewIndexSearcher() (*IndexSearcher, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating evidence index: %w", err)
	}
	return &IndexSearcher{index: index, docs: make(map[string]Document)}, nil
}

// Add indexes docs. Documents without an ID get one derived from their
// position in the index.
func (s *IndexSearcher) Add(docs ...Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.index.NewBatch()
	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = fmt.Sprintf("doc-%d", len(s.docs)+1)
		}
		if err := batch.Index(doc.ID, indexedDocument{Title: doc.Title, Body: doc.Body, Source: doc.Source}); err != nil {
			return fmt.Errorf("indexing %s: %w", doc.ID, err)
		}
		s.docs[doc.ID] = doc
	}
	if err := s.index.Batch(batch); err != nil {
		return fmt.Errorf("writing evidence batch: %w", err)
	}
	return nil
}

type indexedDocument struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Source string `json:"source"`
}

// Search returns up to limit documents matching query, best first. Quality
// is the document's curated quality, or its relative relevance when none
// was set.
func (s *IndexSearcher) Search(ctx context.Context, query string, limit int) ([]domain.Evidence, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), limit, 0, false)
	result, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("searching evidence: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Evidence, 0, len(result.Hits))
	for _, hit := range result.Hits {
		doc, ok := s.docs[hit.ID]
		if !ok {
			continue
		}
		quality := doc.Quality
		if quality <= 0 && result.MaxScore > 0 {
			quality = hit.Score / result.MaxScore
		}
		out = append(out, domain.Evidence{
			Source:  doc.Source,
			URL:     doc.URL,
			Snippet: snippet(doc),
			Quality: domain.ClampUnit(quality),
		})
	}
	return out, nil
}

// Len returns the number of indexed documents.
func (s *IndexSearcher) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Close releases the index.
func (s *IndexSearcher) Close() error { return s.index.Close() }

func snippet(doc Document) string {
	text := strings.Join(strings.Fields(doc.Body), " ")
	if text == "" {
		text = doc.Title
	}
	if utf8.RuneCountInString(text) <= maxSnippetRunes {
		return text
	}
	return string([]rune(text)[:maxSnippetRunes-3]) + "..."
}

// LoadCorpus decodes a YAML list of documents.
func LoadCorpus(r io.Reader) ([]Document, error) {
	var docs []Document
	if err := yaml.NewDecoder(r).Decode(&docs); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding evidence corpus: %w", err)
	}
	return docs, nil
}

// NoopSearcher finds nothing. It is used when no corpus is configured.
type NoopSearcher struct{}

// Search always returns no evidence.
func (NoopSearcher) Search(context.Context, string, int) ([]domain.Evidence, error) {
	return nil, nil
}

// CachedSearcher memoizes results of another searcher per query and limit.
type CachedSearcher struct {
	next  ports.EvidenceSearcher
	cache *cache.Cache
}

// NewCachedSearcher wraps next with a cache whose entries expire after ttl.
func NewCachedSearcher(next ports.EvidenceSearcher, ttl time.Duration) *CachedSearcher {
	return &CachedSearcher{next: next, cache: cache.New(ttl, 2*ttl)}
}

// Search returns the cached result when present. Errors are not cached.
func (c *CachedSearcher) Search(ctx context.Context, query string, limit int) ([]domain.Evidence, error) {
	key := fmt.Sprintf("%d:%s", limit, strings.ToLower(strings.TrimSpace(query)))
	if v, ok := c.cache.Get(key); ok {
		return append([]domain.Evidence(nil), v.([]domain.Evidence)...), nil
	}

	evidence, err := c.next.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, evidence)
	return append([]domain.Evidence(nil), evidence...), nil
}
