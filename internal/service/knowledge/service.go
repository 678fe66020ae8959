// Package knowledge retrieves background snippets for the context builder.
// Documents are chunked, embedded and held in a chromem-go collection.
package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	collectionName    = "knowledge"
	metaTitle         = "title"
	metaSource        = "source"
	defaultChunkRunes = 1200
)

var ErrNoEmbedder = errors.New("knowledge embedder is not configured")

// Document names the source a snippet came from.
type Document struct {
	Title string `json:"title"`
}

// Snippet is one retrieved passage, in relevance order.
type Snippet struct {
	Text       string   `json:"text"`
	Document   Document `json:"document"`
	Similarity float32  `json:"similarity,omitempty"`
}

// Service is a vector-backed knowledge base.
type Service struct {
	mu          sync.RWMutex
	db          *chromem.DB
	collection  *chromem.Collection
	chunkRunes  int
	concurrency int
}

// Open creates the knowledge base. A non-empty path persists the collection
// on disk; otherwise it lives in memory.
func Open(path string, embed chromem.EmbeddingFunc) (*Service, error) {
	if embed == nil {
		return nil, ErrNoEmbedder
	}

	var (
		db  *chromem.DB
		err error
	)
	if path != "" {
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, errors.Wrapf(err, "open knowledge db at %s", path)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(collectionName, nil, withDocumentTask(embed))
	if err != nil {
		return nil, errors.Wrap(err, "create knowledge collection")
	}

	log.Debug().Str("component", "knowledge").Str("path", path).Int("documents", collection.Count()).
		Msg("knowledge base opened")
	return &Service{
		db:          db,
		collection:  collection,
		chunkRunes:  defaultChunkRunes,
		concurrency: 4,
	}, nil
}

// Count reports how many chunks are indexed.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collection.Count()
}

// Query returns up to k snippets ordered by relevance. Empty text or an
// empty collection yields no snippets.
func (s *Service) Query(ctx context.Context, text string, k int) ([]Snippet, error) {
	text = strings.TrimSpace(text)
	if text == "" || k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := s.collection.Query(withQueryTask(ctx), text, k, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "query knowledge")
	}

	out := make([]Snippet, 0, len(results))
	for _, r := range results {
		out = append(out, Snippet{
			Text:       r.Content,
			Document:   Document{Title: r.Metadata[metaTitle]},
			Similarity: r.Similarity,
		})
	}
	return out, nil
}

// AddDocument chunks content and indexes it under title. Re-adding the same
// title and source replaces earlier chunks with the same ids.
func (s *Service) AddDocument(ctx context.Context, title, source, content string) (int, error) {
	docs := s.chunkDocument(title, source, content)
	if len(docs) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.collection.AddDocuments(ctx, docs, s.concurrency); err != nil {
		return 0, errors.Wrapf(err, "index %s", title)
	}
	return len(docs), nil
}

// IngestDir reads every .md and .txt file under dir and indexes it. Files
// are read and chunked concurrently; embedding happens in one batch.
func (s *Service) IngestDir(ctx context.Context, dir string) (int, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".markdown", ".txt":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "walk %s", dir)
	}
	sort.Strings(paths)

	chunks := make([][]chromem.Document, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			rel, relErr := filepath.Rel(dir, path)
			if relErr != nil {
				rel = path
			}
			chunks[i] = s.chunkDocument(titleFor(path, string(raw)), filepath.ToSlash(rel), string(raw))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var docs []chromem.Document
	for _, c := range chunks {
		docs = append(docs, c...)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.collection.AddDocuments(ctx, docs, s.concurrency); err != nil {
		return 0, errors.Wrap(err, "index documents")
	}
	log.Info().Str("component", "knowledge").Str("dir", dir).Int("files", len(paths)).Int("chunks", len(docs)).
		Msg("knowledge ingested")
	return len(docs), nil
}

func (s *Service) chunkDocument(title, source, content string) []chromem.Document {
	parts := Chunk(content, s.chunkRunes)
	docs := make([]chromem.Document, 0, len(parts))
	for i, part := range parts {
		docs = append(docs, chromem.Document{
			ID:       fmt.Sprintf("%s#%d", firstNonEmpty(source, title), i),
			Content:  part,
			Metadata: map[string]string{metaTitle: title, metaSource: source},
		})
	}
	return docs
}

// titleFor uses the first markdown heading, falling back to the file name.
func titleFor(path, content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			if t := strings.TrimSpace(strings.TrimLeft(line, "#")); t != "" {
				return t
			}
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
