package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search/query"
)

const (
	// ChunkTokenizerName is the bleve name of the word tokenizer.
	ChunkTokenizerName = "chunk_tokenizer"

	// ChunkStopFilterName is the bleve name of the stop word filter.
	ChunkStopFilterName = "chunk_stop"

	// ChunkAnalyzerName is the bleve name of the chunk analyzer.
	ChunkAnalyzerName = "chunk_analyzer"

	// DefaultTitleBoost weights title matches over content matches.
	DefaultTitleBoost = 2.0
)

func init() {
	_ = registry.RegisterTokenizer(ChunkTokenizerName, chunkTokenizerConstructor)
	_ = registry.RegisterTokenFilter(ChunkStopFilterName, chunkStopFilterConstructor)
}

// TextIndex is an in-memory bleve index over chunk titles and content.
type TextIndex struct {
	mu         sync.RWMutex
	index      bleve.Index
	titleBoost float64
	closed     bool
}

// textDocument is the document structure for bleve indexing.
type textDocument struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// NewTextIndex creates an empty in-memory text index.
func NewTextIndex(titleBoost float64) (*TextIndex, error) {
	if titleBoost <= 0 {
		titleBoost = DefaultTitleBoost
	}
	indexMapping, err := createIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}
	idx, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("failed to create text index: %w", err)
	}
	return &TextIndex{index: idx, titleBoost: titleBoost}, nil
}

func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(ChunkAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": ChunkTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			ChunkStopFilterName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	indexMapping.DefaultAnalyzer = ChunkAnalyzerName
	return indexMapping, nil
}

// Index adds or replaces the documents for chunks.
func (t *TextIndex) Index(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("text index is closed")
	}

	batch := t.index.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, textDocument{Title: c.Title, Content: c.Content}); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", c.ID, err)
		}
	}
	if err := t.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Delete removes documents by chunk id.
func (t *TextIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("text index is closed")
	}

	batch := t.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := t.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// Search returns the score of every chunk matching text. Title matches are
// boosted over content matches.
func (t *TextIndex) Search(ctx context.Context, text string) (map[string]float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, fmt.Errorf("text index is closed")
	}
	if strings.TrimSpace(text) == "" {
		return map[string]float64{}, nil
	}

	titleQuery := bleve.NewMatchQuery(text)
	titleQuery.SetField("title")
	titleQuery.SetBoost(t.titleBoost)

	contentQuery := bleve.NewMatchQuery(text)
	contentQuery.SetField("content")

	docCount, err := t.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	if docCount == 0 {
		return map[string]float64{}, nil
	}

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery([]query.Query{titleQuery, contentQuery}...))
	req.Size = int(docCount)

	result, err := t.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}

	hits := make(map[string]float64, len(result.Hits))
	for _, hit := range result.Hits {
		hits[hit.ID] = hit.Score
	}
	return hits, nil
}

// Close closes the index.
func (t *TextIndex) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.index.Close()
}

func chunkTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveChunkTokenizer{}, nil
}

// bleveChunkTokenizer adapts Tokenize to analysis.Tokenizer.
type bleveChunkTokenizer struct{}

// Tokenize implements analysis.Tokenizer.
func (t *bleveChunkTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	lowerText := strings.ToLower(text)
	tokens := Tokenize(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	offset := 0
	for i, token := range tokens {
		start := strings.Index(lowerText[offset:], token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
		if end <= len(text) {
			offset = end
		}
	}
	return result
}

func chunkStopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &bleveStopFilter{stopWords: BuildStopWordMap(DefaultStopWords)}, nil
}

// bleveStopFilter implements analysis.TokenFilter.
type bleveStopFilter struct {
	stopWords map[string]struct{}
}

// Filter implements analysis.TokenFilter.
func (f *bleveStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		if _, isStop := f.stopWords[string(token.Term)]; !isStop {
			result = append(result, token)
		}
	}
	return result
}
