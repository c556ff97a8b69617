// Package denseindex is the C3 dense index: an in-process matrix of chunk
// embeddings for "full" mode, and a targeted fetch-and-rerank path for
// "rerank" mode, with no external vector engine.
package denseindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kimseunghyun/examcls/pkg/models"
)

// EmbeddingStore is the persistence seam C3 depends on. *store.Store
// (pgvector-backed) implements this in production; tests use a fake.
type EmbeddingStore interface {
	LoadAllEmbeddings(ctx context.Context, modelName string, dim int) ([]models.ChunkEmbedding, error)
	FetchEmbeddings(ctx context.Context, chunkIDs []int64, modelName string, dim int) (map[int64][]float32, error)
}

// CachedEmbeddingStore wraps an EmbeddingStore with an LRU of individual
// chunk vectors, so that "rerank" mode's repeated FetchEmbeddings calls
// across a batch job don't re-hit the vector store for chunks that keep
// coming up as BM25 candidates. LoadAllEmbeddings (full mode) passes
// through untouched; caching only pays off for the per-chunk path.
type CachedEmbeddingStore struct {
	inner EmbeddingStore
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbeddingStore wraps inner with an LRU of size capacity holding
// (modelName, chunkID) -> vector entries.
func NewCachedEmbeddingStore(inner EmbeddingStore, capacity int) (*CachedEmbeddingStore, error) {
	cache, err := lru.New[string, []float32](capacity)
	if err != nil {
		return nil, fmt.Errorf("new embedding lru: %w", err)
	}
	return &CachedEmbeddingStore{inner: inner, cache: cache}, nil
}

func (c *CachedEmbeddingStore) LoadAllEmbeddings(ctx context.Context, modelName string, dim int) ([]models.ChunkEmbedding, error) {
	return c.inner.LoadAllEmbeddings(ctx, modelName, dim)
}

func (c *CachedEmbeddingStore) FetchEmbeddings(ctx context.Context, chunkIDs []int64, modelName string, dim int) (map[int64][]float32, error) {
	out := make(map[int64][]float32, len(chunkIDs))
	var missing []int64
	for _, id := range chunkIDs {
		if v, ok := c.cache.Get(embeddingCacheKey(modelName, id)); ok {
			out[id] = v
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.inner.FetchEmbeddings(ctx, missing, modelName, dim)
	if err != nil {
		return nil, err
	}
	for id, v := range fetched {
		out[id] = v
		c.cache.Add(embeddingCacheKey(modelName, id), v)
	}
	return out, nil
}

func embeddingCacheKey(modelName string, chunkID int64) string {
	return fmt.Sprintf("%s:%d", modelName, chunkID)
}

type chunkMeta struct {
	chunkID   int64
	lectureID int64
	pageStart int
	pageEnd   int
	snippet   string
}

// Matrix is the singleton in-memory embedding index for one (model, dim)
// pair, loaded lazily and reloaded only when the model/dim changes.
type Matrix struct {
	mu    sync.RWMutex
	group singleflight.Group

	modelName string
	dim       int
	vectors   [][]float32
	meta      []chunkMeta
}

func New() *Matrix {
	return &Matrix{}
}

// Load populates the matrix for (modelName, dim) from store, a no-op if
// already loaded for the same pair. Concurrent callers for the same pair
// collapse into a single store query via singleflight.
func (m *Matrix) Load(ctx context.Context, store EmbeddingStore, modelName string, dim int) error {
	m.mu.RLock()
	if m.modelName == modelName && m.dim == dim && m.vectors != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	key := fmt.Sprintf("%s:%d", modelName, dim)
	_, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.RLock()
		alreadyLoaded := m.modelName == modelName && m.dim == dim && m.vectors != nil
		m.mu.RUnlock()
		if alreadyLoaded {
			return nil, nil
		}

		rows, err := store.LoadAllEmbeddings(ctx, modelName, dim)
		if err != nil {
			return nil, fmt.Errorf("load embeddings: %w", err)
		}

		vectors := make([][]float32, 0, len(rows))
		metas := make([]chunkMeta, 0, len(rows))
		for _, row := range rows {
			snippet := strings.TrimSpace(strings.ReplaceAll(row.Content, "\n", " "))
			if len(snippet) > 160 {
				snippet = snippet[:157] + "..."
			}
			vectors = append(vectors, row.Vector)
			metas = append(metas, chunkMeta{
				chunkID:   row.ChunkID,
				lectureID: row.LectureID,
				pageStart: row.PageStart,
				pageEnd:   row.PageEnd,
				snippet:   snippet,
			})
		}

		m.mu.Lock()
		m.modelName = modelName
		m.dim = dim
		m.vectors = vectors
		m.meta = metas
		m.mu.Unlock()
		return nil, nil
	})
	return err
}

// SearchFull ranks every loaded chunk against queryVec by inner product and
// returns the top_n highest-scoring hits, descending.
func (m *Matrix) SearchFull(queryVec []float32, topN int) []models.ChunkHit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := len(m.vectors)
	if total == 0 {
		return nil
	}

	type scored struct {
		idx   int
		score float32
	}
	scores := make([]scored, total)
	for i, v := range m.vectors {
		scores[i] = scored{idx: i, score: dot(v, queryVec)}
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if topN > len(scores) {
		topN = len(scores)
	}

	hits := make([]models.ChunkHit, 0, topN)
	for _, s := range scores[:topN] {
		meta := m.meta[s.idx]
		hits = append(hits, models.ChunkHit{
			ChunkID:      meta.chunkID,
			LectureID:    meta.lectureID,
			PageStart:    meta.pageStart,
			PageEnd:      meta.pageEnd,
			Snippet:      meta.snippet,
			EmbeddingScr: float64(s.score),
		})
	}
	return hits
}

// SearchRerank fetches the stored embeddings of only the candidate chunks
// BM25 already surfaced, scoring each by inner product against queryVec. Chunks with no stored
// embedding are silently dropped, matching the original's behavior.
func SearchRerank(ctx context.Context, store EmbeddingStore, candidates []models.ChunkHit, queryVec []float32, modelName string, dim, topN int) ([]models.ChunkHit, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ChunkID)
	}
	embMap, err := store.FetchEmbeddings(ctx, ids, modelName, dim)
	if err != nil {
		return nil, fmt.Errorf("fetch candidate embeddings: %w", err)
	}
	if len(embMap) == 0 {
		return nil, nil
	}

	results := make([]models.ChunkHit, 0, len(candidates))
	for _, c := range candidates {
		vec, ok := embMap[c.ChunkID]
		if !ok {
			continue
		}
		c.EmbeddingScr = float64(dot(vec, queryVec))
		results = append(results, c)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].EmbeddingScr > results[j].EmbeddingScr })
	if topN < len(results) {
		results = results[:topN]
	}
	return results, nil
}

func dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Normalize L2-normalizes v in place and returns it, used when blending the
// original and HyDE query vectors (C5's "blend" strategy).
func Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Blend combines orig and hyde vectors with the configured weights, then
// L2-normalizes the result, matching the original's blend strategy math.
func Blend(orig, hyde []float32, weightOrig, weightHyde float32) []float32 {
	n := len(orig)
	if len(hyde) < n {
		n = len(hyde)
	}
	combined := make([]float32, n)
	for i := 0; i < n; i++ {
		combined[i] = orig[i]*weightOrig + hyde[i]*weightHyde
	}
	return Normalize(combined)
}
