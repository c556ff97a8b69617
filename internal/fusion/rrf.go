// Package fusion implements C4: reciprocal rank fusion of a BM25 ranking
// and an embedding ranking into a single hybrid ordering.
package fusion

import (
	"sort"

	"github.com/kimseunghyun/examcls/pkg/models"
)

// Merge fuses bm25Hits and embedHits by reciprocal rank fusion and returns
// the top_n hits sorted descending by RRF score. Each list's contribution
// to a chunk's score is 1/(k + rank + 1), rank 0-based. A chunk present in
// only one list still scores from that list alone.
//
// If embedHits is empty, the fallback is each BM25 hit's own rank-only RRF
// score (bm25_score is left untouched for the caller), matching the
// no-embedding degraded path.
func Merge(bm25Hits, embedHits []models.ChunkHit, k float64, topN int) []models.ChunkHit {
	if len(bm25Hits) == 0 {
		return nil
	}
	if len(embedHits) == 0 {
		out := make([]models.ChunkHit, len(bm25Hits))
		for i, h := range bm25Hits {
			h.RRFScore = 1.0 / (k + float64(i) + 1)
			out[i] = h
		}
		if topN < len(out) {
			out = out[:topN]
		}
		return out
	}

	scores := make(map[int64]float64)
	meta := make(map[int64]models.ChunkHit)
	var order []int64

	for i, h := range bm25Hits {
		if _, ok := meta[h.ChunkID]; !ok {
			meta[h.ChunkID] = h
			order = append(order, h.ChunkID)
		}
		scores[h.ChunkID] += 1.0 / (k + float64(i) + 1)
	}
	for i, h := range embedHits {
		if _, ok := meta[h.ChunkID]; !ok {
			meta[h.ChunkID] = h
			order = append(order, h.ChunkID)
		}
		scores[h.ChunkID] += 1.0 / (k + float64(i) + 1)
	}

	combined := make([]models.ChunkHit, 0, len(order))
	for _, chunkID := range order {
		m := meta[chunkID]
		m.RRFScore = scores[chunkID]
		combined = append(combined, m)
	}
	// Tie-break by insertion order of first appearance: combined is already
	// in that order, so a stable sort on score alone preserves it for ties.
	sort.SliceStable(combined, func(i, j int) bool { return combined[i].RRFScore > combined[j].RRFScore })
	if topN < len(combined) {
		combined = combined[:topN]
	}
	return combined
}

// Margin returns the gap between the top1 and top2 embedding scores in
// hits, or -1 if hits is empty; used by the best_of_two strategy to choose
// between an original-query and a HyDE-query embedding ranking.
func Margin(hits []models.ChunkHit) float64 {
	if len(hits) == 0 {
		return -1.0
	}
	top1 := hits[0].EmbeddingScr
	var top2 float64
	if len(hits) > 1 {
		top2 = hits[1].EmbeddingScr
	}
	return top1 - top2
}
