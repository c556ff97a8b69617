// Package features is C6: it derives ranking-agreement and margin
// signals from a single retrieval pass, the inputs C9's auto-confirm and
// uncertainty predicates are computed from.
package features

import "github.com/kimseunghyun/examcls/pkg/models"

// RankedHit is a compact (chunk_id, lecture_id, score, rank) tuple kept
// for diagnostics — attached to a job's stored result but not otherwise
// used by the decision logic.
type RankedHit struct {
	ChunkID   int64   `json:"chunk_id"`
	LectureID int64   `json:"lecture_id"`
	Score     float64 `json:"score"`
	Rank      int     `json:"rank"`
}

// Artifacts bundles the three ranked chunk lists from a single retrieval
// pass with the agreement/margin signals derived from them.
type Artifacts struct {
	BM25Chunks   []models.ChunkHit
	EmbedChunks  []models.ChunkHit
	HybridChunks []models.ChunkHit

	BM25Top1K   []RankedHit
	EmbedTop1K  []RankedHit
	HybridTop1K []RankedHit

	BM25Top1ChunkID    int64
	BM25Top1LectureID  int64
	EmbedTop1ChunkID   int64
	EmbedTop1LectureID int64
	HybridTop1ChunkID  int64
	HybridTop1LectureID int64

	BM25Margin  *float64
	EmbedMargin *float64

	BM25HybridAgree  bool
	EmbedHybridAgree bool
	BM25EmbedAgree   bool

	HybridTop1BM25Rank  *int
	HybridTop1EmbedRank *int
	HybridTop1ChunkLen  *int
}

// ChunkLengthLookup resolves a chunk's stored character length, used only
// to populate HybridTop1ChunkLen for the uncertainty predicate.
type ChunkLengthLookup func(chunkID int64) (int, bool)

// Build derives Artifacts from the three ranked chunk lists a retrieval
// pass already produced. topK bounds how many entries of each ranked list
// are retained for diagnostics.
func Build(bm25, embed, hybrid []models.ChunkHit, topK int, lookupLen ChunkLengthLookup) Artifacts {
	a := Artifacts{
		BM25Chunks:   bm25,
		EmbedChunks:  embed,
		HybridChunks: hybrid,
		BM25Top1K:    rankedList(bm25, topK, func(h models.ChunkHit) float64 { return h.BM25Score }),
		EmbedTop1K:   rankedList(embed, topK, func(h models.ChunkHit) float64 { return h.EmbeddingScr }),
		HybridTop1K:  rankedList(hybrid, topK, func(h models.ChunkHit) float64 { return h.RRFScore }),
	}

	a.BM25Top1ChunkID, a.BM25Top1LectureID = top1Pair(bm25)
	a.EmbedTop1ChunkID, a.EmbedTop1LectureID = top1Pair(embed)
	a.HybridTop1ChunkID, a.HybridTop1LectureID = top1Pair(hybrid)

	a.BM25Margin = margin(bm25, func(h models.ChunkHit) float64 { return h.BM25Score })
	a.EmbedMargin = margin(embed, func(h models.ChunkHit) float64 { return h.EmbeddingScr })

	a.BM25HybridAgree = a.BM25Top1ChunkID != 0 && a.BM25Top1ChunkID == a.HybridTop1ChunkID
	a.EmbedHybridAgree = a.EmbedTop1ChunkID != 0 && a.EmbedTop1ChunkID == a.HybridTop1ChunkID
	a.BM25EmbedAgree = a.BM25Top1ChunkID != 0 && a.BM25Top1ChunkID == a.EmbedTop1ChunkID

	bm25Ranks := rankMap(bm25)
	embedRanks := rankMap(embed)
	if a.HybridTop1ChunkID != 0 {
		if r, ok := bm25Ranks[a.HybridTop1ChunkID]; ok {
			a.HybridTop1BM25Rank = &r
		}
		if r, ok := embedRanks[a.HybridTop1ChunkID]; ok {
			a.HybridTop1EmbedRank = &r
		}
		if lookupLen != nil {
			if l, ok := lookupLen(a.HybridTop1ChunkID); ok {
				a.HybridTop1ChunkLen = &l
			}
		}
	}

	return a
}

func rankedList(hits []models.ChunkHit, topK int, score func(models.ChunkHit) float64) []RankedHit {
	if topK > len(hits) {
		topK = len(hits)
	}
	out := make([]RankedHit, 0, topK)
	for i := 0; i < topK; i++ {
		out = append(out, RankedHit{
			ChunkID:   hits[i].ChunkID,
			LectureID: hits[i].LectureID,
			Score:     score(hits[i]),
			Rank:      i + 1,
		})
	}
	return out
}

func top1Pair(hits []models.ChunkHit) (int64, int64) {
	if len(hits) == 0 {
		return 0, 0
	}
	return hits[0].ChunkID, hits[0].LectureID
}

func margin(hits []models.ChunkHit, score func(models.ChunkHit) float64) *float64 {
	if len(hits) < 2 {
		return nil
	}
	m := score(hits[0]) - score(hits[1])
	return &m
}

func rankMap(hits []models.ChunkHit) map[int64]int {
	m := make(map[int64]int, len(hits))
	for i, h := range hits {
		if h.ChunkID != 0 {
			m[h.ChunkID] = i + 1
		}
	}
	return m
}
