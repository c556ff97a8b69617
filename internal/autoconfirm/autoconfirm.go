// Package autoconfirm is C9: two pure predicates over retrieval features,
// gating whether a classification can skip the LLM judge and whether a
// confirmed result still needs context expansion first.
package autoconfirm

import "github.com/kimseunghyun/examcls/internal/features"

// Thresholds carries the configurable knobs for the auto-confirm and
// uncertainty gates.
type Thresholds struct {
	Delta            float64 // minimum embed_margin to auto-confirm
	MaxBM25Rank      int     // maximum hybrid_top1_bm25_rank to auto-confirm
	DeltaUncertain   float64 // minimum embed_margin to NOT expand context
	MinChunkLen      int     // minimum hybrid_top1_chunk_len to NOT expand context
}

// AutoConfirmV2 reports whether a classification can skip the LLM judge:
// bm25 and hybrid must agree on the same non-zero top-1 chunk, the
// embedding margin must clear delta, and that chunk's bm25 rank must be
// within max_bm25_rank.
func AutoConfirmV2(f features.Artifacts, t Thresholds) bool {
	if f.BM25Top1ChunkID == 0 || f.HybridTop1ChunkID == 0 {
		return false
	}
	if f.BM25Top1ChunkID != f.HybridTop1ChunkID {
		return false
	}
	if f.EmbedMargin == nil || *f.EmbedMargin < t.Delta {
		return false
	}
	if f.HybridTop1BM25Rank == nil || *f.HybridTop1BM25Rank > t.MaxBM25Rank {
		return false
	}
	return true
}

// IsUncertain reports whether context should be expanded before judging,
// even when autoConfirmed is true: a thin embedding margin, a bm25/hybrid
// disagreement, or a short top chunk all count as uncertain.
func IsUncertain(f features.Artifacts, autoConfirmed bool, t Thresholds) bool {
	if !autoConfirmed {
		return true
	}
	if f.EmbedMargin == nil || *f.EmbedMargin < t.DeltaUncertain {
		return true
	}
	if f.BM25Top1ChunkID != 0 && f.HybridTop1ChunkID != 0 && f.BM25Top1ChunkID != f.HybridTop1ChunkID {
		return true
	}
	if f.HybridTop1ChunkLen == nil || *f.HybridTop1ChunkLen < t.MinChunkLen {
		return true
	}
	return false
}
