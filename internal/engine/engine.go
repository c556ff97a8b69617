// Package engine orchestrates one question through the full
// retrieve -> expand -> judge pipeline: lexical and dense retrieval
// fused by RRF, candidate aggregation, the auto-confirm v2 gate,
// optional context expansion, and the LLM judge as a fallback when the
// gate doesn't clear. It is the single place that wires C1-C11
// together into one ClassificationDecision per question.
package engine

import (
	"context"
	"fmt"

	"github.com/kimseunghyun/examcls/internal/aggregator"
	"github.com/kimseunghyun/examcls/internal/autoconfirm"
	"github.com/kimseunghyun/examcls/internal/config"
	"github.com/kimseunghyun/examcls/internal/denseindex"
	"github.com/kimseunghyun/examcls/internal/expander"
	"github.com/kimseunghyun/examcls/internal/features"
	"github.com/kimseunghyun/examcls/internal/fusion"
	"github.com/kimseunghyun/examcls/internal/hyde"
	"github.com/kimseunghyun/examcls/internal/judge"
	"github.com/kimseunghyun/examcls/internal/llm"
	"github.com/kimseunghyun/examcls/internal/rceerr"
	"github.com/kimseunghyun/examcls/internal/resultcache"
	"github.com/kimseunghyun/examcls/internal/tokenizer"
	"github.com/kimseunghyun/examcls/pkg/models"
)

// ScopeResolver resolves a block/folder scope filter down to a concrete
// lecture id list, nil meaning unrestricted.
type ScopeResolver interface {
	ResolveLectureIDs(ctx context.Context, blockID, folderID *int64, includeDescendants bool) ([]int64, error)
}

// Store bundles every persistence seam the engine touches outside the
// lexical/dense indices, satisfied in full by *store.Store.
type Store interface {
	aggregator.LectureCatalog
	expander.ChunkFetcher
	hyde.QueryStore
	ScopeResolver
	ChunkLength(ctx context.Context, chunkID int64) (int, bool)
}

// Lexical is the C2 lexical-index seam, satisfied by *lexicalindex.Index.
type Lexical interface {
	SearchBM25(ctx context.Context, rawQuestionText string, topN int, lectureIDs []int64) ([]models.ChunkHit, error)
	SearchBM25Tokens(ctx context.Context, positiveTerms []string, maxTerms, topN int, lectureIDs []int64) ([]models.ChunkHit, error)
	expander.NeighborFinder
}

// Engine holds every long-lived collaborator a classification run needs.
//
// The dense index is always driven in rerank mode here: every embedding
// search this pipeline runs (the hybrid-fusion embed list, and both legs
// of the best_of_two margin comparison) reranks the bm25 candidate list
// rather than scanning the full in-memory matrix, so that a folder/block
// scope narrowing bm25 narrows the dense contribution too.
// denseindex.Matrix's full-mode search remains part of C3's contract for
// direct, unscoped callers; this pipeline just isn't one of them.
type Engine struct {
	Lexical Lexical
	Embeds  denseindex.EmbeddingStore
	LLM     llm.Client
	Store   Store
	Cache   *resultcache.Cache
}

// Result is one question's decision plus the retrieval artifacts that
// drove it, useful to a caller wanting to log or audit a run.
type Result struct {
	Decision  models.ClassificationDecision
	Artifacts features.Artifacts
}

// Classify runs question through the full pipeline and returns a
// decision. scopeLectureIDs, if non-nil, restricts retrieval to those
// lectures (already resolved by the caller via Store.ResolveLectureIDs);
// pass nil for an unrestricted run.
func (e *Engine) Classify(ctx context.Context, q models.Question, scopeLectureIDs []int64, cfg config.Specification) (Result, error) {
	configHash := resultcache.BuildConfigHash(cacheableConfig(cfg))
	if e.Cache != nil {
		if cached, ok := e.Cache.Get(q.ID, configHash, cfg.GeminiModelName); ok {
			return Result{Decision: cached}, nil
		}
	}

	bm25Hits, embedHits, hybridHits, err := e.retrieve(ctx, q, scopeLectureIDs, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("retrieve: %w", err)
	}

	candidates, err := aggregator.Aggregate(ctx, bm25Hits, e.Store, cfg.TopKLectures, cfg.EvidencePerLecture)
	if err != nil {
		return Result{}, fmt.Errorf("aggregate candidates: %w", err)
	}

	lookupLen := func(chunkID int64) (int, bool) { return e.Store.ChunkLength(ctx, chunkID) }
	artifacts := features.Build(bm25Hits, embedHits, hybridHits, cfg.TopKChunks, lookupLen)

	thresholds := autoconfirm.Thresholds{
		Delta:          cfg.AutoConfirmMinMargin,
		MaxBM25Rank:    cfg.AutoConfirmMaxHybridRank,
		DeltaUncertain: cfg.UncertainMarginEps,
		MinChunkLen:    cfg.UncertainMinChunkLen,
	}
	autoConfirmed := autoconfirm.AutoConfirmV2(artifacts, thresholds)
	uncertain := autoconfirm.IsUncertain(artifacts, autoConfirmed, thresholds)

	if len(candidates) == 0 {
		decision := models.ClassificationDecision{NoMatch: true, Reason: "no candidates survived retrieval", ModelName: cfg.GeminiModelName}
		e.store(ctx, q.ID, configHash, cfg.GeminiModelName, decision)
		return Result{Decision: decision, Artifacts: artifacts}, nil
	}

	if cfg.ParentEnabled && (uncertain || !autoConfirmed) {
		candidates = expander.Expand(ctx, candidates, e.Lexical, e.Store, expander.Config{
			Enabled:           cfg.ParentEnabled,
			MaxChars:          cfg.ParentMaxChars,
			NeighborTopN:      cfg.ParentNeighborTopN,
			MaxExtra:          cfg.SemanticExpansionMaxExtra,
			QueryMaxChars:     cfg.SemanticExpansionQueryMaxChars,
			NeighborsDisabled: !cfg.SemanticExpansionEnabled,
		})
	}

	var decision models.ClassificationDecision
	if autoConfirmed {
		decision = autoConfirmDecision(candidates[0])
	} else {
		decision = judge.ClassifySingle(ctx, e.LLM, q.Content, q.Choices, candidates, judge.Config{
			ModelName:       cfg.GeminiModelName,
			Temperature:     float32(cfg.GeminiTemperature),
			MaxOutputTokens: int32(cfg.GeminiMaxOutputTokens),
		})
	}

	e.store(ctx, q.ID, configHash, cfg.GeminiModelName, decision)
	return Result{Decision: decision, Artifacts: artifacts}, nil
}

func (e *Engine) store(ctx context.Context, questionID int64, configHash, modelName string, decision models.ClassificationDecision) {
	if e.Cache == nil {
		return
	}
	e.Cache.Set(questionID, configHash, modelName, decision)
}

// autoConfirmDecision synthesizes a decision from the top aggregated
// candidate without calling the judge, per the auto-confirm v2 gate.
func autoConfirmDecision(top models.Candidate) models.ClassificationDecision {
	lectureID := top.LectureID
	return models.ClassificationDecision{
		LectureID:       &lectureID,
		Confidence:      1.0,
		Reason:          "auto-confirmed: bm25 and hybrid top1 agree with sufficient embedding margin",
		Evidence:        top.Evidence,
		ModelName:       "auto_confirm_v2",
		IsAutoConfirmed: true,
	}
}

func (e *Engine) retrieve(ctx context.Context, q models.Question, lectureIDs []int64, cfg config.Specification) (bm25, embed, hybrid []models.ChunkHit, err error) {
	var payload *models.QuestionQuery
	if cfg.HydeEnabled {
		payload, err = hyde.GetPayload(ctx, e.LLM, e.Store, q.ID, q.Content, cfg.HydeAutoGenerate, hyde.Config{
			ModelName:     cfg.GeminiModelName,
			PromptVersion: cfg.PromptVersion,
			MaxKeywords:   cfg.HydeMaxKeywords,
			MaxNegative:   cfg.HydeMaxNegative,
		})
		if err != nil {
			// A failed HyDE generation degrades to original-query-only
			// retrieval rather than failing the whole pipeline.
			payload = nil
		}
	}

	bm25, err = e.searchBM25(ctx, q, lectureIDs, cfg, payload)
	if err != nil && err != rceerr.ErrEmptyQuery {
		return nil, nil, nil, fmt.Errorf("bm25 search: %w", err)
	}
	if len(bm25) == 0 {
		return bm25, nil, nil, nil
	}

	embed, err = e.embedRerank(ctx, q, bm25, cfg, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("embed query: %w", err)
	}

	hybrid = fusion.Merge(bm25, embed, float64(cfg.RRFK), cfg.TopKChunks)
	return bm25, embed, hybrid, nil
}

// searchBM25 runs C2 lexical search. When a HyDE payload is available, its
// keywords and negative-keywords feed the positive term list per
// cfg.HydeBM25Variant/cfg.HydeNegativeMode before the query ever reaches
// the index, instead of running plain SearchBM25 on the raw question text.
func (e *Engine) searchBM25(ctx context.Context, q models.Question, lectureIDs []int64, cfg config.Specification, payload *models.QuestionQuery) ([]models.ChunkHit, error) {
	if payload == nil {
		return e.Lexical.SearchBM25(ctx, q.Content, cfg.TopKChunks, lectureIDs)
	}

	positive := tokenizer.BuildHydePositiveTerms(cfg.HydeBM25Variant, tokenizer.Tokenize(q.Content), payload.Keywords)
	if cfg.HydeNegativeMode == "stopwords" {
		positive = tokenizer.FilterNegative(positive, payload.NegativeKeywords)
	}
	if len(positive) == 0 {
		return e.Lexical.SearchBM25(ctx, q.Content, cfg.TopKChunks, lectureIDs)
	}
	return e.Lexical.SearchBM25Tokens(ctx, positive, cfg.HydeMaxTerms, cfg.TopKChunks, lectureIDs)
}

// embedRerank reranks bm25 (C3 rerank mode) with the query's embedding and,
// when HyDE is enabled, with the HyDE-derived query per cfg.HydeStrategy.
// payload is the HyDE payload retrieve() fetched once and also handed to
// searchBM25 (or nil), so HyDE is never generated twice for the same question.
func (e *Engine) embedRerank(ctx context.Context, q models.Question, bm25 []models.ChunkHit, cfg config.Specification, payload *models.QuestionQuery) ([]models.ChunkHit, error) {
	rerank := func(vec []float32) ([]models.ChunkHit, error) {
		return denseindex.SearchRerank(ctx, e.Embeds, bm25, vec, cfg.EmbedModel, cfg.EmbedDim, cfg.TopKChunks)
	}

	queryPrefix := tokenizer.QueryEmbeddingPrefix(cfg.EmbedModel)
	normalized := queryPrefix + tokenizer.NormalizeEmbeddingText(q.Content, 2000)
	origVec, err := e.LLM.Embed(ctx, cfg.EmbedModel, normalized)
	if err != nil {
		return nil, err
	}
	origVec = denseindex.Normalize(origVec)

	if cfg.HydeStrategy == "off" || payload == nil || payload.LectureStyleQuery == "" {
		return rerank(origVec)
	}

	hydeVec, err := e.LLM.Embed(ctx, cfg.EmbedModel, queryPrefix+tokenizer.NormalizeEmbeddingText(payload.LectureStyleQuery, 2000))
	if err != nil {
		return rerank(origVec)
	}
	hydeVec = denseindex.Normalize(hydeVec)

	switch cfg.HydeStrategy {
	case "best_of_two":
		origHits, err := rerank(origVec)
		if err != nil {
			return nil, err
		}
		hydeHits, err := rerank(hydeVec)
		if err != nil {
			return nil, err
		}
		if fusion.Margin(hydeHits)-fusion.Margin(origHits) > cfg.HydeMarginEps {
			return hydeHits, nil
		}
		return origHits, nil
	default: // "blend"
		blended := denseindex.Blend(origVec, hydeVec, float32(cfg.HydeWeightOrig), float32(cfg.HydeWeightHyde))
		return rerank(blended)
	}
}

// cacheableConfig projects the knobs that actually change a decision into
// the map resultcache.BuildConfigHash hashes; logging/db-connection knobs
// are deliberately excluded so they don't invalidate cache entries.
func cacheableConfig(cfg config.Specification) map[string]any {
	return map[string]any{
		"gemini_model_name":            cfg.GeminiModelName,
		"embed_model":                  cfg.EmbedModel,
		"embed_dim":                    cfg.EmbedDim,
		"top_k_chunks":                 cfg.TopKChunks,
		"top_k_lectures":               cfg.TopKLectures,
		"evidence_per_lecture":         cfg.EvidencePerLecture,
		"rrf_k":                        cfg.RRFK,
		"hyde_enabled":                 cfg.HydeEnabled,
		"hyde_auto_generate":           cfg.HydeAutoGenerate,
		"hyde_strategy":                cfg.HydeStrategy,
		"hyde_bm25_variant":            cfg.HydeBM25Variant,
		"hyde_negative_mode":           cfg.HydeNegativeMode,
		"hyde_weight_orig":             cfg.HydeWeightOrig,
		"hyde_weight_hyde":             cfg.HydeWeightHyde,
		"hyde_margin_eps":              cfg.HydeMarginEps,
		"hyde_max_terms":               cfg.HydeMaxTerms,
		"hyde_max_keywords":            cfg.HydeMaxKeywords,
		"hyde_max_negative":            cfg.HydeMaxNegative,
		"prompt_version":               cfg.PromptVersion,
		"auto_confirm_min_margin":      cfg.AutoConfirmMinMargin,
		"auto_confirm_max_hybrid_rank": cfg.AutoConfirmMaxHybridRank,
		"uncertain_margin_eps":         cfg.UncertainMarginEps,
		"uncertain_min_chunk_len":      cfg.UncertainMinChunkLen,
		"parent_enabled":                     cfg.ParentEnabled,
		"parent_max_chars":                   cfg.ParentMaxChars,
		"parent_neighbor_top_n":              cfg.ParentNeighborTopN,
		"semantic_expansion_enabled":         cfg.SemanticExpansionEnabled,
		"semantic_expansion_max_extra":       cfg.SemanticExpansionMaxExtra,
		"semantic_expansion_query_max_chars": cfg.SemanticExpansionQueryMaxChars,
	}
}
