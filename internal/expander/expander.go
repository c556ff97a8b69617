// Package expander is C7: it grows a candidate's single seed chunk into a
// same-lecture neighborhood of semantically similar chunks, bounded by a
// character budget, for the judge to read instead of one isolated chunk.
package expander

import (
	"context"
	"strings"

	"github.com/kimseunghyun/examcls/pkg/models"
)

const parentSeparator = "\n\n---\n\n"

// NeighborFinder locates same-lecture chunks whose content is lexically
// similar to seedContent, excluding the seed chunk itself.
type NeighborFinder interface {
	SemanticNeighbors(ctx context.Context, seedContent string, lectureID, excludeChunkID int64, topN int) ([]models.ChunkHit, error)
}

// ChunkFetcher resolves a chunk_id to its full stored content, since
// SemanticNeighbors only returns a truncated snippet.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, chunkID int64) (*models.LectureChunk, error)
}

// Config carries the tunables for context expansion.
type Config struct {
	Enabled       bool
	MaxChars      int
	NeighborTopN  int
	MaxExtra      int
	QueryMaxChars int
	// NeighborsDisabled skips the semantic-neighbor search leg (step 3 of
	// Expand), keeping only the seed chunk as "parent" text. Zero value
	// (false) runs neighbor search, matching semantic_expansion_enabled's
	// default-on behavior.
	NeighborsDisabled bool
}

func (c Config) withDefaults() Config {
	if c.MaxChars == 0 {
		c.MaxChars = 3500
	}
	if c.NeighborTopN == 0 {
		c.NeighborTopN = 6
	}
	if c.MaxExtra == 0 {
		c.MaxExtra = 2
	}
	if c.QueryMaxChars == 0 {
		c.QueryMaxChars = 1200
	}
	return c
}

// Expand mutates candidates in place, attaching ParentText,
// ParentChunkIDs, and ParentPageRanges to every candidate whose first
// evidence chunk can be resolved and expanded. Candidates with no
// evidence, or whose seed chunk can't be fetched, are left untouched. A
// disabled config is a no-op, matching the original's feature flag.
func Expand(ctx context.Context, candidates []models.Candidate, finder NeighborFinder, fetcher ChunkFetcher, cfg Config) []models.Candidate {
	if len(candidates) == 0 || !cfg.Enabled {
		return candidates
	}
	cfg = cfg.withDefaults()

	for i := range candidates {
		cand := &candidates[i]
		if len(cand.Evidence) == 0 {
			continue
		}
		seedChunkID := cand.Evidence[0].ChunkID
		if seedChunkID == 0 {
			continue
		}
		seedChunk, err := fetcher.FetchChunk(ctx, seedChunkID)
		if err != nil || seedChunk == nil {
			continue
		}

		var extra []*models.LectureChunk
		if !cfg.NeighborsDisabled {
			extra = semanticNeighborChunks(ctx, finder, fetcher, seedChunk, cfg)
			if len(extra) > cfg.MaxExtra {
				extra = extra[:cfg.MaxExtra]
			}
		}

		ordered := append([]*models.LectureChunk{seedChunk}, extra...)
		unique := dedupeChunks(ordered)

		parentText, parentChunkIDs := assembleParentText(unique, cfg.MaxChars)
		if parentText == "" {
			continue
		}

		cand.ParentText = parentText
		cand.ParentChunkIDs = parentChunkIDs
		cand.ParentPageRanges = pageRanges(unique, parentChunkIDs)
	}
	return candidates
}

func semanticNeighborChunks(ctx context.Context, finder NeighborFinder, fetcher ChunkFetcher, seed *models.LectureChunk, cfg Config) []*models.LectureChunk {
	content := strings.TrimSpace(seed.Content)
	if content == "" {
		return nil
	}
	if len(content) > cfg.QueryMaxChars {
		content = content[:cfg.QueryMaxChars]
	}

	hits, err := finder.SemanticNeighbors(ctx, content, seed.LectureID, seed.ID, cfg.NeighborTopN)
	if err != nil || len(hits) == 0 {
		return nil
	}

	chunks := make([]*models.LectureChunk, 0, len(hits))
	for _, h := range hits {
		chunk, err := fetcher.FetchChunk(ctx, h.ChunkID)
		if err != nil || chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func dedupeChunks(chunks []*models.LectureChunk) []*models.LectureChunk {
	seen := make(map[int64]struct{}, len(chunks))
	unique := make([]*models.LectureChunk, 0, len(chunks))
	for _, c := range chunks {
		if c == nil {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		unique = append(unique, c)
	}
	return unique
}

func assembleParentText(chunks []*models.LectureChunk, maxChars int) (string, []int64) {
	var selected []*models.LectureChunk
	total := 0

	for _, chunk := range chunks {
		content := chunk.Content
		addLen := len(content)
		if len(selected) > 0 {
			addLen += len(parentSeparator)
		}
		if len(selected) > 0 && total+addLen > maxChars {
			break
		}
		if len(selected) == 0 && len(content) > maxChars {
			selected = []*models.LectureChunk{chunk}
			total = len(content)
			break
		}
		selected = append(selected, chunk)
		total += addLen
	}

	if len(selected) == 0 {
		return "", nil
	}

	parts := make([]string, len(selected))
	ids := make([]int64, len(selected))
	for i, c := range selected {
		parts[i] = c.Content
		ids[i] = c.ID
	}
	textBlock := strings.Join(parts, parentSeparator)
	if len(textBlock) > maxChars {
		textBlock = textBlock[:maxChars] + "...(truncated)"
	}
	return textBlock, ids
}

func pageRanges(chunks []*models.LectureChunk, includedIDs []int64) [][2]int {
	included := make(map[int64]struct{}, len(includedIDs))
	for _, id := range includedIDs {
		included[id] = struct{}{}
	}
	var ranges [][2]int
	for _, c := range chunks {
		if _, ok := included[c.ID]; ok {
			ranges = append(ranges, [2]int{c.PageStart, c.PageEnd})
		}
	}
	return ranges
}
