package expander

import (
	"context"
	"strings"
	"testing"

	"github.com/kimseunghyun/examcls/pkg/models"
)

type fakeFinder struct {
	neighbors []models.ChunkHit
}

func (f *fakeFinder) SemanticNeighbors(ctx context.Context, seedContent string, lectureID, excludeChunkID int64, topN int) ([]models.ChunkHit, error) {
	return f.neighbors, nil
}

type fakeFetcher struct {
	chunks map[int64]*models.LectureChunk
}

func (f *fakeFetcher) FetchChunk(ctx context.Context, chunkID int64) (*models.LectureChunk, error) {
	return f.chunks[chunkID], nil
}

func TestExpand_AttachesParentTextWithinBudget(t *testing.T) {
	fetcher := &fakeFetcher{chunks: map[int64]*models.LectureChunk{
		1: {ID: 1, LectureID: 10, PageStart: 1, PageEnd: 1, Content: "seed chunk content"},
		2: {ID: 2, LectureID: 10, PageStart: 2, PageEnd: 2, Content: "neighbor chunk content"},
	}}
	finder := &fakeFinder{neighbors: []models.ChunkHit{{ChunkID: 2, LectureID: 10}}}

	candidates := []models.Candidate{{
		LectureID: 10,
		Evidence:  []models.Evidence{{ChunkID: 1}},
	}}

	out := Expand(context.Background(), candidates, finder, fetcher, Config{Enabled: true})
	if out[0].ParentText == "" {
		t.Fatal("expected parent text to be set")
	}
	if !strings.Contains(out[0].ParentText, "seed chunk content") || !strings.Contains(out[0].ParentText, "neighbor chunk content") {
		t.Fatalf("expected parent text to contain both chunks, got %q", out[0].ParentText)
	}
	if len(out[0].ParentChunkIDs) != 2 {
		t.Fatalf("expected 2 parent chunk ids, got %v", out[0].ParentChunkIDs)
	}
}

func TestExpand_DisabledIsNoOp(t *testing.T) {
	candidates := []models.Candidate{{Evidence: []models.Evidence{{ChunkID: 1}}}}
	out := Expand(context.Background(), candidates, &fakeFinder{}, &fakeFetcher{}, Config{Enabled: false})
	if out[0].ParentText != "" {
		t.Fatal("expected no expansion when disabled")
	}
}

func TestExpand_SkipsCandidatesWithNoEvidence(t *testing.T) {
	candidates := []models.Candidate{{}}
	out := Expand(context.Background(), candidates, &fakeFinder{}, &fakeFetcher{}, Config{Enabled: true})
	if out[0].ParentText != "" {
		t.Fatal("expected no expansion for candidate without evidence")
	}
}

func TestAssembleParentText_TruncatesOversizedSingleChunk(t *testing.T) {
	big := strings.Repeat("x", 100)
	chunks := []*models.LectureChunk{{ID: 1, Content: big}}
	text, ids := assembleParentText(chunks, 50)
	if len(text) != 50+len("...(truncated)") {
		t.Fatalf("expected truncated text length, got %d", len(text))
	}
	if len(ids) != 1 {
		t.Fatalf("expected single chunk id, got %v", ids)
	}
}

func TestAssembleParentText_StopsBeforeExceedingBudget(t *testing.T) {
	chunks := []*models.LectureChunk{
		{ID: 1, Content: strings.Repeat("a", 30)},
		{ID: 2, Content: strings.Repeat("b", 30)},
	}
	text, ids := assembleParentText(chunks, 40)
	if len(ids) != 1 {
		t.Fatalf("expected only the first chunk to fit, got %v", ids)
	}
	if !strings.Contains(text, "aaa") {
		t.Fatal("expected first chunk content present")
	}
}
