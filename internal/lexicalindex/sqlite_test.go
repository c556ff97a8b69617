package lexicalindex

import (
	"context"
	"testing"

	"github.com/kimseunghyun/examcls/pkg/models"
)

func seedIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	entries := []models.ChunkLexicalEntry{
		{ChunkID: 1, LectureID: 10, PageStart: 1, PageEnd: 1, Content: "개체명 인식과 품사 태깅의 차이점에 대한 설명"},
		{ChunkID: 2, LectureID: 10, PageStart: 2, PageEnd: 2, Content: "합성곱 신경망 구조와 풀링 레이어의 역할"},
		{ChunkID: 3, LectureID: 20, PageStart: 1, PageEnd: 1, Content: "트랜잭션 격리 수준과 동시성 제어 기법"},
	}
	for _, e := range entries {
		if err := idx.Upsert(context.Background(), e); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	return idx
}

func TestSearchBM25_ReturnsMatches(t *testing.T) {
	idx := seedIndex(t)
	hits, err := idx.SearchBM25(context.Background(), "개체명 인식에 대해 설명하시오", 5, nil)
	if err != nil {
		t.Fatalf("SearchBM25: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if hits[0].ChunkID != 1 {
		t.Fatalf("expected chunk 1 to rank first, got %d", hits[0].ChunkID)
	}
}

func TestSearchBM25_EmptyLectureIDsShortCircuits(t *testing.T) {
	idx := seedIndex(t)
	hits, err := idx.SearchBM25(context.Background(), "개체명 인식", 5, []int64{})
	if err != nil {
		t.Fatalf("SearchBM25: %v", err)
	}
	if hits != nil {
		t.Fatalf("expected nil hits for empty lecture_ids, got %v", hits)
	}
}

func TestSearchBM25_ScopedToLectureIDs(t *testing.T) {
	idx := seedIndex(t)
	hits, err := idx.SearchBM25(context.Background(), "신경망 트랜잭션", 5, []int64{20})
	if err != nil {
		t.Fatalf("SearchBM25: %v", err)
	}
	for _, h := range hits {
		if h.LectureID != 20 {
			t.Fatalf("expected only lecture 20 hits, got lecture %d", h.LectureID)
		}
	}
}

func TestSearchBM25_EmptyQueryError(t *testing.T) {
	idx := seedIndex(t)
	_, err := idx.SearchBM25(context.Background(), "것은 위 아래", 5, nil)
	if err == nil {
		t.Fatal("expected an error for a query with only stopwords")
	}
}

func TestUpsert_ReplacesExistingEntry(t *testing.T) {
	idx := seedIndex(t)
	if err := idx.Upsert(context.Background(), models.ChunkLexicalEntry{
		ChunkID: 1, LectureID: 10, PageStart: 1, PageEnd: 1, Content: "완전히 다른 내용의 강의 자료",
	}); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}
	hits, err := idx.SearchBM25(context.Background(), "완전히 다른 내용", 5, nil)
	if err != nil {
		t.Fatalf("SearchBM25: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != 1 {
		t.Fatalf("expected single replaced hit for chunk 1, got %v", hits)
	}
}

func TestDelete_RemovesEntry(t *testing.T) {
	idx := seedIndex(t)
	if err := idx.Delete(context.Background(), 2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	hits, err := idx.SearchBM25(context.Background(), "합성곱 신경망 풀링", 5, nil)
	if err != nil {
		t.Fatalf("SearchBM25: %v", err)
	}
	for _, h := range hits {
		if h.ChunkID == 2 {
			t.Fatal("deleted chunk still present in results")
		}
	}
}

func TestSearchBM25Tokens_UsesGivenPositiveTermsNotRawQuery(t *testing.T) {
	idx := seedIndex(t)
	hits, err := idx.SearchBM25Tokens(context.Background(), []string{"트랜잭션", "격리"}, 16, 5, nil)
	if err != nil {
		t.Fatalf("SearchBM25Tokens: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != 3 {
		t.Fatalf("expected only chunk 3 to match the given terms, got %v", hits)
	}
}

func TestSearchBM25Tokens_EmptyLectureIDsShortCircuits(t *testing.T) {
	idx := seedIndex(t)
	hits, err := idx.SearchBM25Tokens(context.Background(), []string{"트랜잭션"}, 16, 5, []int64{})
	if err != nil {
		t.Fatalf("SearchBM25Tokens: %v", err)
	}
	if hits != nil {
		t.Fatalf("expected nil hits for empty lecture_ids, got %v", hits)
	}
}

func TestSemanticNeighbors_ExcludesSeedAndScopesToLecture(t *testing.T) {
	idx := seedIndex(t)
	hits, err := idx.SemanticNeighbors(context.Background(), "합성곱 신경망 풀링 레이어", 10, 2, 5)
	if err != nil {
		t.Fatalf("SemanticNeighbors: %v", err)
	}
	for _, h := range hits {
		if h.ChunkID == 2 {
			t.Fatal("seed chunk should be excluded from neighbors")
		}
		if h.LectureID != 10 {
			t.Fatalf("expected only lecture 10 neighbors, got %d", h.LectureID)
		}
	}
}
