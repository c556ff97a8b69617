package judge

import (
	"context"
	"errors"
	"testing"

	"github.com/kimseunghyun/examcls/internal/llm"
	"github.com/kimseunghyun/examcls/pkg/models"
)

type scriptedClient struct {
	responses []string
	errs      []error
	call      int
}

func (s *scriptedClient) Generate(ctx context.Context, model, prompt string, params llm.GenerateParams) (string, error) {
	i := s.call
	s.call++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return "", errors.New("no more scripted responses")
}

func (s *scriptedClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return nil, nil
}

func (s *scriptedClient) Dim() int { return 0 }

func sampleCandidates() []models.Candidate {
	return []models.Candidate{
		{
			LectureID: 10,
			FullPath:  "생리학 > 심장생리",
			Evidence: []models.Evidence{
				{ChunkID: 1, PageStart: 5, PageEnd: 5, Snippet: "심근경색은 관상동맥의 급성 폐색으로 발생한다"},
				{ChunkID: 2, PageStart: 6, PageEnd: 7, Snippet: "트로포닌 수치는 발병 후 수 시간 내 상승한다"},
			},
		},
		{
			LectureID: 20,
			FullPath:  "해부학 > 순환계",
			Evidence: []models.Evidence{
				{ChunkID: 3, PageStart: 1, PageEnd: 1, Snippet: "심장은 네 개의 방으로 구성된다"},
			},
		},
	}
}

func TestClassifySingle_ParsesWellFormedJSON(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"lecture_id": 10, "confidence": 0.92, "reason": "트로포닌 언급", "study_hint": "심근경색 단원 복습", "no_match": false, "evidence": [{"lecture_id": 10, "page_start": 6, "page_end": 7, "quote": "트로포닌 수치는 발병 후 수 시간 내 상승한다", "chunk_id": 2}]}`,
	}}

	decision := ClassifySingle(context.Background(), client, "문제 본문", nil, sampleCandidates(), Config{ModelName: "gemini-2.0-flash"})

	if decision.LectureID == nil || *decision.LectureID != 10 {
		t.Fatalf("expected lecture 10, got %+v", decision.LectureID)
	}
	if decision.Confidence != 0.92 {
		t.Fatalf("expected confidence 0.92, got %v", decision.Confidence)
	}
	if len(decision.Evidence) != 1 || decision.Evidence[0].ChunkID != 2 {
		t.Fatalf("expected single evidence for chunk 2, got %+v", decision.Evidence)
	}
	if decision.ModelName != "gemini-2.0-flash" {
		t.Fatalf("expected model name attached, got %q", decision.ModelName)
	}
}

func TestClassifySingle_StripsCodeFenceAndTrailingComma(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"```json\n{\"lecture_id\": 20, \"confidence\": 0.5, \"reason\": \"순환계\", \"study_hint\": \"\", \"no_match\": false, \"evidence\": [],}\n```",
	}}

	decision := ClassifySingle(context.Background(), client, "q", nil, sampleCandidates(), Config{ModelName: "m"})
	if decision.LectureID == nil || *decision.LectureID != 20 {
		t.Fatalf("expected lecture 20 after repair, got %+v", decision.LectureID)
	}
	if len(decision.Evidence) != 1 {
		t.Fatalf("expected synthesized evidence from empty list, got %+v", decision.Evidence)
	}
}

func TestClassifySingle_NoMatchClearsLectureAndEvidence(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"lecture_id": 10, "confidence": 0.1, "reason": "관련 없음", "study_hint": "", "no_match": true, "evidence": [{"lecture_id": 10, "page_start": 5, "page_end": 5, "quote": "x", "chunk_id": 1}]}`,
	}}

	decision := ClassifySingle(context.Background(), client, "q", nil, sampleCandidates(), Config{ModelName: "m"})
	if decision.LectureID != nil {
		t.Fatalf("expected nil lecture on no_match, got %v", *decision.LectureID)
	}
	if decision.Evidence != nil {
		t.Fatalf("expected nil evidence on no_match, got %+v", decision.Evidence)
	}
}

func TestClassifySingle_OutOfSetLectureIDDowngradesToNoMatch(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"lecture_id": 999, "confidence": 0.8, "reason": "unknown lecture", "study_hint": "", "no_match": false, "evidence": []}`,
	}}

	decision := ClassifySingle(context.Background(), client, "q", nil, sampleCandidates(), Config{ModelName: "m"})
	if !decision.NoMatch || decision.LectureID != nil {
		t.Fatalf("expected downgrade to no_match for out-of-set lecture id, got %+v", decision)
	}
}

func TestClassifySingle_EvidenceQuoteNotSubstringFallsBackToCandidateSnippet(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"lecture_id": 10, "confidence": 0.7, "reason": "r", "study_hint": "", "no_match": false, "evidence": [{"lecture_id": 10, "page_start": 5, "page_end": 5, "quote": "완전히 다른 문장", "chunk_id": 1}]}`,
	}}

	decision := ClassifySingle(context.Background(), client, "q", nil, sampleCandidates(), Config{ModelName: "m"})
	if len(decision.Evidence) != 1 {
		t.Fatalf("expected one evidence row, got %+v", decision.Evidence)
	}
	if decision.Evidence[0].Snippet != "심근경색은 관상동맥의 급성 폐색으로 발생한다" {
		t.Fatalf("expected fallback to candidate snippet, got %q", decision.Evidence[0].Snippet)
	}
}

func TestClassifySingle_UnknownChunkIDEvidenceDropped(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"lecture_id": 10, "confidence": 0.7, "reason": "r", "study_hint": "", "no_match": false, "evidence": [{"lecture_id": 10, "page_start": 9, "page_end": 9, "quote": "x", "chunk_id": 999}]}`,
	}}

	decision := ClassifySingle(context.Background(), client, "q", nil, sampleCandidates(), Config{ModelName: "m"})
	if len(decision.Evidence) != 2 {
		t.Fatalf("expected fallback synthesis from top candidate evidence, got %+v", decision.Evidence)
	}
}

func TestClassifySingle_RegexScrapeFallbackOnMalformedJSON(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`some preamble text "lecture_id": 10, "confidence": 0.4 garbage "reason": "noisy output" trailing junk`,
	}}

	decision := ClassifySingle(context.Background(), client, "q", nil, sampleCandidates(), Config{ModelName: "m"})
	if decision.LectureID == nil || *decision.LectureID != 10 {
		t.Fatalf("expected regex-scraped lecture id 10, got %+v", decision.LectureID)
	}
	if decision.Confidence != 0.4 {
		t.Fatalf("expected regex-scraped confidence 0.4, got %v", decision.Confidence)
	}
}

func TestClassifySingle_PermanentFailureReturnsNoMatchWithReason(t *testing.T) {
	client := &scriptedClient{responses: []string{"not json at all", "still not json", "nope"}}

	decision := ClassifySingle(context.Background(), client, "q", nil, sampleCandidates(), Config{ModelName: "m"})
	if !decision.NoMatch || decision.Confidence != 0 {
		t.Fatalf("expected permanent-failure no_match decision, got %+v", decision)
	}
	if decision.Reason == "" {
		t.Fatal("expected a non-empty reason explaining the parse failure")
	}
}

func TestClassifySingle_RetriesAfterTransientGenerateError(t *testing.T) {
	client := &scriptedClient{
		errs:      []error{errors.New("transient 503")},
		responses: []string{"", `{"lecture_id": 10, "confidence": 0.6, "reason": "ok", "study_hint": "", "no_match": false, "evidence": []}`},
	}

	decision := ClassifySingle(context.Background(), client, "q", nil, sampleCandidates(), Config{ModelName: "m"})
	if decision.LectureID == nil || *decision.LectureID != 10 {
		t.Fatalf("expected successful decision after retry, got %+v", decision)
	}
}

func TestPageLabel_CollapsesSinglePageAndHandlesUnknown(t *testing.T) {
	if got := pageLabel(5, 5); got != "p.5" {
		t.Fatalf("expected p.5, got %q", got)
	}
	if got := pageLabel(5, 7); got != "p.5-7" {
		t.Fatalf("expected p.5-7, got %q", got)
	}
	if got := pageLabel(0, 0); got != "p.?" {
		t.Fatalf("expected p.?, got %q", got)
	}
}
