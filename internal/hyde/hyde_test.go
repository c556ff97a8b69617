package hyde

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kimseunghyun/examcls/internal/llm"
	"github.com/kimseunghyun/examcls/pkg/models"
)

type fakeQueryStore struct {
	cached map[string]models.QuestionQuery
	saved  []models.QuestionQuery
}

func newFakeQueryStore() *fakeQueryStore {
	return &fakeQueryStore{cached: map[string]models.QuestionQuery{}}
}

func (f *fakeQueryStore) key(questionID int64, promptVersion string) string {
	return fmt.Sprintf("%s:%d", promptVersion, questionID)
}

func (f *fakeQueryStore) GetQuery(ctx context.Context, questionID int64, promptVersion string) (*models.QuestionQuery, error) {
	if q, ok := f.cached[f.key(questionID, promptVersion)]; ok {
		return &q, nil
	}
	return nil, nil
}

func (f *fakeQueryStore) SaveQuery(ctx context.Context, q models.QuestionQuery) error {
	f.saved = append(f.saved, q)
	f.cached[f.key(q.QuestionID, q.PromptVersion)] = q
	return nil
}

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

const wellFormed = `[KEYWORDS]
- 급성 심근경색 진단
- 트로포닌 상승

[LECTURE_STYLE_QUERY]
급성 심근경색의 진단 기준과 심전도 변화를 설명한다.

[NEGATIVE_KEYWORDS]
- 다음 중 옳은 것은
- 보기`

func TestGetPayload_ReturnsCachedWithoutCallingLLM(t *testing.T) {
	store := newFakeQueryStore()
	store.cached[store.key(1, "hyde_v1")] = models.QuestionQuery{QuestionID: 1, PromptVersion: "hyde_v1", LectureStyleQuery: "cached"}

	client := &scriptedClient{}
	payload, err := GetPayload(context.Background(), client, store, 1, "문제 내용", true, Config{})
	if err != nil {
		t.Fatalf("GetPayload: %v", err)
	}
	if payload.LectureStyleQuery != "cached" {
		t.Fatalf("expected cached payload, got %+v", payload)
	}
	if client.call != 0 {
		t.Fatalf("expected no LLM calls when cache hit, got %d", client.call)
	}
}

func TestGetPayload_GeneratesAndCachesOnMiss(t *testing.T) {
	store := newFakeQueryStore()
	client := &scriptedClient{responses: []string{wellFormed}}

	payload, err := GetPayload(context.Background(), client, store, 2, "문제 내용", true, Config{})
	if err != nil {
		t.Fatalf("GetPayload: %v", err)
	}
	if len(payload.Keywords) != 2 {
		t.Fatalf("expected 2 keywords parsed, got %v", payload.Keywords)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected generated payload to be cached, got %d saves", len(store.saved))
	}
}

func TestGetPayload_NoGenerateWithoutAllowFlag(t *testing.T) {
	store := newFakeQueryStore()
	client := &scriptedClient{responses: []string{wellFormed}}

	payload, err := GetPayload(context.Background(), client, store, 3, "문제 내용", false, Config{})
	if err != nil {
		t.Fatalf("GetPayload: %v", err)
	}
	if payload != nil {
		t.Fatalf("expected nil payload when generation disallowed, got %+v", payload)
	}
}

func TestParseTransformation_RejectsMissingSections(t *testing.T) {
	if parseTransformation("no sections here") != nil {
		t.Fatal("expected nil for unparseable text")
	}
}

func TestParseTransformation_DedupsBullets(t *testing.T) {
	text := `[KEYWORDS]
- A
- A
- B

[LECTURE_STYLE_QUERY]
설명

[NEGATIVE_KEYWORDS]
- X`
	parsed := parseTransformation(text)
	if parsed == nil {
		t.Fatal("expected parsed result")
	}
	if len(parsed.Keywords) != 2 {
		t.Fatalf("expected deduped keywords, got %v", parsed.Keywords)
	}
}

func TestGenerateWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	client := &scriptedClient{
		errs:      []error{errors.New("transient"), errors.New("transient"), nil},
		responses: []string{"", "", wellFormed},
	}
	result, err := generateWithRetry(context.Background(), client, "문제", Config{}.withDefaults())
	if err != nil {
		t.Fatalf("generateWithRetry: %v", err)
	}
	if result == nil {
		t.Fatal("expected a result on eventual success")
	}
}
