// Package hyde implements C5: hypothetical document expansion. Given a raw
// question, it asks an LLM for a lecture-style paraphrase plus keyword and
// negative-keyword lists, caching the result per (question_id,
// prompt_version) so the same question never re-prompts the model.
package hyde

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kimseunghyun/examcls/internal/llm"
	"github.com/kimseunghyun/examcls/internal/rceerr"
	"github.com/kimseunghyun/examcls/pkg/models"
)

const promptTemplate = `역할: 너는 시험 문제에 대응하는 강의록 검색을 돕는 "검색 쿼리 생성기"다.

규칙:
- 절대 정답을 말하지 마라.
- 절대 선지 번호(1~5)나 특정 선택지를 고르지 마라.
- "다음 중 옳은 것은/틀린 것은" 같은 시험 문구는 제거하라.
- 강의록에서 찾아야 할 핵심 개념/정의/원리 중심으로 작성하라.
- 전문 용어는 가능한 한 원어(영문 약어 포함)로도 병기하라.
- 출력은 아래 형식 그대로.

출력 형식:
[KEYWORDS]
- (핵심 키워드 4~7개, 각 2~5단어)

[LECTURE_STYLE_QUERY]
(강의록에서 그대로 찾을 법한 서술형 1~2문장)

[NEGATIVE_KEYWORDS]
- (검색에 방해되는 시험 문구/일반어 3~6개)

문제:
<<<
%s
>>>
`

var sectionPattern = regexp.MustCompile(`(?is)\[KEYWORDS\](.*?)\[LECTURE_STYLE_QUERY\](.*?)\[NEGATIVE_KEYWORDS\](.*)`)

// QueryStore is the C5 persistence seam: the QuestionQuery cache table.
type QueryStore interface {
	GetQuery(ctx context.Context, questionID int64, promptVersion string) (*models.QuestionQuery, error)
	SaveQuery(ctx context.Context, q models.QuestionQuery) error
}

// Config carries the tunables for HyDE generation.
type Config struct {
	ModelName       string
	PromptVersion   string
	MaxKeywords     int
	MaxNegative     int
	Temperature     float32
	TopP            float32
	MaxOutputTokens int32
}

func (c Config) withDefaults() Config {
	if c.MaxKeywords == 0 {
		c.MaxKeywords = 7
	}
	if c.MaxNegative == 0 {
		c.MaxNegative = 6
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.TopP == 0 {
		c.TopP = 0.8
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = 400
	}
	if c.PromptVersion == "" {
		c.PromptVersion = "hyde_v1"
	}
	return c
}

// GetPayload returns the cached query transformation for a question, or
// generates and caches one if allowGenerate is true and no cached row
// exists. A nil, nil return means "no HyDE available for this question" —
// callers fall back to original-query-only retrieval.
func GetPayload(ctx context.Context, client llm.Client, store QueryStore, questionID int64, questionText string, allowGenerate bool, cfg Config) (*models.QuestionQuery, error) {
	if questionID == 0 || strings.TrimSpace(questionText) == "" {
		return nil, nil
	}
	cfg = cfg.withDefaults()

	cached, err := store.GetQuery(ctx, questionID, cfg.PromptVersion)
	if err != nil {
		return nil, fmt.Errorf("lookup cached query: %w", err)
	}
	if cached != nil {
		return cached, nil
	}
	if !allowGenerate {
		return nil, nil
	}

	generated, err := generateWithRetry(ctx, client, questionText, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rceerr.ErrHydeGenerationFailed, err)
	}

	row := models.QuestionQuery{
		QuestionID:        questionID,
		PromptVersion:     cfg.PromptVersion,
		Keywords:          generated.Keywords,
		LectureStyleQuery: generated.LectureStyleQuery,
		NegativeKeywords:  generated.NegativeKeywords,
	}
	if err := store.SaveQuery(ctx, row); err != nil {
		// Caching is best-effort: a save failure still returns the
		// freshly generated payload to the caller.
		return &row, nil
	}
	return &row, nil
}

func generateWithRetry(ctx context.Context, client llm.Client, questionText string, cfg Config) (*models.QuestionQuery, error) {
	const maxAttempts = 3
	base := 2 * time.Second
	maxWait := 30 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := base * time.Duration(1<<uint(attempt-1))
			if wait > maxWait {
				wait = maxWait
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := generateOnce(ctx, client, questionText, cfg)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func generateOnce(ctx context.Context, client llm.Client, questionText string, cfg Config) (*models.QuestionQuery, error) {
	prompt := fmt.Sprintf(promptTemplate, questionText)
	text, err := client.Generate(ctx, cfg.ModelName, prompt, llm.GenerateParams{
		Temperature:     cfg.Temperature,
		TopP:            cfg.TopP,
		MaxOutputTokens: cfg.MaxOutputTokens,
	})
	if err != nil {
		return nil, err
	}

	parsed := parseTransformation(text)
	if parsed == nil {
		return nil, fmt.Errorf("failed to parse query transformation output")
	}
	parsed.Keywords = limitItems(parsed.Keywords, cfg.MaxKeywords)
	parsed.NegativeKeywords = limitItems(parsed.NegativeKeywords, cfg.MaxNegative)
	return parsed, nil
}

func parseTransformation(text string) *models.QuestionQuery {
	match := sectionPattern.FindStringSubmatch(strings.TrimSpace(text))
	if match == nil {
		return nil
	}
	keywords := parseBullets(match[1])
	negative := parseBullets(match[3])

	var lectureLines []string
	for _, line := range strings.Split(match[2], "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lectureLines = append(lectureLines, line)
		}
	}
	lectureStyleQuery := strings.TrimSpace(strings.Join(lectureLines, " "))
	if lectureStyleQuery == "" {
		return nil
	}

	return &models.QuestionQuery{
		Keywords:          keywords,
		LectureStyleQuery: lectureStyleQuery,
		NegativeKeywords:  negative,
	}
}

func parseBullets(section string) []string {
	if strings.TrimSpace(section) == "" {
		return nil
	}
	var cleaned []string
	seen := make(map[string]struct{})
	for _, line := range strings.Split(section, "\n") {
		item := strings.TrimSpace(line)
		if item == "" {
			continue
		}
		item = strings.TrimPrefix(item, "-")
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		cleaned = append(cleaned, item)
	}
	return cleaned
}

func limitItems(items []string, max int) []string {
	if max <= 0 || len(items) <= max {
		return items
	}
	return items[:max]
}
