// Package judge is C10: it builds the classification prompt for one
// question against its candidate lectures, calls the LLM, and repairs
// and validates whatever comes back into a ClassificationDecision.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kimseunghyun/examcls/internal/llm"
	"github.com/kimseunghyun/examcls/pkg/models"
)

// Config carries the tunables for the judge call.
type Config struct {
	ModelName       string
	Temperature     float32
	MaxOutputTokens int32
}

func (c Config) withDefaults() Config {
	if c.MaxOutputTokens < 650 {
		c.MaxOutputTokens = 650
	}
	if c.Temperature > 0.2 {
		c.Temperature = 0.2
	}
	return c
}

// rawDecision is the shape the model is asked to emit.
type rawDecision struct {
	LectureID  *int64        `json:"lecture_id"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason"`
	StudyHint  string        `json:"study_hint"`
	NoMatch    bool          `json:"no_match"`
	Evidence   []rawEvidence `json:"evidence"`
}

type rawEvidence struct {
	LectureID int64  `json:"lecture_id"`
	PageStart int    `json:"page_start"`
	PageEnd   int    `json:"page_end"`
	Quote     string `json:"quote"`
	ChunkID   int64  `json:"chunk_id"`
}

// ClassifySingle implements classify_single(question, candidates) →
// ClassificationDecision, including retry with exponential backoff and
// the full parse/repair/post-processing pipeline.
func ClassifySingle(ctx context.Context, client llm.Client, questionText string, choices []string, candidates []models.Candidate, cfg Config) models.ClassificationDecision {
	cfg = cfg.withDefaults()
	prompt := buildPrompt(questionText, choices, candidates)

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
				return errorDecision(ctx.Err(), cfg.ModelName)
			case <-time.After(wait):
			}
		}

		text, err := client.Generate(ctx, cfg.ModelName, prompt, llm.GenerateParams{
			Temperature:      cfg.Temperature,
			MaxOutputTokens:  cfg.MaxOutputTokens,
			ResponseMIMEType: "application/json",
		})
		if err != nil {
			lastErr = err
			continue
		}

		raw, err := parseJSON(text)
		if err != nil {
			lastErr = err
			continue
		}

		decision := postProcess(raw, candidates)
		decision.ModelName = cfg.ModelName
		decision.CandidateIDs = candidateIDs(candidates)
		return decision
	}

	return errorDecision(lastErr, cfg.ModelName)
}

func errorDecision(err error, modelName string) models.ClassificationDecision {
	reason := "JSON parse error: unknown"
	if err != nil {
		reason = fmt.Sprintf("JSON parse error: %v", err)
	}
	return models.ClassificationDecision{
		NoMatch:    true,
		Confidence: 0,
		Reason:     reason,
		ModelName:  modelName,
	}
}

func candidateIDs(candidates []models.Candidate) []int64 {
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.LectureID
	}
	return ids
}

func buildPrompt(questionText string, choices []string, candidates []models.Candidate) string {
	var sb strings.Builder
	sb.WriteString("문제:\n")
	sb.WriteString(questionText)
	sb.WriteString("\n\n")
	if len(choices) > 0 {
		sb.WriteString("선택지:\n")
		for i, c := range choices {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("후보 강의:\n")
	for i, cand := range candidates {
		fmt.Fprintf(&sb, "%d. [lecture_id: %d] %s\n", i+1, cand.LectureID, cand.FullPath)
		maxEvidence := 3
		for j, ev := range cand.Evidence {
			if j >= maxEvidence {
				break
			}
			fmt.Fprintf(&sb, "   - %s: \"%s\" (chunk_id: %d)\n", pageLabel(ev.PageStart, ev.PageEnd), ev.Snippet, ev.ChunkID)
		}
		if cand.ParentText != "" {
			fmt.Fprintf(&sb, "   context: %s\n", cand.ParentText)
		}
	}

	sb.WriteString(`
아래 JSON 형식으로만 응답하라:
{
  "lecture_id": <정수 또는 null>,
  "confidence": <0.0 ~ 1.0>,
  "reason": "<짧은 근거>",
  "study_hint": "<짧은 학습 힌트>",
  "no_match": <true/false>,
  "evidence": [{"lecture_id": <int>, "page_start": <int>, "page_end": <int>, "quote": "<인용>", "chunk_id": <int>}]
}
`)
	return sb.String()
}

func pageLabel(start, end int) string {
	if start == 0 && end == 0 {
		return "p.?"
	}
	if start == end {
		return fmt.Sprintf("p.%d", start)
	}
	return fmt.Sprintf("p.%d-%d", start, end)
}

var (
	fencePattern      = regexp.MustCompile("```(?:json)?")
	trailingCommaRe   = regexp.MustCompile(`,\s*([}\]])`)
	controlCharRe     = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
	lectureIDFieldRe  = regexp.MustCompile(`"lecture_id"\s*:\s*(null|-?\d+)`)
	confidenceFieldRe = regexp.MustCompile(`"confidence"\s*:\s*([0-9.]+)`)
	reasonFieldRe     = regexp.MustCompile(`"reason"\s*:\s*"([^"]*)"`)
	studyHintFieldRe  = regexp.MustCompile(`"study_hint"\s*:\s*"([^"]*)"`)
	noMatchFieldRe    = regexp.MustCompile(`"no_match"\s*:\s*(true|false)`)
)

// parseJSON implements the four-step parse/repair pipeline: extract the
// first balanced brace block, strip fences/control-chars/smart-quotes/
// trailing commas, attempt a strict parse, and on failure regex-scrape
// the handful of scalar fields as a last resort.
func parseJSON(text string) (rawDecision, error) {
	block := extractBalancedBraces(text)
	if block == "" {
		block = text
	}
	cleaned := cleanJSONText(block)

	var raw rawDecision
	if err := json.Unmarshal([]byte(cleaned), &raw); err == nil {
		return raw, nil
	}

	return regexScrape(cleaned)
}

func extractBalancedBraces(text string) string {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text[start:]
}

func cleanJSONText(s string) string {
	s = fencePattern.ReplaceAllString(s, "")
	s = controlCharRe.ReplaceAllString(s, "")
	s = strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	).Replace(s)
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

func regexScrape(text string) (rawDecision, error) {
	var raw rawDecision
	found := false

	if m := lectureIDFieldRe.FindStringSubmatch(text); m != nil {
		found = true
		if m[1] != "null" {
			if id, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				raw.LectureID = &id
			}
		}
	}
	if m := confidenceFieldRe.FindStringSubmatch(text); m != nil {
		found = true
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			raw.Confidence = v
		}
	}
	if m := reasonFieldRe.FindStringSubmatch(text); m != nil {
		found = true
		raw.Reason = m[1]
	}
	if m := studyHintFieldRe.FindStringSubmatch(text); m != nil {
		raw.StudyHint = m[1]
	}
	if m := noMatchFieldRe.FindStringSubmatch(text); m != nil {
		found = true
		raw.NoMatch = m[1] == "true"
	}

	if !found {
		return rawDecision{}, fmt.Errorf("no recognizable JSON fields in model output")
	}
	return raw, nil
}

// postProcess enforces the contract's coherence invariants: no_match
// implies a null lecture and empty evidence, an out-of-set lecture_id is
// downgraded to no_match, and surviving evidence is normalized against
// the chosen candidate's own evidence.
func postProcess(raw rawDecision, candidates []models.Candidate) models.ClassificationDecision {
	decision := models.ClassificationDecision{
		Confidence: clamp01(raw.Confidence),
		Reason:     raw.Reason,
		StudyHint:  raw.StudyHint,
		NoMatch:    raw.NoMatch,
	}

	if raw.NoMatch {
		decision.LectureID = nil
		decision.Evidence = nil
		return decision
	}

	if raw.LectureID == nil {
		decision.NoMatch = true
		decision.Evidence = nil
		return decision
	}

	chosen := findCandidate(candidates, *raw.LectureID)
	if chosen == nil {
		decision.LectureID = nil
		decision.NoMatch = true
		decision.Evidence = nil
		return decision
	}

	decision.LectureID = raw.LectureID
	decision.Evidence = normalizeEvidence(raw.Evidence, *chosen)
	return decision
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func findCandidate(candidates []models.Candidate, lectureID int64) *models.Candidate {
	for i := range candidates {
		if candidates[i].LectureID == lectureID {
			return &candidates[i]
		}
	}
	return nil
}

func normalizeEvidence(raw []rawEvidence, chosen models.Candidate) []models.Evidence {
	byChunk := make(map[int64]models.Evidence, len(chosen.Evidence))
	for _, ev := range chosen.Evidence {
		byChunk[ev.ChunkID] = ev
	}

	var out []models.Evidence
	for _, r := range raw {
		candidateEv, ok := byChunk[r.ChunkID]
		if !ok {
			continue
		}
		quote := strings.TrimSpace(r.Quote)
		if quote != "" && strings.Contains(candidateEv.Snippet, quote) {
			out = append(out, models.Evidence{
				ChunkID:   candidateEv.ChunkID,
				PageStart: candidateEv.PageStart,
				PageEnd:   candidateEv.PageEnd,
				Snippet:   quote,
				Score:     candidateEv.Score,
			})
		} else {
			out = append(out, candidateEv)
		}
	}

	if len(out) == 0 {
		max := 2
		if max > len(chosen.Evidence) {
			max = len(chosen.Evidence)
		}
		out = append(out, chosen.Evidence[:max]...)
	}
	return out
}
