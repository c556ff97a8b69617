// Package tokenizer implements the query-to-FTS5-MATCH-string pipeline:
// tokenize, drop stopwords and reserved operators, quote where the FTS5
// grammar would otherwise choke, and join into a single MATCH expression.
package tokenizer

import (
	"regexp"
	"strings"
)

// ftsReserved are FTS5 boolean operators that must never appear bare in a
// MATCH expression built from free text.
var ftsReserved = map[string]bool{
	"OR": true, "AND": true, "NOT": true, "NEAR": true,
}

// bm25Stopwords are Korean exam-scaffolding words ("다음 중 옳은 것은" etc)
// that carry no discriminative signal for lecture retrieval.
var bm25Stopwords = map[string]bool{
	"다음": true, "중": true, "옳은": true, "틀린": true, "아닌": true,
	"것": true, "가장": true, "맞는": true, "고른": true, "고르시오": true,
	"선지": true, "문항": true, "보기": true, "위": true, "아래": true,
	"다음중": true, "해당": true, "설명": true, "것은": true,
}

// tokenRe matches, in priority order: ratios (120/80), decimals (7.35),
// alphanumerics with embedded digits (HCO3, HbA1c, pCO2, 2A), plain words
// (English with optional trailing +/-, or Korean), and bare integers.
var tokenRe = regexp.MustCompile(
	`\d+/\d+` +
		`|\d+\.\d+` +
		`|[A-Za-z]+[0-9]+[A-Za-z0-9]*[+-]?` +
		`|[0-9]+[A-Za-z]+[A-Za-z0-9]*` +
		`|[A-Za-z]+[+-]?` +
		`|[가-힣]+` +
		`|\d+`,
)

var specialChars = map[rune]bool{
	'-': true, '+': true, '/': true, '*': true, '"': true,
	'(': true, ')': true, '{': true, '}': true, '[': true, ']': true, ':': true,
}

// NeedsQuote reports whether token must be double-quoted to survive FTS5
// parsing: single characters, tokens starting with a digit, or tokens
// containing FTS5-special characters.
func NeedsQuote(token string) bool {
	if token == "" {
		return false
	}
	runes := []rune(token)
	if len(runes) == 1 {
		return true
	}
	if runes[0] >= '0' && runes[0] <= '9' {
		return true
	}
	for _, r := range runes {
		if specialChars[r] {
			return true
		}
	}
	return false
}

// Tokenize extracts tokens from text, dropping FTS5-reserved operators and
// BM25 stopwords. Order is preserved; duplicates are not removed here.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	matches := tokenRe.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, tok := range matches {
		if ftsReserved[strings.ToUpper(tok)] {
			continue
		}
		if bm25Stopwords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// CleanTokens drops any tokens that are BM25 stopwords, without touching
// the FTS-reserved filter (used on already-tokenized HyDE keyword lists).
func CleanTokens(tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !bm25Stopwords[t] {
			out = append(out, t)
		}
	}
	return out
}

// FilterNegative drops any token whose lowercase form appears in negatives.
func FilterNegative(tokens, negatives []string) []string {
	if len(tokens) == 0 || len(negatives) == 0 {
		return tokens
	}
	neg := make(map[string]bool, len(negatives))
	for _, n := range negatives {
		if n != "" {
			neg[strings.ToLower(n)] = true
		}
	}
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !neg[strings.ToLower(t)] {
			out = append(out, t)
		}
	}
	return out
}

// BuildHydePositiveTerms combines a question's own tokens with a HyDE
// payload's keywords per hyde_bm25_variant: orig_only keeps only the
// question's tokens (HyDE sees the BM25 leg untouched), hyde_only keeps
// only the HyDE keywords, and anything else (the mixed_light default)
// leads with the HyDE keywords followed by the question's stopword-cleaned
// tokens, so a keyword and a raw token never fight over the same slot.
func BuildHydePositiveTerms(variant string, origTokens, hydeKeywords []string) []string {
	switch variant {
	case "orig_only":
		return origTokens
	case "hyde_only":
		return hydeKeywords
	default:
		out := make([]string, 0, len(hydeKeywords)+len(origTokens))
		out = append(out, hydeKeywords...)
		out = append(out, CleanTokens(origTokens)...)
		return out
	}
}

// BuildFTSQuery dedupes tokens (preserving order), keeps at most maxTerms,
// quotes any token NeedsQuote flags, and OR-joins them into a single FTS5
// MATCH expression. A single surviving token is returned bare (quoted if
// needed) without an OR wrapper.
func BuildFTSQuery(tokens []string, maxTerms int) string {
	if len(tokens) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(tokens))
	deduped := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		deduped = append(deduped, t)
		if len(deduped) >= maxTerms {
			break
		}
	}
	if len(deduped) == 0 {
		return ""
	}
	quote := func(t string) string {
		if NeedsQuote(t) {
			return `"` + t + `"`
		}
		return t
	}
	if len(deduped) == 1 {
		return quote(deduped[0])
	}
	parts := make([]string, len(deduped))
	for i, t := range deduped {
		parts[i] = quote(t)
	}
	return strings.Join(parts, " OR ")
}

// NormalizeQuery tokenizes text (see Tokenize) and returns the surviving
// tokens, the intermediate form handed between the stages above.
func NormalizeQuery(text string) []string {
	return Tokenize(text)
}

// MakeBM25MatchQuery is the default single-shot MATCH string for a raw
// question: up to 16 terms OR-joined.
func MakeBM25MatchQuery(rawQuestionText string) string {
	return BuildFTSQuery(NormalizeQuery(rawQuestionText), 16)
}

// SafeMatchQueryVariants returns progressively narrower MATCH strings (16,
// 8, 4 terms) for callers that want to retry a query that returned zero
// rows with a looser or tighter term set.
func SafeMatchQueryVariants(rawQuestionText string) []string {
	tokens := NormalizeQuery(rawQuestionText)
	if len(tokens) == 0 {
		return nil
	}
	return []string{
		BuildFTSQuery(tokens, 16),
		BuildFTSQuery(tokens, 8),
		BuildFTSQuery(tokens, 4),
	}
}

// QueryEmbeddingPrefix returns the "query: " prefix E5-family embedding
// models require on query-side text (as opposed to "passage: " for stored
// chunk text), or "" for any other model. Only the query side is wired
// here since this engine only ever embeds queries itself; chunk/passage
// embeddings are produced by the ingestion pipeline, out of scope.
func QueryEmbeddingPrefix(modelName string) string {
	if strings.Contains(strings.ToLower(modelName), "e5") {
		return "query: "
	}
	return ""
}

// NormalizeEmbeddingText collapses whitespace (including NBSP) and
// truncates to maxChars characters; the engine applies it to both the
// question text and the HyDE lecture-style query before embedding them.
func NormalizeEmbeddingText(text string, maxChars int) string {
	if text == "" {
		return ""
	}
	s := strings.ReplaceAll(text, " ", " ")
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); maxChars > 0 && len(r) > maxChars {
		s = string(r[:maxChars])
	}
	return s
}
