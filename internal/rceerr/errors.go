// Package rceerr holds the sentinel errors components use to signal
// degraded-but-recoverable conditions, checked with errors.Is. Some are
// returned from a component's public functions (lexicalindex returns
// ErrEmptyQuery for a query with no usable terms; hyde wraps
// ErrHydeGenerationFailed); the engine turns those into an empty result or
// into retrieval without HyDE, so they never reach the engine's callers.
package rceerr

import "errors"

var (
	ErrEmptyQuery           = errors.New("query text is empty")
	ErrIndexUnavailable     = errors.New("lexical index unavailable")
	ErrEmbeddingUnavailable = errors.New("dense index unavailable")
	ErrNoCandidates         = errors.New("no candidates survived retrieval")
	ErrHydeGenerationFailed = errors.New("hyde generation failed")
	ErrJudgeParseFailed     = errors.New("judge response could not be parsed")
	ErrCacheCorrupt         = errors.New("result cache file is corrupt")
	ErrJobNotFound          = errors.New("classification job not found")
	ErrScopeEmpty           = errors.New("resolved scope contains no lectures")
)
