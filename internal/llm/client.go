// Package llm defines the single capability interface every LLM-backed
// component (HyDE, Judge) is built against: generate text from a prompt,
// embed text to a vector. Retries, timeouts, and response repair are the
// caller's responsibility, not the provider's.
package llm

import "context"

// GenerateParams mirrors the provider-agnostic generation knobs callers
// configure per request.
type GenerateParams struct {
	Temperature      float32
	TopP             float32
	MaxOutputTokens  int32
	ResponseMIMEType string
	SystemInstruction string
}

// Client is the provider-opaque capability surface. A concrete
// implementation (GeminiClient, StubClient) hides API keys, transport, and
// SDK-specific request shaping behind it.
type Client interface {
	Generate(ctx context.Context, model, prompt string, params GenerateParams) (string, error)
	Embed(ctx context.Context, model, text string) ([]float32, error)
	Dim() int
}
