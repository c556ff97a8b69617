package llm

import "context"

// StubClient is a deterministic, network-free Client used by tests and by
// local development without a configured API key.
type StubClient struct {
	dim int
}

func NewStubClient(dim int) *StubClient {
	return &StubClient{dim: dim}
}

func (s *StubClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	v := make([]float32, s.dim)
	if s.dim > 0 && text != "" {
		v[0] = 1.0
	}
	return v, nil
}

func (s *StubClient) Generate(ctx context.Context, model, prompt string, params GenerateParams) (string, error) {
	return `{"lecture_id": null, "confidence": 0.0, "reason": "stub provider", "study_hint": "", "no_match": true, "evidence": []}`, nil
}

func (s *StubClient) Dim() int { return s.dim }
