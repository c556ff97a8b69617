package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient wraps google.golang.org/genai for both the embedding calls
// C3 needs and the generation calls C5/C10 need.
type GeminiClient struct {
	client     *genai.Client
	embedModel string
	dim        int
}

// GeminiConfig carries the subset of internal/config.Specification the
// client needs to construct itself; kept separate so llm has no import
// dependency on internal/config.
type GeminiConfig struct {
	APIKey     string
	ProjectID  string
	Location   string
	EmbedModel string
	Dim        int
}

func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("gemini client requires either an API key or a project id")
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "text-embedding-005"
	}
	if cfg.Dim == 0 {
		cfg.Dim = 768
	}
	if cfg.Location == "" && strings.TrimSpace(cfg.APIKey) == "" {
		cfg.Location = "us-central1"
	}

	cc := genai.ClientConfig{Backend: genai.BackendVertexAI}
	if strings.TrimSpace(cfg.APIKey) != "" {
		cc.APIKey = cfg.APIKey
	}
	if strings.TrimSpace(cfg.ProjectID) != "" {
		cc.Project = cfg.ProjectID
	}
	if strings.TrimSpace(cfg.Location) != "" {
		cc.Location = cfg.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiClient{client: client, embedModel: cfg.EmbedModel, dim: cfg.Dim}, nil
}

// Embed implements Client. model is accepted for interface symmetry but
// Gemini's embedding model is fixed at construction time, matching the
// teacher's single-EmbedModel-per-client shape.
func (c *GeminiClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	cfg := genai.EmbedContentConfig{TaskType: "RETRIEVAL_QUERY"}
	res, err := c.client.Models.EmbedContent(ctx, c.embedModel, genai.Text(text), &cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return res.Embeddings[0].Values, nil
}

// Generate implements Client, used by both HyDE (C5) and the Judge (C10).
func (c *GeminiClient) Generate(ctx context.Context, model, prompt string, params GenerateParams) (string, error) {
	temp := params.Temperature
	topP := params.TopP
	cfg := genai.GenerateContentConfig{
		Temperature:     &temp,
		TopP:            &topP,
		MaxOutputTokens: params.MaxOutputTokens,
	}
	if params.ResponseMIMEType != "" {
		cfg.ResponseMIMEType = params.ResponseMIMEType
	}
	if params.SystemInstruction != "" {
		sys := genai.Text(params.SystemInstruction)
		cfg.SystemInstruction = sys[0]
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(prompt), &cfg)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no generation returned")
	}
	return string(resp.Candidates[0].Content.Parts[0].Text), nil
}

func (c *GeminiClient) Dim() int { return c.dim }
