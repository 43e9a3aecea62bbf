// Package gemini implements analysis.Provider on the Google GenAI API.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/linnemanlabs/responder/internal/analysis"
)

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client implements analysis.Provider for Gemini models.
type Client struct {
	models generator
	model  string
}

var _ analysis.Provider = (*Client)(nil)

// New creates a Gemini client for the given API key and model name.
func New(ctx context.Context, apiKey, model string) (*Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Client{models: c.Models, model: model}, nil
}

// Complete sends a single-turn request with the system instruction attached.
func (c *Client) Complete(ctx context.Context, req *analysis.CompletionRequest) (*analysis.Completion, error) {
	resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), toConfig(req))
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	out := &analysis.Completion{Text: resp.Text(), Model: c.model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}

func toConfig(req *analysis.CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens), //nolint:gosec // bounded by the analysis engine
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return cfg
}
