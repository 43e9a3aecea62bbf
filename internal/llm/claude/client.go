// Package claude implements analysis.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/responder/internal/analysis"
)

const defaultTimeout = 120 * time.Second

// messageAPI is the part of the SDK message service the client calls.
type messageAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client implements analysis.Provider for Claude.
type Client struct {
	messages messageAPI
	model    string
}

var _ analysis.Provider = (*Client)(nil)

// New creates a Claude client with the given API key and model name.
// Additional request options are passed to the SDK, e.g. a base URL.
func New(apiKey, model string, timeout time.Duration, opts ...option.RequestOption) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	all := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
	}, opts...)
	c := anthropic.NewClient(all...)
	return &Client{messages: &c.Messages, model: model}
}

// Complete sends a single-turn request and returns the concatenated text.
func (c *Client) Complete(ctx context.Context, req *analysis.CompletionRequest) (*analysis.Completion, error) {
	msg, err := c.messages.New(ctx, toSDKParams(c.model, req))
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKParams(model string, req *analysis.CompletionRequest) anthropic.MessageNewParams {
	p := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		p.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return p
}

func fromSDKResponse(msg *anthropic.Message) *analysis.Completion {
	var b strings.Builder
	for i := range msg.Content {
		if msg.Content[i].Type == "text" {
			b.WriteString(msg.Content[i].Text)
		}
	}
	return &analysis.Completion{
		Text:         b.String(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
}
