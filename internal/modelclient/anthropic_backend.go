package modelclient

import (
	"context"
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend is the real Backend, generalizing the teacher's
// anthropic.go (client construction, streaming message call) into a
// single synchronous completion used by the Model Client's retry loop.
type AnthropicBackend struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicBackend builds a Backend around the Anthropic SDK.
func NewAnthropicBackend(apiKey, model string) *AnthropicBackend {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicBackend{client: &c, model: model}
}

// Complete sends prompt as a single user message and returns the
// concatenated text content. Network failures and 5xx-equivalent API
// errors are wrapped as Transient so the Client's retry loop engages;
// anything else (bad request, auth failure) is returned as-is and treated
// as permanent.
func (b *AnthropicBackend) Complete(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.F(b.model),
		MaxTokens: anthropic.F(int64(512)),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		}),
	}
	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		if isTransientHTTPError(err) {
			return "", Transient(err)
		}
		return "", err
	}
	var out string
	for _, block := range msg.Content {
		if tb, ok := block.AsUnion().(anthropic.TextBlock); ok {
			out += tb.Text
		}
	}
	if out == "" {
		return "", errors.New("empty completion")
	}
	return out, nil
}

func isTransientHTTPError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true // network-level errors with no status code are treated as transient
}
