// Package generation is the caller side of the miss path: when the cache
// has nothing to serve, the request goes out to the generative service and
// the accepted result is recorded as a new pattern.
package generation

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"modcache/internal/logging"
)

// Generator produces an artifact for a prompt. Implementations are the
// real Gemini client and the canned offline responder.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Client calls the Gemini API.
type Client struct {
	client *genai.Client
	model  string
}

// NewClient builds a Gemini-backed generator.
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("generation API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create generation client: %w", err)
	}

	return &Client{client: client, model: model}, nil
}

// Generate sends the prompt to the configured model and returns its text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryGeneration, "Client.Generate")
	defer timer.Stop()

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("model returned an empty response")
	}
	logging.GenerationDebug("Model %s returned %d bytes", c.model, len(text))
	return text, nil
}

// Offline is a deterministic canned responder for demos and tests. It
// never leaves the process.
type Offline struct{}

// Generate returns a stub artifact built from the prompt itself.
func (Offline) Generate(_ context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("prompt is empty")
	}
	return fmt.Sprintf("// Generated offline, no external service involved.\n// Request: %s\n", prompt), nil
}
