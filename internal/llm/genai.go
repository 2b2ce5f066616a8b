package llm

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// GenAIClient backs the collaborator with the Gemini API.
type GenAIClient struct {
	client      *genai.Client
	mu          sync.RWMutex
	model       string
	temperature float32
	maxTokens   int32
}

// NewGenAIClient creates a Gemini-backed client. The API key may also come
// from the environment the way the SDK resolves it.
func NewGenAIClient(ctx context.Context, apiKey, model string, temperature float64, maxTokens int) (*GenAIClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GenAIClient{
		client:      client,
		model:       model,
		temperature: float32(temperature),
		maxTokens:   int32(maxTokens),
	}, nil
}

func (c *GenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *GenAIClient) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.temperature),
	}
	if c.maxTokens > 0 {
		cfg.MaxOutputTokens = c.maxTokens
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.Model(), contents, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (c *GenAIClient) SetModel(name string) {
	c.mu.Lock()
	c.model = name
	c.mu.Unlock()
}

func (c *GenAIClient) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}
