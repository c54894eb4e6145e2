package model

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"flowforge/internal/config"
	"flowforge/internal/logging"
)

// =============================================================================
// GOOGLE GENAI CLIENT
// =============================================================================

// GenAIClient implements Client on top of the Gemini API.
type GenAIClient struct {
	client         *genai.Client
	model          string
	embeddingModel string
	timeout        time.Duration
	embedTimeout   time.Duration
	observer       Observer
}

// NewGenAIClient creates a client from configuration. The API key is
// required; model names fall back to configuration defaults.
func NewGenAIClient(ctx context.Context, cfg config.Config, obs Observer) (*GenAIClient, error) {
	if cfg.Model.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrClient)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.Model.APIKey})
	if err != nil {
		return nil, fmt.Errorf("%w: create client: %v", ErrClient, err)
	}

	c := &GenAIClient{
		client:         client,
		model:          cfg.Model.Model,
		embeddingModel: cfg.Embedding.Model,
		timeout:        cfg.Model.Timeout,
		embedTimeout:   cfg.Embedding.Timeout,
		observer:       obs,
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	if c.embedTimeout <= 0 {
		c.embedTimeout = 30 * time.Second
	}

	logging.Get(logging.CategoryModel).Infow("genai client ready",
		"model", c.model, "embedding_model", c.embeddingModel)
	return c, nil
}

// Complete returns the text completion for a prompt.
func (c *GenAIClient) Complete(ctx context.Context, prompt string, opts ...Option) (string, error) {
	o := applyOptions(opts)

	timeout := c.timeout
	if o.timeout > 0 {
		timeout = o.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{}
	if o.system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(o.system, genai.RoleUser)
	}
	if o.hasTemp {
		cfg.Temperature = genai.Ptr(float32(o.temperature))
	}
	if o.maxTokens > 0 {
		cfg.MaxOutputTokens = int32(o.maxTokens)
	}

	start := time.Now()
	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), cfg)
	elapsed := time.Since(start)

	lg := logging.Get(logging.CategoryModel)
	if err != nil {
		c.observe(prompt, "", elapsed, false)
		lg.Warnw("completion failed", "duration", elapsed, "err", err)
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrClient, ctx.Err())
		}
		return "", fmt.Errorf("%w: generate: %v", ErrClient, err)
	}

	text := result.Text()
	c.observe(prompt, text, elapsed, true)
	lg.Debugw("completion done", "duration", elapsed, "prompt_len", len(prompt), "response_len", len(text))
	return text, nil
}

// CompleteJSON completes and runs the response through the repair pipeline.
func (c *GenAIClient) CompleteJSON(ctx context.Context, prompt string, opts ...Option) (map[string]any, error) {
	text, err := c.Complete(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}
	return ExtractJSON(text)
}

// Embed returns the embedding vector for a text.
func (c *GenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.embedTimeout)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, contents,
		&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"})
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", ErrClient, err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", ErrClient)
	}
	return result.Embeddings[0].Values, nil
}

func (c *GenAIClient) observe(prompt, response string, d time.Duration, ok bool) {
	if c.observer == nil {
		return
	}
	c.observer(CallInfo{
		Model:     c.model,
		Prompt:    truncate(prompt, 500),
		Response:  truncate(response, 500),
		Duration:  d,
		Succeeded: ok,
	})
}
