// Package model defines the chat-completion and embedding capability the
// engine depends on, plus a tolerant JSON extraction pipeline for model
// output. The client is stateless; retries and timeouts come from options.
package model

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

// ErrParse signals that model output could not be coerced into JSON after
// all repair strategies.
var ErrParse = errors.New("model: JSON parse failed")

// ErrClient signals a transport or provider failure.
var ErrClient = errors.New("model: client error")

// Client is the capability set the core requires from a language model.
type Client interface {
	// Complete returns the raw text completion for a prompt.
	Complete(ctx context.Context, prompt string, opts ...Option) (string, error)

	// CompleteJSON completes and extracts a JSON object from the response,
	// applying the repair pipeline before failing with ErrParse.
	CompleteJSON(ctx context.Context, prompt string, opts ...Option) (map[string]any, error)

	// Embed returns the embedding vector for a text. Dimensionality is
	// fixed per configured embedding model.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CallInfo describes one completed model call for observability. Prompt and
// response are truncated; the caller forwards this into logs and the
// reflection chain.
type CallInfo struct {
	Model     string        `json:"model"`
	Prompt    string        `json:"prompt"`
	Response  string        `json:"response"`
	Duration  time.Duration `json:"duration"`
	Succeeded bool          `json:"succeeded"`
}

// Observer receives CallInfo after every completion.
type Observer func(CallInfo)

// options holds per-call settings.
type options struct {
	system      string
	temperature float64
	hasTemp     bool
	timeout     time.Duration
	maxTokens   int
}

// Option configures a single model call.
type Option func(*options)

// WithSystem sets the system prompt for the call.
func WithSystem(system string) Option {
	return func(o *options) { o.system = system }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = t; o.hasTemp = true }
}

// WithTimeout bounds the call duration. Zero means the client default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int) Option {
	return func(o *options) { o.maxTokens = n }
}

func applyOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// truncate shortens s for CallInfo and log payloads, keeping whole runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
