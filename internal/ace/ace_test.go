package ace

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"flowforge/internal/analyzer"
	"flowforge/internal/config"
	"flowforge/internal/embedding"
	"flowforge/internal/model"
	"flowforge/internal/plan"
	"flowforge/internal/storage"
)

// scriptedClient replays canned JSON responses in call order and records
// every prompt it saw.
type scriptedClient struct {
	mu        sync.Mutex
	prompts   []string
	responses []map[string]any
	err       error
}

func (c *scriptedClient) Complete(ctx context.Context, prompt string, _ ...model.Option) (string, error) {
	return "", c.err
}

func (c *scriptedClient) CompleteJSON(ctx context.Context, prompt string, _ ...model.Option) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return nil, c.err
	}
	i := len(c.prompts) - 1
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	if i < 0 {
		return map[string]any{}, nil
	}
	return c.responses[i], nil
}

func (c *scriptedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

// stubEmbedder returns fixed vectors per exact text, with a default for
// everything else.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

type testEnv struct {
	st     *storage.Manager
	client *scriptedClient
	emb    *embedding.Cache
	an     *analyzer.Analyzer
	cm     *ContextManager
}

func newTestEnv(t *testing.T, responses []map[string]any, vectors map[string][]float32) *testEnv {
	t.Helper()

	st, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)

	client := &scriptedClient{responses: responses}
	emb := embedding.NewCache(st, &stubEmbedder{vectors: vectors})
	an := analyzer.New(client, emb, st, 0, 0)
	cm := NewContextManager(st, an, emb, config.ContextConfig{
		MaxEntriesPerClass: 100,
		PruneThreshold:     -3,
		DedupThreshold:     0.85,
		RetrievalTopK:      5,
	})
	return &testEnv{st: st, client: client, emb: emb, an: an, cm: cm}
}

func classifyResponse(primary, sub string) map[string]any {
	return map[string]any{
		"primary_category": primary,
		"sub_category":     sub,
		"confidence":       0.9,
	}
}

func testPlan(tools ...string) *plan.Plan {
	p := &plan.Plan{
		FlowID:        plan.NewFlowID(),
		OriginalQuery: "summarize the chat log",
	}
	for i, tool := range tools {
		p.Steps = append(p.Steps, plan.Step{
			StepID:      i + 1,
			Description: "step " + tool,
			Tool:        tool,
			ToolInput:   map[string]any{"prompt": "do " + tool},
		})
	}
	return p
}
