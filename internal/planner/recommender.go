package planner

import (
	"context"
	"fmt"
	"strings"

	"flowforge/internal/logging"
	"flowforge/internal/model"
	"flowforge/internal/tools"
)

const maxRecommendedTools = 5

// Recommender asks the model to pick the tools a request needs from the
// pool. It never registers tools; the caller decides what to activate.
type Recommender struct {
	client model.Client
	pool   *tools.Pool
}

// NewRecommender creates a recommender over the pool.
func NewRecommender(client model.Client, pool *tools.Pool) *Recommender {
	return &Recommender{client: client, pool: pool}
}

// Recommend returns 2-5 tool names for the request, with the model's
// reasoning. An empty pool yields an empty recommendation, not an error.
// Names the model invents are dropped.
func (r *Recommender) Recommend(ctx context.Context, request string) ([]string, string, error) {
	lg := logging.Get(logging.CategoryPlanner)

	if r.pool.Count() == 0 {
		lg.Warnw("tool pool is empty, nothing to recommend")
		return nil, "", nil
	}

	tmpl, err := loadTemplates()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	prompt := render(tmpl.RecommendTools, map[string]string{
		"request":        request,
		"tool_count":     fmt.Sprintf("%d", r.pool.Count()),
		"tool_catalogue": poolCatalogue(r.pool),
	})

	result, err := r.client.CompleteJSON(ctx, prompt)
	if err != nil {
		return nil, "", fmt.Errorf("%w: recommend tools: %v", ErrGeneration, err)
	}

	raw, _ := result["recommended_tools"].([]any)
	reasoning, _ := result["reasoning"].(string)

	var names []string
	for _, v := range raw {
		name, ok := v.(string)
		if !ok {
			continue
		}
		if _, exists := r.pool.Get(name); !exists {
			lg.Warnw("model recommended unknown tool, dropping", "tool", name)
			continue
		}
		names = append(names, name)
	}
	if len(names) > maxRecommendedTools {
		lg.Warnw("recommendation over limit, truncating",
			"recommended", len(names), "limit", maxRecommendedTools)
		names = names[:maxRecommendedTools]
	}

	lg.Infow("tools recommended", "tools", names)
	return names, reasoning, nil
}

// poolCatalogue renders the pool for the recommendation prompt.
func poolCatalogue(pool *tools.Pool) string {
	var b strings.Builder
	for _, t := range pool.All() {
		fmt.Fprintf(&b, "[%s] (%s)\n%s\n\n", t.Metadata.Name, t.Metadata.Kind, t.Metadata.Description)
	}
	return b.String()
}
