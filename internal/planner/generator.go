package planner

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"flowforge/internal/ace"
	"flowforge/internal/analyzer"
	"flowforge/internal/config"
	"flowforge/internal/embedding"
	"flowforge/internal/logging"
	"flowforge/internal/match"
	"flowforge/internal/model"
	"flowforge/internal/plan"
	"flowforge/internal/promptcache"
	"flowforge/internal/storage"
	"flowforge/internal/tools"
)

// Pure-function tools that never take a synthesized prompt. Injection passes
// skip them entirely.
var noPromptTools = map[string]bool{
	"ocr_extract_text": true,
	"scroll":           true,
	"click_element":    true,
	"type_text":        true,
}

// processorTool is the generic text step whose content parameter gets the
// auto-extraction fix-up.
const processorTool = "general_llm_processor"

// Options tunes one generation call.
type Options struct {
	// AppName is the target application, stamped into the plan.
	AppName string
	// Template overrides the built-in plan prompt template.
	Template string
}

// Generator produces validated plans: reuse first, then model generation
// enhanced with curated context, followed by the prompt-injection passes.
type Generator struct {
	client   model.Client
	an       *analyzer.Analyzer
	matcher  *match.Matcher
	cm       *ace.ContextManager
	pc       *promptcache.Cache
	pool     *tools.Pool
	registry *tools.Registry
	rec      *Recommender
	st       *storage.Manager
	parser   *plan.Parser
	cfg      config.Config
}

// NewGenerator wires the generator.
func NewGenerator(client model.Client, an *analyzer.Analyzer, matcher *match.Matcher,
	cm *ace.ContextManager, pc *promptcache.Cache, pool *tools.Pool,
	registry *tools.Registry, st *storage.Manager, cfg config.Config) *Generator {
	return &Generator{
		client:   client,
		an:       an,
		matcher:  matcher,
		cm:       cm,
		pc:       pc,
		pool:     pool,
		registry: registry,
		rec:      NewRecommender(client, pool),
		st:       st,
		parser:   plan.NewParser(),
		cfg:      cfg,
	}
}

// GeneratePlan produces a plan for the request. Exact and similarity reuse
// short-circuit generation; a reused plan keeps its prompts and skips the
// context and injection passes.
func (g *Generator) GeneratePlan(ctx context.Context, request string, opts Options) (*plan.Plan, error) {
	timer := logging.StartTimer(logging.CategoryPlanner, "GeneratePlan")
	defer timer.Stop()
	lg := logging.Get(logging.CategoryPlanner)

	if prev, ok := g.matcher.FindExactPlan(request); ok {
		lg.Infow("exact reuse", "reused_from", prev.FlowID)
		return g.reuse(request, prev)
	}
	if prev := g.findReusable(ctx, request); prev != nil {
		lg.Infow("similarity reuse", "reused_from", prev.FlowID)
		return g.reuse(request, prev)
	}

	if g.registry.Count() == 0 {
		names, _, err := g.rec.Recommend(ctx, request)
		if err != nil {
			return nil, err
		}
		if len(names) > 0 {
			if err := g.registry.ActivateAll(g.pool, names); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
			}
		}
	}
	if g.registry.Count() == 0 {
		return nil, fmt.Errorf("%w: no tools available for %q (pool has %d tools, none activated)",
			ErrGeneration, request, g.pool.Count())
	}

	retrieved, err := g.cm.RetrieveRelevant(ctx, request, "")
	if err != nil {
		lg.Warnw("context retrieval failed, generating without experience", "err", err)
		retrieved = nil
	}

	prompt, err := g.buildPlanPrompt(request, retrieved, opts.Template)
	if err != nil {
		return nil, err
	}

	chain := ace.NewChain(request)
	chain.Add(ace.StagePlanGeneration, map[string]any{
		"user_prompt":   request,
		"prompt_length": len(prompt),
		"context_count": len(retrieved),
	}, nil, map[string]any{"model": g.cfg.Model.Model}, "", "")

	start := time.Now()
	raw, err := g.client.CompleteJSON(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: model call: %v", ErrGeneration, err)
	}
	p, err := plan.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	p.FlowID = plan.NewFlowID()
	p.OriginalQuery = request
	p.QueryHash = plan.HashQuery(storage.NormalizeTaskDescription(request))
	p.CreatedAt = time.Now().UTC()
	p.GenerationTime = time.Since(start).Seconds()
	p.UsedModel = g.cfg.Model.Model
	p.AppName = opts.AppName

	chain.Add(ace.StagePlanGenerationResult, nil, map[string]any{
		"steps_count":      len(p.Steps),
		"complexity_level": p.ComplexityLevel,
		"generation_time":  p.GenerationTime,
	}, nil, "", "")

	if _, err := g.parser.Parse(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if err := g.registry.ActivateAll(g.pool, p.ToolsUsed()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	pc := g.pc.ForFlow(p.FlowID)
	injected := g.injectOptimizedPrompts(pc, p, retrieved)
	g.injectDefaultPrompts(ctx, pc, p)
	fixProcessorContent(p)

	p.ReflectionChainID = chain.ChainID
	if err := chain.Save(g.st); err != nil {
		lg.Warnw("reflection chain save failed", "chain_id", chain.ChainID, "err", err)
	}
	if err := g.st.SaveJSON(g.st.PlanFile(p.FlowID), p); err != nil {
		return nil, fmt.Errorf("%w: persist plan: %v", ErrGeneration, err)
	}
	if _, err := g.matcher.SaveTaskMapping(request, p, false); err != nil {
		lg.Warnw("task mapping save failed", "flow_id", p.FlowID, "err", err)
	}

	lg.Infow("plan generated",
		"flow_id", p.FlowID, "steps", len(p.Steps),
		"context_used", len(retrieved) > 0, "prompts_injected", injected)
	return p, nil
}

// reuse clones a prior plan under a fresh flow id, activating its tools and
// keeping its prompts. Context retrieval and injection are skipped: the
// cached plan already carries complete prompts.
func (g *Generator) reuse(request string, prev *plan.Plan) (*plan.Plan, error) {
	clone := *prev
	clone.ReusedFrom = prev.FlowID
	clone.FlowID = plan.NewFlowID()
	clone.CreatedAt = time.Now().UTC()

	if err := g.registry.ActivateAll(g.pool, clone.ToolsUsed()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	if err := g.st.SaveJSON(g.st.PlanFile(clone.FlowID), &clone); err != nil {
		return nil, fmt.Errorf("%w: persist reused plan: %v", ErrGeneration, err)
	}
	if _, err := g.matcher.SaveTaskMapping(request, &clone, false); err != nil {
		logging.Get(logging.CategoryPlanner).Warnw("task mapping save failed",
			"flow_id", clone.FlowID, "err", err)
	}
	return &clone, nil
}

// findReusable looks for a similar prior task above the reuse threshold.
// A successful candidate wins; otherwise the best failed candidate that
// still has a plan is reused for its optimized prompts.
func (g *Generator) findReusable(ctx context.Context, request string) *plan.Plan {
	lg := logging.Get(logging.CategoryPlanner)

	sims, err := g.matcher.FindSimilarPlans(ctx, request, g.cfg.Matching.ReuseThreshold, g.cfg.Matching.TopK)
	if err != nil {
		lg.Warnw("similarity reuse check failed", "err", err)
		return nil
	}

	var fallback *plan.Plan
	for i := range sims {
		p := g.loadPlan(sims[i].FlowID, sims[i].Record.Plan)
		if p == nil {
			continue
		}
		if sims[i].Record.Success {
			return p
		}
		if fallback == nil {
			fallback = p
		}
	}
	if fallback != nil {
		lg.Infow("no successful similar task, reusing failed task's prompts",
			"reused_from", fallback.FlowID)
	}
	return fallback
}

// loadPlan prefers the plan file (it may carry external edits) over the task
// record snapshot.
func (g *Generator) loadPlan(flowID string, snapshot *plan.Plan) *plan.Plan {
	var p plan.Plan
	if err := g.st.LoadJSON(g.st.PlanFile(flowID), &p); err == nil {
		return &p
	}
	return snapshot
}

func (g *Generator) buildPlanPrompt(request string, retrieved []ace.Retrieved, override string) (string, error) {
	tmpl, err := loadTemplates()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	vars := map[string]string{
		"request":        request,
		"tool_catalogue": registryCatalogue(g.registry),
	}

	source := override
	switch {
	case source != "":
	case len(retrieved) > 0:
		source = tmpl.PlanEnhanced
		vars["context_entries"] = formatContextEntries(retrieved)
	default:
		source = tmpl.PlanDefault
	}
	return render(source, vars), nil
}

// =============================================================================
// PROMPT INJECTION
// =============================================================================

// injectOptimizedPrompts is the ACE pass: retrieved tool_usage entries that
// carry an optimized prompt overwrite the step prompts. The newest entry per
// tool wins. Injected prompts are cached through pc, already bound to the
// plan's flow.
func (g *Generator) injectOptimizedPrompts(pc *promptcache.Cache, p *plan.Plan, retrieved []ace.Retrieved) int {
	lg := logging.Get(logging.CategoryPlanner)

	type candidate struct {
		prompt    string
		score     int
		createdAt time.Time
	}
	best := make(map[string]candidate)
	for _, r := range retrieved {
		e := r.Entry
		if e.Type != ace.EntryToolUsage || e.Metadata.OptimizedPrompt == "" {
			continue
		}
		for _, tool := range e.Metadata.RelatedTools {
			if cur, ok := best[tool]; !ok || e.Metadata.CreatedAt.After(cur.createdAt) {
				best[tool] = candidate{e.Metadata.OptimizedPrompt, e.Metadata.Score, e.Metadata.CreatedAt}
			}
		}
	}
	if len(best) == 0 {
		return 0
	}

	injected := 0
	for i := range p.Steps {
		step := &p.Steps[i]
		if noPromptTools[step.Tool] {
			continue
		}
		c, ok := best[step.Tool]
		if !ok {
			continue
		}
		if old, _ := step.ToolInput["prompt"].(string); old == c.prompt {
			continue
		}
		if step.ToolInput == nil {
			step.ToolInput = make(map[string]any)
		}
		step.ToolInput["prompt"] = c.prompt
		injected++

		quality := (float64(c.score) + 5) / 10
		if quality < 0 {
			quality = 0
		} else if quality > 1 {
			quality = 1
		}
		if err := pc.Save(step.Tool, c.prompt, promptcache.GeneratorACE, quality, true); err != nil {
			lg.Warnw("prompt cache save failed", "tool", step.Tool, "err", err)
		}
		lg.Infow("optimized prompt injected", "step_id", step.StepID, "tool", step.Tool)
	}
	return injected
}

// injectDefaultPrompts is the defaults pass: steps whose tool takes a prompt
// but still has none get one from the flow cache, or freshly synthesized.
func (g *Generator) injectDefaultPrompts(ctx context.Context, pc *promptcache.Cache, p *plan.Plan) {
	lg := logging.Get(logging.CategoryPlanner)

	for i := range p.Steps {
		step := &p.Steps[i]
		if noPromptTools[step.Tool] {
			continue
		}
		tool, ok := g.registry.Get(step.Tool)
		if !ok {
			continue
		}
		if _, takesPrompt := tool.Metadata.InputParameters["prompt"]; !takesPrompt {
			continue
		}
		if s, _ := step.ToolInput["prompt"].(string); s != "" {
			continue
		}

		prompt, cached := pc.GetCached(step.Tool)
		if !cached {
			var err error
			prompt, err = g.synthesizePrompt(ctx, tool.Metadata, step)
			if err != nil {
				lg.Warnw("prompt synthesis failed", "tool", step.Tool, "err", err)
				continue
			}
			if prompt == "" {
				continue
			}
			if err := pc.Save(step.Tool, prompt, promptcache.GeneratorLLM, 0.5, false); err != nil {
				lg.Warnw("prompt cache save failed", "tool", step.Tool, "err", err)
			}
		}

		if step.ToolInput == nil {
			step.ToolInput = make(map[string]any)
		}
		step.ToolInput["prompt"] = prompt
		lg.Debugw("default prompt injected", "step_id", step.StepID, "tool", step.Tool, "cached", cached)
	}
}

// synthesizePrompt asks the analyzer for a task-only prompt. The cache key is
// flow-independent so equal tool+description pairs reuse the answer.
func (g *Generator) synthesizePrompt(ctx context.Context, meta tools.Metadata, step *plan.Step) (string, error) {
	tmpl, err := loadTemplates()
	if err != nil {
		return "", err
	}

	prompt := render(tmpl.PromptSynthesize, map[string]string{
		"tool_name":        meta.Name,
		"tool_purpose":     meta.Description,
		"step_description": step.Description,
		"step_reasoning":   step.Reasoning,
		"parameters":       parameterSummary(meta),
	})
	key := "tool_prompt_" + embedding.HashText(meta.Name+"|"+storage.NormalizeTaskDescription(step.Description))

	result, err := g.an.Analyze(ctx, prompt, key, analyzer.Options{})
	if err != nil {
		return "", err
	}
	s, _ := result["prompt"].(string)
	return strings.TrimSpace(s), nil
}

var contentRefPattern = regexp.MustCompile(`\{\{steps\.\d+\.content\}\}`)

// fixProcessorContent moves a {{steps.N.content}} reference out of a
// processor step's prompt into the dedicated content parameter when the
// model left content empty.
func fixProcessorContent(p *plan.Plan) {
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Tool != processorTool || step.ToolInput == nil {
			continue
		}
		if v, ok := step.ToolInput["content"]; ok {
			if s, isStr := v.(string); !isStr || s != "" {
				continue
			}
		}
		promptText, _ := step.ToolInput["prompt"].(string)
		ref := contentRefPattern.FindString(promptText)
		if ref == "" {
			continue
		}

		step.ToolInput["content"] = ref
		cleaned := strings.Replace(promptText, ref, "", 1)
		cleaned = strings.TrimRight(strings.TrimSpace(cleaned), ":：")
		step.ToolInput["prompt"] = strings.TrimSpace(cleaned)

		logging.Get(logging.CategoryPlanner).Warnw("content parameter auto-extracted",
			"step_id", step.StepID, "reference", ref)
	}
}

// =============================================================================
// CATALOGUE RENDERING
// =============================================================================

// registryCatalogue renders the active tools with parameter details and
// output fields, so the model can write correct step references.
func registryCatalogue(reg *tools.Registry) string {
	var b strings.Builder
	for _, t := range reg.All() {
		m := t.Metadata
		fmt.Fprintf(&b, "[%s] (%s)\n%s\n", m.Name, m.Kind, m.Description)

		if len(m.InputParameters) > 0 {
			names := make([]string, 0, len(m.InputParameters))
			for name := range m.InputParameters {
				names = append(names, name)
			}
			sort.Strings(names)
			b.WriteString("Parameters:\n")
			for _, name := range names {
				param := m.InputParameters[name]
				req := "optional"
				if param.Required {
					req = "required"
				}
				fmt.Fprintf(&b, "  - %s (%s, %s): %s\n", name, param.Type, req, param.Description)
			}
		}
		if fields := m.OutputFields(); len(fields) > 0 {
			sort.Strings(fields)
			fmt.Fprintf(&b, "Output fields: %s\n", strings.Join(fields, ", "))
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "(no tools available)"
	}
	return b.String()
}

func parameterSummary(m tools.Metadata) string {
	names := make([]string, 0, len(m.InputParameters))
	for name := range m.InputParameters {
		if name == "prompt" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		param := m.InputParameters[name]
		req := "optional"
		if param.Required {
			req = "required"
		}
		fmt.Fprintf(&b, "- %s (%s, %s): %s\n", name, param.Type, req, param.Description)
	}
	if b.Len() == 0 {
		return "(none)"
	}
	return b.String()
}

func formatContextEntries(retrieved []ace.Retrieved) string {
	if len(retrieved) == 0 {
		return "(no prior experience)"
	}
	var b strings.Builder
	for i, r := range retrieved {
		fmt.Fprintf(&b, "%d. [%s] (score %d)\n   %s\n\n",
			i+1, r.Entry.Type, r.Entry.Metadata.Score, r.Entry.Content)
	}
	return b.String()
}
