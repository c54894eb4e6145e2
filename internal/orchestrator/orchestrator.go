// Package orchestrator wires the full workflow pipeline behind one façade:
// plan generation with reuse, sequential execution, and the reflection loop
// that feeds execution outcomes back into the context store.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"flowforge/internal/ace"
	"flowforge/internal/analyzer"
	"flowforge/internal/config"
	"flowforge/internal/embedding"
	"flowforge/internal/executor"
	"flowforge/internal/logging"
	"flowforge/internal/match"
	"flowforge/internal/model"
	"flowforge/internal/plan"
	"flowforge/internal/planner"
	"flowforge/internal/progress"
	"flowforge/internal/promptcache"
	"flowforge/internal/storage"
	"flowforge/internal/tools"
	"flowforge/internal/vectorindex"
)

// embeddingDim matches the configured embedding model's output width.
const embeddingDim = 768

// Orchestrator owns every component of the pipeline. One instance serves
// many sessions; per-session state lives in the progress bus and the
// components' own stores.
type Orchestrator struct {
	cfg config.Config
	st  *storage.Manager

	client model.Client
	emb    *embedding.Cache
	index  *vectorindex.Index
	an     *analyzer.Analyzer

	pool          *tools.Pool
	registry      *tools.Registry
	matcher       *match.Matcher
	cm            *ace.ContextManager
	pc            *promptcache.Cache
	traces        *ace.Generator
	understanding *tools.UnderstandingAgent

	reflector *ace.Reflector
	curator   *ace.Curator

	planner  *planner.Generator
	executor *executor.Executor
	bus      *progress.Bus
	watcher  *storage.PlanWatcher
}

// New builds the pipeline over a work directory. An unavailable vector index
// is a hard error: a keyword fallback would silently degrade matching
// quality, so boot refuses instead.
func New(cfg config.Config, client model.Client) (*Orchestrator, error) {
	st, err := storage.NewManager(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	emb := embedding.NewCache(st, client)
	index, err := vectorindex.Open(st, emb, embeddingDim)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	an := analyzer.New(client, emb, st, cfg.Cache.MaxAge, cfg.Cache.MaxEntries)
	pool := tools.NewPool()
	registry := tools.NewRegistry()
	matcher := match.NewMatcher(st, emb, index, cfg.Matching)
	cm := ace.NewContextManager(st, an, emb, cfg.Context)
	pc := promptcache.New(st, "")
	traces := ace.NewGenerator(st)
	bus := progress.NewBus(0, cfg.Cache.ProgressIdleWindow)

	o := &Orchestrator{
		cfg:           cfg,
		st:            st,
		client:        client,
		emb:           emb,
		index:         index,
		an:            an,
		pool:          pool,
		registry:      registry,
		matcher:       matcher,
		cm:            cm,
		pc:            pc,
		traces:        traces,
		understanding: tools.NewUnderstandingAgent(an, st),
		reflector:     ace.NewReflector(client),
		curator:       ace.NewCurator(cm, cfg.Context),
		planner:       planner.NewGenerator(client, an, matcher, cm, pc, pool, registry, st, cfg),
		executor:      executor.New(registry, traces, matcher, pc, bus),
		bus:           bus,
	}
	// Plans may be edited externally between runs; drop stale exact-match
	// memos when that happens. Watcher failure costs only the memo layer.
	if watcher, err := storage.NewPlanWatcher(st, matcher.Invalidate); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warnw("plan watcher unavailable", "err", err)
	} else if err := watcher.Start(context.Background()); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warnw("plan watcher failed to start", "err", err)
		watcher.Stop()
	} else {
		o.watcher = watcher
	}

	logging.Get(logging.CategoryOrchestrator).Infow("orchestrator ready",
		"work_dir", cfg.WorkDir)
	return o, nil
}

// Pool exposes the tool pool so the host can advertise tools.
func (o *Orchestrator) Pool() *tools.Pool { return o.pool }

// Registry exposes the activation registry.
func (o *Orchestrator) Registry() *tools.Registry { return o.registry }

// Bus exposes the progress bus for session subscribers.
func (o *Orchestrator) Bus() *progress.Bus { return o.bus }

// RegisterTool adds a tool to the pool and derives its manifest through the
// understanding agent, refreshing the cached copy when the source changed.
// Manifest analysis never blocks registration; its outcome is published as a
// metadata_analysis event on the session.
func (o *Orchestrator) RegisterTool(ctx context.Context, sessionID string, md tools.Metadata, source string, handle tools.Handle) error {
	if err := o.pool.Add(md, handle); err != nil {
		return err
	}

	manifest, err := o.understanding.Understand(ctx, md, source)
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Warnw("tool understanding failed",
			"tool", md.Name, "err", err)
		o.bus.Status(sessionID, progress.KindMetadataAnalysis,
			fmt.Sprintf("tool %s registered without analysis", md.Name))
		return nil
	}
	o.bus.Status(sessionID, progress.KindMetadataAnalysis,
		fmt.Sprintf("tool %s analyzed: %s", md.Name, manifest.ToolPurpose))
	return nil
}

// GeneratePlan produces a plan for the request, reusing a prior plan when
// the task matches one. Progress events go to the session.
func (o *Orchestrator) GeneratePlan(ctx context.Context, sessionID, request string, opts planner.Options) (*plan.Plan, error) {
	timer := logging.StartTimer(logging.CategoryOrchestrator, "GeneratePlan")
	defer timer.Stop()

	o.bus.Status(sessionID, progress.KindPlanGeneration, "generating workflow plan")

	p, err := o.planner.GeneratePlan(ctx, request, opts)
	if err != nil {
		o.bus.Status(sessionID, progress.KindPlanGeneration, "plan generation failed")
		return nil, err
	}

	o.bus.Status(sessionID, progress.KindToolSelection,
		fmt.Sprintf("selected tools: %v", p.ToolsUsed()))
	o.bus.PlanReady(sessionID, stepOutline(p))
	return p, nil
}

// ExecutePlan runs the plan and always feeds the finished trace through the
// reflection pipeline, success or failure. The execution error, if any,
// surfaces only after reflection completes.
func (o *Orchestrator) ExecutePlan(ctx context.Context, sessionID string, p *plan.Plan) (*executor.Result, error) {
	timer := logging.StartTimer(logging.CategoryOrchestrator, "ExecutePlan")
	defer timer.Stop()

	res, execErr := o.executor.Execute(ctx, p, sessionID)
	if res != nil && res.Trace != nil {
		o.reflect(ctx, res.Trace)
	}
	return res, execErr
}

// reflect runs the trace through reflector and curator. Reflection problems
// are logged and never mask the execution outcome.
func (o *Orchestrator) reflect(ctx context.Context, trace *ace.ExecutionTrace) {
	lg := logging.Get(logging.CategoryOrchestrator)

	insights, err := o.reflector.AnalyzeTrace(ctx, trace)
	if err != nil {
		lg.Warnw("trace reflection failed", "trace_id", trace.TraceID, "err", err)
		return
	}

	chain := o.loadChain(trace.Plan)
	entries, err := o.curator.CurateInsights(ctx, insights, trace, chain)
	if err != nil {
		lg.Warnw("insight curation failed", "trace_id", trace.TraceID, "err", err)
		return
	}
	if chain != nil {
		if err := chain.Save(o.st); err != nil {
			lg.Warnw("chain save failed", "chain_id", chain.ChainID, "err", err)
		}
	}
	lg.Infow("reflection complete", "trace_id", trace.TraceID,
		"success", trace.Success(), "entries", len(entries))
}

// ReflectQuality handles negative user feedback on a run the executor
// reported as successful. The resulting optimized prompt lands in the
// context store for the next generation.
func (o *Orchestrator) ReflectQuality(ctx context.Context, p *plan.Plan, res *executor.Result, feedback string) error {
	timer := logging.StartTimer(logging.CategoryOrchestrator, "ReflectQuality")
	defer timer.Stop()

	if res == nil || res.Trace == nil {
		return fmt.Errorf("%w: no trace to reflect on", ace.ErrReflection)
	}

	chain := o.loadChain(p)
	insights, err := o.reflector.AnalyzeQuality(ctx, res.Trace, feedback, chain)
	if err != nil {
		return err
	}
	if _, err := o.curator.CurateInsights(ctx, insights, res.Trace, chain); err != nil {
		return err
	}
	if chain != nil {
		if err := chain.Save(o.st); err != nil {
			logging.Get(logging.CategoryOrchestrator).Warnw("chain save failed",
				"chain_id", chain.ChainID, "err", err)
		}
	}
	return nil
}

// MarkEntry applies user feedback to one context entry across all classes.
func (o *Orchestrator) MarkEntry(entryID string, useful bool) (bool, error) {
	return o.cm.MarkEntry(entryID, useful)
}

// ListTaskHistory returns recent task records, newest first.
func (o *Orchestrator) ListTaskHistory(limit int) ([]match.TaskRecord, error) {
	return o.matcher.TaskHistory(limit)
}

// GC runs the maintenance pass: idle prompt-cache flow directories past the
// window are removed, and context entries below the prune threshold are
// deleted. Returns the number of directories removed and entries pruned.
func (o *Orchestrator) GC(window time.Duration) (int, int, error) {
	dirs, err := promptcache.GC(o.st, window)
	if err != nil {
		return 0, 0, err
	}
	pruned := o.cm.CleanupLowScore(o.cfg.Context.PruneThreshold)
	return dirs, pruned, nil
}

// Close releases the plan watcher, the bus, and the vector index.
func (o *Orchestrator) Close() error {
	if o.watcher != nil {
		o.watcher.Stop()
	}
	o.bus.Close()
	if o.index != nil {
		if err := o.index.Close(); err != nil {
			return fmt.Errorf("orchestrator: close index: %w", err)
		}
	}
	return nil
}

// loadChain fetches the plan's reflection chain; a missing or unreadable
// chain degrades to nil rather than blocking reflection.
func (o *Orchestrator) loadChain(p *plan.Plan) *ace.ReflectionChain {
	if p == nil || p.ReflectionChainID == "" {
		return nil
	}
	chain, err := ace.LoadChain(o.st, p.ReflectionChainID)
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Warnw("reflection chain unavailable",
			"chain_id", p.ReflectionChainID, "err", err)
		return nil
	}
	return chain
}

// stepOutline renders the plan's steps for the plan_ready event.
func stepOutline(p *plan.Plan) []map[string]any {
	steps := make([]map[string]any, 0, len(p.Steps))
	for _, s := range p.Steps {
		steps = append(steps, map[string]any{
			"step_id":     s.StepID,
			"tool":        s.Tool,
			"description": s.Description,
		})
	}
	return steps
}
