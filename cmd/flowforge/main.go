package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"flowforge/internal/config"
	"flowforge/internal/logging"
	"flowforge/internal/model"
	"flowforge/internal/orchestrator"
	"flowforge/internal/planner"
	"flowforge/internal/progress"
	"flowforge/internal/tools"
)

var (
	// Global flags
	workDir string
	debug   bool
	appName string
	timeout time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "flowforge",
	Short: "flowforge - self-improving workflow orchestration",
	Long: `flowforge plans and executes tool workflows from natural language.

Plans are generated by a model over the advertised tool catalogue, executed
step by step with variable resolution, and every run is reflected on so the
next plan benefits from what this one learned.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolve home directory: %w", err)
			}
			workDir = filepath.Join(home, ".flowforge")
		}
		return logging.Initialize(workDir, debug)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// planCmd generates a plan without executing it
var planCmd = &cobra.Command{
	Use:   "plan [request]",
	Short: "Generate a workflow plan from a natural language request",
	Long: `Generates a plan for the request and prints it as JSON.

A previously successful plan for an equivalent task is reused instead of
calling the model. The plan is persisted under the work directory and can be
executed later with 'flowforge run'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

// runCmd generates and executes in one go
var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Generate a plan and execute it",
	Long: `Generates a plan for the request, executes it step by step, and
prints each step's progress. The finished run is reflected on either way, so
failures improve future plans too.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExecute,
}

// historyCmd lists recent task records
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent tasks and their outcomes",
	RunE:  runHistory,
}

// markCmd applies feedback to a context entry
var markCmd = &cobra.Command{
	Use:   "mark [entry-id] [useful|harmful]",
	Short: "Mark a learned context entry as useful or harmful",
	Args:  cobra.ExactArgs(2),
	RunE:  runMark,
}

// gcCmd prunes stale caches
var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove stale prompt caches and low-score context entries",
	RunE:  runGC,
}

var historyLimit int

func init() {
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", "", "work directory (default ~/.flowforge)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall request timeout")
	planCmd.Flags().StringVar(&appName, "app", "", "target application name stamped into the plan")
	runCmd.Flags().StringVar(&appName, "app", "", "target application name stamped into the plan")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of records")

	rootCmd.AddCommand(planCmd, runCmd, historyCmd, markCmd, gcCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildOrchestrator loads config, connects the model client, and registers
// the tools advertised in the work directory. Registration analysis events
// land on sessionID.
func buildOrchestrator(ctx context.Context, sessionID string) (*orchestrator.Orchestrator, config.Config, error) {
	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, cfg, err
	}
	cfg.Debug = cfg.Debug || debug

	client, err := model.NewGenAIClient(ctx, cfg, nil)
	if err != nil {
		return nil, cfg, err
	}

	o, err := orchestrator.New(cfg, client)
	if err != nil {
		return nil, cfg, err
	}
	if err := registerAdvertisedTools(ctx, sessionID, o, client, cfg); err != nil {
		_ = o.Close()
		return nil, cfg, err
	}
	return o, cfg, nil
}

// advertisedTool is one entry of tools.json: the declared metadata plus the
// optional tool source, which keys the understanding cache.
type advertisedTool struct {
	tools.Metadata
	Source string `json:"source,omitempty"`
}

// registerAdvertisedTools reads <work_dir>/config/tools.json and adds each
// manifest to the pool. Model-backed tools are bound to the model client;
// function tools need a host process and refuse to run from the CLI.
func registerAdvertisedTools(ctx context.Context, sessionID string, o *orchestrator.Orchestrator, client model.Client, cfg config.Config) error {
	path := filepath.Join(cfg.WorkDir, "config", "tools.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tool manifests: %w", err)
	}

	var manifests []advertisedTool
	if err := json.Unmarshal(data, &manifests); err != nil {
		return fmt.Errorf("parse tool manifests %s: %w", path, err)
	}

	for _, t := range manifests {
		md := t.Metadata
		var handle tools.Handle
		if md.Kind.IsModelBacked() {
			handle = modelToolHandle(client, md)
		} else {
			handle = func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return nil, fmt.Errorf("tool %q is host-bound and not callable from the CLI", md.Name)
			}
		}
		if err := o.RegisterTool(ctx, sessionID, md, t.Source, handle); err != nil {
			return err
		}
	}
	return nil
}

// modelToolHandle runs an llm/vl tool directly against the model client,
// honoring the content contract of schema-declaring tools.
func modelToolHandle(client model.Client, md tools.Metadata) tools.Handle {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		prompt, _ := args["prompt"].(string)
		if content, ok := args["content"].(string); ok && content != "" {
			prompt = prompt + "\n\n" + content
		}
		text, err := client.Complete(ctx, prompt, model.WithTimeout(timeout))
		if err != nil {
			return nil, err
		}
		return map[string]any{"content": text}, nil
	}
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sessionID := fmt.Sprintf("cli_%d", time.Now().Unix())
	o, _, err := buildOrchestrator(ctx, sessionID)
	if err != nil {
		return err
	}
	defer o.Close()

	request := strings.Join(args, " ")

	p, err := o.GeneratePlan(ctx, sessionID, request, planner.Options{AppName: appName})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runExecute(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sessionID := fmt.Sprintf("cli_%d", time.Now().Unix())
	o, _, err := buildOrchestrator(ctx, sessionID)
	if err != nil {
		return err
	}
	defer o.Close()

	request := strings.Join(args, " ")

	// Print progress as it streams.
	events := o.Bus().Events(sessionID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			switch ev.Kind {
			case progress.KindStepError:
				fmt.Fprintf(os.Stderr, "  ! %s\n", ev.Status)
			default:
				fmt.Printf("  • %s\n", ev.Status)
			}
		}
	}()

	p, err := o.GeneratePlan(ctx, sessionID, request, planner.Options{AppName: appName})
	if err != nil {
		return err
	}

	res, execErr := o.ExecutePlan(ctx, sessionID, p)
	<-done

	if execErr != nil {
		if res != nil {
			fmt.Fprintf(os.Stderr, "failed at step %d after %d completed steps\n",
				res.FailedStep, len(res.ExecutedSteps))
		}
		return execErr
	}

	fmt.Printf("plan %s completed in %s\n", p.FlowID, res.ExecutionTime.Round(time.Millisecond))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	o, _, err := buildOrchestrator(ctx, fmt.Sprintf("cli_%d", time.Now().Unix()))
	if err != nil {
		return err
	}
	defer o.Close()

	records, err := o.ListTaskHistory(historyLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no task history")
		return nil
	}
	for _, r := range records {
		status := "failed"
		if r.Success {
			status = "ok"
		}
		fmt.Printf("%-8s %s  %s\n", status, r.FlowID, r.TaskDescription)
	}
	return nil
}

func runMark(cmd *cobra.Command, args []string) error {
	verdict := strings.ToLower(args[1])
	if verdict != "useful" && verdict != "harmful" {
		return fmt.Errorf("verdict must be useful or harmful, got %q", args[1])
	}

	ctx, cancel := signalContext()
	defer cancel()

	o, _, err := buildOrchestrator(ctx, fmt.Sprintf("cli_%d", time.Now().Unix()))
	if err != nil {
		return err
	}
	defer o.Close()

	found, err := o.MarkEntry(args[0], verdict == "useful")
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no context entry with id %s", args[0])
	}
	fmt.Printf("entry %s marked %s\n", args[0], verdict)
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	o, cfg, err := buildOrchestrator(ctx, fmt.Sprintf("cli_%d", time.Now().Unix()))
	if err != nil {
		return err
	}
	defer o.Close()

	dirs, pruned, err := o.GC(cfg.Cache.PromptGCWindow)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d stale prompt cache directories, pruned %d low-score context entries\n",
		dirs, pruned)
	return nil
}

// signalContext cancels on SIGINT/SIGTERM and enforces the global timeout.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, timeout)
	return tctx, func() { tcancel(); cancel() }
}
