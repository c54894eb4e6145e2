package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"flowforge/internal/analyzer"
	"flowforge/internal/logging"
	"flowforge/internal/storage"
)

// Manifest is the structured understanding derived for a pool tool: model
// analysis merged with the declared parameter and output schemas.
type Manifest struct {
	ToolName        string               `json:"tool_name"`
	ToolPurpose     string               `json:"tool_purpose"`
	Capabilities    []string             `json:"capabilities"`
	Limitations     []string             `json:"limitations"`
	BestPractices   []string             `json:"best_practices"`
	UseCases        []string             `json:"use_cases"`
	InputParameters map[string]Parameter `json:"input_parameters"`
	OutputSchema    map[string]any       `json:"output_schema,omitempty"`
	SourceHash      string               `json:"source_hash"`
	GeneratedAt     time.Time            `json:"generated_at"`
}

// UnderstandingAgent derives and caches manifests. Results are keyed by the
// SHA-256 of the tool source; a matching hash skips the model call entirely.
type UnderstandingAgent struct {
	analyzer *analyzer.Analyzer
	st       *storage.Manager
}

// NewUnderstandingAgent creates the agent.
func NewUnderstandingAgent(an *analyzer.Analyzer, st *storage.Manager) *UnderstandingAgent {
	return &UnderstandingAgent{analyzer: an, st: st}
}

// Understand produces the manifest for a tool, consulting the per-hash cache
// first. An analysis failure does not fail registration: the manifest falls
// back to the declared metadata.
func (a *UnderstandingAgent) Understand(ctx context.Context, meta Metadata, source string) (Manifest, error) {
	lg := logging.Get(logging.CategoryTools)

	hash := hashSource(meta, source)
	var cached Manifest
	if err := a.st.LoadJSON(a.st.ToolMetadataFile(meta.Name), &cached); err == nil && cached.SourceHash == hash {
		lg.Debugw("manifest cache hit", "tool", meta.Name)
		return cached, nil
	}

	manifest := Manifest{
		ToolName:        meta.Name,
		ToolPurpose:     meta.Description,
		InputParameters: meta.InputParameters,
		OutputSchema:    meta.OutputSchema,
		SourceHash:      hash,
		GeneratedAt:     time.Now().UTC(),
	}

	result, err := a.analyzer.Analyze(ctx, buildUnderstandingPrompt(meta, source),
		"tool_understanding_"+hash, analyzer.Options{})
	if err != nil {
		lg.Warnw("tool analysis failed, using declared metadata", "tool", meta.Name, "err", err)
	} else {
		manifest.ToolPurpose = stringField(result, "tool_purpose", manifest.ToolPurpose)
		manifest.Capabilities = stringList(result, "capabilities")
		manifest.Limitations = stringList(result, "limitations")
		manifest.BestPractices = stringList(result, "best_practices")
		manifest.UseCases = stringList(result, "use_cases")
	}

	if err := a.st.SaveJSON(a.st.ToolMetadataFile(meta.Name), manifest); err != nil {
		lg.Warnw("manifest save failed", "tool", meta.Name, "err", err)
	}
	return manifest, nil
}

func hashSource(meta Metadata, source string) string {
	h := sha256.New()
	h.Write([]byte(meta.Name))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))
}

func buildUnderstandingPrompt(meta Metadata, source string) string {
	prompt := fmt.Sprintf(`Analyze the following tool and describe its practical profile.

Tool name: %s
Kind: %s
Declared description: %s
`, meta.Name, meta.Kind, meta.Description)

	if source != "" {
		const maxSource = 4000
		if len(source) > maxSource {
			cut := maxSource
			for cut > 0 && !utf8.RuneStart(source[cut]) {
				cut--
			}
			source = source[:cut]
		}
		prompt += "\nSource:\n" + source + "\n"
	}

	prompt += `
Respond with a JSON object:
{
  "tool_purpose": "one-sentence purpose",
  "capabilities": ["..."],
  "limitations": ["..."],
  "best_practices": ["..."],
  "use_cases": ["..."]
}`
	return prompt
}

func stringField(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func stringList(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
