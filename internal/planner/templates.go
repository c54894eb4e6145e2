// Package planner turns natural-language requests into validated workflow
// plans: tool recommendation over the pool, context-enhanced plan generation,
// and the two prompt-injection passes.
package planner

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed templates/planner.yaml
var templateFS embed.FS

// templateSet holds the baked-in prompt templates. Placeholders are <<name>>
// tokens so rendered text can carry the {{steps.N.field}} grammar untouched.
type templateSet struct {
	RecommendTools   string `yaml:"recommend_tools"`
	PlanEnhanced     string `yaml:"plan_enhanced"`
	PlanDefault      string `yaml:"plan_default"`
	PromptSynthesize string `yaml:"prompt_synthesize"`
}

var (
	templatesOnce sync.Once
	templates     templateSet
	templatesErr  error
)

func loadTemplates() (templateSet, error) {
	templatesOnce.Do(func() {
		data, err := templateFS.ReadFile("templates/planner.yaml")
		if err != nil {
			templatesErr = fmt.Errorf("read embedded templates: %w", err)
			return
		}
		if err := yaml.Unmarshal(data, &templates); err != nil {
			templatesErr = fmt.Errorf("parse embedded templates: %w", err)
		}
	})
	return templates, templatesErr
}

// render substitutes <<key>> placeholders.
func render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "<<"+k+">>", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
