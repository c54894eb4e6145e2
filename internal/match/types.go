// Package match maintains the task history and finds reusable plans by
// exact description match or vector similarity.
package match

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"flowforge/internal/plan"
)

// ErrMatching signals a task-matching failure.
var ErrMatching = errors.New("match: task matching failed")

// TaskRecord is the sibling view of a plan keyed by the same flow_id,
// carrying execution outcome and retrieval keywords.
type TaskRecord struct {
	TaskID          string     `json:"task_id"`
	FlowID          string     `json:"flow_id"`
	TaskDescription string     `json:"task_description"`
	Plan            *plan.Plan `json:"plan_json"`
	Success         bool       `json:"success"`
	CreatedAt       time.Time  `json:"created_at"`
	LastExecutedAt  time.Time  `json:"last_executed_at"`
	Keywords        []string   `json:"keywords"`
	ReusedFrom      string     `json:"reused_from,omitempty"`
}

// Similar is one candidate from a similarity search, similarity in [0, 1].
type Similar struct {
	TaskID     string
	FlowID     string
	Similarity float64
	Record     *TaskRecord
}

var wordPattern = regexp.MustCompile(`\w+`)

// ExtractKeywords tokenizes a description into up to ten lowercase words,
// dropping single-character tokens. Kept for record inspection; matching
// itself is embedding-based.
func ExtractKeywords(text string) []string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	keywords := make([]string, 0, 10)
	for _, w := range words {
		if len(w) > 1 {
			keywords = append(keywords, w)
			if len(keywords) == 10 {
				break
			}
		}
	}
	return keywords
}
