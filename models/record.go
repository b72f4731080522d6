// Package models defines data structures shared by the harvester.
package models

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// keySeparator joins the normalized parts of a record key. It cannot occur in UI text.
const keySeparator = "\x1f"

// Task is one shop to visit, loaded from the operator's task list.
type Task struct {
	LocationHint string `json:"location_hint"`
	TargetName   string `json:"target_name"`
	Note         string `json:"note,omitempty"`
}

// Record is one collected catalog item.
type Record struct {
	TaskIndex    int       `json:"task_index"`
	LocationHint string    `json:"location_hint"`
	Shop         string    `json:"shop"`
	Category     string    `json:"category"`
	ItemName     string    `json:"item_name"`
	MonthlySales string    `json:"monthly_sales"`
	Price        string    `json:"price"`
	CollectedAt  time.Time `json:"collected_at"`
}

// Key returns the identity of the record within its shop. Monthly sales are
// deliberately excluded: the same item seen with a different counter is the
// same item.
func (r *Record) Key() string {
	return NormalizeKeyPart(r.Category) + keySeparator +
		NormalizeKeyPart(r.ItemName) + keySeparator +
		NormalizeKeyPart(r.Price)
}

// NormalizeKeyPart trims, collapses inner whitespace, folds full-width
// characters to their narrow forms and case-folds s.
func NormalizeKeyPart(s string) string {
	s = width.Fold.String(s)
	s = strings.Join(strings.Fields(s), " ")
	return cases.Fold().String(s)
}

// RunResult summarises one worker run.
type RunResult struct {
	Serial         string         `json:"serial"`
	RunID          string         `json:"run_id"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        time.Time      `json:"end_time"`
	TasksTotal     int            `json:"tasks_total"`
	TasksCompleted int            `json:"tasks_completed"`
	TasksSkipped   int            `json:"tasks_skipped"`
	Records        int            `json:"records"`
	Duplicates     int            `json:"duplicates"`
	ErrorsByType   map[string]int `json:"errors_by_type,omitempty"`
	FinalState     RunState       `json:"final_state"`
}
