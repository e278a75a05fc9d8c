// Package pipeline models spec §2's "RowPipeline" external collaborator:
// given a job's input payload, return a structured output summary. The
// interface is the contract the engine relies on; ConfiguredPipeline is a
// concrete, config-driven default implementation ported from the
// original Django service's row validation/aggregation logic
// (jobs/processing.py, jobs/views.py) so the engine has something real to
// run instead of a stub.
package pipeline

import "context"

// ProgressReporter is the capability the Runner hands to a RowPipeline so
// it can stream progress without owning a transaction itself (spec §9's
// "callback-style progress reporting" design note). Each call is expected
// to serialize into its own short progress transaction.
type ProgressReporter func(ctx context.Context, progress, processedRows int, stage string) error

// Input is the decoded, already-authenticated payload handed to a
// pipeline: spec §6 requires submissions carrying rows to look like
// {rows: [...], config: {...}}.
type Input struct {
	Rows   []map[string]any
	Config map[string]any
}

// NumericStats summarizes a configured numeric field across valid rows.
type NumericStats struct {
	Field string  `json:"field"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Output is the structured summary recorded as a Job's output_result.
type Output struct {
	TotalProcessed    int            `json:"total_processed"`
	TotalValid        int            `json:"total_valid"`
	TotalInvalid      int            `json:"total_invalid"`
	DuplicatesRemoved int            `json:"duplicates_removed"`
	NullsDropped      int            `json:"nulls_dropped"`
	NumericStats      *NumericStats  `json:"numeric_stats,omitempty"`
	OutputData        []map[string]any `json:"output_data"`
	Errors            []RowError     `json:"errors,omitempty"`
}

// RowError records why a row was rejected.
type RowError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// RowPipeline is the engine's external collaborator: given an input
// payload it returns an output summary, optionally streaming progress.
// It may take arbitrary wall-clock time and may fail.
type RowPipeline interface {
	Process(ctx context.Context, input Input, report ProgressReporter) (Output, error)
}
