package pipeline

import (
	"context"
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed rules/*.yaml
var embeddedRules embed.FS

// ruleSet is the default, tenant-independent validation/aggregation
// policy, loaded from an embedded YAML document the way
// internal/resources.Loader loads its prompt packs. Per-submission
// Input.Config (spec §6's {rows, config}) overrides these defaults.
type ruleSet struct {
	RequiredFields []string `yaml:"required_fields"`
	DedupeOn       string   `yaml:"dedupe_on"`
	DropNulls      bool     `yaml:"drop_nulls"`
	StrictMode     bool     `yaml:"strict_mode"`
	NumericField   string   `yaml:"numeric_field"`
	MaxOutputRows  int      `yaml:"max_output_rows"`
}

func loadDefaultRuleSet() (ruleSet, error) {
	content, err := embeddedRules.ReadFile("rules/default.yaml")
	if err != nil {
		return ruleSet{}, fmt.Errorf("read default rule set: %w", err)
	}
	var rs ruleSet
	if err := yaml.Unmarshal(content, &rs); err != nil {
		return ruleSet{}, fmt.Errorf("parse default rule set: %w", err)
	}
	if rs.MaxOutputRows == 0 {
		rs.MaxOutputRows = 50
	}
	return rs, nil
}

// ConfiguredPipeline is the engine's default RowPipeline: it validates,
// deduplicates, and aggregates rows the way jobs/processing.py and
// jobs/views.py's _process_rows/_build_output_result do.
type ConfiguredPipeline struct {
	defaults ruleSet
}

// NewConfiguredPipeline loads the embedded default rule set.
func NewConfiguredPipeline() (*ConfiguredPipeline, error) {
	rs, err := loadDefaultRuleSet()
	if err != nil {
		return nil, err
	}
	return &ConfiguredPipeline{defaults: rs}, nil
}

func (p *ConfiguredPipeline) effectiveRules(cfg map[string]any) ruleSet {
	rs := p.defaults
	if cfg == nil {
		return rs
	}
	if v, ok := cfg["required_fields"].([]any); ok {
		fields := make([]string, 0, len(v))
		for _, f := range v {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
		rs.RequiredFields = fields
	}
	if v, ok := cfg["dedupe_on"].(string); ok {
		rs.DedupeOn = v
	}
	if v, ok := cfg["drop_nulls"].(bool); ok {
		rs.DropNulls = v
	}
	if v, ok := cfg["strict_mode"].(bool); ok {
		rs.StrictMode = v
	}
	if v, ok := cfg["numeric_field"].(string); ok {
		rs.NumericField = v
	}
	return rs
}

// Process implements RowPipeline.
func (p *ConfiguredPipeline) Process(ctx context.Context, input Input, report ProgressReporter) (Output, error) {
	rules := p.effectiveRules(input.Config)
	total := len(input.Rows)

	var (
		valid             []map[string]any
		errs              []RowError
		duplicatesRemoved int
		nullsDropped      int
	)
	seen := make(map[string]bool)

	for i, row := range input.Rows {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}

		if rules.DropNulls && rowHasNull(row) {
			nullsDropped++
			continue
		}

		ok, reason := validateRow(row, rules.RequiredFields)
		if !ok {
			errs = append(errs, RowError{Index: i, Reason: reason})
			if rules.StrictMode {
				return Output{}, fmt.Errorf("row %d invalid: %s", i, reason)
			}
			continue
		}

		if rules.DedupeOn != "" {
			key := fmt.Sprintf("%v", row[rules.DedupeOn])
			if seen[key] {
				duplicatesRemoved++
				continue
			}
			seen[key] = true
		}

		valid = append(valid, row)

		if report != nil && total > 0 && (i+1)%max(1, total/20) == 0 {
			progress := 5 + ((i + 1) * 90 / total)
			if err := report(ctx, progress, i+1, "PROCESSING"); err != nil {
				return Output{}, fmt.Errorf("report progress: %w", err)
			}
		}
	}

	out := Output{
		TotalProcessed:    total,
		TotalValid:        len(valid),
		TotalInvalid:      len(errs),
		DuplicatesRemoved: duplicatesRemoved,
		NullsDropped:      nullsDropped,
		Errors:            errs,
	}

	if rules.NumericField != "" {
		if stats, ok := computeNumericStats(valid, rules.NumericField); ok {
			out.NumericStats = &stats
		}
	}

	outRows := rules.MaxOutputRows
	if outRows > len(valid) {
		outRows = len(valid)
	}
	out.OutputData = append([]map[string]any{}, valid[:outRows]...)

	return out, nil
}

func rowHasNull(row map[string]any) bool {
	for _, v := range row {
		if isNull(v) {
			return true
		}
	}
	return false
}

// computeNumericStats mirrors jobs/views.py's _compute_numeric_stats:
// sum/avg/min/max over a configured numeric field across valid rows.
func computeNumericStats(rows []map[string]any, field string) (NumericStats, bool) {
	var sum, min, max float64
	count := 0
	for _, row := range rows {
		v, ok := asFloat(row[field])
		if !ok {
			continue
		}
		if count == 0 || v < min {
			min = v
		}
		if count == 0 || v > max {
			max = v
		}
		sum += v
		count++
	}
	if count == 0 {
		return NumericStats{}, false
	}
	return NumericStats{
		Field: field,
		Sum:   sum,
		Avg:   sum / float64(count),
		Min:   min,
		Max:   max,
	}, true
}
