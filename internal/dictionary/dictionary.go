// Package dictionary maps business vocabulary onto the credit dataset's
// schema. The mapping lives in a YAML document so analysts can extend
// synonyms and few-shot examples without a rebuild; a default dictionary for
// the credit_train table is embedded in the binary.
package dictionary

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	_ "embed"
)

//go:embed dictionary.yaml
var defaultDictionary []byte

// Column describes one table column for prompt assembly.
type Column struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

// Table describes the queryable table.
type Table struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Period      string   `yaml:"period"`
	Columns     []Column `yaml:"columns"`
}

// Metric is a canonical business measure with the SQL expression that
// computes it and the synonyms users reach for.
type Metric struct {
	SQL         string   `yaml:"sql"`
	Format      string   `yaml:"format"`
	Description string   `yaml:"description"`
	Synonyms    []string `yaml:"synonyms"`
}

// Dimension is a grouping axis over the table.
type Dimension struct {
	Column        string   `yaml:"column"`
	Type          string   `yaml:"type"`
	Description   string   `yaml:"description"`
	Synonyms      []string `yaml:"synonyms"`
	Normalization string   `yaml:"normalization"`
	ValidValues   []string `yaml:"valid_values"`
}

// TemporalAggregation maps period words onto DATE_TRUNC expressions.
type TemporalAggregation struct {
	SQL      string   `yaml:"sql"`
	Synonyms []string `yaml:"synonyms"`
}

// AgeBand is a named predefined age range.
type AgeBand struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition"`
}

// Example is one worked question-to-SQL pair used for few-shot prompting.
type Example struct {
	Question string `yaml:"question"`
	SQL      string `yaml:"sql"`
	Note     string `yaml:"note"`
}

// Dictionary is the parsed business dictionary.
type Dictionary struct {
	Table                Table                          `yaml:"table"`
	Metrics              map[string]Metric              `yaml:"metrics"`
	Dimensions           map[string]Dimension           `yaml:"dimensions"`
	TemporalAggregations map[string]TemporalAggregation `yaml:"temporal_aggregations"`
	AgeBands             []AgeBand                      `yaml:"age_bands"`
	Examples             []Example                      `yaml:"examples"`
}

// Default returns the embedded dictionary.
func Default() (*Dictionary, error) {
	return parse(defaultDictionary)
}

// Load reads a dictionary from path, or returns the embedded default when
// path is empty.
func Load(path string) (*Dictionary, error) {
	if path == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Dictionary, error) {
	var d Dictionary
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse dictionary: %w", err)
	}
	if d.Table.Name == "" {
		return nil, fmt.Errorf("parse dictionary: table name is required")
	}
	return &d, nil
}

// FindMetric returns the key of the first metric whose synonym occurs in
// text, matching case-insensitively. Keys are scanned in sorted order so the
// result is stable across runs.
func (d *Dictionary) FindMetric(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, key := range sortedKeys(d.Metrics) {
		for _, syn := range d.Metrics[key].Synonyms {
			if strings.Contains(lower, strings.ToLower(syn)) {
				return key, true
			}
		}
	}
	return "", false
}

// FindDimension returns the key of the first dimension whose synonym occurs
// in text.
func (d *Dictionary) FindDimension(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, key := range sortedKeys(d.Dimensions) {
		for _, syn := range d.Dimensions[key].Synonyms {
			if strings.Contains(lower, strings.ToLower(syn)) {
				return key, true
			}
		}
	}
	return "", false
}

// FormatFor returns the display format of the named metric, defaulting to
// integer when the metric is unknown.
func (d *Dictionary) FormatFor(metric string) string {
	if m, ok := d.Metrics[metric]; ok && m.Format != "" {
		return m.Format
	}
	return "integer"
}

// PromptContext renders the dictionary as the schema and vocabulary block of
// a generation prompt. The output is deterministic.
func (d *Dictionary) PromptContext() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Table: %s\n", d.Table.Name)
	fmt.Fprintf(&b, "Description: %s\n", d.Table.Description)
	if d.Table.Period != "" {
		fmt.Fprintf(&b, "Period: %s\n", d.Table.Period)
	}
	b.WriteString("\nColumns:\n")
	for _, col := range d.Table.Columns {
		fmt.Fprintf(&b, "  %s %s - %s\n", col.Name, col.Type, col.Description)
	}

	b.WriteString("\nMetrics:\n")
	for _, key := range sortedKeys(d.Metrics) {
		m := d.Metrics[key]
		fmt.Fprintf(&b, "  %s = %s (%s)\n", key, m.SQL, m.Description)
	}

	b.WriteString("\nDimensions:\n")
	for _, key := range sortedKeys(d.Dimensions) {
		dim := d.Dimensions[key]
		fmt.Fprintf(&b, "  %s -> %q", key, dim.Column)
		if dim.Normalization != "" {
			fmt.Fprintf(&b, " (normalize with %s)", dim.Normalization)
		}
		b.WriteString("\n")
	}

	if len(d.TemporalAggregations) > 0 {
		b.WriteString("\nTemporal aggregations:\n")
		for _, key := range sortedKeys(d.TemporalAggregations) {
			fmt.Fprintf(&b, "  %s = %s\n", key, d.TemporalAggregations[key].SQL)
		}
	}

	if len(d.AgeBands) > 0 {
		b.WriteString("\nAge bands:\n")
		for _, band := range d.AgeBands {
			fmt.Fprintf(&b, "  %s: %s\n", band.Name, band.Condition)
		}
	}

	if len(d.Examples) > 0 {
		b.WriteString("\nExamples:\n")
		for _, ex := range d.Examples {
			fmt.Fprintf(&b, "  Q: %s\n  SQL: %s\n", ex.Question, ex.SQL)
		}
	}

	b.WriteString("\nAlways quote column names with double quotes, for example \"UF\" and \"TARGET\".\n")
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
