// Package policy defines the process-wide guardrail policy applied to every
// candidate query. The policy is an immutable value constructed once at
// startup and passed explicitly to each component.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Guardrails holds the organizational limits enforced by the validator, the
// execution engine, and the correction loop. Read-only after construction.
type Guardrails struct {
	// MaxAttempts caps generate-validate-execute cycles per user request.
	MaxAttempts int
	// RowCapDefault is appended when a statement carries no LIMIT clause.
	RowCapDefault int
	// RowCapMax clamps an explicit LIMIT; it is never raised.
	RowCapMax int
	// MinGroupSize is the k in k-anonymity: every reported group must contain
	// at least this many underlying records.
	MinGroupSize int
	// QueryTimeout bounds the wall-clock duration of one statement.
	QueryTimeout time.Duration
	// GeneratorTimeout bounds one call to the external generator.
	GeneratorTimeout time.Duration
	// AllowedTables is the relation allow-list. Empty means nothing is
	// queryable.
	AllowedTables []string
}

// Default returns the guardrails the original credit-analytics deployment
// shipped with.
func Default() Guardrails {
	return Guardrails{
		MaxAttempts:      3,
		RowCapDefault:    100,
		RowCapMax:        10000,
		MinGroupSize:     20,
		QueryTimeout:     10 * time.Second,
		GeneratorTimeout: 30 * time.Second,
		AllowedTables:    []string{"credit_train"},
	}
}

// Validate checks that the guardrails are internally consistent.
func (g Guardrails) Validate() error {
	if g.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", g.MaxAttempts)
	}
	if g.RowCapDefault < 1 || g.RowCapMax < 1 {
		return fmt.Errorf("row caps must be positive (default=%d, max=%d)", g.RowCapDefault, g.RowCapMax)
	}
	if g.RowCapDefault > g.RowCapMax {
		return fmt.Errorf("default row cap %d exceeds maximum %d", g.RowCapDefault, g.RowCapMax)
	}
	if g.MinGroupSize < 1 {
		return fmt.Errorf("minimum group size must be positive, got %d", g.MinGroupSize)
	}
	if g.QueryTimeout <= 0 || g.GeneratorTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if len(g.AllowedTables) == 0 {
		return fmt.Errorf("at least one allowed table is required")
	}
	return nil
}

// TableAllowed returns true if the role may query the given relation.
// System catalogs are always denied, even if an operator lists them.
func (g Guardrails) TableAllowed(table string) bool {
	if IsSystemCatalog(table) {
		return false
	}
	for _, t := range g.AllowedTables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// IsSystemCatalog reports whether the relation name refers to a PostgreSQL
// system catalog or the information schema.
func IsSystemCatalog(table string) bool {
	lower := strings.ToLower(table)
	return strings.HasPrefix(lower, "pg_") || strings.HasPrefix(lower, "information_schema")
}
