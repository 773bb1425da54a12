// Package domain defines the core types, error taxonomy, and ports of the
// guarded query pipeline.
package domain

import (
	"context"
	"time"
)

// CandidateQuery is one unvalidated query produced by the generator for a
// single attempt. Immutable once created.
type CandidateQuery struct {
	SQL      string `json:"sql"`
	Attempt  int    `json:"attempt"`
	Question string `json:"question"`
}

// ResultSet is the normalized tabular output of a successful execution.
// Every cell value is a JSON-representable scalar; nil means SQL NULL and is
// distinct from zero, false, or the empty string.
type ResultSet struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
	Elapsed  time.Duration    `json:"-"`
	// ElapsedMs mirrors Elapsed for API responses, where a duration in
	// nanoseconds would be unreadable.
	ElapsedMs int64 `json:"elapsed_ms"`
}

// Failure is a structured, bounded description of why a validation or
// execution step did not produce a result.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// AttemptRecord captures one correction-loop iteration. Exactly one of
// Result/Failure is set when the attempt reached execution; validation
// rejections carry only Failure.
type AttemptRecord struct {
	Attempt      int            `json:"attempt"`
	Candidate    CandidateQuery `json:"candidate"`
	RewrittenSQL string         `json:"rewritten_sql,omitempty"`
	Failure      *Failure       `json:"failure,omitempty"`
	RowCount     int            `json:"row_count,omitempty"`
	Elapsed      time.Duration  `json:"-"`
}

// PriorAttempt is the (candidate, failure reason) pair fed back to the
// generator when requesting a corrected candidate.
type PriorAttempt struct {
	SQL    string
	Reason string
}

// GenerateRequest carries everything the external generator needs to produce
// one candidate query.
type GenerateRequest struct {
	Question string
	// Context is the schema / business-dictionary description injected into
	// the generator prompt.
	Context string
	Prior   []PriorAttempt
}

// Generator produces a candidate SQL string for a question. Implementations
// are external, possibly slow, possibly wrong; the pipeline imposes no
// contract beyond "returns a string that may or may not parse".
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Executor runs an already-validated statement against the data store under
// the configured wall-clock budget. It never re-validates.
type Executor interface {
	Execute(ctx context.Context, sql string) (*ResultSet, error)
}
