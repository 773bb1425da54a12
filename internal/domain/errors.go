package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the pipeline can produce. The kind
// decides whether the correction loop retries, rejects, or aborts.
type ErrorKind string

const (
	KindUnparseableStatement   ErrorKind = "UNPARSEABLE_STATEMENT"
	KindMultiStatementRejected ErrorKind = "MULTI_STATEMENT_REJECTED"
	KindForbiddenStatementKind ErrorKind = "FORBIDDEN_STATEMENT_KIND"
	KindForbiddenTable         ErrorKind = "FORBIDDEN_TABLE"
	KindRewriteFailed          ErrorKind = "REWRITE_FAILED"
	KindExecutionTimeout       ErrorKind = "EXECUTION_TIMEOUT"
	KindExecutionError         ErrorKind = "EXECUTION_ERROR"
	KindGeneratorTimeout       ErrorKind = "GENERATOR_TIMEOUT"
	KindGeneratorUnavailable   ErrorKind = "GENERATOR_UNAVAILABLE"
	KindAttemptsExhausted      ErrorKind = "ATTEMPTS_EXHAUSTED"
	KindResourcePoolExhausted  ErrorKind = "RESOURCE_POOL_EXHAUSTED"
)

// Structural reports whether the kind indicates the candidate is
// fundamentally out of policy. Structural rejections terminate the loop
// immediately: retrying would mean trusting the generator to self-correct an
// out-of-policy request.
func (k ErrorKind) Structural() bool {
	switch k {
	case KindMultiStatementRejected, KindForbiddenStatementKind, KindForbiddenTable:
		return true
	}
	return false
}

// Fatal reports whether the kind must abort the loop without consuming the
// remaining attempt budget. RewriteFailed is an internal defect, not a
// generator mistake; ResourcePoolExhausted indicates system overload, not a
// bad candidate.
func (k ErrorKind) Fatal() bool {
	return k == KindRewriteFailed || k == KindResourcePoolExhausted
}

// Correctable reports whether a failure of this kind is worth feeding back to
// the generator for a corrected candidate.
func (k ErrorKind) Correctable() bool {
	switch k {
	case KindUnparseableStatement, KindExecutionTimeout, KindExecutionError,
		KindGeneratorTimeout, KindGeneratorUnavailable:
		return true
	}
	return false
}

// MaxFailureMessageLen bounds every failure message handed upstream, keeping
// correction prompts small and preventing unbounded echoing of database
// internals.
const MaxFailureMessageLen = 500

// Truncate clips s to MaxFailureMessageLen bytes.
func Truncate(s string) string {
	if len(s) <= MaxFailureMessageLen {
		return s
	}
	return s[:MaxFailureMessageLen-3] + "..."
}

// QueryError is the error type carried through the pipeline. Its message is
// already bounded and safe to surface.
type QueryError struct {
	Kind    ErrorKind
	Message string
}

func (e *QueryError) Error() string { return e.Message }

// Errf creates a QueryError with a formatted, truncated message.
func Errf(kind ErrorKind, format string, args ...any) *QueryError {
	return &QueryError{Kind: kind, Message: Truncate(fmt.Sprintf(format, args...))}
}

// KindOf extracts the ErrorKind from err, or KindExecutionError if err is not
// a QueryError.
func KindOf(err error) ErrorKind {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindExecutionError
}

// FailureOf converts err into a Failure suitable for an AttemptRecord.
func FailureOf(err error) *Failure {
	var qe *QueryError
	if errors.As(err, &qe) {
		return &Failure{Kind: qe.Kind, Message: qe.Message}
	}
	return &Failure{Kind: KindExecutionError, Message: Truncate(err.Error())}
}
