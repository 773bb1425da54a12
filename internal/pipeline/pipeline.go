// Package pipeline drives the bounded generate-validate-execute correction
// loop for one user question.
//
// The loop is an explicit state machine rather than ad-hoc retries, so the
// attempt cap and the set of terminal states are independently checkable.
// Every attempt's input depends on the previous attempt's failure, so steps
// within one request are strictly sequential; concurrent requests share only
// the connection pool and the immutable guardrail policy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"credit-insights/internal/domain"
	"credit-insights/internal/policy"
	"credit-insights/internal/sqlguard"
)

// State is one node of the correction-loop state machine.
type State string

const (
	StateStart     State = "START"
	StateGenerated State = "GENERATED"
	StateValidated State = "VALIDATED"
	StateFailed    State = "FAILED"

	// Terminal states.
	StateSucceeded State = "SUCCEEDED"
	StateRejected  State = "REJECTED"
	StateExhausted State = "EXHAUSTED"
	StateAborted   State = "ABORTED"
)

// Terminal reports whether the machine stops in this state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateRejected, StateExhausted, StateAborted:
		return true
	}
	return false
}

// Outcome is the terminal result of one run.
type Outcome struct {
	State   State
	Result  *domain.ResultSet // set only when State == StateSucceeded
	SQL     string            // the rewritten statement that produced Result
	Failure *domain.Failure   // set on every non-success terminal state
}

// Controller owns the loop. Safe for concurrent use; each Run carries its
// own attempt trace.
type Controller struct {
	validator *sqlguard.Validator
	executor  domain.Executor
	generator domain.Generator
	rails     policy.Guardrails
	clock     clockwork.Clock
	logger    *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock injects a clock, used by tests to control elapsed measurement.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// New creates a Controller. The generator is injected as a capability so
// tests can substitute deterministic or scripted implementations.
func New(validator *sqlguard.Validator, executor domain.Executor, generator domain.Generator,
	rails policy.Guardrails, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		validator: validator,
		executor:  executor,
		generator: generator,
		rails:     rails,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the correction loop for one question. It stops on the first
// success, on a structural rejection, on a fatal failure, or when the
// attempt budget is exhausted. The returned trace has at most
// rails.MaxAttempts records and is surfaced on every terminal state.
func (c *Controller) Run(ctx context.Context, question string, promptContext string) (*Outcome, []domain.AttemptRecord) {
	var (
		attempts []domain.AttemptRecord
		prior    []domain.PriorAttempt
	)

	for attempt := 1; attempt <= c.rails.MaxAttempts; attempt++ {
		rec, result := c.runAttempt(ctx, attempt, question, promptContext, prior)
		attempts = append(attempts, rec)

		if rec.Failure == nil {
			c.logger.Info("attempt succeeded", "attempt", attempt, "row_count", rec.RowCount)
			return &Outcome{
				State:  StateSucceeded,
				Result: result,
				SQL:    rec.RewrittenSQL,
			}, attempts
		}

		kind := rec.Failure.Kind
		c.logger.Info("attempt failed", "attempt", attempt, "kind", kind, "reason", rec.Failure.Message)

		switch {
		case kind.Structural():
			// The generator is fundamentally off-task; no budget is spent
			// asking it to self-correct an out-of-policy request.
			return &Outcome{State: StateRejected, Failure: rec.Failure}, attempts
		case kind == domain.KindRewriteFailed:
			c.logger.Error("internal rewrite defect", "attempt", attempt, "reason", rec.Failure.Message)
			return &Outcome{State: StateAborted, Failure: rec.Failure}, attempts
		case kind == domain.KindResourcePoolExhausted:
			// System overload, not a bad candidate. Surfaced immediately.
			return &Outcome{State: StateAborted, Failure: rec.Failure}, attempts
		}

		// Correctable: feed the failure back to the generator on the next
		// pass. Timeouts count as full attempts; identical retries would
		// just burn the budget again, so the generator must change approach.
		prior = append(prior, domain.PriorAttempt{
			SQL:    rec.Candidate.SQL,
			Reason: rec.Failure.Message,
		})
	}

	return &Outcome{
		State: StateExhausted,
		Failure: &domain.Failure{
			Kind:    domain.KindAttemptsExhausted,
			Message: domain.Truncate(lastReason(attempts, c.rails.MaxAttempts)),
		},
	}, attempts
}

// runAttempt performs one generate → validate → execute cycle.
func (c *Controller) runAttempt(ctx context.Context, attempt int, question, promptContext string,
	prior []domain.PriorAttempt) (domain.AttemptRecord, *domain.ResultSet) {

	start := c.clock.Now()
	rec := domain.AttemptRecord{Attempt: attempt}

	candidate, err := c.generate(ctx, question, promptContext, prior)
	rec.Candidate = domain.CandidateQuery{SQL: candidate, Attempt: attempt, Question: question}
	if err != nil {
		rec.Failure = domain.FailureOf(err)
		rec.Elapsed = c.clock.Since(start)
		return rec, nil
	}

	rewritten, err := c.validator.Validate(candidate)
	if err != nil {
		rec.Failure = domain.FailureOf(err)
		rec.Elapsed = c.clock.Since(start)
		return rec, nil
	}
	rec.RewrittenSQL = rewritten

	result, err := c.executor.Execute(ctx, rewritten)
	rec.Elapsed = c.clock.Since(start)
	if err != nil {
		rec.Failure = domain.FailureOf(err)
		return rec, nil
	}

	rec.RowCount = result.RowCount
	return rec, result
}

// generate calls the external generator under its own timeout. A deadline on
// the generator call is a GeneratorTimeout; any other generator error is
// GeneratorUnavailable. Both consume an attempt but stay distinguishable in
// the trace so operators can tell generator trouble from query-quality
// trouble.
func (c *Controller) generate(ctx context.Context, question, promptContext string,
	prior []domain.PriorAttempt) (string, error) {

	genCtx, cancel := context.WithTimeout(ctx, c.rails.GeneratorTimeout)
	defer cancel()

	candidate, err := c.generator.Generate(genCtx, domain.GenerateRequest{
		Question: question,
		Context:  promptContext,
		Prior:    prior,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", domain.Errf(domain.KindGeneratorTimeout,
				"generator did not answer within %s", c.rails.GeneratorTimeout)
		}
		return "", domain.Errf(domain.KindGeneratorUnavailable, "generator call failed: %v", err)
	}
	return candidate, nil
}

func lastReason(attempts []domain.AttemptRecord, max int) string {
	if len(attempts) == 0 {
		return "no attempts were made"
	}
	last := attempts[len(attempts)-1]
	if last.Failure == nil {
		return "attempt budget exhausted"
	}
	return fmt.Sprintf("attempt budget exhausted after %d attempts; last failure: %s",
		max, last.Failure.Message)
}
