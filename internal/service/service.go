// Package service is the inbound application layer: it runs the question
// pipeline, shapes the answer for transport, and records the audit trail.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"credit-insights/internal/dictionary"
	"credit-insights/internal/domain"
	"credit-insights/internal/format"
	"credit-insights/internal/history"
	"credit-insights/internal/pipeline"
)

// Answer is the service-level response for one question.
type Answer struct {
	State    pipeline.State         `json:"state"`
	Summary  string                 `json:"summary,omitempty"`
	SQL      string                 `json:"sql,omitempty"`
	Result   *domain.ResultSet      `json:"result,omitempty"`
	Failure  *domain.Failure        `json:"failure,omitempty"`
	Attempts []domain.AttemptRecord `json:"attempts"`
}

// Runner runs the correction loop. Satisfied by *pipeline.Controller.
type Runner interface {
	Run(ctx context.Context, question string, promptContext string) (*pipeline.Outcome, []domain.AttemptRecord)
}

// Recorder persists answered questions. Satisfied by *history.Store.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) (history.Entry, error)
}

// QuestionService coordinates one question end to end.
type QuestionService struct {
	runner   Runner
	dict     *dictionary.Dictionary
	recorder Recorder
	logger   *slog.Logger
}

// New creates a QuestionService. recorder may be nil when auditing is
// disabled.
func New(runner Runner, dict *dictionary.Dictionary, recorder Recorder, logger *slog.Logger) *QuestionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuestionService{runner: runner, dict: dict, recorder: recorder, logger: logger}
}

// HandleQuestion answers one natural-language question. Recording the audit
// entry is best-effort: a history failure is logged and never surfaces to
// the caller.
func (s *QuestionService) HandleQuestion(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question must not be empty")
	}

	start := time.Now()
	outcome, attempts := s.runner.Run(ctx, question, s.dict.PromptContext())

	answer := &Answer{
		State:    outcome.State,
		SQL:      outcome.SQL,
		Result:   outcome.Result,
		Failure:  outcome.Failure,
		Attempts: attempts,
	}
	if outcome.State == pipeline.StateSucceeded {
		answer.Summary = s.summarize(question, outcome.Result)
	}

	s.record(ctx, question, answer, time.Since(start))
	return answer, nil
}

func (s *QuestionService) record(ctx context.Context, question string, a *Answer, elapsed time.Duration) {
	if s.recorder == nil {
		return
	}

	entry := history.Entry{
		Question:  question,
		State:     string(a.State),
		SQL:       a.SQL,
		Attempts:  len(a.Attempts),
		ElapsedMs: elapsed.Milliseconds(),
	}
	if a.Result != nil {
		entry.RowCount = a.Result.RowCount
	}
	if a.Failure != nil {
		entry.FailureKind = string(a.Failure.Kind)
		entry.FailureReason = a.Failure.Message
	}

	if _, err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.Warn("history recording failed", "error", err)
	}
}

// summarize builds a one-line Portuguese summary of the result. Single
// scalar results are formatted with the metric's display format when the
// question maps to a known metric; everything else reports row counts.
func (s *QuestionService) summarize(question string, result *domain.ResultSet) string {
	if result == nil || result.RowCount == 0 {
		return "Nenhum registro encontrado para a pergunta."
	}

	if result.RowCount == 1 && len(result.Columns) == 1 {
		value := result.Rows[0][result.Columns[0]]
		fmtName := "integer"
		if metric, ok := s.dict.FindMetric(question); ok {
			fmtName = s.dict.FormatFor(metric)
		}
		return fmt.Sprintf("Resultado: %s", format.Value(value, fmtName))
	}

	return fmt.Sprintf("Consulta retornou %s registros.", format.Int(int64(result.RowCount)))
}
