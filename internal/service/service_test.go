package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-insights/internal/dictionary"
	"credit-insights/internal/domain"
	"credit-insights/internal/history"
	"credit-insights/internal/pipeline"
)

type fakeRunner struct {
	outcome  *pipeline.Outcome
	attempts []domain.AttemptRecord
	gotCtx   string
}

func (r *fakeRunner) Run(_ context.Context, _ string, promptContext string) (*pipeline.Outcome, []domain.AttemptRecord) {
	r.gotCtx = promptContext
	return r.outcome, r.attempts
}

type fakeRecorder struct {
	entries []history.Entry
	err     error
}

func (r *fakeRecorder) Record(_ context.Context, e history.Entry) (history.Entry, error) {
	if r.err != nil {
		return history.Entry{}, r.err
	}
	r.entries = append(r.entries, e)
	return e, nil
}

func newService(t *testing.T, runner Runner, rec Recorder) *QuestionService {
	t.Helper()
	dict, err := dictionary.Default()
	require.NoError(t, err)
	return New(runner, dict, rec, slog.New(slog.DiscardHandler))
}

func TestHandleQuestionSuccess(t *testing.T) {
	runner := &fakeRunner{
		outcome: &pipeline.Outcome{
			State: pipeline.StateSucceeded,
			SQL:   `SELECT count(*) FROM credit_train LIMIT 100`,
			Result: &domain.ResultSet{
				Columns:  []string{"volume"},
				Rows:     []map[string]any{{"volume": int64(171202)}},
				RowCount: 1,
			},
		},
		attempts: []domain.AttemptRecord{{Attempt: 1}},
	}
	rec := &fakeRecorder{}
	svc := newService(t, runner, rec)

	answer, err := svc.HandleQuestion(context.Background(), "qual a quantidade de registros?")
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateSucceeded, answer.State)
	assert.Equal(t, "Resultado: 171.202", answer.Summary)
	assert.NotEmpty(t, runner.gotCtx)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, "SUCCEEDED", rec.entries[0].State)
	assert.Equal(t, 1, rec.entries[0].RowCount)
	assert.Equal(t, 1, rec.entries[0].Attempts)
}

func TestHandleQuestionPercentSummary(t *testing.T) {
	runner := &fakeRunner{
		outcome: &pipeline.Outcome{
			State: pipeline.StateSucceeded,
			Result: &domain.ResultSet{
				Columns:  []string{"taxa"},
				Rows:     []map[string]any{{"taxa": 0.245}},
				RowCount: 1,
			},
		},
	}
	svc := newService(t, runner, nil)

	answer, err := svc.HandleQuestion(context.Background(), "qual a taxa de inadimplência?")
	require.NoError(t, err)
	assert.Equal(t, "Resultado: 24,50%", answer.Summary)
}

func TestHandleQuestionMultiRowSummary(t *testing.T) {
	rows := make([]map[string]any, 27)
	for i := range rows {
		rows[i] = map[string]any{"UF": "SP", "taxa": 0.1}
	}
	runner := &fakeRunner{
		outcome: &pipeline.Outcome{
			State: pipeline.StateSucceeded,
			Result: &domain.ResultSet{
				Columns:  []string{"UF", "taxa"},
				Rows:     rows,
				RowCount: 27,
			},
		},
	}
	svc := newService(t, runner, nil)

	answer, err := svc.HandleQuestion(context.Background(), "taxa por estado")
	require.NoError(t, err)
	assert.Equal(t, "Consulta retornou 27 registros.", answer.Summary)
}

func TestHandleQuestionEmptyQuestion(t *testing.T) {
	svc := newService(t, &fakeRunner{}, nil)

	_, err := svc.HandleQuestion(context.Background(), "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestHandleQuestionRejectedRecordsFailure(t *testing.T) {
	runner := &fakeRunner{
		outcome: &pipeline.Outcome{
			State: pipeline.StateRejected,
			Failure: &domain.Failure{
				Kind:    domain.KindForbiddenStatementKind,
				Message: "only read-only SELECT statements are permitted",
			},
		},
		attempts: []domain.AttemptRecord{{Attempt: 1}},
	}
	rec := &fakeRecorder{}
	svc := newService(t, runner, rec)

	answer, err := svc.HandleQuestion(context.Background(), "drop the table")
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateRejected, answer.State)
	assert.Empty(t, answer.Summary)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "FORBIDDEN_STATEMENT_KIND", rec.entries[0].FailureKind)
}

func TestHandleQuestionRecorderFailureIsSwallowed(t *testing.T) {
	runner := &fakeRunner{
		outcome: &pipeline.Outcome{
			State:  pipeline.StateSucceeded,
			Result: &domain.ResultSet{Columns: []string{"n"}, Rows: []map[string]any{{"n": int64(1)}}, RowCount: 1},
		},
	}
	svc := newService(t, runner, &fakeRecorder{err: errors.New("disk full")})

	answer, err := svc.HandleQuestion(context.Background(), "quantos?")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateSucceeded, answer.State)
}

func TestHandleQuestionEmptyResultSummary(t *testing.T) {
	runner := &fakeRunner{
		outcome: &pipeline.Outcome{
			State:  pipeline.StateSucceeded,
			Result: &domain.ResultSet{Columns: []string{"n"}, RowCount: 0},
		},
	}
	svc := newService(t, runner, nil)

	answer, err := svc.HandleQuestion(context.Background(), "algo raro")
	require.NoError(t, err)
	assert.Equal(t, "Nenhum registro encontrado para a pergunta.", answer.Summary)
}
