package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-insights/internal/domain"
	"credit-insights/internal/history"
	"credit-insights/internal/pipeline"
	"credit-insights/internal/service"
)

type fakeQuestions struct {
	answer *service.Answer
	err    error
}

func (f *fakeQuestions) HandleQuestion(_ context.Context, question string) (*service.Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, errors.New("question must not be empty")
	}
	return f.answer, f.err
}

type fakeHistory struct {
	entries []history.Entry
	err     error
	gotLim  int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	f.gotLim = limit
	return f.entries, f.err
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

func newRouter(q QuestionHandler, h HistoryLister, p Pinger) http.Handler {
	s := NewServer(q, h, p, slog.New(slog.DiscardHandler))
	return s.Router(Options{})
}

func postQuestion(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/questions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPostQuestionSucceeded(t *testing.T) {
	q := &fakeQuestions{answer: &service.Answer{
		State:   pipeline.StateSucceeded,
		Summary: "Resultado: 24,50%",
		SQL:     `SELECT avg("TARGET") FROM credit_train LIMIT 100`,
		Result: &domain.ResultSet{
			Columns:  []string{"taxa"},
			Rows:     []map[string]any{{"taxa": 0.245}},
			RowCount: 1,
		},
	}}
	rec := postQuestion(t, newRouter(q, nil, nil), `{"question":"qual a taxa?"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body service.Answer
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, pipeline.StateSucceeded, body.State)
	assert.Equal(t, "Resultado: 24,50%", body.Summary)
	require.NotNil(t, body.Result)
	assert.Equal(t, 1, body.Result.RowCount)
}

func TestPostQuestionResultCarriesElapsedMs(t *testing.T) {
	q := &fakeQuestions{answer: &service.Answer{
		State: pipeline.StateSucceeded,
		Result: &domain.ResultSet{
			Columns:   []string{"volume"},
			Rows:      []map[string]any{{"volume": int64(171202)}},
			RowCount:  1,
			ElapsedMs: 42,
		},
	}}
	rec := postQuestion(t, newRouter(q, nil, nil), `{"question":"quantos clientes?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	result, ok := body["result"].(map[string]any)
	require.True(t, ok, "response should carry a result object")
	assert.Equal(t, float64(42), result["elapsed_ms"])
}

func TestPostQuestionRejectedIs422(t *testing.T) {
	q := &fakeQuestions{answer: &service.Answer{
		State: pipeline.StateRejected,
		Failure: &domain.Failure{
			Kind:    domain.KindForbiddenStatementKind,
			Message: "only read-only SELECT statements are permitted",
		},
	}}
	rec := postQuestion(t, newRouter(q, nil, nil), `{"question":"drop the table"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body service.Answer
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotNil(t, body.Failure)
	assert.Equal(t, domain.KindForbiddenStatementKind, body.Failure.Kind)
}

func TestPostQuestionExhaustedIs422(t *testing.T) {
	q := &fakeQuestions{answer: &service.Answer{
		State:   pipeline.StateExhausted,
		Failure: &domain.Failure{Kind: domain.KindAttemptsExhausted, Message: "attempt budget exhausted"},
	}}
	rec := postQuestion(t, newRouter(q, nil, nil), `{"question":"slow"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPostQuestionPoolExhaustionIs503(t *testing.T) {
	q := &fakeQuestions{answer: &service.Answer{
		State:   pipeline.StateAborted,
		Failure: &domain.Failure{Kind: domain.KindResourcePoolExhausted, Message: "no connection available"},
	}}
	rec := postQuestion(t, newRouter(q, nil, nil), `{"question":"busy"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPostQuestionEmptyIs400(t *testing.T) {
	rec := postQuestion(t, newRouter(&fakeQuestions{}, nil, nil), `{"question":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostQuestionBadJSONIs400(t *testing.T) {
	rec := postQuestion(t, newRouter(&fakeQuestions{}, nil, nil), `{"question": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetHistory(t *testing.T) {
	h := &fakeHistory{entries: []history.Entry{
		{ID: "a", Question: "q1", State: "SUCCEEDED"},
		{ID: "b", Question: "q2", State: "REJECTED"},
	}}
	handler := newRouter(&fakeQuestions{}, h, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/history?limit=2", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, h.gotLim)

	var body struct {
		Entries []history.Entry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Len(t, body.Entries, 2)
}

func TestGetHistoryBadLimit(t *testing.T) {
	handler := newRouter(&fakeQuestions{}, &fakeHistory{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/history?limit=abc", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetHistoryDisabled(t *testing.T) {
	handler := newRouter(&fakeQuestions{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	handler := newRouter(&fakeQuestions{}, nil, &fakePinger{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["database"])
}

func TestHealthDegraded(t *testing.T) {
	handler := newRouter(&fakeQuestions{}, nil, &fakePinger{err: errors.New("connection refused")})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
}

func TestRateLimitedQuestionIs429(t *testing.T) {
	q := &fakeQuestions{answer: &service.Answer{State: pipeline.StateSucceeded,
		Result: &domain.ResultSet{Columns: []string{"n"}, RowCount: 0}}}
	s := NewServer(q, nil, nil, slog.New(slog.DiscardHandler))
	handler := s.Router(Options{RateLimitRPS: 1, RateLimitBurst: 1})

	first := postQuestion(t, handler, `{"question":"q"}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := postQuestion(t, handler, `{"question":"q"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
