package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/straja-ai/sentiment/internal/config"
	"github.com/straja-ai/sentiment/internal/metrics"
	"github.com/straja-ai/sentiment/internal/onnxmodel"
	"github.com/straja-ai/sentiment/internal/sentiment"
)

type countingClassifier struct {
	mu      sync.Mutex
	called  int
	texts   []string
	res     sentiment.Result
	err     error
	panicOn string
}

func (c *countingClassifier) Classify(ctx context.Context, text string) (sentiment.Result, error) {
	c.mu.Lock()
	c.called++
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	if c.panicOn != "" && text == c.panicOn {
		panic("boom")
	}
	if c.err != nil {
		return sentiment.Result{}, c.err
	}
	return c.res, nil
}

func (c *countingClassifier) Backend() string   { return "fake" }
func (c *countingClassifier) ModelName() string { return "fake/sst2" }

func (c *countingClassifier) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.called
}

func testConfig() *config.Config {
	return config.Default()
}

func newTestServer(t *testing.T, clf sentiment.Classifier) *Server {
	t.Helper()
	return New(testConfig(), clf, Options{Metrics: metrics.New()})
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestAnalyzeRoundsScore(t *testing.T) {
	clf := &countingClassifier{res: sentiment.Result{Label: sentiment.Positive, Score: 0.9991}}
	srv := newTestServer(t, clf)

	rr := do(srv, http.MethodPost, "/analyze", `{"text":"I love this"}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"label":"POSITIVE","score":0.999}`, rr.Body.String())
	assert.Equal(t, 1, clf.calls())
	assert.Equal(t, []string{"I love this"}, clf.texts)
}

func TestAnalyzeNegativeLabel(t *testing.T) {
	clf := &countingClassifier{res: sentiment.Result{Label: sentiment.Negative, Score: 0.87654}}
	srv := newTestServer(t, clf)

	rr := do(srv, http.MethodPost, "/analyze", `{"text":"terrible"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"label":"NEGATIVE","score":0.877}`, rr.Body.String())
}

func TestAnalyzeEmptyTextIsPassedThrough(t *testing.T) {
	clf := &countingClassifier{res: sentiment.Result{Label: sentiment.Positive, Score: 0.7}}
	srv := newTestServer(t, clf)

	rr := do(srv, http.MethodPost, "/analyze", `{"text":""}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{""}, clf.texts)
}

func TestAnalyzeIgnoresExtraFields(t *testing.T) {
	clf := &countingClassifier{res: sentiment.Result{Label: sentiment.Positive, Score: 0.5}}
	srv := newTestServer(t, clf)

	rr := do(srv, http.MethodPost, "/analyze", `{"text":"ok","lang":"en","n":3}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, clf.calls())
}

func TestAnalyzeInferenceErrorReturns500(t *testing.T) {
	clf := &countingClassifier{err: sentiment.NewInferenceError("fake", errors.New("tensor mismatch"))}
	srv := newTestServer(t, clf)

	rr := do(srv, http.MethodPost, "/analyze", `{"text":"hello"}`)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "inference_error", body["type"])
	assert.NotContains(t, body, "label")
	assert.NotContains(t, body, "score")
	assert.NotContains(t, rr.Body.String(), "tensor mismatch")
	assert.Equal(t, 1, clf.calls())
}

func TestAnalyzeUnknownErrorIsInferenceError(t *testing.T) {
	clf := &countingClassifier{err: errors.New("something odd")}
	srv := newTestServer(t, clf)

	rr := do(srv, http.MethodPost, "/analyze", `{"text":"hello"}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "inference_error", decodeBody(t, rr)["type"])
}

func TestAnalyzeModelUnavailable(t *testing.T) {
	clf := &countingClassifier{err: fmt.Errorf("classify: %w", sentiment.ErrModelUnavailable)}
	srv := newTestServer(t, clf)

	rr := do(srv, http.MethodPost, "/analyze", `{"text":"hello"}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"detail":"Model unavailable","type":"model_unavailable"}`, rr.Body.String())

	nilSrv := newTestServer(t, nil)
	rr = do(nilSrv, http.MethodPost, "/analyze", `{"text":"hello"}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "model_unavailable", decodeBody(t, rr)["type"])
}

func TestAnalyzeRejectsLabelOutsideEnum(t *testing.T) {
	clf := &countingClassifier{res: sentiment.Result{Label: "NEUTRAL", Score: 0.9}}
	srv := newTestServer(t, clf)

	rr := do(srv, http.MethodPost, "/analyze", `{"text":"meh"}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "NEUTRAL")
}

func TestAnalyzeValidationErrors(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		wantType string
		wantLoc  []any
	}{
		{"missing text", `{}`, "missing", []any{"body", "text"}},
		{"other field only", `{"txt":"hello"}`, "missing", []any{"body", "text"}},
		{"number", `{"text":5}`, "string_type", []any{"body", "text"}},
		{"null", `{"text":null}`, "string_type", []any{"body", "text"}},
		{"list", `{"text":["a","b"]}`, "string_type", []any{"body", "text"}},
		{"object", `{"text":{"a":1}}`, "string_type", []any{"body", "text"}},
		{"bool", `{"text":true}`, "string_type", []any{"body", "text"}},
		{"empty body", ``, "missing", []any{"body"}},
		{"array body", `["hello"]`, "model_attributes_type", []any{"body"}},
		{"string body", `"hello"`, "model_attributes_type", []any{"body"}},
		{"invalid json", `{"text": "hello"`, "json_invalid", nil},
		{"trailing garbage", `{"text":"a"} x`, "json_invalid", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clf := &countingClassifier{res: sentiment.Result{Label: sentiment.Positive, Score: 0.9}}
			srv := newTestServer(t, clf)

			rr := do(srv, http.MethodPost, "/analyze", tc.body)

			require.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
			var body validationResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			require.Len(t, body.Detail, 1)
			assert.Equal(t, tc.wantType, body.Detail[0].Type)
			if tc.wantLoc != nil {
				assert.Equal(t, tc.wantLoc, body.Detail[0].Loc)
			} else {
				assert.Equal(t, "body", body.Detail[0].Loc[0])
			}
			assert.NotEmpty(t, body.Detail[0].Msg)
			assert.Equal(t, 0, clf.calls(), "classifier must not be invoked")
		})
	}
}

func TestAnalyzeNullTextEchoesInput(t *testing.T) {
	srv := newTestServer(t, &countingClassifier{})

	rr := do(srv, http.MethodPost, "/analyze", `{"text":null}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.JSONEq(t,
		`{"detail":[{"type":"string_type","loc":["body","text"],"msg":"Input should be a valid string","input":null}]}`,
		rr.Body.String())
}

func TestAnalyzeBodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxRequestBodyBytes = 32
	clf := &countingClassifier{res: sentiment.Result{Label: sentiment.Positive, Score: 0.9}}
	srv := New(cfg, clf, Options{})

	rr := do(srv, http.MethodPost, "/analyze", `{"text":"`+strings.Repeat("a", 64)+`"}`)

	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.JSONEq(t, `{"detail":"Request body too large"}`, rr.Body.String())
	assert.Equal(t, 0, clf.calls())
}

func TestAnalyzeIsIdempotent(t *testing.T) {
	clf := &countingClassifier{res: sentiment.Result{Label: sentiment.Positive, Score: 0.98765}}
	srv := newTestServer(t, clf)

	first := do(srv, http.MethodPost, "/analyze", `{"text":"same input"}`)
	second := do(srv, http.MethodPost, "/analyze", `{"text":"same input"}`)

	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 2, clf.calls())
}

func TestWrongMethodIs405(t *testing.T) {
	srv := newTestServer(t, &countingClassifier{})

	assert.Equal(t, http.StatusMethodNotAllowed, do(srv, http.MethodGet, "/analyze", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(srv, http.MethodPost, "/", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodGet, "/nope", "").Code)
}

func TestRootMessage(t *testing.T) {
	srv := newTestServer(t, nil)

	for i := 0; i < 2; i++ {
		rr := do(srv, http.MethodGet, "/", "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"message":"Cognitive Sentiment Analysis Microservice is running."}`, rr.Body.String())
	}
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t, &countingClassifier{})

	rr := do(srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok\n", rr.Body.String())

	rr = do(srv, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ready","backend":"fake","model":"fake/sst2"}`, rr.Body.String())

	require.NoError(t, srv.Shutdown(context.Background()))
	rr = do(srv, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	notReady := newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(notReady, http.MethodGet, "/readyz", "").Code)
}

func TestRequestID(t *testing.T) {
	srv := newTestServer(t, &countingClassifier{})

	rr := do(srv, http.MethodGet, "/", "")
	_, err := uuid.Parse(rr.Header().Get(RequestIDHeader))
	assert.NoError(t, err, "generated request id should be a uuid")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "client-abc-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "client-abc-123", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "bad id\twith spaces")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.NotEqual(t, "bad id\twith spaces", rec.Header().Get(RequestIDHeader))
}

func TestPanicIsRecovered(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	clf := &countingClassifier{panicOn: "explode"}
	srv := New(testConfig(), clf, Options{Logger: zap.New(core)})

	rr := do(srv, http.MethodPost, "/analyze", `{"text":"explode"}`)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"detail":"Internal Server Error"}`, rr.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("handler panic").Len())
}

func TestAccessLogLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	clf := &countingClassifier{err: sentiment.NewInferenceError("fake", errors.New("boom"))}
	srv := New(testConfig(), clf, Options{Logger: zap.New(core)})

	do(srv, http.MethodGet, "/", "")
	do(srv, http.MethodPost, "/analyze", `{}`)
	do(srv, http.MethodPost, "/analyze", `{"text":"x"}`)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "/analyze", entries[2].ContextMap()["route"])
}

func TestTextIsNotLoggedByDefault(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	clf := &countingClassifier{res: sentiment.Result{Label: sentiment.Positive, Score: 0.9}}
	srv := New(testConfig(), clf, Options{Logger: zap.New(core)})

	do(srv, http.MethodPost, "/analyze", `{"text":"my secret diary"}`)
	for _, e := range logs.All() {
		assert.NotContains(t, e.ContextMap(), "text_preview")
		for _, v := range e.ContextMap() {
			assert.NotEqual(t, "my secret diary", v)
		}
	}

	cfg := testConfig()
	cfg.Logging.TextPreview = "redacted"
	core, logs = observer.New(zapcore.DebugLevel)
	srv = New(cfg, clf, Options{Logger: zap.New(core)})
	do(srv, http.MethodPost, "/analyze", `{"text":"mail me at jane@example.com"}`)
	analyzed := logs.FilterMessage("analyzed text").All()
	require.Len(t, analyzed, 1)
	assert.Equal(t, "mail me at [REDACTED_EMAIL]", analyzed[0].ContextMap()["text_preview"])
}

func TestMetricsEndpoint(t *testing.T) {
	clf := &countingClassifier{res: sentiment.Result{Label: sentiment.Positive, Score: 0.9}}
	srv := newTestServer(t, clf)

	do(srv, http.MethodPost, "/analyze", `{"text":"great"}`)
	rr := do(srv, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `sentiment_predictions_total{label="POSITIVE"} 1`)
	assert.Contains(t, body, `sentiment_http_requests_total{code="200",route="/analyze"} 1`)
	assert.Contains(t, body, `sentiment_inference_duration_seconds_count{backend="fake",outcome="ok"} 1`)
	assert.Contains(t, body, `sentiment_model_info{backend="fake",model="fake/sst2"} 1`)
}

func TestMetricsEndpointCanBeDisabled(t *testing.T) {
	cfg := testConfig()
	off := false
	cfg.Metrics.Enabled = &off
	srv := New(cfg, &countingClassifier{}, Options{Metrics: metrics.New()})

	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodGet, "/metrics", "").Code)
}

func TestMetricsPathCollidingWithRouteIsNotMounted(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Path = "/healthz"
	core, logs := observer.New(zapcore.InfoLevel)

	var srv *Server
	require.NotPanics(t, func() {
		srv = New(cfg, &countingClassifier{}, Options{Logger: zap.New(core), Metrics: metrics.New()})
	})
	rr := do(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, "ok\n", rr.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("metrics endpoint not mounted").Len())
}

// tokenLimitClassifier rejects text the way the ONNX backend does when it
// does not fit the model's sequence length.
type tokenLimitClassifier struct {
	countingClassifier
	tok    *onnxmodel.WordPieceTokenizer
	seqLen int
}

func (c *tokenLimitClassifier) Classify(ctx context.Context, text string) (sentiment.Result, error) {
	if _, _, err := c.tok.Encode(text, c.seqLen, false); err != nil {
		return sentiment.Result{}, sentiment.NewInferenceError(onnxmodel.Backend, err)
	}
	return c.countingClassifier.Classify(ctx, text)
}

func TestAnalyzeOversizedInputReturns500(t *testing.T) {
	vocab := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(vocab, []byte("[PAD]\n[UNK]\n[CLS]\n[SEP]\ni\nlove\nthis\n"), 0o644))
	tok, err := onnxmodel.LoadWordPieceTokenizer(vocab)
	require.NoError(t, err)

	clf := &tokenLimitClassifier{
		countingClassifier: countingClassifier{res: sentiment.Result{Label: sentiment.Positive, Score: 0.99}},
		tok:                tok,
		seqLen:             512,
	}
	srv := newTestServer(t, clf)

	rr := do(srv, http.MethodPost, "/analyze", `{"text":"i love this"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(srv, http.MethodPost, "/analyze", `{"text":"`+strings.Repeat("i love this ", 400)+`"}`)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "inference_error", body["type"])
	assert.NotContains(t, body, "label")
	assert.NotContains(t, body, "score")
	assert.Equal(t, 1, clf.calls(), "only the short input reached the model")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/analyze", routeLabel("POST /analyze"))
	assert.Equal(t, "/", routeLabel("GET /{$}"))
	assert.Equal(t, "unmatched", routeLabel(""))
}

func TestStartAfterShutdownReturns(t *testing.T) {
	srv := newTestServer(t, &countingClassifier{})
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, srv.Start("127.0.0.1:0"))
}
