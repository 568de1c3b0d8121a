package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/straja-ai/sentiment/internal/redact"
	"github.com/straja-ai/sentiment/internal/sentiment"
)

const textPreviewMax = 120

type analyzeRequest struct {
	Text string `json:"text"`
}

type analyzeResponse struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.telemetry.StartSpan(r.Context(), "POST /analyze", map[string]interface{}{
		"http.route": "/analyze",
	})
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxRequestBodyBytes))
	if err != nil {
		if isRequestTooLarge(err) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Detail: "Request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "There was an error parsing the body"})
		return
	}

	req, issue := decodeAnalyzeRequest(body)
	if issue != nil {
		span.SetAttributes(attribute.String("sentiment.validation_error", issue.Type))
		writeValidationError(w, *issue)
		return
	}

	res, err := s.classify(ctx, req.Text)
	if err != nil {
		s.log.Error("classification failed",
			zap.String("request_id", RequestIDFromContext(ctx)),
			zap.String("backend", s.backend),
			zap.String("error", redact.String(err.Error())),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		writeClassifyError(w, err)
		return
	}

	out := analyzeResponse{Label: res.Label.String(), Score: sentiment.RoundScore(res.Score)}
	s.metrics.CountPrediction(out.Label)

	fields := []zap.Field{
		zap.String("request_id", RequestIDFromContext(ctx)),
		zap.String("label", out.Label),
		zap.Float64("score", out.Score),
		zap.Int("text_runes", utf8.RuneCountInString(req.Text)),
	}
	if preview := redact.Preview(s.cfg.Logging.TextPreview, req.Text, textPreviewMax); preview != "" {
		fields = append(fields, zap.String("text_preview", preview))
	}
	s.log.Debug("analyzed text", fields...)

	writeJSON(w, http.StatusOK, out)
}

// decodeAnalyzeRequest validates the body the way the service's FastAPI
// clients expect: a JSON object whose "text" member is a string.
func decodeAnalyzeRequest(body []byte) (analyzeRequest, *validationIssue) {
	if len(bytes.TrimSpace(body)) == 0 {
		issue := missingField([]any{"body"}, nil)
		return analyzeRequest{}, &issue
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		issue := jsonInvalid(err)
		return analyzeRequest{}, &issue
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		issue := notAnObject(raw)
		return analyzeRequest{}, &issue
	}
	v, present := obj["text"]
	if !present {
		issue := missingField([]any{"body", "text"}, obj)
		return analyzeRequest{}, &issue
	}
	text, ok := v.(string)
	if !ok {
		issue := stringType(v)
		return analyzeRequest{}, &issue
	}
	return analyzeRequest{Text: text}, nil
}

// classify invokes the adapter once and records its latency. A label outside
// the closed set is reported as an inference failure.
func (s *Server) classify(ctx context.Context, text string) (sentiment.Result, error) {
	if s.classifier == nil {
		return sentiment.Result{}, sentiment.ErrModelUnavailable
	}

	ctx, span := s.telemetry.StartSpan(ctx, "sentiment.classify", map[string]interface{}{
		"sentiment.backend":     s.backend,
		"sentiment.model":       s.model,
		"sentiment.input_runes": utf8.RuneCountInString(text),
	})
	defer span.End()

	start := time.Now()
	res, err := s.classifier.Classify(ctx, text)
	elapsed := time.Since(start)
	setInferenceDuration(ctx, elapsed)

	if err == nil && !res.Label.Valid() {
		err = sentiment.NewInferenceError(s.backend, fmt.Errorf("unknown label %q", res.Label))
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.SetStatus(codes.Error, "inference failed")
	} else {
		span.SetAttributes(attribute.String("sentiment.label", res.Label.String()))
	}
	s.metrics.ObserveInference(s.backend, outcome, elapsed)
	return res, err
}
