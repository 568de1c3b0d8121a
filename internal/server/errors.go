package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/straja-ai/sentiment/internal/sentiment"
)

// validationIssue is one entry of a 422 "detail" list. The shape is the one
// FastAPI clients of this service already parse.
type validationIssue struct {
	Type  string         `json:"type"`
	Loc   []any          `json:"loc"`
	Msg   string         `json:"msg"`
	Input any            `json:"input"`
	Ctx   map[string]any `json:"ctx,omitempty"`
}

type validationResponse struct {
	Detail []validationIssue `json:"detail"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Type   string `json:"type,omitempty"`
}

func missingField(loc []any, input any) validationIssue {
	return validationIssue{Type: "missing", Loc: loc, Msg: "Field required", Input: input}
}

func stringType(input any) validationIssue {
	return validationIssue{Type: "string_type", Loc: []any{"body", "text"}, Msg: "Input should be a valid string", Input: input}
}

func notAnObject(input any) validationIssue {
	return validationIssue{
		Type:  "model_attributes_type",
		Loc:   []any{"body"},
		Msg:   "Input should be a valid dictionary or object to extract fields from",
		Input: input,
	}
}

func jsonInvalid(err error) validationIssue {
	offset := int64(0)
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		offset = syntaxErr.Offset
	}
	return validationIssue{
		Type:  "json_invalid",
		Loc:   []any{"body", offset},
		Msg:   "JSON decode error",
		Input: map[string]any{},
		Ctx:   map[string]any{"error": err.Error()},
	}
}

func writeValidationError(w http.ResponseWriter, issue validationIssue) {
	writeJSON(w, http.StatusUnprocessableEntity, validationResponse{Detail: []validationIssue{issue}})
}

// writeClassifyError maps adapter failures to a 500 body that never carries a
// label or score.
func writeClassifyError(w http.ResponseWriter, err error) {
	if errors.Is(err, sentiment.ErrModelUnavailable) {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "Model unavailable", Type: "model_unavailable"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "Inference failed", Type: "inference_error"})
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
