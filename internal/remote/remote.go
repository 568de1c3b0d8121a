// Package remote classifies text through a Hugging Face Inference API
// compatible text-classification endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/straja-ai/sentiment/internal/redact"
	"github.com/straja-ai/sentiment/internal/sentiment"
)

// Backend is the backend name reported in metrics and logs.
const Backend = "remote"

const defaultMaxResponseBytes = 1 << 20

// Client implements sentiment.Classifier over HTTP.
type Client struct {
	url              string
	token            string
	model            string
	client           *http.Client
	maxResponseBytes int64
}

// New creates a remote classifier. token may be empty. A zero timeout leaves
// the client unbounded; request contexts still apply.
func New(endpoint, token string, timeout time.Duration, maxResponseBytes int64) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote url %q is invalid", redact.String(endpoint))
	}
	if timeout < 0 {
		timeout = 0
	}
	if maxResponseBytes <= 0 {
		maxResponseBytes = defaultMaxResponseBytes
	}
	return &Client{
		url:              endpoint,
		token:            strings.TrimSpace(token),
		model:            modelFromURL(u),
		maxResponseBytes: maxResponseBytes,
		client:           &http.Client{Timeout: timeout},
	}, nil
}

type classifyRequest struct {
	Inputs string `json:"inputs"`
}

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type errorResponse struct {
	Error         any     `json:"error"`
	EstimatedTime float64 `json:"estimated_time,omitempty"`
}

func (c *Client) Backend() string { return Backend }

func (c *Client) ModelName() string {
	if c == nil {
		return ""
	}
	return c.model
}

// Close releases idle connections.
func (c *Client) Close() error {
	if c != nil && c.client != nil {
		c.client.CloseIdleConnections()
	}
	return nil
}

// Classify posts {"inputs": text} and returns the highest scoring label.
func (c *Client) Classify(ctx context.Context, text string) (sentiment.Result, error) {
	if c == nil || c.client == nil {
		return sentiment.Result{}, sentiment.ErrModelUnavailable
	}

	body, err := json.Marshal(classifyRequest{Inputs: text})
	if err != nil {
		return sentiment.Result{}, sentiment.NewInferenceError(Backend, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return sentiment.Result{}, sentiment.NewInferenceError(Backend, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return sentiment.Result{}, sentiment.NewInferenceError(Backend, fmt.Errorf("call remote: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return sentiment.Result{}, sentiment.NewInferenceError(Backend, fmt.Errorf("read response: %w", err))
	}
	if int64(len(respBody)) > c.maxResponseBytes {
		return sentiment.Result{}, sentiment.NewInferenceError(Backend, fmt.Errorf("response exceeded limit (%d bytes)", c.maxResponseBytes))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody errorResponse
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &errBody) == nil && errBody.Error != nil {
			msg = fmt.Sprint(errBody.Error)
		}
		return sentiment.Result{}, sentiment.NewInferenceError(Backend,
			fmt.Errorf("status %d: %s", resp.StatusCode, redact.Truncate(redact.String(msg), 256)))
	}

	scores, err := decodeScores(respBody)
	if err != nil {
		return sentiment.Result{}, sentiment.NewInferenceError(Backend, err)
	}
	best, err := pickBest(scores)
	if err != nil {
		return sentiment.Result{}, sentiment.NewInferenceError(Backend, err)
	}
	return best, nil
}

// decodeScores accepts both [[{label,score}...]] and [{label,score}...].
func decodeScores(data []byte) ([]labelScore, error) {
	var nested [][]labelScore
	if err := json.Unmarshal(data, &nested); err == nil {
		if len(nested) == 0 {
			return nil, errors.New("empty response")
		}
		return nested[0], nil
	}
	var flat []labelScore
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return flat, nil
}

func pickBest(scores []labelScore) (sentiment.Result, error) {
	if len(scores) == 0 {
		return sentiment.Result{}, errors.New("response has no scores")
	}
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Score > best.Score {
			best = s
		}
	}
	label, err := sentiment.ParseLabel(best.Label)
	if err != nil {
		return sentiment.Result{}, err
	}
	if best.Score < 0 || best.Score > 1 {
		return sentiment.Result{}, fmt.Errorf("score %v out of range", best.Score)
	}
	return sentiment.Result{Label: label, Score: best.Score}, nil
}

// modelFromURL extracts "<org>/<name>" from .../models/<org>/<name>, else the path.
func modelFromURL(u *url.URL) string {
	p := strings.Trim(u.Path, "/")
	if i := strings.Index(p, "models/"); i >= 0 {
		return p[i+len("models/"):]
	}
	if p == "" {
		return u.Host
	}
	return p
}
