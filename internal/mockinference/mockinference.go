// Package mockinference serves a deterministic Hugging Face Inference API
// compatible text-classification endpoint for local runs and tests.
package mockinference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
)

const (
	defaultPort    = 18090
	defaultDelayMS = 0

	// ModelPath is the path the mock serves its single model under.
	ModelPath = "/models/mock/sentiment"
)

var (
	positiveWords = map[string]bool{
		"love": true, "loved": true, "great": true, "good": true, "excellent": true,
		"wonderful": true, "amazing": true, "happy": true, "best": true, "fantastic": true,
		"enjoyed": true, "like": true, "nice": true, "awesome": true, "perfect": true,
	}
	negativeWords = map[string]bool{
		"hate": true, "hated": true, "bad": true, "terrible": true, "awful": true,
		"worst": true, "boring": true, "sad": true, "poor": true, "horrible": true,
		"disappointing": true, "waste": true, "broken": true, "angry": true, "not": true,
	}
)

// LabelScore is one entry of the classification response.
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Score returns POSITIVE/NEGATIVE probabilities from keyword polarity, highest first.
func Score(text string) []LabelScore {
	diff := 0
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}) {
		switch {
		case positiveWords[w]:
			diff++
		case negativeWords[w]:
			diff--
		}
	}

	pos := 0.5 + 0.15*float64(diff)
	switch {
	case diff == 0:
		// Neutral text leans positive, as SST-2 models tend to.
		pos = 0.6
	case pos > 0.9987:
		pos = 0.9987
	case pos < 0.0013:
		pos = 0.0013
	}
	out := []LabelScore{
		{Label: "POSITIVE", Score: pos},
		{Label: "NEGATIVE", Score: 1 - pos},
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Handler returns the mock mux. delay is applied to every classification.
func Handler(delay time.Duration, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	classify := func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs *string `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Inputs == nil {
			writeError(w, http.StatusBadRequest, "inputs must be a string")
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if strings.Contains(*req.Inputs, "__mock_error__") {
			writeError(w, http.StatusInternalServerError, "mock inference failure")
			return
		}
		log.Debug("mock inference request", zap.String("path", r.URL.Path), zap.Int("input_len", len(*req.Inputs)))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([][]LabelScore{Score(*req.Inputs)})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+ModelPath, classify)
	mux.HandleFunc("POST /{$}", classify)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Model "+strings.TrimPrefix(r.URL.Path, "/models/")+" does not exist")
	})
	return mux
}

// Start launches the mock server. If addr is empty, it listens on
// 127.0.0.1:MOCK_INFERENCE_PORT (default 18090). It returns a shutdown function
// and the model URL to configure as model.remote.url.
func Start(addr string, log *zap.Logger) (func(context.Context) error, string, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(addr) == "" {
		port := strings.TrimSpace(os.Getenv("MOCK_INFERENCE_PORT"))
		if port == "" {
			port = strconv.Itoa(defaultPort)
		}
		addr = "127.0.0.1:" + port
	}

	delayMS := defaultDelayMS
	if val := strings.TrimSpace(os.Getenv("MOCK_DELAY_MS")); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed >= 0 {
			delayMS = parsed
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           Handler(time.Duration(delayMS)*time.Millisecond, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("mock inference server error", zap.Error(err))
		}
	}()

	modelURL := "http://" + ln.Addr().String() + ModelPath
	log.Info("mock inference listening", zap.String("url", modelURL), zap.Int("delay_ms", delayMS))
	return srv.Shutdown, modelURL, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
