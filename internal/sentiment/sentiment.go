package sentiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Label is the closed set of polarity classes the service can return.
type Label string

const (
	Positive Label = "POSITIVE"
	Negative Label = "NEGATIVE"
)

// Labels lists every known label in model index order for binary models.
var Labels = []Label{Negative, Positive}

// Valid reports whether l is one of the known labels.
func (l Label) Valid() bool {
	switch l {
	case Positive, Negative:
		return true
	default:
		return false
	}
}

func (l Label) String() string { return string(l) }

// ParseLabel converts a model's native label into a Label.
// Generic LABEL_0/LABEL_1 names follow the SST-2 convention (0 negative, 1 positive).
func ParseLabel(raw string) (Label, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "POSITIVE", "POS", "LABEL_1":
		return Positive, nil
	case "NEGATIVE", "NEG", "LABEL_0":
		return Negative, nil
	default:
		return "", fmt.Errorf("unknown sentiment label %q", raw)
	}
}

// Result is a single classification outcome.
type Result struct {
	Label Label
	// Score is the probability of Label, in [0,1].
	Score float64
}

// Classifier is the inference adapter contract.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Describer is implemented by classifiers that can name their backend and model.
type Describer interface {
	Backend() string
	ModelName() string
}

// ErrModelUnavailable is returned when the model was never initialized.
var ErrModelUnavailable = errors.New("sentiment model unavailable")

// InferenceError wraps a failure of the underlying model call.
type InferenceError struct {
	Backend string
	Err     error
}

func (e *InferenceError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("inference failed: %v", e.Err)
	}
	return fmt.Sprintf("%s inference failed: %v", e.Backend, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// NewInferenceError builds an InferenceError for backend.
func NewInferenceError(backend string, err error) error {
	return &InferenceError{Backend: backend, Err: err}
}

// IsInferenceError reports whether err carries an InferenceError.
func IsInferenceError(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie)
}

// RoundScore rounds a probability to three decimals for presentation. It
// rounds the exact binary value, so 0.1235 (stored just below the tie)
// becomes 0.123.
func RoundScore(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(score, 'f', 3, 64), 64)
	if err != nil {
		return 0
	}
	return rounded
}
