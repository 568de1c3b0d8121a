package sentiment

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLabel(t *testing.T) {
	cases := map[string]Label{
		"POSITIVE":  Positive,
		"positive":  Positive,
		" Negative": Negative,
		"LABEL_0":   Negative,
		"label_1":   Positive,
		"NEG":       Negative,
	}
	for raw, want := range cases {
		got, err := ParseLabel(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
		assert.True(t, got.Valid())
	}

	_, err := ParseLabel("NEUTRAL")
	assert.Error(t, err)
	assert.False(t, Label("NEUTRAL").Valid())
}

func TestRoundScore(t *testing.T) {
	assert.Equal(t, 0.999, RoundScore(0.9991))
	assert.Equal(t, 0.5, RoundScore(0.49951))
	assert.Equal(t, 1.0, RoundScore(0.99987))
	assert.Equal(t, 0.0, RoundScore(-0.2))
	assert.Equal(t, 1.0, RoundScore(1.7))
	assert.Equal(t, 0.0, RoundScore(math.NaN()))
}

func TestRoundScoreDecimalTies(t *testing.T) {
	// 0.1235 is stored just below the tie, the others just above it.
	assert.Equal(t, 0.123, RoundScore(0.1235))
	assert.Equal(t, 0.568, RoundScore(0.5675))
	assert.Equal(t, 0.126, RoundScore(0.1255))
	assert.Equal(t, 1.0, RoundScore(0.9995))
}
