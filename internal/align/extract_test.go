package align

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// charsFor builds a uniform alignment: each character takes dur seconds.
func charsFor(text string, dur float64) []CharTiming {
	runes := []rune(text)
	out := make([]CharTiming, len(runes))
	for i, r := range runes {
		out[i] = CharTiming{
			Char:  string(r),
			Start: float64(i) * dur,
			End:   float64(i+1) * dur,
		}
	}
	return out
}

func TestExtractTimingsSentences(t *testing.T) {
	text := "Wake up with Solara. Rich, smooth, and bold!"
	timings, err := ExtractTimings(text, charsFor(text, 0.05))
	require.NoError(t, err)

	require.Len(t, timings.Sentences, 2)
	assert.Equal(t, "Wake up with Solara.", timings.Sentences[0].Text)
	assert.Equal(t, "Rich, smooth, and bold!", timings.Sentences[1].Text)

	// First sentence starts at its first character.
	assert.InDelta(t, 0.0, timings.Sentences[0].Start, 1e-9)
	// Ends at the period's end time (index 19 -> 20*0.05).
	assert.InDelta(t, 1.0, timings.Sentences[0].End, 1e-9)
	// Second sentence skips the separating space for its start.
	assert.InDelta(t, 21*0.05, timings.Sentences[1].Start, 1e-9)
}

func TestExtractTimingsKeepsDecimalsAndAbbreviations(t *testing.T) {
	text := "Dr. Reyes rates it 4.8 stars. Try it today."
	timings, err := ExtractTimings(text, charsFor(text, 0.05))
	require.NoError(t, err)

	require.Len(t, timings.Sentences, 2)
	assert.Equal(t, "Dr. Reyes rates it 4.8 stars.", timings.Sentences[0].Text)
	assert.Equal(t, "Try it today.", timings.Sentences[1].Text)
}

func TestExtractTimingsClosingQuotes(t *testing.T) {
	text := `They call it "the one." Nothing else comes close.`
	timings, err := ExtractTimings(text, charsFor(text, 0.05))
	require.NoError(t, err)

	require.Len(t, timings.Sentences, 2)
	assert.Equal(t, `They call it "the one."`, timings.Sentences[0].Text)
}

func TestExtractTimingsNoPunctuationFallback(t *testing.T) {
	text := "fresh roasted daily just for you"
	timings, err := ExtractTimings(text, charsFor(text, 0.1))
	require.NoError(t, err)

	require.Len(t, timings.Sentences, 1)
	assert.Equal(t, text, timings.Sentences[0].Text)
	assert.InDelta(t, 0.0, timings.Sentences[0].Start, 1e-9)
	assert.InDelta(t, float64(len(text))*0.1, timings.Sentences[0].End, 1e-9)
}

func TestExtractTimingsWords(t *testing.T) {
	text := "Bold coffee. Every morning."
	timings, err := ExtractTimings(text, charsFor(text, 0.1))
	require.NoError(t, err)

	var words []string
	for _, w := range timings.Words {
		words = append(words, w.Word)
	}
	assert.Equal(t, []string{"Bold", "coffee.", "Every", "morning."}, words)

	// "Bold" spans characters 0..3.
	assert.InDelta(t, 0.0, timings.Words[0].Start, 1e-9)
	assert.InDelta(t, 0.4, timings.Words[0].End, 1e-9)
}

func TestExtractTimingsMismatch(t *testing.T) {
	text := "Too long for the alignment."
	short := charsFor(text, 0.05)[:5]
	_, err := ExtractTimings(text, short)
	assert.ErrorIs(t, err, ErrAlignmentMismatch)
}

func TestExtractTimingsIdempotent(t *testing.T) {
	text := "First thing. Second thing! Third thing?"
	first, err := ExtractTimings(text, charsFor(text, 0.05))
	require.NoError(t, err)

	// Re-running on the joined sentences reproduces the same boundaries.
	var parts []string
	for _, s := range first.Sentences {
		parts = append(parts, s.Text)
	}
	joined := strings.Join(parts, " ")
	second, err := ExtractTimings(joined, charsFor(joined, 0.05))
	require.NoError(t, err)

	require.Len(t, second.Sentences, len(first.Sentences))
	for i := range first.Sentences {
		assert.Equal(t, first.Sentences[i].Text, second.Sentences[i].Text)
	}
}
