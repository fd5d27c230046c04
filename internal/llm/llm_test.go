package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "script": "Meet Solara. Try it today.",
  "context": {"durationSeconds": 30, "adCategory": "beverage"},
  "music": {
    "targetBPM": 100,
    "genre": "modern corporate",
    "mood": "warm",
    "arc": [{"label": "hook", "startSecond": 0, "endSecond": 10, "energy": 7, "prompt": "bright"}],
    "buttonEnding": true,
    "musicalStructure": {"introBars": 2, "outroBars": 1, "endingType": "button", "phraseLength": 2}
  },
  "sentenceCues": [
    {"musicVolumeMultiplier": 1.0, "musicalFunction": "hook"},
    {"musicVolumeMultiplier": 0.8, "musicalFunction": "peak"}
  ],
  "fades": {"in": 0.05, "out": 1.5, "curve": "qsin"},
  "volume": {"voice": 1.0, "music": 0.3}
}`

func TestParseBlueprint(t *testing.T) {
	bp, err := ParseBlueprint(sampleJSON)
	require.NoError(t, err)
	assert.Equal(t, "Meet Solara. Try it today.", bp.Script)
	assert.InDelta(t, 100.0, bp.Music.TargetBPM, 1e-9)
	require.Len(t, bp.SentenceCues, 2)
	assert.Equal(t, "hook", bp.SentenceCues[0].MusicalFunction)
	require.NotNil(t, bp.Music.MusicalStructure)
	assert.Equal(t, 2, bp.Music.MusicalStructure.IntroBars)
}

func TestParseBlueprintStripsFences(t *testing.T) {
	wrapped := "Sure, here is the plan:\n```json\n" + sampleJSON + "\n```\nLet me know."
	bp, err := ParseBlueprint(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "beverage", bp.Context.AdCategory)
}

func TestParseBlueprintRejectsGarbage(t *testing.T) {
	_, err := ParseBlueprint("I cannot help with that.")
	assert.Error(t, err)

	_, err = ParseBlueprint(`{"script": ""}`)
	assert.Error(t, err)

	_, err = ParseBlueprint(`{"script": "hi", "music": {"targetBPM": 500}}`)
	assert.Error(t, err)
}

func TestFallbackBlueprint(t *testing.T) {
	brief := Brief{Prompt: "Promote a coffee brand", DurationSeconds: 30, Tone: "warm"}
	bp := Fallback(brief)

	assert.NotEmpty(t, bp.Script)
	assert.Equal(t, "modern corporate", bp.Music.Genre)
	assert.Equal(t, 100.0, bp.Music.TargetBPM)
	require.NotNil(t, bp.Music.MusicalStructure)
	assert.Equal(t, 2, bp.Music.MusicalStructure.IntroBars)
	assert.Equal(t, 1, bp.Music.MusicalStructure.OutroBars)

	var labels []string
	for _, a := range bp.Music.Arc {
		labels = append(labels, a.Label)
	}
	assert.Equal(t, []string{"hook", "build", "peak", "cta"}, labels)

	// Deterministic.
	again := Fallback(brief)
	assert.Equal(t, bp, again)
}
