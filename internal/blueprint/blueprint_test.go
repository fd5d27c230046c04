package blueprint

import (
	"strings"
	"testing"

	"github.com/adforge/adforge/internal/align"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coffeeInput() Input {
	return Input{
		ScriptText: "Introducing Solara, the coffee that wakes up your morning. Rich beans, slow roasted for depth. The best cup you will ever pour. Try Solara today.",
		Sentences: []align.SentenceTiming{
			{Text: "Introducing Solara, the coffee that wakes up your morning.", Start: 0, End: 4.5},
			{Text: "Rich beans, slow roasted for depth.", Start: 4.9, End: 9.5},
			{Text: "The best cup you will ever pour.", Start: 10.0, End: 15.2},
			{Text: "Try Solara today.", Start: 15.6, End: 19.8},
		},
		TargetBPM:     100,
		Genre:         "modern corporate",
		Mood:          "warm",
		VoiceDuration: 19.8,
		AdDuration:    30,
	}
}

func TestBuildGridInvariants(t *testing.T) {
	bp, err := Build(coffeeInput())
	require.NoError(t, err)

	// Grid arithmetic is exact.
	assert.InDelta(t, float64(bp.TotalBars)*bp.BarDuration, bp.TotalDuration, 1e-3)
	assert.GreaterOrEqual(t, bp.PreRollBars, 1)
	assert.GreaterOrEqual(t, bp.PostRollBars, 1)

	body := bp.TotalBars - bp.PreRollBars - bp.PostRollBars
	assert.GreaterOrEqual(t, body, 1)

	assert.InDelta(t, bp.PreRollDuration, bp.VoiceEntryPoint, 1e-9)
	assert.InDelta(t, bp.FinalBPM, 100, 5)
}

func TestBuildSectionsCoverAndOrder(t *testing.T) {
	bp, err := Build(coffeeInput())
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(bp.Sections), 3)
	assert.Equal(t, "intro", bp.Sections[0].Name)
	assert.Equal(t, 1, bp.Sections[0].StartBar)
	assert.Equal(t, bp.PreRollBars, bp.Sections[0].EndBar)

	last := bp.Sections[len(bp.Sections)-1]
	assert.Equal(t, "outro", last.Name)
	assert.Equal(t, bp.TotalBars, last.EndBar)
	assert.Equal(t, bp.TotalBars-bp.PostRollBars+1, last.StartBar)

	for i, s := range bp.Sections {
		assert.LessOrEqual(t, s.StartBar, s.EndBar, "section %d (%s)", i, s.Name)
		assert.GreaterOrEqual(t, s.StartBar, 1)
		assert.LessOrEqual(t, s.EndBar, bp.TotalBars)
		if i > 0 {
			assert.Greater(t, s.StartBar, bp.Sections[i-1].EndBar, "section %d overlaps %d", i, i-1)
		}
	}
}

func TestBuildSingleSentenceYieldsThreeSections(t *testing.T) {
	in := Input{
		ScriptText: "Just one line here.",
		Sentences: []align.SentenceTiming{
			{Text: "Just one line here.", Start: 0, End: 3.0},
		},
		TargetBPM:     120,
		VoiceDuration: 3.0,
		AdDuration:    10,
	}
	bp, err := Build(in)
	require.NoError(t, err)

	require.Len(t, bp.Sections, 3)
	assert.Equal(t, "intro", bp.Sections[0].Name)
	assert.Equal(t, "outro", bp.Sections[2].Name)
}

func TestBuildShortAdStillHasRolls(t *testing.T) {
	in := Input{
		Sentences: []align.SentenceTiming{
			{Text: "Five seconds flat.", Start: 0, End: 2.2},
		},
		TargetBPM:     120,
		VoiceDuration: 2.2,
		AdDuration:    5,
	}
	bp, err := Build(in)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, bp.PreRollBars, 1)
	assert.GreaterOrEqual(t, bp.PostRollBars, 1)
}

func TestBuildStructureOverrides(t *testing.T) {
	in := coffeeInput()
	in.Structure = &MusicalStructure{
		IntroBars:    3,
		OutroBars:    2,
		PhraseLength: 4,
		EndingType:   EndingStinger,
		Key:          "D minor",
	}
	bp, err := Build(in)
	require.NoError(t, err)
	assert.Equal(t, 3, bp.PreRollBars)
	assert.Equal(t, 2, bp.PostRollBars)
	assert.Contains(t, bp.CompositionPrompt, "stinger")
	assert.Contains(t, bp.CompositionPrompt, "D minor")
}

func TestBuildExplicitCueWins(t *testing.T) {
	in := coffeeInput()
	in.Cues = []SentenceCue{
		{Function: FunctionPause},
	}
	bp, err := Build(in)
	require.NoError(t, err)
	// The first body section takes the cue's label, not the heuristic hook.
	assert.Equal(t, "pause", bp.Sections[1].Name)
}

func TestBuildSyncPoints(t *testing.T) {
	bp, err := Build(coffeeInput())
	require.NoError(t, err)

	require.NotEmpty(t, bp.SyncPoints)
	var kinds []string
	for _, sp := range bp.SyncPoints {
		kinds = append(kinds, sp.Type)
	}
	// "Introducing" in the first 40%, "Try" in the last 40%, final always.
	assert.Contains(t, kinds, "brand")
	assert.Contains(t, kinds, "cta")
	assert.Equal(t, "final", kinds[len(kinds)-1])

	for i := 1; i < len(bp.SyncPoints); i++ {
		assert.GreaterOrEqual(t, bp.SyncPoints[i].VoiceTimestamp, bp.SyncPoints[i-1].VoiceTimestamp)
	}
	for _, sp := range bp.SyncPoints {
		assert.GreaterOrEqual(t, sp.Bar, 1)
		assert.LessOrEqual(t, sp.Bar, bp.TotalBars+1)
	}
}

func TestCompositionPrompt(t *testing.T) {
	bp, err := Build(coffeeInput())
	require.NoError(t, err)

	p := bp.CompositionPrompt
	assert.LessOrEqual(t, len(p), 1000)
	assert.Contains(t, p, "BPM")
	assert.Contains(t, p, "Instrumental only, no vocals")
	assert.Contains(t, p, "Leave 1-4 kHz clear for voice")
	assert.Contains(t, p, "Continuous flowing music. Smooth transitions between sections.")
	assert.Contains(t, p, "button")
	assert.Contains(t, p, "Bars 1-")
}

func TestBuildIsPure(t *testing.T) {
	a, err := Build(coffeeInput())
	require.NoError(t, err)
	b, err := Build(coffeeInput())
	require.NoError(t, err)
	assert.Equal(t, a.CompositionPrompt, b.CompositionPrompt)
	assert.Equal(t, a.Sections, b.Sections)
	assert.Equal(t, a.SyncPoints, b.SyncPoints)
}

func TestMixingPlan(t *testing.T) {
	in := coffeeInput()
	bp, err := Build(in)
	require.NoError(t, err)

	assert.InDelta(t, bp.PreRollDuration, bp.MixingPlan.VoiceDelaySeconds, 1e-9)
	assert.InDelta(t, bp.TotalDuration, bp.MixingPlan.MusicTrimDuration, 1e-9)
	require.Len(t, bp.MixingPlan.DuckingPoints, len(in.Sentences))
	for i, dp := range bp.MixingPlan.DuckingPoints {
		assert.InDelta(t, bp.PreRollDuration+in.Sentences[i].Start, dp.Start, 1e-9)
		assert.InDelta(t, bp.PreRollDuration+in.Sentences[i].End, dp.End, 1e-9)
	}
}

func TestParseEnums(t *testing.T) {
	_, err := ParseMusicalFunction("hook")
	assert.NoError(t, err)
	_, err = ParseMusicalFunction("groovy")
	assert.Error(t, err)

	e, err := ParseEndingType("")
	require.NoError(t, err)
	assert.Equal(t, EndingButton, e)
	_, err = ParseEndingType("smash")
	assert.Error(t, err)
}

func TestPromptTruncation(t *testing.T) {
	in := coffeeInput()
	in.ComposerDirection = strings.Repeat("layered arpeggios with evolving texture, ", 40)
	bp, err := Build(in)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(bp.CompositionPrompt), 1000)
	assert.Contains(t, bp.CompositionPrompt, "Continuous flowing music")
}
