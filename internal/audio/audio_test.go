package audio

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFadeCurve(t *testing.T) {
	c, err := ParseFadeCurve("")
	require.NoError(t, err)
	assert.Equal(t, FadeQsin, c)

	for _, valid := range []string{"linear", "exp", "qsin", "log"} {
		_, err := ParseFadeCurve(valid)
		assert.NoError(t, err, valid)
	}
	_, err = ParseFadeCurve("cosine")
	assert.Error(t, err)
}

func TestLoudnessPresetTargets(t *testing.T) {
	assert.InDelta(t, -24.0, LoudnessBroadcast.TargetLUFS(), 1e-9)
	assert.InDelta(t, -16.0, LoudnessCrossPlatform.TargetLUFS(), 1e-9)
}

func TestVolumeExpression(t *testing.T) {
	expr := volumeExpression([]VolumeSegment{
		{Start: 1, End: 2, Multiplier: 0.4},
		{Start: 3, End: 4.5, Multiplier: 0.3},
	})
	// Every segment appears with its multiplier; outside segments gain is 1.
	assert.Contains(t, expr, "between(t,1.000,2.000)")
	assert.Contains(t, expr, "between(t,3.000,4.500)")
	assert.Contains(t, expr, "0.4")
	assert.Contains(t, expr, "0.3")
	// The innermost fallback gain is 1.
	assert.Contains(t, expr, ",1)")

	assert.Equal(t, "1", volumeExpression(nil))
}

func TestBuildMixArgs(t *testing.T) {
	args, err := buildMixArgs(MixOptions{
		VoicePath:   "voice.mp3",
		VoiceDelay:  4.8,
		VoiceVolume: 1.0,
		FadeIn:      0.05,
		FadeOut:     1.5,
		FadeCurve:   FadeQsin,
		MusicPath:   "music.mp3",
		MusicVolume: 0.3,

		NormalizeLoudness:  true,
		LoudnessTargetLUFS: -16,
		LoudnessTruePeak:   -1.5,
	}, "out.mp3")
	require.NoError(t, err)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "voice.mp3")
	assert.Contains(t, joined, "music.mp3")
	assert.Contains(t, joined, "adelay=4800|4800")
	assert.Contains(t, joined, "loudnorm=I=-16:TP=-1.5")
	assert.Contains(t, joined, "amix=inputs=2")
	// No sidechain when ducking is off (curve already baked in).
	assert.NotContains(t, joined, "sidechaincompress")
}

func TestBuildMixArgsSidechain(t *testing.T) {
	args, err := buildMixArgs(MixOptions{
		VoicePath:     "v.mp3",
		MusicPath:     "m.mp3",
		AudioDucking:  true,
		DuckingAmount: 0.5,
	}, "out.mp3")
	require.NoError(t, err)
	assert.Contains(t, strings.Join(args, " "), "sidechaincompress")
}

func TestBuildMixArgsClampsFades(t *testing.T) {
	args, err := buildMixArgs(MixOptions{
		VoicePath: "v.mp3",
		FadeIn:    0.5,  // above max 0.15
		FadeOut:   10.0, // above max 3.0
	}, "out.mp3")
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "d=0.150")
	assert.Contains(t, joined, "d=3.000")
}

func TestBuildMixArgsMaxDuration(t *testing.T) {
	args, err := buildMixArgs(MixOptions{
		MusicPath:   "m.mp3",
		MaxDuration: 30,
	}, "out.mp3")
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "atrim=0:30.000")
	assert.Contains(t, joined, "afade=t=out:st=29.500")
}

func TestFakeTrimAndExtend(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.AddFile("bed.mp3", 45)

	require.NoError(t, f.Trim(ctx, "bed.mp3", 30, "trimmed.mp3"))
	d, err := f.GetDuration(ctx, "trimmed.mp3")
	require.NoError(t, err)
	assert.InDelta(t, 30.0, d, 1e-9)

	require.NoError(t, f.ExtendByLoop(ctx, "trimmed.mp3", 60, "long.mp3"))
	d, err = f.GetDuration(ctx, "long.mp3")
	require.NoError(t, err)
	assert.InDelta(t, 60.0, d, 1e-9)

	// Round-trip law: extending then trimming back matches a direct trim.
	require.NoError(t, f.Trim(ctx, "long.mp3", 30, "back.mp3"))
	d, err = f.GetDuration(ctx, "back.mp3")
	require.NoError(t, err)
	assert.InDelta(t, 30.0, d, 1e-9)
}

func TestFakeStretchClamp(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.AddFile("v.mp3", 38)

	// 38 -> 30.4 is ratio 1.25: allowed.
	require.NoError(t, f.StretchToDuration(ctx, "v.mp3", 30.4, "ok.mp3"))

	// 38 -> 20 is ratio 1.9: refused.
	err := f.StretchToDuration(ctx, "v.mp3", 20, "no.mp3")
	assert.ErrorIs(t, err, ErrScalingRefused)
	_, ok := f.File("no.mp3")
	assert.False(t, ok)
}

func TestMasterChains(t *testing.T) {
	for _, preset := range []MasterPreset{PresetBalanced, PresetVoiceEnhanced, PresetMusicEnhanced} {
		chain, ok := masterChains[preset]
		require.True(t, ok, preset)
		assert.Contains(t, chain, "acompressor")
		assert.Contains(t, chain, "highpass")
	}

	f := NewFake()
	ctx := context.Background()
	f.AddFile("mix.mp3", 30)
	require.NoError(t, f.Master(ctx, "mix.mp3", PresetBalanced, LoudnessBroadcast, "mastered.mp3"))
	l, err := f.MeasureLoudness(ctx, "mastered.mp3")
	require.NoError(t, err)
	assert.InDelta(t, -24.0, l, 1e-9)
}

func TestFakeMixSequence(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.AddFile("v.mp3", 20)
	f.AddFile("m.mp3", 28.8)
	f.MixLUFS = []float64{-12, -16}

	require.NoError(t, f.Mix(ctx, MixOptions{VoicePath: "v.mp3", VoiceDelay: 4.8, MusicPath: "m.mp3"}, "mix1.mp3"))
	l, err := f.MeasureLoudness(ctx, "mix1.mp3")
	require.NoError(t, err)
	assert.InDelta(t, -12.0, l, 1e-9)

	require.NoError(t, f.Mix(ctx, MixOptions{VoicePath: "v.mp3", VoiceDelay: 4.8, MusicPath: "m.mp3"}, "mix2.mp3"))
	l, err = f.MeasureLoudness(ctx, "mix2.mp3")
	require.NoError(t, err)
	assert.InDelta(t, -16.0, l, 1e-9)

	// Mix duration is the longer leg.
	d, err := f.GetDuration(ctx, "mix1.mp3")
	require.NoError(t, err)
	assert.InDelta(t, 28.8, d, 1e-9)
}
