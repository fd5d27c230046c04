package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adforge/adforge/internal/align"
	"github.com/adforge/adforge/internal/analysis"
	"github.com/adforge/adforge/internal/audio"
	"github.com/adforge/adforge/internal/llm"
	"github.com/adforge/adforge/internal/progress"
	"github.com/adforge/adforge/internal/queue"
	"github.com/adforge/adforge/internal/store"
	"github.com/adforge/adforge/internal/tts"
)

const testScript = "Introducing Solara, the coffee that wakes up your morning. Rich beans, slow roasted for depth. The best cup you will ever pour. Try Solara today."

// --- fake capabilities ---

type fakeLLM struct {
	err error
	bp  *llm.AdBlueprint
}

func (f *fakeLLM) Generate(ctx context.Context, brief llm.Brief) (*llm.AdBlueprint, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.bp != nil {
		return f.bp, nil
	}
	bp := &llm.AdBlueprint{Script: testScript}
	bp.Context.DurationSeconds = brief.DurationSeconds
	bp.Music.TargetBPM = 100
	bp.Music.Genre = "modern corporate"
	bp.Music.Mood = "warm"
	bp.SentenceCues = []llm.Cue{
		{MusicVolumeMultiplier: 1.0, MusicalFunction: "hook"},
		{MusicVolumeMultiplier: 1.0, MusicalFunction: "build"},
		{MusicVolumeMultiplier: 0.8, MusicalFunction: "peak"},
		{MusicVolumeMultiplier: 1.0, MusicalFunction: "resolve"},
	}
	bp.Fades = llm.Fades{In: 0.05, Out: 1.5, Curve: "qsin"}
	bp.Volume = llm.Volume{Voice: 1.0, Music: 0.3}
	return bp, nil
}

type fakeTTS struct {
	voiceDuration float64
	started       chan struct{} // closed on first call, for cancellation tests
	block         bool
	startOnce     sync.Once
}

func (f *fakeTTS) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	runes := []rune(req.Text)
	per := f.voiceDuration / float64(len(runes))
	alignment := make([]align.CharTiming, len(runes))
	for i, r := range runes {
		alignment[i] = align.CharTiming{
			Char:  string(r),
			Start: float64(i) * per,
			End:   float64(i+1) * per,
		}
	}
	return &tts.Result{Audio: []byte("fake-mp3-audio"), Alignment: alignment}, nil
}

type fakeTTM struct {
	prompts []string
}

func (f *fakeTTM) Compose(ctx context.Context, prompt string, durationSeconds float64) ([]byte, error) {
	f.prompts = append(f.prompts, prompt)
	return []byte("fake-bed-audio"), nil
}

type fakeAnalyzer struct {
	err error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, path string, targetBPM float64) (*analysis.Analysis, error) {
	if f.err != nil {
		return nil, f.err
	}
	// A clean synthetic grid at the requested tempo sized like the bed.
	return analysis.Synthetic(targetBPM, 45), nil
}

// --- harness ---

type harness struct {
	store  *store.Store
	queues *queue.Queues
	orch   *Orchestrator
	fake   *audio.Fake
	ttm    *fakeTTM
	tts    *fakeTTS
	llm    *fakeLLM
	an     *fakeAnalyzer
}

func newHarness(t *testing.T, voiceDuration, bedDuration float64) *harness {
	t.Helper()

	st, err := store.Open("file:pipe" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	q, err := queue.Open(st.DB())
	require.NoError(t, err)

	fake := audio.NewFake()
	fake.AutoDuration = func(path string) (float64, bool) {
		switch {
		case strings.Contains(path, "voice_"):
			return voiceDuration, true
		case strings.Contains(path, "raw_"):
			return bedDuration, true
		}
		return 0, false
	}

	h := &harness{
		store:  st,
		queues: q,
		fake:   fake,
		ttm:    &fakeTTM{},
		tts:    &fakeTTS{voiceDuration: voiceDuration},
		llm:    &fakeLLM{},
		an:     &fakeAnalyzer{},
	}
	h.orch = New(st, q, Capabilities{
		LLM:      h.llm,
		TTS:      h.tts,
		TTM:      h.ttm,
		Audio:    fake,
		Analyzer: h.an,
	}, t.TempDir(), progress.NewBroker(), slog.Default())
	return h
}

func (h *harness) submit(t *testing.T, settings store.Settings) string {
	t.Helper()
	if settings.TargetDuration == 0 {
		settings.TargetDuration = 30
	}
	id, err := h.orch.Submit(context.Background(), SubmitParams{
		OwnerID:  "owner-1",
		Prompt:   "Promote a coffee brand",
		Tone:     "warm",
		Settings: settings,
	})
	require.NoError(t, err)
	return id
}

// runStage reserves and executes the next job on one queue.
func (h *harness) runStage(t *testing.T, kind queue.Kind) error {
	t.Helper()
	ctx := context.Background()
	job, err := h.queues.Reserve(ctx, kind, "test-worker")
	require.NoError(t, err)
	require.NotNil(t, job, "no job ready on %s", kind)

	handler := h.orch.Handlers()[kind]
	_, herr := handler(ctx, job, func(int) {})
	if herr != nil {
		require.NoError(t, h.queues.Fail(ctx, job.ID, herr, queue.Retryable(herr)))
		return herr
	}
	require.NoError(t, h.queues.Complete(ctx, job.ID, nil))
	return nil
}

// runAll drives a production through every stage.
func (h *harness) runAll(t *testing.T) {
	t.Helper()
	for _, kind := range []queue.Kind{
		queue.KindScriptGeneration,
		queue.KindTTSGeneration,
		queue.KindMusicGeneration,
		queue.KindAudioMixing,
	} {
		require.NoError(t, h.runStage(t, kind))
	}
}

// --- scenarios ---

func TestHappyPath30sAd(t *testing.T) {
	h := newHarness(t, 19.8, 45)
	id := h.submit(t, store.Settings{NormalizeLoudness: true, TargetLUFS: -16})

	h.runAll(t)

	prod, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, prod.Status)
	assert.Equal(t, 100, prod.Progress)
	assert.NotEmpty(t, prod.OutputPath)
	assert.GreaterOrEqual(t, prod.OutputDuration, 28.5)
	assert.LessOrEqual(t, prod.OutputDuration, 31.5)

	// Mixed output measures at the target.
	lufs, err := h.fake.MeasureLoudness(context.Background(), prod.OutputPath)
	require.NoError(t, err)
	assert.InDelta(t, -16.0, lufs, 1.0)

	// The composition prompt went to the music provider.
	require.Len(t, h.ttm.prompts, 1)
	assert.Contains(t, h.ttm.prompts[0], "BPM")
	assert.Contains(t, h.ttm.prompts[0], "Instrumental only, no vocals")

	// Bar-aligned pre-trim and beat-aware duck both ran.
	ops := strings.Join(h.fake.Ops(), " ")
	assert.Contains(t, ops, "trim")
	assert.Contains(t, ops, "curve")

	// Intermediates were garbage-collected.
	left, err := h.store.SupersededAssets(id)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestTwoPassLoudnessCorrection(t *testing.T) {
	h := newHarness(t, 19.8, 45)
	// First mix comes in hot at -12 LUFS; the corrected one lands near -16.
	h.fake.MixLUFS = []float64{-12, -15.5}
	id := h.submit(t, store.Settings{NormalizeLoudness: true, TargetLUFS: -16})

	h.runAll(t)

	prod, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, prod.Status)

	warnings := strings.Join(prod.Warnings(), " | ")
	assert.Contains(t, warnings, "loudness corrected")
	assert.Contains(t, warnings, "-12.0 -> -15.5")

	// Two mixes happened.
	mixes := 0
	for _, op := range h.fake.Ops() {
		if strings.HasPrefix(op, "mix(") {
			mixes++
		}
	}
	assert.Equal(t, 2, mixes)
}

func TestAnalyzerFailureFallsBackToTier1(t *testing.T) {
	h := newHarness(t, 19.8, 45)
	h.an.err = fmt.Errorf("%w: corrupt bed", analysis.ErrAnalysisFailed)
	id := h.submit(t, store.Settings{NormalizeLoudness: true})

	h.runAll(t)

	prod, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, prod.Status)

	warnings := strings.Join(prod.Warnings(), " | ")
	assert.Contains(t, warnings, "music analysis failed")

	// The sentence-based curve still ducked the bed.
	ops := strings.Join(h.fake.Ops(), " ")
	assert.Contains(t, ops, "curve(4 segments)")
}

func TestOverLongTTSIsReinedIn(t *testing.T) {
	// 38s of speech against a 30s target.
	h := newHarness(t, 38, 60)
	id := h.submit(t, store.Settings{})

	h.runAll(t)

	prod, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, prod.Status)

	// Voice-phase enforcement clamped at 1.25x.
	assert.InDelta(t, 38.0/audio.MaxStretchRatio, prod.VoiceDuration, 0.01)

	// Post-mix enforcement kept the final within the allowed overrun.
	assert.LessOrEqual(t, prod.OutputDuration, 30*audio.MaxStretchRatio)
	stretches := 0
	for _, op := range h.fake.Ops() {
		if strings.HasPrefix(op, "stretch(") {
			stretches++
		}
	}
	assert.GreaterOrEqual(t, stretches, 2)
}

func TestLLMQuotaUsesFallbackBlueprint(t *testing.T) {
	h := newHarness(t, 19.8, 45)
	h.llm.err = fmt.Errorf("llm quota: %w", errors.New("429 too many requests"))
	id := h.submit(t, store.Settings{})

	h.runAll(t)

	prod, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, prod.Status)

	warnings := strings.Join(prod.Warnings(), " | ")
	assert.Contains(t, warnings, "fallback blueprint")

	// The fallback's script and default genre drove the pipeline.
	assert.Contains(t, prod.ScriptText, "Try it today.")
	require.Len(t, h.ttm.prompts, 1)
	assert.Contains(t, h.ttm.prompts[0], "modern corporate")
}

func TestLLMAuthFailureIsFatal(t *testing.T) {
	h := newHarness(t, 19.8, 45)
	h.llm.err = fmt.Errorf("llm auth: %w", errors.New("401 unauthorized"))
	id := h.submit(t, store.Settings{})

	err := h.runStage(t, queue.KindScriptGeneration)
	require.Error(t, err)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindAuth, serr.Kind)

	prod, gerr := h.store.Get(id)
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusFailed, prod.Status)
	assert.Equal(t, string(KindAuth), prod.ErrorKind)
}

func TestCancellationMidTTS(t *testing.T) {
	h := newHarness(t, 19.8, 45)
	h.tts.block = true
	h.tts.started = make(chan struct{})
	id := h.submit(t, store.Settings{})

	require.NoError(t, h.runStage(t, queue.KindScriptGeneration))

	ctx := context.Background()
	job, err := h.queues.Reserve(ctx, queue.KindTTSGeneration, "w")
	require.NoError(t, err)
	require.NotNil(t, job)

	done := make(chan error, 1)
	go func() {
		_, herr := h.orch.Handlers()[queue.KindTTSGeneration](ctx, job, func(int) {})
		done <- herr
	}()

	<-h.tts.started
	require.NoError(t, h.orch.Cancel(ctx, id))

	herr := <-done
	require.Error(t, herr)
	var serr *StageError
	require.ErrorAs(t, herr, &serr)
	assert.Equal(t, KindCancelled, serr.Kind)

	prod, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, prod.Status)
	// Progress frozen at the script stage's value.
	assert.Equal(t, 20, prod.Progress)
	// No voice asset survived.
	assert.Empty(t, prod.VoicePath)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, 19.8, 45)

	_, err := h.orch.Submit(context.Background(), SubmitParams{
		Prompt:   "",
		Settings: store.Settings{TargetDuration: 30},
	})
	require.Error(t, err)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindValidation, serr.Kind)

	_, err = h.orch.Submit(context.Background(), SubmitParams{
		Prompt:   "hi",
		Settings: store.Settings{TargetDuration: 3},
	})
	assert.Error(t, err)

	_, err = h.orch.Submit(context.Background(), SubmitParams{
		Prompt:   "hi",
		Settings: store.Settings{TargetDuration: 30, FadeCurve: "bogus"},
	})
	assert.Error(t, err)
}

func TestShortAdBlueprintStillRolls(t *testing.T) {
	h := newHarness(t, 3.5, 20)
	id := h.submit(t, store.Settings{TargetDuration: 5})

	h.runAll(t)

	meta, _, err := h.orch.loadMeta(id)
	require.NoError(t, err)
	require.NotNil(t, meta.Musical)
	assert.GreaterOrEqual(t, meta.Musical.PreRollBars, 1)
	assert.GreaterOrEqual(t, meta.Musical.PostRollBars, 1)

	prod, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, prod.Status)
}
