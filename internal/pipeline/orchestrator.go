package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/adforge/adforge/internal/align"
	"github.com/adforge/adforge/internal/analysis"
	"github.com/adforge/adforge/internal/audio"
	"github.com/adforge/adforge/internal/blueprint"
	"github.com/adforge/adforge/internal/llm"
	"github.com/adforge/adforge/internal/progress"
	"github.com/adforge/adforge/internal/queue"
	"github.com/adforge/adforge/internal/store"
	"github.com/adforge/adforge/internal/ttm"
	"github.com/adforge/adforge/internal/tts"
)

var tracer = otel.Tracer("github.com/adforge/adforge/internal/pipeline")

// Per-call provider timeouts.
const (
	llmTimeout     = 30 * time.Second
	ttsTimeout     = 120 * time.Second
	ttmTimeout     = 180 * time.Second
	mixTimeout     = 120 * time.Second
	measureTimeout = 30 * time.Second
)

// Two-pass loudness correction constants.
const (
	loudnessTolerance  = 3.0 // LU before a correction pass engages
	volumeDownFactor   = 0.7
	volumeUpFactor     = 1.3
	minMusicVolume     = 0.05
	maxMusicVolume     = 0.5
	bedLengthTolerance = 0.05 // seconds before trim/extend engages
)

// MusicAnalyzer is the analysis capability handle.
type MusicAnalyzer interface {
	Analyze(ctx context.Context, path string, targetBPM float64) (*analysis.Analysis, error)
}

// Capabilities are the external collaborators, passed in as handles so test
// doubles can drive the whole pipeline.
type Capabilities struct {
	LLM      llm.Generator
	TTS      tts.Provider
	TTM      ttm.Composer
	Audio    audio.Processor
	Analyzer MusicAnalyzer
}

// Orchestrator drives productions through the stage queues.
type Orchestrator struct {
	store     *store.Store
	queues    *queue.Queues
	caps      Capabilities
	uploadDir string
	broker    *progress.Broker
	log       *slog.Logger
	enforcer  *Enforcer

	mu      sync.Mutex
	running map[string]runningJob // production ID -> in-flight job
}

type runningJob struct {
	jobID  string
	cancel context.CancelFunc
}

// New wires an orchestrator.
func New(st *store.Store, queues *queue.Queues, caps Capabilities, uploadDir string, broker *progress.Broker, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		queues:    queues,
		caps:      caps,
		uploadDir: uploadDir,
		broker:    broker,
		log:       log,
		enforcer:  NewEnforcer(caps.Audio),
		running:   make(map[string]runningJob),
	}
}

// jobPayload is the stage-job payload shared by every queue.
type jobPayload struct {
	ProductionID string `json:"productionId"`
}

// scriptMeta is the blueprint metadata persisted on the production's script.
type scriptMeta struct {
	Blueprint    *llm.AdBlueprint     `json:"blueprint"`
	Musical      *blueprint.Blueprint `json:"musicalBlueprint,omitempty"`
	FallbackUsed bool                 `json:"fallbackUsed,omitempty"`
}

// SubmitParams describe one production request.
type SubmitParams struct {
	OwnerID  string
	Prompt   string
	Tone     string
	Settings store.Settings
}

// Submit validates the request, creates the production, and enqueues script
// generation. Returns the production ID.
func (o *Orchestrator) Submit(ctx context.Context, p SubmitParams) (string, error) {
	if p.Prompt == "" {
		return "", stageErr("submit", KindValidation, "prompt is required", nil)
	}
	if p.Settings.TargetDuration < 5 {
		return "", stageErr("submit", KindValidation,
			fmt.Sprintf("target duration %.1fs below 5s minimum", p.Settings.TargetDuration), nil)
	}
	curve, err := audio.ParseFadeCurve(p.Settings.FadeCurve)
	if err != nil {
		return "", stageErr("submit", KindValidation, "invalid fade curve", err)
	}
	p.Settings.FadeCurve = string(curve)
	if p.Settings.VoiceVolume <= 0 {
		p.Settings.VoiceVolume = 1.0
	}
	if p.Settings.MusicVolume <= 0 {
		p.Settings.MusicVolume = 0.3
	}
	if p.Settings.DuckingAmount <= 0 {
		p.Settings.DuckingAmount = 0.4
	}
	if p.Settings.TargetLUFS == 0 {
		p.Settings.TargetLUFS = -16
	}
	if p.Settings.TargetTruePeak == 0 {
		p.Settings.TargetTruePeak = -1.5
	}
	if p.Settings.OutputFormat == "" {
		p.Settings.OutputFormat = "mp3"
	}

	prod, err := o.store.Create(p.OwnerID, p.Prompt, p.Tone, p.Settings)
	if err != nil {
		return "", err
	}

	if _, err := o.queues.Enqueue(ctx, queue.KindScriptGeneration, jobPayload{ProductionID: prod.ID}, queue.Options{}); err != nil {
		return "", fmt.Errorf("enqueue script generation: %w", err)
	}
	o.log.InfoContext(ctx, "production submitted", "production_id", prod.ID, "duration", p.Settings.TargetDuration)
	return prod.ID, nil
}

// Cancel marks the production cancelled, cancels its in-flight job, and
// removes its working files.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	if err := o.store.Cancel(id); err != nil {
		return err
	}
	o.mu.Lock()
	rj, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		if err := o.queues.Cancel(ctx, rj.jobID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			o.log.Warn("cancel job", "production_id", id, "error", err)
		}
		rj.cancel()
	}
	o.cleanupFiles(id)
	o.emit(id, progress.StageFailed, 0, "cancelled")
	return nil
}

// Handlers returns the per-queue job handlers for the worker pools.
func (o *Orchestrator) Handlers() map[queue.Kind]queue.Handler {
	return map[queue.Kind]queue.Handler{
		queue.KindScriptGeneration: o.wrap("script", o.handleScript),
		queue.KindTTSGeneration:    o.wrap("voice", o.handleVoice),
		queue.KindMusicGeneration:  o.wrap("music", o.handleMusic),
		queue.KindAudioMixing:      o.wrap("mixing", o.handleMixing),
	}
}

type stageFunc func(ctx context.Context, prod *store.Production, job *queue.Job, report func(int)) error

// wrap adds the per-stage span, cancellation registration, error
// classification, and terminal failure bookkeeping around a stage handler.
func (o *Orchestrator) wrap(stage string, fn stageFunc) queue.Handler {
	return func(ctx context.Context, job *queue.Job, report func(int)) (any, error) {
		var payload jobPayload
		if err := job.DecodePayload(&payload); err != nil {
			return nil, stageErr(stage, KindValidation, "bad payload", err)
		}

		prod, err := o.store.Get(payload.ProductionID)
		if err != nil {
			return nil, stageErr(stage, KindValidation, "unknown production", err)
		}
		if prod.Status.Terminal() {
			return nil, stageErr(stage, KindCancelled, "production is terminal", nil)
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		o.mu.Lock()
		o.running[prod.ID] = runningJob{jobID: job.ID, cancel: cancel}
		o.mu.Unlock()
		defer func() {
			o.mu.Lock()
			delete(o.running, prod.ID)
			o.mu.Unlock()
		}()

		ctx, span := tracer.Start(ctx, "pipeline."+stage,
			trace.WithAttributes(attribute.String("production_id", prod.ID)),
		)
		defer span.End()

		err = fn(ctx, prod, job, report)
		if err == nil {
			span.SetStatus(codes.Ok, "complete")
			return map[string]string{"productionId": prod.ID}, nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")

		if o.isCancelled(prod.ID) {
			o.cleanupFiles(prod.ID)
			return nil, stageErr(stage, KindCancelled, "cancelled", err)
		}

		serr := asStageError(stage, err, job)
		if !serr.Retryable() || job.Attempts >= job.MaxAttempts {
			o.store.Fail(prod.ID, string(serr.Kind), serr.Error()) //nolint:errcheck
			o.cleanupFiles(prod.ID)
			o.emit(prod.ID, progress.StageFailed, 0, serr.Error())
		}
		return nil, serr
	}
}

// asStageError normalizes any error into a StageError, classifying provider
// errors and escalating repeated timeouts.
func asStageError(stage string, err error, job *queue.Job) *StageError {
	var serr *StageError
	if errors.As(err, &serr) {
		return serr
	}
	kind := escalateTimeout(classify(err), job.LastError)
	return stageErr(stage, kind, "stage failed", err)
}

// isCancelled consults the durable store, the shared cancellation flag.
func (o *Orchestrator) isCancelled(id string) bool {
	prod, err := o.store.Get(id)
	return err == nil && prod.Status == store.StatusCancelled
}

func (o *Orchestrator) checkCancelled(id string) error {
	if o.isCancelled(id) {
		return stageErr("cancel", KindCancelled, "production cancelled", nil)
	}
	return nil
}

// advance runs the state machine, persists the new status, and emits
// progress.
func (o *Orchestrator) advance(id string, event StateEvent) error {
	prod, err := o.store.Get(id)
	if err != nil {
		return err
	}
	next, err := Transition(prod.Status, event)
	if err != nil {
		return err
	}
	pct := progressFor[next]
	if err := o.store.Advance(id, next, pct); err != nil {
		return err
	}
	o.emit(id, stageOf(next), pct, "")
	return nil
}

func stageOf(s store.Status) progress.Stage {
	switch s {
	case store.StatusScript:
		return progress.StageScript
	case store.StatusVoice:
		return progress.StageVoice
	case store.StatusMusic:
		return progress.StageMusic
	case store.StatusAnalyzing:
		return progress.StageAnalyzing
	case store.StatusAligning:
		return progress.StageAligning
	case store.StatusMixing:
		return progress.StageMixing
	case store.StatusMeasuring:
		return progress.StageMeasuring
	case store.StatusAdjusting:
		return progress.StageAdjusting
	case store.StatusCompleted:
		return progress.StageComplete
	}
	return progress.StageScript
}

func (o *Orchestrator) emit(id string, stage progress.Stage, pct int, note string) {
	if o.broker != nil {
		o.broker.Publish(progress.Event{ProductionID: id, Stage: stage, Percent: pct, Note: note})
	}
}

func (o *Orchestrator) warn(id, note string) {
	if err := o.store.AppendWarning(id, note); err != nil {
		o.log.Warn("append warning", "production_id", id, "error", err)
	}
	o.log.Info("production warning", "production_id", id, "note", note)
}

// --- stage 1: script ---

func (o *Orchestrator) handleScript(ctx context.Context, prod *store.Production, job *queue.Job, report func(int)) error {
	settings, err := prod.Settings()
	if err != nil {
		return stageErr("script", KindValidation, "bad settings", err)
	}
	report(5)

	brief := llm.Brief{
		Prompt:          prod.Prompt,
		DurationSeconds: settings.TargetDuration,
		Tone:            prod.Tone,
	}

	llmCtx, cancel := context.WithTimeout(ctx, llmTimeout)
	bp, genErr := o.caps.LLM.Generate(llmCtx, brief)
	cancel()

	meta := scriptMeta{}
	if genErr != nil {
		kind := classify(genErr)
		switch kind {
		case KindAuth:
			return stageErr("script", KindAuth, "LLM rejected credentials", genErr)
		case KindTimeout, KindTransientProvider:
			return stageErr("script", kind, "LLM unavailable", genErr)
		default:
			// Quota and schema-invalid output degrade to the deterministic
			// fallback blueprint; the ad still ships.
			bp = llm.Fallback(brief)
			meta.FallbackUsed = true
			o.warn(prod.ID, fmt.Sprintf("fallback blueprint used: %v", genErr))
		}
	}
	if err := o.checkCancelled(prod.ID); err != nil {
		return err
	}

	meta.Blueprint = bp
	raw, err := json.Marshal(meta)
	if err != nil {
		return stageErr("script", KindInternal, "marshal blueprint", err)
	}
	if err := o.store.SetScript(prod.ID, bp.Script, string(raw)); err != nil {
		return stageErr("script", KindInternal, "persist script", err)
	}
	if err := o.advance(prod.ID, EventScriptReady); err != nil {
		return stageErr("script", KindInternal, "advance", err)
	}
	report(100)

	if _, err := o.queues.Enqueue(ctx, queue.KindTTSGeneration, jobPayload{ProductionID: prod.ID}, queue.Options{}); err != nil {
		return stageErr("script", KindInternal, "enqueue tts", err)
	}
	return nil
}

// --- stage 2: voice ---

func (o *Orchestrator) handleVoice(ctx context.Context, prod *store.Production, job *queue.Job, report func(int)) error {
	meta, settings, err := o.loadMeta(prod.ID)
	if err != nil {
		return err
	}
	report(5)

	req := tts.Request{
		VoiceID:        settings.VoiceID,
		Text:           meta.Blueprint.Script,
		WithTimestamps: true,
	}

	var result *tts.Result
	err = tts.WithRetry(ctx, func() error {
		ttsCtx, cancel := context.WithTimeout(ctx, ttsTimeout)
		defer cancel()
		var synthErr error
		result, synthErr = o.caps.TTS.Synthesize(ttsCtx, req)
		return synthErr
	})
	if err != nil {
		return fmt.Errorf("synthesize voice: %w", err)
	}
	if err := o.checkCancelled(prod.ID); err != nil {
		return err
	}
	report(40)

	voicePath := o.voicePath(prod.ID)
	if err := writeFileAtomic(voicePath, result.Audio); err != nil {
		return stageErr("voice", KindInternal, "write voice file", err)
	}

	duration, err := o.caps.Audio.GetDuration(ctx, voicePath)
	if err != nil {
		return stageErr("voice", KindInternal, "probe voice duration", err)
	}

	timings, exErr := align.ExtractTimings(meta.Blueprint.Script, result.Alignment)
	if exErr != nil {
		// Truncated alignment: approximate from the rendered duration and
		// keep going without character precision.
		o.warn(prod.ID, fmt.Sprintf("alignment mismatch, using approximate timings: %v", exErr))
		timings = align.ApproximateTimings(meta.Blueprint.Script, duration)
	}
	report(60)

	// TTS-time duration enforcement.
	scaledPath := o.voiceScaledPath(prod.ID)
	usedPath, usedDuration, scaled, enfErr := o.enforcer.EnforceVoice(ctx, voicePath, duration, settings.TargetDuration, scaledPath)
	if enfErr != nil {
		if errors.Is(enfErr, audio.ErrScalingRefused) {
			o.warn(prod.ID, fmt.Sprintf("voice scaling refused: %v", enfErr))
		} else {
			return fmt.Errorf("voice enforcement: %w", enfErr)
		}
	}
	if scaled {
		factor := usedDuration / duration
		scaleTimings(timings, factor)
		o.log.InfoContext(ctx, "voice time-scaled",
			"production_id", prod.ID, "from", duration, "to", usedDuration)
	}
	report(80)

	timingsJSON, err := json.Marshal(timings)
	if err != nil {
		return stageErr("voice", KindInternal, "marshal timings", err)
	}
	if err := o.store.SetVoiceAsset(prod.ID, usedPath, usedDuration, string(timingsJSON)); err != nil {
		return stageErr("voice", KindInternal, "persist voice asset", err)
	}
	if err := o.store.RegisterAsset(prod.ID, "voice", "final", usedPath, usedDuration); err != nil {
		return stageErr("voice", KindInternal, "register voice asset", err)
	}

	// Blueprint step: in-process, happens-before the music enqueue.
	musical, err := o.buildMusicalBlueprint(meta.Blueprint, timings, usedDuration, settings)
	if err != nil {
		return stageErr("voice", KindValidation, "musical blueprint", err)
	}
	meta.Musical = musical
	raw, err := json.Marshal(meta)
	if err != nil {
		return stageErr("voice", KindInternal, "marshal blueprint", err)
	}
	if err := o.store.SetScriptMeta(prod.ID, string(raw)); err != nil {
		return stageErr("voice", KindInternal, "persist blueprint", err)
	}

	if err := o.advance(prod.ID, EventVoiceReady); err != nil {
		return stageErr("voice", KindInternal, "advance", err)
	}
	report(100)

	if _, err := o.queues.Enqueue(ctx, queue.KindMusicGeneration, jobPayload{ProductionID: prod.ID}, queue.Options{}); err != nil {
		return stageErr("voice", KindInternal, "enqueue music", err)
	}
	return nil
}

func (o *Orchestrator) buildMusicalBlueprint(adbp *llm.AdBlueprint, timings *align.Timings, voiceDuration float64, settings store.Settings) (*blueprint.Blueprint, error) {
	cues := make([]blueprint.SentenceCue, 0, len(adbp.SentenceCues))
	for _, c := range adbp.SentenceCues {
		fn, err := blueprint.ParseMusicalFunction(c.MusicalFunction)
		if err != nil {
			// Unknown cue values degrade to unclassified rather than
			// rejecting the whole production.
			fn = ""
		}
		cues = append(cues, blueprint.SentenceCue{
			VolumeMultiplier: c.MusicVolumeMultiplier,
			Function:         fn,
		})
	}

	targetBPM := adbp.Music.TargetBPM
	if targetBPM <= 0 {
		targetBPM = 100
	}

	return blueprint.Build(blueprint.Input{
		ScriptText:        adbp.Script,
		Sentences:         timings.Sentences,
		Cues:              cues,
		TargetBPM:         targetBPM,
		Genre:             adbp.Music.Genre,
		Mood:              adbp.Music.Mood,
		VoiceDuration:     voiceDuration,
		AdDuration:        settings.TargetDuration,
		ComposerDirection: adbp.Music.ComposerDirection,
		Instrumentation:   adbp.Music.Instrumentation,
		Arc:               adbp.Music.Arc,
		Structure:         adbp.Music.MusicalStructure,
	})
}

// --- stage 3: music ---

func (o *Orchestrator) handleMusic(ctx context.Context, prod *store.Production, job *queue.Job, report func(int)) error {
	meta, _, err := o.loadMeta(prod.ID)
	if err != nil {
		return err
	}
	if meta.Musical == nil {
		return stageErr("music", KindValidation, "no musical blueprint", nil)
	}
	report(5)

	var audioBytes []byte
	err = tts.WithRetry(ctx, func() error {
		ttmCtx, cancel := context.WithTimeout(ctx, ttmTimeout)
		defer cancel()
		var composeErr error
		audioBytes, composeErr = o.caps.TTM.Compose(ttmCtx, meta.Musical.CompositionPrompt, meta.Musical.TotalDuration)
		return composeErr
	})
	if err != nil {
		return fmt.Errorf("compose bed: %w", err)
	}
	if err := o.checkCancelled(prod.ID); err != nil {
		return err
	}
	report(60)

	bedPath := o.musicPath("raw")
	if err := writeFileAtomic(bedPath, audioBytes); err != nil {
		return stageErr("music", KindInternal, "write bed", err)
	}
	duration, err := o.caps.Audio.GetDuration(ctx, bedPath)
	if err != nil {
		return stageErr("music", KindInternal, "probe bed duration", err)
	}

	key := ""
	if meta.Musical != nil && meta.Blueprint.Music.MusicalStructure != nil {
		key = meta.Blueprint.Music.MusicalStructure.Key
	}
	if err := o.store.SetMusicAsset(prod.ID, bedPath, duration, meta.Musical.FinalBPM, key); err != nil {
		return stageErr("music", KindInternal, "persist music asset", err)
	}
	if err := o.store.RegisterAsset(prod.ID, "music", "raw", bedPath, duration); err != nil {
		return stageErr("music", KindInternal, "register music asset", err)
	}

	if err := o.advance(prod.ID, EventMusicReady); err != nil {
		return stageErr("music", KindInternal, "advance", err)
	}
	report(100)

	if _, err := o.queues.Enqueue(ctx, queue.KindAudioMixing, jobPayload{ProductionID: prod.ID}, queue.Options{}); err != nil {
		return stageErr("music", KindInternal, "enqueue mixing", err)
	}
	return nil
}

// --- stage 4: mixing (steps 6-12) ---

func (o *Orchestrator) handleMixing(ctx context.Context, prod *store.Production, job *queue.Job, report func(int)) error {
	meta, settings, err := o.loadMeta(prod.ID)
	if err != nil {
		return err
	}
	if meta.Musical == nil {
		return stageErr("mixing", KindValidation, "no musical blueprint", nil)
	}
	prod, err = o.store.Get(prod.ID)
	if err != nil {
		return stageErr("mixing", KindInternal, "reload production", err)
	}

	var timings align.Timings
	if prod.VoiceTimings != "" {
		if err := json.Unmarshal([]byte(prod.VoiceTimings), &timings); err != nil {
			return stageErr("mixing", KindInternal, "decode timings", err)
		}
	}
	musical := meta.Musical

	// Step 6: bar-aligned pre-trim or loop-extend.
	bedPath := prod.MusicPath
	bedDur := prod.MusicDuration
	switch {
	case bedDur > musical.TotalDuration+bedLengthTolerance:
		out := o.musicPath("trimmed")
		if err := o.caps.Audio.Trim(ctx, bedPath, musical.TotalDuration, out); err != nil {
			return fmt.Errorf("pre-trim bed: %w", err)
		}
		bedPath, bedDur = out, musical.TotalDuration
		o.registerBed(prod.ID, "trimmed", out, bedDur)
	case bedDur < musical.TotalDuration-bedLengthTolerance:
		out := o.musicPath("looped")
		if err := o.caps.Audio.ExtendByLoop(ctx, bedPath, musical.TotalDuration, out); err != nil {
			return fmt.Errorf("loop-extend bed: %w", err)
		}
		bedPath, bedDur = out, musical.TotalDuration
		o.registerBed(prod.ID, "looped", out, bedDur)
	}
	report(10)
	if err := o.advance(prod.ID, EventAnalysisDone); err != nil {
		return stageErr("mixing", KindInternal, "advance", err)
	}

	// Step 7: analyze and align (Tier 3), degrade to Tier 1 on failure.
	voiceDelay := musical.MixingPlan.VoiceDelaySeconds
	var alignResult *align.Result
	an, anErr := o.caps.Analyzer.Analyze(ctx, bedPath, musical.FinalBPM)
	if anErr != nil {
		o.warn(prod.ID, fmt.Sprintf("music analysis failed, sentence-based ducking applied: %v", anErr))
	} else {
		var multipliers []float64
		for _, c := range meta.Blueprint.SentenceCues {
			multipliers = append(multipliers, c.MusicVolumeMultiplier)
		}
		res, alignErr := align.Align(an, timings.Sentences, align.Params{
			PreRollDuration:  musical.PreRollDuration,
			PostRollBars:     musical.PostRollBars,
			BarDuration:      musical.BarDuration,
			DuckLevel:        settings.DuckingAmount,
			VolumeMultiplier: multipliers,
		})
		switch {
		case errors.Is(alignErr, align.ErrAlignmentInfeasible):
			voiceDelay = 0
			o.warn(prod.ID, "alignment infeasible, voice enters immediately")
		case alignErr != nil:
			o.warn(prod.ID, fmt.Sprintf("alignment failed: %v", alignErr))
		default:
			alignResult = res
			voiceDelay = res.VoiceDelay
			if res.MusicCutoffTime < bedDur-bedLengthTolerance {
				out := o.musicPath("cut")
				if err := o.caps.Audio.Trim(ctx, bedPath, res.MusicCutoffTime, out); err != nil {
					return fmt.Errorf("button-ending trim: %w", err)
				}
				bedPath, bedDur = out, res.MusicCutoffTime
				o.registerBed(prod.ID, "cut", out, bedDur)
			}
		}
	}
	if err := o.advance(prod.ID, EventAlignmentDone); err != nil {
		return stageErr("mixing", KindInternal, "advance", err)
	}
	report(30)
	if err := o.checkCancelled(prod.ID); err != nil {
		return err
	}

	// Step 8: bake the duck curve into the bed.
	segments := o.duckCurve(meta, settings, alignResult, voiceDelay, bedDur)
	if len(segments) > 0 {
		out := o.musicPath("ducked")
		if err := o.caps.Audio.ApplyVolumeCurve(ctx, bedPath, segments, bedDur, out); err != nil {
			return fmt.Errorf("apply duck curve: %w", err)
		}
		bedPath = out
		o.registerBed(prod.ID, "ducked", out, bedDur)
	}
	report(40)

	// Step 9: mix.
	musicVolume := settings.MusicVolume
	mixPath := o.productionPath(prod.ID, settings.OutputFormat)
	mixOpts := audio.MixOptions{
		VoicePath:          prod.VoicePath,
		VoiceDelay:         voiceDelay,
		VoiceVolume:        settings.VoiceVolume,
		FadeIn:             settings.FadeIn,
		FadeOut:            settings.FadeOut,
		FadeCurve:          audio.FadeCurve(settings.FadeCurve),
		MusicPath:          bedPath,
		MusicVolume:        musicVolume,
		AudioDucking:       false, // the curve is baked into the bed
		NormalizeLoudness:  settings.NormalizeLoudness,
		LoudnessTargetLUFS: settings.TargetLUFS,
		LoudnessTruePeak:   settings.TargetTruePeak,
	}
	mixCtx, cancelMix := context.WithTimeout(ctx, mixTimeout)
	err = o.caps.Audio.Mix(mixCtx, mixOpts, mixPath)
	cancelMix()
	if err != nil {
		return fmt.Errorf("mix: %w", err)
	}
	if err := o.advance(prod.ID, EventMixDone); err != nil {
		return stageErr("mixing", KindInternal, "advance", err)
	}
	report(60)
	if err := o.checkCancelled(prod.ID); err != nil {
		return err
	}

	// Step 10: two-pass loudness convergence.
	if settings.NormalizeLoudness {
		mixPath, err = o.convergeLoudness(ctx, prod.ID, mixOpts, mixPath, settings)
		if err != nil {
			return err
		}
	}
	report(80)

	// Step 11: post-mix duration enforcement.
	finalDur, err := o.caps.Audio.GetDuration(ctx, mixPath)
	if err != nil {
		return stageErr("mixing", KindInternal, "probe final duration", err)
	}
	stretchOut := o.productionPath(prod.ID, settings.OutputFormat)
	usedPath, usedDur, _, enfErr := o.enforcer.EnforceMix(ctx, mixPath, finalDur, settings.TargetDuration, stretchOut)
	if enfErr != nil {
		if errors.Is(enfErr, audio.ErrScalingRefused) {
			o.warn(prod.ID, fmt.Sprintf("final scaling refused: %v", enfErr))
		} else {
			return fmt.Errorf("final enforcement: %w", enfErr)
		}
	}
	report(90)

	// Step 12: finalize.
	rounded := float64(int(usedDur*100+0.5)) / 100
	if err := o.store.SetOutput(prod.ID, usedPath, rounded); err != nil {
		return stageErr("mixing", KindInternal, "persist output", err)
	}
	if err := o.store.RegisterAsset(prod.ID, "mix", "final", usedPath, rounded); err != nil {
		return stageErr("mixing", KindInternal, "register output", err)
	}
	if err := o.advance(prod.ID, EventFinalized); err != nil {
		return stageErr("mixing", KindInternal, "advance", err)
	}
	o.cleanupSuperseded(prod.ID)
	report(100)
	o.log.InfoContext(ctx, "production completed",
		"production_id", prod.ID, "output", usedPath, "duration", rounded)
	return nil
}

// duckCurve picks the Tier-3 beat-aware segments when alignment succeeded,
// otherwise the Tier-1 per-sentence curve from the blueprint's mixing plan.
func (o *Orchestrator) duckCurve(meta *scriptMeta, settings store.Settings, res *align.Result, voiceDelay, bedDur float64) []audio.VolumeSegment {
	if res != nil {
		out := make([]audio.VolumeSegment, 0, len(res.DuckingSegments))
		for _, s := range res.DuckingSegments {
			out = append(out, audio.VolumeSegment{Start: s.Start, End: s.End, Multiplier: s.Level})
		}
		return out
	}

	var out []audio.VolumeSegment
	for i, dp := range meta.Musical.MixingPlan.DuckingPoints {
		level := settings.DuckingAmount
		if i < len(meta.Blueprint.SentenceCues) {
			if m := meta.Blueprint.SentenceCues[i].MusicVolumeMultiplier; m > 0 {
				level *= clampF(m, 0.1, 3.0)
			}
		}
		level = clampF(level, 0.05, 1.0)
		start := clampF(dp.Start, 0, bedDur)
		end := clampF(dp.End, 0, bedDur)
		if end <= start {
			continue
		}
		out = append(out, audio.VolumeSegment{Start: start, End: end, Multiplier: level})
	}
	return out
}

// convergeLoudness measures the mix and applies at most one music-volume
// correction pass (Tier 4).
func (o *Orchestrator) convergeLoudness(ctx context.Context, id string, opts audio.MixOptions, mixPath string, settings store.Settings) (string, error) {
	if err := o.advance(id, EventMeasured); err != nil {
		return "", stageErr("mixing", KindInternal, "advance", err)
	}

	measureCtx, cancel := context.WithTimeout(ctx, measureTimeout)
	measured, err := o.caps.Audio.MeasureLoudness(measureCtx, mixPath)
	cancel()
	if err != nil {
		// Keep the first mix; loudness stays best-effort.
		o.warn(id, fmt.Sprintf("loudness measurement failed, keeping first mix: %v", err))
		return mixPath, nil
	}

	diff := measured - settings.TargetLUFS
	if diff <= loudnessTolerance && diff >= -loudnessTolerance {
		o.warn(id, fmt.Sprintf("loudness %.1f LUFS within %.0f LU of target %.1f", measured, loudnessTolerance, settings.TargetLUFS))
		return mixPath, nil
	}

	factor := volumeUpFactor
	if diff > 0 {
		factor = volumeDownFactor
	}
	opts.MusicVolume = clampF(opts.MusicVolume*factor, minMusicVolume, maxMusicVolume)

	if err := o.advance(id, EventAdjusted); err != nil {
		return "", stageErr("mixing", KindInternal, "advance", err)
	}

	remixPath := o.productionPath(id, settings.OutputFormat)
	mixCtx, cancelMix := context.WithTimeout(ctx, mixTimeout)
	err = o.caps.Audio.Mix(mixCtx, opts, remixPath)
	cancelMix()
	if err != nil {
		return "", fmt.Errorf("loudness re-mix: %w", err)
	}

	measureCtx, cancel = context.WithTimeout(ctx, measureTimeout)
	second, err := o.caps.Audio.MeasureLoudness(measureCtx, remixPath)
	cancel()
	if err != nil {
		o.warn(id, fmt.Sprintf("second loudness measurement failed: %v", err))
		return remixPath, nil
	}
	o.warn(id, fmt.Sprintf("loudness corrected: %.1f -> %.1f LUFS (target %.1f)", measured, second, settings.TargetLUFS))
	return remixPath, nil
}

// --- file layout and cleanup ---

func (o *Orchestrator) voicePath(id string) string {
	return filepath.Join(o.uploadDir, "audio", fmt.Sprintf("voice_%s.mp3", id))
}

func (o *Orchestrator) voiceScaledPath(id string) string {
	return filepath.Join(o.uploadDir, "audio", fmt.Sprintf("voice_%s_scaled.mp3", id))
}

func (o *Orchestrator) musicPath(variant string) string {
	return filepath.Join(o.uploadDir, "music", fmt.Sprintf("%s_%s.mp3", variant, uuid.NewString()))
}

func (o *Orchestrator) productionPath(id, ext string) string {
	if ext == "" {
		ext = "mp3"
	}
	return filepath.Join(o.uploadDir, "productions", fmt.Sprintf("production_%s_%s.%s", id, uuid.NewString(), ext))
}

func (o *Orchestrator) registerBed(id, variant, path string, duration float64) {
	if err := o.store.RegisterAsset(id, "music", variant, path, duration); err != nil {
		o.log.Warn("register asset", "production_id", id, "error", err)
	}
	if err := o.store.SetMusicAsset(id, path, duration, 0, ""); err != nil {
		o.log.Warn("set music asset", "production_id", id, "error", err)
	}
}

// cleanupSuperseded removes intermediate asset files once a production
// reaches a terminal state.
func (o *Orchestrator) cleanupSuperseded(id string) {
	assets, err := o.store.SupersededAssets(id)
	if err != nil {
		o.log.Warn("list superseded assets", "production_id", id, "error", err)
		return
	}
	var ids []uint
	for _, a := range assets {
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			o.log.Warn("remove asset file", "path", a.Path, "error", err)
			continue
		}
		ids = append(ids, a.ID)
	}
	if err := o.store.DeleteAssets(ids); err != nil {
		o.log.Warn("delete asset rows", "production_id", id, "error", err)
	}
}

// cleanupFiles removes everything a cancelled or failed production wrote.
func (o *Orchestrator) cleanupFiles(id string) {
	prod, err := o.store.Get(id)
	if err != nil {
		return
	}
	paths := []string{
		prod.VoicePath, prod.MusicPath, prod.OutputPath,
		o.voicePath(id), o.voiceScaledPath(id),
	}
	for _, p := range paths {
		if p != "" {
			os.Remove(p) //nolint:errcheck
		}
	}
	o.cleanupSuperseded(id)
}

func (o *Orchestrator) loadMeta(id string) (*scriptMeta, store.Settings, error) {
	prod, err := o.store.Get(id)
	if err != nil {
		return nil, store.Settings{}, stageErr("meta", KindInternal, "load production", err)
	}
	settings, err := prod.Settings()
	if err != nil {
		return nil, store.Settings{}, stageErr("meta", KindValidation, "bad settings", err)
	}
	var meta scriptMeta
	if prod.ScriptMeta == "" || json.Unmarshal([]byte(prod.ScriptMeta), &meta) != nil || meta.Blueprint == nil {
		return nil, store.Settings{}, stageErr("meta", KindValidation, "production has no blueprint", nil)
	}
	return &meta, settings, nil
}

func scaleTimings(t *align.Timings, factor float64) {
	for i := range t.Sentences {
		t.Sentences[i].Start *= factor
		t.Sentences[i].End *= factor
	}
	for i := range t.Words {
		t.Words[i].Start *= factor
		t.Words[i].End *= factor
	}
}

// writeFileAtomic writes through a temp file and renames, so partial
// downloads never become visible.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return nil
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
