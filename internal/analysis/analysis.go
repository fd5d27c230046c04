// Package analysis detects the downbeat grid and per-bar energy of a
// rendered music bed. It never modifies the bed; on failure callers fall
// back to a synthetic grid at the target tempo.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/adforge/adforge/internal/timing"
)

// ErrAnalysisFailed wraps any detection failure. It is non-fatal: the
// pipeline downgrades to the blueprint's synthetic grid.
var ErrAnalysisFailed = errors.New("music analysis failed")

// PCMDecoder extracts mono float samples from an audio file.
type PCMDecoder interface {
	DecodePCM(ctx context.Context, path string) (samples []float64, sampleRate int, err error)
}

// Bar is one detected bar with its average energy.
type Bar struct {
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
	EnergyDB  float64 `json:"energyDb"`
}

// Analysis is the detected grid of a bed.
type Analysis struct {
	DetectedBPM float64   `json:"detectedBpm"`
	Downbeats   []float64 `json:"downbeats"`
	Bars        []Bar     `json:"bars"`
	Duration    float64   `json:"duration"`
}

// Analyzer runs onset-energy beat detection over a bed's low-frequency
// envelope.
type Analyzer struct {
	decoder PCMDecoder
	timeSig timing.TimeSignature
}

// NewAnalyzer creates an analyzer using the given PCM source.
func NewAnalyzer(decoder PCMDecoder) *Analyzer {
	return &Analyzer{decoder: decoder, timeSig: timing.CommonTime}
}

// Detection search bounds. BPM candidates outside this window are never
// plausible for an ad bed.
const (
	minBPM = 60.0
	maxBPM = 180.0

	// envelope frame size in seconds; onset resolution is one frame.
	frameSeconds = 0.02
	// low-pass cutoff: kick and bass carry the pulse.
	lowpassHz = 200.0
)

// Analyze detects tempo, downbeats, and per-bar energy. targetBPM biases
// tie-breaking only; the candidate search always covers minBPM..maxBPM.
func (a *Analyzer) Analyze(ctx context.Context, path string, targetBPM float64) (*Analysis, error) {
	samples, sampleRate, err := a.decoder.DecodePCM(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrAnalysisFailed, path, err)
	}
	if len(samples) == 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("%w: empty audio in %s", ErrAnalysisFailed, path)
	}

	duration := float64(len(samples)) / float64(sampleRate)
	envelope := onsetEnvelope(samples, sampleRate)
	if len(envelope) < 8 {
		return nil, fmt.Errorf("%w: bed too short (%0.2fs)", ErrAnalysisFailed, duration)
	}

	bpm := detectBPM(envelope, targetBPM)
	beatDur := 60.0 / bpm
	phase := detectPhase(envelope, beatDur)

	barDur := timing.BarDuration(bpm, a.timeSig)
	var downbeats []float64
	for t := phase; t <= duration+1e-9; t += barDur {
		downbeats = append(downbeats, t)
	}
	if len(downbeats) == 0 {
		return nil, fmt.Errorf("%w: no downbeats within %0.2fs bed", ErrAnalysisFailed, duration)
	}

	bars := make([]Bar, 0, len(downbeats))
	for _, start := range downbeats {
		end := start + barDur
		if end > duration {
			end = duration
		}
		bars = append(bars, Bar{
			StartTime: start,
			EndTime:   end,
			EnergyDB:  barEnergyDB(samples, sampleRate, start, end),
		})
	}

	return &Analysis{
		DetectedBPM: bpm,
		Downbeats:   downbeats,
		Bars:        bars,
		Duration:    duration,
	}, nil
}

// Synthetic builds the fallback grid from the blueprint tempo when
// detection fails (Tier-1 behavior).
func Synthetic(targetBPM, duration float64) *Analysis {
	barDur := timing.BarDuration(targetBPM, timing.CommonTime)
	var downbeats []float64
	for t := 0.0; t <= duration+1e-9; t += barDur {
		downbeats = append(downbeats, t)
	}
	return &Analysis{
		DetectedBPM: targetBPM,
		Downbeats:   downbeats,
		Duration:    duration,
	}
}

// onsetEnvelope low-passes the signal with a one-pole filter, frames it,
// and keeps the positive energy difference between frames.
func onsetEnvelope(samples []float64, sampleRate int) []float64 {
	// One-pole low-pass at lowpassHz.
	rc := 1.0 / (2 * math.Pi * lowpassHz)
	dt := 1.0 / float64(sampleRate)
	alpha := dt / (rc + dt)

	frameLen := int(frameSeconds * float64(sampleRate))
	if frameLen < 1 {
		frameLen = 1
	}

	var filtered float64
	frames := make([]float64, 0, len(samples)/frameLen+1)
	acc := 0.0
	count := 0
	for _, s := range samples {
		filtered += alpha * (s - filtered)
		acc += filtered * filtered
		count++
		if count == frameLen {
			frames = append(frames, math.Sqrt(acc/float64(count)))
			acc, count = 0, 0
		}
	}
	if count > 0 {
		frames = append(frames, math.Sqrt(acc/float64(count)))
	}

	// Positive flux only: energy rises mark onsets.
	onsets := make([]float64, len(frames))
	for i := 1; i < len(frames); i++ {
		if d := frames[i] - frames[i-1]; d > 0 {
			onsets[i] = d
		}
	}
	return onsets
}

// detectBPM scores candidate tempos by autocorrelation of the onset
// envelope at the beat lag. Ties (within 2%) break toward targetBPM.
func detectBPM(envelope []float64, targetBPM float64) float64 {
	if targetBPM < minBPM || targetBPM > maxBPM {
		targetBPM = 120
	}

	bestBPM := targetBPM
	bestScore := -1.0
	for bpm := minBPM; bpm <= maxBPM; bpm++ {
		lag := int(math.Round(60.0 / bpm / frameSeconds))
		if lag <= 0 || lag >= len(envelope) {
			continue
		}
		score := autocorrelate(envelope, lag)
		// Prefer the candidate nearest the target when scores are close.
		if score > bestScore*1.02 ||
			(score > bestScore*0.98 && math.Abs(bpm-targetBPM) < math.Abs(bestBPM-targetBPM)) {
			if score > bestScore {
				bestScore = score
			}
			bestBPM = bpm
		}
	}
	return bestBPM
}

func autocorrelate(envelope []float64, lag int) float64 {
	var sum float64
	for i := 0; i+lag < len(envelope); i++ {
		sum += envelope[i] * envelope[i+lag]
	}
	return sum / float64(len(envelope)-lag)
}

// detectPhase finds the beat-grid offset (in seconds, < one beat) that
// lines up with the most onset energy.
func detectPhase(envelope []float64, beatDur float64) float64 {
	lag := int(math.Round(beatDur / frameSeconds))
	if lag <= 0 {
		return 0
	}
	bestOffset := 0
	bestScore := -1.0
	for offset := 0; offset < lag; offset++ {
		var sum float64
		for i := offset; i < len(envelope); i += lag {
			sum += envelope[i]
		}
		if sum > bestScore {
			bestScore = sum
			bestOffset = offset
		}
	}
	return float64(bestOffset) * frameSeconds
}

// barEnergyDB is the RMS level of one bar in decibels.
func barEnergyDB(samples []float64, sampleRate int, start, end float64) float64 {
	lo := int(start * float64(sampleRate))
	hi := int(end * float64(sampleRate))
	if lo < 0 {
		lo = 0
	}
	if hi > len(samples) {
		hi = len(samples)
	}
	if hi <= lo {
		return -96
	}
	var acc float64
	for _, s := range samples[lo:hi] {
		acc += s * s
	}
	rms := math.Sqrt(acc / float64(hi-lo))
	if rms <= 0 {
		return -96
	}
	db := 20 * math.Log10(rms)
	if db < -96 {
		db = -96
	}
	return db
}
