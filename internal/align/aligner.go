package align

import (
	"errors"
	"math"
	"sort"

	"github.com/adforge/adforge/internal/analysis"
)

// ErrAlignmentInfeasible is returned when the voice alone outlasts the bed,
// so it does not fit even at zero delay (or when there are no sentences or no
// bar length). A voice that fits but leaves no room for the post-roll is not
// an error: the delay shrinks and the button clamps to the bed's end.
// Callers fall back to voiceDelay = 0.
var ErrAlignmentInfeasible = errors.New("alignment infeasible: voice does not fit the bed")

// DuckSegment is one window where the bed is attenuated under speech.
type DuckSegment struct {
	Start float64 `json:"startTime"`
	End   float64 `json:"endTime"`
	Level float64 `json:"duckLevel"`
}

// Result is the aligner's placement decision.
type Result struct {
	VoiceDelay      float64       `json:"voiceDelay"`
	MusicCutoffTime float64       `json:"musicCutoffTime"`
	ButtonEndingBar int           `json:"buttonEndingBar"`
	DuckingSegments []DuckSegment `json:"duckingSegments"`
	AlignmentScore  float64       `json:"alignmentScore"`
}

// Params tune one alignment run.
type Params struct {
	PreRollDuration  float64
	PostRollBars     int
	BarDuration      float64
	DuckLevel        float64   // base attenuation under speech
	VolumeMultiplier []float64 // per-sentence cue multipliers; may be short or nil
}

// Empirical windows for beat-locking duck boundaries. Values came out of
// listening sessions, not theory.
const (
	duckLeadIn        = 0.080 // extend duck start before the word
	duckTailOut       = 0.120 // hold after the word
	beatSnapWindow    = 0.040 // boundary snaps to a beat this close
	duckMergeGap      = 0.150 // segments closer than this merge
	entrySnapFraction = 0.5   // entry snaps within this fraction of a bar

	minCueMultiplier = 0.1
	maxCueMultiplier = 3.0
	minDuckLevel     = 0.05
	maxDuckLevel     = 1.0
)

// Align chooses the voice entry point, the button-ending cutoff, and the
// beat-aware ducking windows for one production.
func Align(music *analysis.Analysis, sentences []SentenceTiming, p Params) (*Result, error) {
	if len(sentences) == 0 || p.BarDuration <= 0 {
		return nil, ErrAlignmentInfeasible
	}

	postRoll := float64(p.PostRollBars) * p.BarDuration

	voiceDelay, entryOffset := chooseEntry(music, p)

	// The voice plus post-roll must fit inside the bed.
	lastEnd := sentences[len(sentences)-1].End
	for voiceDelay > 0 && voiceDelay+lastEnd+postRoll > music.Duration {
		voiceDelay -= p.BarDuration
		if voiceDelay < 0 {
			voiceDelay = 0
		}
	}
	if lastEnd+postRoll > music.Duration+1e-9 && voiceDelay == 0 {
		if lastEnd >= music.Duration {
			return nil, ErrAlignmentInfeasible
		}
	}

	cutoff, buttonBar, landed := buttonEnding(music, voiceDelay+lastEnd, p)

	segments := duckSegments(music, sentences, voiceDelay, cutoff, p)

	score := alignmentScore(entryOffset, landed, segments, sentences, p)

	return &Result{
		VoiceDelay:      voiceDelay,
		MusicCutoffTime: cutoff,
		ButtonEndingBar: buttonBar,
		DuckingSegments: segments,
		AlignmentScore:  score,
	}, nil
}

// chooseEntry snaps the blueprint's ideal entry to the nearest detected
// downbeat within half a bar. Returns the delay and its residual offset
// from the chosen downbeat.
func chooseEntry(music *analysis.Analysis, p Params) (delay, offset float64) {
	candidate := p.PreRollDuration
	window := p.BarDuration * entrySnapFraction

	best := -1.0
	for _, db := range music.Downbeats {
		d := math.Abs(db - candidate)
		if d <= window && (best < 0 || d < math.Abs(best-candidate)) {
			best = db
		}
	}
	if best >= 0 {
		return best, math.Abs(best - candidate)
	}
	return candidate, 0
}

// buttonEnding finds the first downbeat at or after the last voiced moment,
// then adds the post-roll. landed reports whether the button fits inside
// the bed.
func buttonEnding(music *analysis.Analysis, tLastVoice float64, p Params) (cutoff float64, bar int, landed bool) {
	postRoll := float64(p.PostRollBars) * p.BarDuration

	for i, db := range music.Downbeats {
		if db >= tLastVoice-1e-9 {
			cutoff = db + postRoll
			bar = i + p.PostRollBars
			if cutoff <= music.Duration+1e-9 {
				return cutoff, bar, true
			}
			break
		}
	}
	// Past the end of the bed: close where the bed closes.
	cutoff = music.Duration
	bar = len(music.Downbeats) - 1
	if bar < 0 {
		bar = 0
	}
	return cutoff, bar, false
}

// duckSegments builds the attenuation windows: one per sentence, padded,
// beat-snapped, merged, and clipped to [0, cutoff].
func duckSegments(music *analysis.Analysis, sentences []SentenceTiming, voiceDelay, cutoff float64, p Params) []DuckSegment {
	beats := beatGrid(music, p.BarDuration)

	raw := make([]DuckSegment, 0, len(sentences))
	for i, s := range sentences {
		mult := 1.0
		if i < len(p.VolumeMultiplier) && p.VolumeMultiplier[i] != 0 {
			mult = clamp(p.VolumeMultiplier[i], minCueMultiplier, maxCueMultiplier)
		}
		level := clamp(p.DuckLevel*mult, minDuckLevel, maxDuckLevel)

		start := voiceDelay + s.Start - duckLeadIn
		end := voiceDelay + s.End + duckTailOut

		start = snapToBeat(start, beats)
		end = snapToBeat(end, beats)

		start = clamp(start, 0, cutoff)
		end = clamp(end, 0, cutoff)
		if end <= start {
			continue
		}
		raw = append(raw, DuckSegment{Start: start, End: end, Level: level})
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].Start < raw[j].Start })

	// Merge near-adjacent segments; the deeper duck wins.
	var merged []DuckSegment
	for _, seg := range raw {
		if n := len(merged); n > 0 && seg.Start-merged[n-1].End < duckMergeGap {
			if seg.End > merged[n-1].End {
				merged[n-1].End = seg.End
			}
			if seg.Level < merged[n-1].Level {
				merged[n-1].Level = seg.Level
			}
			continue
		}
		merged = append(merged, seg)
	}
	return merged
}

// beatGrid lists downbeats plus their half-bar subdivisions.
func beatGrid(music *analysis.Analysis, barDuration float64) []float64 {
	grid := make([]float64, 0, len(music.Downbeats)*2)
	for _, db := range music.Downbeats {
		grid = append(grid, db, db+barDuration/2)
	}
	return grid
}

// snapToBeat moves t onto the nearest grid point when one is inside the
// snap window; beats win over literal sentence edges.
func snapToBeat(t float64, beats []float64) float64 {
	best := t
	bestDist := beatSnapWindow + 1
	for _, b := range beats {
		if d := math.Abs(b - t); d <= beatSnapWindow && d < bestDist {
			best, bestDist = b, d
		}
	}
	return best
}

// alignmentScore combines entry closeness, button landing, and duck
// coverage into [0,1]. Informational only.
func alignmentScore(entryOffset float64, buttonLanded bool, segments []DuckSegment, sentences []SentenceTiming, p Params) float64 {
	entry := 1.0
	if p.BarDuration > 0 {
		entry = 1 - clamp(entryOffset/(p.BarDuration/2), 0, 1)
	}

	button := 0.0
	if buttonLanded {
		button = 1.0
	}

	var voiced, ducked float64
	for _, s := range sentences {
		voiced += s.End - s.Start
	}
	for _, seg := range segments {
		ducked += seg.End - seg.Start
	}
	coverage := 0.0
	if voiced > 0 {
		coverage = clamp(ducked/voiced, 0, 1)
	}

	return 0.4*entry + 0.3*button + 0.3*coverage
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
