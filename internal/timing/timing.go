// Package timing provides the bar/beat arithmetic used to lay an ad's
// voice-over onto a musical grid. All functions are pure and operate in
// seconds and whole bars.
package timing

import "math"

// TimeSignature describes how many beats make up one bar.
type TimeSignature struct {
	BeatsPerBar int
	NoteValue   int
}

// CommonTime is the default 4/4 signature.
var CommonTime = TimeSignature{BeatsPerBar: 4, NoteValue: 4}

func (ts TimeSignature) orDefault() TimeSignature {
	if ts.BeatsPerBar <= 0 {
		return CommonTime
	}
	return ts
}

// BarDuration returns the length of one bar in seconds at the given tempo.
func BarDuration(bpm float64, ts TimeSignature) float64 {
	ts = ts.orDefault()
	return (60.0 / bpm) * float64(ts.BeatsPerBar)
}

// BarGrid is a whole-bar grid covering at least a minimum duration.
type BarGrid struct {
	BarDuration   float64
	TotalBars     int
	TotalDuration float64
}

// BuildBarGrid returns the smallest whole-bar grid at bpm that covers
// minDuration seconds.
func BuildBarGrid(bpm, minDuration float64, ts TimeSignature) BarGrid {
	barDur := BarDuration(bpm, ts)
	totalBars := int(math.Ceil(minDuration / barDur))
	if totalBars < 1 {
		totalBars = 1
	}
	return BarGrid{
		BarDuration:   barDur,
		TotalBars:     totalBars,
		TotalDuration: float64(totalBars) * barDur,
	}
}

// OptimizeBPMForDuration picks the tempo within [targetBPM-bpmRange,
// targetBPM+bpmRange] whose whole-bar grid lands closest to desiredDuration.
// Ties break toward targetBPM.
func OptimizeBPMForDuration(targetBPM, desiredDuration, bpmRange float64, ts TimeSignature) float64 {
	if bpmRange <= 0 {
		bpmRange = 5
	}
	best := targetBPM
	bestErr := math.Abs(BuildBarGrid(targetBPM, desiredDuration, ts).TotalDuration - desiredDuration)

	for bpm := targetBPM - bpmRange; bpm <= targetBPM+bpmRange+1e-9; bpm++ {
		if bpm <= 0 {
			continue
		}
		diff := math.Abs(BuildBarGrid(bpm, desiredDuration, ts).TotalDuration - desiredDuration)
		switch {
		case diff < bestErr-1e-9:
			best, bestErr = bpm, diff
		case math.Abs(diff-bestErr) <= 1e-9 && math.Abs(bpm-targetBPM) < math.Abs(best-targetBPM):
			best = bpm
		}
	}
	return best
}

// PrePostOptions tune pre/post-roll sizing.
type PrePostOptions struct {
	Genre         string
	AdDuration    float64
	TimeSignature TimeSignature
}

// PrePostRoll is the sizing of bed-only bars before and after the voice.
type PrePostRoll struct {
	PreRollBars        int
	PostRollBars       int
	PreRollDuration    float64
	PostRollDuration   float64
	TotalMusicDuration float64
}

// atmosphericGenres get a longer pre-roll so the bed can establish itself.
var atmosphericGenres = map[string]bool{
	"ambient":   true,
	"cinematic": true,
}

// CalculatePrePostRoll sizes the bed-only bars around a voice-over. Defaults
// are 2 bars in, 1 bar out; short ads (<=15s) shrink the pre-roll to 1 bar,
// ambient and cinematic genres grow it to 3.
func CalculatePrePostRoll(voiceDuration, bpm float64, opts PrePostOptions) PrePostRoll {
	barDur := BarDuration(bpm, opts.TimeSignature)

	preBars := 2
	if opts.AdDuration > 0 && opts.AdDuration <= 15 {
		preBars = 1
	} else if atmosphericGenres[opts.Genre] {
		preBars = 3
	}
	postBars := 1

	pre := float64(preBars) * barDur
	post := float64(postBars) * barDur
	return PrePostRoll{
		PreRollBars:        preBars,
		PostRollBars:       postBars,
		PreRollDuration:    pre,
		PostRollDuration:   post,
		TotalMusicDuration: pre + voiceDuration + post,
	}
}

// Downbeat is the bar boundary nearest to a point in time.
type Downbeat struct {
	Time   float64
	Bar    int // 0-indexed
	Offset float64
}

// NearestDownbeat returns the bar boundary closest to t. Offset is t minus
// the downbeat time and may be negative.
func NearestDownbeat(t, bpm float64, ts TimeSignature) Downbeat {
	barDur := BarDuration(bpm, ts)
	bar := int(math.Round(t / barDur))
	if bar < 0 {
		bar = 0
	}
	dbTime := float64(bar) * barDur
	return Downbeat{Time: dbTime, Bar: bar, Offset: t - dbTime}
}

// GenerateDownbeats lists all bar boundaries in [start, end].
func GenerateDownbeats(start, end, bpm float64, ts TimeSignature) []float64 {
	barDur := BarDuration(bpm, ts)
	var out []float64
	first := math.Ceil(start/barDur - 1e-9)
	if first < 0 {
		first = 0
	}
	for t := first * barDur; t <= end+1e-9; t += barDur {
		out = append(out, t)
	}
	return out
}

// SnapToPhrase rounds a bar index to the nearest phrase boundary. The result
// is always at least one phrase.
func SnapToPhrase(bar, phraseLen int) int {
	if phraseLen < 1 {
		phraseLen = 1
	}
	snapped := int(math.Round(float64(bar)/float64(phraseLen))) * phraseLen
	if snapped < phraseLen {
		snapped = phraseLen
	}
	return snapped
}
