// Package blueprint converts a scripted voice-over and its sentence timings
// into a bar-aligned composition plan: sections, sync points, a composition
// prompt for the music generator, and a mixing plan.
package blueprint

import (
	"fmt"
	"math"

	"github.com/adforge/adforge/internal/align"
	"github.com/adforge/adforge/internal/timing"
)

// MusicalFunction labels what a sentence does musically.
type MusicalFunction string

const (
	FunctionHook       MusicalFunction = "hook"
	FunctionBuild      MusicalFunction = "build"
	FunctionPeak       MusicalFunction = "peak"
	FunctionResolve    MusicalFunction = "resolve"
	FunctionTransition MusicalFunction = "transition"
	FunctionPause      MusicalFunction = "pause"
)

// ParseMusicalFunction validates a cue value at the boundary.
func ParseMusicalFunction(s string) (MusicalFunction, error) {
	switch MusicalFunction(s) {
	case FunctionHook, FunctionBuild, FunctionPeak, FunctionResolve, FunctionTransition, FunctionPause:
		return MusicalFunction(s), nil
	case "":
		return "", nil
	}
	return "", fmt.Errorf("unknown musical function %q", s)
}

// EndingType describes how the bed should close.
type EndingType string

const (
	EndingButton  EndingType = "button"
	EndingSustain EndingType = "sustain"
	EndingStinger EndingType = "stinger"
	EndingDecay   EndingType = "decay"
)

// ParseEndingType validates an ending value at the boundary.
func ParseEndingType(s string) (EndingType, error) {
	switch EndingType(s) {
	case EndingButton, EndingSustain, EndingStinger, EndingDecay:
		return EndingType(s), nil
	case "":
		return EndingButton, nil
	}
	return "", fmt.Errorf("unknown ending type %q", s)
}

// Direction is a section's energy trajectory.
type Direction string

const (
	DirectionBuilding   Direction = "building"
	DirectionSustaining Direction = "sustaining"
	DirectionResolving  Direction = "resolving"
	DirectionPeak       Direction = "peak"
)

// SentenceCue is the LLM's per-sentence guidance.
type SentenceCue struct {
	VolumeMultiplier float64         `json:"musicVolumeMultiplier"`
	Function         MusicalFunction `json:"musicalFunction"`
}

// ArcSegment is one leg of the LLM's energy arc.
type ArcSegment struct {
	Label       string  `json:"label"`
	StartSecond float64 `json:"startSecond"`
	EndSecond   float64 `json:"endSecond"`
	Energy      int     `json:"energy"`
	Prompt      string  `json:"prompt"`
}

// MusicalStructure is the LLM's explicit structural guidance; zero values
// mean "let the blueprint decide".
type MusicalStructure struct {
	IntroType    string     `json:"introType"`
	IntroBars    int        `json:"introBars"`
	BodyFeel     string     `json:"bodyFeel"`
	PeakMoment   string     `json:"peakMoment"`
	EndingType   EndingType `json:"endingType"`
	OutroBars    int        `json:"outroBars"`
	Key          string     `json:"key"`
	PhraseLength int        `json:"phraseLength"` // 2, 3 or 4
}

// Input is everything the blueprint algorithm needs. Build is pure:
// identical inputs produce identical output.
type Input struct {
	ScriptText        string
	Sentences         []align.SentenceTiming
	Cues              []SentenceCue
	TargetBPM         float64
	Genre             string
	Mood              string
	VoiceDuration     float64
	AdDuration        float64
	ComposerDirection string
	Instrumentation   []string
	Arc               []ArcSegment
	Structure         *MusicalStructure
}

// Section is one bar range of the planned composition.
type Section struct {
	Name                 string    `json:"name"`
	StartBar             int       `json:"startBar"`
	EndBar               int       `json:"endBar"`
	StartTime            float64   `json:"startTime"`
	EndTime              float64   `json:"endTime"`
	EnergyLevel          int       `json:"energyLevel"`
	Direction            Direction `json:"direction"`
	InstrumentationNotes string    `json:"instrumentationNotes"`
	VoiceSentences       []int     `json:"voiceSentences"`
}

// SyncPoint marks a musical landmark locked to a voice timestamp.
type SyncPoint struct {
	Type            string  `json:"type"` // "brand", "cta", "final"
	VoiceTimestamp  float64 `json:"voiceTimestamp"`
	NearestDownbeat float64 `json:"nearestDownbeat"`
	Bar             int     `json:"bar"`
	Beat            int     `json:"beat"`
	Offset          float64 `json:"offset"`
	MusicAction     string  `json:"musicAction"`
}

// DuckPoint is one planned attenuation window in music time.
type DuckPoint struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// MixingPlan carries the blueprint's placement decisions to the mixer.
type MixingPlan struct {
	VoiceDelaySeconds float64     `json:"voiceDelaySeconds"`
	MusicTrimDuration float64     `json:"musicTrimDuration"`
	DuckingPoints     []DuckPoint `json:"duckingPoints"`
}

// Blueprint is the finished composition plan.
type Blueprint struct {
	FinalBPM          float64              `json:"finalBpm"`
	TimeSignature     timing.TimeSignature `json:"timeSignature"`
	BarDuration       float64              `json:"barDuration"`
	TotalBars         int                  `json:"totalBars"`
	TotalDuration     float64              `json:"totalDuration"`
	PreRollBars       int                  `json:"preRollBars"`
	PreRollDuration   float64              `json:"preRollDuration"`
	PostRollBars      int                  `json:"postRollBars"`
	PostRollDuration  float64              `json:"postRollDuration"`
	VoiceEntryPoint   float64              `json:"voiceEntryPoint"`
	Sections          []Section            `json:"sections"`
	SyncPoints        []SyncPoint          `json:"syncPoints"`
	CompositionPrompt string               `json:"compositionPrompt"`
	MixingPlan        MixingPlan           `json:"mixingPlan"`
}

const (
	defaultPhraseLength = 2
	sentenceGapBreak    = 0.4 // seconds of silence that force a section break
)

// Build runs the blueprint algorithm over one production's inputs.
func Build(in Input) (*Blueprint, error) {
	if in.TargetBPM <= 0 {
		return nil, fmt.Errorf("blueprint: target BPM must be positive, got %v", in.TargetBPM)
	}
	if in.VoiceDuration <= 0 && len(in.Sentences) > 0 {
		in.VoiceDuration = in.Sentences[len(in.Sentences)-1].End
	}
	if in.VoiceDuration <= 0 {
		return nil, fmt.Errorf("blueprint: voice duration unknown")
	}
	ts := timing.CommonTime

	// Preliminary roll sizing, then tempo refinement against the total.
	roll := timing.CalculatePrePostRoll(in.VoiceDuration, in.TargetBPM, timing.PrePostOptions{
		Genre:      in.Genre,
		AdDuration: in.AdDuration,
	})
	bpm := timing.OptimizeBPMForDuration(in.TargetBPM, roll.TotalMusicDuration, 5, ts)
	roll = timing.CalculatePrePostRoll(in.VoiceDuration, bpm, timing.PrePostOptions{
		Genre:      in.Genre,
		AdDuration: in.AdDuration,
	})

	// Explicit structure overrides the computed rolls.
	phraseLen := defaultPhraseLength
	ending := EndingButton
	if s := in.Structure; s != nil {
		if s.IntroBars > 0 {
			roll.PreRollBars = s.IntroBars
		}
		if s.OutroBars > 0 {
			roll.PostRollBars = s.OutroBars
		}
		if s.PhraseLength >= 2 && s.PhraseLength <= 4 {
			phraseLen = s.PhraseLength
		}
		if s.EndingType != "" {
			ending = s.EndingType
		}
	}

	barDur := timing.BarDuration(bpm, ts)
	roll.PreRollDuration = float64(roll.PreRollBars) * barDur
	roll.PostRollDuration = float64(roll.PostRollBars) * barDur

	bodyBars := int(math.Ceil(in.VoiceDuration/barDur - 1e-9))
	if bodyBars < 1 {
		bodyBars = 1
	}
	totalBars := roll.PreRollBars + bodyBars + roll.PostRollBars
	totalDuration := float64(totalBars) * barDur

	bp := &Blueprint{
		FinalBPM:         bpm,
		TimeSignature:    ts,
		BarDuration:      barDur,
		TotalBars:        totalBars,
		TotalDuration:    totalDuration,
		PreRollBars:      roll.PreRollBars,
		PreRollDuration:  roll.PreRollDuration,
		PostRollBars:     roll.PostRollBars,
		PostRollDuration: roll.PostRollDuration,
		VoiceEntryPoint:  roll.PreRollDuration,
	}

	bp.Sections = buildSections(in, bp, phraseLen)
	bp.SyncPoints = buildSyncPoints(in.Sentences, bp)
	bp.CompositionPrompt = compositionPrompt(in, bp, ending)
	bp.MixingPlan = MixingPlan{
		VoiceDelaySeconds: bp.PreRollDuration,
		MusicTrimDuration: bp.TotalDuration,
		DuckingPoints:     duckingPoints(in.Sentences, bp.PreRollDuration),
	}
	return bp, nil
}

// buildSections classifies sentences, groups them, snaps bar ranges to
// phrase boundaries, and frames them with the intro and outro.
func buildSections(in Input, bp *Blueprint, phraseLen int) []Section {
	firstBody := bp.PreRollBars + 1
	lastBody := bp.TotalBars - bp.PostRollBars

	sections := []Section{{
		Name:                 "intro",
		StartBar:             1,
		EndBar:               bp.PreRollBars,
		EnergyLevel:          3,
		Direction:            DirectionBuilding,
		InstrumentationNotes: "establish the groove before the voice enters",
	}}

	groups := groupSentences(in)
	for gi, g := range groups {
		startBar := int((bp.PreRollDuration+g.start)/bp.BarDuration) + 1
		endBar := int(math.Ceil((bp.PreRollDuration + g.end) / bp.BarDuration))

		startBar = clampBar(timing.SnapToPhrase(startBar-1, phraseLen)+1, firstBody, lastBody)
		endBar = clampBar(timing.SnapToPhrase(endBar, phraseLen), firstBody, lastBody)

		// Tile against the previous body section so sections never overlap.
		if prev := &sections[len(sections)-1]; prev.Name != "intro" && startBar <= prev.EndBar {
			startBar = prev.EndBar + 1
		}
		if gi == len(groups)-1 {
			endBar = lastBody
		}
		if endBar < startBar {
			endBar = startBar
		}

		sections = append(sections, Section{
			Name:                 g.label,
			StartBar:             startBar,
			EndBar:               endBar,
			EnergyLevel:          g.energy,
			Direction:            g.direction,
			InstrumentationNotes: g.notes,
			VoiceSentences:       g.indices,
		})
	}

	sections = append(sections, Section{
		Name:                 "outro",
		StartBar:             bp.TotalBars - bp.PostRollBars + 1,
		EndBar:               bp.TotalBars,
		EnergyLevel:          4,
		Direction:            DirectionResolving,
		InstrumentationNotes: "clean button ending",
	})

	for i := range sections {
		sections[i].StartTime = float64(sections[i].StartBar-1) * bp.BarDuration
		sections[i].EndTime = float64(sections[i].EndBar) * bp.BarDuration
	}
	return sections
}

type sentenceGroup struct {
	label     string
	energy    int
	direction Direction
	notes     string
	start     float64 // voice time
	end       float64
	indices   []int
}

// groupSentences merges consecutive sentences that share a label with no
// significant silence between them.
func groupSentences(in Input) []sentenceGroup {
	var groups []sentenceGroup
	for i, s := range in.Sentences {
		var cue SentenceCue
		if i < len(in.Cues) {
			cue = in.Cues[i]
		}
		c := classifySentence(s.Text, cue, i, len(in.Sentences))

		if n := len(groups); n > 0 &&
			groups[n-1].label == c.label &&
			s.Start-groups[n-1].end < sentenceGapBreak {
			groups[n-1].end = s.End
			groups[n-1].indices = append(groups[n-1].indices, i)
			if c.energy > groups[n-1].energy {
				groups[n-1].energy = c.energy
			}
			continue
		}
		groups = append(groups, sentenceGroup{
			label:     c.label,
			energy:    c.energy,
			direction: c.direction,
			notes:     c.notes,
			start:     s.Start,
			end:       s.End,
			indices:   []int{i},
		})
	}
	return groups
}

// duckingPoints shifts sentence spans into music time.
func duckingPoints(sentences []align.SentenceTiming, preRoll float64) []DuckPoint {
	out := make([]DuckPoint, 0, len(sentences))
	for _, s := range sentences {
		out = append(out, DuckPoint{Start: preRoll + s.Start, End: preRoll + s.End})
	}
	return out
}

func clampBar(bar, lo, hi int) int {
	if bar < lo {
		return lo
	}
	if bar > hi {
		return hi
	}
	return bar
}
