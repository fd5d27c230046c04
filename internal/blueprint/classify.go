package blueprint

import (
	"strings"

	"github.com/adforge/adforge/internal/align"
	"github.com/adforge/adforge/internal/timing"
)

// classification is the musical role assigned to one sentence.
type classification struct {
	label     string
	energy    int // 1..10
	direction Direction
	notes     string
}

// classifySentence picks a sentence's musical function. Priority: an
// explicit cue, then text heuristics, then position in the script.
func classifySentence(text string, cue SentenceCue, index, total int) classification {
	if cue.Function != "" {
		return fromFunction(cue.Function)
	}
	if c, ok := fromTextHeuristics(text); ok {
		return c
	}
	return fromPosition(index, total)
}

func fromFunction(fn MusicalFunction) classification {
	switch fn {
	case FunctionHook:
		return classification{label: "hook", energy: 7, direction: DirectionBuilding, notes: "grab attention immediately"}
	case FunctionBuild:
		return classification{label: "build", energy: 6, direction: DirectionBuilding, notes: "rising momentum"}
	case FunctionPeak:
		return classification{label: "peak", energy: 9, direction: DirectionPeak, notes: "full arrangement"}
	case FunctionResolve:
		return classification{label: "resolve", energy: 5, direction: DirectionResolving, notes: "settle the energy"}
	case FunctionTransition:
		return classification{label: "transition", energy: 5, direction: DirectionSustaining, notes: "bridge between ideas"}
	case FunctionPause:
		return classification{label: "pause", energy: 3, direction: DirectionSustaining, notes: "music carries the moment"}
	}
	return classification{label: "body", energy: 5, direction: DirectionSustaining}
}

// cueWords drive the text heuristics. Checked in order: the first family
// with a hit wins.
var cueWords = []struct {
	label string
	words []string
}{
	{"hook", []string{"introducing", "imagine", "what if", "meet", "finally"}},
	{"build", []string{"because", "with", "powered", "crafted", "designed", "every"}},
	{"peak", []string{"best", "most", "ultimate", "incredible", "amazing", "revolutionary"}},
	{"resolve", []string{"that's why", "so", "simply", "relax", "trust"}},
	{"warm", []string{"love", "home", "family", "comfort", "together"}},
	{"cta", []string{"try", "get", "start", "order", "call", "visit", "download", "subscribe", "shop", "join", "book", "discover"}},
}

func fromTextHeuristics(text string) (classification, bool) {
	lower := strings.ToLower(text)
	for _, family := range cueWords {
		for _, w := range family.words {
			if strings.Contains(lower, w) {
				switch family.label {
				case "hook":
					return classification{label: "hook", energy: 7, direction: DirectionBuilding, notes: "grab attention immediately"}, true
				case "build":
					return classification{label: "build", energy: 6, direction: DirectionBuilding, notes: "rising momentum"}, true
				case "peak":
					return classification{label: "peak", energy: 9, direction: DirectionPeak, notes: "full arrangement"}, true
				case "resolve":
					return classification{label: "resolve", energy: 5, direction: DirectionResolving, notes: "settle the energy"}, true
				case "warm":
					return classification{label: "warm", energy: 4, direction: DirectionSustaining, notes: "soft and intimate"}, true
				case "cta":
					return classification{label: "cta", energy: 8, direction: DirectionPeak, notes: "confident close"}, true
				}
			}
		}
	}
	return classification{}, false
}

// fromPosition falls back to the sentence's fraction through the script.
func fromPosition(index, total int) classification {
	frac := 0.0
	if total > 1 {
		frac = float64(index) / float64(total-1)
	}
	switch {
	case frac < 0.2:
		return classification{label: "opening", energy: 6, direction: DirectionBuilding, notes: "set the scene"}
	case frac < 0.55:
		return classification{label: "body", energy: 6, direction: DirectionSustaining, notes: "steady groove under the message"}
	case frac < 0.75:
		return classification{label: "peak", energy: 8, direction: DirectionPeak, notes: "full arrangement"}
	case frac < 0.95:
		return classification{label: "resolution", energy: 5, direction: DirectionResolving, notes: "ease off for the close"}
	default:
		return classification{label: "cta", energy: 7, direction: DirectionPeak, notes: "confident close"}
	}
}

// Landmark keyword families for sync-point detection.
var (
	brandWords = []string{"introducing", "welcome", "meet", "discover"}
	ctaWords   = []string{"try", "get", "start", "order", "call", "visit", "download", "subscribe", "shop", "join", "book"}
)

// buildSyncPoints detects landmark sentences and snaps each to its nearest
// downbeat in music time: a brand mention early, a call to action late, and
// always the final sentence.
func buildSyncPoints(sentences []align.SentenceTiming, bp *Blueprint) []SyncPoint {
	n := len(sentences)
	if n == 0 {
		return nil
	}

	var points []SyncPoint
	add := func(kind string, voiceTS float64, action string) {
		musicTS := bp.PreRollDuration + voiceTS
		db := timing.NearestDownbeat(musicTS, bp.FinalBPM, bp.TimeSignature)
		points = append(points, SyncPoint{
			Type:            kind,
			VoiceTimestamp:  voiceTS,
			NearestDownbeat: db.Time,
			Bar:             db.Bar + 1,
			Beat:            1,
			Offset:          db.Offset,
			MusicAction:     action,
		})
	}

	for i, s := range sentences {
		lower := strings.ToLower(s.Text)
		early := float64(i) < 0.4*float64(n)
		late := float64(i) >= 0.6*float64(n)

		if early && containsAny(lower, brandWords) {
			add("brand", s.Start, "accent the brand moment")
		}
		if late && containsAny(lower, ctaWords) {
			add("cta", s.Start, "lift under the call to action")
		}
	}
	add("final", sentences[n-1].End, "land the button after the last word")

	// Detection walks sentences in order, so points are already sorted by
	// voice timestamp except that "final" uses the sentence end.
	for i := 1; i < len(points); i++ {
		for j := i; j > 0 && points[j].VoiceTimestamp < points[j-1].VoiceTimestamp; j-- {
			points[j], points[j-1] = points[j-1], points[j]
		}
	}
	return points
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
