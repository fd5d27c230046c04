// Package llm generates the ad-production blueprint from a natural-language
// brief via an LLM, with a deterministic fallback when the provider is
// unavailable.
package llm

import (
	"context"

	"github.com/adforge/adforge/internal/blueprint"
)

// Brief is the user's production request.
type Brief struct {
	Prompt          string  `json:"prompt"`
	DurationSeconds float64 `json:"durationSeconds"`
	Tone            string  `json:"tone"`
}

// MusicSpec is the blueprint's music guidance.
type MusicSpec struct {
	TargetBPM         float64                     `json:"targetBPM"`
	Genre             string                      `json:"genre"`
	Mood              string                      `json:"mood"`
	Arc               []blueprint.ArcSegment      `json:"arc"`
	ButtonEnding      bool                        `json:"buttonEnding"`
	MusicalStructure  *blueprint.MusicalStructure `json:"musicalStructure"`
	Instrumentation   []string                    `json:"instrumentation"`
	ComposerDirection string                      `json:"composerDirection"`
}

// Cue is the per-sentence mixing guidance.
type Cue struct {
	MusicVolumeMultiplier float64 `json:"musicVolumeMultiplier"`
	MusicalFunction       string  `json:"musicalFunction"`
}

// Fades are the voice fade suggestions.
type Fades struct {
	In    float64 `json:"in"`
	Out   float64 `json:"out"`
	Curve string  `json:"curve"`
}

// Volume holds the suggested track levels.
type Volume struct {
	Voice float64 `json:"voice"`
	Music float64 `json:"music"`
}

// AdBlueprint is the structured plan the LLM returns.
type AdBlueprint struct {
	Script  string `json:"script"`
	Context struct {
		DurationSeconds float64 `json:"durationSeconds"`
		AdCategory      string  `json:"adCategory"`
	} `json:"context"`
	Music        MusicSpec `json:"music"`
	SentenceCues []Cue     `json:"sentenceCues"`
	Fades        Fades     `json:"fades"`
	Volume       Volume    `json:"volume"`
}

// Generator produces an ad blueprint from a brief.
type Generator interface {
	Generate(ctx context.Context, brief Brief) (*AdBlueprint, error)
}
