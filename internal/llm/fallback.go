package llm

import (
	"fmt"
	"strings"

	"github.com/adforge/adforge/internal/blueprint"
)

// Fallback builds a deterministic blueprint from the brief alone, used when
// the provider rejects the request (quota, schema-invalid output). The ad
// still ships; a warning note records the downgrade.
func Fallback(brief Brief) *AdBlueprint {
	duration := brief.DurationSeconds
	if duration <= 0 {
		duration = 30
	}

	bp := &AdBlueprint{
		Script: fallbackScript(brief),
		Music: MusicSpec{
			TargetBPM:    100,
			Genre:        "modern corporate",
			Mood:         fallbackMood(brief.Tone),
			ButtonEnding: true,
			Arc: []blueprint.ArcSegment{
				{Label: "hook", StartSecond: 0, EndSecond: duration * 0.25, Energy: 7, Prompt: "bright opening motif"},
				{Label: "build", StartSecond: duration * 0.25, EndSecond: duration * 0.55, Energy: 6, Prompt: "layered momentum"},
				{Label: "peak", StartSecond: duration * 0.55, EndSecond: duration * 0.8, Energy: 8, Prompt: "full arrangement"},
				{Label: "cta", StartSecond: duration * 0.8, EndSecond: duration, Energy: 7, Prompt: "confident close"},
			},
			MusicalStructure: &blueprint.MusicalStructure{
				IntroBars:  2,
				OutroBars:  1,
				EndingType: blueprint.EndingButton,
			},
			Instrumentation: []string{"piano", "soft synth pads", "light percussion"},
		},
		Fades:  Fades{In: 0.05, Out: 1.5, Curve: "qsin"},
		Volume: Volume{Voice: 1.0, Music: 0.3},
	}
	bp.Context.DurationSeconds = duration
	bp.Context.AdCategory = "general"
	return bp
}

// fallbackScript writes a serviceable four-sentence ad around the brief's
// subject. Deterministic: same brief, same script.
func fallbackScript(brief Brief) string {
	subject := strings.TrimSpace(brief.Prompt)
	if subject == "" {
		subject = "our product"
	}
	return fmt.Sprintf(
		"Here is something worth your attention: %s. Built with care and made for every day. Quality you can hear, feel, and trust. Try it today.",
		subject)
}

func fallbackMood(tone string) string {
	tone = strings.ToLower(strings.TrimSpace(tone))
	if tone == "" {
		return "upbeat"
	}
	return tone
}
