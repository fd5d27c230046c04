package blueprint

import (
	"fmt"
	"strings"
)

// maxPromptChars bounds the composition prompt for the music provider.
const maxPromptChars = 1000

// compositionPrompt renders the plan as text for the text-to-music
// provider. The output is deterministic for identical inputs.
func compositionPrompt(in Input, bp *Blueprint, ending EndingType) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%.0f BPM, %d/%d", bp.FinalBPM, bp.TimeSignature.BeatsPerBar, bp.TimeSignature.NoteValue)
	if in.Mood != "" {
		fmt.Fprintf(&b, ", %s mood", in.Mood)
	}
	if in.Structure != nil && in.Structure.Key != "" {
		fmt.Fprintf(&b, ", key of %s", in.Structure.Key)
	}
	fmt.Fprintf(&b, ". %d bars, %.1f seconds total.\n", bp.TotalBars, bp.TotalDuration)

	genre := in.Genre
	if genre == "" {
		genre = "modern corporate"
	}
	fmt.Fprintf(&b, "%s. Instrumental only, no vocals.\n", genre)

	if len(in.Instrumentation) > 0 {
		fmt.Fprintf(&b, "Instrumentation: %s. Leave 1-4 kHz clear for voice.\n", strings.Join(in.Instrumentation, ", "))
	} else {
		b.WriteString("Leave 1-4 kHz clear for voice.\n")
	}

	for _, s := range bp.Sections {
		fmt.Fprintf(&b, "Bars %d-%d: %s. %s energy, %s. %s\n",
			s.StartBar, s.EndBar, s.Name, energyWord(s.EnergyLevel), s.Direction, s.InstrumentationNotes)
	}

	if in.ComposerDirection != "" {
		fmt.Fprintf(&b, "Notes: %s\n", in.ComposerDirection)
	}

	b.WriteString(endingDirective(ending))
	b.WriteString("\nContinuous flowing music. Smooth transitions between sections.")

	out := b.String()
	if len(out) > maxPromptChars {
		out = truncatePrompt(out)
	}
	return out
}

func endingDirective(ending EndingType) string {
	switch ending {
	case EndingSustain:
		return "End on a sustained chord held to the final bar."
	case EndingStinger:
		return "End with a short stinger hit on the final downbeat."
	case EndingDecay:
		return "End with a natural decay across the final bar."
	default:
		return "End with a definitive button: a clean hit on the final downbeat, no fade."
	}
}

func energyWord(level int) string {
	switch {
	case level <= 3:
		return "low"
	case level <= 5:
		return "moderate"
	case level <= 7:
		return "high"
	default:
		return "maximum"
	}
}

// truncatePrompt trims whole lines from the middle, keeping the header and
// the closing directives intact.
func truncatePrompt(s string) string {
	lines := strings.Split(s, "\n")
	if len(lines) < 4 {
		if len(s) > maxPromptChars {
			return s[:maxPromptChars]
		}
		return s
	}
	tail := strings.Join(lines[len(lines)-2:], "\n")
	out := ""
	for _, line := range lines[:len(lines)-2] {
		if len(out)+len(line)+1+len(tail)+1 > maxPromptChars {
			break
		}
		out += line + "\n"
	}
	return out + tail
}
