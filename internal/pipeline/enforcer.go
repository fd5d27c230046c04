package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/adforge/adforge/internal/audio"
)

// Duration-enforcement thresholds. The TTS phase aims the voice at the ad
// duration minus a margin for pre/post-roll breathing room; the mix phase
// only reins in overruns.
const (
	voiceTargetMargin = 2.5  // seconds reserved around the voice
	voiceRatioLow     = 0.80 // engage when actual/target leaves this band
	voiceRatioHigh    = 1.12
	mixOverrunRatio   = 1.05
)

// Enforcer keeps the ad inside its target duration, at TTS time and again
// after the final mix.
type Enforcer struct {
	proc audio.Processor
}

// NewEnforcer creates a duration enforcer over the audio toolchain.
func NewEnforcer(proc audio.Processor) *Enforcer {
	return &Enforcer{proc: proc}
}

// EnforceVoice time-scales a rendered voice toward adDuration - margin when
// it is badly off. Returns the path to use (the original when no scaling
// was needed or the clamp refused) and the resulting duration.
func (e *Enforcer) EnforceVoice(ctx context.Context, path string, actual, adDuration float64, out string) (string, float64, bool, error) {
	target := adDuration - voiceTargetMargin
	if target <= 0 || actual <= 0 {
		return path, actual, false, nil
	}
	ratio := actual / target
	if ratio >= voiceRatioLow && ratio <= voiceRatioHigh {
		return path, actual, false, nil
	}

	// Aim for the target, but never ask for a stretch outside the clamp.
	scaled := target
	if r := actual / scaled; r > audio.MaxStretchRatio {
		scaled = actual / audio.MaxStretchRatio
	} else if r < audio.MinStretchRatio {
		scaled = actual / audio.MinStretchRatio
	}

	if err := e.proc.StretchToDuration(ctx, path, scaled, out); err != nil {
		if errors.Is(err, audio.ErrScalingRefused) {
			return path, actual, false, err
		}
		return "", 0, false, fmt.Errorf("voice duration enforcement: %w", err)
	}
	return out, scaled, true, nil
}

// EnforceMix time-scales the final mix when it overruns the ad duration by
// more than 5%. A refused scaling keeps the original; the caller logs it.
func (e *Enforcer) EnforceMix(ctx context.Context, path string, actual, adDuration float64, out string) (string, float64, bool, error) {
	if adDuration <= 0 || actual <= adDuration*mixOverrunRatio {
		return path, actual, false, nil
	}

	scaled := adDuration
	if r := actual / scaled; r > audio.MaxStretchRatio {
		scaled = actual / audio.MaxStretchRatio
	}

	if err := e.proc.StretchToDuration(ctx, path, scaled, out); err != nil {
		if errors.Is(err, audio.ErrScalingRefused) {
			return path, actual, false, err
		}
		return "", 0, false, fmt.Errorf("mix duration enforcement: %w", err)
	}
	return out, scaled, true, nil
}
