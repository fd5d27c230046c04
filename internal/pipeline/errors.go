// Package pipeline drives one production through its stages: script, voice,
// blueprint, music, analysis, alignment, mixing, loudness, and duration
// enforcement.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adforge/adforge/internal/align"
	"github.com/adforge/adforge/internal/analysis"
	"github.com/adforge/adforge/internal/audio"
	"github.com/adforge/adforge/internal/tts"
)

// Kind classifies a pipeline error for retry and degradation decisions.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindAuth                Kind = "AUTH"
	KindQuota               Kind = "QUOTA"
	KindTimeout             Kind = "TIMEOUT"
	KindTransientProvider   Kind = "TRANSIENT_PROVIDER"
	KindAnalysisFailed      Kind = "ANALYSIS_FAILED"
	KindAlignmentInfeasible Kind = "ALIGNMENT_INFEASIBLE"
	KindAlignmentMismatch   Kind = "ALIGNMENT_MISMATCH"
	KindScalingRefused      Kind = "SCALING_REFUSED"
	KindLoudnessMeasure     Kind = "LOUDNESS_MEASURE_FAILED"
	KindStageStuck          Kind = "STAGE_STUCK"
	KindConfigMissing       Kind = "CONFIG_MISSING"
	KindCancelled           Kind = "CANCELLED"
	KindInternal            Kind = "INTERNAL"
)

// retryableKinds may heal on another attempt.
var retryableKinds = map[Kind]bool{
	KindTimeout:           true,
	KindTransientProvider: true,
	KindInternal:          true,
}

// StageError ties an error to the stage and kind that produced it.
type StageError struct {
	Stage   string
	Kind    Kind
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s %s: %v", e.Stage, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s %s", e.Stage, e.Kind, e.Message)
}

func (e *StageError) Unwrap() error { return e.Err }

// Retryable implements the queue's retry contract.
func (e *StageError) Retryable() bool { return retryableKinds[e.Kind] }

func stageErr(stage string, kind Kind, msg string, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Message: msg, Err: err}
}

// classify maps a provider or toolchain error to its kind.
func classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, analysis.ErrAnalysisFailed):
		return KindAnalysisFailed
	case errors.Is(err, align.ErrAlignmentInfeasible):
		return KindAlignmentInfeasible
	case errors.Is(err, align.ErrAlignmentMismatch):
		return KindAlignmentMismatch
	case errors.Is(err, audio.ErrScalingRefused):
		return KindScalingRefused
	case errors.Is(err, audio.ErrLoudnessMeasure):
		return KindLoudnessMeasure
	}

	var authErr *tts.AuthError
	if errors.As(err, &authErr) {
		return KindAuth
	}
	var re *tts.RetryableError
	if errors.As(err, &re) {
		if re.StatusCode == 429 {
			return KindQuota
		}
		return KindTransientProvider
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "llm auth"):
		return KindAuth
	case strings.Contains(msg, "llm quota"):
		return KindQuota
	}
	return KindInternal
}

// escalateTimeout turns the second consecutive timeout on one job into the
// fatal STAGE_STUCK kind.
func escalateTimeout(kind Kind, previousError string) Kind {
	if kind == KindTimeout && strings.Contains(previousError, string(KindTimeout)) {
		return KindStageStuck
	}
	return kind
}
