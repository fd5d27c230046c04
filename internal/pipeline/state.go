package pipeline

import (
	"fmt"

	"github.com/adforge/adforge/internal/store"
)

// StateEvent is something that happened to a production.
type StateEvent string

const (
	EventScriptReady   StateEvent = "script_ready"
	EventVoiceReady    StateEvent = "voice_ready"
	EventMusicReady    StateEvent = "music_ready"
	EventAnalysisDone  StateEvent = "analysis_done"
	EventAlignmentDone StateEvent = "alignment_done"
	EventMixDone       StateEvent = "mix_done"
	EventMeasured      StateEvent = "measured"
	EventAdjusted      StateEvent = "adjusted"
	EventFinalized     StateEvent = "finalized"
	EventFailed        StateEvent = "failed"
	EventCancelled     StateEvent = "cancelled"
)

// transitions is the single source of truth for the production lifecycle.
var transitions = map[store.Status]map[StateEvent]store.Status{
	store.StatusPending: {
		EventScriptReady: store.StatusScript,
	},
	store.StatusScript: {
		EventVoiceReady: store.StatusVoice,
	},
	store.StatusVoice: {
		EventMusicReady: store.StatusMusic,
	},
	store.StatusMusic: {
		EventAnalysisDone: store.StatusAnalyzing,
	},
	store.StatusAnalyzing: {
		EventAlignmentDone: store.StatusAligning,
	},
	store.StatusAligning: {
		EventMixDone: store.StatusMixing,
	},
	store.StatusMixing: {
		EventMeasured: store.StatusMeasuring,
		// Without loudness normalization the mix finalizes directly.
		EventFinalized: store.StatusCompleted,
	},
	store.StatusMeasuring: {
		EventAdjusted:  store.StatusAdjusting,
		EventFinalized: store.StatusCompleted,
	},
	store.StatusAdjusting: {
		EventFinalized: store.StatusCompleted,
	},
}

// Transition computes the next status for an event. Every non-terminal
// state accepts failure and cancellation; anything else not in the table is
// an invalid transition.
func Transition(state store.Status, event StateEvent) (store.Status, error) {
	if state.Terminal() {
		return state, fmt.Errorf("no transitions from terminal state %s", state)
	}
	switch event {
	case EventFailed:
		return store.StatusFailed, nil
	case EventCancelled:
		return store.StatusCancelled, nil
	}
	if next, ok := transitions[state][event]; ok {
		return next, nil
	}
	return state, fmt.Errorf("event %s not valid in state %s", event, state)
}

// progressFor is the reported completion percentage entering each status.
var progressFor = map[store.Status]int{
	store.StatusScript:    20,
	store.StatusVoice:     40,
	store.StatusMusic:     60,
	store.StatusAnalyzing: 65,
	store.StatusAligning:  70,
	store.StatusMixing:    80,
	store.StatusMeasuring: 85,
	store.StatusAdjusting: 90,
	store.StatusCompleted: 100,
}
