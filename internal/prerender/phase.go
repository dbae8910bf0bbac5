package prerender

import (
	"errors"
	"fmt"
)

// Phase is the process-wide pipeline state.
type Phase string

// Pipeline phases. Done and Failed are terminal.
const (
	PhaseBuilding   Phase = "building"
	PhaseServing    Phase = "serving"
	PhaseCapturing  Phase = "capturing"
	PhaseRebuilding Phase = "rebuilding"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// ErrPhaseTransition is returned for a transition the state machine forbids.
var ErrPhaseTransition = errors.New("invalid phase transition")

var phaseTransitions = map[Phase][]Phase{
	PhaseBuilding:   {PhaseServing, PhaseFailed},
	PhaseServing:    {PhaseCapturing, PhaseFailed},
	PhaseCapturing:  {PhaseRebuilding, PhaseFailed},
	PhaseRebuilding: {PhaseDone, PhaseFailed},
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Phase) bool {
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseTransition, from, to)
	}
	return nil
}
