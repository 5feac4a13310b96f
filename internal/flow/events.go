// Package flow implements the stage orchestrator: the state machine that
// decides, for each user event, which assistant to invoke, what prompt to
// send, and how the stage pointers move.
package flow

import "github.com/drprepper/drprepper/internal/domain"

// Event is a user action handled by the orchestrator.
type Event interface {
	isEvent()
}

// SubmitIntake submits the onboarding form. Allowed only at Stage 0.
type SubmitIntake struct {
	Intake domain.Intake
}

// SubmitChat sends a free-text chat message at the current stage.
type SubmitChat struct {
	Text string
}

// Continue advances to the next stage, unlocking it if necessary.
type Continue struct{}

// SelectStage jumps to an already-reached stage from the sidebar.
type SelectStage struct {
	Stage domain.Stage
}

func (SubmitIntake) isEvent() {}
func (SubmitChat) isEvent()   {}
func (Continue) isEvent()     {}
func (SelectStage) isEvent()  {}
