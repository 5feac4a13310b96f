package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/drprepper/drprepper/internal/domain"
)

var (
	// ErrIntakeAlreadySubmitted is returned when the intake form is submitted
	// past Stage 0.
	ErrIntakeAlreadySubmitted = errors.New("intake already submitted")
	// ErrIntakeRequired is returned for chat-stage events before the intake
	// form has been submitted.
	ErrIntakeRequired = errors.New("intake form not yet submitted")
	// ErrEmptyMessage is returned for a blank chat message.
	ErrEmptyMessage = errors.New("message is required")
	// ErrStageLocked is returned for navigation to a stage that has not been
	// reached yet, or back to the intake form.
	ErrStageLocked = errors.New("stage is not available")
	// ErrAtFinalStage is returned for Continue at the last stage.
	ErrAtFinalStage = errors.New("already at the final stage")
)

// diagnosesMarker identifies the assistant message carrying the diagnosis
// list, which the ranking stage re-feeds as context.
const diagnosesMarker = "Possible Diagnoses:"

// stageInstructions is the fixed per-stage instruction text embedded in every
// prompt.
var stageInstructions = map[domain.Stage]string{
	domain.StageInitialAssessment: "Provide an initial assessment based on the user's information.",
	domain.StageDiagnoses:         "Determine the top 5 possible diagnoses based on the information provided.",
	domain.StageRanking:           "Analyze the 5 possible diagnoses and rank them from most to least likely. Use your knowledge and the context provided to estimate probabilities. Present this in a markdown table format. Do not use any external data sources.",
	domain.StageTreatment:         "Provide the top 3 treatment options for each diagnosis based on general medical knowledge.",
	domain.StageSummary:           "Summarize all information for the doctor.",
}

// ActionKind classifies what a decision requires.
type ActionKind int

const (
	// ActionNone means the event is a no-op.
	ActionNone ActionKind = iota
	// ActionNavigate means only the stage pointers move; no remote call.
	ActionNavigate
	// ActionInvoke means the remote assistant pipeline must run.
	ActionInvoke
)

// Decision is the pure outcome of handling one event: where the stage
// pointers should end up and, for invocations, what to send to which
// assistant. The orchestrator commits stage movements only after a successful
// remote reply.
type Decision struct {
	Kind ActionKind

	// Stage pointers after the event succeeds.
	TargetStage domain.Stage
	TargetMax   domain.Stage

	// Remote invocation (ActionInvoke only).
	StageKey     string       // assistant lookup key
	Prompt       string       // full synthesized prompt
	MessageStage domain.Stage // stage tag for appended messages
	EchoUser     bool         // append the raw user text before invoking
	UserText     string
}

// Decide maps a session state and an event to a decision. It performs no I/O
// and never mutates the session.
func Decide(s *domain.Session, ev Event) (Decision, error) {
	switch e := ev.(type) {
	case SubmitIntake:
		return decideIntake(s, e)
	case SubmitChat:
		return decideChat(s, e)
	case Continue:
		return decideContinue(s)
	case SelectStage:
		return decideSelect(s, e)
	default:
		return Decision{}, fmt.Errorf("unknown event type %T", ev)
	}
}

func decideIntake(s *domain.Session, e SubmitIntake) (Decision, error) {
	if s.CurrentStage != domain.StageIntake || s.HasIntake() {
		return Decision{}, ErrIntakeAlreadySubmitted
	}

	serialized, err := json.Marshal(e.Intake)
	if err != nil {
		return Decision{}, fmt.Errorf("serialize intake: %w", err)
	}
	input := fmt.Sprintf("User information: %s. Please provide an initial assessment based on this information and ask for the user's consent to proceed.", serialized)

	stage := domain.StageInitialAssessment
	return Decision{
		Kind:         ActionInvoke,
		TargetStage:  stage,
		TargetMax:    stage,
		StageKey:     stage.Key(),
		Prompt:       buildPrompt(stage, input, ""),
		MessageStage: stage,
	}, nil
}

func decideChat(s *domain.Session, e SubmitChat) (Decision, error) {
	if s.CurrentStage == domain.StageIntake {
		return Decision{}, ErrIntakeRequired
	}
	if strings.TrimSpace(e.Text) == "" {
		return Decision{}, ErrEmptyMessage
	}

	stage := s.CurrentStage
	return Decision{
		Kind:         ActionInvoke,
		TargetStage:  stage,
		TargetMax:    s.MaxStageReached,
		StageKey:     stage.Key(),
		Prompt:       buildPrompt(stage, e.Text, diagnosesContext(s, stage)),
		MessageStage: stage,
		EchoUser:     true,
		UserText:     e.Text,
	}, nil
}

func decideContinue(s *domain.Session) (Decision, error) {
	if s.CurrentStage == domain.StageIntake {
		return Decision{}, ErrIntakeRequired
	}
	if s.CurrentStage < s.MaxStageReached {
		// Already-generated stage: pure navigation, no remote call.
		return Decision{
			Kind:        ActionNavigate,
			TargetStage: s.CurrentStage.Next(),
			TargetMax:   s.MaxStageReached,
		}, nil
	}
	if s.CurrentStage >= domain.FinalStage {
		return Decision{}, ErrAtFinalStage
	}

	next := s.CurrentStage.Next()
	input := fmt.Sprintf("Provide a summary for %s. Start your summary with 'Summary for %s:'", next.Title(), next.Title())
	return Decision{
		Kind:         ActionInvoke,
		TargetStage:  next,
		TargetMax:    next,
		StageKey:     next.Key(),
		Prompt:       buildPrompt(next, input, diagnosesContext(s, next)),
		MessageStage: next,
	}, nil
}

func decideSelect(s *domain.Session, e SelectStage) (Decision, error) {
	n := e.Stage
	if !n.Valid() || n == domain.StageIntake {
		return Decision{}, ErrStageLocked
	}
	if n > s.MaxStageReached {
		return Decision{}, ErrStageLocked
	}
	if n == s.CurrentStage {
		return Decision{Kind: ActionNone, TargetStage: n, TargetMax: s.MaxStageReached}, nil
	}
	if n < s.CurrentStage {
		// Backward navigation reopens the branch: later stages are re-locked.
		return Decision{Kind: ActionNavigate, TargetStage: n, TargetMax: n}, nil
	}
	// Forward within already-reached stages.
	return Decision{Kind: ActionNavigate, TargetStage: n, TargetMax: s.MaxStageReached}, nil
}

// buildPrompt assembles the fixed prompt shape sent for every invocation.
func buildPrompt(stage domain.Stage, userInput, context string) string {
	return fmt.Sprintf("%sCurrent stage: %s. Instructions: %s. User input: %s",
		context, stage.Key(), stageInstructions[stage], userInput)
}

// diagnosesContext returns the ranking stage's context prefix: the most
// recent assistant message carrying the diagnosis list. Stage-local
// retrieval, not a general memory mechanism.
func diagnosesContext(s *domain.Session, stage domain.Stage) string {
	if stage != domain.StageRanking {
		return ""
	}
	for i := len(s.Transcript) - 1; i >= 0; i-- {
		msg := s.Transcript[i]
		if msg.Role == domain.RoleAssistant && strings.Contains(msg.Content, diagnosesMarker) {
			return fmt.Sprintf("Previous diagnoses:\n%s\n\n", msg.Content)
		}
	}
	return ""
}
