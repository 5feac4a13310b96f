package domain

import (
	"testing"
	"time"
)

func TestVisibleMessagesFiltersByCurrentStage(t *testing.T) {
	s := &Session{
		CurrentStage: StageDiagnoses,
		Transcript: []Message{
			{ID: "a", Role: RoleAssistant, Stage: StageInitialAssessment},
			{ID: "b", Role: RoleUser, Stage: StageDiagnoses},
			{ID: "c", Role: RoleAssistant, Stage: StageRanking},
			{ID: "d", Role: RoleAssistant, Stage: StageSummary},
		},
	}

	visible := s.VisibleMessages()
	if len(visible) != 2 {
		t.Fatalf("expected 2 visible messages, got %d", len(visible))
	}
	if visible[0].ID != "a" || visible[1].ID != "b" {
		t.Errorf("unexpected visible messages: %+v", visible)
	}

	// Later-stage content reappears once the stage is current again.
	s.CurrentStage = StageSummary
	if got := len(s.VisibleMessages()); got != 4 {
		t.Errorf("expected all 4 messages at final stage, got %d", got)
	}
}

func TestLatestAssistantMessage(t *testing.T) {
	s := &Session{
		Transcript: []Message{
			{ID: "a", Role: RoleAssistant, Stage: StageInitialAssessment, Content: "first"},
			{ID: "b", Role: RoleUser, Stage: StageSummary, Content: "user"},
			{ID: "c", Role: RoleAssistant, Stage: StageSummary, Content: "summary"},
		},
	}

	msg := s.LatestAssistantMessage(FinalStage)
	if msg == nil || msg.ID != "c" {
		t.Fatalf("expected newest assistant message c, got %+v", msg)
	}

	msg = s.LatestAssistantMessage(StageInitialAssessment)
	if msg == nil || msg.ID != "a" {
		t.Fatalf("expected stage-bounded message a, got %+v", msg)
	}

	empty := &Session{}
	if empty.LatestAssistantMessage(FinalStage) != nil {
		t.Error("expected nil for empty transcript")
	}
}

func TestStageHelpers(t *testing.T) {
	if !StageIntake.Valid() || !FinalStage.Valid() {
		t.Error("expected boundary stages to be valid")
	}
	if Stage(6).Valid() || Stage(-1).Valid() {
		t.Error("expected out-of-range stages to be invalid")
	}
	if StageRanking.Key() != "stage3" {
		t.Errorf("expected stage3, got %q", StageRanking.Key())
	}
	if StageIntake.Next() != StageInitialAssessment {
		t.Errorf("unexpected next stage: %d", StageIntake.Next())
	}
	if FinalStage.Next() != FinalStage {
		t.Errorf("final stage must not advance, got %d", FinalStage.Next())
	}
}

func TestSessionTTL(t *testing.T) {
	s := &Session{LastSeenAt: time.Now().Add(-2 * time.Hour)}
	if got := s.SessionTTL(time.Hour); got != 0 {
		t.Errorf("expected expired session to report 0, got %v", got)
	}

	fresh := &Session{LastSeenAt: time.Now()}
	if got := fresh.SessionTTL(time.Hour); got <= 0 {
		t.Errorf("expected positive ttl, got %v", got)
	}
}
