package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/drprepper/drprepper/internal/assistant"
	"github.com/drprepper/drprepper/internal/domain"
)

type fakeGenerator struct {
	reply        string
	err          error
	calls        int
	lastThread   string
	lastAssist   string
	lastPrompt   string
	emitStatuses []assistant.RunStatus
}

func (f *fakeGenerator) Generate(_ context.Context, threadID, assistantID, prompt string, onStatus func(assistant.RunStatus)) (string, error) {
	f.calls++
	f.lastThread = threadID
	f.lastAssist = assistantID
	f.lastPrompt = prompt
	for _, st := range f.emitStatuses {
		if onStatus != nil {
			onStatus(st)
		}
	}
	return f.reply, f.err
}

type fakeThreads struct {
	threadID string
	err      error
	calls    int
}

func (f *fakeThreads) CreateThread(context.Context) (string, error) {
	f.calls++
	return f.threadID, f.err
}

type recordingNotifier struct {
	statuses []assistant.RunStatus
	messages []domain.Message
}

func (n *recordingNotifier) RunStatus(_ string, _ domain.Stage, status assistant.RunStatus) {
	n.statuses = append(n.statuses, status)
}

func (n *recordingNotifier) MessageAppended(_ string, msg domain.Message) {
	n.messages = append(n.messages, msg)
}

var testAssistants = map[string]string{
	"stage1": "asst_one",
	"stage2": "asst_two",
	"stage3": "asst_three",
	"stage4": "asst_four",
	"stage5": "asst_five",
}

func newTestOrchestrator(gen Generator, threads ThreadCreator, notify Notifier) *Orchestrator {
	o := NewOrchestrator(gen, threads, testAssistants, notify, slog.New(slog.NewTextHandler(io.Discard, nil)))
	id := 0
	o.newID = func() string {
		id++
		return string(rune('a' + id - 1))
	}
	o.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return o
}

func TestHandleIntakeCreatesThreadAndAdvances(t *testing.T) {
	gen := &fakeGenerator{reply: "Initial assessment. Do you consent?"}
	threads := &fakeThreads{threadID: "thread_123"}
	o := newTestOrchestrator(gen, threads, nil)
	s := &domain.Session{UserID: "anon_1"}

	msg, err := o.Handle(context.Background(), s, SubmitIntake{Intake: domain.Intake{HealthIssue: "fatigue", BirthYear: 1990}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if threads.calls != 1 {
		t.Errorf("expected one thread creation, got %d", threads.calls)
	}
	if s.ThreadID != "thread_123" {
		t.Errorf("expected thread id persisted on session, got %q", s.ThreadID)
	}
	if gen.lastAssist != "asst_one" {
		t.Errorf("expected stage1 assistant, got %q", gen.lastAssist)
	}
	if s.CurrentStage != domain.StageInitialAssessment || s.MaxStageReached != domain.StageInitialAssessment {
		t.Errorf("expected stage pointers 1/1, got %d/%d", s.CurrentStage, s.MaxStageReached)
	}
	if s.Intake == nil || s.Intake.HealthIssue != "fatigue" {
		t.Errorf("expected intake stored on session, got %+v", s.Intake)
	}
	if msg == nil || msg.Role != domain.RoleAssistant || msg.Content != gen.reply {
		t.Fatalf("expected assistant reply message, got %+v", msg)
	}
	if len(s.Transcript) != 1 {
		t.Errorf("intake must append only the assistant reply, got %d messages", len(s.Transcript))
	}
}

func TestHandleChatEchoSurvivesFailure(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("provider overloaded")}
	o := newTestOrchestrator(gen, &fakeThreads{}, nil)
	s := &domain.Session{
		UserID:          "anon_1",
		ThreadID:        "thread_123",
		CurrentStage:    domain.StageDiagnoses,
		MaxStageReached: domain.StageDiagnoses,
		Intake:          &domain.Intake{HealthIssue: "cough"},
	}

	_, err := o.Handle(context.Background(), s, SubmitChat{Text: "could this be allergies?"})
	if err == nil {
		t.Fatal("expected error from failed generation")
	}

	if s.CurrentStage != domain.StageDiagnoses || s.MaxStageReached != domain.StageDiagnoses {
		t.Errorf("stage pointers must not move on failure, got %d/%d", s.CurrentStage, s.MaxStageReached)
	}
	if len(s.Transcript) != 1 {
		t.Fatalf("expected the echoed user message to survive, got %d messages", len(s.Transcript))
	}
	if s.Transcript[0].Role != domain.RoleUser || s.Transcript[0].Content != "could this be allergies?" {
		t.Errorf("unexpected surviving message: %+v", s.Transcript[0])
	}
}

func TestHandleContinueFailureLeavesStage(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("timeout")}
	o := newTestOrchestrator(gen, &fakeThreads{}, nil)
	s := &domain.Session{
		UserID:          "anon_1",
		ThreadID:        "thread_123",
		CurrentStage:    domain.StageDiagnoses,
		MaxStageReached: domain.StageDiagnoses,
		Intake:          &domain.Intake{},
	}

	_, err := o.Handle(context.Background(), s, Continue{})
	if err == nil {
		t.Fatal("expected error")
	}
	if s.CurrentStage != domain.StageDiagnoses {
		t.Errorf("failed unlock must not advance the stage, got %d", s.CurrentStage)
	}
	if len(s.Transcript) != 0 {
		t.Errorf("failed unlock must not append messages, got %d", len(s.Transcript))
	}
}

func TestHandleContinueUsesNextStageAssistant(t *testing.T) {
	gen := &fakeGenerator{reply: "Summary for Stage 3: Probability of Diagnoses: ..."}
	o := newTestOrchestrator(gen, &fakeThreads{}, nil)
	s := &domain.Session{
		UserID:          "anon_1",
		ThreadID:        "thread_123",
		CurrentStage:    domain.StageDiagnoses,
		MaxStageReached: domain.StageDiagnoses,
		Intake:          &domain.Intake{},
	}

	msg, err := o.Handle(context.Background(), s, Continue{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gen.lastAssist != "asst_three" {
		t.Errorf("expected stage3 assistant, got %q", gen.lastAssist)
	}
	if !strings.Contains(gen.lastPrompt, "Current stage: stage3.") {
		t.Errorf("prompt missing stage3 header: %q", gen.lastPrompt)
	}
	if s.CurrentStage != domain.StageRanking || s.MaxStageReached != domain.StageRanking {
		t.Errorf("expected stage pointers 3/3, got %d/%d", s.CurrentStage, s.MaxStageReached)
	}
	if msg.Stage != domain.StageRanking {
		t.Errorf("reply must be tagged with the unlocked stage, got %d", msg.Stage)
	}
}

func TestHandleNavigationSkipsGenerator(t *testing.T) {
	gen := &fakeGenerator{}
	o := newTestOrchestrator(gen, &fakeThreads{}, nil)
	s := &domain.Session{
		UserID:          "anon_1",
		CurrentStage:    domain.StageTreatment,
		MaxStageReached: domain.StageTreatment,
		Intake:          &domain.Intake{},
	}

	msg, err := o.Handle(context.Background(), s, SelectStage{Stage: domain.StageDiagnoses})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil {
		t.Errorf("navigation must not produce a message, got %+v", msg)
	}
	if gen.calls != 0 {
		t.Errorf("navigation must not call the generator, got %d calls", gen.calls)
	}
	if s.CurrentStage != domain.StageDiagnoses || s.MaxStageReached != domain.StageDiagnoses {
		t.Errorf("expected backward navigation to reset max, got %d/%d", s.CurrentStage, s.MaxStageReached)
	}
}

func TestHandleNotifiesStatusAndMessages(t *testing.T) {
	gen := &fakeGenerator{
		reply:        "assessment",
		emitStatuses: []assistant.RunStatus{assistant.StatusQueued, assistant.StatusInProgress, assistant.StatusCompleted},
	}
	notify := &recordingNotifier{}
	o := newTestOrchestrator(gen, &fakeThreads{threadID: "thread_1"}, notify)
	s := &domain.Session{
		UserID:          "anon_1",
		CurrentStage:    domain.StageInitialAssessment,
		MaxStageReached: domain.StageInitialAssessment,
		Intake:          &domain.Intake{},
	}

	if _, err := o.Handle(context.Background(), s, SubmitChat{Text: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(notify.statuses) != 3 || notify.statuses[2] != assistant.StatusCompleted {
		t.Errorf("expected 3 relayed statuses ending in completed, got %v", notify.statuses)
	}
	// User echo plus assistant reply.
	if len(notify.messages) != 2 {
		t.Fatalf("expected 2 message notifications, got %d", len(notify.messages))
	}
	if notify.messages[0].Role != domain.RoleUser || notify.messages[1].Role != domain.RoleAssistant {
		t.Errorf("unexpected notification order: %v then %v", notify.messages[0].Role, notify.messages[1].Role)
	}
}

func TestHandleThreadCreationFailure(t *testing.T) {
	gen := &fakeGenerator{}
	threads := &fakeThreads{err: errors.New("api unavailable")}
	o := newTestOrchestrator(gen, threads, nil)
	s := &domain.Session{UserID: "anon_1"}

	_, err := o.Handle(context.Background(), s, SubmitIntake{Intake: domain.Intake{}})
	if err == nil {
		t.Fatal("expected error")
	}
	if gen.calls != 0 {
		t.Errorf("generator must not run without a thread, got %d calls", gen.calls)
	}
	if s.CurrentStage != domain.StageIntake {
		t.Errorf("stage must stay at intake, got %d", s.CurrentStage)
	}
}

func TestHandleReusesExistingThread(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	threads := &fakeThreads{threadID: "thread_new"}
	o := newTestOrchestrator(gen, threads, nil)
	s := &domain.Session{
		UserID:          "anon_1",
		ThreadID:        "thread_existing",
		CurrentStage:    domain.StageInitialAssessment,
		MaxStageReached: domain.StageInitialAssessment,
		Intake:          &domain.Intake{},
	}

	if _, err := o.Handle(context.Background(), s, SubmitChat{Text: "hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if threads.calls != 0 {
		t.Errorf("existing thread must be reused, got %d create calls", threads.calls)
	}
	if gen.lastThread != "thread_existing" {
		t.Errorf("expected generation on existing thread, got %q", gen.lastThread)
	}
}
