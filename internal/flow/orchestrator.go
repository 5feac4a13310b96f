package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/drprepper/drprepper/internal/assistant"
	"github.com/drprepper/drprepper/internal/domain"
)

// Generator drives one remote run to completion. Implemented by the
// assistant poller.
type Generator interface {
	Generate(ctx context.Context, threadID, assistantID, prompt string, onStatus func(assistant.RunStatus)) (string, error)
}

// ThreadCreator lazily provisions the remote conversation thread.
type ThreadCreator interface {
	CreateThread(ctx context.Context) (string, error)
}

// Notifier receives live progress events for a user's in-flight run.
type Notifier interface {
	RunStatus(userID string, stage domain.Stage, status assistant.RunStatus)
	MessageAppended(userID string, msg domain.Message)
}

type noopNotifier struct{}

func (noopNotifier) RunStatus(string, domain.Stage, assistant.RunStatus) {}
func (noopNotifier) MessageAppended(string, domain.Message)              {}

// Orchestrator owns session mutation. Handle applies exactly one event to a
// session: either the full stage-move-plus-append succeeds, or nothing beyond
// the user's own echoed input is retained.
type Orchestrator struct {
	gen        Generator
	threads    ThreadCreator
	assistants map[string]string
	notify     Notifier
	logger     *slog.Logger

	newID func() string
	now   func() time.Time
}

// NewOrchestrator creates an orchestrator. assistants maps stage keys
// ("stage1".."stage5") to assistant IDs. notify may be nil.
func NewOrchestrator(gen Generator, threads ThreadCreator, assistants map[string]string, notify Notifier, logger *slog.Logger) *Orchestrator {
	if notify == nil {
		notify = noopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		gen:        gen,
		threads:    threads,
		assistants: assistants,
		notify:     notify,
		logger:     logger,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Handle applies one event to the session. It returns the assistant reply
// appended by the event, if any. On remote failure the stage pointers are
// left untouched; an already-echoed user message remains in the transcript as
// a visible but unanswered entry.
func (o *Orchestrator) Handle(ctx context.Context, s *domain.Session, ev Event) (*domain.Message, error) {
	decision, err := Decide(s, ev)
	if err != nil {
		return nil, err
	}

	switch decision.Kind {
	case ActionNone:
		return nil, nil
	case ActionNavigate:
		s.CurrentStage = decision.TargetStage
		s.MaxStageReached = decision.TargetMax
		s.UpdatedAt = o.now()
		o.logger.Info("stage navigation",
			"user_id", s.UserID,
			"current_stage", int(s.CurrentStage),
			"max_stage", int(s.MaxStageReached))
		return nil, nil
	case ActionInvoke:
		return o.invoke(ctx, s, decision, ev)
	default:
		return nil, fmt.Errorf("unhandled decision kind %d", decision.Kind)
	}
}

func (o *Orchestrator) invoke(ctx context.Context, s *domain.Session, d Decision, ev Event) (*domain.Message, error) {
	assistantID, ok := o.assistants[d.StageKey]
	if !ok {
		return nil, fmt.Errorf("no assistant configured for %s", d.StageKey)
	}

	if s.ThreadID == "" {
		threadID, err := o.threads.CreateThread(ctx)
		if err != nil {
			return nil, fmt.Errorf("create thread: %w", err)
		}
		s.ThreadID = threadID
		o.logger.Info("thread created", "user_id", s.UserID, "thread_id", threadID)
	}

	// The user's own words are echoed before the remote call and survive a
	// failed run.
	if d.EchoUser {
		userMsg := domain.Message{
			ID:        o.newID(),
			Role:      domain.RoleUser,
			Stage:     d.MessageStage,
			Content:   d.UserText,
			CreatedAt: o.now(),
		}
		s.Append(userMsg)
		o.notify.MessageAppended(s.UserID, userMsg)
	}

	reply, err := o.gen.Generate(ctx, s.ThreadID, assistantID, d.Prompt, func(status assistant.RunStatus) {
		o.notify.RunStatus(s.UserID, d.MessageStage, status)
	})
	if err != nil {
		o.logger.Error("assistant run failed",
			"user_id", s.UserID,
			"stage", d.StageKey,
			"error", err)
		return nil, err
	}

	// Commit: stage pointers move only once a reply exists.
	s.CurrentStage = d.TargetStage
	s.MaxStageReached = d.TargetMax

	// The intake decision is the only event that also sets the intake record.
	if intake, ok := ev.(SubmitIntake); ok {
		saved := intake.Intake
		s.Intake = &saved
	}

	assistantMsg := domain.Message{
		ID:        o.newID(),
		Role:      domain.RoleAssistant,
		Stage:     d.MessageStage,
		Content:   reply,
		CreatedAt: o.now(),
	}
	s.Append(assistantMsg)
	s.UpdatedAt = o.now()
	o.notify.MessageAppended(s.UserID, assistantMsg)

	o.logger.Info("assistant reply appended",
		"user_id", s.UserID,
		"stage", d.StageKey,
		"reply_length", len(reply))
	return &assistantMsg, nil
}
