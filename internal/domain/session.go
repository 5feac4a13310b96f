package domain

import "time"

// Session is the per-user state of the guided flow. It is mutated only by the
// orchestrator, one event at a time.
type Session struct {
	UserID             string
	ThreadID           string
	CurrentStage       Stage
	MaxStageReached    Stage
	DisclaimerAccepted bool
	Intake             *Intake
	Transcript         []Message
	LastSeenAt         time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasIntake reports whether the onboarding form has been submitted.
func (s *Session) HasIntake() bool {
	return s.Intake != nil
}

// Append adds a message to the transcript.
func (s *Session) Append(msg Message) {
	s.Transcript = append(s.Transcript, msg)
}

// VisibleMessages returns the transcript filtered to messages whose stage is
// at or below the current stage. Backward navigation hides "future" content
// without deleting it.
func (s *Session) VisibleMessages() []Message {
	visible := make([]Message, 0, len(s.Transcript))
	for _, msg := range s.Transcript {
		if msg.Stage <= s.CurrentStage {
			visible = append(visible, msg)
		}
	}
	return visible
}

// LatestAssistantMessage returns the most recent assistant message at or below
// the given stage, or nil if there is none.
func (s *Session) LatestAssistantMessage(maxStage Stage) *Message {
	for i := len(s.Transcript) - 1; i >= 0; i-- {
		msg := s.Transcript[i]
		if msg.Role == RoleAssistant && msg.Stage <= maxStage {
			return &msg
		}
	}
	return nil
}

// SessionTTL returns the time until the session expires given the idle
// duration budget. Returns 0 if already expired.
func (s *Session) SessionTTL(idle time.Duration) time.Duration {
	expiresAt := s.LastSeenAt.Add(idle)
	ttl := time.Until(expiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}
