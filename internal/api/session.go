package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/drprepper/drprepper/internal/assistant"
	"github.com/drprepper/drprepper/internal/config"
	"github.com/drprepper/drprepper/internal/domain"
	"github.com/drprepper/drprepper/internal/export"
	"github.com/drprepper/drprepper/internal/flow"
	"github.com/drprepper/drprepper/internal/identity"
	"github.com/drprepper/drprepper/internal/store"
)

// maxRequestBodySize is the maximum allowed request body size (64KB). Chat
// messages and the intake form are small.
const maxRequestBodySize = 64 << 10

var validate = validator.New()

// eventLocks serializes event handling per user: one session mutation in
// flight at a time.
var eventLocks sync.Map

// SessionHandler handles the guided-flow endpoints.
type SessionHandler struct {
	repo    store.Repository
	orch    *flow.Orchestrator
	limiter *RateLimiter
	cfg     *config.Config
}

// NewSessionHandler creates a session handler. ctx bounds the lifetime of the
// rate limiter's eviction goroutine.
func NewSessionHandler(ctx context.Context, repo store.Repository, orch *flow.Orchestrator, cfg *config.Config) *SessionHandler {
	return &SessionHandler{
		repo:    repo,
		orch:    orch,
		limiter: NewRateLimiter(ctx, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		cfg:     cfg,
	}
}

// RegisterRoutes registers the flow routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.GetSession)
		r.Get("/config", h.GetConfig)
		r.Post("/disclaimer", h.AcceptDisclaimer)
		r.Post("/intake", h.SubmitIntake)
		r.Post("/chat", h.Chat)
		r.Post("/continue", h.Continue)
		r.Post("/stage", h.SelectStage)
		r.Get("/export", h.Export)
	})
}

// IntakeRequest is the onboarding form payload.
type IntakeRequest struct {
	HealthIssue        string `json:"health_issue" validate:"required"`
	IssueDuration      string `json:"issue_duration" validate:"required"`
	ResolutionAttempts string `json:"resolution_attempts" validate:"required"`
	FamilyHistory      string `json:"family_history" validate:"required"`
	BirthYear          int    `json:"birth_year" validate:"required,min=1900,max=2023"`
	ExerciseHabits     string `json:"exercise_habits" validate:"required"`
	DietRating         int    `json:"diet_rating" validate:"required,min=1,max=10"`
	SleepHours         int    `json:"sleep_hours" validate:"min=0,max=24"`
}

// ChatRequest is a free-text chat message.
type ChatRequest struct {
	Message string `json:"message"`
}

// StageRequest selects a sidebar stage.
type StageRequest struct {
	Stage int `json:"stage"`
}

type stageView struct {
	Stage int    `json:"stage"`
	Title string `json:"title"`
	State string `json:"state"` // current | open | locked
}

type sessionView struct {
	CurrentStage       int              `json:"current_stage"`
	MaxStageReached    int              `json:"max_stage_reached"`
	DisclaimerAccepted bool             `json:"disclaimer_accepted"`
	IntakeSubmitted    bool             `json:"intake_submitted"`
	CanExport          bool             `json:"can_export"`
	Stages             []stageView      `json:"stages"`
	Messages           []domain.Message `json:"messages"`
}

func viewOf(s *domain.Session) sessionView {
	stages := make([]stageView, 0, int(domain.FinalStage)+1)
	for n := domain.StageIntake; n <= domain.FinalStage; n++ {
		state := "locked"
		switch {
		case n == s.CurrentStage:
			state = "current"
		case n <= s.MaxStageReached:
			state = "open"
		}
		stages = append(stages, stageView{Stage: int(n), Title: n.Title(), State: state})
	}
	return sessionView{
		CurrentStage:       int(s.CurrentStage),
		MaxStageReached:    int(s.MaxStageReached),
		DisclaimerAccepted: s.DisclaimerAccepted,
		IntakeSubmitted:    s.HasIntake(),
		CanExport:          s.CurrentStage == domain.FinalStage,
		Stages:             stages,
		Messages:           s.VisibleMessages(),
	}
}

func (h *SessionHandler) loadSession(w http.ResponseWriter, r *http.Request) *domain.Session {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	session, err := h.repo.GetSession(r.Context(), userID)
	if err != nil || session == nil {
		slog.Error("failed to load session", "error", err, "user_id", userID)
		Error(w, http.StatusUnauthorized, "session not found")
		return nil
	}
	return session
}

// GetSession returns the session's visible state.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session := h.loadSession(w, r)
	if session == nil {
		return
	}
	if err := h.repo.UpdateLastSeen(r.Context(), session.UserID, time.Now()); err != nil {
		slog.Warn("failed to update last seen", "error", err, "user_id", session.UserID)
	}
	JSON(w, http.StatusOK, viewOf(session))
}

// GetConfig returns server configuration for the frontend.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"run_timeout_seconds": int(h.cfg.RunTimeout.Seconds()),
		"final_stage":         int(domain.FinalStage),
	})
}

// AcceptDisclaimer marks the session's disclaimer as accepted. Every other
// flow endpoint is gated on it.
func (h *SessionHandler) AcceptDisclaimer(w http.ResponseWriter, r *http.Request) {
	session := h.loadSession(w, r)
	if session == nil {
		return
	}
	session.DisclaimerAccepted = true
	if err := h.repo.UpsertSession(r.Context(), session); err != nil {
		slog.Error("failed to persist disclaimer", "error", err, "user_id", session.UserID)
		Error(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	JSON(w, http.StatusOK, viewOf(session))
}

// SubmitIntake validates the onboarding form and triggers the Stage 1
// assessment.
func (h *SessionHandler) SubmitIntake(w http.ResponseWriter, r *http.Request) {
	var req IntakeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		Error(w, http.StatusBadRequest, "invalid intake: "+err.Error())
		return
	}

	h.handleEvent(w, r, flow.SubmitIntake{Intake: domain.Intake{
		HealthIssue:        req.HealthIssue,
		IssueDuration:      req.IssueDuration,
		ResolutionAttempts: req.ResolutionAttempts,
		FamilyHistory:      req.FamilyHistory,
		BirthYear:          req.BirthYear,
		ExerciseHabits:     req.ExerciseHabits,
		DietRating:         req.DietRating,
		SleepHours:         req.SleepHours,
	}}, true)
}

// Chat forwards a user message to the current stage's assistant.
func (h *SessionHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	h.handleEvent(w, r, flow.SubmitChat{Text: req.Message}, true)
}

// Continue advances to the next stage, generating its summary when the stage
// is unlocked for the first time.
func (h *SessionHandler) Continue(w http.ResponseWriter, r *http.Request) {
	h.handleEvent(w, r, flow.Continue{}, true)
}

// SelectStage jumps to an already-reached stage.
func (h *SessionHandler) SelectStage(w http.ResponseWriter, r *http.Request) {
	var req StageRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.handleEvent(w, r, flow.SelectStage{Stage: domain.Stage(req.Stage)}, false)
}

// Export renders the final summary as a PDF download.
func (h *SessionHandler) Export(w http.ResponseWriter, r *http.Request) {
	session := h.loadSession(w, r)
	if session == nil {
		return
	}
	if !session.DisclaimerAccepted {
		Error(w, http.StatusForbidden, "disclaimer not accepted")
		return
	}
	if session.CurrentStage != domain.FinalStage {
		Error(w, http.StatusBadRequest, "summary is only available at the final stage")
		return
	}

	summary := session.LatestAssistantMessage(domain.FinalStage)
	if summary == nil {
		Error(w, http.StatusNotFound, "no summary available to download")
		return
	}

	pdf, err := export.Summary(summary.Content)
	if err != nil {
		slog.Error("failed to render summary document", "error", err, "user_id", session.UserID)
		Error(w, http.StatusInternalServerError, "document generation failed")
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		slog.Warn("failed to write document response", "error", err, "user_id", session.UserID)
	}
}

func (h *SessionHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// handleEvent runs one orchestrator event for the session, persisting
// whatever the event appended even when the remote call failed: stage
// pointers roll back but the user's echoed message survives.
func (h *SessionHandler) handleEvent(w http.ResponseWriter, r *http.Request, ev flow.Event, remote bool) {
	session := h.loadSession(w, r)
	if session == nil {
		return
	}
	if !session.DisclaimerAccepted {
		Error(w, http.StatusForbidden, "disclaimer not accepted")
		return
	}

	if remote && !h.limiter.Allow(session.UserID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// The mutex stays in the map for the user's lifetime: removing it here
	// would let two late requests obtain different mutexes for the same user.
	lock, _ := eventLocks.LoadOrStore(session.UserID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("event already in progress", "user_id", session.UserID)
		Error(w, http.StatusConflict, "another request is in progress")
		return
	}
	defer mutex.Unlock()

	prevLen := len(session.Transcript)
	_, eventErr := h.orch.Handle(r.Context(), session, ev)

	h.persist(session, prevLen)

	if eventErr != nil {
		status, message := eventErrorResponse(eventErr)
		Error(w, status, message)
		return
	}
	JSON(w, http.StatusOK, viewOf(session))
}

func (h *SessionHandler) persist(session *domain.Session, prevLen int) {
	// Persist with a fresh context: the request may already be cancelled and
	// an echoed user message must not be lost.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.repo.AppendMessages(ctx, session.UserID, session.Transcript[prevLen:]); err != nil {
		slog.Error("failed to persist transcript", "error", err, "user_id", session.UserID)
	}
	session.LastSeenAt = time.Now()
	if err := h.repo.UpsertSession(ctx, session); err != nil {
		slog.Error("failed to persist session", "error", err, "user_id", session.UserID)
	}
}

func eventErrorResponse(err error) (int, string) {
	var runFailed *assistant.RunFailedError
	switch {
	case errors.Is(err, flow.ErrIntakeAlreadySubmitted):
		return http.StatusConflict, err.Error()
	case errors.Is(err, flow.ErrIntakeRequired),
		errors.Is(err, flow.ErrEmptyMessage),
		errors.Is(err, flow.ErrStageLocked),
		errors.Is(err, flow.ErrAtFinalStage):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, assistant.ErrTimeout):
		return http.StatusGatewayTimeout, "response generation timed out, please try again"
	case errors.As(err, &runFailed):
		return http.StatusBadGateway, runFailed.Error()
	default:
		return http.StatusBadGateway, "assistant request failed"
	}
}
