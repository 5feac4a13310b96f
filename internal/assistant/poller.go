package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTimeout is returned when a run does not reach a terminal state within
// the configured budget.
var ErrTimeout = errors.New("run polling timed out")

// RunFailedError is returned when the provider reports a failed run.
type RunFailedError struct {
	Detail string
}

func (e *RunFailedError) Error() string {
	return "run failed: " + e.Detail
}

// ToolFunc handles a single tool call. It receives the raw JSON arguments and
// returns the serialized output to submit back to the run.
type ToolFunc func(ctx context.Context, args json.RawMessage) string

// Poller drives a remote run to completion with a bounded wait-and-retry
// loop. It is the only component that blocks; the sleep and clock are
// injectable so tests can simulate timeouts without real waiting.
type Poller struct {
	api      API
	tools    map[string]ToolFunc
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// PollerConfig holds poller tuning knobs.
type PollerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// NewPoller creates a poller over the given API.
func NewPoller(api API, cfg PollerConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Poller{
		api:      api,
		tools:    make(map[string]ToolFunc),
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// RegisterTool binds a local handler to a remote function name.
func (p *Poller) RegisterTool(name string, fn ToolFunc) {
	p.tools[name] = fn
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// AwaitCompletion polls the run until it completes, fails, or the time budget
// is exhausted. On completion it returns the newest assistant message on the
// thread. onStatus, if non-nil, is invoked for every observed status change.
func (p *Poller) AwaitCompletion(ctx context.Context, threadID, runID string, onStatus func(RunStatus)) (string, error) {
	deadline := p.now().Add(p.timeout)
	var lastStatus RunStatus

	for {
		run, err := p.api.GetRun(ctx, threadID, runID)
		if err != nil {
			return "", fmt.Errorf("get run: %w", err)
		}

		if run.Status != lastStatus {
			lastStatus = run.Status
			p.logger.Debug("run status changed", "thread_id", threadID, "run_id", runID, "status", run.Status)
			if onStatus != nil {
				onStatus(run.Status)
			}
		}

		switch {
		case run.Status == StatusCompleted:
			return p.latestAssistantReply(ctx, threadID)
		case run.Status == StatusFailed, run.Status == StatusCancelled, run.Status == StatusExpired:
			detail := string(run.Status)
			if run.LastError != nil {
				detail = run.LastError.Message
			}
			return "", &RunFailedError{Detail: detail}
		case run.Status == StatusRequiresAction && run.RequiredAction != nil:
			if err := p.handleRequiredAction(ctx, run); err != nil {
				return "", err
			}
			// Submitted outputs restart the run; fall through to the wait.
		}

		if !p.now().Add(p.interval).Before(deadline) {
			return "", ErrTimeout
		}
		if err := p.sleep(ctx, p.interval); err != nil {
			return "", err
		}
	}
}

// handleRequiredAction dispatches each pending tool call to its registered
// handler and submits the results. An unknown function name is answered with
// a structured error payload instead of aborting the run.
func (p *Poller) handleRequiredAction(ctx context.Context, run *Run) error {
	calls := run.RequiredAction.SubmitToolOutputs.ToolCalls
	outputs := make([]ToolOutput, 0, len(calls))

	for _, call := range calls {
		name := call.Function.Name
		fn, ok := p.tools[name]
		if !ok {
			p.logger.Warn("unknown tool function requested", "run_id", run.ID, "function", name)
			payload, _ := json.Marshal(map[string]string{"error": "unknown function: " + name})
			outputs = append(outputs, ToolOutput{ToolCallID: call.ID, Output: string(payload)})
			continue
		}
		p.logger.Info("dispatching tool call", "run_id", run.ID, "function", name)
		outputs = append(outputs, ToolOutput{ToolCallID: call.ID, Output: fn(ctx, json.RawMessage(call.Function.Arguments))})
	}

	if err := p.api.SubmitToolOutputs(ctx, run.ThreadID, run.ID, outputs); err != nil {
		return fmt.Errorf("submit tool outputs: %w", err)
	}
	return nil
}

func (p *Poller) latestAssistantReply(ctx context.Context, threadID string) (string, error) {
	messages, err := p.api.ListMessages(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	// Messages come newest first; the first assistant entry is the reply.
	for _, msg := range messages {
		if msg.Role == "assistant" {
			return msg.Text(), nil
		}
	}
	return "", errors.New("run completed but no assistant message found")
}

// Generate runs the full remote pipeline for one prompt: append the prompt to
// the thread, start a run with the given assistant, and await its completion.
func (p *Poller) Generate(ctx context.Context, threadID, assistantID, prompt string, onStatus func(RunStatus)) (string, error) {
	if err := p.api.PostMessage(ctx, threadID, "user", prompt); err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	run, err := p.api.CreateRun(ctx, threadID, assistantID)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return p.AwaitCompletion(ctx, threadID, run.ID, onStatus)
}
