// Package assistant implements the client for the hosted assistants API and
// the run-completion polling loop.
package assistant

// RunStatus is the lifecycle state of a remote run.
type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusCancelled      RunStatus = "cancelled"
	StatusExpired        RunStatus = "expired"
)

// Terminal reports whether the run has reached a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Run is the remote run resource.
type Run struct {
	ID             string          `json:"id"`
	ThreadID       string          `json:"thread_id"`
	Status         RunStatus       `json:"status"`
	LastError      *RunError       `json:"last_error,omitempty"`
	RequiredAction *RequiredAction `json:"required_action,omitempty"`
}

// RunError carries the provider's failure detail for a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RequiredAction describes tool calls the run is blocked on.
type RequiredAction struct {
	Type              string `json:"type"`
	SubmitToolOutputs struct {
		ToolCalls []ToolCall `json:"tool_calls"`
	} `json:"submit_tool_outputs"`
}

// ToolCall is a single pending function invocation requested by the run.
// Arguments arrives as a JSON string whose content is itself JSON.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToolOutput is the serialized result submitted back for one tool call.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// ThreadMessage is a message stored on the remote thread. The list endpoint
// returns messages newest first.
type ThreadMessage struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	CreatedAt int64            `json:"created_at"`
	Content   []MessageContent `json:"content"`
}

// MessageContent is one content block of a thread message.
type MessageContent struct {
	Type string `json:"type"`
	Text *struct {
		Value string `json:"value"`
	} `json:"text,omitempty"`
}

// Text returns the first text block of the message, or "".
func (m ThreadMessage) Text() string {
	for _, c := range m.Content {
		if c.Type == "text" && c.Text != nil {
			return c.Text.Value
		}
	}
	return ""
}
