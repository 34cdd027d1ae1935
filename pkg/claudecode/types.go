// Package claudecode provides types for the Claude CLI stream-json protocol.
// The CLI emits newline-delimited JSON on stdout; the record type determines
// which fields are populated. Control requests carry interactive permission
// prompts and are answered by writing a control_response line to the CLI.
package claudecode

import "encoding/json"

// Record types emitted by the CLI
const (
	// MessageTypeSystem is a system record; subtype "init" carries the session id
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking or tool use from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser echoes user input and tool results
	MessageTypeUser = "user"
	// MessageTypeResult is the final result record of a single-prompt run
	MessageTypeResult = "result"
	// MessageTypeControlRequest is an interactive request (permission prompt)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse answers a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeStreamEvent is a partial-message event (--include-partial-messages)
	MessageTypeStreamEvent = "stream_event"
)

// System record subtypes
const (
	// SubtypeInit is the first system record of a run
	SubtypeInit = "init"
	// SubtypeSuccess marks a successful result record
	SubtypeSuccess = "success"
)

// Permission behaviors for control responses
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// StreamRecord represents one newline-delimited JSON record from CLI stdout.
type StreamRecord struct {
	// Type is the record type (system, assistant, user, result, ...)
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// SessionID is the upstream conversation id, present on init and result
	SessionID string `json:"session_id,omitempty"`

	// For assistant and user records
	Message *MessageBody `json:"message,omitempty"`

	// For control_request records
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For result records. Result can be either a string or an object.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`

	// For system init records
	Model         string   `json:"model,omitempty"`
	CWD           string   `json:"cwd,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	SlashCommands []string `json:"slash_commands,omitempty"`

	// For stream_event records; forwarded opaquely
	Event json.RawMessage `json:"event,omitempty"`

	// Raw holds the original line for opaque forwarding
	Raw json.RawMessage `json:"-"`
}

// MessageBody contains the message payload of assistant and user records.
type MessageBody struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ResultString returns the Result field as a string when it is one.
func (r *StreamRecord) ResultString() string {
	if len(r.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Result, &s); err != nil {
		return ""
	}
	return s
}

// IsInit reports whether the record is the system/init record.
func (r *StreamRecord) IsInit() bool {
	return r.Type == MessageTypeSystem && r.Subtype == SubtypeInit
}

// ControlRequest represents an interactive request from the CLI,
// typically a tool permission prompt.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string                 `json:"tool_name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage is written to the CLI to answer a control request.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// Message provides feedback to the model on deny
	Message string `json:"message,omitempty"`
}

// Permission modes accepted by the CLI's --permission-mode flag.
const (
	PermissionModeDefault           = "default"
	PermissionModeAcceptEdits       = "acceptEdits"
	PermissionModeBypassPermissions = "bypassPermissions"
	PermissionModeDontAsk           = "dontAsk"
	PermissionModePlan              = "plan"
)

// ValidPermissionMode reports whether mode is one the CLI accepts.
func ValidPermissionMode(mode string) bool {
	switch mode {
	case PermissionModeDefault, PermissionModeAcceptEdits,
		PermissionModeBypassPermissions, PermissionModeDontAsk, PermissionModePlan:
		return true
	}
	return false
}
