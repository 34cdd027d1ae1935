// Package plugin defines the plugin abstraction for agent backends and the
// registry that brokers sessions between the transport and the plugins.
// A plugin exposes one or more agents; invoking an agent produces a session
// whose events are streamed back through subscriber callbacks.
package plugin

import (
	"context"
	"time"
)

// Status is the coarse, externally visible session status.
type Status string

const (
	StatusStarting        Status = "starting"
	StatusRunning         Status = "running"
	StatusWaitingForInput Status = "waiting-for-input"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
	StatusStopped         Status = "stopped"
)

// Agent is a sub-identity exposed by a plugin, e.g. a model variant.
// Agents are built once during plugin init from the manifest cross-referenced
// with configuration and never mutated afterwards.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
	Description  string   `json:"description,omitempty"`
	Enabled      bool     `json:"enabled"`
}

// Session is the public view of one live conversation with an agent.
type Session struct {
	ID                string     `json:"id"`
	AgentID           string     `json:"agent_id"`
	PluginID          string     `json:"plugin_id"`
	ProjectPath       string     `json:"project_path"`
	ResumeSessionID   string     `json:"resume_session_id,omitempty"`
	UpstreamSessionID string     `json:"upstream_session_id,omitempty"`
	Status            Status     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivity      time.Time  `json:"last_activity"`
	ExitCode          *int       `json:"exit_code,omitempty"`
	MessageCount      int        `json:"message_count"`
}

// EventType classifies session events.
type EventType string

const (
	EventOutput            EventType = "output"
	EventError             EventType = "error"
	EventComplete          EventType = "complete"
	EventStatus            EventType = "status"
	EventInit              EventType = "init"
	EventInteractivePrompt EventType = "interactive-prompt"
)

// Event is one entry in a session's event stream.
// Events are produced only after the session is registered; a complete
// event is terminal.
type Event struct {
	SessionID string      `json:"session_id"`
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// InteractivePrompt describes an interactive confirmation requested by the
// subprocess. Exactly one response is expected.
type InteractivePrompt struct {
	Kind        string         `json:"kind"` // bypass-confirm, tool-approval, file-edit, selection
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Options     []PromptOption `json:"options"`
}

// PromptOption is one selectable answer to an interactive prompt.
type PromptOption struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	IsDefault bool   `json:"is_default,omitempty"`
}

// InvokeOptions carries the parameters of an agent invocation.
type InvokeOptions struct {
	AgentID         string   `json:"agent_id"`
	ProjectPath     string   `json:"project_path"`
	Prompt          string   `json:"prompt"`
	ResumeSessionID string   `json:"resume_session_id,omitempty"`
	ForkSession     bool     `json:"fork_session,omitempty"`
	PermissionMode  string   `json:"permission_mode,omitempty"`
	// BypassMode is the legacy boolean form of PermissionMode.
	// false maps to "default"; true maps to "bypassPermissions".
	BypassMode      *bool    `json:"bypass_mode,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
}

// MessageResult is the outcome of sending a follow-up message to a session.
type MessageResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StreamCallback receives session events. Callbacks must not block; slow
// subscribers are decoupled by per-subscriber buffers on the transport side.
type StreamCallback func(Event)

// CancelFunc removes a stream subscription.
type CancelFunc func()

// Plugin is the capability set every agent backend implements.
// Registry code depends on this interface, never on a concrete variant.
type Plugin interface {
	// Name returns the unique plugin name from the manifest.
	Name() string
	// Manifest returns the plugin's static metadata.
	Manifest() *Manifest

	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// Agents returns the plugin's agents, including disabled ones.
	Agents() []Agent
	GetAgent(id string) (Agent, bool)

	// Invoke starts a new session. The returned view includes the upstream
	// session id when the subprocess reported one during startup.
	Invoke(ctx context.Context, opts InvokeOptions) (*Session, error)

	// Message sends a follow-up to a running session.
	Message(ctx context.Context, sessionID, text string) MessageResult

	// Stream subscribes to a session's events. The second return is false
	// when the session is unknown.
	Stream(sessionID string, cb StreamCallback) (CancelFunc, bool)

	// Stop terminates a session's subprocess.
	Stop(ctx context.Context, sessionID string) error

	GetSession(sessionID string) (*Session, bool)
	Sessions() []*Session
}

// PromptResponder is implemented by plugins whose sessions surface
// interactive prompts.
type PromptResponder interface {
	// Respond answers an interactive prompt with the chosen option key.
	Respond(ctx context.Context, sessionID, requestID, optionKey string) error
}
