package plugin

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/common/tracing"
)

// Registry event names emitted to hook listeners.
const (
	HookPluginRegistered   = "plugin:registered"
	HookPluginUnregistered = "plugin:unregistered"
	HookSessionCreated     = "session:created"
	HookSessionEnded       = "session:ended"
)

// HookFunc receives registry lifecycle events.
type HookFunc func(event string, payload map[string]interface{})

// Registry is the central broker between the transport and the plugins.
// The session→plugin map is the single source of truth for routing.
type Registry struct {
	logger *logger.Logger

	mu           sync.RWMutex
	plugins      map[string]Plugin
	sessionOwner map[string]string // session id → plugin name

	hookMu sync.RWMutex
	hooks  []HookFunc
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		logger:       log.WithFields(zap.String("component", "plugin-registry")),
		plugins:      make(map[string]Plugin),
		sessionOwner: make(map[string]string),
	}
}

// OnHook registers a lifecycle hook. Hooks are called synchronously; they
// must not call back into the registry.
func (r *Registry) OnHook(fn HookFunc) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

func (r *Registry) emit(event string, payload map[string]interface{}) {
	r.hookMu.RLock()
	hooks := make([]HookFunc, len(r.hooks))
	copy(hooks, r.hooks)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(event, payload)
	}
}

// Register adds a plugin. A duplicate name replaces the previous plugin
// with a warning.
func (r *Registry) Register(p Plugin) {
	name := p.Name()

	r.mu.Lock()
	if _, exists := r.plugins[name]; exists {
		r.logger.Warn("replacing already registered plugin", zap.String("plugin", name))
	}
	r.plugins[name] = p
	r.mu.Unlock()

	r.emit(HookPluginRegistered, map[string]interface{}{"plugin": name})
}

// Unregister shuts a plugin down and removes it together with its session
// mappings. Shutdown errors are logged, not propagated.
func (r *Registry) Unregister(ctx context.Context, name string) {
	r.mu.Lock()
	p, ok := r.plugins[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("unregister of unknown plugin", zap.String("plugin", name))
		return
	}
	delete(r.plugins, name)
	for sid, owner := range r.sessionOwner {
		if owner == name {
			delete(r.sessionOwner, sid)
		}
	}
	r.mu.Unlock()

	if err := p.Shutdown(ctx); err != nil {
		r.logger.Error("plugin shutdown failed",
			zap.String("plugin", name), zap.Error(err))
	}
	r.emit(HookPluginUnregistered, map[string]interface{}{"plugin": name})
}

// Plugins returns a snapshot of the loaded plugins.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	return out
}

// GetPlugin returns a plugin by name.
func (r *Registry) GetPlugin(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// AgentRef pairs an agent with its owning plugin.
type AgentRef struct {
	Plugin string `json:"plugin"`
	Agent  Agent  `json:"agent"`
}

// Agents aggregates the enabled agents of every plugin.
func (r *Registry) Agents() []AgentRef {
	plugins := r.Plugins()
	var out []AgentRef
	for _, p := range plugins {
		for _, a := range p.Agents() {
			if !a.Enabled {
				continue
			}
			out = append(out, AgentRef{Plugin: p.Name(), Agent: a})
		}
	}
	return out
}

// Invoke starts a session on the named plugin and agent, records ownership
// and emits session:created.
func (r *Registry) Invoke(ctx context.Context, pluginName string, opts InvokeOptions) (*Session, error) {
	ctx, span := tracing.Tracer("plugin-registry").Start(ctx, "registry.invoke",
		trace.WithAttributes(
			attribute.String("plugin", pluginName),
			attribute.String("agent", opts.AgentID),
		))
	defer span.End()

	p, ok := r.GetPlugin(pluginName)
	if !ok {
		return nil, apperrors.PluginNotFound(pluginName)
	}
	agent, ok := p.GetAgent(opts.AgentID)
	if !ok {
		return nil, apperrors.AgentNotFound(pluginName, opts.AgentID)
	}
	if !agent.Enabled {
		return nil, apperrors.AgentDisabled(pluginName, opts.AgentID)
	}

	sess, err := p.Invoke(ctx, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))

	r.mu.Lock()
	r.sessionOwner[sess.ID] = pluginName
	r.mu.Unlock()

	// Drop the routing entry once the session terminates on its own.
	_, watching := p.Stream(sess.ID, func(ev Event) {
		if ev.Type == EventComplete {
			r.ReleaseSession(ev.SessionID)
		}
	})

	r.emit(HookSessionCreated, map[string]interface{}{
		"plugin":     pluginName,
		"agent":      opts.AgentID,
		"session_id": sess.ID,
	})

	if !watching {
		// The session finished before the watcher attached.
		r.ReleaseSession(sess.ID)
	}
	return sess, nil
}

// Message routes a follow-up message to the session's owning plugin.
func (r *Registry) Message(ctx context.Context, sessionID, text string) MessageResult {
	p, ok := r.ownerOf(sessionID)
	if !ok {
		return MessageResult{Success: false, Error: "unknown session: " + sessionID}
	}
	return p.Message(ctx, sessionID, text)
}

// Stream subscribes to a session's events. The returned cancel is a no-op
// when the session is unknown. Multiple subscribers are permitted.
func (r *Registry) Stream(sessionID string, cb StreamCallback) CancelFunc {
	p, ok := r.ownerOf(sessionID)
	if !ok {
		r.logger.Debug("stream subscription for unknown session",
			zap.String("session_id", sessionID))
		return func() {}
	}
	cancel, ok := p.Stream(sessionID, cb)
	if !ok {
		return func() {}
	}
	return cancel
}

// Stop terminates a session, removes its mapping and emits session:ended.
// An absent session is a warning, not an error.
func (r *Registry) Stop(ctx context.Context, sessionID string) error {
	p, ok := r.ownerOf(sessionID)
	if !ok {
		r.logger.Warn("stop of unknown session", zap.String("session_id", sessionID))
		return nil
	}

	err := p.Stop(ctx, sessionID)

	r.mu.Lock()
	delete(r.sessionOwner, sessionID)
	r.mu.Unlock()

	r.emit(HookSessionEnded, map[string]interface{}{"session_id": sessionID})
	return err
}

// Respond forwards an interactive prompt answer to the owning plugin.
func (r *Registry) Respond(ctx context.Context, sessionID, requestID, optionKey string) error {
	p, ok := r.ownerOf(sessionID)
	if !ok {
		return apperrors.SessionNotFound(sessionID)
	}
	responder, ok := p.(PromptResponder)
	if !ok {
		return apperrors.BadRequest("plugin does not support interactive prompts")
	}
	return responder.Respond(ctx, sessionID, requestID, optionKey)
}

// GetSession returns the public view of a session.
func (r *Registry) GetSession(sessionID string) (*Session, bool) {
	p, ok := r.ownerOf(sessionID)
	if !ok {
		return nil, false
	}
	return p.GetSession(sessionID)
}

// Sessions returns a snapshot of every routed session.
func (r *Registry) Sessions() []*Session {
	plugins := r.Plugins()
	var out []*Session
	for _, p := range plugins {
		out = append(out, p.Sessions()...)
	}
	return out
}

// SessionCount returns the number of routed sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessionOwner)
}

// ReleaseSession drops the session→plugin mapping once a session has
// terminated on its own. Used by plugins after their complete event.
func (r *Registry) ReleaseSession(sessionID string) {
	r.mu.Lock()
	_, existed := r.sessionOwner[sessionID]
	delete(r.sessionOwner, sessionID)
	r.mu.Unlock()
	if existed {
		r.emit(HookSessionEnded, map[string]interface{}{"session_id": sessionID})
	}
}

// Shutdown stops every plugin concurrently and clears all state regardless
// of per-plugin failure.
func (r *Registry) Shutdown(ctx context.Context) {
	plugins := r.Plugins()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range plugins {
		p := p
		g.Go(func() error {
			if err := p.Shutdown(gctx); err != nil {
				r.logger.Error("plugin shutdown failed",
					zap.String("plugin", p.Name()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	r.plugins = make(map[string]Plugin)
	r.sessionOwner = make(map[string]string)
	r.mu.Unlock()

	r.logger.Info("registry shut down", zap.Int("plugins", len(plugins)))
}

func (r *Registry) ownerOf(sessionID string) (Plugin, bool) {
	r.mu.RLock()
	owner, ok := r.sessionOwner[sessionID]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	p, ok := r.plugins[owner]
	r.mu.RUnlock()
	return p, ok
}
