package websocket

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/config"
	"github.com/novahq/nova/internal/gateway/rpc"
	"github.com/novahq/nova/internal/history"
	"github.com/novahq/nova/internal/plugin"
)

// InvokeParams are the parameters of agent.invoke and agent.resume. When
// plugin/agent are omitted the configured default agent is used.
type InvokeParams struct {
	Plugin          string   `json:"plugin,omitempty"`
	AgentID         string   `json:"agent_id,omitempty"`
	ProjectPath     string   `json:"project_path"`
	Prompt          string   `json:"prompt"`
	ResumeSessionID string   `json:"resume_session_id,omitempty"`
	ForkSession     bool     `json:"fork_session,omitempty"`
	PermissionMode  string   `json:"permission_mode,omitempty"`
	BypassMode      *bool    `json:"bypass_mode,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
}

// InvokeResult is the reply of agent.invoke and agent.resume.
type InvokeResult struct {
	SessionID         string        `json:"session_id"`
	UpstreamSessionID string        `json:"upstream_session_id,omitempty"`
	Status            plugin.Status `json:"status"`
	AgentID           string        `json:"agent_id"`
	PluginID          string        `json:"plugin_id"`
}

// Service binds the RPC surface to the registry, history service and config.
type Service struct {
	registry   *plugin.Registry
	history    *history.Service
	cfg        *config.Loader
	dispatcher *rpc.Dispatcher
	logger     *logger.Logger
}

// NewService creates the gateway service and registers every stateless
// method on the dispatcher. Connection-scoped methods (invoke, subscribe)
// live on the client.
func NewService(registry *plugin.Registry, hist *history.Service, cfg *config.Loader, log *logger.Logger) *Service {
	s := &Service{
		registry:   registry,
		history:    hist,
		cfg:        cfg,
		dispatcher: rpc.NewDispatcher(log),
		logger:     log.WithFields(zap.String("component", "gateway")),
	}
	s.registerMethods()
	return s
}

// Dispatch routes a stateless method call.
func (s *Service) Dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return s.dispatcher.Dispatch(ctx, method, params)
}

// Stream subscribes a callback to a session's events.
func (s *Service) Stream(sessionID string, cb plugin.StreamCallback) plugin.CancelFunc {
	return s.registry.Stream(sessionID, cb)
}

// Invoke resolves the target plugin and agent and starts a session.
func (s *Service) Invoke(ctx context.Context, params InvokeParams) (*plugin.Session, error) {
	if params.Prompt == "" {
		return nil, apperrors.ValidationError("prompt", "is required")
	}
	if params.ProjectPath == "" {
		return nil, apperrors.ValidationError("project_path", "is required")
	}

	pluginName, agentID := s.resolveTarget(params)
	if pluginName == "" {
		return nil, apperrors.BadRequest("no plugin specified and no default agent configured")
	}

	return s.registry.Invoke(ctx, pluginName, plugin.InvokeOptions{
		AgentID:         agentID,
		ProjectPath:     params.ProjectPath,
		Prompt:          params.Prompt,
		ResumeSessionID: params.ResumeSessionID,
		ForkSession:     params.ForkSession,
		PermissionMode:  params.PermissionMode,
		BypassMode:      params.BypassMode,
		AllowedTools:    params.AllowedTools,
		DisallowedTools: params.DisallowedTools,
	})
}

// resolveTarget fills in the plugin and agent, falling back to the
// configured default. An "plugin:agent" form in agent_id is split.
func (s *Service) resolveTarget(params InvokeParams) (string, string) {
	pluginName, agentID := params.Plugin, params.AgentID

	if pluginName == "" && strings.Contains(agentID, ":") {
		parts := strings.SplitN(agentID, ":", 2)
		pluginName, agentID = parts[0], parts[1]
	}
	if pluginName == "" || agentID == "" {
		defPlugin, defAgent := s.cfg.DefaultAgent()
		if pluginName == "" {
			pluginName = defPlugin
		}
		if agentID == "" {
			agentID = defAgent
		}
	}
	return pluginName, agentID
}

// pluginView is the plugin.list entry shape.
type pluginView struct {
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Source   string         `json:"source"`
	Supports []string       `json:"supports"`
	Agents   []plugin.Agent `json:"agents"`
}

func (s *Service) registerMethods() {
	d := s.dispatcher

	d.Register("plugin.list", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		plugins := s.registry.Plugins()
		out := make([]pluginView, 0, len(plugins))
		for _, p := range plugins {
			m := p.Manifest()
			supports := m.Capabilities
			if supports == nil {
				supports = []string{}
			}
			out = append(out, pluginView{
				Name:     p.Name(),
				Type:     m.Type,
				Source:   m.Source,
				Supports: supports,
				Agents:   p.Agents(),
			})
		}
		return map[string]interface{}{"plugins": out}, nil
	})

	d.Register("agent.list", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"agents": s.registry.Agents()}, nil
	})

	d.Register("session.message", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p sessionMessageParams
		if err := rpc.UnmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, apperrors.ValidationError("session_id", "is required")
		}
		return s.registry.Message(ctx, p.SessionID, p.Message), nil
	})

	d.Register("session.stop", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p sessionIDParams
		if err := rpc.UnmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, apperrors.ValidationError("session_id", "is required")
		}
		if err := s.registry.Stop(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil
	})

	d.Register("session.list", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"sessions": s.registry.Sessions()}, nil
	})

	d.Register("session.get", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p sessionIDParams
		if err := rpc.UnmarshalParams(params, &p); err != nil {
			return nil, err
		}
		sess, ok := s.registry.GetSession(p.SessionID)
		if !ok {
			return nil, apperrors.SessionNotFound(p.SessionID)
		}
		return sess, nil
	})

	d.Register("session.respond", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p respondParams
		if err := rpc.UnmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, apperrors.ValidationError("session_id", "is required")
		}
		if err := s.registry.Respond(ctx, p.SessionID, p.RequestID, p.Option); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil
	})

	d.Register("project.list", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		projects, err := s.history.ListProjects()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"projects": projects}, nil
	})

	d.Register("project.sessions", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p projectParams
		if err := rpc.UnmarshalParams(params, &p); err != nil {
			return nil, err
		}
		sessions, err := s.history.ProjectSessions(p.ProjectID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"sessions": sessions}, nil
	})

	d.Register("session.history", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p historyParams
		if err := rpc.UnmarshalParams(params, &p); err != nil {
			return nil, err
		}
		records, err := s.history.LoadHistory(p.ProjectID, p.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"records": records}, nil
	})

	d.Register("session.delete", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p historyParams
		if err := rpc.UnmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.history.DeleteSession(p.ProjectID, p.SessionID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil
	})

	d.Register("session.deleteBulk", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p bulkDeleteParams
		if err := rpc.UnmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.ProjectID == "" {
			return nil, apperrors.ValidationError("project_id", "is required")
		}
		return s.history.DeleteSessions(p.ProjectID, p.SessionIDs), nil
	})

	d.Register("system.homeDirectory", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"home_directory": s.history.HomeDirectory()}, nil
	})
}
