package claudecli

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/config"
	"github.com/novahq/nova/internal/plugin"
)

// EntryName is the manifest entry this package's factory is registered under.
const EntryName = "claude-cli"

// RegisterFactory hooks this plugin into the loader.
func RegisterFactory(l *plugin.Loader) {
	l.RegisterFactory(EntryName, func(m *plugin.Manifest, cfg *config.Loader, log *logger.Logger) (plugin.Plugin, error) {
		return New(m, cfg, log), nil
	})
}

// CLIPlugin drives the Claude CLI. Each invocation spawns one subprocess
// session in single-prompt mode; follow-ups resume by upstream session id.
type CLIPlugin struct {
	manifest *plugin.Manifest
	cfg      *config.Loader
	logger   *logger.Logger

	mu       sync.RWMutex
	agents   []plugin.Agent
	sessions map[string]*Session
}

var _ plugin.Plugin = (*CLIPlugin)(nil)
var _ plugin.PromptResponder = (*CLIPlugin)(nil)

// New creates the plugin from its manifest. Agents are materialized during
// Initialize.
func New(m *plugin.Manifest, cfg *config.Loader, log *logger.Logger) *CLIPlugin {
	return &CLIPlugin{
		manifest: m,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("plugin", m.Name)),
		sessions: make(map[string]*Session),
	}
}

// Name returns the plugin name from the manifest.
func (p *CLIPlugin) Name() string { return p.manifest.Name }

// Manifest returns the plugin's static metadata.
func (p *CLIPlugin) Manifest() *plugin.Manifest { return p.manifest }

// Initialize builds the agent list by crossing manifest declarations with
// per-agent configuration. Disabled agents stay listed but are not invokable.
func (p *CLIPlugin) Initialize(ctx context.Context) error {
	agents := make([]plugin.Agent, 0, len(p.manifest.Agents))
	for _, decl := range p.manifest.Agents {
		agents = append(agents, plugin.Agent{
			ID:           decl.ID,
			Name:         decl.Name,
			Capabilities: decl.Capabilities,
			Description:  decl.Description,
			Enabled:      p.cfg.IsAgentEnabled(p.manifest.Name, decl.ID),
		})
	}

	p.mu.Lock()
	p.agents = agents
	p.mu.Unlock()

	p.logger.Info("claude-cli plugin initialized", zap.Int("agents", len(agents)))
	return nil
}

// Agents returns all declared agents, disabled ones included.
func (p *CLIPlugin) Agents() []plugin.Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]plugin.Agent, len(p.agents))
	copy(out, p.agents)
	return out
}

// GetAgent returns an agent by id.
func (p *CLIPlugin) GetAgent(id string) (plugin.Agent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.agents {
		if a.ID == id {
			return a, true
		}
	}
	return plugin.Agent{}, false
}

// Invoke spawns a new CLI session. The session is inserted into the map
// before the subprocess starts so concurrent lookups during startup resolve;
// a failed start removes it again.
func (p *CLIPlugin) Invoke(ctx context.Context, opts plugin.InvokeOptions) (*plugin.Session, error) {
	id := uuid.NewString()
	sess := NewSession(id, p.manifest.Name, opts, p.logger)
	sess.SetReleaseHook(func(sessionID string) {
		p.mu.Lock()
		delete(p.sessions, sessionID)
		p.mu.Unlock()
	})

	p.mu.Lock()
	p.sessions[id] = sess
	p.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		p.mu.Lock()
		delete(p.sessions, id)
		p.mu.Unlock()
		return nil, apperrors.Wrap(err, "failed to start claude session")
	}

	return sess.View(), nil
}

// Message sends a follow-up to a session.
func (p *CLIPlugin) Message(ctx context.Context, sessionID, text string) plugin.MessageResult {
	sess, ok := p.session(sessionID)
	if !ok {
		return plugin.MessageResult{
			Success: false,
			Error:   "session has completed; create a new session with resume_session_id",
		}
	}
	return sess.Message(text)
}

// Stream subscribes to a session's event stream.
func (p *CLIPlugin) Stream(sessionID string, cb plugin.StreamCallback) (plugin.CancelFunc, bool) {
	sess, ok := p.session(sessionID)
	if !ok {
		return nil, false
	}
	return sess.Subscribe(cb), true
}

// Stop terminates a session's subprocess.
func (p *CLIPlugin) Stop(ctx context.Context, sessionID string) error {
	sess, ok := p.session(sessionID)
	if !ok {
		return apperrors.SessionNotFound(sessionID)
	}
	return sess.Stop(ctx)
}

// Respond answers a pending interactive prompt.
func (p *CLIPlugin) Respond(ctx context.Context, sessionID, requestID, optionKey string) error {
	sess, ok := p.session(sessionID)
	if !ok {
		return apperrors.SessionNotFound(sessionID)
	}
	return sess.Respond(requestID, optionKey)
}

// GetSession returns the public view of a session.
func (p *CLIPlugin) GetSession(sessionID string) (*plugin.Session, bool) {
	sess, ok := p.session(sessionID)
	if !ok {
		return nil, false
	}
	return sess.View(), true
}

// Sessions returns the public views of all live sessions.
func (p *CLIPlugin) Sessions() []*plugin.Session {
	p.mu.RLock()
	live := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		live = append(live, s)
	}
	p.mu.RUnlock()

	out := make([]*plugin.Session, 0, len(live))
	for _, s := range live {
		out = append(out, s.View())
	}
	return out
}

// Shutdown stops every live session concurrently.
func (p *CLIPlugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	live := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		live = append(live, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	if len(live) == 0 {
		return nil
	}
	p.logger.Info("stopping claude sessions", zap.Int("count", len(live)))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range live {
		s := s
		g.Go(func() error {
			return s.Stop(gctx)
		})
	}
	return g.Wait()
}

func (p *CLIPlugin) session(id string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}
