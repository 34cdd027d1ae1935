package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
)

// fakePlugin is an in-memory Plugin for registry tests.
type fakePlugin struct {
	name     string
	agents   []Agent
	shutdown bool

	mu        sync.Mutex
	sessions  map[string]*Session
	callbacks map[string][]StreamCallback
	nextID    int
}

func newFakePlugin(name string, agents ...Agent) *fakePlugin {
	return &fakePlugin{
		name:      name,
		agents:    agents,
		sessions:  make(map[string]*Session),
		callbacks: make(map[string][]StreamCallback),
	}
}

func (f *fakePlugin) Name() string        { return f.name }
func (f *fakePlugin) Manifest() *Manifest { return &Manifest{Name: f.name, Type: "llm", Source: SourceCLI} }

func (f *fakePlugin) Initialize(context.Context) error { return nil }

func (f *fakePlugin) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func (f *fakePlugin) Agents() []Agent { return f.agents }

func (f *fakePlugin) GetAgent(id string) (Agent, bool) {
	for _, a := range f.agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

func (f *fakePlugin) Invoke(_ context.Context, opts InvokeOptions) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sess := &Session{
		ID:       f.name + "-session",
		AgentID:  opts.AgentID,
		PluginID: f.name,
		Status:   StatusRunning,
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakePlugin) Message(_ context.Context, sessionID, _ string) MessageResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return MessageResult{Success: false, Error: "unknown session"}
	}
	return MessageResult{Success: true}
}

func (f *fakePlugin) Stream(sessionID string, cb StreamCallback) (CancelFunc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, false
	}
	f.callbacks[sessionID] = append(f.callbacks[sessionID], cb)
	return func() {}, true
}

func (f *fakePlugin) emit(ev Event) {
	f.mu.Lock()
	cbs := append([]StreamCallback(nil), f.callbacks[ev.SessionID]...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (f *fakePlugin) Stop(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakePlugin) GetSession(sessionID string) (*Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	return s, ok
}

func (f *fakePlugin) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return NewRegistry(log)
}

func TestRegistryInvokeUnknownPlugin(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Invoke(context.Background(), "ghost", InvokeOptions{AgentID: "a"})
	require.Error(t, err)
	assert.Equal(t, apperrors.RPCPluginNotFound, apperrors.GetRPCCode(err))
}

func TestRegistryInvokeUnknownAgent(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(newFakePlugin("p1", Agent{ID: "a1", Enabled: true}))

	_, err := r.Invoke(context.Background(), "p1", InvokeOptions{AgentID: "nope"})
	require.Error(t, err)
	assert.Equal(t, apperrors.RPCAgentNotFound, apperrors.GetRPCCode(err))
}

func TestRegistryInvokeDisabledAgent(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(newFakePlugin("p1", Agent{ID: "a1", Enabled: false}))

	_, err := r.Invoke(context.Background(), "p1", InvokeOptions{AgentID: "a1"})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrCodeAgentDisabled, appErr.Code)
	assert.Equal(t, apperrors.RPCAgentNotFound, appErr.RPCCode)
}

func TestRegistrySessionRouting(t *testing.T) {
	r := newTestRegistry(t)
	p := newFakePlugin("p1", Agent{ID: "a1", Enabled: true})
	r.Register(p)

	sess, err := r.Invoke(context.Background(), "p1", InvokeOptions{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.SessionCount())

	got, ok := r.GetSession(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "a1", got.AgentID)

	res := r.Message(context.Background(), sess.ID, "hello")
	assert.True(t, res.Success)

	res = r.Message(context.Background(), "missing", "hello")
	assert.False(t, res.Success)

	require.NoError(t, r.Stop(context.Background(), sess.ID))
	assert.Equal(t, 0, r.SessionCount())
}

func TestRegistryReleasesOnComplete(t *testing.T) {
	r := newTestRegistry(t)
	p := newFakePlugin("p1", Agent{ID: "a1", Enabled: true})
	r.Register(p)

	ended := make(chan string, 1)
	r.OnHook(func(event string, payload map[string]interface{}) {
		if event == HookSessionEnded {
			ended <- payload["session_id"].(string)
		}
	})

	sess, err := r.Invoke(context.Background(), "p1", InvokeOptions{AgentID: "a1"})
	require.NoError(t, err)

	p.emit(Event{SessionID: sess.ID, Type: EventComplete, Timestamp: time.Now()})

	select {
	case id := <-ended:
		assert.Equal(t, sess.ID, id)
	case <-time.After(time.Second):
		t.Fatal("session:ended hook not fired")
	}
	assert.Equal(t, 0, r.SessionCount())
}

func TestRegistryAgentsFiltersDisabled(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(newFakePlugin("p1",
		Agent{ID: "on", Enabled: true},
		Agent{ID: "off", Enabled: false},
	))

	agents := r.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "on", agents[0].Agent.ID)
	assert.Equal(t, "p1", agents[0].Plugin)
}

func TestRegistryStopUnknownSessionIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	assert.NoError(t, r.Stop(context.Background(), "ghost"))
}

func TestRegistryStreamUnknownSession(t *testing.T) {
	r := newTestRegistry(t)
	cancel := r.Stream("ghost", func(Event) {})
	require.NotNil(t, cancel)
	cancel()
}

func TestRegistryShutdown(t *testing.T) {
	r := newTestRegistry(t)
	p1 := newFakePlugin("p1")
	p2 := newFakePlugin("p2")
	r.Register(p1)
	r.Register(p2)

	r.Shutdown(context.Background())

	assert.True(t, p1.shutdown)
	assert.True(t, p2.shutdown)
	assert.Empty(t, r.Plugins())
	assert.Equal(t, 0, r.SessionCount())
}

func TestRegistryDuplicateRegisterReplaces(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(newFakePlugin("p1"))
	second := newFakePlugin("p1", Agent{ID: "a2", Enabled: true})
	r.Register(second)

	got, ok := r.GetPlugin("p1")
	require.True(t, ok)
	assert.Len(t, got.Agents(), 1)
}
