package websocket

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/config"
	"github.com/novahq/nova/internal/gateway/rpc"
	"github.com/novahq/nova/internal/history"
	"github.com/novahq/nova/internal/plugin"
)

// stubPlugin is a minimal in-memory plugin for gateway tests.
type stubPlugin struct {
	name     string
	agents   []plugin.Agent
	mu       sync.Mutex
	sessions map[string]*plugin.Session
	streams  map[string][]*stubStream
}

type stubStream struct {
	cb        plugin.StreamCallback
	cancelled bool
}

func newStubPlugin(name string, agents ...plugin.Agent) *stubPlugin {
	return &stubPlugin{
		name:     name,
		agents:   agents,
		sessions: make(map[string]*plugin.Session),
		streams:  make(map[string][]*stubStream),
	}
}

// emit delivers an event to every live subscription of a session.
func (s *stubPlugin) emit(sessionID string, ev plugin.Event) {
	s.mu.Lock()
	subs := make([]*stubStream, 0)
	for _, sub := range s.streams[sessionID] {
		if !sub.cancelled {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.cb(ev)
	}
}

// activeStreams counts the subscriptions that have not been cancelled.
func (s *stubPlugin) activeStreams(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.streams[sessionID] {
		if !sub.cancelled {
			n++
		}
	}
	return n
}

func (s *stubPlugin) Name() string { return s.name }
func (s *stubPlugin) Manifest() *plugin.Manifest {
	return &plugin.Manifest{
		Name: s.name, Type: "llm", Source: plugin.SourceCLI,
		Capabilities: []string{"chat"},
	}
}
func (s *stubPlugin) Initialize(context.Context) error { return nil }
func (s *stubPlugin) Shutdown(context.Context) error   { return nil }
func (s *stubPlugin) Agents() []plugin.Agent           { return s.agents }
func (s *stubPlugin) GetAgent(id string) (plugin.Agent, bool) {
	for _, a := range s.agents {
		if a.ID == id {
			return a, true
		}
	}
	return plugin.Agent{}, false
}

func (s *stubPlugin) Invoke(_ context.Context, opts plugin.InvokeOptions) (*plugin.Session, error) {
	sess := &plugin.Session{
		ID:                "sess-1",
		AgentID:           opts.AgentID,
		PluginID:          s.name,
		UpstreamSessionID: "up-1",
		Status:            plugin.StatusRunning,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess, nil
}

func (s *stubPlugin) Message(_ context.Context, sessionID, _ string) plugin.MessageResult {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return plugin.MessageResult{Success: false, Error: "unknown session"}
	}
	return plugin.MessageResult{Success: true}
}

func (s *stubPlugin) Stream(sessionID string, cb plugin.StreamCallback) (plugin.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, false
	}
	sub := &stubStream{cb: cb}
	s.streams[sessionID] = append(s.streams[sessionID], sub)
	return func() {
		s.mu.Lock()
		sub.cancelled = true
		s.mu.Unlock()
	}, true
}

func (s *stubPlugin) Stop(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *stubPlugin) GetSession(sessionID string) (*plugin.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

func (s *stubPlugin) Sessions() []*plugin.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*plugin.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *stubPlugin, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	base := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(base, config.ConfigFileName),
		[]byte(`{"defaults": {"agent": "stub:claude-sonnet-4"}}`),
		0o644))
	cfg := config.NewLoader(base, log)
	t.Cleanup(cfg.Close)

	registry := plugin.NewRegistry(log)
	stub := newStubPlugin("stub", plugin.Agent{ID: "claude-sonnet-4", Name: "Sonnet", Enabled: true})
	registry.Register(stub)

	historyRoot := t.TempDir()
	hist := history.NewService(historyRoot, log)

	return NewService(registry, hist, cfg, log), stub, historyRoot
}

func dispatch(t *testing.T, svc *Service, method, params string) interface{} {
	t.Helper()
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	result, err := svc.Dispatch(context.Background(), method, raw)
	require.NoError(t, err)
	return result
}

func TestPluginList(t *testing.T) {
	svc, _, _ := newTestService(t)

	result := dispatch(t, svc, "plugin.list", "")
	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	plugins, ok := m["plugins"].([]pluginView)
	require.True(t, ok)
	require.Len(t, plugins, 1)
	assert.Equal(t, "stub", plugins[0].Name)
	assert.Equal(t, "cli", plugins[0].Source)
	require.Len(t, plugins[0].Agents, 1)
}

func TestAgentList(t *testing.T) {
	svc, _, _ := newTestService(t)

	result := dispatch(t, svc, "agent.list", "")
	m := result.(map[string]interface{})
	agents := m["agents"].([]plugin.AgentRef)
	require.Len(t, agents, 1)
	assert.Equal(t, "stub", agents[0].Plugin)
	assert.Equal(t, "claude-sonnet-4", agents[0].Agent.ID)
}

func TestInvokeUsesDefaultAgent(t *testing.T) {
	svc, _, _ := newTestService(t)

	sess, err := svc.Invoke(context.Background(), InvokeParams{
		ProjectPath: "/work",
		Prompt:      "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4", sess.AgentID)
	assert.Equal(t, "stub", sess.PluginID)
	assert.Equal(t, "up-1", sess.UpstreamSessionID)
}

func TestInvokeCombinedAgentID(t *testing.T) {
	svc, _, _ := newTestService(t)

	sess, err := svc.Invoke(context.Background(), InvokeParams{
		AgentID:     "stub:claude-sonnet-4",
		ProjectPath: "/work",
		Prompt:      "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4", sess.AgentID)
}

func TestInvokeCamelCaseParams(t *testing.T) {
	svc, _, _ := newTestService(t)

	var params InvokeParams
	require.NoError(t, json.Unmarshal(
		[]byte(`{"plugin":"stub","agent":"claude-sonnet-4","projectPath":"/work","prompt":"hi"}`),
		&params))
	assert.Equal(t, "claude-sonnet-4", params.AgentID)
	assert.Equal(t, "/work", params.ProjectPath)

	sess, err := svc.Invoke(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4", sess.AgentID)
	assert.Equal(t, "stub", sess.PluginID)
}

func TestInvokeParamsResumeAlias(t *testing.T) {
	var params InvokeParams
	require.NoError(t, json.Unmarshal(
		[]byte(`{"projectPath":"/w","prompt":"go on","resumeSessionId":"up-9","forkSession":true}`),
		&params))
	assert.Equal(t, "up-9", params.ResumeSessionID)
	assert.True(t, params.ForkSession)
}

func TestInvokeParamsSnakeCaseWins(t *testing.T) {
	var params InvokeParams
	require.NoError(t, json.Unmarshal(
		[]byte(`{"project_path":"/snake","projectPath":"/camel","prompt":"hi"}`),
		&params))
	assert.Equal(t, "/snake", params.ProjectPath)
}

func TestInvokeValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Invoke(context.Background(), InvokeParams{ProjectPath: "/work"})
	require.Error(t, err)
	assert.Equal(t, apperrors.RPCInvalidParams, apperrors.GetRPCCode(err))

	_, err = svc.Invoke(context.Background(), InvokeParams{Prompt: "hi"})
	require.Error(t, err)
}

func TestInvokeUnknownPlugin(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Invoke(context.Background(), InvokeParams{
		Plugin:      "ghost",
		AgentID:     "a",
		ProjectPath: "/work",
		Prompt:      "hi",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.RPCPluginNotFound, apperrors.GetRPCCode(err))
}

func TestSessionMessageAndStop(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess, err := svc.Invoke(context.Background(), InvokeParams{ProjectPath: "/w", Prompt: "hi"})
	require.NoError(t, err)

	result := dispatch(t, svc, "session.message", `{"session_id":"`+sess.ID+`","message":"more"}`)
	res, ok := result.(plugin.MessageResult)
	require.True(t, ok)
	assert.True(t, res.Success)

	result = dispatch(t, svc, "session.stop", `{"session_id":"`+sess.ID+`"}`)
	m := result.(map[string]interface{})
	assert.Equal(t, true, m["success"])
}

func TestSessionGetUnknown(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Dispatch(context.Background(), "session.get", json.RawMessage(`{"session_id":"ghost"}`))
	require.Error(t, err)
	assert.Equal(t, apperrors.RPCSessionNotFound, rpc.ErrorCode(err))
}

func TestHistoryMethods(t *testing.T) {
	svc, _, root := newTestService(t)

	dir := filepath.Join(root, "proj")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jsonl"),
		[]byte(`{"type":"user"}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jsonl"),
		[]byte(`{"type":"user"}`+"\n"), 0o644))

	result := dispatch(t, svc, "project.list", "")
	projects := result.(map[string]interface{})["projects"].([]history.Project)
	require.Len(t, projects, 1)
	assert.Equal(t, 2, projects[0].SessionCount)

	result = dispatch(t, svc, "project.sessions", `{"project_id":"proj"}`)
	sessions := result.(map[string]interface{})["sessions"].([]history.SessionSummary)
	assert.Len(t, sessions, 2)

	result = dispatch(t, svc, "session.history", `{"project_id":"proj","session_id":"a"}`)
	records := result.(map[string]interface{})["records"].([]json.RawMessage)
	assert.Len(t, records, 1)

	result = dispatch(t, svc, "session.deleteBulk", `{"project_id":"proj","session_ids":["a","ghost"]}`)
	bulk := result.(history.BulkDeleteResult)
	assert.Equal(t, []string{"a"}, bulk.Deleted)
	assert.Equal(t, []string{"ghost"}, bulk.Failed)

	result = dispatch(t, svc, "session.delete", `{"project_id":"proj","session_id":"b"}`)
	m := result.(map[string]interface{})
	assert.Equal(t, true, m["success"])
}

func TestHistoryMethodsCamelCaseParams(t *testing.T) {
	svc, _, root := newTestService(t)

	dir := filepath.Join(root, "proj")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jsonl"),
		[]byte(`{"type":"user"}`+"\n"), 0o644))

	result := dispatch(t, svc, "project.sessions", `{"projectId":"proj"}`)
	sessions := result.(map[string]interface{})["sessions"].([]history.SessionSummary)
	assert.Len(t, sessions, 1)

	result = dispatch(t, svc, "session.history", `{"projectId":"proj","sessionId":"a"}`)
	records := result.(map[string]interface{})["records"].([]json.RawMessage)
	assert.Len(t, records, 1)

	result = dispatch(t, svc, "session.deleteBulk", `{"sessionIds":["a","c"],"projectId":"proj"}`)
	bulk := result.(history.BulkDeleteResult)
	assert.Equal(t, []string{"a"}, bulk.Deleted)
	assert.Equal(t, []string{"c"}, bulk.Failed)
}

func TestSystemHomeDirectory(t *testing.T) {
	svc, _, _ := newTestService(t)

	result := dispatch(t, svc, "system.homeDirectory", "")
	m := result.(map[string]interface{})
	home, _ := os.UserHomeDir()
	assert.Equal(t, home, m["home_directory"])
}

func TestUnknownMethod(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Dispatch(context.Background(), "no.such.method", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.RPCMethodNotFound, rpc.ErrorCode(err))
}
