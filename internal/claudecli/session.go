// Package claudecli implements the plugin wrapping the Claude CLI.
// Each session owns one subprocess attached to a pseudo-terminal, parses
// its stream-json output line by line and fans typed events out to
// subscribers through bounded per-subscriber buffers.
package claudecli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/plugin"
	"github.com/novahq/nova/pkg/claudecode"
)

// Internal session states. The public status is a coarsening of these.
type sessionState string

const (
	stateInitializing sessionState = "initializing"
	stateReady        sessionState = "ready"
	stateProcessing   sessionState = "processing"
	stateIdle         sessionState = "idle"
	stateError        sessionState = "error"
	stateStopped      sessionState = "stopped"
)

const (
	ptyCols = 200
	ptyRows = 50

	// initTimeout bounds the wait for the system/init record.
	initTimeout = 10 * time.Second
	// killGrace is the SIGTERM→SIGKILL window.
	killGrace = 5 * time.Second

	// maxLineBuffer caps retained partial-line residue. Exceeding it drops
	// the buffer with a warning instead of growing without bound.
	maxLineBuffer = 4 * 1024 * 1024

	// subscriberBuffer is the per-subscriber event channel depth. A full
	// buffer drops the oldest event with a warning.
	subscriberBuffer = 256

	// maxEventHistory caps the replay backlog handed to late subscribers.
	maxEventHistory = 1024
)

// OutputData is the payload of an output event: either a parsed stream
// record or the raw line when parsing failed.
type OutputData struct {
	Message json.RawMessage `json:"message,omitempty"`
	Raw     string          `json:"raw,omitempty"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Error string `json:"error"`
}

// CompleteData is the payload of the terminal complete event.
type CompleteData struct {
	ExitCode          int    `json:"exit_code"`
	UpstreamSessionID string `json:"upstream_session_id,omitempty"`
}

// StatusData is the payload of a status event.
type StatusData struct {
	Status plugin.Status `json:"status"`
}

// InitData is the payload of the init event.
type InitData struct {
	UpstreamSessionID string `json:"upstream_session_id"`
}

type subscriber struct {
	ch   chan plugin.Event
	done chan struct{}
}

// Session owns one CLI subprocess under a PTY.
type Session struct {
	id       string
	pluginID string
	opts     plugin.InvokeOptions
	logger   *logger.Logger

	mu               sync.Mutex
	state            sessionState
	waitingForInput  bool
	upstreamID       string
	createdAt        time.Time
	lastActivity     time.Time
	exitCode         *int
	messageCount     int
	lineBuf          []byte
	lineBufOverflow  bool
	history          []plugin.Event
	historyDropped   bool
	subscribers      map[int]*subscriber
	nextSubscriberID int
	completed        bool

	cmd  *exec.Cmd
	ptmx PtyHandle

	initCh   chan struct{}
	initOnce sync.Once
	readDone chan struct{}
	waitDone chan struct{}
	stopOnce sync.Once

	// onRelease is called once after the complete event, so the owning
	// plugin and registry can drop their routing entries.
	onRelease func(sessionID string)
}

// NewSession creates a session in the initializing state. The subprocess is
// spawned by Start.
func NewSession(id, pluginID string, opts plugin.InvokeOptions, log *logger.Logger) *Session {
	now := time.Now().UTC()
	return &Session{
		id:           id,
		pluginID:     pluginID,
		opts:         opts,
		logger:       log.WithFields(zap.String("component", "claude-session"), zap.String("session_id", id)),
		state:        stateInitializing,
		createdAt:    now,
		lastActivity: now,
		subscribers:  make(map[int]*subscriber),
		initCh:       make(chan struct{}),
		readDone:     make(chan struct{}),
		waitDone:     make(chan struct{}),
	}
}

// SetReleaseHook installs the callback invoked after the complete event.
func (s *Session) SetReleaseHook(fn func(sessionID string)) {
	s.mu.Lock()
	s.onRelease = fn
	s.mu.Unlock()
}

// ID returns the server-scoped session id.
func (s *Session) ID() string { return s.id }

// View returns the public session snapshot.
func (s *Session) View() *plugin.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &plugin.Session{
		ID:                s.id,
		AgentID:           s.opts.AgentID,
		PluginID:          s.pluginID,
		ProjectPath:       s.opts.ProjectPath,
		ResumeSessionID:   s.opts.ResumeSessionID,
		UpstreamSessionID: s.upstreamID,
		Status:            s.publicStatusLocked(),
		CreatedAt:         s.createdAt,
		LastActivity:      s.lastActivity,
		ExitCode:          s.exitCode,
		MessageCount:      s.messageCount,
	}
}

func (s *Session) publicStatusLocked() plugin.Status {
	if s.waitingForInput && s.state != stateError && s.state != stateStopped {
		return plugin.StatusWaitingForInput
	}
	switch s.state {
	case stateInitializing:
		return plugin.StatusStarting
	case stateReady, stateProcessing:
		return plugin.StatusRunning
	case stateIdle:
		return plugin.StatusCompleted
	case stateError:
		return plugin.StatusError
	default:
		return plugin.StatusStopped
	}
}

// Start resolves the binary, spawns the subprocess under a PTY and waits
// for the system/init record. It returns once the upstream session id is
// captured, or fails on spawn error or init timeout.
func (s *Session) Start(ctx context.Context) error {
	binary, err := resolveBinaryFn()
	if err != nil {
		s.failBeforeSpawn(err)
		return err
	}
	if err := checkProjectPath(s.opts.ProjectPath); err != nil {
		s.failBeforeSpawn(err)
		return err
	}

	cmd := exec.Command(binary, buildArgs(s.opts)...)
	cmd.Dir = s.opts.ProjectPath
	cmd.Env = sessionEnv()

	ptmx, err := startPTYWithSize(cmd, ptyCols, ptyRows)
	if err != nil {
		err = fmt.Errorf("failed to spawn claude: %w", err)
		s.failBeforeSpawn(err)
		return err
	}

	s.mu.Lock()
	s.cmd = cmd
	s.ptmx = ptmx
	s.mu.Unlock()

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	s.logger.Info("claude session started",
		zap.Int("pid", pid),
		zap.String("project_path", s.opts.ProjectPath),
		zap.String("model", s.opts.AgentID),
		zap.Bool("resume", s.opts.ResumeSessionID != ""))

	go s.readLoop()
	go s.wait()

	select {
	case <-s.initCh:
		return nil
	case <-s.waitDone:
		s.mu.Lock()
		code := 0
		if s.exitCode != nil {
			code = *s.exitCode
		}
		s.mu.Unlock()
		return fmt.Errorf("claude exited before init (exit code %d)", code)
	case <-time.After(initTimeout):
		s.logger.Warn("timed out waiting for init, terminating")
		s.emitEvent(plugin.EventError, ErrorData{Error: "timed out waiting for session init"})
		_ = s.Stop(ctx)
		return fmt.Errorf("timed out waiting for claude init after %s", initTimeout)
	case <-ctx.Done():
		_ = s.Stop(context.Background())
		return ctx.Err()
	}
}

// failBeforeSpawn records a startup failure that happened before any
// subprocess existed. No event stream is opened for these sessions.
func (s *Session) failBeforeSpawn(err error) {
	s.mu.Lock()
	s.state = stateError
	s.mu.Unlock()
	s.logger.Error("session failed to start", zap.Error(err))
	s.emitEvent(plugin.EventError, ErrorData{Error: err.Error()})
}

func checkProjectPath(path string) error {
	if path == "" {
		return fmt.Errorf("project path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("project path does not exist: %s", path)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path is not a directory: %s", path)
	}
	return nil
}

// readLoop consumes PTY output, splits it into newline-terminated lines and
// dispatches each. Partial lines stay buffered; residue is flushed raw by
// wait() after process exit.
func (s *Session) readLoop() {
	defer close(s.readDone)

	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			s.appendAndDispatch(buf[:n])
		}
		if err != nil {
			// EIO is the normal PTY close on process exit
			return
		}
	}
}

func (s *Session) appendAndDispatch(data []byte) {
	s.mu.Lock()
	s.lineBuf = append(s.lineBuf, data...)
	if len(s.lineBuf) > maxLineBuffer {
		if !s.lineBufOverflow {
			s.logger.Warn("line buffer exceeded cap, dropping residue",
				zap.Int("cap", maxLineBuffer))
			s.lineBufOverflow = true
		}
		s.lineBuf = s.lineBuf[:0]
		s.mu.Unlock()
		return
	}
	var lines []string
	for {
		idx := bytes.IndexByte(s.lineBuf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(s.lineBuf[:idx]))
		s.lineBuf = s.lineBuf[idx+1:]
	}
	s.mu.Unlock()

	for _, line := range lines {
		s.handleLine(line)
	}
}

// handleLine parses one complete output line. Unparseable lines are
// forwarded raw; they never disrupt the session.
func (s *Session) handleLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var rec claudecode.StreamRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil || rec.Type == "" {
		s.emitEvent(plugin.EventOutput, OutputData{Raw: trimmed})
		return
	}
	rec.Raw = json.RawMessage(trimmed)

	s.touch()

	switch {
	case rec.IsInit():
		s.captureUpstream(rec.SessionID)
		// The init event is always the first event of the stream.
		s.initOnce.Do(func() {
			s.emitEvent(plugin.EventInit, InitData{UpstreamSessionID: s.upstreamSessionID()})
			close(s.initCh)
		})
		s.transition(stateReady)
		s.emitOutput(rec)

	case rec.Type == claudecode.MessageTypeAssistant:
		s.transition(stateProcessing)
		s.emitOutput(rec)

	case rec.Type == claudecode.MessageTypeResult:
		if rec.SessionID != "" {
			s.captureUpstream(rec.SessionID)
		}
		s.transition(stateIdle)
		s.emitOutput(rec)

	case rec.Type == claudecode.MessageTypeControlRequest && rec.Request != nil:
		s.handleControlRequest(rec.RequestID, rec.Request)

	default:
		// user, system subtypes, stream_event and unknown types are
		// forwarded opaquely
		s.emitOutput(rec)
	}
}

func (s *Session) emitOutput(rec claudecode.StreamRecord) {
	s.mu.Lock()
	s.messageCount++
	s.mu.Unlock()
	s.emitEvent(plugin.EventOutput, OutputData{Message: rec.Raw})
}

// handleControlRequest surfaces an interactive permission prompt.
func (s *Session) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	s.mu.Lock()
	s.waitingForInput = true
	s.mu.Unlock()

	prompt := plugin.InteractivePrompt{
		Kind:      "tool-approval",
		Title:     fmt.Sprintf("Allow tool %q?", req.ToolName),
		RequestID: requestID,
		Options: []plugin.PromptOption{
			{Key: "allow", Label: "Allow", IsDefault: true},
			{Key: "deny", Label: "Deny"},
		},
	}
	s.emitEvent(plugin.EventInteractivePrompt, prompt)
	s.emitEvent(plugin.EventStatus, StatusData{Status: plugin.StatusWaitingForInput})
}

// Respond answers a pending interactive prompt by writing a
// control_response line to the subprocess.
func (s *Session) Respond(requestID, optionKey string) error {
	behavior := claudecode.BehaviorDeny
	if optionKey == "allow" {
		behavior = claudecode.BehaviorAllow
	}
	resp := claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &claudecode.ControlResponse{
			Subtype: "success",
			Result:  &claudecode.PermissionResult{Behavior: behavior},
		},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	ptmx := s.ptmx
	s.waitingForInput = false
	s.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("session has no running subprocess")
	}
	_, err = ptmx.Write(append(data, '\n'))
	return err
}

// Message sends follow-up input to the session. In single-prompt mode the
// subprocess exits after one exchange, so a message to a finished session
// directs the caller to resume instead.
func (s *Session) Message(text string) plugin.MessageResult {
	s.mu.Lock()
	terminal := s.completed || s.state == stateError || s.state == stateStopped
	ptmx := s.ptmx
	s.mu.Unlock()

	if terminal || ptmx == nil {
		return plugin.MessageResult{
			Success: false,
			Error:   "session has completed; create a new session with resume_session_id",
		}
	}

	if _, err := ptmx.Write([]byte(text + "\n")); err != nil {
		return plugin.MessageResult{Success: false, Error: err.Error()}
	}
	s.touch()
	return plugin.MessageResult{Success: true}
}

// Subscribe attaches an event callback. Events already emitted are replayed
// first so a subscriber attached right after invoke still observes init.
// The per-subscriber buffer drops the oldest event when full.
func (s *Session) Subscribe(cb plugin.StreamCallback) plugin.CancelFunc {
	sub := &subscriber{
		ch:   make(chan plugin.Event, subscriberBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	id := s.nextSubscriberID
	s.nextSubscriberID++
	for _, ev := range s.history {
		sub.push(ev, s.logger)
	}
	closed := s.completed
	if !closed {
		s.subscribers[id] = sub
	}
	s.mu.Unlock()

	go func() {
		defer close(sub.done)
		for ev := range sub.ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("subscriber callback panicked",
							zap.Any("panic", r))
					}
				}()
				cb(ev)
			}()
		}
	}()

	if closed {
		// Session already finished: replay then close immediately.
		close(sub.ch)
		return func() {}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if cur, ok := s.subscribers[id]; ok && cur == sub {
				delete(s.subscribers, id)
				close(sub.ch)
			}
			s.mu.Unlock()
		})
	}
}

func (sub *subscriber) push(ev plugin.Event, log *logger.Logger) {
	select {
	case sub.ch <- ev:
		return
	default:
	}
	// Buffer full: drop the oldest event and retry once.
	select {
	case <-sub.ch:
		log.Warn("subscriber buffer full, dropped oldest event")
	default:
	}
	select {
	case sub.ch <- ev:
	default:
	}
}

// emitEvent appends to the replay history and fans out to subscribers.
// Pushes happen under the session lock: channel closes take the same lock,
// so an emit can never race a subscriber teardown.
func (s *Session) emitEvent(eventType plugin.EventType, data interface{}) {
	ev := plugin.Event{
		SessionID: s.id,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		// The complete event is terminal; nothing may follow it.
		return
	}
	if len(s.history) < maxEventHistory {
		s.history = append(s.history, ev)
	} else if !s.historyDropped {
		s.historyDropped = true
		s.logger.Warn("event history cap reached, late subscribers see a truncated replay")
	}
	for _, sub := range s.subscribers {
		sub.push(ev, s.logger)
	}
}

func (s *Session) transition(next sessionState) {
	s.mu.Lock()
	if s.state == next || s.state == stateError || s.state == stateStopped {
		s.mu.Unlock()
		return
	}
	s.state = next
	status := s.publicStatusLocked()
	s.mu.Unlock()
	s.emitEvent(plugin.EventStatus, StatusData{Status: status})
}

func (s *Session) captureUpstream(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	if s.upstreamID == "" {
		s.upstreamID = id
	}
	s.mu.Unlock()
}

func (s *Session) upstreamSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstreamID
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// wait reaps the subprocess, flushes residue, emits the terminal complete
// event exactly once and releases the PTY and subscribers.
func (s *Session) wait() {
	defer close(s.waitDone)

	s.mu.Lock()
	cmd := s.cmd
	ptmx := s.ptmx
	s.mu.Unlock()

	exitCode, signalName, waitErr := waitPtyProcess(cmd, ptmx)

	s.logger.Info("claude session exited",
		zap.Int("exit_code", exitCode),
		zap.String("signal", signalName),
		zap.Error(waitErr))

	// Close the PTY so the read loop unblocks, then join it. Only after no
	// reader can emit anymore is the residue flushed, which keeps the
	// complete event last in the stream.
	s.mu.Lock()
	if s.ptmx != nil {
		_ = s.ptmx.Close()
		s.ptmx = nil
	}
	s.mu.Unlock()
	<-s.readDone

	s.mu.Lock()
	s.exitCode = &exitCode
	if s.state != stateStopped && s.state != stateError {
		if exitCode == 0 {
			s.state = stateStopped
		} else {
			s.state = stateError
		}
	}
	residue := strings.TrimSpace(string(s.lineBuf))
	s.lineBuf = nil
	s.mu.Unlock()

	if residue != "" {
		s.emitEvent(plugin.EventOutput, OutputData{Raw: residue})
	}
	if exitCode != 0 && signalName == "" {
		s.emitEvent(plugin.EventError, ErrorData{
			Error: fmt.Sprintf("claude exited with code %d", exitCode),
		})
	}

	s.emitEvent(plugin.EventComplete, CompleteData{
		ExitCode:          exitCode,
		UpstreamSessionID: s.upstreamSessionID(),
	})

	s.mu.Lock()
	s.completed = true
	subs := s.subscribers
	s.subscribers = make(map[int]*subscriber)
	release := s.onRelease
	s.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	if release != nil {
		release(s.id)
	}
}

// Stop terminates the subprocess: SIGTERM, then SIGKILL after the grace
// window. Both phases tolerate an already dead process. Returns once the
// process has exited or SIGKILL was sent.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	if s.state != stateError {
		s.state = stateStopped
	}
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	s.stopOnce.Do(func() {
		if err := terminateProcess(cmd.Process); err != nil {
			s.logger.Debug("SIGTERM failed (process may be gone)", zap.Error(err))
		}
		select {
		case <-s.waitDone:
		case <-time.After(killGrace):
			s.logger.Warn("grace period expired, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				s.logger.Debug("SIGKILL failed (process may be gone)", zap.Error(err))
			}
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		}
	})

	// Bounded wait for the reaper to finish cleanup.
	select {
	case <-s.waitDone:
	case <-time.After(killGrace):
	case <-ctx.Done():
	}
	return nil
}

// Done returns a channel closed when the subprocess has been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.waitDone
}
