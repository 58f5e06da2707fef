package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nexaas/nexaas/internal/common"
)

// session is one Claude Code subprocess session.
type session struct {
	id           string
	agent        string
	workspaceDir string

	mu   sync.Mutex
	proc *exec.Cmd
}

// SessionManager owns Claude Code subprocess sessions. Each send spawns one
// `claude --print` invocation bound to the session id; destroy reaps any
// process still running.
type SessionManager struct {
	config common.ClaudeConfig
	logger *common.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionManager creates an empty session manager.
func NewSessionManager(config common.ClaudeConfig, logger *common.Logger) *SessionManager {
	return &SessionManager{
		config:   config,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// CreateSession registers a session record and returns its id.
func (m *SessionManager) CreateSession(agent string) string {
	sid := strings.ReplaceAll(uuid.NewString(), "-", "")
	s := &session{
		id:           sid,
		agent:        agent,
		workspaceDir: m.config.WorkspaceRoot,
	}
	m.mu.Lock()
	m.sessions[sid] = s
	m.mu.Unlock()

	m.logger.Info().
		Str("session_id", sid).
		Str("agent", agent).
		Str("dir", s.workspaceDir).
		Msg("Created session")
	return sid
}

// Send spawns the claude binary for the session, writes the message on
// stdin, and invokes fn for every non-empty stdout line. A non-nil error
// from fn aborts the stream.
func (m *SessionManager) Send(ctx context.Context, sessionID, message string, fn func(line string) error) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}

	bin := m.config.GetBinPath()
	cmd := exec.CommandContext(ctx, bin,
		"--print",
		"--output-format", "stream-json",
		"--session-id", s.id,
	)
	cmd.Dir = s.workspaceDir
	cmd.Stdin = strings.NewReader(message)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	m.logger.Info().
		Str("session_id", sessionID).
		Str("bin", bin).
		Str("cwd", s.workspaceDir).
		Msg("Spawning Claude Code")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", bin, err)
	}
	s.mu.Lock()
	s.proc = cmd
	s.mu.Unlock()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var fnErr error
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if fnErr = fn(line); fnErr != nil {
			break
		}
	}
	if fnErr != nil {
		// Drain so Wait does not block on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()

	if fnErr != nil {
		return fnErr
	}
	if waitErr != nil {
		msg := stderr.String()
		if len(msg) > 500 {
			msg = msg[:500]
		}
		m.logger.Error().
			Str("session_id", sessionID).
			Err(waitErr).
			Str("stderr", msg).
			Msg("Claude Code session exited with error")
	}
	return nil
}

// DestroySession removes the session and reaps its process: terminate, wait
// up to 5 s, then kill.
func (m *SessionManager) DestroySession(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()
	if proc == nil || proc.Process == nil {
		return
	}

	_ = proc.Process.Signal(syscall.SIGTERM)
	// The Send call owns cmd.Wait; poll for its completion before escalating.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if proc.ProcessState != nil {
			m.logger.Info().Str("session_id", sessionID).Msg("Destroyed session")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = proc.Process.Kill()
	m.logger.Info().Str("session_id", sessionID).Msg("Destroyed session")
}

// Shutdown destroys every live session.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.DestroySession(id)
	}
	m.logger.Info().Msg("Session manager shut down")
}
