package task

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmerkel/devbridge/pkg/devbridge/session"
)

// Phase identifies the sub-step of one dispatched request.
type Phase string

const (
	PhasePlanning  Phase = "PLANNING"
	PhaseExecution Phase = "EXECUTION"
)

// PlanMarker prefixes the interim planning reply.
const PlanMarker = "📋 **PLAN**"

// Response is one outbound reply produced by a task or command, consumed
// exactly once by the orchestrator's sender path.
type Response struct {
	Chat string
	Text string
}

// Manager dispatches AI work items. Each dispatched request runs both phases
// on its own goroutine; work is parallel across chats and serialized per
// workspace.
type Manager struct {
	sessions *session.Registry
	runner   Runner
	timeout  time.Duration
	logger   *slog.Logger

	// responses is the FIFO reply queue drained by the orchestrator.
	responses chan Response

	// mu guards activeTasks and workspaceLocks.
	mu sync.Mutex

	// activeTasks marks chats with a task in flight. One task per chat.
	activeTasks map[string]bool

	// workspaceLocks is the lock registry keyed by workspace path, created
	// on demand. The workspace, not the chat, is the unit of mutual
	// exclusion: two chats pointed at one workspace must never run
	// concurrently.
	workspaceLocks map[string]*sync.Mutex

	// wg tracks in-flight workers for orderly shutdown.
	wg sync.WaitGroup
}

// NewManager creates a task manager. timeout bounds each phase invocation.
func NewManager(sessions *session.Registry, runner Runner, timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Manager{
		sessions:       sessions,
		runner:         runner,
		timeout:        timeout,
		logger:         logger.With("component", "tasks"),
		responses:      make(chan Response, 128),
		activeTasks:    make(map[string]bool),
		workspaceLocks: make(map[string]*sync.Mutex),
	}
}

// Responses returns the reply queue. FIFO; ordering across chats is not
// guaranteed, but the two responses of one request are enqueued plan-first.
func (m *Manager) Responses() <-chan Response {
	return m.responses
}

// Enqueue places a response on the reply queue. Used by tasks and by the
// orchestrator for command replies and dashboard sends. Never blocks: a full
// queue drops the response with a log entry rather than stalling a worker.
func (m *Manager) Enqueue(chat, text string) {
	select {
	case m.responses <- Response{Chat: chat, Text: text}:
	default:
		m.logger.Error("response queue full, dropping reply", "chat", chat)
	}
}

// HasActiveTask reports whether a task is in flight for the chat.
func (m *Manager) HasActiveTask(chat string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeTasks[chat]
}

// ActiveTasks returns the chats with a task currently in flight.
func (m *Manager) ActiveTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.activeTasks))
	for chat := range m.activeTasks {
		out = append(out, chat)
	}
	return out
}

// Dispatch enqueues one AI work item for the chat and returns immediately.
// mediaPath, if non-empty, names a transient file owned by the task from this
// point on; it is deleted when the task completes, on every path.
func (m *Manager) Dispatch(chatName, promptText, mediaPath string) {
	workspace, err := m.sessions.GetWorkspace(chatName)
	if err != nil {
		m.logger.Error("workspace resolution failed", "chat", chatName, "err", err)
		removeQuietly(mediaPath, m.logger)
		m.Enqueue(chatName, fmt.Sprintf("⚠️ Could not prepare the project workspace: %v", err))
		return
	}

	m.mu.Lock()
	if m.activeTasks[chatName] {
		m.mu.Unlock()
		m.logger.Info("task already in flight, rejecting", "chat", chatName)
		removeQuietly(mediaPath, m.logger)
		return
	}
	m.activeTasks[chatName] = true
	m.mu.Unlock()

	model := m.sessions.GetModel(chatName)
	systemPrompt := m.sessions.GetSystemPrompt(chatName)

	m.wg.Add(1)
	go m.worker(chatName, workspace, model, systemPrompt, promptText, mediaPath)
}

// Wait blocks until all in-flight tasks have completed.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// worker runs both phases of one request, then cleans up unconditionally.
func (m *Manager) worker(chatName, workspace, model, systemPrompt, promptText, mediaPath string) {
	var systemPromptFile string

	defer func() {
		removeQuietly(mediaPath, m.logger)
		removeQuietly(systemPromptFile, m.logger)
		m.mu.Lock()
		delete(m.activeTasks, chatName)
		m.mu.Unlock()
		m.wg.Done()
	}()

	lock := m.workspaceLock(workspace)
	lock.Lock()
	defer lock.Unlock()

	if systemPrompt != "" {
		path, err := writeSystemPromptFile(systemPrompt)
		if err != nil {
			m.logger.Error("failed to write system prompt file", "chat", chatName, "err", err)
		} else {
			systemPromptFile = path
		}
	}

	request := promptText
	if mediaPath != "" {
		request = fmt.Sprintf("%s\n\nAttached media file: @%s", promptText, mediaPath)
	}

	m.logger.Info("task started", "chat", chatName, "workspace", workspace, "model", model)

	planOut := m.runPhase(chatName, workspace, model, systemPromptFile, PhasePlanning, request)
	m.Enqueue(chatName, fmt.Sprintf("%s\n\n%s", PlanMarker, planOut))

	execOut := m.runPhase(chatName, workspace, model, systemPromptFile, PhaseExecution, request)
	m.Enqueue(chatName, execOut)

	m.logger.Info("task finished", "chat", chatName)
}

// runPhase performs one agent invocation. Errors never escape: they are
// logged to the workspace error log and converted into the user-safe summary
// that becomes the phase's reply. The user always gets some reply.
func (m *Manager) runPhase(chatName, workspace, model, systemPromptFile string, phase Phase, request string) string {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	inv := Invocation{
		Workspace:        workspace,
		Model:            model,
		SystemPromptFile: systemPromptFile,
		Prompt:           phasePrompt(phase, request),
	}

	out, err := m.runner.Run(ctx, inv)
	if err == nil {
		return out
	}

	invErr, ok := err.(*InvocationError)
	if !ok {
		invErr = &InvocationError{Kind: KindFailure, Detail: err.Error()}
	}
	m.logger.Warn("agent phase failed",
		"chat", chatName, "phase", phase, "kind", invErr.Kind, "detail", invErr.Detail)

	if logErr := appendErrorLog(workspace, invErr.Kind, invErr.Detail, invErr.Command); logErr != nil {
		m.logger.Error("failed to write workspace error log", "workspace", workspace, "err", logErr)
	}

	return errorSummary(phase, invErr)
}

// Repair runs a privileged pseudo-task in the current directory for the
// manual-repair command and crash reports. Synchronous; returns the agent's
// output or an error summary.
func (m *Manager) Repair(prompt, systemPromptFile string) string {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	out, err := m.runner.Run(ctx, Invocation{
		Workspace:        cwd,
		Model:            "auto",
		SystemPromptFile: systemPromptFile,
		Prompt:           prompt,
	})
	if err != nil {
		return fmt.Sprintf("Repair agent failed: %v", err)
	}
	return out
}

// workspaceLock returns the mutex for a workspace path, creating it on first
// use. Locks are never removed: the registry is small (one entry per
// workspace ever used) and removal would race with acquisition.
func (m *Manager) workspaceLock(workspace string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.workspaceLocks[workspace]
	if !ok {
		lock = &sync.Mutex{}
		m.workspaceLocks[workspace] = lock
	}
	return lock
}

// phasePrompt frames the user request for one phase.
func phasePrompt(phase Phase, request string) string {
	switch phase {
	case PhasePlanning:
		return fmt.Sprintf(
			"PHASE 1: PLANNING\n\nUser request:\n%s\n\nProduce a short numbered plan for this request. Update TODO.md with the planned tasks. Do not perform the work yet.",
			request)
	default:
		return fmt.Sprintf(
			"PHASE 2: EXECUTION\n\nUser request:\n%s\n\nExecute the plan now. Check off completed tasks in TODO.md and report the outcome concisely.",
			request)
	}
}

// errorSummary builds the user-visible reply for a failed phase. It includes
// the failure detail so transient causes (quota, rate limits) are visible to
// the user.
func errorSummary(phase Phase, err *InvocationError) string {
	label := "planning"
	if phase == PhaseExecution {
		label = "execution"
	}
	if err.Kind == KindTransient {
		return fmt.Sprintf("⚠️ The %s step hit a temporary problem and will likely work if you retry later: %s", label, err.Detail)
	}
	return fmt.Sprintf("⚠️ The %s step failed: %s", label, err.Detail)
}

// writeSystemPromptFile materializes a per-invocation system prompt as a
// transient file for the agent CLI.
func writeSystemPromptFile(prompt string) (string, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("devbridge-system-%s.md", uuid.NewString()))
	if err := os.WriteFile(path, []byte(prompt), 0o600); err != nil {
		return "", fmt.Errorf("writing system prompt file: %w", err)
	}
	return path, nil
}

func removeQuietly(path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove transient file", "path", path, "err", err)
	}
}
