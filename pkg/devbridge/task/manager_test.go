package task

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmerkel/devbridge/pkg/devbridge/session"
)

// fakeRunner records invocations and returns canned results.
type fakeRunner struct {
	mu          sync.Mutex
	invocations []Invocation
	out         string
	err         error

	running       int
	maxConcurrent int
	delay         time.Duration
}

func (f *fakeRunner) Run(_ context.Context, inv Invocation) (string, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, inv)
	f.running++
	if f.running > f.maxConcurrent {
		f.maxConcurrent = f.running
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.running--
	f.mu.Unlock()
	return f.out, f.err
}

func (f *fakeRunner) recorded() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Invocation, len(f.invocations))
	copy(out, f.invocations)
	return out
}

func newTestManager(t *testing.T, runner Runner) (*Manager, *session.Registry) {
	t.Helper()
	dir := t.TempDir()
	registry := session.NewRegistry(
		filepath.Join(dir, "sessions.json"),
		filepath.Join(dir, "projects"),
		"default-model", nil)
	return NewManager(registry, runner, time.Minute, nil), registry
}

func drainResponses(t *testing.T, m *Manager, n int) []Response {
	t.Helper()
	out := make([]Response, 0, n)
	for len(out) < n {
		select {
		case resp := <-m.Responses():
			out = append(out, resp)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for response %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestDispatchRunsBothPhases(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{out: "agent output"}
	m, _ := newTestManager(t, runner)

	m.Dispatch("chat", "build the thing", "")
	m.Wait()

	responses := drainResponses(t, m, 2)
	if !strings.HasPrefix(responses[0].Text, PlanMarker) {
		t.Errorf("first response = %q, want plan marker prefix", responses[0].Text)
	}
	if responses[1].Text != "agent output" {
		t.Errorf("second response = %q", responses[1].Text)
	}

	invs := runner.recorded()
	if len(invs) != 2 {
		t.Fatalf("invocations = %d, want 2", len(invs))
	}
	if !strings.HasPrefix(invs[0].Prompt, "PHASE 1: PLANNING") {
		t.Errorf("first prompt = %q", invs[0].Prompt)
	}
	if !strings.HasPrefix(invs[1].Prompt, "PHASE 2: EXECUTION") {
		t.Errorf("second prompt = %q", invs[1].Prompt)
	}
	if invs[0].Workspace != invs[1].Workspace || invs[0].Workspace == "" {
		t.Errorf("phases ran in different workspaces: %q vs %q", invs[0].Workspace, invs[1].Workspace)
	}
}

func TestDispatchRejectsSecondTaskForChat(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{out: "ok", delay: 200 * time.Millisecond}
	m, _ := newTestManager(t, runner)

	m.Dispatch("chat", "first", "")
	for !m.HasActiveTask("chat") {
		time.Sleep(5 * time.Millisecond)
	}
	m.Dispatch("chat", "second", "")
	m.Wait()

	// Only the first request ran: two phases, two responses.
	if invs := runner.recorded(); len(invs) != 2 {
		t.Errorf("invocations = %d, want 2 (second dispatch rejected)", len(invs))
	}
	responses := drainResponses(t, m, 2)
	for _, resp := range responses {
		if strings.Contains(resp.Text, "second") {
			t.Errorf("rejected task produced a response: %q", resp.Text)
		}
	}
	if m.HasActiveTask("chat") {
		t.Error("task still marked active after Wait")
	}
}

func TestWorkspaceSerialization(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{out: "ok", delay: 50 * time.Millisecond}
	m, registry := newTestManager(t, runner)

	// Two chats sharing one workspace must never run concurrently.
	shared := filepath.Join(t.TempDir(), "shared")
	if _, err := registry.Activate("chat a", shared); err != nil {
		t.Fatalf("Activate a: %v", err)
	}
	if _, err := registry.Activate("chat b", shared); err != nil {
		t.Fatalf("Activate b: %v", err)
	}

	m.Dispatch("chat a", "work a", "")
	m.Dispatch("chat b", "work b", "")
	m.Wait()

	if runner.maxConcurrent > 1 {
		t.Errorf("max concurrent invocations in shared workspace = %d, want 1", runner.maxConcurrent)
	}
	if invs := runner.recorded(); len(invs) != 4 {
		t.Errorf("invocations = %d, want 4", len(invs))
	}
}

func TestMediaFileCleanup(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{out: "ok"}
	m, _ := newTestManager(t, runner)

	mediaPath := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(mediaPath, []byte("jpeg"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m.Dispatch("chat", "look at this", mediaPath)
	m.Wait()

	if _, err := os.Stat(mediaPath); !os.IsNotExist(err) {
		t.Errorf("media file not deleted after task: %v", err)
	}
	invs := runner.recorded()
	if len(invs) == 0 || !strings.Contains(invs[0].Prompt, "@"+mediaPath) {
		t.Errorf("prompt does not reference media file: %q", invs[0].Prompt)
	}
}

func TestMediaFileCleanupOnRejection(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{out: "ok", delay: 200 * time.Millisecond}
	m, _ := newTestManager(t, runner)

	m.Dispatch("chat", "first", "")
	for !m.HasActiveTask("chat") {
		time.Sleep(5 * time.Millisecond)
	}

	mediaPath := filepath.Join(t.TempDir(), "late.jpg")
	if err := os.WriteFile(mediaPath, []byte("jpeg"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m.Dispatch("chat", "second with media", mediaPath)
	m.Wait()

	if _, err := os.Stat(mediaPath); !os.IsNotExist(err) {
		t.Error("media file of rejected dispatch not deleted")
	}
}

func TestPhaseErrorBecomesUserReplyAndLogEntry(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: &InvocationError{
		Kind:    KindTransient,
		Detail:  "Quota exceeded for today",
		Command: []string{"gemini", "--yolo"},
	}}
	m, registry := newTestManager(t, runner)

	m.Dispatch("chat", "do work", "")
	m.Wait()

	responses := drainResponses(t, m, 2)
	for _, resp := range responses {
		if !strings.Contains(resp.Text, "Quota exceeded") {
			t.Errorf("error reply hides the cause: %q", resp.Text)
		}
	}
	// Plan marker still leads the first reply even on failure.
	if !strings.HasPrefix(responses[0].Text, PlanMarker) {
		t.Errorf("first reply = %q, want plan marker", responses[0].Text)
	}

	workspace, err := registry.GetWorkspace("chat")
	if err != nil {
		t.Fatalf("GetWorkspace: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(workspace, session.ErrorLogFile))
	if err != nil {
		t.Fatalf("error log missing: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("error log lines = %d, want 2 (one per phase)", len(lines))
	}
	var entry struct {
		Timestamp string   `json:"timestamp"`
		Kind      string   `json:"kind"`
		Detail    string   `json:"detail"`
		Command   []string `json:"command"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("error log entry not JSON: %v", err)
	}
	if entry.Kind != KindTransient || !strings.Contains(entry.Detail, "Quota") {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Timestamp == "" || len(entry.Command) == 0 {
		t.Errorf("entry missing timestamp or command: %+v", entry)
	}
}

func TestSystemPromptFileLifecycle(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{out: "ok"}
	m, registry := newTestManager(t, runner)

	registry.SetSystemPrompt("chat", "answer in rhyme")
	m.Dispatch("chat", "work", "")
	m.Wait()
	drainResponses(t, m, 2)

	invs := runner.recorded()
	if len(invs) != 2 {
		t.Fatalf("invocations = %d", len(invs))
	}
	if invs[0].SystemPromptFile == "" {
		t.Fatal("system prompt file not passed to runner")
	}
	if invs[0].SystemPromptFile != invs[1].SystemPromptFile {
		t.Error("phases used different system prompt files")
	}
	if _, err := os.Stat(invs[0].SystemPromptFile); !os.IsNotExist(err) {
		t.Errorf("system prompt file not cleaned up: %v", err)
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, &fakeRunner{out: "ok"})
	// Overfill the queue; the overflow must be dropped, not deadlock.
	for i := 0; i < 300; i++ {
		m.Enqueue("chat", "reply")
	}
}

func TestRepair(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{out: "patched"}
	m, _ := newTestManager(t, runner)

	if got := m.Repair("fix it", ""); got != "patched" {
		t.Errorf("Repair = %q", got)
	}
	invs := runner.recorded()
	if len(invs) != 1 || invs[0].Model != "auto" {
		t.Errorf("repair invocation = %+v", invs)
	}
}
