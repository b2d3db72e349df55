package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmerkel/devbridge/pkg/devbridge/config"
	"github.com/jmerkel/devbridge/pkg/devbridge/session"
	"github.com/jmerkel/devbridge/pkg/devbridge/task"
)

type stubRunner struct{ out string }

func (s stubRunner) Run(context.Context, task.Invocation) (string, error) { return s.out, nil }

func newTestDeps(t *testing.T) (*session.Registry, *task.Manager) {
	t.Helper()
	dir := t.TempDir()
	registry := session.NewRegistry(
		filepath.Join(dir, "sessions.json"),
		filepath.Join(dir, "projects"),
		"default-model", nil)
	manager := task.NewManager(registry, stubRunner{out: "done"}, time.Minute, nil)
	return registry, manager
}

func TestNewSkipsInvalidJobs(t *testing.T) {
	t.Parallel()
	registry, manager := newTestDeps(t)

	cfg := config.SchedulerConfig{
		Enabled: true,
		Jobs: []config.ScheduledJob{
			{Schedule: "not a cron expr", Chat: "Proj", Prompt: "daily check"},
			{Schedule: "@daily", Chat: "", Prompt: "no chat"},
			{Schedule: "@hourly", Chat: "Proj", Prompt: "valid"},
		},
	}
	s, err := New(cfg, registry, manager, nil)
	if err != nil {
		t.Fatalf("New with one valid job: %v", err)
	}
	if s == nil {
		t.Fatal("nil scheduler")
	}
}

func TestNewAllJobsInvalid(t *testing.T) {
	t.Parallel()
	registry, manager := newTestDeps(t)

	cfg := config.SchedulerConfig{
		Enabled: true,
		Jobs: []config.ScheduledJob{
			{Schedule: "garbage", Chat: "Proj", Prompt: "x"},
		},
	}
	if _, err := New(cfg, registry, manager, nil); err == nil {
		t.Error("New accepted config with no valid jobs")
	}
}

func TestFireSkipsUnregisteredChat(t *testing.T) {
	t.Parallel()
	registry, manager := newTestDeps(t)

	s, err := New(config.SchedulerConfig{}, registry, manager, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.fire("job-0", config.ScheduledJob{Schedule: "@daily", Chat: "Nobody", Prompt: "work"})
	manager.Wait()

	select {
	case resp := <-manager.Responses():
		t.Errorf("unregistered chat produced response: %+v", resp)
	default:
	}
}

func TestFireDispatchesRegisteredChat(t *testing.T) {
	t.Parallel()
	registry, manager := newTestDeps(t)

	if _, err := registry.Activate("Proj", ""); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	s, err := New(config.SchedulerConfig{}, registry, manager, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.fire("job-0", config.ScheduledJob{Schedule: "@daily", Chat: "Proj", Prompt: "nightly build"})
	manager.Wait()

	// A dispatched job yields the usual plan + execution replies.
	var texts []string
	for i := 0; i < 2; i++ {
		select {
		case resp := <-manager.Responses():
			texts = append(texts, resp.Text)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for scheduled task replies")
		}
	}
	if !strings.Contains(texts[0], task.PlanMarker) {
		t.Errorf("first reply = %q", texts[0])
	}
}
