package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace seed artifact names. These are part of the workspace contract:
// the agent reads and maintains them, the dashboard renders them.
const (
	ObjectiveFile = "OBJECTIVE.md"
	TodoFile      = "TODO.md"
	AgentFile     = "AGENT.md"
	ErrorLogFile  = "error.log"
)

// seedWorkspace creates the workspace directory and its three seed artifacts.
// Seeding is idempotent: existing artifacts are never overwritten, so
// re-activation cannot clobber work the agent has already recorded in them.
func seedWorkspace(path, chatName string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating workspace directory: %w", err)
	}

	artifacts := map[string]string{
		ObjectiveFile: objectiveTemplate(chatName),
		TodoFile:      todoTemplate(chatName),
		AgentFile:     agentTemplate(chatName),
	}
	for name, content := range artifacts {
		target := filepath.Join(path, name)
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

func objectiveTemplate(chatName string) string {
	return fmt.Sprintf(`# Objective

Project workspace for chat: %s

Describe the overall goal of this project here. The agent refines this
document as the objective becomes clearer.
`, chatName)
}

func todoTemplate(chatName string) string {
	return fmt.Sprintf(`# TODO — %s

- [ ] Define the project objective in OBJECTIVE.md
`, chatName)
}

func agentTemplate(chatName string) string {
	return fmt.Sprintf(`# Agent Context — %s

You are working inside a dedicated project workspace driven by chat messages.

## Working rules

- Keep OBJECTIVE.md up to date with the current project goal.
- Maintain TODO.md as the single task list: add tasks when planning, check
  them off when executing.

## Git & Storage (Git Storing)

- Initialize a git repository in this workspace if none exists.
- Commit after every meaningful change with a descriptive message.

## Traceability Loop

Every request follows plan-then-execute: first produce a short plan, then
perform the work and record the outcome in TODO.md.
`, chatName)
}
