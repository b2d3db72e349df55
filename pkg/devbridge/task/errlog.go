package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmerkel/devbridge/pkg/devbridge/session"
)

// errorLogEntry is one structured line in the per-workspace error log.
type errorLogEntry struct {
	Timestamp string   `json:"timestamp"`
	Kind      string   `json:"kind"`
	Detail    string   `json:"detail"`
	Command   []string `json:"command,omitempty"`
}

// appendErrorLog writes a structured entry to <workspace>/error.log.
// The log is JSON lines, append-only; the dashboard renders it verbatim.
func appendErrorLog(workspace, kind, detail string, command []string) error {
	entry := errorLogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Kind:      kind,
		Detail:    detail,
		Command:   command,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding error log entry: %w", err)
	}

	path := filepath.Join(workspace, session.ErrorLogFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening error log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing error log: %w", err)
	}
	return nil
}
