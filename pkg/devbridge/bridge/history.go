package bridge

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// HistoryLog appends human-readable interaction lines to a flat log file.
// Best effort: write failures are logged and never interrupt the bridge.
type HistoryLog struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewHistoryLog creates an interaction log writing to path. An empty path
// disables logging.
func NewHistoryLog(path string, logger *slog.Logger) *HistoryLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryLog{path: path, logger: logger.With("component", "history")}
}

// Append records one interaction line: "[ts] [chat] sender: content".
func (h *HistoryLog) Append(chat, sender, content string) {
	if h.path == "" {
		return
	}
	line := fmt.Sprintf("[%s] [%s] %s: %s\n",
		time.Now().Format("2006-01-02 15:04:05"), chat, sender, content)

	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		h.logger.Warn("failed to open history log", "err", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		h.logger.Warn("failed to write history log", "err", err)
	}
}

// Tail returns up to n most recent lines, newest first. Optionally filtered
// to one chat.
func (h *HistoryLog) Tail(chat string, n int) []string {
	if h.path == "" || n <= 0 {
		return nil
	}
	h.mu.Lock()
	data, err := os.ReadFile(h.path)
	h.mu.Unlock()
	if err != nil {
		return nil
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if lines[i] == "" {
			continue
		}
		if chat != "" && !strings.Contains(lines[i], "["+chat+"]") {
			continue
		}
		out = append(out, lines[i])
	}
	return out
}
