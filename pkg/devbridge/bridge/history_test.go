package bridge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHistoryLogAppendAndTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chat_history.log")
	h := NewHistoryLog(path, nil)

	h.Append("Proj", "User", "build the thing")
	h.Append("Proj", "Bot", "on it")
	h.Append("Other", "User", "unrelated")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	first := strings.SplitN(string(data), "\n", 2)[0]
	if !strings.Contains(first, "[Proj] User: build the thing") {
		t.Errorf("line format = %q", first)
	}

	all := h.Tail("", 10)
	if len(all) != 3 {
		t.Fatalf("Tail all = %d lines", len(all))
	}
	// Newest first.
	if !strings.Contains(all[0], "unrelated") {
		t.Errorf("Tail order wrong: %v", all)
	}

	filtered := h.Tail("Proj", 10)
	if len(filtered) != 2 {
		t.Errorf("Tail filtered = %v", filtered)
	}
	for _, line := range filtered {
		if !strings.Contains(line, "[Proj]") {
			t.Errorf("filter leaked line: %q", line)
		}
	}
}

func TestHistoryLogDisabled(t *testing.T) {
	t.Parallel()

	h := NewHistoryLog("", nil)
	h.Append("Proj", "User", "dropped")
	if lines := h.Tail("", 10); lines != nil {
		t.Errorf("Tail on disabled log = %v", lines)
	}
}
