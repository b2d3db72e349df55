package command

import (
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/jmerkel/devbridge/pkg/devbridge/session"
)

func newTestProcessor(t *testing.T, repair RepairFunc) (*Processor, *session.Registry) {
	t.Helper()
	dir := t.TempDir()
	registry := session.NewRegistry(
		filepath.Join(dir, "sessions.json"),
		filepath.Join(dir, "projects"),
		"default-model", nil)
	return NewProcessor(registry, "Admin Chat", repair, nil), registry
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Admin Chat", "adminchat"},
		{"admin-chat", "adminchat"},
		{"+49 170 1234567", "491701234567"},
		{"49(170)123-4567", "491701234567"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			"plain words",
			"/register chat folder",
			[]string{"/register", "chat", "folder"},
		},
		{
			"quoted spans",
			`/register "My Special Group" "folder/path"`,
			[]string{"/register", "My Special Group", "folder/path"},
		},
		{
			"mixed",
			`/system "be very terse" please`,
			[]string{"/system", "be very terse", "please"},
		},
		{
			"empty quotes",
			`/register "" x`,
			[]string{"/register", "", "x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Tokenize(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsAdminChat(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t, nil)

	if !p.IsAdminChat("admin chat") {
		t.Error("normalized admin name not recognized")
	}
	if !p.IsAdminChat("ADMIN-CHAT") {
		t.Error("case/punctuation variant not recognized")
	}
	if p.IsAdminChat("someone else") {
		t.Error("non-admin recognized as admin")
	}
}

func TestProcessNonAdminFallsThrough(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t, nil)

	reply, handled, err := p.Process("other chat", "/register x", false)
	if err != nil || handled || reply != "" {
		t.Errorf("non-admin command: reply=%q handled=%v err=%v, want fallthrough", reply, handled, err)
	}

	reply, handled, err = p.Process("Admin Chat", "just some text", true)
	if err != nil || handled || reply != "" {
		t.Errorf("admin plain text: reply=%q handled=%v err=%v, want fallthrough", reply, handled, err)
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	t.Parallel()
	p, registry := newTestProcessor(t, nil)

	reply, handled, err := p.Process("Admin Chat", `/register "My Group"`, true)
	if err != nil || !handled {
		t.Fatalf("register: handled=%v err=%v", handled, err)
	}
	if !strings.Contains(reply, "My Group") {
		t.Errorf("register reply = %q, want chat name in it", reply)
	}
	if !registry.IsActive("My Group") {
		t.Error("registry not activated by /register")
	}

	// Bare /register registers the source chat itself.
	if _, _, err := p.Process("Admin Chat", "/register", true); err != nil {
		t.Fatalf("self register: %v", err)
	}
	if !registry.IsActive("Admin Chat") {
		t.Error("bare /register did not activate the source chat")
	}

	reply, handled, err = p.Process("Admin Chat", "/unregister", true)
	if err != nil || !handled {
		t.Fatalf("unregister: handled=%v err=%v", handled, err)
	}
	if registry.IsActive("Admin Chat") {
		t.Error("registry still active after /unregister")
	}
	if !strings.Contains(reply, "unregistered") {
		t.Errorf("unregister reply = %q", reply)
	}
}

func TestSystemPromptCommand(t *testing.T) {
	t.Parallel()
	p, registry := newTestProcessor(t, nil)

	reply, _, _ := p.Process("Admin Chat", "/system", true)
	if reply != "No custom system prompt set, using default." {
		t.Errorf("view unset = %q", reply)
	}

	reply, _, _ = p.Process("Admin Chat", `/system "always answer in haiku"`, true)
	if reply != "Custom system prompt updated." {
		t.Errorf("set = %q", reply)
	}
	if got := registry.GetSystemPrompt("Admin Chat"); got != "always answer in haiku" {
		t.Errorf("stored prompt = %q", got)
	}

	reply, _, _ = p.Process("Admin Chat", "/system", true)
	if !strings.Contains(reply, "always answer in haiku") {
		t.Errorf("view set = %q", reply)
	}

	reply, _, _ = p.Process("Admin Chat", "/system reset", true)
	if reply != "System prompt reset to default." {
		t.Errorf("reset = %q", reply)
	}
	if got := registry.GetSystemPrompt("Admin Chat"); got != "" {
		t.Errorf("prompt after reset = %q", got)
	}
}

func TestRestartSentinel(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t, nil)

	_, handled, err := p.Process("Admin Chat", "/restart", true)
	if !handled {
		t.Error("restart not handled")
	}
	if !errors.Is(err, ErrRestartRequested) {
		t.Errorf("err = %v, want ErrRestartRequested", err)
	}
}

func TestRepairCommand(t *testing.T) {
	t.Parallel()

	var gotInstruction string
	repair := func(_ string, instruction string) string {
		gotInstruction = instruction
		return "repair done"
	}
	p, _ := newTestProcessor(t, repair)

	reply, _, _ := p.Process("Admin Chat", "/repair fix the poll loop", true)
	if reply != "repair done" {
		t.Errorf("repair reply = %q", reply)
	}
	if gotInstruction != "fix the poll loop" {
		t.Errorf("instruction = %q", gotInstruction)
	}

	reply, _, _ = p.Process("Admin Chat", "/repair", true)
	if !strings.Contains(reply, "Usage") {
		t.Errorf("bare repair reply = %q", reply)
	}
}

func TestUnknownCommandUsage(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t, nil)

	reply, handled, err := p.Process("Admin Chat", "/frobnicate", true)
	if err != nil || !handled {
		t.Fatalf("unknown: handled=%v err=%v", handled, err)
	}
	if !strings.Contains(reply, "/register") {
		t.Errorf("usage reply = %q, want command list", reply)
	}
}
