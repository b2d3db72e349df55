// Package command parses and executes administrative commands issued from
// the admin chat. Ordinary project messages pass through untouched; only the
// admin identity (matched after normalization) can mutate the registry.
package command

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jmerkel/devbridge/pkg/devbridge/session"
)

// ErrRestartRequested is the distinguished condition raised by /restart.
// It propagates up through the orchestrator to the supervisor, which tears
// the bridge down and logs in again. It is never swallowed.
var ErrRestartRequested = errors.New("bridge restart requested")

// RepairFunc invokes the manual-repair agent with an instruction and returns
// its textual result.
type RepairFunc func(sourceChat, instruction string) string

// Processor executes admin commands against the session registry.
type Processor struct {
	sessions  *session.Registry
	adminChat string
	repair    RepairFunc
	logger    *slog.Logger
}

// NewProcessor creates a command processor. repair may be nil, in which case
// /repair reports that no repair pathway is configured.
func NewProcessor(sessions *session.Registry, adminChat string, repair RepairFunc, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		sessions:  sessions,
		adminChat: adminChat,
		repair:    repair,
		logger:    logger.With("component", "commands"),
	}
}

// IsAdminChat reports whether name matches the configured admin identity,
// compared after normalization. Stateless; any caller may use it.
func (p *Processor) IsAdminChat(name string) bool {
	return p.adminChat != "" && NormalizeName(name) == NormalizeName(p.adminChat)
}

// Process handles one raw message from sourceChat. handled is false when the
// message is not an administrative command and should fall through to task
// routing (all non-admin sources, and admin text without a leading slash).
// The only non-nil error ever returned is ErrRestartRequested.
func (p *Processor) Process(sourceChat, rawText string, isAdmin bool) (reply string, handled bool, err error) {
	text := strings.TrimSpace(rawText)
	if !isAdmin || !strings.HasPrefix(text, "/") {
		return "", false, nil
	}

	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return "", false, nil
	}

	cmd := strings.ToLower(tokens[0])
	args := tokens[1:]
	p.logger.Info("admin command", "chat", sourceChat, "command", cmd)

	switch cmd {
	case "/register":
		return p.handleRegister(sourceChat, args), true, nil
	case "/unregister":
		p.sessions.Deactivate(sourceChat)
		return fmt.Sprintf("Session for '%s' unregistered. Workspace files were kept.", sourceChat), true, nil
	case "/system":
		return p.handleSystem(sourceChat, args), true, nil
	case "/restart":
		return "", true, ErrRestartRequested
	case "/repair":
		return p.handleRepair(sourceChat, args), true, nil
	default:
		return usageText, true, nil
	}
}

func (p *Processor) handleRegister(sourceChat string, args []string) string {
	chatName := sourceChat
	folder := ""
	if len(args) > 0 {
		chatName = args[0]
	}
	if len(args) > 1 {
		folder = args[1]
	}

	workspace, err := p.sessions.Activate(chatName, folder)
	if err != nil {
		p.logger.Error("registration failed", "chat", chatName, "err", err)
		return fmt.Sprintf("Registration of '%s' failed: %v", chatName, err)
	}
	return fmt.Sprintf("Session registered for '%s'. Workspace: %s", chatName, workspace)
}

func (p *Processor) handleSystem(sourceChat string, args []string) string {
	if len(args) == 0 {
		current := p.sessions.GetSystemPrompt(sourceChat)
		if current == "" {
			return "No custom system prompt set, using default."
		}
		return fmt.Sprintf("The current custom system prompt is '%s'.", current)
	}

	if len(args) == 1 && strings.EqualFold(args[0], "reset") {
		p.sessions.SetSystemPrompt(sourceChat, "")
		return "System prompt reset to default."
	}

	prompt := strings.Join(args, " ")
	p.sessions.SetSystemPrompt(sourceChat, prompt)
	return "Custom system prompt updated."
}

func (p *Processor) handleRepair(sourceChat string, args []string) string {
	if p.repair == nil {
		return "No repair pathway configured."
	}
	if len(args) == 0 {
		return "Usage: /repair <instruction>"
	}
	return p.repair(sourceChat, strings.Join(args, " "))
}

const usageText = `Unknown command. Available:
/register [<name>] [<folder>] - register a chat as a project
/unregister - deactivate the current session
/system [<text>|reset] - show, set, or reset the custom system prompt
/restart - tear down and restart the bridge
/repair <instruction> - run the repair agent`

var (
	tokenPattern     = regexp.MustCompile(`"([^"]*)"|(\S+)`)
	normalizePattern = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// Tokenize splits a command line on whitespace, keeping double-quoted spans
// as single tokens (quotes stripped).
func Tokenize(text string) []string {
	var tokens []string
	for _, m := range tokenPattern.FindAllStringSubmatch(strings.TrimSpace(text), -1) {
		if m[1] != "" || strings.HasPrefix(m[0], `"`) {
			tokens = append(tokens, m[1])
		} else {
			tokens = append(tokens, m[2])
		}
	}
	return tokens
}

// NormalizeName reduces a chat identity to its comparable form: all
// non-alphanumeric characters stripped, lowercased. Phone numbers with and
// without spacing normalize identically.
func NormalizeName(name string) string {
	return strings.ToLower(normalizePattern.ReplaceAllString(name, ""))
}
