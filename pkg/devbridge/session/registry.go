// Package session implements the durable registry binding chat identities to
// workspace directories and their per-chat overrides (model, system prompt).
//
// The registry is the single owner of session state: all mutations go through
// its methods, are serialized by one mutex, and are mirrored to a durable JSON
// record after every change. Reloading the record reproduces an equivalent
// registry.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Record is the durable per-chat entry. A chat is active while its
// WorkspacePath is set; chats that only carry overrides (model or system
// prompt set before registration) keep an entry with an empty path.
type Record struct {
	WorkspacePath string `json:"workspace_path"`
	Model         string `json:"model,omitempty"`
	SystemPrompt  string `json:"system_prompt,omitempty"`
}

// fileFormat is the wholesale-rewritten durable document.
type fileFormat struct {
	Sessions map[string]Record `json:"sessions"`
}

// Registry is the session registry. Safe for concurrent use.
type Registry struct {
	persistencePath string
	projectsDir     string
	defaultModel    string
	logger          *slog.Logger

	mu       sync.Mutex
	sessions map[string]Record
}

// NewRegistry creates a registry persisting to persistencePath, deriving
// workspaces under projectsDir, and answering defaultModel for chats without
// a model override. An existing durable record is loaded; a missing or
// unreadable one starts empty.
func NewRegistry(persistencePath, projectsDir, defaultModel string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		persistencePath: persistencePath,
		projectsDir:     projectsDir,
		defaultModel:    defaultModel,
		logger:          logger.With("component", "sessions"),
		sessions:        make(map[string]Record),
	}
	r.load()
	return r
}

// load reads the durable record. Errors are logged, never fatal: the bridge
// must come up even with a corrupt record, which will be rewritten on the
// next mutation.
func (r *Registry) load() {
	data, err := os.ReadFile(r.persistencePath)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed to read session record", "path", r.persistencePath, "err", err)
		}
		return
	}
	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("corrupt session record, starting empty", "path", r.persistencePath, "err", err)
		return
	}
	if doc.Sessions != nil {
		r.sessions = doc.Sessions
	}
}

// persistLocked rewrites the durable record wholesale via an atomic replace.
// Callers hold r.mu. Failures are logged and returned; most callers only log,
// keeping in-memory state authoritative until the next successful write.
func (r *Registry) persistLocked() error {
	doc := fileFormat{Sessions: r.sessions}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}
	if dir := filepath.Dir(r.persistencePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating record directory: %w", err)
		}
	}
	tmp := r.persistencePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing session record: %w", err)
	}
	if err := os.Rename(tmp, r.persistencePath); err != nil {
		return fmt.Errorf("replacing session record: %w", err)
	}
	return nil
}

// Activate registers a chat, resolving and seeding its workspace.
// folderPath semantics: absolute → used verbatim; relative → resolved under
// the projects directory; empty → a unique directory derived from the chat
// name. Already-active chats are a no-op returning the existing path.
func (r *Registry) Activate(chatName, folderPath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.sessions[chatName]; ok && rec.WorkspacePath != "" {
		return rec.WorkspacePath, nil
	}

	workspace, err := r.resolveWorkspaceLocked(chatName, folderPath)
	if err != nil {
		return "", err
	}
	if err := seedWorkspace(workspace, chatName); err != nil {
		return "", fmt.Errorf("seeding workspace for %q: %w", chatName, err)
	}

	rec := r.sessions[chatName]
	rec.WorkspacePath = workspace
	r.sessions[chatName] = rec

	if err := r.persistLocked(); err != nil {
		// Activation must not claim durability it does not have.
		delete(r.sessions, chatName)
		return "", err
	}

	r.logger.Info("session activated", "chat", chatName, "workspace", workspace)
	return workspace, nil
}

// resolveWorkspaceLocked picks the workspace directory for a chat.
func (r *Registry) resolveWorkspaceLocked(chatName, folderPath string) (string, error) {
	if folderPath != "" {
		if filepath.IsAbs(folderPath) {
			return folderPath, nil
		}
		return filepath.Join(r.projectsDir, folderPath), nil
	}

	base := sanitizeDirName(chatName)
	candidate := filepath.Join(r.projectsDir, base)
	// Two distinct chat names must never share a derived workspace, even
	// when they sanitize to the same directory name.
	for i := 2; r.workspaceTakenLocked(chatName, candidate); i++ {
		candidate = filepath.Join(r.projectsDir, fmt.Sprintf("%s_%d", base, i))
	}
	return candidate, nil
}

func (r *Registry) workspaceTakenLocked(chatName, path string) bool {
	for name, rec := range r.sessions {
		if name != chatName && rec.WorkspacePath == path {
			return true
		}
	}
	return false
}

// Deactivate removes a chat from the active set. The workspace directory and
// its files remain on disk for audit. Persistence failures are logged only.
func (r *Registry) Deactivate(chatName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[chatName]; !ok {
		return
	}
	delete(r.sessions, chatName)
	if err := r.persistLocked(); err != nil {
		r.logger.Warn("failed to persist deactivation", "chat", chatName, "err", err)
	}
	r.logger.Info("session deactivated", "chat", chatName)
}

// IsActive reports whether the chat has an active session.
func (r *Registry) IsActive(chatName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[chatName]
	return ok && rec.WorkspacePath != ""
}

// GetWorkspace returns the chat's workspace path, activating the session on
// first use (lazy activation with a derived directory).
func (r *Registry) GetWorkspace(chatName string) (string, error) {
	r.mu.Lock()
	if rec, ok := r.sessions[chatName]; ok && rec.WorkspacePath != "" {
		r.mu.Unlock()
		return rec.WorkspacePath, nil
	}
	r.mu.Unlock()
	return r.Activate(chatName, "")
}

// SetModel records a per-chat model override.
func (r *Registry) SetModel(chatName, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.sessions[chatName]
	rec.Model = model
	r.sessions[chatName] = rec
	if err := r.persistLocked(); err != nil {
		r.logger.Warn("failed to persist model override", "chat", chatName, "err", err)
	}
}

// GetModel returns the chat's model override, or the default model.
func (r *Registry) GetModel(chatName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sessions[chatName]; ok && rec.Model != "" {
		return rec.Model
	}
	return r.defaultModel
}

// SetSystemPrompt records a per-chat system prompt override. An empty prompt
// clears the override.
func (r *Registry) SetSystemPrompt(chatName, prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.sessions[chatName]
	rec.SystemPrompt = prompt
	r.sessions[chatName] = rec
	if err := r.persistLocked(); err != nil {
		r.logger.Warn("failed to persist system prompt", "chat", chatName, "err", err)
	}
}

// GetSystemPrompt returns the chat's system prompt override, or "".
func (r *Registry) GetSystemPrompt(chatName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[chatName].SystemPrompt
}

// ActiveChats returns the names of all active chats, sorted.
func (r *Registry) ActiveChats() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sessions))
	for name, rec := range r.sessions {
		if rec.WorkspacePath != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of all active sessions for read-only consumers
// (the dashboard).
func (r *Registry) Snapshot() map[string]Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Record, len(r.sessions))
	for name, rec := range r.sessions {
		if rec.WorkspacePath != "" {
			out[name] = rec
		}
	}
	return out
}

// sanitizeDirName maps a chat name to a filesystem-friendly directory name.
func sanitizeDirName(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), "_")
	if s == "" {
		s = "chat"
	}
	return s
}
