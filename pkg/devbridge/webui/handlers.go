package webui

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmerkel/devbridge/pkg/devbridge/command"
	"github.com/jmerkel/devbridge/pkg/devbridge/session"
)

// handleStatus reports overall bridge health.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":    s.adapter.IsConnected(),
		"active_tasks": s.tasks.ActiveTasks(),
		"sessions":     s.sessions.ActiveChats(),
		"chats":        s.adapter.GetAllChats(),
	})
}

// handleSessions lists registered sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	type sessionView struct {
		Chat      string `json:"chat"`
		Workspace string `json:"workspace"`
		Model     string `json:"model"`
		HasPrompt bool   `json:"has_custom_prompt"`
		Busy      bool   `json:"busy"`
	}
	var out []sessionView
	for chat, rec := range s.sessions.Snapshot() {
		out = append(out, sessionView{
			Chat:      chat,
			Workspace: rec.WorkspacePath,
			Model:     rec.Model,
			HasPrompt: rec.SystemPrompt != "",
			Busy:      s.tasks.HasActiveTask(chat),
		})
	}
	if out == nil {
		out = []sessionView{}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSessionDetail serves one session:
// GET /api/sessions/{chat} returns the record plus workspace artifacts;
// POST /api/sessions/{chat} updates the model or system prompt override.
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	chatName := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if chatName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing chat name"})
		return
	}

	rec, actual, ok := s.lookupSession(chatName)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req struct {
			Model        *string `json:"model"`
			SystemPrompt *string `json:"system_prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		if req.Model != nil {
			s.sessions.SetModel(actual, *req.Model)
		}
		if req.SystemPrompt != nil {
			s.sessions.SetSystemPrompt(actual, *req.SystemPrompt)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
		return
	case http.MethodGet:
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	data := map[string]any{
		"chat":      actual,
		"workspace": rec.WorkspacePath,
		"model":     rec.Model,
		"busy":      s.tasks.HasActiveTask(actual),
	}
	if rec.WorkspacePath != "" {
		data["objective"] = readArtifact(rec.WorkspacePath, session.ObjectiveFile)
		data["todo"] = readArtifact(rec.WorkspacePath, session.TodoFile)
		data["errors"] = readErrorLog(rec.WorkspacePath)
	}
	writeJSON(w, http.StatusOK, data)
}

// handleEvents returns the recent event ring, oldest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Events().Snapshot())
}

// handleHistory returns recent interaction-log lines, newest first.
// Query params: chat (optional filter), n (default 50).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	lines := s.orch.History().Tail(r.URL.Query().Get("chat"), n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, lines)
}

// handleSend queues an outbound message through the normal response path,
// so dashboard sends honor the same rate limits as everything else.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req struct {
		Chat string `json:"chat"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Chat == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat and text are required"})
		return
	}
	s.orch.SendDirect(req.Chat, req.Text)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleQR streams login QR events as SSE until the client disconnects or
// login resolves.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if s.qr == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "QR login not available"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	events, unsubscribe := s.qr.SubscribeQR()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, flusher, "qr", evt)
			if evt.Type == "success" || evt.Type == "timeout" || evt.Type == "error" {
				return
			}
		}
	}
}

// lookupSession finds a registry record by (normalized) chat name.
func (s *Server) lookupSession(chatName string) (session.Record, string, bool) {
	want := command.NormalizeName(chatName)
	for chat, rec := range s.sessions.Snapshot() {
		if command.NormalizeName(chat) == want {
			return rec, chat, true
		}
	}
	return session.Record{}, "", false
}

// readArtifact reads one workspace file, truncated for display.
func readArtifact(workspace, name string) string {
	data, err := os.ReadFile(filepath.Join(workspace, name))
	if err != nil {
		return ""
	}
	const maxDisplay = 16 * 1024
	if len(data) > maxDisplay {
		data = data[:maxDisplay]
	}
	return string(data)
}

// readErrorLog returns the parsed entries of a workspace error log,
// newest first, capped at 20.
func readErrorLog(workspace string) []map[string]any {
	data, err := os.ReadFile(filepath.Join(workspace, session.ErrorLogFile))
	if err != nil {
		return []map[string]any{}
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	out := []map[string]any{}
	for i := len(lines) - 1; i >= 0 && len(out) < 20; i-- {
		if lines[i] == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out
}
