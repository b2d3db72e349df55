// Package webui implements the DevBridge web dashboard: a small JSON API
// plus a single status page. It exposes read views of the session registry,
// the event ring, and the interaction log, one write action (send a message
// into a chat), and the QR login stream as Server-Sent Events.
package webui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmerkel/devbridge/pkg/devbridge/bridge"
	"github.com/jmerkel/devbridge/pkg/devbridge/channels"
	"github.com/jmerkel/devbridge/pkg/devbridge/channels/whatsapp"
	"github.com/jmerkel/devbridge/pkg/devbridge/session"
	"github.com/jmerkel/devbridge/pkg/devbridge/task"
)

// QRSource streams login QR events to subscribers. Nil when the platform
// needs no QR pairing.
type QRSource interface {
	SubscribeQR() (chan whatsapp.QREvent, func())
}

// Options wires a dashboard server.
type Options struct {
	Address  string
	Sessions *session.Registry
	Tasks    *task.Manager
	Bridge   *bridge.Orchestrator
	Adapter  channels.Adapter
	QR       QRSource
	Logger   *slog.Logger
}

// Server is the dashboard HTTP server.
type Server struct {
	addr     string
	sessions *session.Registry
	tasks    *task.Manager
	orch     *bridge.Orchestrator
	adapter  channels.Adapter
	qr       QRSource
	logger   *slog.Logger

	server *http.Server
}

// New creates a dashboard server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     opts.Address,
		sessions: opts.Sessions,
		tasks:    opts.Tasks,
		orch:     opts.Bridge,
		adapter:  opts.Adapter,
		qr:       opts.QR,
		logger:   logger.With("component", "webui"),
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionDetail)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/qr", s.handleQR)
	mux.HandleFunc("/", s.handleIndex)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // disabled for the QR SSE stream
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("dashboard starting", "address", s.addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("dashboard server error", "err", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
	s.logger.Info("dashboard stopped")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSSE writes one named SSE event and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	b, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, string(b))
	flusher.Flush()
}
