// Package whatsapp implements the channels.Adapter contract on top of
// whatsmeow — a native Go WhatsApp Web API library. No browser automation.
//
// whatsmeow is push-based; the bridge core polls. The adapter reconciles the
// two with per-chat message buffers: every incoming event is appended to a
// bounded buffer keyed by chat, and the poll-side methods (GetUnreadChats,
// GetHistory) read from those buffers. Unread counts are cleared when
// history is fetched, matching the read semantics of a chat client.
//
// Session persistence uses whatsmeow's SQLite store, so a single QR scan
// survives restarts.
package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jmerkel/devbridge/pkg/devbridge/channels"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// Config holds the WhatsApp adapter configuration.
type Config struct {
	// DatabasePath is the SQLite file for whatsmeow session persistence.
	DatabasePath string

	// DeviceName is shown in the WhatsApp linked-devices list.
	DeviceName string

	// HistoryDepth caps how many messages are buffered per chat.
	HistoryDepth int

	// MaxMediaSizeMB is the largest media file DownloadMedia will fetch.
	MaxMediaSizeMB int
}

// QREvent is a login QR update streamed to observers (the web dashboard).
type QREvent struct {
	// Type is "code", "success", "timeout", or "error".
	Type string `json:"type"`
	// Code is the raw QR string (only for Type == "code").
	Code string `json:"code,omitempty"`
	// Message is a human-readable description.
	Message string `json:"message,omitempty"`
}

// bufferedMessage is one entry in a chat buffer. The raw protobuf message is
// kept alongside the core view so media can be downloaded on demand.
type bufferedMessage struct {
	channels.Message
	raw *waE2E.Message
}

// chatState is the adapter-side view of one chat.
type chatState struct {
	jid      types.JID
	name     string
	isGroup  bool
	messages []bufferedMessage
	unread   int
}

// Adapter implements channels.Adapter for WhatsApp.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	client    *whatsmeow.Client
	connected atomic.Bool

	// ready is closed by the Connected event handler; Login blocks on it.
	ready     chan struct{}
	readyOnce sync.Once

	// mu guards chats. Keys are normalized chat names.
	mu    sync.Mutex
	chats map[string]*chatState

	// qrMu guards the QR observer list.
	qrMu        sync.Mutex
	qrObservers []chan QREvent

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp adapter. Login must be called before use.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "DevBridge"
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 50
	}
	if cfg.MaxMediaSizeMB <= 0 {
		cfg.MaxMediaSizeMB = 16
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
		ready:  make(chan struct{}),
		chats:  make(map[string]*chatState),
	}
}

// SubscribeQR registers an observer for QR login events. The returned
// function unsubscribes. Events are dropped if the observer falls behind.
func (a *Adapter) SubscribeQR() (chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	a.qrMu.Lock()
	a.qrObservers = append(a.qrObservers, ch)
	a.qrMu.Unlock()

	unsubscribe := func() {
		a.qrMu.Lock()
		defer a.qrMu.Unlock()
		for i, obs := range a.qrObservers {
			if obs == ch {
				a.qrObservers = append(a.qrObservers[:i], a.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

func (a *Adapter) notifyQR(evt QREvent) {
	a.qrMu.Lock()
	defer a.qrMu.Unlock()
	for _, obs := range a.qrObservers {
		select {
		case obs <- evt:
		default:
		}
	}
}

// Login connects to WhatsApp Web. With a stored session it reconnects; on
// first run it drives the QR pairing flow, streaming codes to observers.
// Returns false without error when timeout elapses before the session is
// usable.
func (a *Adapter) Login(ctx context.Context, timeout time.Duration) (bool, error) {
	a.ctx, a.cancel = context.WithCancel(ctx)

	container, err := sqlstore.New(a.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", a.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		return false, fmt.Errorf("creating session store: %w", err)
	}

	device, err := a.getDevice(a.ctx, container)
	if err != nil {
		return false, fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(a.cfg.DeviceName, [3]uint32{1, 0, 0})

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)
	a.client.EnableAutoReconnect = true
	a.client.InitialAutoReconnect = true

	if a.client.Store.ID == nil {
		a.logger.Info("no stored session, QR pairing required")
		return a.loginWithQR(a.ctx, timeout)
	}

	if err := a.client.Connect(); err != nil {
		return false, fmt.Errorf("connecting: %w", err)
	}

	select {
	case <-a.ready:
		a.logger.Info("connected with stored session", "jid", a.client.Store.ID.String())
		return true, nil
	case <-time.After(timeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// loginWithQR drives the pairing flow, blocking until success, QR timeout,
// or the overall deadline.
func (a *Adapter) loginWithQR(ctx context.Context, timeout time.Duration) (bool, error) {
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return false, fmt.Errorf("getting QR channel: %w", err)
	}
	if err := a.client.Connect(); err != nil {
		return false, fmt.Errorf("connecting for QR: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			a.notifyQR(QREvent{Type: "timeout", Message: "Login window elapsed"})
			return false, nil
		case evt, ok := <-qrChan:
			if !ok {
				return false, fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				a.logger.Info("QR code ready, scan via dashboard")
				a.notifyQR(QREvent{
					Type:    "code",
					Code:    evt.Code,
					Message: "Scan the QR code with WhatsApp to link your device",
				})
			case "success":
				a.connected.Store(true)
				a.logger.Info("QR pairing successful")
				a.notifyQR(QREvent{Type: "success", Message: "WhatsApp linked successfully"})
				return true, nil
			case "timeout":
				a.logger.Warn("QR code expired before scan")
				a.notifyQR(QREvent{Type: "timeout", Message: "QR code expired"})
				return false, nil
			default:
				if evt.Error != nil {
					a.notifyQR(QREvent{Type: "error", Message: evt.Error.Error()})
					return false, fmt.Errorf("QR login: %w", evt.Error)
				}
			}
		}
	}
}

// getDevice returns the stored device or creates a fresh one.
func (a *Adapter) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// IsConnected reports whether the WhatsApp session is usable.
func (a *Adapter) IsConnected() bool {
	return a.connected.Load()
}

// Close disconnects from WhatsApp.
func (a *Adapter) Close() error {
	a.connected.Store(false)
	if a.cancel != nil {
		a.cancel()
	}
	if a.client != nil {
		a.client.Disconnect()
	}
	a.logger.Info("disconnected")
	return nil
}

// GetUnreadChats returns chats with buffered unread messages.
func (a *Adapter) GetUnreadChats() []channels.ChatChannel {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []channels.ChatChannel
	for _, st := range a.chats {
		if st.unread > 0 {
			out = append(out, channels.ChatChannel{
				Name:        st.name,
				UnreadCount: st.unread,
				IsGroup:     st.isGroup,
			})
		}
	}
	return out
}

// GetAllChats lists every chat the adapter has seen this session.
func (a *Adapter) GetAllChats() []channels.ChatChannel {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]channels.ChatChannel, 0, len(a.chats))
	for _, st := range a.chats {
		out = append(out, channels.ChatChannel{
			Name:        st.name,
			UnreadCount: st.unread,
			IsGroup:     st.isGroup,
		})
	}
	return out
}

// GetHistory returns up to limit most recent buffered messages, oldest
// first, and clears the chat's unread count.
func (a *Adapter) GetHistory(chatName string, limit int) []channels.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.chats[normalizeName(chatName)]
	if st == nil {
		return nil
	}
	st.unread = 0

	msgs := st.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]channels.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Message
	}
	return out
}

// SendMessage sends text to the named chat. The chat must be known from the
// buffer, or the name must itself parse as a JID / phone number.
func (a *Adapter) SendMessage(ctx context.Context, chatName, text string) error {
	if !a.connected.Load() {
		return channels.ErrNotConnected
	}

	jid, err := a.resolveJID(chatName)
	if err != nil {
		return err
	}

	waMsg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := a.client.SendMessage(ctx, jid, waMsg); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}

	a.recordOutgoing(jid, chatName, text)
	return nil
}

// DownloadMedia fetches the media payload of a buffered message and returns
// it as base64 data-URLs. messageIndex counts from the end of the buffer
// (-1 = most recent).
func (a *Adapter) DownloadMedia(ctx context.Context, chatName string, messageIndex int, mediaType channels.MessageType) ([]string, error) {
	if !a.connected.Load() {
		return nil, channels.ErrNotConnected
	}

	a.mu.Lock()
	st := a.chats[normalizeName(chatName)]
	if st == nil {
		a.mu.Unlock()
		return nil, channels.ErrChatNotFound
	}
	idx := messageIndex
	if idx < 0 {
		idx = len(st.messages) + idx
	}
	if idx < 0 || idx >= len(st.messages) {
		a.mu.Unlock()
		return nil, channels.ErrNoMedia
	}
	entry := st.messages[idx]
	a.mu.Unlock()

	if entry.raw == nil || entry.Type != mediaType {
		return nil, channels.ErrNoMedia
	}

	downloadable, mime, size := mediaPart(entry.raw)
	if downloadable == nil {
		return nil, channels.ErrNoMedia
	}
	if max := uint64(a.cfg.MaxMediaSizeMB) * 1024 * 1024; size > max {
		return nil, fmt.Errorf("media too large: %d bytes (limit %d MB)", size, a.cfg.MaxMediaSizeMB)
	}

	data, err := a.client.Download(ctx, downloadable)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}

	url := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
	return []string{url}, nil
}

// resolveJID maps a chat name to a JID, preferring the buffered chat state
// and falling back to parsing the name itself.
func (a *Adapter) resolveJID(chatName string) (types.JID, error) {
	a.mu.Lock()
	st := a.chats[normalizeName(chatName)]
	a.mu.Unlock()
	if st != nil {
		return st.jid, nil
	}
	jid, err := parseJID(chatName)
	if err != nil {
		return types.JID{}, fmt.Errorf("%w: %s", channels.ErrChatNotFound, chatName)
	}
	return jid, nil
}

// recordOutgoing appends a sent message to the chat buffer so fetched
// history reflects both sides of the conversation.
func (a *Adapter) recordOutgoing(jid types.JID, chatName, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.chatStateLocked(jid, chatName, jid.Server == types.GroupServer)
	a.appendLocked(st, bufferedMessage{
		Message: channels.Message{
			Role:      channels.RoleOutgoing,
			Content:   text,
			Type:      channels.MessageText,
			Timestamp: fmt.Sprintf("out-%d", time.Now().UnixNano()),
		},
	})
}

// chatStateLocked returns the chat state for jid, creating it if new.
// Caller holds mu.
func (a *Adapter) chatStateLocked(jid types.JID, name string, isGroup bool) *chatState {
	key := normalizeName(name)
	st, ok := a.chats[key]
	if !ok {
		st = &chatState{jid: jid, name: name, isGroup: isGroup}
		a.chats[key] = st
	}
	return st
}

// appendLocked adds a message to a chat buffer, evicting the oldest past
// the configured depth. Caller holds mu.
func (a *Adapter) appendLocked(st *chatState, msg bufferedMessage) {
	st.messages = append(st.messages, msg)
	if len(st.messages) > a.cfg.HistoryDepth {
		st.messages = st.messages[len(st.messages)-a.cfg.HistoryDepth:]
	}
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// normalizeName canonicalizes a chat name for map lookups: lowercase,
// alphanumerics only. "My Project" and "my-project" address the same chat.
func normalizeName(name string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(name), "")
}

// parseJID converts a string to a types.JID. Accepts a full JID
// ("123@s.whatsapp.net", "123-456@g.us") or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
