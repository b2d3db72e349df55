// Package bridge implements the orchestration core: the polling loop that
// turns chat messages into AI tasks and delivers replies back, rate-limited,
// into the same chats.
//
// One control goroutine runs POLL → CLASSIFY → DISPATCH → DRAIN → SEND →
// SLEEP. AI work runs on worker goroutines owned by the task manager; the
// only conditions that leave Run are the distinguished restart request and
// cycle crashes — everything recoverable is absorbed into responses, events,
// and logs.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jmerkel/devbridge/pkg/devbridge/channels"
	"github.com/jmerkel/devbridge/pkg/devbridge/command"
	"github.com/jmerkel/devbridge/pkg/devbridge/session"
	"github.com/jmerkel/devbridge/pkg/devbridge/task"
)

// ErrLoginFailed is the distinguished condition for a failed platform login.
// The supervisor stops entirely instead of blindly retrying.
var ErrLoginFailed = errors.New("chat platform login failed")

// BotPrefix marks every automated outbound message, and identifies our own
// messages in fetched history so they are never reprocessed.
const BotPrefix = "Bot: "

// systemNoticeMarkers identify platform service messages that must never be
// routed as user requests.
var systemNoticeMarkers = []string{
	"ende-zu-ende",
	"end-to-end encrypted",
}

// MediaProcessor resolves a media message into a local temp file for the
// task. Returns "" when there is nothing to attach. The returned file is
// owned by the dispatched task.
type MediaProcessor func(chatName string, msg channels.Message) (string, error)

// RepairFunc produces a best-effort repair-agent run from a crash report.
type RepairFunc func(report string) string

// Orchestrator is the bridge control loop.
type Orchestrator struct {
	adapter  channels.Adapter
	sessions *session.Registry
	commands *command.Processor
	tasks    *task.Manager

	limiter *RateLimiter
	events  *EventLog
	history *HistoryLog
	repair  RepairFunc

	pollInterval time.Duration
	historyLimit int

	// seen holds, per normalized chat name, the message identifiers that
	// have already been processed (or predate bridge start).
	seen map[string]map[string]struct{}

	logger *slog.Logger
}

// Options wires an Orchestrator.
type Options struct {
	Adapter      channels.Adapter
	Sessions     *session.Registry
	Commands     *command.Processor
	Tasks        *task.Manager
	Limiter      *RateLimiter
	Events       *EventLog
	History      *HistoryLog
	Repair       RepairFunc
	PollInterval time.Duration
	HistoryLimit int
	Logger       *slog.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.Events == nil {
		opts.Events = NewEventLog()
	}
	if opts.History == nil {
		opts.History = NewHistoryLog("", logger)
	}
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter(20*time.Second, 45*time.Second)
	}
	return &Orchestrator{
		adapter:      opts.Adapter,
		sessions:     opts.Sessions,
		commands:     opts.Commands,
		tasks:        opts.Tasks,
		limiter:      opts.Limiter,
		events:       opts.Events,
		history:      opts.History,
		repair:       opts.Repair,
		pollInterval: opts.PollInterval,
		historyLimit: opts.HistoryLimit,
		seen:         make(map[string]map[string]struct{}),
		logger:       logger.With("component", "bridge"),
	}
}

// Events exposes the event log for the dashboard.
func (o *Orchestrator) Events() *EventLog { return o.events }

// History exposes the interaction log for the dashboard.
func (o *Orchestrator) History() *HistoryLog { return o.history }

// SendDirect queues an arbitrary outbound message (dashboard write action).
// It flows through the same queue and rate limiter as every other reply.
func (o *Orchestrator) SendDirect(chat, text string) {
	o.tasks.Enqueue(chat, text)
}

// SeedChats snapshots the identifiers of messages already visible in each
// chat, so history that predates bridge start is never reprocessed. Dedup is
// by identifier membership, never by content.
func (o *Orchestrator) SeedChats(names []string) {
	for _, name := range names {
		if name == "" {
			continue
		}
		key := command.NormalizeName(name)
		set, ok := o.seen[key]
		if !ok {
			set = make(map[string]struct{})
			o.seen[key] = set
		}
		for _, msg := range o.adapter.GetHistory(name, o.historyLimit) {
			if msg.Timestamp != "" {
				set[msg.Timestamp] = struct{}{}
			}
		}
		o.logger.Info("chat seeded", "chat", name, "known_messages", len(set))
	}
}

// Run executes polling cycles until the context is cancelled or a fatal
// condition surfaces. A restart request propagates as ErrRestartRequested;
// a crashed cycle triggers a best-effort repair-agent run and then
// propagates, so the supervisor can relogin with a fresh session.
func (o *Orchestrator) Run(ctx context.Context, mediaCb MediaProcessor) error {
	o.logger.Info("bridge loop started", "poll_interval", o.pollInterval)

	for {
		if err := o.safeCycle(ctx, mediaCb); err != nil {
			if errors.Is(err, command.ErrRestartRequested) {
				o.events.Record("", EventRestart)
				return err
			}
			o.events.Record("", EventCrash)
			o.logger.Error("bridge cycle crashed", "err", err)
			if o.repair != nil {
				report := fmt.Sprintf("CRITICAL SYSTEM CRASH REPORT:\n\nError: %v\n\nPlease analyze the bridge code and suggest a fix.", err)
				o.logger.Info("invoking repair agent")
				result := o.repair(report)
				o.logger.Info("repair agent finished", "result", firstLine(result))
			}
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}
}

// safeCycle runs one cycle with panic containment. A panic anywhere in the
// cycle becomes an error instead of corrupting session state mid-mutation.
func (o *Orchestrator) safeCycle(ctx context.Context, mediaCb MediaProcessor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v\n%s", r, debug.Stack())
		}
	}()
	return o.cycle(ctx, mediaCb)
}

// cycle is one POLL → CLASSIFY → DISPATCH → DRAIN → SEND pass.
func (o *Orchestrator) cycle(ctx context.Context, mediaCb MediaProcessor) error {
	for _, chat := range o.adapter.GetUnreadChats() {
		isAdmin := o.commands.IsAdminChat(chat.Name)
		// Unregistered chats are isolated: without a session they are
		// never even polled for history, admin chat excepted.
		if !isAdmin && !o.sessions.IsActive(chat.Name) {
			continue
		}
		if err := o.processChat(ctx, chat.Name, isAdmin, mediaCb); err != nil {
			return err
		}
	}

	o.drainAndSend(ctx)
	return nil
}

// processChat fetches new messages for one chat and routes them.
func (o *Orchestrator) processChat(ctx context.Context, chatName string, isAdmin bool, mediaCb MediaProcessor) error {
	key := command.NormalizeName(chatName)
	set, ok := o.seen[key]
	if !ok {
		set = make(map[string]struct{})
		o.seen[key] = set
	}

	for _, msg := range o.adapter.GetHistory(chatName, o.historyLimit) {
		if msg.Timestamp != "" {
			if _, dup := set[msg.Timestamp]; dup {
				continue
			}
			set[msg.Timestamp] = struct{}{}
		}
		if msg.Role == channels.RoleOutgoing {
			continue
		}
		if shouldIgnore(msg.Content) {
			continue
		}

		o.history.Append(chatName, "User", msg.Content)

		if err := o.routeMessage(ctx, chatName, isAdmin, msg, mediaCb); err != nil {
			return err
		}
	}
	return nil
}

// routeMessage dispatches one new message to the command processor or the
// task manager.
func (o *Orchestrator) routeMessage(_ context.Context, chatName string, isAdmin bool, msg channels.Message, mediaCb MediaProcessor) error {
	reply, handled, err := o.commands.Process(chatName, msg.Content, isAdmin)
	if err != nil {
		// Only the restart request reaches here; propagate, never swallow.
		return err
	}
	if handled {
		o.events.Record(chatName, EventCommand)
		if reply != "" {
			o.tasks.Enqueue(chatName, reply)
		}
		return nil
	}

	if !o.sessions.IsActive(chatName) {
		// Admin small talk in an unregistered admin chat.
		return nil
	}

	mediaPath := ""
	if mediaCb != nil {
		path, mediaErr := mediaCb(chatName, msg)
		if mediaErr != nil {
			o.logger.Warn("media processing failed", "chat", chatName, "err", mediaErr)
		} else {
			mediaPath = path
		}
	}

	o.events.Record(chatName, EventDispatch)
	o.tasks.Dispatch(chatName, msg.Content, mediaPath)
	return nil
}

// DrainPending delivers every response still queued. Called during teardown
// after the task workers have finished, so no reply is lost to a restart.
func (o *Orchestrator) DrainPending(ctx context.Context) {
	o.drainAndSend(ctx)
}

// drainAndSend dequeues every currently available response and delivers it,
// applying the rate limiter per send. A failed send is retried once with
// backoff, then dropped with a SEND_FAILED event; later responses are never
// lost to an earlier failure.
func (o *Orchestrator) drainAndSend(ctx context.Context) {
	for {
		select {
		case resp := <-o.tasks.Responses():
			o.deliver(ctx, resp)
		default:
			return
		}
	}
}

func (o *Orchestrator) deliver(ctx context.Context, resp task.Response) {
	o.limiter.Wait(resp.Chat)

	text := BotPrefix + resp.Text
	send := func() error {
		return o.adapter.SendMessage(ctx, resp.Chat, text)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	policy := backoff.WithMaxRetries(b, 1)

	if err := backoff.Retry(send, policy); err != nil {
		o.logger.Error("send failed, dropping response", "chat", resp.Chat, "err", err)
		o.events.Record(resp.Chat, EventSendFailed)
		return
	}

	o.limiter.RecordSend(resp.Chat)
	o.events.Record(resp.Chat, EventReply)
	o.history.Append(resp.Chat, "Bot", resp.Text)
}

// shouldIgnore filters self-authored replies and platform system notices.
func shouldIgnore(content string) bool {
	c := strings.ToLower(strings.TrimSpace(content))
	if strings.HasPrefix(c, "bot:") {
		return true
	}
	for _, marker := range systemNoticeMarkers {
		if strings.Contains(c, marker) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
