package bridge

import (
	"sync"
	"time"
)

// RateLimiter gates outbound sends: a global cooldown between any two sends
// across all chats, plus a per-chat minimum interval. It only ever blocks the
// sender path; queued responses are neither dropped nor reordered by it.
type RateLimiter struct {
	globalCooldown time.Duration
	chatCooldown   time.Duration

	mu         sync.Mutex
	lastGlobal time.Time
	lastByChat map[string]time.Time
}

// NewRateLimiter creates a limiter with the given cooldowns. Zero disables
// the respective gate.
func NewRateLimiter(globalCooldown, chatCooldown time.Duration) *RateLimiter {
	return &RateLimiter{
		globalCooldown: globalCooldown,
		chatCooldown:   chatCooldown,
		lastByChat:     make(map[string]time.Time),
	}
}

// Wait blocks until a send to chat is permitted. It does not record the
// send; call RecordSend after the platform accepted the message, so failed
// sends do not consume the token.
func (r *RateLimiter) Wait(chat string) {
	if d := r.delay(chat); d > 0 {
		time.Sleep(d)
	}
}

// delay computes how long a send to chat must still wait.
func (r *RateLimiter) delay(chat string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var wait time.Duration

	if r.globalCooldown > 0 && !r.lastGlobal.IsZero() {
		if until := r.lastGlobal.Add(r.globalCooldown).Sub(now); until > wait {
			wait = until
		}
	}
	if r.chatCooldown > 0 {
		if last, ok := r.lastByChat[chat]; ok {
			if until := last.Add(r.chatCooldown).Sub(now); until > wait {
				wait = until
			}
		}
	}
	return wait
}

// RecordSend marks a successful send to chat at the current time.
func (r *RateLimiter) RecordSend(chat string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.lastGlobal = now
	r.lastByChat[chat] = now
}
