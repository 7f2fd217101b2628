package oidc

import (
	"log/slog"
	"sync"
)

// Event identifies a session lifecycle notification.
type Event string

// Events emitted over a session's lifetime. Host applications subscribe to
// persist tokens, redirect users, or react to expiry without polling.
const (
	EventLogin                Event = "login"
	EventLogout               Event = "logout"
	EventNewRefreshToken      Event = "newRefreshToken"
	EventNewTokens            Event = "newTokens"
	EventAuthorizationRequest Event = "authorizationRequest"
	EventSessionExpired       Event = "sessionExpired"
	EventError                Event = "error"
	EventTimeoutSet           Event = "timeoutSet"
)

// Emitter delivers events to subscribers synchronously and in subscription
// order. A panicking subscriber never breaks the emitting operation.
type Emitter struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Event][]subscription
	logger *slog.Logger
}

type subscription struct {
	id int
	fn func(payload any)
}

// NewEmitter constructs an emitter. A nil logger discards subscriber panics
// silently.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{subs: make(map[Event][]subscription), logger: logger}
}

// On registers fn for ev and returns a function removing the subscription.
func (e *Emitter) On(ev Event, fn func(payload any)) (off func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[ev] = append(e.subs[ev], subscription{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		kept := e.subs[ev][:0]
		for _, s := range e.subs[ev] {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		e.subs[ev] = kept
	}
}

// Emit calls every subscriber of ev with payload. Emit is a no-op on a nil
// emitter so optional event channels need no guards at call sites.
func (e *Emitter) Emit(ev Event, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	subs := make([]subscription, len(e.subs[ev]))
	copy(subs, e.subs[ev])
	e.mu.RUnlock()

	for _, s := range subs {
		e.call(ev, s, payload)
	}
}

func (e *Emitter) call(ev Event, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil && e.logger != nil {
			e.logger.Error("event subscriber panicked", "event", string(ev), "panic", r)
		}
	}()
	s.fn(payload)
}
