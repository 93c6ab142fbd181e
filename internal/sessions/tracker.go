// Package sessions tracks the live interview connections owned by this process.
package sessions

import (
	"context"
	"sync"

	"github.com/chadiek/interview-voice/internal/protocol"
)

// Handle is how the tracker reaches a live connection.
type Handle struct {
	ConnID string
	Close  func(reason protocol.CloseReason)
	Notify func(message string) error
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*trackedSession)}
}

// Register records a connection for sessionID. A connection already registered for the same
// session is closed with CloseReplaced. The returned func is safe to call more than once.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		if old.handle.Close != nil {
			old.handle.Close(protocol.CloseReplaced)
		}
		t.unregister(sessionID, old)
	}
	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// ConnID returns the connection currently registered for sessionID.
func (t *Tracker) ConnID(sessionID string) (string, bool) {
	if t == nil {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[sessionID]
	if !ok {
		return "", false
	}
	return e.handle.ConnID, true
}

// NotifyAll sends message to every connection that accepts notifications.
func (t *Tracker) NotifyAll(message string) (sent int) {
	if t == nil {
		return 0
	}
	var notify []func(string) error
	t.mu.Lock()
	for _, e := range t.sessions {
		if e.handle.Notify != nil {
			notify = append(notify, e.handle.Notify)
		}
	}
	t.mu.Unlock()
	for _, n := range notify {
		if n(message) == nil {
			sent++
		}
	}
	return sent
}

// CloseAll closes every tracked connection with reason.
func (t *Tracker) CloseAll(reason protocol.CloseReason) (closed int) {
	if t == nil {
		return 0
	}
	var closers []func(protocol.CloseReason)
	t.mu.Lock()
	for _, e := range t.sessions {
		if e.handle.Close != nil {
			closers = append(closers, e.handle.Close)
		}
	}
	t.mu.Unlock()
	for _, c := range closers {
		c(reason)
		closed++
	}
	return closed
}

// Wait blocks until every registered connection unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
