// Package confirm correlates a pending dangerous action with the chat
// response that accepts or rejects it.
package confirm

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNoPending = errors.New("no pending confirmation matches")
	// ErrAmbiguous is returned when a message without a prompt reference
	// matches more than one pending confirmation. Nothing is resolved.
	ErrAmbiguous = errors.New("message matches several pending confirmations")
)

// Constraint limits who may answer a prompt. An empty ResponderID accepts
// any sender in the prompt's context.
type Constraint struct {
	ResponderID string
}

// Message is a reply or reaction observed in a room.
type Message struct {
	ContextID string
	SenderID  string
	// RelatesTo is the event a reaction or reply points at. Empty for plain
	// messages, which then match a prompt only when it is the sole one
	// pending in the context for the sender.
	RelatesTo string
	Accepted  bool
}

type Resolution struct {
	SessionID   string
	ResponderID string
	Accepted    bool
	TimedOut    bool
}

type pending struct {
	sessionID     string
	contextID     string
	promptEventID string
	constraint    Constraint
	deadline      time.Time
	timer         *time.Timer
}

// Handle identifies one registered confirmation.
type Handle struct {
	SessionID string
	Deadline  time.Time
}

type Broker struct {
	mu        sync.Mutex
	pending   map[string]*pending
	onTimeout func(Resolution)
	now       func() time.Time
}

// NewBroker creates a broker. onTimeout receives a synthetic rejection when
// a confirmation expires, from the timer goroutine.
func NewBroker(onTimeout func(Resolution)) *Broker {
	return &Broker{
		pending:   map[string]*pending{},
		onTimeout: onTimeout,
		now:       time.Now,
	}
}

// SetTimeoutHandler replaces the timeout callback. Confirmations registered
// before the call use the new handler when they expire.
func (b *Broker) SetTimeoutHandler(fn func(Resolution)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTimeout = fn
}

// Register records a pending confirmation. Registering the same session
// twice replaces the earlier entry.
func (b *Broker) Register(sessionID, contextID, promptEventID string, constraint Constraint, timeout time.Duration) *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.pending[sessionID]; ok {
		old.timer.Stop()
	}
	p := &pending{
		sessionID:     sessionID,
		contextID:     contextID,
		promptEventID: promptEventID,
		constraint:    constraint,
		deadline:      b.now().Add(timeout),
	}
	p.timer = time.AfterFunc(timeout, func() { b.expire(p) })
	b.pending[sessionID] = p
	return &Handle{SessionID: sessionID, Deadline: p.deadline}
}

// Resolve matches msg against pending confirmations and removes the match,
// so later matching messages find nothing. A message pointing at a prompt
// resolves that prompt only. A plain message that matches several prompts
// returns ErrAmbiguous and leaves them all pending.
func (b *Broker) Resolve(msg Message) (Resolution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var candidates []*pending
	for _, p := range b.pending {
		if p.matches(msg) {
			candidates = append(candidates, p)
		}
	}
	if msg.RelatesTo != "" && len(candidates) > 1 {
		var exact []*pending
		for _, p := range candidates {
			if p.promptEventID == msg.RelatesTo {
				exact = append(exact, p)
			}
		}
		candidates = exact
	}
	switch len(candidates) {
	case 0:
		return Resolution{}, ErrNoPending
	case 1:
	default:
		return Resolution{}, ErrAmbiguous
	}

	p := candidates[0]
	p.timer.Stop()
	delete(b.pending, p.sessionID)
	return Resolution{SessionID: p.sessionID, ResponderID: msg.SenderID, Accepted: msg.Accepted}, nil
}

// Cancel drops the confirmation of a session without emitting a resolution.
// It reports whether one was pending.
func (b *Broker) Cancel(sessionID string) bool {
	return b.remove(sessionID) != nil
}

func (b *Broker) expire(p *pending) {
	b.mu.Lock()
	current, ok := b.pending[p.sessionID]
	if !ok || current != p {
		b.mu.Unlock()
		return
	}
	delete(b.pending, p.sessionID)
	handler := b.onTimeout
	b.mu.Unlock()

	if handler != nil {
		handler(Resolution{SessionID: p.sessionID, TimedOut: true})
	}
}

func (b *Broker) remove(sessionID string) *pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[sessionID]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(b.pending, sessionID)
	return p
}

func (p *pending) matches(msg Message) bool {
	if msg.ContextID != p.contextID {
		return false
	}
	if msg.RelatesTo != "" && p.promptEventID != "" && msg.RelatesTo != p.promptEventID {
		return false
	}
	if p.constraint.ResponderID != "" && msg.SenderID != p.constraint.ResponderID {
		return false
	}
	return true
}
