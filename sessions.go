package mcp

import (
	"errors"
	"sync"
)

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionClosing
	sessionClosed
)

var (
	// ErrUnknownSession is returned when a message is routed to a session ID the SSEServer does not hold.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionClosed is returned when a session is torn down before, or while, a message is routed
	// to it, and by Send once the session's stream has been released.
	ErrSessionClosed = errors.New("session closed")

	errDuplicateRequestID = errors.New("duplicate request id")
)

func (s sessionState) String() string {
	switch s {
	case sessionOpen:
		return "open"
	case sessionClosing:
		return "closing"
	case sessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sessionTable holds the live SSE sessions keyed by ID. Every entry is Open: teardown flips the
// state to Closing and deletes the entry under the same lock route uses for its lookup.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*sseServerSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions: make(map[string]*sseServerSession),
	}
}

func (t *sessionTable) insert(sess *sseServerSession) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess.state = sessionOpen
	t.sessions[sess.id] = sess
}

func (t *sessionTable) lookup(id string) (*sseServerSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	if sess.state != sessionOpen {
		return nil, ErrSessionClosed
	}
	return sess, nil
}

// remove deregisters an Open session and marks it Closing. It reports false when the session is
// absent or already leaving, so exactly one caller performs the rest of the teardown.
func (t *sessionTable) remove(id string) (*sseServerSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[id]
	if !ok || sess.state != sessionOpen {
		return nil, false
	}
	sess.state = sessionClosing
	delete(t.sessions, id)
	return sess, true
}

func (t *sessionTable) markClosed(sess *sseServerSession) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess.state = sessionClosed
}

func (t *sessionTable) stateOf(sess *sseServerSession) sessionState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return sess.state
}

func (t *sessionTable) ids() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.sessions)
}

// pendingRequests tracks routed requests that are waiting for the server to write their response.
type pendingRequests struct {
	mu      sync.Mutex
	waiters map[MustString]chan error
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{
		waiters: make(map[MustString]chan error),
	}
}

func (p *pendingRequests) add(id MustString) (<-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.waiters[id]; ok {
		return nil, errDuplicateRequestID
	}
	c := make(chan error, 1)
	p.waiters[id] = c
	return c, nil
}

func (p *pendingRequests) complete(id MustString, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.waiters[id]
	if !ok {
		return
	}
	delete(p.waiters, id)
	c <- err
}

// remove drops the waiter for id only if it is still c, so a later request reusing the ID keeps its own.
func (p *pendingRequests) remove(id MustString, c <-chan error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.waiters[id]; ok && cur == c {
		delete(p.waiters, id)
	}
}
