// Package rotation keeps the round-robin order of connected clients.
//
// Clients are held in insertion order with a roaming cursor. Next returns the
// client under the cursor and advances it, wrapping at the end, so N calls
// over N clients visit each exactly once.
package rotation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Node is one scheduled client.
type Node struct {
	Handle        string
	UserID        string
	LastScheduled time.Time
}

// Option configures a Rotation.
type Option func(*Rotation)

// WithClock overrides the time source used to stamp scheduled clients.
func WithClock(now func() time.Time) Option {
	return func(r *Rotation) {
		r.now = now
	}
}

// Rotation is safe for concurrent use; every operation takes the same lock.
type Rotation struct {
	mu     sync.Mutex
	nodes  []*Node
	cursor int
	now    func() time.Time
	logger zerolog.Logger
}

// New returns an empty rotation.
func New(logger zerolog.Logger, opts ...Option) *Rotation {
	r := &Rotation{
		cursor: -1,
		now:    time.Now,
		logger: logger.With().Str("component", "rotation").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddClient appends a client to the end of the rotation. A handle that is
// already present is rejected and logged.
func (r *Rotation) AddClient(handle, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(handle) >= 0 {
		r.logger.Warn().Str("handle", handle).Msg("client already in rotation")
		return false
	}

	r.nodes = append(r.nodes, &Node{Handle: handle, UserID: userID})
	if r.cursor < 0 {
		r.cursor = 0
	}

	r.logger.Debug().
		Str("user", userID).
		Str("handle", handle).
		Int("clients", len(r.nodes)).
		Msg("client added")
	return true
}

// RemoveClient drops a client. If the cursor was on it, the cursor moves to
// the client that followed it. Unknown handles are logged and ignored.
func (r *Rotation) RemoveClient(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(handle)
	if idx < 0 {
		r.logger.Warn().Str("handle", handle).Msg("client not found in rotation")
		return false
	}

	removed := r.nodes[idx]
	r.nodes = append(r.nodes[:idx], r.nodes[idx+1:]...)

	switch {
	case len(r.nodes) == 0:
		r.cursor = -1
	case idx < r.cursor:
		r.cursor--
	case r.cursor >= len(r.nodes):
		r.cursor = 0
	}

	r.logger.Debug().
		Str("user", removed.UserID).
		Str("handle", handle).
		Int("clients", len(r.nodes)).
		Msg("client removed")
	return true
}

// Next returns the client under the cursor, stamps its scheduling time and
// advances the cursor. It returns false when the rotation is empty.
func (r *Rotation) Next() (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursor < 0 {
		return Node{}, false
	}

	selected := r.nodes[r.cursor]
	selected.LastScheduled = r.now()
	r.cursor = (r.cursor + 1) % len(r.nodes)
	return *selected, true
}

// Count returns the number of clients in the rotation.
func (r *Rotation) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Order returns the user identifiers starting at the cursor.
func (r *Rotation) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	order := make([]string, 0, len(r.nodes))
	for i := range r.nodes {
		order = append(order, r.nodes[(r.cursor+i)%len(r.nodes)].UserID)
	}
	return order
}

// String renders the rotation for diagnostics.
func (r *Rotation) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.nodes) == 0 {
		return "no clients scheduled"
	}

	var b strings.Builder
	b.WriteString("round-robin schedule:")
	for i, n := range r.nodes {
		fmt.Fprintf(&b, "\n  [%d] %s (%s)", i, n.UserID, n.Handle)
		if i == r.cursor {
			b.WriteString(" <- current")
		}
	}
	return b.String()
}

func (r *Rotation) indexOf(handle string) int {
	for i, n := range r.nodes {
		if n.Handle == handle {
			return i
		}
	}
	return -1
}
