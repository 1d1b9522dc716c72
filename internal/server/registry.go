package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/relaychat/internal/cache"
	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/protocol"
)

// Registry holds the active connections and fans messages out to them.
// Sends only enqueue, so the lock is never held across network I/O.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection

	cache   *cache.MessageCache
	metrics *metrics.Collector
	now     func() time.Time
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry. Broadcast text is recorded in mc;
// delivered sends are counted in mx.
func NewRegistry(mc *cache.MessageCache, mx *metrics.Collector, logger zerolog.Logger) *Registry {
	return &Registry{
		conns:   make(map[string]*Connection),
		cache:   mc,
		metrics: mx,
		now:     time.Now,
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds c. A handle that is already present is rejected.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	if _, exists := r.conns[c.handle]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateHandle, c.handle)
	}
	r.conns[c.handle] = c
	count := len(r.conns)
	r.mu.Unlock()

	r.logger.Info().Str("user", c.user).Str("handle", c.handle).Int("clients", count).Msg("client registered")
	return nil
}

// Deregister removes the connection under handle and returns it.
func (r *Registry) Deregister(handle string) (*Connection, bool) {
	r.mu.Lock()
	c, ok := r.conns[handle]
	if ok {
		delete(r.conns, handle)
		c.active = false
	}
	count := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.logger.Info().Str("user", c.user).Str("handle", handle).Int("clients", count).Msg("client deregistered")
	}
	return c, ok
}

// Broadcast queues msg for every active connection except exclude (pass ""
// to exclude nobody) and returns how many accepted it. Connections that
// cannot accept are flagged inactive, then removed and closed in a second
// pass after the iteration lock is released. Text messages are recorded in
// the message cache.
func (r *Registry) Broadcast(msg protocol.Message, exclude string) (int, error) {
	record, err := msg.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode broadcast: %w", err)
	}

	var (
		delivered int
		failed    []*Connection
	)

	r.mu.Lock()
	for handle, c := range r.conns {
		if handle == exclude || !c.active {
			continue
		}
		if err := c.deliver(record); err != nil {
			c.active = false
			failed = append(failed, c)
			r.logger.Warn().Err(err).Str("user", c.user).Str("handle", handle).Msg("send failed, marking connection inactive")
			continue
		}
		delivered++
	}
	r.mu.Unlock()

	r.metrics.AddSent(delivered)
	r.removeFailed(failed)

	if msg.Kind == protocol.KindText || msg.Kind == protocol.KindCacheTest {
		r.cache.Insert(msg.Sender, msg.Payload, msg.Timestamp)
	}

	r.logger.Debug().Stringer("kind", msg.Kind).Str("sender", msg.Sender).Int("delivered", delivered).Int("failed", len(failed)).Msg("broadcast")
	return delivered, nil
}

// removeFailed drops connections flagged during a broadcast and closes their
// transports, which ends their sessions.
func (r *Registry) removeFailed(failed []*Connection) {
	if len(failed) == 0 {
		return
	}

	r.mu.Lock()
	var removed []*Connection
	for _, c := range failed {
		if cur, exists := r.conns[c.handle]; exists && cur == c && !c.active {
			delete(r.conns, c.handle)
			removed = append(removed, c)
		}
	}
	r.mu.Unlock()

	for _, c := range removed {
		r.logger.Warn().Str("user", c.user).Str("handle", c.handle).Msg("client removed after failed send")
		c.abort()
	}
}

// Unicast queues msg for a single connection.
func (r *Registry) Unicast(handle string, msg protocol.Message) error {
	record, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode unicast: %w", err)
	}

	r.mu.Lock()
	c, ok := r.conns[handle]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	err = c.deliver(record)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.metrics.AddSent(1)
	return nil
}

// Touch records activity on handle.
func (r *Registry) Touch(handle string) {
	now := r.now()
	r.mu.Lock()
	if c, ok := r.conns[handle]; ok {
		c.lastActive = now
	}
	r.mu.Unlock()
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Get returns a view of the connection under handle.
func (r *Registry) Get(handle string) (ConnectionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[handle]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

// Connections returns every registered connection ordered by join time.
func (r *Registry) Connections() []ConnectionInfo {
	r.mu.Lock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].Handle < out[j].Handle
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
