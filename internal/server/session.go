package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/relaychat/internal/cache"
	"github.com/Tyrowin/relaychat/internal/protocol"
)

// recentProbeWindow is how many seconds back a text message looks for the
// same user's earlier messages to refresh in the cache.
const recentProbeWindow = 3

// serveSession runs one client's whole lifecycle on a pool worker: handshake,
// registration, the receive loop, and cleanup.
func (s *Server) serveSession(ctx context.Context, t Transport) error {
	defer s.untrack(t)

	log := s.logger.With().Str("remote", t.RemoteAddr()).Logger()

	user, err := s.readHandshake(ctx, t)
	if err != nil {
		log.Warn().Err(err).Msg("handshake failed, disconnecting")
		_ = t.Close()
		return nil
	}

	conn := NewConnection(uuid.NewString(), user, t, s.cfg.SendQueueSize, s.now(), s.logger)
	if err := s.registry.Register(conn); err != nil {
		conn.Close()
		return fmt.Errorf("register %s: %w", user, err)
	}
	s.rotation.AddClient(conn.handle, user)

	s.announce(protocol.KindJoin, user, user+" has joined the chat", conn.handle)
	conn.logger.Info().Msg("client connected")

	s.receiveLoop(ctx, conn)

	s.rotation.RemoveClient(conn.handle)
	s.registry.Deregister(conn.handle)
	s.announce(protocol.KindLeave, user, user+" has left the chat", "")
	conn.Close()
	conn.logger.Info().Msg("client disconnected")
	return nil
}

func (s *Server) readHandshake(ctx context.Context, t Transport) (string, error) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		raw, err := t.ReadHandshake(deadline)
		if errors.Is(err, errPollTimeout) {
			if !time.Now().Before(deadline) {
				return "", ErrHandshakeTimeout
			}
			continue
		}
		if err != nil {
			return "", err
		}
		return protocol.DecodeHandshake(raw, s.cfg.MaxUsernameLen)
	}
}

func (s *Server) receiveLoop(ctx context.Context, conn *Connection) {
	limiter := newRateLimiter(s.cfg.RateLimit)
	malformed := 0

	for ctx.Err() == nil {
		frame, err := conn.transport.ReadRecord()
		if errors.Is(err, errPollTimeout) {
			continue
		}
		if err != nil {
			s.logReadError(conn.logger, err)
			return
		}

		// on a stream a short write misaligns every later frame, so any
		// decode failure counts toward the limit
		msg, err := protocol.Decode(frame)
		if err != nil {
			malformed++
			conn.logger.Debug().Err(err).Int("bytes", len(frame)).Int("consecutive", malformed).Msg("discarding malformed frame")
			if malformed >= s.cfg.MaxMalformedFrames {
				conn.logger.Warn().Int("consecutive", malformed).Msg("too many malformed frames, disconnecting")
				return
			}
			continue
		}
		malformed = 0

		s.metrics.MessageReceived()
		s.registry.Touch(conn.handle)
		s.dispatch(conn, msg, limiter)
	}
}

func (s *Server) dispatch(conn *Connection, msg protocol.Message, limiter *rate.Limiter) {
	switch msg.Kind {
	case protocol.KindText, protocol.KindCacheTest:
		if !limiter.Allow() {
			conn.logger.Warn().
				Int("burst", s.cfg.RateLimit.Burst).
				Dur("interval", s.cfg.RateLimit.RefillInterval).
				Msg("rate limit exceeded, discarding message")
			return
		}
		s.relay(conn, msg)

	case protocol.KindStatus:
		s.reportStatus(conn)

	default:
		conn.logger.Debug().Stringer("kind", msg.Kind).Msg("ignoring client message kind")
	}
}

// relay rebroadcasts a client message under the registered identity and
// server time, then refreshes the sender's recent messages in the cache.
func (s *Server) relay(conn *Connection, msg protocol.Message) {
	out := protocol.New(msg.Kind, conn.user, msg.Payload, s.now())
	if _, err := s.registry.Broadcast(out, conn.handle); err != nil {
		conn.logger.Error().Err(err).Msg("broadcast failed")
		return
	}
	conn.logger.Info().Str("payload", out.Payload).Msg("message relayed")

	for i := int64(1); i <= recentProbeWindow; i++ {
		fp := cache.Fingerprint(conn.user, out.Timestamp-i)
		if _, ok := s.cache.Lookup(fp); ok {
			s.cache.UpdateAccess(fp)
		}
	}
}

func (s *Server) reportStatus(conn *Connection) {
	report := s.metrics.Snapshot().Format()
	reply := protocol.New(protocol.KindText, protocol.ServerSender, report, s.now())

	if err := s.registry.Unicast(conn.handle, reply); err != nil {
		conn.logger.Warn().Err(err).Msg("failed to send statistics")
	} else {
		conn.logger.Info().Msg("statistics sent")
	}

	s.logger.Info().Msg(report)
	s.logger.Debug().Str("rotation", s.rotation.String()).Msg("client rotation")
}

func (s *Server) announce(kind protocol.Kind, user, text, exclude string) {
	msg := protocol.New(kind, user, text, s.now())
	if _, err := s.registry.Broadcast(msg, exclude); err != nil {
		s.logger.Error().Err(err).Stringer("kind", kind).Msg("announcement failed")
	}
}

func (s *Server) logReadError(log zerolog.Logger, err error) {
	if isExpectedCloseError(err) {
		log.Debug().Err(err).Msg("connection closed")
		return
	}
	log.Warn().Err(err).Msg("read error")
}
