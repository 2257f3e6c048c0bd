package scd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmcleod/ironcard/assuan"
	"github.com/jmcleod/ironcard/errcode"
	"github.com/jmcleod/ironcard/internal/uuid"
	"github.com/jmcleod/ironcard/metrics"
)

// Client is the card access handle of one agent connection. Operations on
// one Client must not overlap; overlapping calls fail with
// errcode.ErrInternal.
type Client struct {
	sup *Supervisor
	id  string
}

// NewClient returns a handle with a fresh identity. Its session is created
// on first use.
func (s *Supervisor) NewClient() *Client {
	return &Client{sup: s, id: uuid.New()}
}

// ID returns the client identity used as the session key.
func (c *Client) ID() string { return c.id }

// Supervisor returns the supervisor the client belongs to.
func (c *Client) Supervisor() *Supervisor { return c.sup }

// acquire marks the client's session in use and returns its connection,
// connecting or starting the daemon if needed.
func (s *Supervisor) acquire(ctx context.Context, c *Client) (*assuan.Client, error) {
	if s.disabled {
		return nil, fmt.Errorf("%w: card daemon disabled", errcode.ErrNotSupported)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: supervisor closed", errcode.ErrNoHelper)
	}

	sess, ok := s.sessions[c.id]
	if !ok {
		sess = &session{}
		s.sessions[c.id] = sess
		metrics.ActiveSessions.Set(float64(len(s.sessions)))
	}
	if sess.inUse {
		s.logger.Error("scd: session is in use", slog.String("client", c.id))
		return nil, fmt.Errorf("%w: session already in use", errcode.ErrInternal)
	}
	sess.inUse = true
	if sess.conn != nil {
		return sess.conn, nil
	}

	conn, err := s.connectLocked(ctx)
	if err != nil {
		sess.inUse = false
		return nil, err
	}
	sess.conn = conn
	sess.invalid = false
	return conn, nil
}

// release ends the use of the client's session. A session invalidated by
// the reaper while in use loses its connection here, and a failed operation
// on it reports errcode.ErrStaleSession. A connection closed during the
// operation is dropped so the next acquire connects afresh. opErr is
// returned otherwise.
func (s *Supervisor) release(c *Client, opErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[c.id]
	if !ok || !sess.inUse {
		s.logger.Error("scd: releasing a session that is not in use", slog.String("client", c.id))
		if opErr == nil {
			opErr = fmt.Errorf("%w: session not in use", errcode.ErrInternal)
		}
		return opErr
	}
	sess.inUse = false
	if sess.conn != nil && sess.conn.Closed() {
		s.dropClosedLocked(c, sess)
	}
	if s.closed {
		delete(s.sessions, c.id)
		metrics.ActiveSessions.Set(float64(len(s.sessions)))
	}
	if sess.invalid {
		if sess.conn != nil {
			sess.conn.Close()
			sess.conn = nil
		}
		sess.invalid = false
		if opErr != nil {
			return fmt.Errorf("%w: %w", errcode.ErrStaleSession, opErr)
		}
	}
	return opErr
}

// dropClosedLocked forgets a session connection that was closed in the
// middle of a transaction. The daemon cannot be driven without its primary
// connection, so losing that one stops the daemon and leaves the cleanup to
// the reaper. s.mu must be held.
func (s *Supervisor) dropClosedLocked(c *Client, sess *session) {
	if sess.conn == s.primary && s.proc != nil {
		s.logger.Warn("scd: primary connection lost, stopping daemon",
			slog.String("client", c.id), slog.Int("pid", s.proc.Pid()))
		s.primaryReusable = false
		_ = s.proc.Kill()
	} else {
		s.logger.Debug("scd: dropping closed connection", slog.String("client", c.id))
	}
	sess.conn = nil
}

// Reset drops the client's session. A primary connection is told to RESTART
// and kept for reuse by the next client; any other connection is closed.
func (c *Client) Reset(ctx context.Context) error {
	s := c.sup

	s.mu.Lock()
	sess, ok := s.sessions[c.id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.sessions, c.id)
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	conn := sess.conn
	isPrimary := conn != nil && conn == s.primary
	s.mu.Unlock()

	if conn == nil || conn.Closed() {
		return nil
	}
	if !isPrimary {
		return conn.Close()
	}

	// RESTART acts as a virtual EOF on the primary. It fails if the daemon
	// is already gone, which the reaper deals with.
	if err := conn.Transact(ctx, "RESTART", assuan.Handler{}); err != nil {
		s.logger.Debug("scd: RESTART failed", slog.Any("error", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primary == conn && !conn.Closed() {
		s.primaryReusable = true
	}
	return nil
}
