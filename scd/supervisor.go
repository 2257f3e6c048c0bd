// Package scd supervises the card daemon and runs card operations on it.
//
// A single Supervisor owns the daemon process. The first connection, made
// over the daemon's stdio, is the primary one. When the daemon publishes a
// socket, further clients get their own secondary connection to it; a
// primary connection released by its client is kept for reuse.
package scd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmcleod/ironcard/assuan"
	"github.com/jmcleod/ironcard/errcode"
	"github.com/jmcleod/ironcard/metrics"
	"github.com/jmcleod/ironcard/pincache"
)

// Supervisor starts the card daemon on demand and hands out connections to
// it. All of its state is guarded by mu; peer I/O happens outside the lock
// except while starting the daemon, so that concurrent clients never spawn
// two of them.
type Supervisor struct {
	program     string
	homeDir     string
	disabled    bool
	eventSignal int
	useAuth     bool
	launcher    Launcher
	dialer      Dialer
	cache       *pincache.Cache
	logger      *slog.Logger

	mu              sync.Mutex
	sessions        map[string]*session
	primary         *assuan.Client
	primaryReusable bool
	socketName      string
	proc            Process
	done            chan struct{}
	closed          bool
}

// session is the connection state of one client.
type session struct {
	conn    *assuan.Client
	inUse   bool
	invalid bool
}

// New returns a Supervisor. No process is started until the first card
// operation.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		program:  DefaultProgram,
		launcher: ExecLauncher{},
		dialer:   UnixDialer,
		logger:   slog.Default(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = pincache.New(pincache.WithLogger(s.logger))
	}
	return s
}

// Cache returns the PIN cache fed by the daemon.
func (s *Supervisor) Cache() *pincache.Cache { return s.cache }

// Running reports whether a daemon is currently attached. The answer may be
// stale by the time the caller looks at it.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary != nil
}

// HelperDone returns a channel closed once the current daemon has exited
// and its connections were invalidated, or nil when none is running.
func (s *Supervisor) HelperDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// State is a snapshot of the supervisor for diagnostics.
type State struct {
	Running    bool   `json:"running"`
	Pid        int    `json:"pid,omitempty"`
	Reusable   bool   `json:"reusable"`
	SocketName string `json:"socket_name,omitempty"`
	Sessions   int    `json:"sessions"`
}

// State returns a snapshot of the supervisor.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Running:    s.primary != nil,
		Reusable:   s.primaryReusable,
		SocketName: s.socketName,
		Sessions:   len(s.sessions),
	}
	if s.proc != nil {
		st.Pid = s.proc.Pid()
	}
	return st
}

// DumpState logs the current state at info level.
func (s *Supervisor) DumpState() {
	st := s.State()
	s.logger.Info("scd: state",
		slog.Bool("running", st.Running),
		slog.Int("pid", st.Pid),
		slog.Bool("reusable", st.Reusable),
		slog.String("socket", st.SocketName),
		slog.Int("sessions", st.Sessions),
	)
}

// connectLocked returns a connection for a session that has none: the idle
// primary, a new secondary connection, or the primary of a freshly started
// daemon. s.mu must be held.
func (s *Supervisor) connectLocked(ctx context.Context) (*assuan.Client, error) {
	if s.primary != nil && s.primaryReusable && !s.primary.Closed() {
		s.primaryReusable = false
		s.logger.Debug("scd: reusing primary connection")
		return s.primary, nil
	}

	if s.socketName != "" {
		rwc, err := s.dialer.Dial(ctx, s.socketName)
		if err != nil {
			s.logger.Error("scd: can't connect to socket", slog.String("socket", s.socketName), slog.Any("error", err))
			return nil, fmt.Errorf("%w: %w", errcode.ErrNoHelper, err)
		}
		conn := assuan.NewClient(rwc, assuan.WithClientLogger(s.logger))
		if err := conn.Handshake(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %w", errcode.ErrNoHelper, err)
		}
		s.logger.Debug("scd: new secondary connection", slog.String("socket", s.socketName))
		return conn, nil
	}

	if s.primary != nil {
		s.logger.Info("scd: daemon is running but won't accept further connections")
		return nil, fmt.Errorf("%w: daemon accepts no further connections", errcode.ErrNoHelper)
	}

	return s.startLocked(ctx)
}

// startLocked spawns the daemon, performs the handshake and records the
// primary connection. s.mu must be held.
func (s *Supervisor) startLocked(ctx context.Context) (*assuan.Client, error) {
	s.logger.Info("scd: no running daemon, starting it", slog.String("program", s.program))

	s.cache.FlushAll()
	s.flushOutput()

	args := []string{"--multi-server"}
	if s.homeDir != "" {
		abs, err := filepath.Abs(s.homeDir)
		if err != nil {
			return nil, fmt.Errorf("%w: home directory: %w", errcode.ErrNoHelper, err)
		}
		args = append(args, "--homedir", abs)
	}

	proc, err := s.launcher.Launch(ctx, s.program, args)
	if err != nil {
		s.logger.Error("scd: can't start daemon", slog.Any("error", err))
		return nil, fmt.Errorf("%w: %w", errcode.ErrNoHelper, err)
	}
	metrics.HelperStartsTotal.Inc()

	conn := assuan.NewClient(proc.Conn(), assuan.WithClientLogger(s.logger))
	if err := conn.Handshake(ctx); err != nil {
		s.logger.Error("scd: handshake with daemon failed", slog.Any("error", err))
		conn.Close()
		_ = proc.Kill()
		go func() { _ = proc.Wait() }()
		return nil, fmt.Errorf("%w: %w", errcode.ErrNoHelper, err)
	}

	var name []byte
	err = conn.Transact(ctx, "GETINFO socket_name", assuan.Handler{
		Data: assuan.DataFunc(func(p []byte) error {
			name = append(name, p...)
			return nil
		}),
	})
	s.socketName = ""
	if err == nil && len(name) > 0 {
		s.socketName = string(name)
		s.logger.Debug("scd: additional connections accepted", slog.String("socket", s.socketName))
	}

	if s.eventSignal != 0 {
		cmd := fmt.Sprintf("OPTION event-signal=%d", s.eventSignal)
		if err := conn.Transact(ctx, cmd, assuan.Handler{}); err != nil {
			s.logger.Warn("scd: event signal not accepted", slog.Any("error", err))
		}
	}

	done := make(chan struct{})
	s.primary = conn
	s.primaryReusable = false
	s.proc = proc
	s.done = done
	go s.reap(proc, conn, done)

	s.logger.Debug("scd: first connection established", slog.Int("pid", proc.Pid()))
	return conn, nil
}

// flushOutput syncs the standard streams before a spawn. Syncing a pipe or
// terminal fails on some platforms, so errors are only logged.
func (s *Supervisor) flushOutput() {
	for _, f := range []*os.File{os.Stdout, os.Stderr} {
		if err := f.Sync(); err != nil {
			s.logger.Debug("scd: error flushing pending output", slog.String("file", f.Name()), slog.Any("error", err))
		}
	}
}

// reap waits for proc to exit and then detaches everything that referred to
// it. The next card operation starts a new daemon.
func (s *Supervisor) reap(proc Process, primary *assuan.Client, done chan struct{}) {
	defer close(done)

	err := proc.Wait()
	if err != nil {
		s.logger.Info("scd: daemon finished", slog.Int("pid", proc.Pid()), slog.String("status", err.Error()))
	} else {
		s.logger.Info("scd: daemon finished", slog.Int("pid", proc.Pid()), slog.Int("status", 0))
	}
	metrics.HelperExitsTotal.Inc()

	s.cache.FlushAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.invalid = true
		if !sess.inUse && sess.conn != nil {
			sess.conn.Close()
			sess.conn = nil
		}
	}
	primary.Close()
	if s.primary == primary {
		s.primary = nil
		s.primaryReusable = false
		s.socketName = ""
		s.proc = nil
		s.done = nil
	}
}

// Kill asks the daemon to terminate and flushes the PIN cache. It does not
// wait for the exit; the reaper observes it.
func (s *Supervisor) Kill(ctx context.Context) error {
	s.mu.Lock()
	primary := s.primary
	s.mu.Unlock()
	if primary == nil {
		return nil
	}

	if err := primary.Transact(ctx, "KILLSCD", assuan.Handler{}); err != nil {
		s.logger.Debug("scd: KILLSCD", slog.Any("error", err))
	}
	s.cache.FlushAll()
	return nil
}

// Close stops the daemon, waiting for it to exit until ctx is done, and
// closes every idle connection. Connections in use are closed as their
// operations finish. Card operations fail with errcode.ErrNoHelper
// afterwards.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	done := s.done
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		_ = s.Kill(ctx)
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("scd: daemon did not exit, killing it", slog.Int("pid", proc.Pid()))
			_ = proc.Kill()
			<-done
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.inUse {
			// release closes the connection when the operation returns.
			sess.invalid = true
			continue
		}
		if sess.conn != nil {
			sess.conn.Close()
		}
		delete(s.sessions, id)
	}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.cache.FlushAll()
	return nil
}
