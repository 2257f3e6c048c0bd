// Package agent serves card operations to local clients over a Unix domain
// socket, speaking the same line protocol as the card daemon.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmcleod/ironcard/scd"
)

// resetTimeout bounds the session reset done when a client disconnects.
const resetTimeout = 5 * time.Second

// Server accepts agent connections. Every connection gets its own
// scd.Client, reset when the connection ends.
type Server struct {
	sup     *scd.Supervisor
	logger  *slog.Logger
	version string

	mu         sync.Mutex
	ln         net.Listener
	socketPath string
	wg         sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithVersion sets the version reported by GETINFO version.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New returns a Server running card operations on sup.
func New(sup *scd.Supervisor, opts ...Option) *Server {
	s := &Server{
		sup:     sup,
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen creates the socket at path with the given permissions. The parent
// directory is created if needed and a stale socket is replaced.
func (s *Server) Listen(path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.socketPath = path
	s.mu.Unlock()
	s.logger.Info("agent: listening", slog.String("socket", path))
	return nil
}

// SocketPath returns the path passed to Listen.
func (s *Server) SocketPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketPath
}

// Serve accepts connections until ctx is canceled, then closes the listener
// and waits for open connections to finish.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("agent: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("agent: accept failed", slog.Any("error", err))
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger.Debug("agent: connection ended", slog.Any("error", err))
			}
		}()
	}
	s.wg.Wait()
	return nil
}

// ServeConn runs the command loop for one connection.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	client := s.sup.NewClient()
	log := s.logger.With(slog.String("client", client.ID()))
	log.Debug("agent: connection opened")

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
		defer cancel()
		if err := client.Reset(rctx); err != nil {
			log.Warn("agent: resetting card session", slog.Any("error", err))
		}
		log.Debug("agent: connection closed")
	}()

	h := &handler{srv: s, client: client, logger: log}
	return h.server().Serve(ctx, conn)
}

// Close closes the listener and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	ln, path := s.ln, s.socketPath
	s.ln = nil
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	if path != "" {
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = errors.Join(err, rerr)
		}
	}
	return err
}
