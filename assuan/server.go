package assuan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jmcleod/ironcard/errcode"
)

// CommandFunc handles one command. Returning nil sends OK; an error is sent
// as an ERR line carrying its errcode.
type CommandFunc func(ctx context.Context, conn *ServerConn, args string) error

// Server dispatches commands on the serving end of a connection.
type Server struct {
	mu       sync.RWMutex
	commands map[string]CommandFunc
	greeting string
	onReset  func(*ServerConn)
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithGreeting sets the text sent after "OK" when a connection opens.
func WithGreeting(greeting string) ServerOption {
	return func(s *Server) {
		s.greeting = greeting
	}
}

// WithResetHook registers fn to run on RESET.
func WithResetHook(fn func(*ServerConn)) ServerOption {
	return func(s *Server) {
		s.onReset = fn
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer returns a Server with only the built-in commands.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		commands: make(map[string]CommandFunc),
		greeting: "Pleased to meet you",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers fn for verb. Verbs are matched case-insensitively.
func (s *Server) Handle(verb string, fn CommandFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[strings.ToUpper(verb)] = fn
}

func (s *Server) lookup(verb string) (CommandFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.commands[strings.ToUpper(verb)]
	return fn, ok
}

// Serve runs the command loop on conn until the peer sends BYE, closes the
// connection, or ctx is canceled. conn is closed on return.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	sc := &ServerConn{
		r:       newReader(conn),
		w:       bufio.NewWriter(conn),
		options: make(map[string]string),
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := sc.writeAndFlush("OK " + s.greeting); err != nil {
		return err
	}

	for {
		text, err := readLine(sc.r)
		if errors.Is(err, errcode.ErrLineTooLong) {
			if err := sc.writeErr(err); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		verb, args := splitKeyword(text)
		var cmdErr error
		switch strings.ToUpper(verb) {
		case "BYE":
			_ = sc.writeAndFlush("OK closing connection")
			return nil
		case "NOP":
		case "RESET":
			if s.onReset != nil {
				s.onReset(sc)
			}
		case "OPTION":
			cmdErr = sc.setOption(args)
		default:
			fn, ok := s.lookup(verb)
			if !ok {
				cmdErr = fmt.Errorf("%w: %s", errcode.ErrUnknownCommand, verb)
				break
			}
			cmdErr = fn(ctx, sc, args)
		}
		sc.SetConfidential(false)

		if cmdErr != nil {
			s.logger.Debug("assuan: command failed", slog.String("cmd", verb), slog.Any("error", cmdErr))
			err = sc.writeErr(cmdErr)
		} else {
			err = sc.writeAndFlush("OK")
		}
		if err != nil {
			return err
		}
	}
}

// ServerConn is the serving side of one connection, handed to each
// CommandFunc.
type ServerConn struct {
	r            *bufio.Reader
	w            *bufio.Writer
	options      map[string]string
	confidential bool
}

// SetConfidential marks subsequent inquiry replies as sensitive until the
// current command finishes.
func (c *ServerConn) SetConfidential(v bool) { c.confidential = v }

// Confidential reports the confidentiality mark.
func (c *ServerConn) Confidential() bool { return c.confidential }

// Option returns the value of an OPTION set earlier on this connection.
func (c *ServerConn) Option(name string) (string, bool) {
	v, ok := c.options[strings.ToLower(name)]
	return v, ok
}

// WriteStatus sends "S keyword args".
func (c *ServerConn) WriteStatus(keyword, args string) error {
	s := "S " + keyword
	if args != "" {
		s += " " + args
	}
	return c.writeAndFlush(s)
}

// SendData sends p as one or more D lines.
func (c *ServerConn) SendData(p []byte) error {
	if err := writeData(c.w, p); err != nil {
		return err
	}
	return c.w.Flush()
}

// WriteComment sends a "#" line.
func (c *ServerConn) WriteComment(text string) error {
	return c.writeAndFlush("# " + text)
}

// Inquire asks the peer for data and collects its D lines up to END. A CAN
// reply returns errcode.ErrCanceled. With maxLen > 0 a longer reply is
// drained and rejected with errcode.ErrTooLarge.
func (c *ServerConn) Inquire(ctx context.Context, keyword string, maxLen int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.writeAndFlush("INQUIRE " + keyword); err != nil {
		return nil, err
	}

	var buf []byte
	tooLarge := false
	for {
		text, err := readLine(c.r)
		if err != nil {
			return nil, err
		}
		l := parseLine(text)
		switch l.kind {
		case kindData:
			if tooLarge {
				continue
			}
			p, err := UnescapeData(l.rest)
			if err != nil {
				return nil, err
			}
			if maxLen > 0 && len(buf)+len(p) > maxLen {
				tooLarge = true
				clear(buf)
				buf = nil
				continue
			}
			buf = append(buf, p...)
		case kindEnd:
			if tooLarge {
				return nil, fmt.Errorf("%w: inquiry %s", errcode.ErrTooLarge, keyword)
			}
			return buf, nil
		case kindCancel:
			clear(buf)
			return nil, fmt.Errorf("%w: inquiry %s", errcode.ErrCanceled, keyword)
		case kindComment:
		default:
			return nil, fmt.Errorf("%w: expected inquiry reply", errcode.ErrInvalidResponse)
		}
	}
}

func (c *ServerConn) setOption(args string) error {
	name, value, ok := strings.Cut(args, "=")
	if !ok {
		name, value, _ = strings.Cut(args, " ")
	}
	name = strings.ToLower(strings.TrimSpace(strings.TrimLeft(name, "-")))
	if name == "" {
		return fmt.Errorf("%w: option name", errcode.ErrInvalidValue)
	}
	c.options[name] = strings.TrimSpace(value)
	return nil
}

func (c *ServerConn) writeErr(err error) error {
	msg := err.Error()
	if len(msg) > MaxLineLength-20 {
		msg = msg[:MaxLineLength-20]
	}
	msg = strings.NewReplacer("\n", " ", "\r", " ").Replace(msg)
	return c.writeAndFlush(fmt.Sprintf("ERR %d %s", errcode.CodeOf(err), msg))
}

func (c *ServerConn) writeAndFlush(s string) error {
	if err := writeLine(c.w, s); err != nil {
		return err
	}
	return c.w.Flush()
}
