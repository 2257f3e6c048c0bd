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
	"sync/atomic"
	"time"

	"github.com/jmcleod/ironcard/errcode"
)

// DataSink receives the decoded payload of each D line.
type DataSink interface {
	WriteData(p []byte) error
}

// StatusSink receives S lines split into keyword and arguments.
type StatusSink interface {
	Status(keyword, args string) error
}

// InquirySink answers an INQUIRE from the peer. Anything written to reply is
// sent back as data; returning an error cancels the inquiry.
type InquirySink interface {
	Inquire(ctx context.Context, keyword, args string, reply io.Writer) error
}

// CommentSink receives comment lines. Without one, comments are dropped.
type CommentSink interface {
	Comment(text string) error
}

// DataFunc adapts a function to DataSink.
type DataFunc func(p []byte) error

func (f DataFunc) WriteData(p []byte) error { return f(p) }

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(keyword, args string) error

func (f StatusFunc) Status(keyword, args string) error { return f(keyword, args) }

// InquiryFunc adapts a function to InquirySink.
type InquiryFunc func(ctx context.Context, keyword, args string, reply io.Writer) error

func (f InquiryFunc) Inquire(ctx context.Context, keyword, args string, reply io.Writer) error {
	return f(ctx, keyword, args, reply)
}

// CommentFunc adapts a function to CommentSink.
type CommentFunc func(text string) error

func (f CommentFunc) Comment(text string) error { return f(text) }

// Handler bundles the sinks for one transaction. Nil sinks are allowed:
// data and status lines are then discarded and inquiries are canceled.
type Handler struct {
	Data    DataSink
	Status  StatusSink
	Inquiry InquirySink
	Comment CommentSink
}

// Client is the requesting end of a connection. Transactions on one Client
// are serialized.
type Client struct {
	mu     sync.Mutex
	conn   io.ReadWriteCloser
	r      *bufio.Reader
	w      *bufio.Writer
	logger *slog.Logger

	confidential atomic.Bool
	closed       atomic.Bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger used for protocol traces.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient wraps conn. Call Handshake before the first Transact.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		conn:   conn,
		r:      newReader(conn),
		w:      bufio.NewWriter(conn),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetConfidential controls whether data lines are kept out of debug logs.
func (c *Client) SetConfidential(v bool) { c.confidential.Store(v) }

// Confidential reports the current confidentiality mark.
func (c *Client) Confidential() bool { return c.confidential.Load() }

// Handshake consumes the server greeting.
func (c *Client) Handshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.watch(ctx)()

	for {
		s, err := readLine(c.r)
		if err != nil {
			return c.abandon(c.ioError(ctx, "reading greeting", err))
		}
		l := parseLine(s)
		switch l.kind {
		case kindComment:
			continue
		case kindOK:
			c.logger.Debug("assuan: connected", slog.String("greeting", l.rest))
			return nil
		case kindErr:
			return parseErr(l.rest)
		default:
			return c.abandon(fmt.Errorf("%w: unexpected greeting", errcode.ErrInvalidResponse))
		}
	}
}

// Transact sends cmd and dispatches the response lines to h until the peer
// ends the transaction with OK or ERR. An ERR line is returned as an
// *errcode.Error. When a sink fails the transaction is still drained to its
// end so the connection stays usable, and the sink's error is returned. Any
// other early exit, including cancellation of ctx, closes the connection.
func (c *Client) Transact(ctx context.Context, cmd string, h Handler) error {
	if len(cmd) > MaxLineLength {
		return fmt.Errorf("%w: command of %d bytes", errcode.ErrTooLarge, len(cmd))
	}
	if c.closed.Load() {
		return fmt.Errorf("%w: connection closed", errcode.ErrNoHelper)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.watch(ctx)()

	c.logger.Debug("assuan: ->", slog.String("cmd", verbOf(cmd)))
	if err := writeLine(c.w, cmd); err != nil {
		return c.abandon(c.ioError(ctx, "sending command", err))
	}
	if err := c.w.Flush(); err != nil {
		return c.abandon(c.ioError(ctx, "sending command", err))
	}

	var sinkErr error
	keep := func(err error) {
		if err != nil && sinkErr == nil {
			sinkErr = err
		}
	}

	for {
		s, err := readLine(c.r)
		if err != nil {
			if errors.Is(err, errcode.ErrLineTooLong) {
				return c.abandon(err)
			}
			return c.abandon(c.ioError(ctx, "reading response", err))
		}
		l := parseLine(s)
		switch l.kind {
		case kindOK:
			return sinkErr
		case kindErr:
			if sinkErr != nil {
				return sinkErr
			}
			return parseErr(l.rest)
		case kindData:
			p, err := UnescapeData(l.rest)
			if err != nil {
				keep(err)
				continue
			}
			if !c.Confidential() {
				c.logger.Debug("assuan: <- D", slog.Int("len", len(p)))
			}
			if h.Data != nil {
				keep(h.Data.WriteData(p))
			}
		case kindStatus:
			keyword, args := splitKeyword(l.rest)
			c.logger.Debug("assuan: <- S", slog.String("keyword", keyword))
			if h.Status != nil {
				keep(h.Status.Status(keyword, args))
			}
		case kindComment:
			if h.Comment != nil {
				keep(h.Comment.Comment(l.rest))
			}
		case kindInquire:
			keyword, args := splitKeyword(l.rest)
			if err := c.answerInquiry(ctx, h.Inquiry, keyword, args); err != nil {
				if errors.Is(err, errInquiryWrite) {
					return c.abandon(c.ioError(ctx, "answering inquiry", err))
				}
				keep(err)
			}
		default:
			return c.abandon(fmt.Errorf("%w: %q", errcode.ErrInvalidResponse, truncate(s, 16)))
		}
	}
}

var errInquiryWrite = errors.New("assuan: writing inquiry reply")

func (c *Client) answerInquiry(ctx context.Context, sink InquirySink, keyword, args string) error {
	c.logger.Debug("assuan: <- INQUIRE", slog.String("keyword", keyword))
	var err error
	if sink == nil {
		err = fmt.Errorf("%w: %s", errcode.ErrUnknownInquiry, keyword)
	} else {
		err = sink.Inquire(ctx, keyword, args, &dataWriter{w: c.w})
	}

	final := "END"
	if err != nil {
		final = "CAN"
	}
	if werr := writeLine(c.w, final); werr != nil {
		return fmt.Errorf("%w: %w", errInquiryWrite, werr)
	}
	if werr := c.w.Flush(); werr != nil {
		return fmt.Errorf("%w: %w", errInquiryWrite, werr)
	}
	return err
}

// Close closes the underlying connection. Pending transactions fail.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// Closed reports whether the connection has been closed, either by Close or
// by a transaction that ended before its OK or ERR line.
func (c *Client) Closed() bool { return c.closed.Load() }

// abandon closes a connection left in the middle of a response. The unread
// lines would otherwise be taken as the reply to the next command.
func (c *Client) abandon(err error) error {
	_ = c.Close()
	return err
}

// watch arranges for blocking reads to be interrupted when ctx is canceled,
// provided the connection supports deadlines. The returned func disarms it.
func (c *Client) watch(ctx context.Context) func() {
	dc, ok := c.conn.(interface{ SetDeadline(time.Time) error })
	if !ok || ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = dc.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		if !stop() {
			_ = dc.SetDeadline(time.Time{})
		}
	}
}

func (c *Client) ioError(ctx context.Context, what string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("assuan: %s: %w", what, ctxErr)
	}
	return fmt.Errorf("%w: %s: %w", errcode.ErrNoHelper, what, err)
}

// dataWriter sends everything written to it as D lines. Flushing is left to
// the END or CAN that follows.
type dataWriter struct {
	w *bufio.Writer
}

func (d *dataWriter) Write(p []byte) (int, error) {
	if err := writeData(d.w, p); err != nil {
		return 0, fmt.Errorf("%w: %w", errInquiryWrite, err)
	}
	return len(p), nil
}

func verbOf(cmd string) string {
	verb, _, _ := strings.Cut(cmd, " ")
	return verb
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
