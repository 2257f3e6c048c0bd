package scd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironcard/assuan"
	"github.com/jmcleod/ironcard/errcode"
	"github.com/jmcleod/ironcard/internal/util"
)

const (
	// MaxPINLen is the size of the buffer handed to a PinPrompter.
	MaxPINLen = 90

	// maxPassthroughInquiry bounds replies relayed from an upstream peer.
	maxPassthroughInquiry = 8096
)

// PinpadAction tells a PinPrompter what a request is about.
type PinpadAction int

const (
	// PinpadNone asks for a PIN to be written into PINRequest.Buf.
	PinpadNone PinpadAction = iota
	// PinpadShow asks to show a prompt while the PIN is entered on the
	// reader's pinpad.
	PinpadShow
	// PinpadDismiss asks to remove a prompt shown for PinpadShow.
	PinpadDismiss
)

// PINRequest is one PIN related request from the card daemon.
type PINRequest struct {
	// Desc is the description the caller attached to the operation.
	Desc string
	// Info is the argument of the daemon's inquiry, e.g. "||Please enter
	// the PIN". Empty for PinpadDismiss.
	Info string
	// Buf receives the NUL-terminated PIN. Nil for pinpad requests.
	Buf *memguard.LockedBuffer
	// Pinpad is PinpadNone for ordinary PIN entry.
	Pinpad PinpadAction
}

// PinPrompter obtains PINs for card operations.
type PinPrompter interface {
	PromptPIN(ctx context.Context, req PINRequest) error
}

// PromptFunc adapts a function to PinPrompter.
type PromptFunc func(ctx context.Context, req PINRequest) error

func (f PromptFunc) PromptPIN(ctx context.Context, req PINRequest) error { return f(ctx, req) }

// Upstream is the agent's own client connection. Passthrough commands relay
// data, status, comments and unknown inquiries to it. *assuan.ServerConn
// implements it.
type Upstream interface {
	Inquire(ctx context.Context, line string, maxLen int) ([]byte, error)
	SetConfidential(v bool)
	Confidential() bool
	WriteStatus(keyword, args string) error
	SendData(p []byte) error
	WriteComment(text string) error
}

var _ Upstream = (*assuan.ServerConn)(nil)

// inquirer answers the daemon's inquiries during one transaction.
type inquirer struct {
	conn     *assuan.Client
	prompter PinPrompter
	desc     string
	upstream Upstream
	keydata  []byte
	logger   *slog.Logger
}

func (q *inquirer) Inquire(ctx context.Context, keyword, args string, reply io.Writer) error {
	switch keyword {
	case "KEYDATA":
		if q.keydata != nil {
			_, err := reply.Write(q.keydata)
			return err
		}
	case "NEEDPIN":
		return q.needPIN(ctx, args, reply)
	case "POPUPPINPADPROMPT":
		return q.prompt(ctx, PINRequest{Desc: q.desc, Info: args, Pinpad: PinpadShow})
	case "DISMISSPINPADPROMPT":
		return q.prompt(ctx, PINRequest{Desc: q.desc, Pinpad: PinpadDismiss})
	case "PINCACHE_GET":
		// The cache is filled through PINCACHE_PUT status lines only.
		return nil
	}

	if q.upstream != nil {
		return q.relay(ctx, keyword, args, reply)
	}
	q.logger.Error("scd: unsupported inquiry", slog.String("keyword", keyword))
	return fmt.Errorf("%w: %s", errcode.ErrUnknownInquiry, keyword)
}

func (q *inquirer) prompt(ctx context.Context, req PINRequest) error {
	if q.prompter == nil {
		return fmt.Errorf("%w: no PIN prompter", errcode.ErrNotSupported)
	}
	return q.prompter.PromptPIN(ctx, req)
}

func (q *inquirer) needPIN(ctx context.Context, args string, reply io.Writer) error {
	buf := memguard.NewBuffer(MaxPINLen)
	defer buf.Destroy()

	if err := q.prompt(ctx, PINRequest{Desc: q.desc, Info: args, Buf: buf}); err != nil {
		return err
	}
	_, err := reply.Write(util.CString(buf.Bytes()))
	return err
}

// relay forwards an inquiry to the upstream peer and its reply back to the
// daemon. KEYDATA replies are kept out of logs on both connections.
func (q *inquirer) relay(ctx context.Context, keyword, args string, reply io.Writer) error {
	sensitive := keyword == "KEYDATA"

	line := keyword
	if args != "" {
		line += " " + args
	}

	if sensitive && !q.upstream.Confidential() {
		q.upstream.SetConfidential(true)
		defer q.upstream.SetConfidential(false)
	}
	value, err := q.upstream.Inquire(ctx, line, maxPassthroughInquiry)
	if err != nil {
		q.logger.Error("scd: error forwarding inquiry", slog.String("keyword", keyword), slog.Any("error", err))
		return err
	}
	defer util.WipeBytes(value)

	if sensitive && !q.conn.Confidential() {
		q.conn.SetConfidential(true)
		defer q.conn.SetConfidential(false)
	}
	_, err = reply.Write(value)
	return err
}
