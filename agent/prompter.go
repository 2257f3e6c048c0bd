package agent

import (
	"context"

	"github.com/jmcleod/ironcard/assuan"
	"github.com/jmcleod/ironcard/internal/util"
	"github.com/jmcleod/ironcard/scd"
)

// upstreamPrompter asks the agent's client for PINs by relaying the card
// daemon's request as an inquiry.
type upstreamPrompter struct {
	conn *assuan.ServerConn
}

func (p upstreamPrompter) PromptPIN(ctx context.Context, req scd.PINRequest) error {
	switch req.Pinpad {
	case scd.PinpadShow:
		_, err := p.conn.Inquire(ctx, joinLine("POPUPPINPADPROMPT", req.Info), 0)
		return err
	case scd.PinpadDismiss:
		_, err := p.conn.Inquire(ctx, "DISMISSPINPADPROMPT", 0)
		return err
	}

	if !p.conn.Confidential() {
		p.conn.SetConfidential(true)
		defer p.conn.SetConfidential(false)
	}
	// Leave room for the terminating NUL.
	pin, err := p.conn.Inquire(ctx, joinLine("NEEDPIN", req.Info), scd.MaxPINLen-1)
	if err != nil {
		return err
	}
	copy(req.Buf.Bytes(), pin)
	util.WipeBytes(pin)
	return nil
}

func joinLine(keyword, args string) string {
	if args == "" {
		return keyword
	}
	return keyword + " " + args
}
