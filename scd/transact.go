package scd

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jmcleod/ironcard/assuan"
	"github.com/jmcleod/ironcard/metrics"
)

const pinCachePut = "PINCACHE_PUT"

// call describes the caller side of one transaction.
type call struct {
	// status receives every status line except PINCACHE_PUT.
	status assuan.StatusSink
	// inquiry answers inquiries. Nil cancels them.
	inquiry assuan.InquirySink
	// comment, when set, receives comment lines verbatim.
	comment assuan.CommentSink
	// data, when set, receives data lines directly instead of having them
	// collected into the result.
	data assuan.DataSink
}

// withSession runs fn on the client's connection. The session is released
// whatever fn returns.
func (c *Client) withSession(ctx context.Context, fn func(conn *assuan.Client) error) error {
	conn, err := c.sup.acquire(ctx, c)
	if err != nil {
		return err
	}
	return c.sup.release(c, fn(conn))
}

// transact runs one command on conn. Data lines are collected and returned;
// on failure anything collected is wiped and dropped.
func (c *Client) transact(ctx context.Context, conn *assuan.Client, cmd string, cl call) ([]byte, error) {
	var buf []byte
	h := assuan.Handler{
		Status:  c.sup.interceptPinCache(cl.status),
		Inquiry: cl.inquiry,
		Comment: cl.comment,
		Data:    cl.data,
	}
	if h.Data == nil {
		h.Data = assuan.DataFunc(func(p []byte) error {
			buf = append(buf, p...)
			return nil
		})
	}

	verb, _, _ := strings.Cut(cmd, " ")
	start := time.Now()
	err := conn.Transact(ctx, cmd, h)
	metrics.RecordTransaction(verb, err, time.Since(start).Seconds())
	if err != nil {
		clear(buf)
		return nil, err
	}
	return buf, nil
}

// interceptPinCache feeds PINCACHE_PUT status lines to the PIN cache before
// any caller sink sees them. Decoding errors are logged and never fail the
// transaction.
func (s *Supervisor) interceptPinCache(next assuan.StatusSink) assuan.StatusSink {
	return assuan.StatusFunc(func(keyword, args string) error {
		if keyword == pinCachePut {
			if err := s.cache.HandlePut(args); err != nil {
				s.logger.Error("scd: handling PINCACHE_PUT", slog.Any("error", err))
			}
			return nil
		}
		if next == nil {
			return nil
		}
		return next.Status(keyword, args)
	})
}
