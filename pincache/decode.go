package pincache

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironcard/errcode"
	"github.com/jmcleod/ironcard/internal/util"
	"github.com/jmcleod/ironcard/metrics"
)

// TransportKey is the fixed AES-128 key the card daemon uses to wrap PINs in
// PINCACHE_PUT status lines.
//
// This is NOT a security boundary. The key is a compile-time constant shared
// by both ends, so wrapping only keeps PINs from showing up verbatim in IPC
// traces and debug logs. Anyone who can read the pipe can unwrap them.
var TransportKey = []byte("1234567890123456")

// newPINBuffer allocates the locked memory a PIN is unwrapped into.
var newPINBuffer = memguard.NewBuffer

const (
	// minKeyLen covers two slashes and a slot number.
	minKeyLen = 3
	// minCryptogramLen is the shortest wrapped PIN accepted: one 16-byte
	// padded PIN plus the 8-byte integrity block.
	minCryptogramLen = 24
)

const (
	putResultStored  = "stored"
	putResultFlushed = "flushed"
	putResultIgnored = "ignored"
	putResultFailed  = "failed"
)

// HandlePut processes the arguments of a PINCACHE_PUT status line:
//
//	<key> [<hex-wrapped-pin>]
//
// A missing wrapped value flushes every entry under key. Invalid keys and
// short cryptograms are ignored and return nil; malformed hex returns
// errcode.ErrInvalidValue and a failed unwrap returns errcode.ErrCrypto.
func (c *Cache) HandlePut(args string) error {
	key, rest := splitField(args)
	if len(key) < minKeyLen {
		c.logger.Error("pincache: ignoring invalid key")
		metrics.RecordPinCachePut(putResultIgnored)
		return nil
	}

	hexWrapped, _ := splitField(rest)
	if hexWrapped == "" {
		c.logger.Debug("pincache: flushing cache", slog.String("key", key))
		c.Flush(key)
		metrics.RecordPinCachePut(putResultFlushed)
		return nil
	}

	if len(hexWrapped) < 2*minCryptogramLen {
		c.logger.Error("pincache: ignoring request with too short cryptogram", slog.String("key", key))
		metrics.RecordPinCachePut(putResultIgnored)
		return nil
	}

	wrapped, err := hex.DecodeString(hexWrapped)
	if err != nil {
		c.logger.Error("pincache: invalid hex length", slog.String("key", key))
		metrics.RecordPinCachePut(putResultFailed)
		return fmt.Errorf("%w: wrapped pin: %w", errcode.ErrInvalidValue, err)
	}

	buf, err := unwrapPIN(wrapped)
	if err != nil {
		c.logger.Error("pincache: error decrypting the cryptogram", slog.String("key", key), slog.Any("error", err))
		metrics.RecordPinCachePut(putResultFailed)
		return fmt.Errorf("%w: %w", errcode.ErrCrypto, err)
	}
	defer buf.Destroy()

	// The daemon zero-pads the PIN to the wrap block size.
	pin := util.CString(buf.Bytes())
	if len(pin) == 0 {
		c.logger.Error("pincache: ignoring empty pin", slog.String("key", key))
		metrics.RecordPinCachePut(putResultIgnored)
		return nil
	}
	c.logger.Debug("pincache: caching pin", slog.String("key", key))
	c.Put(key, pin)
	metrics.RecordPinCachePut(putResultStored)
	return nil
}

// unwrapPIN decrypts a PINCACHE_PUT cryptogram into locked, non-swappable
// memory. The caller must Destroy the buffer.
func unwrapPIN(wrapped []byte) (*memguard.LockedBuffer, error) {
	if len(wrapped) < minCryptogramLen {
		return nil, fmt.Errorf("cryptogram of %d bytes", len(wrapped))
	}
	buf := newPINBuffer(len(wrapped) - util.KeyWrapOverhead)
	if err := util.UnwrapAESKWInto(TransportKey, wrapped, buf.Bytes()); err != nil {
		buf.Destroy()
		return nil, err
	}
	return buf, nil
}

func splitField(s string) (field, rest string) {
	s = strings.TrimLeft(s, " \t")
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}
