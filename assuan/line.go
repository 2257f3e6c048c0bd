// Package assuan implements the line protocol spoken between the agent and
// the card daemon.
//
// Every message is a single LF-terminated line of at most MaxLineLength
// bytes. Responses start with a marker: "D" for data, "S" for status, "#"
// for comments, "INQUIRE" for a mid-transaction request back to the caller
// and "OK" or "ERR" to end the transaction.
package assuan

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jmcleod/ironcard/errcode"
)

// MaxLineLength is the longest line either side may send, excluding the LF.
const MaxLineLength = 1000

// lineKind classifies a received line by its leading marker.
type lineKind int

const (
	kindUnknown lineKind = iota
	kindOK
	kindErr
	kindData
	kindStatus
	kindInquire
	kindComment
	kindEnd
	kindCancel
)

type line struct {
	kind lineKind
	// rest is everything after the marker and its separating space.
	rest string
}

func parseLine(s string) line {
	if strings.HasPrefix(s, "#") {
		return line{kind: kindComment, rest: strings.TrimPrefix(strings.TrimPrefix(s, "#"), " ")}
	}
	verb, rest, _ := strings.Cut(s, " ")
	switch verb {
	case "OK":
		return line{kind: kindOK, rest: rest}
	case "ERR":
		return line{kind: kindErr, rest: rest}
	case "D":
		return line{kind: kindData, rest: rest}
	case "S":
		return line{kind: kindStatus, rest: rest}
	case "INQUIRE":
		return line{kind: kindInquire, rest: rest}
	case "END":
		return line{kind: kindEnd, rest: rest}
	case "CAN":
		return line{kind: kindCancel, rest: rest}
	}
	return line{kind: kindUnknown, rest: s}
}

// parseErr turns the remainder of an ERR line into an *errcode.Error.
func parseErr(rest string) error {
	codeStr, msg, _ := strings.Cut(rest, " ")
	code, err := strconv.ParseUint(codeStr, 10, 32)
	if err != nil {
		return errcode.New(errcode.CodeInvalidResponse, "malformed ERR line")
	}
	return errcode.New(errcode.Code(code), msg)
}

// splitKeyword splits "KEYWORD args" at the first run of spaces.
func splitKeyword(s string) (keyword, args string) {
	keyword, args, _ = strings.Cut(s, " ")
	return keyword, strings.TrimLeft(args, " ")
}

func newReader(r io.Reader) *bufio.Reader {
	// Room for a full line plus its LF and an optional CR.
	return bufio.NewReaderSize(r, MaxLineLength+2)
}

// readLine returns the next line without its terminator. Lines longer than
// MaxLineLength are consumed and reported as errcode.ErrLineTooLong.
func readLine(r *bufio.Reader) (string, error) {
	b, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = r.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", errcode.ErrLineTooLong
	}
	if err != nil {
		if errors.Is(err, io.EOF) && len(b) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	b = b[:len(b)-1]
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	if len(b) > MaxLineLength {
		return "", errcode.ErrLineTooLong
	}
	return string(b), nil
}

// writeLine queues s followed by LF. The caller flushes.
func writeLine(w *bufio.Writer, s string) error {
	if len(s) > MaxLineLength {
		return fmt.Errorf("%w: line of %d bytes", errcode.ErrTooLarge, len(s))
	}
	if _, err := w.WriteString(s); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// writeData queues p as one or more "D" lines, splitting so that no escaped
// line exceeds MaxLineLength.
func writeData(w *bufio.Writer, p []byte) error {
	const room = MaxLineLength - len("D ")
	for len(p) > 0 {
		n, size := 0, 0
		for n < len(p) {
			cost := 1
			if needsEscape(p[n]) {
				cost = 3
			}
			if size+cost > room {
				break
			}
			size += cost
			n++
		}
		if err := writeLine(w, "D "+EscapeData(p[:n])); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
