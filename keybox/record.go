// Package keybox reads and rewrites keybox files: flat sequences of
// length-prefixed records holding public keys and certificates.
//
// The file is assumed to have a single writer. Nothing here locks it;
// rewrites rely on rename being atomic and concurrent writers must be
// excluded by the caller.
package keybox

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jmcleod/ironcard/errcode"
)

const (
	// HeaderSize is the size of the big-endian length prefix.
	HeaderSize = 4
	// MaxRecordSize bounds the length a record may claim.
	MaxRecordSize = 2 << 20

	minRecordLen = HeaderSize + 1
)

// Type is the byte following the length prefix.
type Type byte

const (
	TypeEmpty  Type = 0
	TypeHeader Type = 1
	TypePGP    Type = 2
	TypeX509   Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeEmpty:
		return "empty"
	case TypeHeader:
		return "header"
	case TypePGP:
		return "openpgp"
	case TypeX509:
		return "x509"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// Record is one keybox blob. Body excludes the length prefix and type byte.
type Record struct {
	Type Type
	Body []byte
}

// Len returns the serialized size of r including its header.
func (r Record) Len() int {
	return minRecordLen + len(r.Body)
}

// MarshalBinary returns the on-disk form of r.
func (r Record) MarshalBinary() ([]byte, error) {
	n := r.Len()
	if n > MaxRecordSize {
		return nil, fmt.Errorf("%w: record of %d bytes", errcode.ErrTooLarge, n)
	}
	buf := make([]byte, n)
	binary.BigEndian.PutUint32(buf, uint32(n))
	buf[HeaderSize] = byte(r.Type)
	copy(buf[minRecordLen:], r.Body)
	return buf, nil
}

// WriteRecord writes the on-disk form of rec to w.
func WriteRecord(w io.Writer, rec Record) error {
	buf, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadRecord reads the next record from r. It returns io.EOF at a clean end
// of input and errcode.ErrMalformedResponse for a truncated or implausible
// record.
func ReadRecord(r io.Reader) (Record, error) {
	var hdr [minRecordLen]byte
	if _, err := io.ReadFull(r, hdr[:HeaderSize]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("%w: truncated record header", errcode.ErrMalformedResponse)
		}
		return Record{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:HeaderSize])
	if n < minRecordLen || n > MaxRecordSize {
		return Record{}, fmt.Errorf("%w: record length %d", errcode.ErrMalformedResponse, n)
	}
	rest := make([]byte, n-HeaderSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Record{}, fmt.Errorf("%w: truncated record: %w", errcode.ErrMalformedResponse, err)
	}
	return Record{Type: Type(rest[0]), Body: rest[1:]}, nil
}

// Located is a record together with its position in the file.
type Located struct {
	Offset int64
	Length int
	Record
}

// Scan reads every record of the file at path, tombstones included.
func Scan(path string) ([]Located, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		out    []Located
		offset int64
	)
	r := bufio.NewReader(f)
	for {
		rec, err := ReadRecord(r)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("keybox: %s at offset %d: %w", path, offset, err)
		}
		out = append(out, Located{Offset: offset, Length: rec.Len(), Record: rec})
		offset += int64(rec.Len())
	}
}
