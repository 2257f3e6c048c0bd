package keybox

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/jmcleod/ironcard/errcode"
	"github.com/jmcleod/ironcard/metrics"
)

// OpKind selects what Update does.
type OpKind int

const (
	OpInsert OpKind = iota + 1
	OpDelete
	OpUpdate
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Operation is one pending mutation. Offset and Length address an existing
// record for OpDelete and OpUpdate; Record is the new content for OpInsert
// and OpUpdate.
type Operation struct {
	Kind   OpKind
	Offset int64
	Length int
	Record Record
}

// InsertOp appends rec.
func InsertOp(rec Record) Operation {
	return Operation{Kind: OpInsert, Record: rec}
}

// DeleteOp removes the record of length bytes at offset.
func DeleteOp(offset int64, length int) Operation {
	return Operation{Kind: OpDelete, Offset: offset, Length: length}
}

// UpdateOp replaces the record of length bytes at offset with rec.
func UpdateOp(offset int64, length int, rec Record) Operation {
	return Operation{Kind: OpUpdate, Offset: offset, Length: length, Record: rec}
}

// rename is swapped out by tests to simulate a failing commit.
var rename = os.Rename

// Update applies op to the keybox file at path by copying it to a temporary
// file with the change applied and renaming that over the original.
//
// Non-secret files keep the previous version under a backup name. Secret
// files never get a backup; if their final rename fails the unchanged
// original and the new temp file both remain on disk and an operator has to
// remove one of them.
func Update(path string, op Operation, secret bool) (err error) {
	defer func() { metrics.RecordKeyboxUpdate(op.Kind.String(), err) }()

	switch op.Kind {
	case OpInsert, OpDelete, OpUpdate:
	default:
		return fmt.Errorf("%w: operation %d", errcode.ErrInvalidValue, op.Kind)
	}
	if op.Offset < 0 || op.Length < 0 {
		return fmt.Errorf("%w: offset %d, length %d", errcode.ErrInvalidValue, op.Offset, op.Length)
	}

	// The rename needs write access to the file itself, which opening it
	// read-only would not reveal.
	if err := checkWritable(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s: %w", errcode.ErrPermission, path, err)
		}
		if op.Kind != OpInsert {
			return fmt.Errorf("%w: %s: %w", errcode.ErrNotFound, path, err)
		}
		return createFresh(path, op.Record)
	}

	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && op.Kind == OpInsert {
			return createFresh(path, op.Record)
		}
		return fmt.Errorf("%w: %w", errcode.ErrIO, err)
	}

	backup, temp := fileNames(path)
	if removeBeforeRename {
		_ = os.Remove(temp)
	}
	dst, err := os.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		src.Close()
		return fmt.Errorf("%w: creating %s: %w", errcode.ErrIO, temp, err)
	}

	if err := copyWithOp(dst, src, op); err != nil {
		src.Close()
		dst.Close()
		os.Remove(temp)
		return err
	}
	if err := src.Close(); err != nil {
		dst.Close()
		os.Remove(temp)
		return fmt.Errorf("%w: %w", errcode.ErrIO, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(temp)
		return fmt.Errorf("%w: %w", errcode.ErrIO, err)
	}

	return commit(path, backup, temp, secret)
}

func createFresh(path string, rec Record) error {
	buf, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", errcode.ErrIO, path, err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("%w: writing %s: %w", errcode.ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %w", errcode.ErrIO, path, err)
	}
	return nil
}

// copyWithOp streams src into dst applying op on the way.
func copyWithOp(dst io.Writer, src io.Reader, op Operation) error {
	w := bufio.NewWriter(dst)
	r := bufio.NewReader(src)

	if op.Kind == OpInsert {
		if _, err := io.Copy(w, r); err != nil {
			return fmt.Errorf("%w: copying: %w", errcode.ErrIO, err)
		}
		if err := WriteRecord(w, op.Record); err != nil {
			return err
		}
		return flush(w)
	}

	if n, err := io.CopyN(w, r, op.Offset); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: offset %d beyond end of file (%d bytes)", errcode.ErrNotFound, op.Offset, n)
		}
		return fmt.Errorf("%w: copying: %w", errcode.ErrIO, err)
	}

	old, err := ReadRecord(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: no record at offset %d", errcode.ErrNotFound, op.Offset)
		}
		return err
	}
	if op.Length > 0 && old.Len() != op.Length {
		return fmt.Errorf("%w: record at offset %d is %d bytes, expected %d",
			errcode.ErrNotFound, op.Offset, old.Len(), op.Length)
	}

	if op.Kind == OpUpdate {
		if err := WriteRecord(w, op.Record); err != nil {
			return err
		}
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("%w: copying: %w", errcode.ErrIO, err)
	}
	return flush(w)
}

func flush(w *bufio.Writer) error {
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: %w", errcode.ErrIO, err)
	}
	return nil
}

// commit moves temp into place. The original goes to backup first unless the
// file is secret.
func commit(path, backup, temp string, secret bool) error {
	if !secret {
		if removeBeforeRename {
			_ = os.Remove(backup)
		}
		if err := rename(path, backup); err != nil {
			os.Remove(temp)
			return fmt.Errorf("%w: renaming %s to %s: %w", errcode.ErrIO, path, backup, err)
		}
	}

	if removeBeforeRename {
		_ = os.Remove(path)
	}
	if err := rename(temp, path); err != nil {
		if secret {
			slog.Warn("keybox: two files with confidential data exist",
				slog.String("unchanged", path),
				slog.String("new", temp),
			)
		}
		return fmt.Errorf("%w: renaming %s to %s: %w", errcode.ErrIO, temp, path, err)
	}
	return nil
}
