package keybox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jmcleod/ironcard/errcode"
	"github.com/jmcleod/ironcard/metrics"
)

// Tombstone marks the record at offset as deleted by overwriting its type
// byte with TypeEmpty in place. Marking an already deleted record again is a
// no-op. The offset must point inside the file.
func Tombstone(path string, offset int64) (err error) {
	defer func() { metrics.RecordKeyboxUpdate("tombstone", err) }()

	if offset < 0 {
		return fmt.Errorf("%w: offset %d", errcode.ErrInvalidValue, offset)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %w", errcode.ErrNotFound, err)
		}
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %w", errcode.ErrPermission, err)
		}
		return fmt.Errorf("%w: %w", errcode.ErrIO, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", errcode.ErrIO, err)
	}
	// Never extend the file.
	if offset+minRecordLen > fi.Size() {
		f.Close()
		return fmt.Errorf("%w: no record at offset %d", errcode.ErrNotFound, offset)
	}

	_, err = f.WriteAt([]byte{byte(TypeEmpty)}, offset+HeaderSize)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: %w", errcode.ErrIO, err)
	}
	return nil
}
