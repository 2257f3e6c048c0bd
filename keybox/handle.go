package keybox

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/jmcleod/ironcard/errcode"
)

// Handle tracks the record found by the last Search so that it can be
// updated or deleted.
type Handle struct {
	path   string
	secret bool
	found  *Located
}

// NewHandle returns a handle on the keybox file at path. Secret files are
// rewritten without keeping a backup.
func NewHandle(path string, secret bool) *Handle {
	return &Handle{path: path, secret: secret}
}

// Path returns the file the handle operates on.
func (h *Handle) Path() string { return h.path }

// Found returns the record matched by the last Search.
func (h *Handle) Found() (Located, bool) {
	if h.found == nil {
		return Located{}, false
	}
	return *h.found, true
}

// Search remembers the first live record for which match returns true.
// Tombstoned records are skipped. A file that does not exist has no
// records.
func (h *Handle) Search(match func(Record) bool) (Located, error) {
	h.found = nil
	recs, err := Scan(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Located{}, errcode.ErrNotFound
	}
	if err != nil {
		return Located{}, err
	}
	for _, rec := range recs {
		if rec.Type == TypeEmpty {
			continue
		}
		if match(rec.Record) {
			h.found = &rec
			return rec, nil
		}
	}
	return Located{}, errcode.ErrNotFound
}

// Insert appends rec to the file, creating it if needed.
func (h *Handle) Insert(rec Record) error {
	h.found = nil
	return Update(h.path, InsertOp(rec), h.secret)
}

// Update replaces the found record with rec.
func (h *Handle) Update(rec Record) error {
	found, err := h.require()
	if err != nil {
		return err
	}
	h.found = nil
	return Update(h.path, UpdateOp(found.Offset, found.Length, rec), h.secret)
}

// Delete tombstones the found record in place.
func (h *Handle) Delete() error {
	found, err := h.require()
	if err != nil {
		return err
	}
	h.found = nil
	return Tombstone(h.path, found.Offset)
}

// Remove rewrites the file without the found record.
func (h *Handle) Remove() error {
	found, err := h.require()
	if err != nil {
		return err
	}
	h.found = nil
	return Update(h.path, DeleteOp(found.Offset, found.Length), h.secret)
}

func (h *Handle) require() (Located, error) {
	if h.found == nil {
		return Located{}, fmt.Errorf("%w: no record selected", errcode.ErrNotFound)
	}
	return *h.found, nil
}
