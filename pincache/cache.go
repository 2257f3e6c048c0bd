// Package pincache holds PINs handed to the agent by the card daemon.
//
// Values live in memguard enclaves: encrypted while at rest in memory and
// only decrypted into a locked, non-swappable buffer while a caller holds it.
// Entries are never serialized and are flushed whenever the daemon restarts.
package pincache

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// Cache maps card-slot keys (e.g. "openpgp/D2760001240102000005000012340000/OPENPGP.1")
// to cached PINs. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*memguard.Enclave
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for decode diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*memguard.Enclave),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put seals value into an enclave under key, replacing any previous entry.
// The value slice is wiped. An empty value removes the entry.
func (c *Cache) Put(key string, value []byte) {
	var enclave *memguard.Enclave
	if len(value) > 0 {
		enclave = memguard.NewEnclave(value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enclave == nil {
		delete(c.entries, key)
		return
	}
	c.entries[key] = enclave
}

// Get opens the entry for key into a locked buffer. The caller must Destroy
// the returned buffer.
func (c *Cache) Get(key string) (*memguard.LockedBuffer, bool) {
	c.mu.Lock()
	enclave, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	buf, err := enclave.Open()
	if err != nil {
		c.logger.Error("pincache: opening enclave failed", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return buf, true
}

// Flush removes every entry whose key starts with prefix. Keys are
// structured as "<app>/<serialno>/<keyref>", so flushing "openpgp/D276…"
// drops all PINs of one card.
func (c *Cache) Flush(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// FlushAll removes every entry.
func (c *Cache) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
