// Package cache implements the small, direct-mapped, write-back block
// cache that sits between the on-block filesystem and the client
// transport. Each of the filesystem's three concerns (superblock/bitmap,
// directories, file/data blocks) gets its own independent *Cache instance;
// the policy is identical across all three, only the backing id space
// differs.
package cache

import (
	"fmt"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/blk"
)

// Source is the minimal block transport a Cache needs: plaintext in,
// plaintext out. *transport.Client satisfies this directly.
type Source interface {
	ReadBlk(id uint64) ([]byte, error)
	WriteBlk(id uint64, data []byte) error
}

// Metrics receives cache events for the ambient Prometheus instrumentation
// wired up in cmd/cryptofs-client. A nil Metrics disables reporting.
type Metrics interface {
	Hit(kind string)
	Miss(kind string)
	Flush(kind string)
}

type line struct {
	id    uint64
	valid bool
	dirty bool
	data  []byte
}

// Cache is a fixed-size, direct-mapped, write-back cache of plaintext
// blocks. The home line for id i is always i mod N; because flush always
// precedes fetch, a valid entry for id i can only ever live there, so
// lookup never needs to scan beyond the home line.
type Cache struct {
	kind  string
	src   Source
	lines []line
	m     Metrics
}

// New creates a cache of n lines over src. kind labels this cache's
// instrumentation ("superblock", "directory", or "data").
func New(src Source, n int, kind string, m Metrics) *Cache {
	lines := make([]line, n)
	return &Cache{kind: kind, src: src, lines: lines, m: m}
}

func (c *Cache) home(id uint64) *line {
	return &c.lines[id%uint64(len(c.lines))]
}

// Get returns the plaintext for id, fetching it through src if necessary.
// The returned slice is a direct reference to the cache line's buffer: it
// is only valid until the next Get/Claim call on this same Cache that
// might evict this line. Callers needing the data to outlive that must
// copy it.
func (c *Cache) Get(id uint64) ([]byte, error) {
	ln := c.home(id)
	if ln.valid && ln.id == id {
		if c.m != nil {
			c.m.Hit(c.kind)
		}
		return ln.data, nil
	}
	if c.m != nil {
		c.m.Miss(c.kind)
	}

	if err := c.evict(ln); err != nil {
		return nil, fmt.Errorf("cache[%s]: evict before fetching %d: %w", c.kind, id, err)
	}

	data, err := c.src.ReadBlk(id)
	if err != nil {
		return nil, fmt.Errorf("cache[%s]: fetch %d: %w", c.kind, id, err)
	}

	ln.id, ln.data, ln.valid, ln.dirty = id, data, true, false
	return ln.data, nil
}

// Claim is Get without the fetch: it evicts (flushing if dirty) whatever
// other block currently occupies id's home line, then hands back a zeroed
// buffer marked valid and dirty; if id itself is already resident, its
// buffer is zeroed in place. It is used when the caller is about to
// overwrite the whole block, so reading the old contents first would be
// wasted work.
func (c *Cache) Claim(id uint64) ([]byte, error) {
	ln := c.home(id)
	if !(ln.valid && ln.id == id) {
		if err := c.evict(ln); err != nil {
			return nil, fmt.Errorf("cache[%s]: evict before claiming %d: %w", c.kind, id, err)
		}
		ln.id = id
		ln.data = make([]byte, blk.Size)
	} else {
		for i := range ln.data {
			ln.data[i] = 0
		}
	}
	ln.valid = true
	ln.dirty = true
	return ln.data, nil
}

// Dirty marks id's line dirty. It is an error to call this for an id whose
// home line does not currently hold a valid copy of id: callers must Get
// or Claim first.
func (c *Cache) Dirty(id uint64) error {
	ln := c.home(id)
	if !(ln.valid && ln.id == id) {
		return fmt.Errorf("cache[%s]: dirty(%d): line not resident", c.kind, id)
	}
	ln.dirty = true
	return nil
}

// Flush writes id's line back through src if it is valid and dirty.
func (c *Cache) Flush(id uint64) error {
	ln := c.home(id)
	if ln.valid && ln.id == id {
		return c.flushLine(ln)
	}
	return nil
}

// FlushAll writes back every dirty line, in line order.
func (c *Cache) FlushAll() error {
	for i := range c.lines {
		if err := c.flushLine(&c.lines[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) flushLine(ln *line) error {
	if !ln.valid || !ln.dirty {
		return nil
	}
	if err := c.src.WriteBlk(ln.id, ln.data); err != nil {
		return fmt.Errorf("cache[%s]: write back %d: %w", c.kind, ln.id, err)
	}
	ln.dirty = false
	if c.m != nil {
		c.m.Flush(c.kind)
	}
	return nil
}

// evict flushes ln if it currently holds valid data for a different id,
// then marks it invalid. A line that was already invalid is left
// untouched: eviction only happens to lines that actually hold something.
func (c *Cache) evict(ln *line) error {
	if !ln.valid {
		return nil
	}
	if err := c.flushLine(ln); err != nil {
		return err
	}
	ln.valid = false
	return nil
}

