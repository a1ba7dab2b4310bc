package cache

import (
	"testing"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/blk"
)

// fakeSource is an in-memory stand-in for a transport.Client: a fixed-size
// array of blocks plus counters recording every fetch and write-back, so
// tests can assert exactly when the cache does and doesn't talk to it.
type fakeSource struct {
	blocks map[uint64][]byte
	reads  int
	writes int
}

func newFakeSource() *fakeSource {
	return &fakeSource{blocks: make(map[uint64][]byte)}
}

func (s *fakeSource) ReadBlk(id uint64) ([]byte, error) {
	s.reads++
	if data, ok := s.blocks[id]; ok {
		return append([]byte{}, data...), nil
	}
	return make([]byte, blk.Size), nil
}

func (s *fakeSource) WriteBlk(id uint64, data []byte) error {
	s.writes++
	s.blocks[id] = append([]byte{}, data...)
	return nil
}

func TestGetFetchesOnceThenHits(t *testing.T) {
	src := newFakeSource()
	src.blocks[0] = bytesOf(0x11)

	c := New(src, 4, "test", nil)

	data, err := c.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if data[0] != 0x11 {
		t.Fatalf("Get returned wrong data")
	}
	if src.reads != 1 {
		t.Fatalf("reads = %d, want 1", src.reads)
	}

	if _, err := c.Get(0); err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if src.reads != 1 {
		t.Fatalf("second Get triggered a fetch: reads = %d, want 1", src.reads)
	}
}

func TestCollisionFlushesBeforeFetching(t *testing.T) {
	src := newFakeSource()
	c := New(src, 4, "test", nil)

	data, err := c.Get(0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	data[0] = 0xaa
	if err := c.Dirty(0); err != nil {
		t.Fatalf("Dirty(0): %v", err)
	}

	// id 4 collides with id 0 on a 4-line cache (4 mod 4 == 0 mod 4).
	if _, err := c.Get(4); err != nil {
		t.Fatalf("Get(4): %v", err)
	}
	if src.writes != 1 {
		t.Fatalf("writes = %d, want 1 (flush of id 0 before fetching id 4)", src.writes)
	}
	if src.blocks[0][0] != 0xaa {
		t.Fatalf("flushed data for id 0 does not reflect the dirty write")
	}

	got, err := c.Get(0)
	if err != nil {
		t.Fatalf("Get(0) after eviction: %v", err)
	}
	if got[0] != 0xaa {
		t.Fatalf("re-fetched id 0 lost its previously flushed write")
	}
}

func TestClaimSkipsFetch(t *testing.T) {
	src := newFakeSource()
	src.blocks[0] = bytesOf(0xff)

	c := New(src, 4, "test", nil)
	data, err := c.Claim(0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if data[0] != 0 {
		t.Fatalf("Claim returned non-zeroed data: %v", data[0])
	}
	if src.reads != 0 {
		t.Fatalf("Claim triggered a fetch: reads = %d, want 0", src.reads)
	}
}

func TestDirtyOnNonResidentLineErrors(t *testing.T) {
	c := New(newFakeSource(), 4, "test", nil)
	if err := c.Dirty(0); err == nil {
		t.Fatalf("Dirty on a line with no resident data did not error")
	}
}

func TestFlushAllWritesBackOnlyDirtyLines(t *testing.T) {
	src := newFakeSource()
	c := New(src, 4, "test", nil)

	if _, err := c.Get(1); err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if err := c.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if src.writes != 0 {
		t.Fatalf("FlushAll wrote back a clean line: writes = %d, want 0", src.writes)
	}

	data, err := c.Claim(2)
	if err != nil {
		t.Fatalf("Claim(2): %v", err)
	}
	data[0] = 0x99
	if err := c.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if src.writes != 1 {
		t.Fatalf("writes = %d, want 1", src.writes)
	}
}

type countingMetrics struct {
	hits, misses, flushes int
}

func (m *countingMetrics) Hit(kind string)   { m.hits++ }
func (m *countingMetrics) Miss(kind string)  { m.misses++ }
func (m *countingMetrics) Flush(kind string) { m.flushes++ }

func TestNilMetricsDoesNotPanic(t *testing.T) {
	src := newFakeSource()
	c := New(src, 4, "test", nil)

	if _, err := c.Get(0); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get(0); err != nil {
		t.Fatalf("Get (hit): %v", err)
	}
	data, err := c.Claim(0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	_ = data
	if err := c.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
}

func TestMetricsAreReported(t *testing.T) {
	src := newFakeSource()
	m := &countingMetrics{}
	c := New(src, 4, "test", m)

	if _, err := c.Get(0); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.misses != 1 || m.hits != 0 {
		t.Fatalf("after first Get: hits=%d misses=%d, want 0/1", m.hits, m.misses)
	}
	if _, err := c.Get(0); err != nil {
		t.Fatalf("Get (hit): %v", err)
	}
	if m.hits != 1 {
		t.Fatalf("after second Get: hits=%d, want 1", m.hits)
	}

	data, err := c.Claim(0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	data[0] = 1
	if err := c.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if m.flushes != 1 {
		t.Fatalf("flushes=%d, want 1", m.flushes)
	}
}

func bytesOf(b byte) []byte {
	buf := make([]byte, blk.Size)
	buf[0] = b
	return buf
}
