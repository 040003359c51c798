package buffer

import (
	"runtime"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
)

// BufferPool is a thread-safe pool of byte slices that reuses buffers to
// reduce memory allocation overhead through valyala/bytebufferpool. Segment
// proxying copies upstream bodies through these buffers so a busy tuner does
// not allocate per chunk.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a new BufferPool that manages byte slices of the
// specified size. The pool is immediately ready for use after creation.
func NewBufferPool(bufferSize int64) *BufferPool {
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a byte buffer from the pool, grown to the configured size
// when the pooled buffer is smaller.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Put returns a byte buffer to the pool
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// Cleanup releases pooled memory back to the system; called on shutdown
func (bp *BufferPool) Cleanup() {
	// bytebufferpool handles its own cleanup
	runtime.GC()
}

// Segment is one media segment queued by a continuous stream: its absolute
// upstream URL, its advertised duration, and whether it has been served.
type Segment struct {
	URL      string
	Duration time.Duration
	Played   bool
}

// SegmentWindow is the bounded dedupe queue behind a continuous stream.
// Live playlists re-list recent segments on every poll, so the window
// remembers what it has already queued (O(1) membership via the seen set)
// while preserving arrival order for playback. Draining the oldest entries
// keeps memory constant on long-running streams.
type SegmentWindow struct {
	mu       sync.Mutex
	segments []*Segment
	seen     map[string]struct{}
}

// NewSegmentWindow creates an empty segment window
func NewSegmentWindow() *SegmentWindow {
	return &SegmentWindow{
		seen: make(map[string]struct{}),
	}
}

// Add queues a segment unless its URL is already in the window.
// Returns true when the segment was added.
func (sw *SegmentWindow) Add(url string, duration time.Duration) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, exists := sw.seen[url]; exists {
		return false
	}
	sw.seen[url] = struct{}{}
	sw.segments = append(sw.segments, &Segment{URL: url, Duration: duration})
	return true
}

// Len returns the number of queued segments, played or not
func (sw *SegmentWindow) Len() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.segments)
}

// Drain drops the n oldest segments from the window so their URLs can be
// re-queued if the upstream ever re-lists them far in the future
func (sw *SegmentWindow) Drain(n int) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if n > len(sw.segments) {
		n = len(sw.segments)
	}
	for _, s := range sw.segments[:n] {
		delete(sw.seen, s.URL)
	}
	sw.segments = append([]*Segment(nil), sw.segments[n:]...)
}

// NextUnplayed returns the oldest segment not yet served, or nil when every
// queued segment has been played
func (sw *SegmentWindow) NextUnplayed() *Segment {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	for _, s := range sw.segments {
		if !s.Played {
			return s
		}
	}
	return nil
}

// MarkPlayed flags a segment as served
func (sw *SegmentWindow) MarkPlayed(url string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	for _, s := range sw.segments {
		if s.URL == url {
			s.Played = true
			return
		}
	}
}
