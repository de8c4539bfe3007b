package buffer

// EvictFunc is called once per chunk dropped to make room for a newer one.
// size is the length of the evicted chunk.
type EvictFunc func(size int)

// Stats is a snapshot of a buffer's counters.
type Stats struct {
	Chunks        int
	Bytes         int
	EvictedChunks uint64
	EvictedBytes  uint64
}

// Buffer is a fixed-capacity FIFO queue of byte chunks.
// When a push would exceed capacity, the oldest chunks are evicted first.
// A single chunk larger than the capacity is still kept, alone.
//
// Buffer is not safe for concurrent use. It lives inside a Session or
// an Endpoint and is only touched by that owner's loop goroutine.
type Buffer struct {
	chunks   [][]byte
	capacity int
	size     int // running total of len(chunk) over chunks
	onEvict  EvictFunc

	evictedChunks uint64
	evictedBytes  uint64
}

// New creates an empty buffer holding at most capacity bytes.
func New(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// OnEvict registers a callback fired for every evicted chunk.
// Overflow is an expected event, so it is reported here and never as an error.
func (b *Buffer) OnEvict(fn EvictFunc) {
	b.onEvict = fn
}

// Push appends a copy of chunk, evicting oldest chunks until it fits.
// Empty chunks are ignored.
func (b *Buffer) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	for len(b.chunks) > 0 && b.size+len(chunk) > b.capacity {
		b.evictOldest()
	}

	// copy to avoid retaining references to the caller's read buffer
	c := make([]byte, len(chunk))
	copy(c, chunk)
	b.chunks = append(b.chunks, c)
	b.size += len(c)
}

// DrainAll returns every chunk in insertion order and empties the buffer.
func (b *Buffer) DrainAll() [][]byte {
	out := b.chunks
	b.chunks = nil
	b.size = 0
	return out
}

// IsEmpty reports whether the buffer holds no chunks.
func (b *Buffer) IsEmpty() bool {
	return len(b.chunks) == 0
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return b.size
}

// Stats returns current occupancy and eviction counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Chunks:        len(b.chunks),
		Bytes:         b.size,
		EvictedChunks: b.evictedChunks,
		EvictedBytes:  b.evictedBytes,
	}
}

func (b *Buffer) evictOldest() {
	oldest := b.chunks[0]
	b.chunks[0] = nil // release for GC before reslicing
	b.chunks = b.chunks[1:]
	b.size -= len(oldest)
	b.evictedChunks++
	b.evictedBytes += uint64(len(oldest))
	if b.onEvict != nil {
		b.onEvict(len(oldest))
	}
}
