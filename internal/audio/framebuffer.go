package audio

import "sync"

// FrameBuffer accumulates the binary chunks of one streamed recording in
// arrival order. It is frozen by the first call to Finalize.
type FrameBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	frames int
	size   int
	final  []byte
	frozen bool
}

func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{chunks: make([][]byte, 0, 64)}
}

// Append stores a copy of chunk. Empty chunks are ignored, and so is any
// chunk arriving after Finalize.
func (b *FrameBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return
	}
	b.chunks = append(b.chunks, c)
	b.frames++
	b.size += len(c)
}

// Finalize concatenates all chunks in insertion order. The concatenation is
// computed once; later calls return the same bytes. An empty buffer yields a
// zero-length slice.
func (b *FrameBuffer) Finalize() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return b.final
	}
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	b.final = out
	b.frozen = true
	b.chunks = nil
	return b.final
}

// Len returns the number of non-empty frames appended.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

// Size returns the number of bytes collected so far.
func (b *FrameBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *FrameBuffer) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}

// Release drops the finalized recording once its owner no longer needs it.
// Counters are kept.
func (b *FrameBuffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.final = nil
	b.frozen = true
}
