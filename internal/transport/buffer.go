package transport

// Buffer is a scatter-gather byte buffer. RPC requests and responses are
// composed of chunks that may reference caller-owned memory (for zero-copy
// sends) or memory loaned out of a registered receive pool. Loaned chunks
// carry a release hook that re-posts the underlying buffer to its shared
// receive queue; the hook runs when the chunk is dropped by TruncateFront or
// the Buffer is Reset.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	chunks []chunk
	length uint32
}

type chunk struct {
	data []byte
	// release returns loaned memory to its owner. Nil for chunks that
	// reference caller-owned memory.
	release func()
}

// Len returns the total number of bytes across all chunks.
func (b *Buffer) Len() uint32 { return b.length }

// NumChunks returns the number of chunks in the buffer.
func (b *Buffer) NumChunks() int { return len(b.chunks) }

// Chunk returns the i'th chunk's bytes.
func (b *Buffer) Chunk(i int) []byte { return b.chunks[i].data }

// Append adds a chunk referencing data. The buffer does not copy; data must
// stay valid until the buffer is Reset.
func (b *Buffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.chunks = append(b.chunks, chunk{data: data})
	b.length += uint32(len(data))
}

// AppendCopy adds a chunk holding a private copy of data.
func (b *Buffer) AppendCopy(data []byte) {
	if len(data) == 0 {
		return
	}
	dup := make([]byte, len(data))
	copy(dup, data)
	b.Append(dup)
}

// AppendForeign adds a chunk of loaned memory. release runs exactly once,
// when TruncateFront drops the chunk or the buffer is Reset, and must return
// the memory to its owner.
func (b *Buffer) AppendForeign(data []byte, release func()) {
	b.chunks = append(b.chunks, chunk{data: data, release: release})
	b.length += uint32(len(data))
}

// Prepend inserts a chunk referencing data at the front of the buffer.
func (b *Buffer) Prepend(data []byte) {
	if len(data) == 0 {
		return
	}
	b.chunks = append([]chunk{{data: data}}, b.chunks...)
	b.length += uint32(len(data))
}

// TruncateFront drops n bytes from the front of the buffer. Chunks that
// become empty are removed; a loaned chunk dropped this way has its release
// hook run.
func (b *Buffer) TruncateFront(n uint32) {
	for n > 0 && len(b.chunks) > 0 {
		c := &b.chunks[0]
		if uint32(len(c.data)) > n {
			c.data = c.data[n:]
			b.length -= n
			return
		}
		n -= uint32(len(c.data))
		b.length -= uint32(len(c.data))
		if c.release != nil {
			c.release()
		}
		b.chunks = b.chunks[1:]
	}
}

// CopyTo flattens the buffer into dst and returns the number of bytes
// written. dst must be at least Len() bytes.
func (b *Buffer) CopyTo(dst []byte) int {
	off := 0
	for _, c := range b.chunks {
		off += copy(dst[off:], c.data)
	}
	return off
}

// Bytes returns a flattened copy of the buffer contents.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.length)
	b.CopyTo(out)
	return out
}

// CopyOut copies length bytes starting at offset into dst and returns the
// number of bytes copied, which is less than length if the buffer is shorter
// than offset+length.
func (b *Buffer) CopyOut(offset, length uint32, dst []byte) int {
	written := 0
	for _, c := range b.chunks {
		if length == 0 {
			break
		}
		clen := uint32(len(c.data))
		if offset >= clen {
			offset -= clen
			continue
		}
		n := clen - offset
		if n > length {
			n = length
		}
		written += copy(dst[written:], c.data[offset:offset+n])
		offset = 0
		length -= n
	}
	return written
}

// Reset releases all loaned chunks and empties the buffer. The buffer may be
// reused afterwards. Callers that received a response Buffer must Reset it
// once done with the payload so loaned receive buffers return to their queue.
func (b *Buffer) Reset() {
	for i := range b.chunks {
		if b.chunks[i].release != nil {
			b.chunks[i].release()
		}
	}
	b.chunks = b.chunks[:0]
	b.length = 0
}
