package domain

import "io"

// Buffer is a fixed-capacity byte buffer. Incoming bytes are appended with
// Fill and handed to a sink with Flush; unread data always starts at the
// front of Bytes.
type Buffer struct {
	buf  []byte
	r, w int
}

func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{buf: make([]byte, size)}
}

func (b *Buffer) Len() int      { return b.w - b.r }
func (b *Buffer) Cap() int      { return len(b.buf) }
func (b *Buffer) Empty() bool   { return b.r == b.w }
func (b *Buffer) Full() bool    { return b.Len() == len(b.buf) }
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// Consume discards the first n unread bytes.
func (b *Buffer) Consume(n int) {
	if n >= b.Len() {
		b.Reset()
		return
	}
	b.r += n
}

func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
}

func (b *Buffer) compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r, b.w = 0, n
}

// Fill performs one Read from src into the free tail of the buffer and
// returns the number of bytes appended. io.EOF is returned as is.
func (b *Buffer) Fill(src io.Reader) (int, error) {
	b.compact()
	if b.w == len(b.buf) {
		return 0, ErrBufferFull
	}
	n, err := src.Read(b.buf[b.w:])
	if n > 0 {
		b.w += n
	}
	return n, err
}

// Flush performs one Write of the unread bytes to dst. done reports whether
// the buffer was fully drained.
func (b *Buffer) Flush(dst io.Writer) (done bool, err error) {
	if b.Empty() {
		return true, nil
	}
	n, err := dst.Write(b.Bytes())
	if n > 0 {
		b.Consume(n)
	}
	return b.Empty(), err
}
