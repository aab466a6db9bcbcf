package buffer

// Buffer hosts byte sequences of a single request (its request line or header fields) in a
// single growing slice, enforcing the total size limit. Data may be written in pieces as it
// arrives from the network; a finished segment stays valid until Clear is called.
type Buffer struct {
	memory []byte
	begin  int
	limit  int
}

func New(prealloc, limit int) *Buffer {
	return &Buffer{
		memory: make([]byte, 0, min(prealloc, limit)),
		limit:  limit,
	}
}

// Append writes data into the current segment. If the limit would be exceeded, nothing is
// written and false is returned.
func (b *Buffer) Append(elements []byte) (ok bool) {
	if len(b.memory)+len(elements) > b.limit {
		return false
	}

	b.memory = append(b.memory, elements...)
	return true
}

// AppendByte writes a single byte, checking whether it won't exceed the limit.
func (b *Buffer) AppendByte(c byte) (ok bool) {
	if len(b.memory) >= b.limit {
		return false
	}

	b.memory = append(b.memory, c)
	return true
}

// SegmentLength returns the number of bytes written into the current segment.
func (b *Buffer) SegmentLength() int {
	return len(b.memory) - b.begin
}

// TrimSuffix removes the trailing byte of the current segment, if it's c.
func (b *Buffer) TrimSuffix(c byte) {
	if b.SegmentLength() > 0 && b.memory[len(b.memory)-1] == c {
		b.memory = b.memory[:len(b.memory)-1]
	}
}

// Preview returns current segment without finishing it.
func (b *Buffer) Preview() []byte {
	return b.memory[b.begin:]
}

// Finish completes current segment, returning its value.
func (b *Buffer) Finish() []byte {
	segment := b.memory[b.begin:len(b.memory):len(b.memory)]
	b.begin = len(b.memory)

	return segment
}

// Clear resets the buffer, so old segments may be overridden by new ones.
func (b *Buffer) Clear() {
	b.begin = 0
	b.memory = b.memory[:0]
}
