package sequencer

// Buffer accumulates frames in capture order. One buffer is live per
// attempt; it is discarded on reset and on every terminal transition.
type Buffer struct {
	frames []Frame
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds a frame to the end of the buffer.
func (b *Buffer) Append(frame Frame) {
	b.frames = append(b.frames, frame)
}

// Frames returns the buffered frames in capture order.
func (b *Buffer) Frames() []Frame {
	return b.frames
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	return len(b.frames)
}

// Clear discards every buffered frame.
func (b *Buffer) Clear() {
	b.frames = nil
}
