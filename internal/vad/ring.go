package vad

type classifiedFrame struct {
	frame    Frame
	isSpeech bool
}

// ringBuffer is a fixed-capacity FIFO of classified frames. Appending to a
// full ring evicts the oldest entry. The number of speech entries is tracked
// incrementally.
type ringBuffer struct {
	entries []classifiedFrame
	head    int // index of the oldest entry
	size    int
	voiced  int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{entries: make([]classifiedFrame, capacity)}
}

func (r *ringBuffer) capacity() int {
	return len(r.entries)
}

func (r *ringBuffer) len() int {
	return r.size
}

func (r *ringBuffer) push(f Frame, isSpeech bool) {
	if len(r.entries) == 0 {
		return
	}

	if r.size == len(r.entries) {
		if r.entries[r.head].isSpeech {
			r.voiced--
		}
		r.entries[r.head] = classifiedFrame{frame: f, isSpeech: isSpeech}
		r.head = (r.head + 1) % len(r.entries)
	} else {
		r.entries[(r.head+r.size)%len(r.entries)] = classifiedFrame{frame: f, isSpeech: isSpeech}
		r.size++
	}

	if isSpeech {
		r.voiced++
	}
}

func (r *ringBuffer) voicedCount() int {
	return r.voiced
}

func (r *ringBuffer) unvoicedCount() int {
	return r.size - r.voiced
}

// oldest returns the oldest frame; the ring must not be empty.
func (r *ringBuffer) oldest() Frame {
	return r.entries[r.head].frame
}

// appendTo appends the held frames, oldest first, to dst.
func (r *ringBuffer) appendTo(dst []Frame) []Frame {
	for i := 0; i < r.size; i++ {
		dst = append(dst, r.entries[(r.head+i)%len(r.entries)].frame)
	}
	return dst
}

func (r *ringBuffer) clear() {
	clear(r.entries)
	r.head = 0
	r.size = 0
	r.voiced = 0
}
