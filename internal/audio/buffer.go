package audio

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// DefaultMaxGap is how many missing packets a Buffer waits for before it
// declares them lost.
const DefaultMaxGap = 20

// A packet further ahead than max(maxJumpFactor*maxGap, minMaxJump) is
// treated as corrupt rather than as the end of a gap.
const (
	maxJumpFactor = 16
	minMaxJump    = 1024
)

var ErrStalePacket = errors.New("stale or duplicate packet")

// Buffer reorders sequenced PCM packets for one stream. Bytes become
// drainable once every earlier packet has arrived or been declared lost.
type Buffer struct {
	streamID   uint32
	sampleRate int

	ready []byte // contiguous audio not yet drained

	started     bool
	lastSeq     uint32 // last sequence appended to ready
	expectedSeq uint32 // next sequence to append
	pending     map[uint32][]byte
	maxGap      uint32

	lastUpdate   time.Time
	totalPackets uint32
	lostCount    uint32
	staleCount   uint32
	drainedBytes uint64

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	StreamID     uint32  `json:"stream_id"`
	TotalPackets uint32  `json:"total_packets"`
	LostPackets  uint32  `json:"lost_packets"`
	StalePackets uint32  `json:"stale_packets"`
	LossRate     float64 `json:"loss_rate"`
	ReadyBytes   int     `json:"ready_bytes"`
	PendingSeqs  int     `json:"pending_sequences"`
	LastSequence uint32  `json:"last_sequence"`
	DrainedBytes uint64  `json:"drained_bytes"`
}

// NewBuffer creates a reordering buffer.
func NewBuffer(streamID uint32, sampleRate int) *Buffer {
	return &Buffer{
		streamID:   streamID,
		sampleRate: sampleRate,
		ready:      make([]byte, 0, sampleRate*2), // one second of 16-bit samples
		pending:    make(map[uint32][]byte),
		maxGap:     DefaultMaxGap,
		lastUpdate: time.Now(),
	}
}

// SetMaxGap changes how many missing packets are waited for.
func (b *Buffer) SetMaxGap(gap uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxGap = gap
}

// AddAudioData adds one packet of PCM audio.
func (b *Buffer) AddAudioData(sequence uint32, rawData []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(rawData)%2 != 0 {
		return fmt.Errorf("audio data length must be even (got %d bytes)", len(rawData))
	}

	b.lastUpdate = time.Now()
	b.totalPackets++

	if !b.started {
		b.started = true
		b.expectedSeq = sequence
		b.lastSeq = sequence - 1
	}

	switch {
	case sequence == b.expectedSeq:
		b.ready = append(b.ready, rawData...)
		b.lastSeq = sequence
		b.expectedSeq = sequence + 1
		b.appendPending()

	case sequence > b.expectedSeq:
		if jump := sequence - b.expectedSeq; uint64(jump) > b.maxJump() {
			b.staleCount++
			return fmt.Errorf("%w: seq=%d is %d ahead of expected %d", ErrStalePacket, sequence, jump, b.expectedSeq)
		}
		if _, dup := b.pending[sequence]; dup {
			b.staleCount++
			return fmt.Errorf("%w: seq=%d already buffered", ErrStalePacket, sequence)
		}
		b.pending[sequence] = slices.Clone(rawData)

		if sequence-b.expectedSeq > b.maxGap {
			b.skipTo(sequence)
		}

	default:
		b.staleCount++
		return fmt.Errorf("%w: seq=%d, lastSeq=%d", ErrStalePacket, sequence, b.lastSeq)
	}

	return nil
}

func (b *Buffer) maxJump() uint64 {
	return max(uint64(b.maxGap)*maxJumpFactor, minMaxJump)
}

// skipTo declares everything before sequence that has not arrived as lost
// and appends what follows in order. It only visits buffered packets.
func (b *Buffer) skipTo(sequence uint32) {
	below := make([]uint32, 0, len(b.pending))
	for seq := range b.pending {
		if seq < sequence {
			below = append(below, seq)
		}
	}
	slices.Sort(below)

	for _, seq := range below {
		b.ready = append(b.ready, b.pending[seq]...)
		delete(b.pending, seq)
		b.lastSeq = seq
	}
	b.lostCount += sequence - b.expectedSeq - uint32(len(below))
	b.expectedSeq = sequence
	b.appendPending()
}

// appendPending moves consecutive buffered packets into ready.
func (b *Buffer) appendPending() {
	for {
		data, ok := b.pending[b.expectedSeq]
		if !ok {
			return
		}
		b.ready = append(b.ready, data...)
		delete(b.pending, b.expectedSeq)
		b.lastSeq = b.expectedSeq
		b.expectedSeq++
	}
}

// Drain returns the contiguous audio accumulated since the last call.
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked()
}

// Flush gives up on missing packets and drains everything buffered,
// including packets still waiting behind a gap. Used when a stream ends.
func (b *Buffer) Flush() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) > 0 {
		seqs := make([]uint32, 0, len(b.pending))
		for seq := range b.pending {
			seqs = append(seqs, seq)
		}
		b.skipTo(slices.Max(seqs) + 1)
	}
	return b.drainLocked()
}

func (b *Buffer) drainLocked() []byte {
	if len(b.ready) == 0 {
		return nil
	}
	out := b.ready
	b.drainedBytes += uint64(len(out))
	b.ready = make([]byte, 0, cap(out))
	return out
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lossRate := float64(0)
	if expected := b.totalPackets + b.lostCount; expected > 0 {
		lossRate = float64(b.lostCount) / float64(expected) * 100
	}

	return BufferStats{
		StreamID:     b.streamID,
		TotalPackets: b.totalPackets,
		LostPackets:  b.lostCount,
		StalePackets: b.staleCount,
		LossRate:     lossRate,
		ReadyBytes:   len(b.ready),
		PendingSeqs:  len(b.pending),
		LastSequence: b.lastSeq,
		DrainedBytes: b.drainedBytes,
	}
}

// GetStreamID returns the stream ID for this buffer
func (b *Buffer) GetStreamID() uint32 {
	return b.streamID
}

// GetLastUpdate returns the time of the last buffer update
func (b *Buffer) GetLastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// GetLastSequence returns the last sequence appended in order.
func (b *Buffer) GetLastSequence() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeq
}
