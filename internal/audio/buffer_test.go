package audio

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

// packet returns 80 samples whose bytes all equal seq.
func packet(seq uint32) []byte {
	return bytes.Repeat([]byte{byte(seq)}, 160)
}

func TestNewBuffer(t *testing.T) {
	buffer := NewBuffer(12345, 16000)

	if buffer == nil {
		t.Fatal("NewBuffer returned nil")
	}
	if buffer.GetStreamID() != 12345 {
		t.Errorf("Expected stream ID 12345, got %d", buffer.GetStreamID())
	}
	if buffer.sampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", buffer.sampleRate)
	}
	if data := buffer.Drain(); data != nil {
		t.Errorf("Expected nothing to drain, got %d bytes", len(data))
	}
}

func TestAddAudioData(t *testing.T) {
	buffer := NewBuffer(1, 8000)
	initialTime := buffer.GetLastUpdate()

	time.Sleep(10 * time.Millisecond)

	if err := buffer.AddAudioData(100, packet(100)); err != nil {
		t.Fatalf("Failed to add audio data: %v", err)
	}

	if !buffer.GetLastUpdate().After(initialTime) {
		t.Error("Expected last update time to advance")
	}
	if buffer.GetLastSequence() != 100 {
		t.Errorf("Expected last sequence 100, got %d", buffer.GetLastSequence())
	}

	data := buffer.Drain()
	if !bytes.Equal(data, packet(100)) {
		t.Errorf("Drained data does not match packet")
	}
	if again := buffer.Drain(); again != nil {
		t.Errorf("Expected second drain to be empty, got %d bytes", len(again))
	}
}

func TestSequenceOrdering(t *testing.T) {
	buffer := NewBuffer(1, 8000)

	// 1, 3, 2, 4
	if err := buffer.AddAudioData(1, packet(1)); err != nil {
		t.Fatalf("Failed to add packet 1: %v", err)
	}
	if err := buffer.AddAudioData(3, packet(3)); err != nil {
		t.Fatalf("Failed to add packet 3: %v", err)
	}

	if got := buffer.Drain(); !bytes.Equal(got, packet(1)) {
		t.Fatalf("Expected only packet 1 before the gap closes, got %d bytes", len(got))
	}

	if err := buffer.AddAudioData(2, packet(2)); err != nil {
		t.Fatalf("Failed to add packet 2: %v", err)
	}
	if err := buffer.AddAudioData(4, packet(4)); err != nil {
		t.Fatalf("Failed to add packet 4: %v", err)
	}

	want := append(append(packet(2), packet(3)...), packet(4)...)
	if got := buffer.Drain(); !bytes.Equal(got, want) {
		t.Errorf("Expected packets 2,3,4 in order")
	}
	if buffer.GetLastSequence() != 4 {
		t.Errorf("Expected last sequence 4, got %d", buffer.GetLastSequence())
	}
}

func TestPacketLossDetection(t *testing.T) {
	buffer := NewBuffer(1, 8000)

	buffer.AddAudioData(1, packet(1))
	buffer.AddAudioData(30, packet(30))

	stats := buffer.GetStats()
	if stats.LostPackets != 28 {
		t.Errorf("Expected 28 lost packets, got %d", stats.LostPackets)
	}
	if stats.LossRate == 0 {
		t.Error("Expected non-zero loss rate")
	}

	want := append(packet(1), packet(30)...)
	if got := buffer.Drain(); !bytes.Equal(got, want) {
		t.Errorf("Expected packets 1 and 30 after skipping the gap, got %d bytes", len(got))
	}

	// A lost packet arriving late is rejected.
	if err := buffer.AddAudioData(5, packet(5)); !errors.Is(err, ErrStalePacket) {
		t.Errorf("Expected ErrStalePacket, got %v", err)
	}
}

func TestSmallGapWaits(t *testing.T) {
	buffer := NewBuffer(1, 8000)
	buffer.SetMaxGap(5)

	buffer.AddAudioData(1, packet(1))
	buffer.AddAudioData(4, packet(4))
	buffer.Drain()

	stats := buffer.GetStats()
	if stats.LostPackets != 0 || stats.PendingSeqs != 1 {
		t.Errorf("Expected packet 4 to wait, got %+v", stats)
	}

	if got := buffer.Flush(); !bytes.Equal(got, packet(4)) {
		t.Errorf("Expected Flush to release packet 4, got %d bytes", len(got))
	}
	if buffer.GetStats().LostPackets != 2 {
		t.Errorf("Expected 2 lost packets after flush, got %d", buffer.GetStats().LostPackets)
	}
}

func TestSkipKeepsBufferedPackets(t *testing.T) {
	buffer := NewBuffer(1, 8000)
	buffer.SetMaxGap(6)

	buffer.AddAudioData(0, packet(0))
	buffer.AddAudioData(5, packet(5))
	buffer.AddAudioData(3, packet(3))
	buffer.AddAudioData(10, packet(10))

	// 10 is beyond the gap: 1, 2, 4 and 6..9 are lost.
	stats := buffer.GetStats()
	if stats.LostPackets != 7 || stats.PendingSeqs != 0 {
		t.Errorf("Expected 7 lost and nothing pending, got %+v", stats)
	}

	want := bytes.Join([][]byte{packet(0), packet(3), packet(5), packet(10)}, nil)
	if got := buffer.Drain(); !bytes.Equal(got, want) {
		t.Errorf("Expected packets 0, 3, 5, 10 in order, got %d bytes", len(got))
	}
}

func TestHugeSequenceJumpRejected(t *testing.T) {
	buffer := NewBuffer(1, 8000)

	if err := buffer.AddAudioData(0, make([]byte, 480)); err != nil {
		t.Fatalf("Failed to add audio data: %v", err)
	}

	start := time.Now()
	err := buffer.AddAudioData(0xFFFFFFF0, make([]byte, 480))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Jump took %v", elapsed)
	}
	if !errors.Is(err, ErrStalePacket) {
		t.Errorf("Expected ErrStalePacket, got %v", err)
	}

	stats := buffer.GetStats()
	if stats.LostPackets != 0 || stats.PendingSeqs != 0 || stats.StalePackets != 1 {
		t.Errorf("Unexpected stats after jump %+v", stats)
	}

	// The stream carries on where it was.
	if err := buffer.AddAudioData(1, make([]byte, 480)); err != nil {
		t.Errorf("Expected next packet to be accepted, got %v", err)
	}
	if buffer.GetLastSequence() != 1 {
		t.Errorf("Expected last sequence 1, got %d", buffer.GetLastSequence())
	}
}

func TestFlushSparsePending(t *testing.T) {
	buffer := NewBuffer(1, 8000)
	buffer.SetMaxGap(2000)

	buffer.AddAudioData(0, packet(0))
	buffer.AddAudioData(1500, packet(1500))

	start := time.Now()
	got := buffer.Flush()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Flush took %v", elapsed)
	}
	if !bytes.Equal(got, append(packet(0), packet(1500)...)) {
		t.Errorf("Unexpected flush output of %d bytes", len(got))
	}
	if lost := buffer.GetStats().LostPackets; lost != 1499 {
		t.Errorf("Expected 1499 lost packets, got %d", lost)
	}
}

func TestDuplicatePackets(t *testing.T) {
	buffer := NewBuffer(1, 8000)

	buffer.AddAudioData(1, packet(1))
	if err := buffer.AddAudioData(1, packet(1)); !errors.Is(err, ErrStalePacket) {
		t.Errorf("Expected ErrStalePacket for duplicate, got %v", err)
	}

	buffer.AddAudioData(3, packet(3))
	if err := buffer.AddAudioData(3, packet(3)); !errors.Is(err, ErrStalePacket) {
		t.Errorf("Expected ErrStalePacket for buffered duplicate, got %v", err)
	}

	if stale := buffer.GetStats().StalePackets; stale != 2 {
		t.Errorf("Expected 2 stale packets, got %d", stale)
	}
}

func TestInvalidAudioData(t *testing.T) {
	buffer := NewBuffer(1, 8000)

	if err := buffer.AddAudioData(1, make([]byte, 3)); err == nil {
		t.Error("Expected error for odd-length audio data")
	}
}

func TestBufferStats(t *testing.T) {
	buffer := NewBuffer(42, 8000)
	for seq := uint32(10); seq < 15; seq++ {
		buffer.AddAudioData(seq, packet(seq))
	}

	stats := buffer.GetStats()
	if stats.StreamID != 42 {
		t.Errorf("Expected stream ID 42, got %d", stats.StreamID)
	}
	if stats.TotalPackets != 5 {
		t.Errorf("Expected 5 packets, got %d", stats.TotalPackets)
	}
	if stats.ReadyBytes != 5*160 {
		t.Errorf("Expected %d ready bytes, got %d", 5*160, stats.ReadyBytes)
	}

	buffer.Drain()
	stats = buffer.GetStats()
	if stats.ReadyBytes != 0 || stats.DrainedBytes != 5*160 {
		t.Errorf("Unexpected stats after drain: %+v", stats)
	}
}

func TestConcurrentAccess(t *testing.T) {
	buffer := NewBuffer(1, 8000)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = buffer.GetStats()
				_ = buffer.GetLastSequence()
				_ = buffer.Drain()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint32(0); seq < 500; seq++ {
			buffer.AddAudioData(seq, packet(seq))
		}
	}()

	wg.Wait()

	buffer.Drain()
	if stats := buffer.GetStats(); stats.DrainedBytes != 500*160 {
		t.Errorf("Expected %d drained bytes, got %d", 500*160, stats.DrainedBytes)
	}
}
