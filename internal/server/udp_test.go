package server

import (
	"net"
	"testing"
	"time"

	"github.com/skypro1111/podcast-desilence-service/internal/config"
	"github.com/skypro1111/podcast-desilence-service/internal/protocol"
)

func startUDPServer(t *testing.T, f *fixture) (*UDPServer, *net.UDPConn) {
	t.Helper()

	cfg := &config.ServerConfig{
		UDPPort:     0,
		BindAddress: "127.0.0.1",
		BufferSize:  65536,
	}
	srv := NewUDPServer(cfg, testLogger(), f.streams, f.metrics)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	client, err := net.DialUDP("udp", nil, srv.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return srv, client
}

func send(t *testing.T, conn *net.UDPConn, packet []byte) {
	t.Helper()
	if _, err := conn.Write(packet); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUDPStreamToLibrary(t *testing.T) {
	f := newFixture(t)
	srv, client := startUDPServer(t, f)

	const streamID = 99
	send(t, client, protocol.EncodeStart(streamID, "Morning show", "Radio", testRate, 0))

	pcm := tonePCM(20, 60, 60)
	seq := uint32(0)
	for off := 0; off < len(pcm); off += frameBytes {
		packet, err := protocol.EncodeAudio(streamID, seq, pcm[off:off+frameBytes])
		if err != nil {
			t.Fatalf("EncodeAudio failed: %v", err)
		}
		send(t, client, packet)
		seq++
		if seq%20 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	waitFor(t, "all audio packets", func() bool {
		return srv.GetStatistics().PacketsProcessed == uint64(seq)+1
	})
	send(t, client, protocol.EncodeEnd(streamID, seq-1))

	waitFor(t, "the stream episode", func() bool { return f.library.Count() == 1 })

	ep := f.library.List()[0]
	if ep.Title != "Morning show" || ep.Show != "Radio" || ep.Source != "stream" {
		t.Errorf("unexpected metadata %+v", ep)
	}
	if len(ep.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(ep.Segments))
	}
	if ep.InputDuration < 4.19 || ep.InputDuration > 4.21 {
		t.Errorf("expected input duration 4.2, got %f", ep.InputDuration)
	}
	if ep.Duration < 2.39 || ep.Duration > 2.41 {
		t.Errorf("expected duration 2.4, got %f", ep.Duration)
	}
	if f.streams.GetActiveSessionCount() != 0 {
		t.Error("stream should be closed after End")
	}
}

func TestUDPParseErrors(t *testing.T) {
	f := newFixture(t)
	srv, client := startUDPServer(t, f)

	send(t, client, []byte{0x01, 0x02})

	bad := protocol.EncodeEnd(1, 0)
	bad[7] = 0x09 // unknown version
	send(t, client, bad)

	waitFor(t, "parse errors", func() bool { return srv.GetStatistics().ParseErrors == 2 })

	stats := srv.GetStatistics()
	if stats.PacketsReceived != 2 || stats.PacketsProcessed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestUDPAudioForUnknownStream(t *testing.T) {
	f := newFixture(t)
	srv, client := startUDPServer(t, f)

	packet, err := protocol.EncodeAudio(7, 0, make([]byte, frameBytes))
	if err != nil {
		t.Fatalf("EncodeAudio failed: %v", err)
	}
	send(t, client, packet)

	waitFor(t, "the packet to be handled", func() bool { return srv.GetStatistics().PacketsProcessed == 1 })
	if f.streams.GetActiveSessionCount() != 0 {
		t.Error("audio must not open a stream")
	}
}
