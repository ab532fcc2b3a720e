package rtpsender

import (
	"bytes"
	"math/rand"
	"net"
	"testing"
	"time"

	"rtspjpeg/framesource"
	"rtspjpeg/rtpjpeg"
)

func framePayload(n int) []byte {
	b := make([]byte, n)
	b[n-2] = 0xFF
	b[n-1] = 0xD9
	return b
}

func lenPrefixedFrames(frames ...[]byte) []byte {
	var out bytes.Buffer
	for _, f := range frames {
		out.WriteString(padLength(len(f)))
		out.Write(f)
	}
	return out.Bytes()
}

func padLength(n int) string {
	s := []byte("00000")
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	copy(s[len(s)-len(digits):], digits)
	return string(s)
}

func udpLoopback(t *testing.T) (server *net.UDPConn, client net.Conn) {
	t.Helper()
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	client, err = net.Dial("udp", server.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return server, client
}

func TestSenderSendsOnePacketPerFrame(t *testing.T) {
	server, client := udpLoopback(t)
	defer server.Close()
	defer client.Close()

	raw := lenPrefixedFrames(framePayload(10), framePayload(8))
	src := framesource.NewReader(bytes.NewReader(raw))

	s := New(Config{Conn: client, SSRC: 0x01, Source: src})
	s.Start()
	defer s.Stop()

	buf := make([]byte, 2048)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	pkt, err := rtpjpeg.Unmarshal(buf[:n])
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !rtpjpeg.EndsWithJPEGEOI(pkt.Payload) {
		t.Errorf("payload does not end in FF D9: %x", pkt.Payload)
	}
}

func TestSenderTimestampIsDerivedFromPacketSequenceNumber(t *testing.T) {
	server, client := udpLoopback(t)
	defer server.Close()
	defer client.Close()

	raw := lenPrefixedFrames(framePayload(10))
	src := framesource.NewReader(bytes.NewReader(raw))

	s := New(Config{Conn: client, SSRC: 0x01, Source: src})
	s.mediaSeq = 59999 // force a non-zero basis distinct from any frame index
	s.Start()
	defer s.Stop()

	buf := make([]byte, 2048)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	pkt, err := rtpjpeg.Unmarshal(buf[:n])
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	want := rtpjpeg.Timestamp(uint32(pkt.Header.SequenceNumber), uint32(FramePeriod/time.Millisecond))
	if pkt.Header.Timestamp != want {
		t.Errorf("Timestamp = %d, want %d (derived from sequence number %d)", pkt.Header.Timestamp, want, pkt.Header.SequenceNumber)
	}
	if pkt.Header.SequenceNumber != 59999 {
		t.Errorf("SequenceNumber = %d, want 59999", pkt.Header.SequenceNumber)
	}
}

func TestSenderAppliesBernoulliDrop(t *testing.T) {
	server, client := udpLoopback(t)
	defer server.Close()
	defer client.Close()

	raw := lenPrefixedFrames(framePayload(10))
	src := framesource.NewReader(bytes.NewReader(raw))

	s := New(Config{
		Conn:            client,
		SSRC:            0x01,
		Source:          src,
		BernoulliDrop:   rand.New(rand.NewSource(1)),
		DropProbability: 1.0, // always drop
	})
	s.Start()
	defer s.Stop()

	server.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 2048)
	if _, err := server.Read(buf); err == nil {
		t.Errorf("expected no packet to arrive when drop probability is 1.0")
	}
}

func TestSenderEmitsFECPacketPerGroup(t *testing.T) {
	server, client := udpLoopback(t)
	defer server.Close()
	defer client.Close()

	raw := lenPrefixedFrames(framePayload(10), framePayload(10))
	src := framesource.NewReader(bytes.NewReader(raw))

	s := New(Config{
		Conn:         client,
		SSRC:         0x01,
		Source:       src,
		FECGroupSize: 2,
	})
	s.Start()
	defer s.Stop()

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)

	var sawFEC bool
	for i := 0; i < 3; i++ {
		n, err := server.Read(buf)
		if err != nil {
			break
		}
		if buf[1]&0x7F == 100 {
			sawFEC = true
		}
		_ = n
	}
	if !sawFEC {
		t.Errorf("expected a FEC packet to be emitted after a full group")
	}
}

func TestAccumulateFECSkipsGroupThatCrossesSequenceWraparound(t *testing.T) {
	s := &Sender{cfg: Config{FECGroupSize: 4}}

	// snBase=65533, k=4 spans 65533,65534,65535,0 — the 16-bit span
	// crosses the wraparound boundary even though the sequence numbers
	// themselves are contiguous mod 2^16.
	s.accumulateFEC(groupMember{seq: 65533})
	s.accumulateFEC(groupMember{seq: 65534})
	s.accumulateFEC(groupMember{seq: 65535})
	s.accumulateFEC(groupMember{seq: 0})

	if s.stats.SkippedWraparound != 1 {
		t.Errorf("SkippedWraparound = %d, want 1", s.stats.SkippedWraparound)
	}
	if s.stats.FECPacketsSent != 0 {
		t.Errorf("FECPacketsSent = %d, want 0", s.stats.FECPacketsSent)
	}
}

func TestAccumulateFECDoesNotSkipNonWrappingGroup(t *testing.T) {
	server, client := udpLoopback(t)
	defer server.Close()
	defer client.Close()

	s := &Sender{cfg: Config{FECGroupSize: 4, Conn: client}}

	s.accumulateFEC(groupMember{seq: 100, body: []byte{1}})
	s.accumulateFEC(groupMember{seq: 101, body: []byte{2}})
	s.accumulateFEC(groupMember{seq: 102, body: []byte{3}})
	s.accumulateFEC(groupMember{seq: 103, body: []byte{4}})

	if s.stats.SkippedWraparound != 0 {
		t.Errorf("SkippedWraparound = %d, want 0", s.stats.SkippedWraparound)
	}
	if s.stats.FECPacketsSent != 1 {
		t.Errorf("FECPacketsSent = %d, want 1", s.stats.FECPacketsSent)
	}
}

func TestStopWaitsForLoopExit(t *testing.T) {
	server, client := udpLoopback(t)
	defer server.Close()
	defer client.Close()

	src := framesource.NewReader(bytes.NewReader(nil))
	s := New(Config{Conn: client, SSRC: 1, Source: src})
	s.Start()
	s.Stop() // must return promptly even with an empty frame source
}
