package rtpreceiver

import (
	"testing"

	"rtspjpeg/rtpcore"
	"rtspjpeg/rtpfec"
	"rtspjpeg/rtpjpeg"
)

func mustMarshalMedia(t *testing.T, seq uint16, ssrc uint32, payload []byte) []byte {
	t.Helper()
	pkt := rtpjpeg.Packet{
		Header: rtpcore.Header{
			Version:        2,
			PayloadType:    rtpjpeg.PayloadType,
			SequenceNumber: seq,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	data, err := rtpjpeg.Marshal(pkt)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func jpegPayload(b ...byte) []byte {
	return append(append([]byte{}, b...), 0xFF, 0xD9)
}

func newTestReceiver(ssrc uint32, onFrame func([]byte)) *Receiver {
	r := New(Config{SSRC: ssrc, OnFrame: onFrame})
	return r
}

func TestDispatchDropsSSRCMismatch(t *testing.T) {
	r := newTestReceiver(42, nil)
	datagram := mustMarshalMedia(t, 1, 99, jpegPayload(1, 2, 3))
	r.dispatch(datagram)
	if len(r.incoming) != 0 {
		t.Errorf("expected SSRC mismatch to be dropped, got %d buffered", len(r.incoming))
	}
}

func TestDispatchAcceptsMediaAndFillsIncoming(t *testing.T) {
	r := newTestReceiver(7, nil)
	for seq := uint16(0); seq < 5; seq++ {
		r.dispatch(mustMarshalMedia(t, seq, 7, jpegPayload(byte(seq))))
	}
	if len(r.incoming) != 5 {
		t.Fatalf("incoming len = %d, want 5", len(r.incoming))
	}
}

func TestEvaluateRecoveryContiguousNoOp(t *testing.T) {
	r := newTestReceiver(7, nil)
	for seq := uint16(0); seq < BufferSize; seq++ {
		r.dispatch(mustMarshalMedia(t, seq, 7, jpegPayload(byte(seq))))
	}
	if r.corrected != 0 || r.uncorrectable != 0 {
		t.Errorf("contiguous sequence should not trigger correction or uncorrectable counters: corrected=%d uncorrectable=%d", r.corrected, r.uncorrectable)
	}
}

func TestEvaluateRecoveryDetectsUncorrectableGap(t *testing.T) {
	r := newTestReceiver(7, nil)
	var seq uint16
	// The first evaluation happens once len(incoming) reaches BufferSize,
	// inspecting array positions (BufferSize-21, BufferSize-20) = (29, 30).
	// Open a gap too large for single-loss recovery right there.
	for i := 0; i < BufferSize; i++ {
		if i == 30 {
			seq += 5
		}
		r.dispatch(mustMarshalMedia(t, seq, 7, jpegPayload(byte(seq))))
		seq++
	}
	if r.uncorrectable == 0 {
		t.Errorf("expected uncorrectable gap to be detected")
	}
}

func bodyFor(t *testing.T, seq uint16, payload []byte) []byte {
	t.Helper()
	pkt := rtpjpeg.Packet{
		Header:  rtpcore.Header{Version: 2, PayloadType: rtpjpeg.PayloadType, SequenceNumber: seq, SSRC: 7},
		Payload: payload,
	}
	data, err := rtpjpeg.Marshal(pkt)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	_, body, err := rtpcore.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return body
}

func TestRecoversSingleLossWithMatchingFEC(t *testing.T) {
	var frames [][]byte
	r := newTestReceiver(7, func(b []byte) { frames = append(frames, append([]byte(nil), b...)) })

	const snBase = uint16(1000) // the present group member's sequence number
	presentBody := bodyFor(t, snBase, jpegPayload(1, 2))
	missingBody := bodyFor(t, snBase+1, jpegPayload(3, 4))

	maxLen := len(presentBody)
	xor := make([]byte, maxLen)
	for j := range xor {
		xor[j] = presentBody[j] ^ missingBody[j]
	}
	fecPkt := rtpfec.Packet{
		Header: rtpcore.Header{Version: 2, PayloadType: rtpfec.PayloadType, SequenceNumber: 0, SSRC: 7},
		SNBase: snBase,
		Levels: []rtpfec.Level{{Mask: 0b1100_0000_0000_0000, Payload: xor}}, // offsets 0,1 -> snBase, snBase+1
	}
	fecData, err := rtpfec.Marshal(fecPkt)
	if err != nil {
		t.Fatalf("Marshal FEC: %v", err)
	}
	r.dispatch(fecData)

	// 29 filler packets (items 1-29) so the group member lands on item 30,
	// which the first gap-inspection cycle pairs with item 31.
	for seq := uint16(0); seq < 29; seq++ {
		r.dispatch(mustMarshalMedia(t, seq, 7, jpegPayload(byte(seq))))
	}

	r.dispatch(mustMarshalMedia(t, snBase, 7, jpegPayload(1, 2))) // item 30
	// snBase+1 (item "31") is never sent: the simulated loss.
	r.dispatch(mustMarshalMedia(t, snBase+2, 7, jpegPayload(byte(5)))) // item 31 in the array

	// 19 more filler packets (items 32-50) to reach BufferSize for the
	// first gap-inspection cycle.
	for i := uint16(0); i < 19; i++ {
		r.dispatch(mustMarshalMedia(t, snBase+3+i, 7, jpegPayload(byte(i))))
	}

	if r.corrected != 1 {
		t.Errorf("corrected = %d, want 1", r.corrected)
	}
}
