// Package rtpjpeg implements the custom RTP Motion-JPEG payload profile:
// the fixed RTP header (via rtpcore), an 8-byte JPEG-specific tail, and an
// opaque JPEG byte payload.
package rtpjpeg

import (
	"fmt"

	"rtspjpeg/rtpcore"
)

// PayloadType is the fixed 7-bit RTP payload type for JPEG media packets.
const PayloadType = 26

// Packet is a fully decoded RTP JPEG media packet.
type Packet struct {
	Header rtpcore.Header

	// TypeSpecific and FragmentOffset are carried but not interpreted; this
	// profile never fragments a frame across packets.
	TypeSpecific   uint8
	FragmentOffset uint32 // 24-bit value

	JPEGType uint8
	QTable   uint8
	Width    uint8 // frame width in 8-pixel blocks
	Height   uint8 // frame height in 8-pixel blocks

	Payload []byte // opaque JPEG bytes, expected to end FF D9
}

// EndsWithJPEGEOI reports whether payload's last two bytes are the JPEG
// end-of-image marker FF D9, as spec'd for a valid JPEG trailer.
func EndsWithJPEGEOI(payload []byte) bool {
	return len(payload) >= 2 && payload[len(payload)-2] == 0xFF && payload[len(payload)-1] == 0xD9
}

// Marshal serializes p to wire bytes.
func Marshal(p Packet) ([]byte, error) {
	if p.FragmentOffset > 0xFFFFFF {
		return nil, fmt.Errorf("rtpjpeg: fragment offset %d exceeds 24 bits", p.FragmentOffset)
	}

	var tail [8]byte
	tail[0] = p.TypeSpecific
	tail[1] = byte(p.FragmentOffset >> 16)
	tail[2] = byte(p.FragmentOffset >> 8)
	tail[3] = byte(p.FragmentOffset)
	tail[4] = p.JPEGType
	tail[5] = p.QTable
	tail[6] = p.Width
	tail[7] = p.Height

	body := make([]byte, 0, len(tail)+len(p.Payload))
	body = append(body, tail[:]...)
	body = append(body, p.Payload...)

	return rtpcore.Marshal(p.Header, body)
}

// Unmarshal parses wire bytes into a Packet.
func Unmarshal(data []byte) (Packet, error) {
	h, body, err := rtpcore.Unmarshal(data)
	if err != nil {
		return Packet{}, fmt.Errorf("rtpjpeg: %w", err)
	}
	if len(body) < 8 {
		return Packet{}, fmt.Errorf("rtpjpeg: payload too short for JPEG tail (%d bytes)", len(body))
	}

	p := Packet{
		Header:         h,
		TypeSpecific:   body[0],
		FragmentOffset: uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3]),
		JPEGType:       body[4],
		QTable:         body[5],
		Width:          body[6],
		Height:         body[7],
		Payload:        append([]byte(nil), body[8:]...),
	}
	return p, nil
}

// Timestamp derives the RTP timestamp for a frame sequence number, per the
// sender contract: seq_num * FRAME_PERIOD(ms) * 90, a 90 kHz clock proxy.
func Timestamp(seqNum uint32, framePeriodMs uint32) uint32 {
	return seqNum * framePeriodMs * 90
}
