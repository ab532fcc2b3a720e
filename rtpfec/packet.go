// Package rtpfec implements the XOR-parity FEC RTP profile modeled on
// RFC 2733: a 10-byte FEC header carrying the recovered "PT" bit-field and a
// protection-group descriptor, followed by one or more FEC levels, each an
// XOR of a group of media-packet payloads.
package rtpfec

import (
	"encoding/binary"
	"fmt"

	"rtspjpeg/rtpcore"
)

// PayloadType is the fixed 7-bit RTP payload type for FEC packets.
const PayloadType = 100

// MaskWidthThreshold is the largest group size k still covered by a 16-bit
// mask; larger groups require the 48-bit long mask and the L flag.
const MaskWidthThreshold = 16

// Level is a single FEC protection group's mask and XOR payload.
type Level struct {
	// Mask has one bit set per protected media packet, MSB-first starting
	// at SNBase. Only the low 16 (short) or 48 (long) bits are meaningful,
	// selected by the packet's Long flag.
	Mask uint64

	// Payload is the XOR of the protected media packets' JPEG-tail+payload
	// bytes, zero-padded to the longest member of the group.
	Payload []byte
}

// Packet is a fully decoded RTP FEC packet.
type Packet struct {
	Header rtpcore.Header

	// E is the extension-present recovery bit (recovered from the member
	// packets' own Extension flags; this implementation does not protect
	// packets that carry an extension, so E is always false on packets we
	// generate).
	E bool
	// Long selects a 48-bit mask (k > MaskWidthThreshold) over the default
	// 16-bit mask.
	Long bool
	// RecoveredPadding, RecoveredExtension, RecoveredCSRCCount and
	// RecoveredMarker mirror the corresponding bits of the protected media
	// packets, per RFC 2733.
	RecoveredPadding   bool
	RecoveredExtension bool
	RecoveredCSRCCount uint8
	RecoveredMarker    bool
	// PTRecovery is the payload type of the protected media packets.
	PTRecovery uint8

	SNBase         uint16
	TSRecovery     uint32
	LengthRecovery uint16

	Levels []Level
}

func maskBits(long bool) int {
	if long {
		return 48
	}
	return 16
}

// Marshal serializes p to wire bytes. It rejects a level whose mask has bits
// beyond the width Long selects (16 or 48 bits) so callers can't silently
// truncate a mask.
func Marshal(p Packet) ([]byte, error) {
	if len(p.Levels) == 0 {
		return nil, fmt.Errorf("rtpfec: packet has no FEC levels")
	}

	bits := maskBits(p.Long)
	maxMask := uint64(1)<<uint(bits) - 1

	var body []byte

	var fecHdr [10]byte
	b0 := byte(0)
	if p.E {
		b0 |= 0x80
	}
	if p.Long {
		b0 |= 0x40
	}
	if p.RecoveredPadding {
		b0 |= 0x20
	}
	if p.RecoveredExtension {
		b0 |= 0x10
	}
	b0 |= p.RecoveredCSRCCount & 0x0F
	fecHdr[0] = b0
	b1 := p.PTRecovery & 0x7F
	if p.RecoveredMarker {
		b1 |= 0x80
	}
	fecHdr[1] = b1
	binary.BigEndian.PutUint16(fecHdr[2:4], p.SNBase)
	binary.BigEndian.PutUint32(fecHdr[4:8], p.TSRecovery)
	binary.BigEndian.PutUint16(fecHdr[8:10], p.LengthRecovery)
	body = append(body, fecHdr[:]...)

	for _, lvl := range p.Levels {
		if lvl.Mask > maxMask {
			return nil, fmt.Errorf("rtpfec: mask %#x exceeds %d-bit width", lvl.Mask, bits)
		}
		if len(lvl.Payload) > 0xFFFF {
			return nil, fmt.Errorf("rtpfec: protection length %d exceeds 16 bits", len(lvl.Payload))
		}

		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(lvl.Payload)))
		body = append(body, lenBuf[:]...)

		maskBuf := make([]byte, bits/8)
		shifted := lvl.Mask << uint(64-bits)
		for i := range maskBuf {
			maskBuf[i] = byte(shifted >> uint(56-8*i))
		}
		body = append(body, maskBuf...)
		body = append(body, lvl.Payload...)
	}

	return rtpcore.Marshal(p.Header, body)
}

// Unmarshal parses wire bytes into a Packet.
func Unmarshal(data []byte) (Packet, error) {
	h, body, err := rtpcore.Unmarshal(data)
	if err != nil {
		return Packet{}, fmt.Errorf("rtpfec: %w", err)
	}
	if len(body) < 10 {
		return Packet{}, fmt.Errorf("rtpfec: payload too short for FEC header (%d bytes)", len(body))
	}

	b0 := body[0]
	p := Packet{
		Header:             h,
		E:                  b0&0x80 != 0,
		Long:               b0&0x40 != 0,
		RecoveredPadding:   b0&0x20 != 0,
		RecoveredExtension: b0&0x10 != 0,
		RecoveredCSRCCount: b0 & 0x0F,
		RecoveredMarker:    body[1]&0x80 != 0,
		PTRecovery:         body[1] & 0x7F,
		SNBase:             binary.BigEndian.Uint16(body[2:4]),
		TSRecovery:         binary.BigEndian.Uint32(body[4:8]),
		LengthRecovery:     binary.BigEndian.Uint16(body[8:10]),
	}

	bits := maskBits(p.Long)
	maskBytes := bits / 8
	pos := 10
	for pos < len(body) {
		if pos+2+maskBytes > len(body) {
			return Packet{}, fmt.Errorf("rtpfec: truncated FEC level at offset %d", pos)
		}
		protLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
		pos += 2

		var mask uint64
		for i := 0; i < maskBytes; i++ {
			mask = mask<<8 | uint64(body[pos+i])
		}
		pos += maskBytes

		if pos+protLen > len(body) {
			return Packet{}, fmt.Errorf("rtpfec: FEC level payload length %d exceeds remaining bytes", protLen)
		}
		p.Levels = append(p.Levels, Level{
			Mask:    mask,
			Payload: append([]byte(nil), body[pos:pos+protLen]...),
		})
		pos += protLen
	}

	return p, nil
}

// Covers reports whether level's mask selects seq as a member of the group
// rooted at snBase, per RFC 3550/2733 modular sequence arithmetic.
func (l Level) Covers(snBase, seq uint16, long bool) bool {
	bits := maskBits(long)
	offset := int(seq - snBase)
	if offset >= bits {
		return false
	}
	bitPos := bits - 1 - offset
	return l.Mask&(1<<uint(bitPos)) != 0
}
