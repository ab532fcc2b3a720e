// Package rtpcore implements the common RFC 3550 fixed RTP header and the
// generic (non-RFC 8285) header extension block shared by the JPEG media
// profile in rtpjpeg and the FEC profile in rtpfec.
//
// The common, no-extension case is marshaled and parsed with
// github.com/pion/rtp, the same library the pack's WebRTC-era code pulled in
// transitively; this package promotes it to a direct dependency. Packets
// that carry the header extension bit are encoded and decoded by hand,
// because the spec's extension layout is the plain RFC 3550 generic form
// (2-byte profile + 16-bit length-in-words + payload), not pion/rtp's
// RFC 8285 one-byte/two-byte extension scheme.
package rtpcore

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// Header is the fixed 12-byte RTP header plus any CSRC identifiers and the
// optional generic extension block.
type Header struct {
	Version     uint8
	Padding     bool
	Extension   bool
	Marker      bool
	PayloadType uint8
	SequenceNumber uint16
	Timestamp   uint32
	SSRC        uint32

	// CSRCCount and CSRCs are tracked separately so a caller can construct a
	// header where they disagree; Marshal rejects that rather than silently
	// preferring one over the other.
	CSRCCount uint8
	CSRCs     []uint32

	// ExtensionProfile and ExtensionPayload are only meaningful when
	// Extension is true. ExtensionPayload's length must be a multiple of 4
	// bytes (RFC 3550 counts the extension in 32-bit words).
	ExtensionProfile uint16
	ExtensionPayload []byte
}

func (h Header) validate() error {
	if h.Version != 2 {
		return fmt.Errorf("rtpcore: unsupported version %d", h.Version)
	}
	if int(h.CSRCCount) != len(h.CSRCs) {
		return fmt.Errorf("rtpcore: csrc count %d disagrees with %d csrcs given", h.CSRCCount, len(h.CSRCs))
	}
	if len(h.CSRCs) > 15 {
		return fmt.Errorf("rtpcore: too many csrcs (%d), max 15", len(h.CSRCs))
	}
	if h.Extension && len(h.ExtensionPayload)%4 != 0 {
		return fmt.Errorf("rtpcore: extension payload length %d is not a multiple of 4", len(h.ExtensionPayload))
	}
	return nil
}

// Marshal encodes the header and appends payload, returning the full wire
// bytes of an RTP packet (header plus payload, no padding applied).
func Marshal(h Header, payload []byte) ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	if h.Extension {
		return marshalManual(h, payload), nil
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        h.Version,
			Padding:        h.Padding,
			Marker:         h.Marker,
			PayloadType:    h.PayloadType,
			SequenceNumber: h.SequenceNumber,
			Timestamp:      h.Timestamp,
			SSRC:           h.SSRC,
			CSRC:           h.CSRCs,
		},
		Payload: payload,
	}
	return pkt.Marshal()
}

// Unmarshal parses an RTP packet's header and returns the remaining payload
// bytes (the profile-specific tail plus media data).
func Unmarshal(data []byte) (Header, []byte, error) {
	if len(data) < 12 {
		return Header{}, nil, fmt.Errorf("rtpcore: packet too short (%d bytes)", len(data))
	}
	if data[0]>>6 != 2 {
		return Header{}, nil, fmt.Errorf("rtpcore: unsupported version %d", data[0]>>6)
	}
	extBit := data[0]&0x10 != 0
	if extBit {
		return unmarshalManual(data)
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return Header{}, nil, fmt.Errorf("rtpcore: %w", err)
	}
	h := Header{
		Version:        pkt.Header.Version,
		Padding:        pkt.Header.Padding,
		Extension:      pkt.Header.Extension,
		Marker:         pkt.Header.Marker,
		PayloadType:    pkt.Header.PayloadType,
		SequenceNumber: pkt.Header.SequenceNumber,
		Timestamp:      pkt.Header.Timestamp,
		SSRC:           pkt.Header.SSRC,
		CSRCCount:      uint8(len(pkt.Header.CSRC)),
		CSRCs:          pkt.Header.CSRC,
	}
	return h, pkt.Payload, nil
}

// marshalManual encodes a header with the extension bit set, bypassing
// pion/rtp since its Header.Extensions models RFC 8285, not the generic
// RFC 3550 form this spec uses.
func marshalManual(h Header, payload []byte) []byte {
	buf := make([]byte, 0, 12+4*len(h.CSRCs)+4+len(h.ExtensionPayload)+len(payload))

	b0 := (h.Version << 6)
	if h.Padding {
		b0 |= 0x20
	}
	b0 |= 0x10 // extension bit, always set on this path
	b0 |= uint8(len(h.CSRCs)) & 0x0F

	b1 := h.PayloadType & 0x7F
	if h.Marker {
		b1 |= 0x80
	}

	var hdr [12]byte
	hdr[0] = b0
	hdr[1] = b1
	binary.BigEndian.PutUint16(hdr[2:4], h.SequenceNumber)
	binary.BigEndian.PutUint32(hdr[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(hdr[8:12], h.SSRC)
	buf = append(buf, hdr[:]...)

	for _, c := range h.CSRCs {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], c)
		buf = append(buf, b[:]...)
	}

	var ext [4]byte
	binary.BigEndian.PutUint16(ext[0:2], h.ExtensionProfile)
	binary.BigEndian.PutUint16(ext[2:4], uint16(len(h.ExtensionPayload)/4))
	buf = append(buf, ext[:]...)
	buf = append(buf, h.ExtensionPayload...)

	buf = append(buf, payload...)
	return buf
}

// unmarshalManual is the inverse of marshalManual.
func unmarshalManual(data []byte) (Header, []byte, error) {
	b0 := data[0]
	csrcCount := int(b0 & 0x0F)
	headerLen := 12 + 4*csrcCount
	if len(data) < headerLen+4 {
		return Header{}, nil, fmt.Errorf("rtpcore: packet too short for csrc+extension prolog (%d bytes)", len(data))
	}

	h := Header{
		Version:        b0 >> 6,
		Padding:        b0&0x20 != 0,
		Extension:      true,
		Marker:         data[1]&0x80 != 0,
		PayloadType:    data[1] & 0x7F,
		SequenceNumber: binary.BigEndian.Uint16(data[2:4]),
		Timestamp:      binary.BigEndian.Uint32(data[4:8]),
		SSRC:           binary.BigEndian.Uint32(data[8:12]),
		CSRCCount:      uint8(csrcCount),
	}

	pos := 12
	for i := 0; i < csrcCount; i++ {
		h.CSRCs = append(h.CSRCs, binary.BigEndian.Uint32(data[pos:pos+4]))
		pos += 4
	}

	h.ExtensionProfile = binary.BigEndian.Uint16(data[pos : pos+2])
	extWords := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
	pos += 4
	extLen := extWords * 4
	if len(data) < pos+extLen {
		return Header{}, nil, fmt.Errorf("rtpcore: extension length %d exceeds packet", extLen)
	}
	h.ExtensionPayload = append([]byte(nil), data[pos:pos+extLen]...)
	pos += extLen

	return h, data[pos:], nil
}
