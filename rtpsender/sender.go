// Package rtpsender implements the paced RTP JPEG frame transmitter:
// §4.6's FRAME_PERIOD pacing, optional Bernoulli-simulated packet loss, and
// optional XOR-parity FEC generation.
//
// Every sender owns exactly one goroutine — its pacing loop — which is the
// Go analogue of the spec's per-sender strand: all sequence-number,
// timestamp, and FEC-accumulator state is only ever touched from that one
// goroutine, so nothing here needs its own mutex.
package rtpsender

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtspjpeg/framesource"
	"rtspjpeg/rtpcore"
	"rtspjpeg/rtpfec"
	"rtspjpeg/rtpjpeg"
)

// FramePeriod is the fixed pacing interval between media packets.
const FramePeriod = 40 * time.Millisecond

// Config configures a Sender.
type Config struct {
	Conn   net.Conn // pre-connected UDP socket to the receiver's client_port
	SSRC   uint32
	Source *framesource.Reader

	// BernoulliDrop, if non-nil, is drawn once per frame; on true the frame
	// is withheld from the wire but still folded into FEC accounting.
	BernoulliDrop *rand.Rand
	DropProbability float64

	// FECGroupSize is k, the number of media packets per FEC group. Zero
	// disables FEC.
	FECGroupSize uint16
	// FECP is the FEC p parameter, carried for parity with the MKN-Options
	// grammar; this profile only implements p=1 (single-loss recovery per
	// group), consistent with spec.md's XOR scheme.
	FECP uint16

	// Width and Height are the frame dimensions in 8-pixel blocks, carried
	// in the JPEG tail. Deriving these from the JPEG data itself would
	// require decoding it, which is out of scope; callers that know the
	// stream's fixed dimensions supply them here.
	Width, Height uint8

	Logger *zap.Logger
}

// Stats is a snapshot of a sender's lifetime counters.
type Stats struct {
	Sent              uint64
	SimulatedDrops    uint64
	FECPacketsSent    uint64
	SkippedWraparound uint64
}

// Sender paces frame transmission from a framesource.Reader onto a UDP
// socket, per spec.md §4.6. It satisfies rtspsession.Sender.
type Sender struct {
	cfg Config

	mediaSeq uint16
	fecSeq   uint16

	group []groupMember

	stats Stats

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

type groupMember struct {
	seq  uint16
	ts   uint32
	body []byte // JPEG tail + payload, as sent on the wire
}

// New constructs a Sender. Initial sequence numbers are drawn uniformly
// from [0, 60000] independently for the media and FEC streams, per
// spec.md §4.6.
func New(cfg Config) *Sender {
	return &Sender{
		cfg:      cfg,
		mediaSeq: uint16(rand.Intn(60001)),
		fecSeq:   uint16(rand.Intn(60001)),
		done:     make(chan struct{}),
	}
}

// Start begins the pacing loop in its own goroutine. Calling Start twice is
// a no-op.
func (s *Sender) Start() {
	if s.started {
		return
	}
	s.started = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.run()
}

// Stop cancels the pacing loop and blocks until it has exited, so the
// caller never observes a socket write racing a close. Calling Stop again
// is a no-op; a later Start resumes pacing.
func (s *Sender) Stop() {
	if !s.started {
		return
	}
	s.started = false
	close(s.done)
	s.wg.Wait()
}

// Stats returns a copy of the sender's lifetime counters.
func (s *Sender) Stats() Stats {
	return s.stats
}

func (s *Sender) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(FramePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.sendNextFrame() {
				return
			}
		}
	}
}

// sendNextFrame reads and sends one frame. It returns false when the frame
// source ends or fails.
func (s *Sender) sendNextFrame() bool {
	frame, err := s.cfg.Source.Next()
	if err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Info("frame source exhausted, stopping sender", zap.Error(err))
		}
		return false
	}

	seq := s.mediaSeq
	s.mediaSeq++
	ts := rtpjpeg.Timestamp(uint32(seq), uint32(FramePeriod/time.Millisecond))

	pkt := rtpjpeg.Packet{
		Header: rtpcore.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    rtpjpeg.PayloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           s.cfg.SSRC,
		},
		Width:   s.cfg.Width,
		Height:  s.cfg.Height,
		QTable:  128,
		Payload: frame,
	}

	data, err := rtpjpeg.Marshal(pkt)
	if err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Warn("failed to marshal JPEG packet, dropping frame", zap.Error(err))
		}
		return true
	}

	body := data[12:] // the JPEG tail + payload, sans the common RTP header

	dropped := s.cfg.BernoulliDrop != nil && s.cfg.BernoulliDrop.Float64() < s.cfg.DropProbability
	if dropped {
		s.stats.SimulatedDrops++
	} else if _, err := s.cfg.Conn.Write(data); err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Warn("media packet write failed", zap.Error(err))
		}
	} else {
		s.stats.Sent++
	}

	if s.cfg.FECGroupSize > 0 {
		s.accumulateFEC(groupMember{seq: seq, ts: ts, body: body})
	}

	return true
}

func (s *Sender) accumulateFEC(m groupMember) {
	s.group = append(s.group, m)
	if uint16(len(s.group)) < s.cfg.FECGroupSize {
		return
	}
	defer func() { s.group = s.group[:0] }()

	snBase := s.group[0].seq
	if int(snBase)+len(s.group)-1 >= 65536 {
		// The group's sequence-number span crosses the 16-bit wraparound
		// boundary. Per spec.md's open question on SN-base wraparound,
		// refuse to span the wrap: skip this FEC group, but the media
		// packets were already sent above.
		s.stats.SkippedWraparound++
		return
	}

	long := s.cfg.FECGroupSize > rtpfec.MaskWidthThreshold
	maxLen := 0
	for _, mem := range s.group {
		if len(mem.body) > maxLen {
			maxLen = len(mem.body)
		}
	}

	xorPayload := make([]byte, maxLen)
	var mask uint64
	var lengthRecovery uint16
	bits := 16
	if long {
		bits = 48
	}
	for i, mem := range s.group {
		for j, b := range mem.body {
			xorPayload[j] ^= b
		}
		lengthRecovery ^= uint16(len(mem.body))
		mask |= 1 << uint(bits-1-i)
	}

	fecPkt := rtpfec.Packet{
		Header: rtpcore.Header{
			Version:        2,
			PayloadType:    rtpfec.PayloadType,
			SequenceNumber: s.fecSeq,
			Timestamp:      s.group[len(s.group)-1].ts,
			SSRC:           s.cfg.SSRC,
		},
		Long:           long,
		PTRecovery:     rtpjpeg.PayloadType,
		SNBase:         snBase,
		TSRecovery:     s.group[len(s.group)-1].ts,
		LengthRecovery: lengthRecovery,
		Levels: []rtpfec.Level{
			{Mask: mask, Payload: xorPayload},
		},
	}
	s.fecSeq++

	data, err := rtpfec.Marshal(fecPkt)
	if err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Warn("failed to marshal FEC packet", zap.Error(err))
		}
		return
	}
	if _, err := s.cfg.Conn.Write(data); err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Warn("FEC packet write failed", zap.Error(err))
		}
		return
	}
	s.stats.FECPacketsSent++
}
