// Package rtpreceiver implements the RTP JPEG receiver: datagram dispatch,
// sequence-number tracking, the incoming/FEC delay buffers and single-loss
// recovery, and the paced display buffer, per spec.md §4.7.
//
// As with rtpsender, all mutable state here — the sequence tracker, the
// delay buffers, the recovery counters — is touched only from the
// receiver's single mailbox goroutine, the Go analogue of the spec's
// per-receiver strand. Socket reads from the v4 and best-effort v6 sockets
// run on their own goroutines but only ever hand raw datagrams to the
// mailbox over a channel; they never touch receiver state directly.
package rtpreceiver

import (
	"bytes"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtspjpeg/rtpfec"
	"rtspjpeg/rtpjpeg"
	"rtspjpeg/rtpseq"
)

// BufferSize is the target depth of the incoming and FEC delay buffers.
const BufferSize = 50

// MediaPacketDelay is the lookback distance, in packets, at which the
// receiver evaluates FEC recovery opportunities.
const MediaPacketDelay = 20

// FramePeriod is the display buffer's pop interval.
const FramePeriod = 40 * time.Millisecond

// Stats is the statistics snapshot spec.md's callback contract describes.
type Stats struct {
	Received      uint32
	Expected      uint32
	Corrected     uint32
	Uncorrectable uint32
}

// Config configures a Receiver.
type Config struct {
	ConnV4 net.PacketConn // mandatory
	ConnV6 net.PacketConn // best-effort; nil if the v6 bind failed

	SSRC uint32

	// OnFrame is invoked from the display timer with each frame's JPEG
	// payload, in order.
	OnFrame func([]byte)
	// OnStats, if set, is invoked after every accepted media packet.
	OnStats func(Stats)

	Logger *zap.Logger
}

type mediaEntry struct {
	seq  uint16
	body []byte // JPEG tail + payload
}

// Receiver consumes RTP JPEG and FEC datagrams from one or two UDP sockets.
// It satisfies rtspsession.Sender (Start/Stop) so the session registry can
// drive its lifecycle uniformly with the sender's.
type Receiver struct {
	cfg Config

	tracker *rtpseq.Tracker

	incoming []mediaEntry
	fecBuf   []rtpfec.Packet

	display chan []byte

	corrected     uint32
	uncorrectable uint32

	raw chan []byte

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New constructs a Receiver bound to cfg's sockets.
func New(cfg Config) *Receiver {
	return &Receiver{
		cfg:     cfg,
		tracker: rtpseq.New(),
		display: make(chan []byte, BufferSize),
		raw:     make(chan []byte, BufferSize*2),
		done:    make(chan struct{}),
	}
}

// Start launches the socket-read goroutines, the mailbox goroutine, and the
// display timer.
func (r *Receiver) Start() {
	if r.started {
		return
	}
	r.started = true

	r.wg.Add(1)
	go r.readLoop(r.cfg.ConnV4)
	if r.cfg.ConnV6 != nil {
		r.wg.Add(1)
		go r.readLoop(r.cfg.ConnV6)
	}

	r.wg.Add(1)
	go r.mailbox()

	r.wg.Add(1)
	go r.displayLoop()
}

// Stop closes the sockets and waits for every goroutine to exit.
func (r *Receiver) Stop() {
	if !r.started {
		return
	}
	close(r.done)
	r.cfg.ConnV4.Close()
	if r.cfg.ConnV6 != nil {
		r.cfg.ConnV6.Close()
	}
	r.wg.Wait()
}

func (r *Receiver) readLoop(conn net.PacketConn) {
	defer r.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.done:
			default:
				if r.cfg.Logger != nil {
					r.cfg.Logger.Warn("socket read failed", zap.Error(err))
				}
			}
			return
		}
		datagram := append([]byte(nil), buf[:n]...)
		select {
		case r.raw <- datagram:
		case <-r.done:
			return
		}
	}
}

func (r *Receiver) mailbox() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case datagram := <-r.raw:
			r.dispatch(datagram)
		}
	}
}

// dispatch attempts the media grammar first, then the FEC grammar, per
// spec.md §4.7.
func (r *Receiver) dispatch(datagram []byte) {
	if pkt, err := rtpjpeg.Unmarshal(datagram); err == nil && pkt.Header.PayloadType == rtpjpeg.PayloadType {
		r.handleMedia(pkt)
		return
	}
	if pkt, err := rtpfec.Unmarshal(datagram); err == nil && pkt.Header.PayloadType == rtpfec.PayloadType {
		r.handleFEC(pkt)
		return
	}
	if r.cfg.Logger != nil {
		r.cfg.Logger.Debug("unparsable RTP datagram, dropped", zap.Int("bytes", len(datagram)))
	}
}

func (r *Receiver) handleMedia(pkt rtpjpeg.Packet) {
	if pkt.Header.SSRC != r.cfg.SSRC {
		return
	}
	if !rtpjpeg.EndsWithJPEGEOI(pkt.Payload) && r.cfg.Logger != nil {
		r.cfg.Logger.Warn("JPEG packet missing FF D9 trailer, keeping anyway", zap.Uint16("seq", pkt.Header.SequenceNumber))
	}

	if !r.tracker.UpdateSeq(pkt.Header.SequenceNumber) {
		return
	}

	body := append(tailBytes(pkt), pkt.Payload...)
	r.incoming = append(r.incoming, mediaEntry{seq: pkt.Header.SequenceNumber, body: body})
	r.evaluateRecovery()

	if r.cfg.OnStats != nil {
		snap := r.tracker.Snapshot()
		r.cfg.OnStats(Stats{
			Received:      snap.Received,
			Expected:      snap.Expected,
			Corrected:     r.corrected,
			Uncorrectable: r.uncorrectable,
		})
	}
}

func (r *Receiver) handleFEC(pkt rtpfec.Packet) {
	if pkt.Header.SSRC != r.cfg.SSRC {
		return
	}
	r.fecBuf = append(r.fecBuf, pkt)
	if len(r.fecBuf) > BufferSize {
		r.fecBuf = r.fecBuf[len(r.fecBuf)-BufferSize:]
	}
}

// evaluateRecovery implements the delay-buffer gap inspection and
// single-loss XOR recovery of spec.md §4.7.
func (r *Receiver) evaluateRecovery() {
	if len(r.incoming) < BufferSize {
		return
	}

	end := len(r.incoming)
	a := end - MediaPacketDelay - 1
	b := end - MediaPacketDelay
	gap := r.incoming[b].seq - r.incoming[a].seq

	switch gap {
	case 1:
		// contiguous; no action
	case 2:
		if recovered, ok := r.tryRecover(r.incoming[a].seq + 1); ok {
			tail := append([]mediaEntry{recovered}, r.incoming[a+1:]...)
			r.incoming = append(r.incoming[:a+1], tail...)
			r.corrected++
		} else {
			r.uncorrectable++
		}
	default:
		if gap > 2 {
			r.uncorrectable++
		}
	}

	head := r.incoming[0]
	r.incoming = r.incoming[1:]
	r.deliver(head)
}

// tryRecover attempts to reconstruct the single missing packet at seq using
// a covering FEC packet in fecBuf and the surviving group members still
// present in incoming.
func (r *Receiver) tryRecover(seq uint16) (mediaEntry, bool) {
	for i := len(r.fecBuf) - 1; i >= 0; i-- {
		fecPkt := r.fecBuf[i]
		for _, level := range fecPkt.Levels {
			if !level.Covers(fecPkt.SNBase, seq, fecPkt.Long) {
				continue
			}

			reconstructed := append([]byte(nil), level.Payload...)
			found := 0
			bits := 16
			if fecPkt.Long {
				bits = 48
			}
			for offset := 0; offset < bits; offset++ {
				memberSeq := fecPkt.SNBase + uint16(offset)
				if !level.Covers(fecPkt.SNBase, memberSeq, fecPkt.Long) {
					continue
				}
				if memberSeq == seq {
					continue
				}
				member, ok := r.findIncoming(memberSeq)
				if !ok {
					continue
				}
				found++
				for j := 0; j < len(member.body) && j < len(reconstructed); j++ {
					reconstructed[j] ^= member.body[j]
				}
			}
			if found == 0 {
				continue
			}

			if end := lastJPEGEOI(reconstructed); end >= 0 {
				reconstructed = reconstructed[:end]
			}
			return mediaEntry{seq: seq, body: reconstructed}, true
		}
	}
	return mediaEntry{}, false
}

func (r *Receiver) findIncoming(seq uint16) (mediaEntry, bool) {
	for _, m := range r.incoming {
		if m.seq == seq {
			return m, true
		}
	}
	return mediaEntry{}, false
}

func (r *Receiver) deliver(m mediaEntry) {
	if len(m.body) < 8 {
		return
	}
	payload := m.body[8:]
	select {
	case r.display <- payload:
	case <-r.done:
	default:
		// display buffer full; drop the oldest pending frame rather than
		// block the mailbox goroutine
		select {
		case <-r.display:
		default:
		}
		select {
		case r.display <- payload:
		default:
		}
	}
}

func (r *Receiver) displayLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(FramePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			select {
			case payload := <-r.display:
				if r.cfg.OnFrame != nil {
					r.cfg.OnFrame(payload)
				}
			default:
			}
		}
	}
}

func tailBytes(pkt rtpjpeg.Packet) []byte {
	return []byte{
		pkt.TypeSpecific,
		byte(pkt.FragmentOffset >> 16),
		byte(pkt.FragmentOffset >> 8),
		byte(pkt.FragmentOffset),
		pkt.JPEGType,
		pkt.QTable,
		pkt.Width,
		pkt.Height,
	}
}

// lastJPEGEOI returns the index just past the last FF D9 marker in data, or
// -1 if none is present.
func lastJPEGEOI(data []byte) int {
	idx := bytes.LastIndex(data, []byte{0xFF, 0xD9})
	if idx < 0 {
		return -1
	}
	return idx + 2
}
