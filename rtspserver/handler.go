// Package rtspserver implements the RTSP server state machine: method
// dispatch guards, the SETUP/PLAY/PAUSE/TEARDOWN handlers, and the coupling
// between a session and its RTP sender, per spec.md §4.3.
package rtspserver

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"rtspjpeg/framesource"
	"rtspjpeg/rtsp"
	"rtspjpeg/rtpsender"
	"rtspjpeg/rtspsession"
)

// MKNOptionsTag is the private RTSP option tag this server recognizes in a
// Require header.
const MKNOptionsTag = "net.markusklemm.options"

// Handler dispatches parsed RTSP requests to method handlers and owns the
// wiring between a session and its RTP sender.
type Handler struct {
	Registry     *rtspsession.Registry
	ResourceRoot string

	ClientPortMin, ClientPortMax int // inclusive, used when SETUP doesn't supply a client_port

	Logger *zap.Logger
}

// Handle implements the guard chain of spec.md §4.3 and returns the
// response to serialize back to the peer.
func (h *Handler) Handle(req *rtsp.Request, peerAddr string) *rtsp.Response {
	norm := rtsp.Normalize(req.Headers)

	cseq, ok := norm.Get("cseq")
	if !ok || strings.TrimSpace(cseq) == "" {
		return textResponse(400, "Bad Request: CSeq missing", "")
	}

	switch req.Method {
	case "OPTIONS":
		resp := textResponse(200, "OK", cseq)
		resp.Headers = append(resp.Headers, rtsp.Header{Name: "Public", Value: "SETUP, TEARDOWN, PLAY, PAUSE"})
		return resp

	case "DESCRIBE":
		return textResponse(501, "not implemented", cseq)

	case "SETUP":
		if _, hasSession := norm.Get("session"); hasSession {
			return textResponse(459, "Aggregate Operation Not Allowed", cseq)
		}
		sess, err := h.Registry.Create(peerAddr)
		if err != nil {
			return textResponse(500, err.Error(), cseq)
		}
		return h.handleSetup(sess, req, norm, cseq)
	}

	sessionID, hasSession := norm.Get("session")
	if !hasSession {
		return textResponse(400, "Session header not found", cseq)
	}

	sess, err := h.Registry.Find(sessionID)
	if err != nil {
		return textResponse(454, "Session not found", cseq)
	}
	_ = h.Registry.UpdateLastSeen(sess.ID, peerAddr)

	var resp *rtsp.Response
	switch req.Method {
	case "PLAY":
		resp = h.handlePlay(sess, cseq)
	case "PAUSE":
		resp = h.handlePause(sess, cseq)
	case "TEARDOWN":
		resp = h.handleTeardown(sess, cseq)
		h.Registry.Delete(sess.ID)
	default:
		resp = textResponse(501, fmt.Sprintf("%q not implemented", req.Method), cseq)
	}
	return resp
}

func textResponse(code int, reason, cseq string) *rtsp.Response {
	resp := &rtsp.Response{VersionMajor: 1, VersionMinor: 0, StatusCode: code, ReasonPhrase: reason}
	if cseq != "" {
		resp.Headers = append(resp.Headers, rtsp.Header{Name: "CSeq", Value: cseq})
	}
	return resp
}

// mknOptions is the parsed {bernoulli_p, fec_k, fec_p} triple from an
// MKN-Options header.
type mknOptions struct {
	bernoulliP float64
	fecK       uint16
	fecP       uint16
}

func parseMKNOptions(value string) (mknOptions, error) {
	parts := strings.Split(value, ";")
	if len(parts) != 3 {
		return mknOptions{}, fmt.Errorf("MKN-Options must have 3 fields, got %d", len(parts))
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || p < 0 || p > 1 {
		return mknOptions{}, fmt.Errorf("invalid bernoulli probability %q", parts[0])
	}
	k, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return mknOptions{}, fmt.Errorf("invalid FEC k %q", parts[1])
	}
	fecP, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 16)
	if err != nil {
		return mknOptions{}, fmt.Errorf("invalid FEC p %q", parts[2])
	}
	return mknOptions{bernoulliP: p, fecK: uint16(k), fecP: uint16(fecP)}, nil
}

func (h *Handler) handleSetup(sess *rtspsession.Session, req *rtsp.Request, norm rtsp.NormalizedHeaders, cseq string) *rtsp.Response {
	if sess.State != rtspsession.StateInit {
		return textResponse(455, "Method Not Valid In This State", cseq)
	}

	var opts mknOptions
	if require, ok := norm.Get("require"); ok {
		var unsupported []string
		for _, tag := range strings.Split(require, ",") {
			tag = strings.TrimSpace(tag)
			if tag != "" && tag != MKNOptionsTag {
				unsupported = append(unsupported, tag)
			}
		}
		if len(unsupported) > 0 {
			resp := textResponse(551, "Option not supported", cseq)
			for _, tag := range unsupported {
				resp.Headers = append(resp.Headers, rtsp.Header{Name: "Unsupported", Value: tag})
			}
			return resp
		}
		if strings.Contains(require, MKNOptionsTag) {
			raw, ok := norm.Get("mkn-options")
			if !ok {
				return textResponse(400, "MKN-Options header required", cseq)
			}
			parsed, err := parseMKNOptions(raw)
			if err != nil {
				return textResponse(400, err.Error(), cseq)
			}
			opts = parsed
		}
	}

	transportValue, ok := norm.Get("transport")
	if !ok {
		return textResponse(461, "Unsupported Transport", cseq)
	}
	transport, err := rtsp.ParseTransport(transportValue)
	if err != nil {
		return textResponse(461, "Unsupported Transport", cseq)
	}
	var chosen *rtsp.TransportSpec
	for i := range transport.Specs {
		spec := transport.Specs[i]
		if spec.TransportProtocol != "RTP" || spec.Profile != "AVP" {
			continue
		}
		if spec.LowerTransport != "" && spec.LowerTransport != "UDP" {
			continue
		}
		if len(spec.Parameters) == 0 || spec.Parameters[0].Kind != rtsp.ParamToken || spec.Parameters[0].Token != "unicast" {
			continue
		}
		chosen = &transport.Specs[i]
		break
	}
	if chosen == nil {
		return textResponse(461, "Unsupported Transport", cseq)
	}

	resourcePath, err := h.resolveResource(req.URI)
	if err != nil {
		return textResponse(404, err.Error(), cseq)
	}

	clientPort := h.pickClientPort(*chosen)
	serverPort := clientPort + 2
	ssrc := h.pickSSRC(*chosen)

	file, err := os.Open(resourcePath)
	if err != nil {
		return textResponse(404, "resource not found", cseq)
	}

	host, _, err := net.SplitHostPort(sess.LastPeer)
	if err != nil {
		host = sess.LastPeer
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(clientPort)))
	if err != nil {
		file.Close()
		return textResponse(500, err.Error(), cseq)
	}

	senderCfg := rtpsender.Config{
		Conn:   conn,
		SSRC:   ssrc,
		Source: framesource.NewReader(file),
		Logger: h.Logger,
	}
	if opts.bernoulliP > 0 {
		senderCfg.BernoulliDrop = rand.New(rand.NewSource(int64(ssrc)))
		senderCfg.DropProbability = opts.bernoulliP
	}
	if opts.fecK > 0 {
		senderCfg.FECGroupSize = opts.fecK
		senderCfg.FECP = opts.fecP
	}
	sender := rtpsender.New(senderCfg)

	_ = h.Registry.WithLock(sess.ID, func(s *rtspsession.Session) error {
		s.Sender = sender
		s.State = rtspsession.StateReady
		return nil
	})

	resp := textResponse(200, "OK", cseq)
	resp.Headers = append(resp.Headers, rtsp.Header{Name: "Session", Value: sess.ID})

	respSpec := rtsp.TransportSpec{
		TransportProtocol: "RTP",
		Profile:           "AVP",
		LowerTransport:    "UDP",
		Parameters: []rtsp.Parameter{
			{Kind: rtsp.ParamToken, Token: "unicast"},
			{Kind: rtsp.ParamPort, PortKind: rtsp.PortClient, PortLow: uint32(clientPort)},
			{Kind: rtsp.ParamPort, PortKind: rtsp.PortServer, PortLow: uint32(serverPort)},
			{Kind: rtsp.ParamSSRC, SSRC: ssrc},
		},
	}
	respTransport := &rtsp.Transport{Specs: []rtsp.TransportSpec{respSpec}}
	resp.Headers = append(resp.Headers, rtsp.Header{Name: "Transport", Value: respTransport.String()})
	return resp
}

func (h *Handler) pickClientPort(spec rtsp.TransportSpec) int {
	if p, ok := spec.Port(rtsp.PortClient); ok {
		return int(p.Low())
	}
	lo, hi := h.ClientPortMin, h.ClientPortMax
	if lo == 0 && hi == 0 {
		lo, hi = 49152, 65525
	}
	return lo + rand.Intn(hi-lo+1)
}

func (h *Handler) pickSSRC(spec rtsp.TransportSpec) uint32 {
	if p, ok := spec.Param(rtsp.ParamSSRC); ok && p.SSRC != 0 {
		return p.SSRC
	}
	return rand.Uint32()
}

// resolveResource resolves uri to a path under ResourceRoot, rejecting any
// attempt to escape the root via ".." traversal and any nonexistent file.
func (h *Handler) resolveResource(uri string) (string, error) {
	relative := uri
	if idx := strings.Index(uri, "://"); idx >= 0 {
		rest := uri[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			relative = rest[slash+1:]
		} else {
			relative = ""
		}
	}
	relative = strings.TrimPrefix(relative, "/")

	full := filepath.Join(h.ResourceRoot, relative)
	cleanRoot := filepath.Clean(h.ResourceRoot)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("resource path escapes resource root")
	}
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("resource not found: %s", relative)
	}
	return full, nil
}

// handlePlay, handlePause and handleTeardown only mutate session state
// while the registry lock is held; the sender's Start/Stop calls happen
// afterwards, outside the lock, per spec.md §5's "no user callback invoked
// with the lock held" rule. Stop() in particular blocks until the sender's
// goroutine exits, which must never happen while the registry is locked.
func (h *Handler) handlePlay(sess *rtspsession.Session, cseq string) *rtsp.Response {
	var resp *rtsp.Response
	var toStart rtspsession.Sender
	err := h.Registry.WithLock(sess.ID, func(s *rtspsession.Session) error {
		switch s.State {
		case rtspsession.StateReady:
			toStart = s.Sender
			s.State = rtspsession.StatePlaying
			resp = textResponse(200, "OK", cseq)
		case rtspsession.StatePlaying:
			resp = textResponse(200, "OK", cseq)
		default:
			resp = textResponse(455, "Method Not Valid In This State", cseq)
		}
		return nil
	})
	if err != nil {
		return textResponse(454, "Session not found", cseq)
	}
	if toStart != nil {
		toStart.Start()
	}
	return resp
}

func (h *Handler) handlePause(sess *rtspsession.Session, cseq string) *rtsp.Response {
	var resp *rtsp.Response
	var toStop rtspsession.Sender
	err := h.Registry.WithLock(sess.ID, func(s *rtspsession.Session) error {
		if s.State != rtspsession.StatePlaying {
			resp = textResponse(455, "Method Not Valid In This State", cseq)
			return nil
		}
		toStop = s.Sender
		s.State = rtspsession.StateReady
		resp = textResponse(200, "OK", cseq)
		return nil
	})
	if err != nil {
		return textResponse(454, "Session not found", cseq)
	}
	if toStop != nil {
		toStop.Stop()
	}
	return resp
}

func (h *Handler) handleTeardown(sess *rtspsession.Session, cseq string) *rtsp.Response {
	var toStop rtspsession.Sender
	_ = h.Registry.WithLock(sess.ID, func(s *rtspsession.Session) error {
		toStop = s.Sender
		return nil
	})
	if toStop != nil {
		toStop.Stop()
	}
	return textResponse(200, "OK", cseq)
}
