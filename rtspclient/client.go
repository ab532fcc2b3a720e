// Package rtspclient implements the RTSP client half of §4.4/§4.5: URL
// resolution, a single TCP connection with CSeq-correlated pending
// requests, and the client state machine (INIT/READY/PLAYING) that drives
// an rtpreceiver.Receiver once SETUP succeeds.
//
// Mutable fields are guarded by mutexes: mu guards the pending request map,
// mailboxMu guards state, the session id, the MKN-Options knob and the
// receiver. A single read-loop goroutine delivers responses to the pending
// requests.
package rtspclient

import (
	"bytes"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rtspjpeg/rtpreceiver"
	"rtspjpeg/rtsp"
)

// State is a client session's lifecycle state, mirroring the server's
// {INIT, READY, PLAYING} triple.
type State int

const (
	StateInit State = iota
	StateReady
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StatePlaying:
		return "PLAYING"
	default:
		return "UNKNOWN"
	}
}

// SetupFailed is returned by Setup when the server's response is not 2xx,
// or when its Transport/Session headers can't be parsed.
type SetupFailed struct {
	Reason string
}

func (e *SetupFailed) Error() string { return "rtspclient: setup failed: " + e.Reason }

// StateError is returned when an operation is attempted from a state that
// spec.md §4.5 does not allow it in.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("rtspclient: %s not allowed in state %s", e.Op, e.State)
}

// mknOptions is the client's net.markusklemm.options knob.
type mknOptions struct {
	enabled    bool
	bernoulliP float64
	fecK       uint16
	fecP       uint16
}

type pendingCall struct {
	respCh chan *rtsp.Response
}

// Client is a single RTSP client session bound to one resource URL.
type Client struct {
	logger *zap.Logger

	url  *URL
	conn net.Conn

	cseq uint32 // next CSeq, incremented atomically

	mu      sync.Mutex
	pending map[string]pendingCall

	mailboxMu sync.Mutex // serializes state + mkn + receiver wiring (the "strand")
	state     State
	sessionID string
	mkn       mknOptions
	receiver  *rtpreceiver.Receiver

	// OnFrame is passed through to the constructed RTP receiver once Setup
	// succeeds.
	OnFrame func([]byte)
	// RequestTimeout bounds how long a call waits for a final response.
	RequestTimeout time.Duration

	readDone chan struct{}
	wg       sync.WaitGroup
}

// Dial resolves rawURL and opens the client's TCP connection.
func Dial(rawURL string, logger *zap.Logger) (*Client, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("tcp", net.JoinHostPort(u.Host, strconv.Itoa(u.Port)))
	if err != nil {
		return nil, fmt.Errorf("rtspclient: dial %s: %w", rawURL, err)
	}
	c := &Client{
		logger:         logger,
		url:            u,
		conn:           conn,
		pending:        make(map[string]pendingCall),
		state:          StateInit,
		RequestTimeout: 10 * time.Second,
		readDone:       make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// Close tears down the TCP connection and any active receiver.
func (c *Client) Close() {
	c.mailboxMu.Lock()
	recv := c.receiver
	c.mailboxMu.Unlock()
	if recv != nil {
		recv.Stop()
	}
	close(c.readDone)
	c.conn.Close()
	c.wg.Wait()
}

// SetMKNOptions configures (or disables) the private Bernoulli/FEC knob
// carried by SETUP as Require: net.markusklemm.options + MKN-Options.
func (c *Client) SetMKNOptions(enable bool, bernoulliP float64, fecK, fecP uint16) {
	c.mailboxMu.Lock()
	defer c.mailboxMu.Unlock()
	c.mkn = mknOptions{enabled: enable, bernoulliP: bernoulliP, fecK: fecK, fecP: fecP}
}

func (c *Client) nextCSeq() string {
	return strconv.FormatUint(uint64(atomic.AddUint32(&c.cseq, 1)), 10)
}

// call sends req, registers a pending handler keyed by its CSeq, and blocks
// for the final response or RequestTimeout.
func (c *Client) call(req *rtsp.Request) (*rtsp.Response, error) {
	cseq, _ := rtsp.GetHeader(req.Headers, "CSeq")

	respCh := make(chan *rtsp.Response, 1)
	c.mu.Lock()
	c.pending[cseq] = pendingCall{respCh: respCh}
	c.mu.Unlock()

	if _, err := c.conn.Write(req.Serialize()); err != nil {
		c.mu.Lock()
		delete(c.pending, cseq)
		c.mu.Unlock()
		return nil, fmt.Errorf("rtspclient: write request: %w", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(c.RequestTimeout):
		c.mu.Lock()
		delete(c.pending, cseq)
		c.mu.Unlock()
		return nil, fmt.Errorf("rtspclient: request CSeq=%s timed out", cseq)
	}
}

func (c *Client) buildRequest(method string) *rtsp.Request {
	cseq := c.nextCSeq()
	req := &rtsp.Request{
		Method:       method,
		URI:          c.url.String(),
		VersionMajor: 1,
		VersionMinor: 0,
		Headers:      []rtsp.Header{{Name: "CSeq", Value: cseq}},
	}
	c.mailboxMu.Lock()
	sessionID := c.sessionID
	c.mailboxMu.Unlock()
	if sessionID != "" {
		req.Headers = append(req.Headers, rtsp.Header{Name: "Session", Value: sessionID})
	}
	return req
}

// Setup implements spec.md §4.5's setup(): allowed only from INIT.
func (c *Client) Setup() error {
	c.mailboxMu.Lock()
	if c.state != StateInit {
		st := c.state
		c.mailboxMu.Unlock()
		return &StateError{Op: "SETUP", State: st}
	}
	mkn := c.mkn
	c.mailboxMu.Unlock()

	clientPort := 49152 + rand.Intn(65525-49152+1)
	req := c.buildRequest("SETUP")
	transport := &rtsp.Transport{Specs: []rtsp.TransportSpec{{
		TransportProtocol: "RTP",
		Profile:           "AVP",
		LowerTransport:    "UDP",
		Parameters: []rtsp.Parameter{
			{Kind: rtsp.ParamToken, Token: "unicast"},
			{Kind: rtsp.ParamPort, PortKind: rtsp.PortClient, PortLow: uint32(clientPort)},
		},
	}}}
	req.Headers = append(req.Headers, rtsp.Header{Name: "Transport", Value: transport.String()})
	if mkn.enabled {
		req.Headers = append(req.Headers, rtsp.Header{Name: "Require", Value: MKNOptionsTag})
		req.Headers = append(req.Headers, rtsp.Header{
			Name:  "MKN-Options",
			Value: fmt.Sprintf("%g;%d;%d", mkn.bernoulliP, mkn.fecK, mkn.fecP),
		})
	}

	resp, err := c.call(req)
	if err != nil {
		return &SetupFailed{Reason: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &SetupFailed{Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, resp.ReasonPhrase)}
	}

	sessionID, ok := rtsp.GetHeader(resp.Headers, "Session")
	if !ok {
		return &SetupFailed{Reason: "response missing Session header"}
	}
	transportValue, ok := rtsp.GetHeader(resp.Headers, "Transport")
	if !ok {
		return &SetupFailed{Reason: "response missing Transport header"}
	}
	serverTransport, err := rtsp.ParseTransport(transportValue)
	if err != nil {
		return &SetupFailed{Reason: err.Error()}
	}

	var chosen *rtsp.TransportSpec
	for i := range serverTransport.Specs {
		spec := serverTransport.Specs[i]
		if spec.TransportProtocol != "RTP" || spec.Profile != "AVP" {
			continue
		}
		if spec.LowerTransport != "" && spec.LowerTransport != "UDP" {
			continue
		}
		if len(spec.Parameters) == 0 || spec.Parameters[0].Kind != rtsp.ParamToken || spec.Parameters[0].Token != "unicast" {
			continue
		}
		chosen = &serverTransport.Specs[i]
		break
	}
	if chosen == nil {
		return &SetupFailed{Reason: "no unicast RTP/AVP/UDP transport-spec in server response"}
	}

	port, ok := chosen.Port(rtsp.PortClient)
	if !ok {
		port, ok = chosen.Port(rtsp.PortGeneral)
	}
	if !ok {
		return &SetupFailed{Reason: "server Transport missing client_port/port"}
	}
	ssrcParam, ok := chosen.Param(rtsp.ParamSSRC)
	if !ok {
		return &SetupFailed{Reason: "server Transport missing ssrc"}
	}

	boundPort := int(port.Low())
	conn4, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", boundPort))
	if err != nil {
		return &SetupFailed{Reason: fmt.Sprintf("bind client_port %d: %v", boundPort, err)}
	}
	var conn6 net.PacketConn
	if c6, err := net.ListenPacket("udp6", fmt.Sprintf(":%d", boundPort)); err == nil {
		conn6 = c6
	} else if c.logger != nil {
		c.logger.Warn("ipv6 receiver bind failed, continuing v4-only", zap.Error(err))
	}

	recv := rtpreceiver.New(rtpreceiver.Config{
		ConnV4:  conn4,
		ConnV6:  conn6,
		SSRC:    ssrcParam.SSRC,
		OnFrame: c.OnFrame,
		Logger:  c.logger,
	})

	c.mailboxMu.Lock()
	c.sessionID = sessionID
	c.receiver = recv
	c.state = StateReady
	c.mailboxMu.Unlock()

	recv.Start()
	return nil
}

// Play implements play(): allowed from READY or PLAYING.
func (c *Client) Play() error {
	c.mailboxMu.Lock()
	st := c.state
	c.mailboxMu.Unlock()
	if st != StateReady && st != StatePlaying {
		return &StateError{Op: "PLAY", State: st}
	}

	resp, err := c.call(c.buildRequest("PLAY"))
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("rtspclient: PLAY status %d: %s", resp.StatusCode, resp.ReasonPhrase)
	}
	c.mailboxMu.Lock()
	c.state = StatePlaying
	c.mailboxMu.Unlock()
	return nil
}

// Pause implements pause(): allowed from PLAYING.
func (c *Client) Pause() error {
	c.mailboxMu.Lock()
	st := c.state
	c.mailboxMu.Unlock()
	if st != StatePlaying {
		return &StateError{Op: "PAUSE", State: st}
	}

	resp, err := c.call(c.buildRequest("PAUSE"))
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("rtspclient: PAUSE status %d: %s", resp.StatusCode, resp.ReasonPhrase)
	}
	c.mailboxMu.Lock()
	c.state = StateReady
	c.mailboxMu.Unlock()
	return nil
}

// Teardown implements teardown(): always allowed.
func (c *Client) Teardown() error {
	resp, err := c.call(c.buildRequest("TEARDOWN"))
	if err != nil {
		return err
	}
	c.mailboxMu.Lock()
	recv := c.receiver
	c.receiver = nil
	c.sessionID = ""
	if resp.StatusCode == 200 {
		c.state = StateInit
	}
	c.mailboxMu.Unlock()
	if recv != nil {
		recv.Stop()
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("rtspclient: TEARDOWN status %d: %s", resp.StatusCode, resp.ReasonPhrase)
	}
	return nil
}

// Options implements options(): stateless, logs the response.
func (c *Client) Options() error {
	resp, err := c.call(c.buildRequest("OPTIONS"))
	if err != nil {
		return err
	}
	if c.logger != nil {
		c.logger.Info("OPTIONS response", zap.Int("status", resp.StatusCode), zap.String("reason", resp.ReasonPhrase))
	}
	return nil
}

// Describe implements describe(): stateless, logs the response.
func (c *Client) Describe() error {
	resp, err := c.call(c.buildRequest("DESCRIBE"))
	if err != nil {
		return err
	}
	if c.logger != nil {
		c.logger.Info("DESCRIBE response", zap.Int("status", resp.StatusCode), zap.String("reason", resp.ReasonPhrase))
	}
	return nil
}

// readLoop mirrors the server's terminator-delimited read loop, but
// dispatches to pending-request handlers keyed by the response's CSeq.
func (c *Client) readLoop() {
	defer c.wg.Done()
	var buf bytes.Buffer
	readBuf := make([]byte, 4096)

	for {
		idx := bytes.Index(buf.Bytes(), []byte("\r\n\r\n"))
		for idx < 0 {
			n, err := c.conn.Read(readBuf)
			if err != nil {
				return
			}
			buf.Write(readBuf[:n])
			idx = bytes.Index(buf.Bytes(), []byte("\r\n\r\n"))
		}

		raw := buf.Bytes()[:idx+4]
		msg, err := rtsp.ParseMessage(raw)
		remaining := append([]byte(nil), buf.Bytes()[idx+4:]...)
		buf.Reset()
		buf.Write(remaining)

		if err != nil {
			if c.logger != nil {
				c.logger.Warn("malformed response, dropped", zap.Error(err))
			}
			continue
		}
		resp, ok := msg.(*rtsp.Response)
		if !ok {
			continue
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 {
			if c.logger != nil {
				c.logger.Info("informational response, ignored", zap.Int("status", resp.StatusCode))
			}
			continue
		}

		cseq, _ := rtsp.GetHeader(resp.Headers, "CSeq")
		cseq = strings.TrimSpace(cseq)
		c.mu.Lock()
		call, ok := c.pending[cseq]
		if ok {
			delete(c.pending, cseq)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		call.respCh <- resp
	}
}

// MKNOptionsTag is the private RTSP option tag this client may request.
const MKNOptionsTag = "net.markusklemm.options"
