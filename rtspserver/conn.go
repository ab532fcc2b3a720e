package rtspserver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"rtspjpeg/rtsp"
)

// IdleTimeout is the per-TCP-connection idle timeout of spec.md §5: every
// successful header read resets it.
const IdleTimeout = 240 * time.Second

// Server owns the TCP and UDP listeners and drives them onto a Handler.
type Server struct {
	Handler *Handler
	Logger  *zap.Logger

	tcpListeners []net.Listener
	udpConns     []net.PacketConn

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer constructs a Server around handler, failing loudly if
// handler's resource root doesn't exist or isn't a directory — per
// spec.md §7, this is checked at construction time, before any
// connection is accepted, not lazily on the first request.
func NewServer(handler *Handler, logger *zap.Logger) (*Server, error) {
	info, err := os.Stat(handler.ResourceRoot)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("rtspserver: resource root %q not existing or not a directory", handler.ResourceRoot)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{Handler: handler, Logger: logger, ctx: ctx, cancel: cancel}, nil
}

// ListenAndServe binds a TCP listener and a UDP socket on bindAddr:port and
// serves until Shutdown is called. It binds IPv4 unconditionally; an IPv6
// bind failure is logged and treated as best-effort, per spec.md's
// documented IPv6 policy.
func (s *Server) ListenAndServe(bindAddr string, port int) error {
	addr := fmt.Sprintf("%s:%d", bindAddr, port)

	tcpLn, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("rtspserver: tcp4 listen: %w", err)
	}
	s.tcpListeners = append(s.tcpListeners, tcpLn)
	go s.acceptLoop(tcpLn)

	udpConn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return fmt.Errorf("rtspserver: udp4 listen: %w", err)
	}
	s.udpConns = append(s.udpConns, udpConn)
	go s.udpLoop(udpConn)

	if tcp6, err := net.Listen("tcp6", fmt.Sprintf("[::]:%d", port)); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("ipv6 tcp listen failed, continuing v4-only", zap.Error(err))
		}
	} else {
		s.tcpListeners = append(s.tcpListeners, tcp6)
		go s.acceptLoop(tcp6)
	}

	if udp6, err := net.ListenPacket("udp6", fmt.Sprintf("[::]:%d", port)); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("ipv6 udp listen failed, continuing v4-only", zap.Error(err))
		}
	} else {
		s.udpConns = append(s.udpConns, udp6)
		go s.udpLoop(udp6)
	}

	return nil
}

// Shutdown closes every listener and socket, stopping all loops.
func (s *Server) Shutdown() {
	s.cancel()
	for _, ln := range s.tcpListeners {
		ln.Close()
	}
	for _, conn := range s.udpConns {
		conn.Close()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if s.Logger != nil {
					s.Logger.Warn("accept failed", zap.Error(err))
				}
				return
			}
		}
		go s.serveConn(conn)
	}
}

// serveConn is the per-connection read loop: read until CRLFCRLF, parse,
// dispatch, write, reset the idle timer, repeat.
func (s *Server) serveConn(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	defer func() {
		conn.Close()
		s.purgePeer(peer)
	}()

	var buf bytes.Buffer
	readBuf := make([]byte, 4096)

	for {
		conn.SetReadDeadline(time.Now().Add(IdleTimeout))

		terminatorIdx := bytes.Index(buf.Bytes(), []byte("\r\n\r\n"))
		for terminatorIdx < 0 {
			n, err := conn.Read(readBuf)
			if err != nil {
				return
			}
			buf.Write(readBuf[:n])
			terminatorIdx = bytes.Index(buf.Bytes(), []byte("\r\n\r\n"))
		}

		raw := buf.Bytes()[:terminatorIdx+4]
		msg, err := rtsp.ParseMessage(raw)
		remaining := append([]byte(nil), buf.Bytes()[terminatorIdx+4:]...)
		buf.Reset()
		buf.Write(remaining)

		if err != nil {
			resp := textResponse(400, fmt.Sprintf("Bad Request: %v", err), "")
			conn.Write(resp.Serialize())
			continue
		}

		req, ok := msg.(*rtsp.Request)
		if !ok {
			resp := textResponse(400, "Bad Request: expected a request", "")
			conn.Write(resp.Serialize())
			continue
		}

		resp := s.handleSafely(req, peer)
		if _, err := conn.Write(resp.Serialize()); err != nil {
			return
		}
	}
}

// handleSafely recovers a handler panic into a 500 response, per spec.md
// §4.3's "Handler exceptions become 500 responses" failure semantics.
func (s *Server) handleSafely(req *rtsp.Request, peer string) (resp *rtsp.Response) {
	defer func() {
		if r := recover(); r != nil {
			if s.Logger != nil {
				s.Logger.Error("handler panic", zap.Any("panic", r), zap.Stack("stack"))
			}
			norm := rtsp.Normalize(req.Headers)
			cseq, _ := norm.Get("cseq")
			resp = textResponse(500, fmt.Sprintf("%v", r), cseq)
		}
	}()
	return s.Handler.Handle(req, peer)
}

func (s *Server) purgePeer(peer string) {
	removed := s.Handler.Registry.Purge(peer)
	for _, sess := range removed {
		if sess.Sender != nil {
			sess.Sender.Stop()
		}
	}
}

func (s *Server) udpLoop(conn net.PacketConn) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if s.Logger != nil {
					s.Logger.Warn("udp read failed", zap.Error(err))
				}
				return
			}
		}
		datagram := append([]byte(nil), buf[:n]...)
		go s.handleDatagram(conn, addr, datagram)
	}
}

func (s *Server) handleDatagram(conn net.PacketConn, addr net.Addr, datagram []byte) {
	msg, err := rtsp.ParseMessage(datagram)
	if err != nil {
		resp := textResponse(400, fmt.Sprintf("Bad Request: %v", err), "")
		conn.WriteTo(resp.Serialize(), addr)
		return
	}
	req, ok := msg.(*rtsp.Request)
	if !ok {
		return
	}
	resp := s.handleSafely(req, addr.String())
	conn.WriteTo(resp.Serialize(), addr)
}
