package rtsp

import (
	"fmt"
	"strconv"
	"strings"
)

// PortKind distinguishes which Transport parameter produced a Port value.
type PortKind int

const (
	// PortGeneral is the unqualified "port=" parameter.
	PortGeneral PortKind = iota
	// PortServer is the "server_port=" parameter.
	PortServer
	// PortClient is the "client_port=" parameter.
	PortClient
)

// ParamKind classifies a single Transport parameter.
type ParamKind int

const (
	// ParamTTL is "ttl=<1-3 digit>".
	ParamTTL ParamKind = iota
	// ParamPort is a port or port-range parameter (general/server/client).
	ParamPort
	// ParamSSRC is "ssrc=<8 hex digits>".
	ParamSSRC
	// ParamMode is "mode=<token or quoted-string>".
	ParamMode
	// ParamToken is any uninterpreted token, e.g. "unicast" or "multicast".
	ParamToken
)

// Parameter is one element of a transport-spec's parameter list. Only the
// fields relevant to Kind are populated.
type Parameter struct {
	Kind ParamKind

	TTL uint16

	PortKind  PortKind
	PortLow   uint32
	PortHigh  uint32
	IsRange   bool

	SSRC uint32

	Mode string

	Token string
}

// Low returns the single port, or the low end of a range.
func (p Parameter) Low() uint32 { return p.PortLow }

// High returns the single port, or the high end of a range.
func (p Parameter) High() uint32 {
	if p.IsRange {
		return p.PortHigh
	}
	return p.PortLow
}

// TransportSpec is one element of the comma-separated transport-spec list.
type TransportSpec struct {
	TransportProtocol string
	Profile           string
	LowerTransport     string // empty if absent
	Parameters        []Parameter
}

// Param returns the first parameter of the given kind, if any. It matches on
// Kind only; PortKind is not compared.
func (s TransportSpec) Param(kind ParamKind) (Parameter, bool) {
	for _, p := range s.Parameters {
		if p.Kind == kind {
			return p, true
		}
	}
	return Parameter{}, false
}

// Port returns the first port parameter matching portKind.
func (s TransportSpec) Port(portKind PortKind) (Parameter, bool) {
	for _, p := range s.Parameters {
		if p.Kind == ParamPort && p.PortKind == portKind {
			return p, true
		}
	}
	return Parameter{}, false
}

// HasToken reports whether tok appears as an uninterpreted token parameter.
func (s TransportSpec) HasToken(tok string) bool {
	for _, p := range s.Parameters {
		if p.Kind == ParamToken && p.Token == tok {
			return true
		}
	}
	return false
}

// Transport is the parsed Transport header value: a non-empty ordered list
// of transport-spec values.
type Transport struct {
	Specs []TransportSpec
}

// ParseTransport parses a Transport header value.
func ParseTransport(value string) (*Transport, error) {
	specStrings := splitRespectingQuotes(value, ',')
	if len(specStrings) == 0 {
		return nil, &ParseError{Kind: BadTransport, Offset: 0, Message: "empty Transport value"}
	}

	t := &Transport{}
	offset := 0
	for _, raw := range specStrings {
		spec, err := parseTransportSpec(strings.TrimSpace(raw), offset)
		if err != nil {
			return nil, err
		}
		t.Specs = append(t.Specs, spec)
		offset += len(raw) + 1
	}
	if len(t.Specs) == 0 {
		return nil, &ParseError{Kind: BadTransport, Offset: 0, Message: "no transport-spec parsed"}
	}
	return t, nil
}

func parseTransportSpec(s string, offset int) (TransportSpec, error) {
	fields := splitRespectingQuotes(s, ';')
	if len(fields) == 0 || fields[0] == "" {
		return TransportSpec{}, &ParseError{Kind: BadTransport, Offset: offset, Message: "empty transport-spec"}
	}

	protoParts := strings.SplitN(fields[0], "/", 3)
	if len(protoParts) < 2 {
		return TransportSpec{}, &ParseError{Kind: BadTransport, Offset: offset,
			Message: fmt.Sprintf("transport-spec %q missing protocol/profile", fields[0])}
	}
	spec := TransportSpec{
		TransportProtocol: protoParts[0],
		Profile:           protoParts[1],
	}
	if len(protoParts) == 3 {
		spec.LowerTransport = protoParts[2]
	}

	for _, field := range fields[1:] {
		param, err := parseTransportParameter(strings.TrimSpace(field), offset)
		if err != nil {
			return TransportSpec{}, err
		}
		spec.Parameters = append(spec.Parameters, param)
	}
	return spec, nil
}

func parseTransportParameter(field string, offset int) (Parameter, error) {
	switch {
	case strings.HasPrefix(field, "ttl="):
		v := field[len("ttl="):]
		if len(v) == 0 || len(v) > 3 || !allDigits(v) {
			return Parameter{}, &ParseError{Kind: BadTransport, Offset: offset, Message: "bad ttl parameter " + field}
		}
		n, _ := strconv.Atoi(v)
		return Parameter{Kind: ParamTTL, TTL: uint16(n)}, nil

	case strings.HasPrefix(field, "port="):
		return parsePortParameter(field[len("port="):], PortGeneral, offset)

	case strings.HasPrefix(field, "server_port="):
		return parsePortParameter(field[len("server_port="):], PortServer, offset)

	case strings.HasPrefix(field, "client_port="):
		return parsePortParameter(field[len("client_port="):], PortClient, offset)

	case strings.HasPrefix(field, "ssrc="):
		v := field[len("ssrc="):]
		if len(v) != 8 {
			return Parameter{}, &ParseError{Kind: BadTransport, Offset: offset, Message: "ssrc must be 8 hex digits: " + field}
		}
		n, err := strconv.ParseUint(v, 16, 32)
		if err != nil {
			return Parameter{}, &ParseError{Kind: BadTransport, Offset: offset, Message: "bad ssrc hex: " + field}
		}
		return Parameter{Kind: ParamSSRC, SSRC: uint32(n)}, nil

	case strings.HasPrefix(field, "mode="):
		v := field[len("mode="):]
		v = strings.Trim(v, `"`)
		return Parameter{Kind: ParamMode, Mode: v}, nil

	default:
		if !validToken(field) {
			return Parameter{}, &ParseError{Kind: BadTransport, Offset: offset, Message: "invalid token parameter " + field}
		}
		return Parameter{Kind: ParamToken, Token: field}, nil
	}
}

func parsePortParameter(v string, kind PortKind, offset int) (Parameter, error) {
	if dash := strings.IndexByte(v, '-'); dash >= 0 {
		lowStr, highStr := v[:dash], v[dash+1:]
		low, err1 := parsePortNumber(lowStr)
		high, err2 := parsePortNumber(highStr)
		if err1 != nil || err2 != nil {
			return Parameter{}, &ParseError{Kind: BadTransport, Offset: offset, Message: "bad port range " + v}
		}
		return Parameter{Kind: ParamPort, PortKind: kind, PortLow: low, PortHigh: high, IsRange: true}, nil
	}
	p, err := parsePortNumber(v)
	if err != nil {
		return Parameter{}, &ParseError{Kind: BadTransport, Offset: offset, Message: "bad port " + v}
	}
	return Parameter{Kind: ParamPort, PortKind: kind, PortLow: p}, nil
}

func parsePortNumber(v string) (uint32, error) {
	if len(v) == 0 || len(v) > 5 || !allDigits(v) {
		return 0, fmt.Errorf("not a 1-5 digit port: %q", v)
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func allDigits(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// splitRespectingQuotes splits s on sep, ignoring occurrences of sep inside
// a "..." quoted-string.
func splitRespectingQuotes(s string, sep byte) []string {
	var out []string
	inQuotes := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case sep:
			if !inQuotes {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// String serializes the Transport header value, preserving spec and
// parameter order. mode is always emitted quoted.
func (t *Transport) String() string {
	var sb strings.Builder
	for i, spec := range t.Specs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(spec.String())
	}
	return sb.String()
}

// String serializes a single transport-spec.
func (s TransportSpec) String() string {
	var sb strings.Builder
	sb.WriteString(s.TransportProtocol)
	sb.WriteByte('/')
	sb.WriteString(s.Profile)
	if s.LowerTransport != "" {
		sb.WriteByte('/')
		sb.WriteString(s.LowerTransport)
	}
	for _, p := range s.Parameters {
		sb.WriteByte(';')
		sb.WriteString(p.String())
	}
	return sb.String()
}

// String serializes a single parameter.
func (p Parameter) String() string {
	switch p.Kind {
	case ParamTTL:
		return fmt.Sprintf("ttl=%d", p.TTL)
	case ParamPort:
		name := "port"
		switch p.PortKind {
		case PortServer:
			name = "server_port"
		case PortClient:
			name = "client_port"
		}
		if p.IsRange {
			return fmt.Sprintf("%s=%d-%d", name, p.PortLow, p.PortHigh)
		}
		return fmt.Sprintf("%s=%d", name, p.PortLow)
	case ParamSSRC:
		return fmt.Sprintf("ssrc=%08x", p.SSRC)
	case ParamMode:
		return fmt.Sprintf(`mode="%s"`, p.Mode)
	default:
		return p.Token
	}
}
