package rtsp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeCollapsesDuplicates(t *testing.T) {
	headers := []Header{
		{Name: "CSeq", Value: "1"},
		{Name: "Require", Value: "a"},
		{Name: "require", Value: "b"},
	}
	norm := Normalize(headers)

	v, ok := norm.Get("REQUIRE")
	require.True(t, ok)
	require.Equal(t, "a,b", v)

	v, ok = norm.Get("cseq")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestParseRequestOptions(t *testing.T) {
	raw := "OPTIONS * RTSP/1.0\r\nCSeq: 0\r\n\r\n"
	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok)
	require.Equal(t, "OPTIONS", req.Method)
	require.Equal(t, "*", req.URI)
	require.Equal(t, 1, req.VersionMajor)
	require.Equal(t, 0, req.VersionMinor)
	require.Len(t, req.Headers, 1)
	require.Equal(t, "CSeq", req.Headers[0].Name)
	require.Equal(t, "0", req.Headers[0].Value)
}

func TestParseRequestMissingCSeq(t *testing.T) {
	raw := "OPTIONS * RTSP/1.0\r\n\r\n"
	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	req := msg.(*Request)
	_, ok := Normalize(req.Headers).Get("CSeq")
	require.False(t, ok)
}

func TestParseResponse(t *testing.T) {
	raw := "RTSP/1.0 200 OK\r\nCSeq: 1\r\nSession: abc123\r\n\r\n"
	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	resp, ok := msg.(*Response)
	require.True(t, ok)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "OK", resp.ReasonPhrase)
	v, ok := GetHeader(resp.Headers, "session")
	require.True(t, ok)
	require.Equal(t, "abc123", v)
}

func TestParseHeaderFolding(t *testing.T) {
	raw := "OPTIONS * RTSP/1.0\r\nCSeq: 1\r\nX-Long: first\r\n second\r\n\r\n"
	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	req := msg.(*Request)
	v, ok := GetHeader(req.Headers, "X-Long")
	require.True(t, ok)
	require.Equal(t, "first second", v)
}

func TestParseUnexpectedTerminator(t *testing.T) {
	raw := "OPTIONS * RTSP/1.0\r\nCSeq: 1\r\n"
	_, err := ParseMessage([]byte(raw))
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, UnexpectedTerminator, perr.Kind)
}

func TestParseMalformedHeader(t *testing.T) {
	raw := "OPTIONS * RTSP/1.0\r\nBadHeaderNoColon\r\n\r\n"
	_, err := ParseMessage([]byte(raw))
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, MalformedHeader, perr.Kind)
}

func TestParseMalformedStartLine(t *testing.T) {
	raw := "NOTAVALIDSTARTLINE\r\n\r\n"
	_, err := ParseMessage([]byte(raw))
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, MalformedStartLine, perr.Kind)
}

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		Method:       "SETUP",
		URI:          "rtsp://host/file",
		VersionMajor: 1,
		VersionMinor: 0,
		Headers: []Header{
			{Name: "CSeq", Value: "2"},
			{Name: "Transport", Value: "RTP/AVP;unicast;client_port=5000"},
		},
	}
	serialized := req.Serialize()
	msg, err := ParseMessage(serialized)
	require.NoError(t, err)
	parsed, ok := msg.(*Request)
	require.True(t, ok)
	require.Equal(t, req.Method, parsed.Method)
	require.Equal(t, req.URI, parsed.URI)
	require.Equal(t, req.VersionMajor, parsed.VersionMajor)
	require.Equal(t, req.VersionMinor, parsed.VersionMinor)
	require.Equal(t, req.Headers, parsed.Headers)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := &Response{
		VersionMajor: 1,
		VersionMinor: 0,
		StatusCode:   200,
		ReasonPhrase: "OK",
		Headers: []Header{
			{Name: "CSeq", Value: "2"},
		},
	}
	serialized := resp.Serialize()
	msg, err := ParseMessage(serialized)
	require.NoError(t, err)
	parsed, ok := msg.(*Response)
	require.True(t, ok)
	require.Equal(t, resp.StatusCode, parsed.StatusCode)
	require.Equal(t, resp.ReasonPhrase, parsed.ReasonPhrase)
	require.Equal(t, resp.Headers, parsed.Headers)
}
