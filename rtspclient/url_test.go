package rtspclient

import "testing"

func TestParseURLDefaultPort(t *testing.T) {
	u, err := ParseURL("rtsp://camera.example.com/stream.jpeg")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if u.Scheme != "rtsp" || u.Host != "camera.example.com" || u.Port != DefaultPort || u.Path != "stream.jpeg" {
		t.Errorf("parsed = %+v", u)
	}
}

func TestParseURLExplicitPort(t *testing.T) {
	u, err := ParseURL("rtspu://10.0.0.5:8554/a/b")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if u.Scheme != "rtspu" || u.Host != "10.0.0.5" || u.Port != 8554 || u.Path != "a/b" {
		t.Errorf("parsed = %+v", u)
	}
}

func TestParseURLIPv6Literal(t *testing.T) {
	u, err := ParseURL("rtsp://[2001:db8::1]:555/stream")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if u.Host != "2001:db8::1" || u.Port != 555 {
		t.Errorf("parsed = %+v", u)
	}
}

func TestParseURLIPv6LiteralDefaultPort(t *testing.T) {
	u, err := ParseURL("rtsp://[::1]/stream")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if u.Port != DefaultPort {
		t.Errorf("port = %d, want default %d", u.Port, DefaultPort)
	}
}

func TestParseURLRejectsUnknownScheme(t *testing.T) {
	if _, err := ParseURL("http://example.com/stream"); err == nil {
		t.Errorf("expected error for unsupported scheme")
	}
}

func TestParseURLRejectsEmptyHost(t *testing.T) {
	if _, err := ParseURL("rtsp:///stream"); err == nil {
		t.Errorf("expected error for empty host")
	}
}

func TestURLStringRoundTrip(t *testing.T) {
	u, err := ParseURL("rtsp://host:1234/a/b/c")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if got := u.String(); got != "rtsp://host:1234/a/b/c" {
		t.Errorf("String() = %q", got)
	}
}
