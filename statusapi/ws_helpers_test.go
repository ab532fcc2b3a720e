package statusapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWebSocket(url string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(url, nil)
}

// waitForClientRegistration polls until the hub has registered at least one
// client, avoiding a fixed sleep for the upgrade handshake's goroutine.
func waitForClientRegistration(t *testing.T, hub *eventHub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.clients)
		hub.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for websocket client registration")
}
