package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// feedServer is a minimal realtime endpoint: it accepts the subscribe
// frame, acks it, then replays the scripted frames.
func feedServer(t *testing.T, frames []string, gotSubscribe chan<- SubscribeRequest) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime" {
			http.NotFound(w, r)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var req SubscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read subscribe frame: %v", err)
			return
		}
		if gotSubscribe != nil {
			gotSubscribe <- req
		}

		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribed"}`)); err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}

		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func nextEvent(t *testing.T, feed Feed) Event {
	t.Helper()
	select {
	case ev, ok := <-feed.Events():
		if !ok {
			t.Fatal("feed events channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed event")
	}
	return Event{}
}

func TestDialFeed_SubscribeAndChange(t *testing.T) {
	gotSubscribe := make(chan SubscribeRequest, 1)
	srv := feedServer(t, []string{
		`{"type":"change","change":{"event":"INSERT","new":{"content":"hi"}}}`,
	}, gotSubscribe)
	defer srv.Close()

	req := SubscribeRequest{Topic: "messages", Filter: MessagesFilter("c1")}
	feed, err := DialFeed(t.Context(), srv.URL, "test-token", req, testLogger())
	if err != nil {
		t.Fatalf("DialFeed() error: %v", err)
	}
	defer feed.Close()

	select {
	case got := <-gotSubscribe:
		if got.Type != frameSubscribe {
			t.Errorf("subscribe frame type = %q, want %q", got.Type, frameSubscribe)
		}
		if got.Filter != "conversation_id=eq.c1" {
			t.Errorf("subscribe filter = %q", got.Filter)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the subscribe frame")
	}

	if ev := nextEvent(t, feed); ev.Type != EventSubscribed {
		t.Fatalf("first event type = %d, want EventSubscribed", ev.Type)
	}

	ev := nextEvent(t, feed)
	if ev.Type != EventChange {
		t.Fatalf("second event type = %d, want EventChange", ev.Type)
	}
	if ev.Change.Type != ChangeInsert {
		t.Errorf("change type = %q, want INSERT", ev.Change.Type)
	}

	var row struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(ev.Change.New, &row); err != nil {
		t.Fatalf("decode change payload: %v", err)
	}
	if row.Content != "hi" {
		t.Errorf("payload content = %q, want %q", row.Content, "hi")
	}
}

func TestDialFeed_PresenceAndError(t *testing.T) {
	srv := feedServer(t, []string{
		`{"type":"presence","presence":{"event":"join","user_id":"7b00e0ae-5de1-4a93-894f-68fa06dc929f","online":true}}`,
		`{"type":"error","message":"channel revoked"}`,
	}, nil)
	defer srv.Close()

	feed, err := DialFeed(t.Context(), srv.URL, "", SubscribeRequest{Topic: "presence:u1"}, testLogger())
	if err != nil {
		t.Fatalf("DialFeed() error: %v", err)
	}
	defer feed.Close()

	if ev := nextEvent(t, feed); ev.Type != EventSubscribed {
		t.Fatalf("first event type = %d, want EventSubscribed", ev.Type)
	}

	ev := nextEvent(t, feed)
	if ev.Type != EventPresence {
		t.Fatalf("event type = %d, want EventPresence", ev.Type)
	}
	if ev.Presence.Type != PresenceJoin || !ev.Presence.Online {
		t.Errorf("presence = %+v, want join/online", ev.Presence)
	}

	ev = nextEvent(t, feed)
	if ev.Type != EventError {
		t.Fatalf("event type = %d, want EventError", ev.Type)
	}
	if ev.Err == nil {
		t.Error("error event carries no error")
	}
}

func TestDialFeed_ServerGoneIsDisconnect(t *testing.T) {
	// CloseClientConnections skips hijacked connections, so the handler
	// itself drops the upgraded socket on signal.
	dropConn := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		var req SubscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read subscribe frame: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribed"}`)); err != nil {
			return
		}
		<-dropConn
		// No close handshake: the server just goes away.
		conn.Close()
	}))
	defer srv.Close()

	feed, err := DialFeed(t.Context(), srv.URL, "", SubscribeRequest{Topic: "messages"}, testLogger())
	if err != nil {
		t.Fatalf("DialFeed() error: %v", err)
	}
	defer feed.Close()

	if ev := nextEvent(t, feed); ev.Type != EventSubscribed {
		t.Fatalf("first event type = %d, want EventSubscribed", ev.Type)
	}

	close(dropConn)

	if ev := nextEvent(t, feed); ev.Type != EventDisconnected {
		t.Fatalf("event type = %d, want EventDisconnected", ev.Type)
	}
}

func TestFeedClose_ReleasesLoops(t *testing.T) {
	srv := feedServer(t, nil, nil)
	defer srv.Close()

	feed, err := DialFeed(t.Context(), srv.URL, "", SubscribeRequest{Topic: "messages"}, testLogger())
	if err != nil {
		t.Fatalf("DialFeed() error: %v", err)
	}

	if ev := nextEvent(t, feed); ev.Type != EventSubscribed {
		t.Fatalf("first event type = %d, want EventSubscribed", ev.Type)
	}

	if err := feed.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// The read loop closes the events channel on shutdown; the
	// keepalive loop must exit promptly too, which the package's
	// goroutine-leak check in TestMain enforces.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-feed.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel still open after Close")
		}
	}
}

func TestFeedURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "http", in: "http://backend.local:4000", want: "ws://backend.local:4000/realtime"},
		{name: "https", in: "https://backend.local", want: "wss://backend.local/realtime"},
		{name: "ws_passthrough", in: "ws://backend.local", want: "ws://backend.local/realtime"},
		{name: "bad_scheme", in: "ftp://backend.local", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := feedURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("feedURL(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("feedURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
