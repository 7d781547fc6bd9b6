package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Wire frame types exchanged with the backend realtime endpoint.
const (
	frameSubscribe  = "subscribe"
	frameSubscribed = "subscribed"
	frameChange     = "change"
	framePresence   = "presence"
	frameError      = "error"
)

const (
	dialTimeout      = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 50 * time.Second
	feedEventsBuffer = 16
)

// SubscribeRequest selects what a feed connection watches: a topic
// (table or presence channel) plus an optional column predicate the
// backend applies server-side, e.g. "conversation_id=eq.<uuid>".
type SubscribeRequest struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Filter string `json:"filter,omitempty"`
}

// frame is the envelope of every server-sent feed message.
type frame struct {
	Type     string    `json:"type"`
	Change   *Change   `json:"change,omitempty"`
	Presence *Presence `json:"presence,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// wsFeed is a Feed over one websocket connection.
type wsFeed struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	closed atomic.Bool
	logger *slog.Logger
}

// DialFeed opens a websocket connection to the backend realtime
// endpoint, sends the subscribe frame, and starts delivering events.
// The bearer token authenticates the session.
func DialFeed(ctx context.Context, baseURL, token string, req SubscribeRequest, logger *slog.Logger) (Feed, error) {
	if logger == nil {
		logger = slog.Default()
	}

	endpoint, err := feedURL(baseURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial feed %s: %w (status %d)", req.Topic, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial feed %s: %w", req.Topic, err)
	}

	req.Type = frameSubscribe
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe frame: %w", err)
	}

	f := &wsFeed{
		conn:   conn,
		events: make(chan Event, feedEventsBuffer),
		done:   make(chan struct{}),
		logger: logger.With("topic", req.Topic),
	}
	go f.readLoop()
	go f.pingLoop()
	return f, nil
}

// NewWebsocketFactory returns a FeedFactory that dials the backend
// realtime endpoint with the given subscribe request. The Subscription
// invokes it for the initial connection and for every reconnect.
func NewWebsocketFactory(baseURL, token string, req SubscribeRequest, logger *slog.Logger) FeedFactory {
	return func(ctx context.Context) (Feed, error) {
		return DialFeed(ctx, baseURL, token, req, logger)
	}
}

func (f *wsFeed) Events() <-chan Event { return f.events }

func (f *wsFeed) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	close(f.done)
	// Best effort: tell the peer before tearing the socket down.
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = f.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return f.conn.Close()
}

// send delivers one event unless the feed has been closed; this keeps
// the read goroutine from blocking forever on an abandoned channel.
func (f *wsFeed) send(ev Event) bool {
	select {
	case f.events <- ev:
		return true
	case <-f.done:
		return false
	}
}

// readLoop translates wire frames into feed events. It owns the events
// channel: only this goroutine sends on it and closes it.
func (f *wsFeed) readLoop() {
	defer close(f.events)

	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		f.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			if !f.closed.Load() {
				f.logger.Debug("feed connection lost", "error", err)
				f.send(Event{Type: EventDisconnected})
			}
			return
		}

		var fr frame
		if err := json.Unmarshal(data, &fr); err != nil {
			f.logger.Warn("malformed feed frame dropped", "error", err)
			continue
		}

		switch fr.Type {
		case frameSubscribed:
			if !f.send(Event{Type: EventSubscribed}) {
				return
			}
		case frameChange:
			if fr.Change != nil && !f.send(Event{Type: EventChange, Change: fr.Change}) {
				return
			}
		case framePresence:
			if fr.Presence != nil && !f.send(Event{Type: EventPresence, Presence: fr.Presence}) {
				return
			}
		case frameError:
			f.send(Event{Type: EventError, Err: fmt.Errorf("feed error: %s", fr.Message)})
			return
		default:
			f.logger.Debug("unknown feed frame type", "frame_type", fr.Type)
		}
	}
}

// pingLoop keeps the connection alive; the read deadline is pushed
// forward by each pong.
func (f *wsFeed) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// feedURL converts the backend base URL into the websocket endpoint.
func feedURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse backend URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend URL scheme %q", u.Scheme)
	}
	u.Path = "/realtime"
	return u.String(), nil
}

// MessagesFilter is the server-side predicate for one conversation's
// message feed.
func MessagesFilter(conversationID string) string {
	return "conversation_id=eq." + conversationID
}

// MembershipFilter is the predicate for a user's conversation-list feed.
func MembershipFilter(userID string) string {
	return "member_id=eq." + userID
}
