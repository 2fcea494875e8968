/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package eventstream delivers room timeline events to registered handlers,
// either by long-polling the homeserver's sync endpoint or over a
// matrix-websockets proxy connection.
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matrix-community/matrix-voip-go/matrixsdk"
)

// Config holds the configuration for the EventStream plugin
type Config struct {
	SyncTimeout      time.Duration // Long-poll timeout passed to the sync endpoint
	BackoffTimeReset time.Duration // Initial time before the first reconnect attempt
	BackoffTimeMax   time.Duration // Maximum time between reconnect attempts
	HandshakeTimeout time.Duration // Websocket handshake timeout
	Filter           string        // Optional server-side filter id or JSON filter
}

// DefaultConfig returns the default configuration for the EventStream plugin
func DefaultConfig() *Config {
	return &Config{
		SyncTimeout:      30 * time.Second,
		BackoffTimeReset: 1 * time.Second,
		BackoffTimeMax:   32 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Event is a room timeline event as delivered by the sync stream.
type Event struct {
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	RoomID         string          `json:"room_id"`
	EventID        string          `json:"event_id"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// EventHandler is a function that handles a timeline event
type EventHandler func(event *Event)

// WildcardEvent registers a handler for every timeline event type.
const WildcardEvent = "*"

// syncResponse is the subset of the sync endpoint's body the stream reads.
type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []Event `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

// Client is the EventStream API client. One Listen call drives one stream;
// the stream reconnects itself with exponential backoff until StopListening.
type Client struct {
	matrixClient *matrixsdk.Client
	config       *Config

	mu            sync.Mutex
	eventHandlers map[string][]EventHandler
	listening     bool
	nextBatch     string
	wsURL         string
	conn          *websocket.Conn
	cancel        context.CancelFunc
	done          chan struct{}
}

// New creates a new EventStream plugin
func New(matrixClient *matrixsdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		matrixClient:  matrixClient,
		config:        config,
		eventHandlers: make(map[string][]EventHandler),
	}
}

// Name returns the plugin name.
func (c *Client) Name() string {
	return "eventstream"
}

// SetWebSocketURL switches the stream onto a matrix-websockets proxy
// instead of long-polling the sync endpoint. Must be called before Listen.
func (c *Client) SetWebSocketURL(url string) {
	c.mu.Lock()
	c.wsURL = url
	c.mu.Unlock()
}

// On registers an event handler for a specific event type. Use
// WildcardEvent to receive every timeline event.
func (c *Client) On(eventType string, handler EventHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
	c.mu.Unlock()
}

// Off removes all handlers for a specific event type
func (c *Client) Off(eventType string) {
	c.mu.Lock()
	delete(c.eventHandlers, eventType)
	c.mu.Unlock()
}

// IsListening returns whether the stream is running
func (c *Client) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// Listen starts the stream. It returns immediately; events are delivered on
// the stream's own goroutine.
func (c *Client) Listen() error {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return fmt.Errorf("already listening")
	}
	c.listening = true
	wsURL := c.wsURL
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		if wsURL != "" {
			c.runWebSocket(ctx, wsURL)
		} else {
			c.runSync(ctx)
		}
	}()
	return nil
}

// StopListening stops the stream and waits for its goroutine to exit.
func (c *Client) StopListening() error {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return nil
	}
	c.listening = false
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected by client"))
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// ---- Long-poll transport ----

// runSync long-polls the sync endpoint until the context is cancelled,
// backing off exponentially on errors.
func (c *Client) runSync(ctx context.Context) {
	backoff := c.config.BackoffTimeReset

	for {
		if ctx.Err() != nil {
			return
		}

		resp, err := c.syncOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.matrixClient.GetLogger().Printf("EventStream: sync failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.BackoffTimeMax {
				backoff = c.config.BackoffTimeMax
			}
			continue
		}
		backoff = c.config.BackoffTimeReset

		c.mu.Lock()
		first := c.nextBatch == ""
		c.nextBatch = resp.NextBatch
		c.mu.Unlock()

		// The first response is the backlog snapshot; replaying it would
		// ring for calls that are long over.
		if first {
			continue
		}
		c.dispatchSync(resp)
	}
}

func (c *Client) syncOnce(ctx context.Context) (*syncResponse, error) {
	params := url.Values{}
	c.mu.Lock()
	since := c.nextBatch
	c.mu.Unlock()
	if since != "" {
		params.Set("since", since)
		params.Set("timeout", strconv.FormatInt(c.config.SyncTimeout.Milliseconds(), 10))
	}
	if c.config.Filter != "" {
		params.Set("filter", c.config.Filter)
	}

	resp, err := c.matrixClient.RequestWithContext(ctx, http.MethodGet, "sync", params, nil)
	if err != nil {
		return nil, err
	}

	var result syncResponse
	if err := matrixsdk.ParseResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) dispatchSync(resp *syncResponse) {
	for roomID, room := range resp.Rooms.Join {
		for i := range room.Timeline.Events {
			ev := room.Timeline.Events[i]
			ev.RoomID = roomID
			c.dispatchEvent(&ev)
		}
	}
}

// ---- Websocket transport ----

// wsMessage is one message from a matrix-websockets proxy: a full sync
// response body pushed server-side.
type wsMessage syncResponse

// runWebSocket keeps a proxy connection alive until the context is
// cancelled, reconnecting with exponential backoff.
func (c *Client) runWebSocket(ctx context.Context, wsURL string) {
	backoff := c.config.BackoffTimeReset

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.streamWebSocket(ctx, wsURL)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.matrixClient.GetLogger().Printf("EventStream: websocket stream ended: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.config.BackoffTimeMax {
			backoff = c.config.BackoffTimeMax
		}
	}
}

// streamWebSocket runs a single proxy connection to exhaustion.
func (c *Client) streamWebSocket(ctx context.Context, wsURL string) error {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return fmt.Errorf("invalid websocket URL: %v", err)
	}
	query := parsed.Query()
	query.Set("access_token", c.matrixClient.GetAccessToken())
	c.mu.Lock()
	if c.nextBatch != "" {
		query.Set("since", c.nextBatch)
	}
	c.mu.Unlock()
	parsed.RawQuery = query.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, parsed.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %v", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.matrixClient.GetLogger().Printf("EventStream: skipping malformed message: %v", err)
			continue
		}
		if msg.NextBatch != "" {
			c.mu.Lock()
			c.nextBatch = msg.NextBatch
			c.mu.Unlock()
		}
		c.dispatchSync((*syncResponse)(&msg))
	}
}

// ---- Dispatch ----

func (c *Client) dispatchEvent(ev *Event) {
	c.mu.Lock()
	handlers := make([]EventHandler, 0, len(c.eventHandlers[ev.Type])+len(c.eventHandlers[WildcardEvent]))
	handlers = append(handlers, c.eventHandlers[ev.Type]...)
	handlers = append(handlers, c.eventHandlers[WildcardEvent]...)
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(ev)
	}
}
