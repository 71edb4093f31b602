// Package client consumes the vault change-event stream.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/vault/internal/events"
	"github.com/fruitsalade/vault/internal/logging"
	"github.com/fruitsalade/vault/internal/protocol"
)

// ErrNotConnected is returned by membership changes before the first
// connected frame arrives.
var ErrNotConnected = errors.New("not connected")

// EventClient reads change events from a vault server.
type EventClient struct {
	baseURL      string
	httpClient   *http.Client
	collections  []string
	reconnectMin time.Duration
	reconnectMax time.Duration

	mu         sync.RWMutex
	observerID string
}

// Option configures an EventClient.
type Option func(*EventClient)

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *EventClient) {
		c.reconnectMin = minDelay
		c.reconnectMax = maxDelay
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *EventClient) { c.httpClient = hc }
}

// NewEventClient creates a client for the given collections. With none, the
// server's root collection is used.
func NewEventClient(baseURL string, collections []string, opts ...Option) *EventClient {
	c := &EventClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{},
		collections:  collections,
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ObserverID returns the ID assigned on the current connection, or "".
func (c *EventClient) ObserverID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.observerID
}

// Subscribe connects to the event stream and returns a channel of events.
// Connection errors are reported on the error channel without blocking and
// the client reconnects until ctx is cancelled.
func (c *EventClient) Subscribe(ctx context.Context) (<-chan events.Event, <-chan error) {
	out := make(chan events.Event, events.DefaultBuffer)
	errc := make(chan error, 1)

	go c.subscribeLoop(ctx, out, errc)

	return out, errc
}

// Join adds collections to the live observer.
func (c *EventClient) Join(ctx context.Context, collections ...string) error {
	return c.membership(ctx, "subscribe", collections)
}

// Leave removes collections from the live observer.
func (c *EventClient) Leave(ctx context.Context, collections ...string) error {
	return c.membership(ctx, "unsubscribe", collections)
}

func (c *EventClient) membership(ctx context.Context, action string, collections []string) error {
	id := c.ObserverID()
	if id == "" {
		return ErrNotConnected
	}

	body, err := json.Marshal(protocol.MembershipBody{Collections: collections})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/api/v1/events/%s/%s", c.baseURL, url.PathEscape(id), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		var e protocol.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: server returned %d: %s", action, resp.StatusCode, e.Error)
	}
	return nil
}

func (c *EventClient) subscribeLoop(ctx context.Context, out chan<- events.Event, errc chan<- error) {
	defer close(out)
	defer close(errc)

	reconnectDelay := c.reconnectMin

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		received, err := c.connect(ctx, out)
		c.setObserverID("")
		if ctx.Err() != nil {
			return
		}
		if received {
			reconnectDelay = c.reconnectMin
		}

		select {
		case errc <- err:
		default:
		}
		logging.Warn("event stream error",
			zap.Error(err),
			zap.Duration("reconnect_in", reconnectDelay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		reconnectDelay *= 2
		if reconnectDelay > c.reconnectMax {
			reconnectDelay = c.reconnectMax
		}
	}
}

// connect streams one connection. It reports whether the connected frame was
// seen, so the backoff resets only after a successful handshake.
func (c *EventClient) connect(ctx context.Context, out chan<- events.Event) (bool, error) {
	u := c.baseURL + "/api/v1/events"
	if len(c.collections) > 0 {
		q := url.Values{}
		for _, col := range c.collections {
			q.Add("collection", col)
		}
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var eventType, data string
	connected := false

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data == "" {
				eventType = ""
				continue
			}
			if eventType == protocol.FrameConnected {
				var hello protocol.ConnectedEvent
				if err := json.Unmarshal([]byte(data), &hello); err != nil {
					return connected, fmt.Errorf("decode connected frame: %w", err)
				}
				c.setObserverID(hello.ObserverID)
				connected = true
				logging.Info("event stream connected",
					zap.String("url", u),
					zap.String("observer_id", hello.ObserverID),
					zap.Strings("collections", hello.Collections))
			} else {
				var event events.Event
				if err := json.Unmarshal([]byte(data), &event); err != nil {
					logging.Warn("undecodable event", zap.String("type", eventType), zap.Error(err))
				} else {
					select {
					case out <- event:
					case <-ctx.Done():
						return connected, ctx.Err()
					}
				}
			}
			eventType, data = "", ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if v, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = strings.TrimSpace(v)
		} else if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(v)
		}
	}

	if err := scanner.Err(); err != nil {
		return connected, fmt.Errorf("read: %w", err)
	}
	return connected, errors.New("connection closed")
}

func (c *EventClient) setObserverID(id string) {
	c.mu.Lock()
	c.observerID = id
	c.mu.Unlock()
}
