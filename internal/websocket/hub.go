package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sonicsplit/api/internal/feed"
	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/internal/store"
)

const (
	pingInterval = 30 * time.Second
	controlQueue = 16
)

// ErrHubClosed is returned when connecting to a closed hub
var ErrHubClosed = errors.New("hub closed")

// Subscriber opens an owner-scoped snapshot feed
type Subscriber interface {
	Subscribe(ctx context.Context, owner string) (store.Subscription, error)
}

// Conn is the part of a websocket connection the hub uses
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a WebSocket client
type Client struct {
	Owner   string
	watcher *feed.Watcher[[]byte]
	owner   *ownerFeed
	control chan []byte
	quit    chan struct{}
}

// ownerFeed is the single store subscription shared by one owner's clients
type ownerFeed struct {
	owner     string
	sub       store.Subscription
	snapshots *feed.Feed[[]byte]
	latest    []byte
	clients   int
	// lost is set before snapshots is closed when the store feed broke
	lost error
}

// Hub maintains active WebSocket connections and fans job snapshots out to
// every connection of the owning user
type Hub struct {
	subscriber   Subscriber
	logger       *slog.Logger
	pingInterval time.Duration

	mu     sync.Mutex
	owners map[string]*ownerFeed
	closed bool
	wg     sync.WaitGroup
}

// NewHub creates a new Hub
func NewHub(subscriber Subscriber, logger *slog.Logger) *Hub {
	return &Hub{
		subscriber:   subscriber,
		logger:       logger.With(slog.String("component", "ws_hub")),
		pingInterval: pingInterval,
		owners:       make(map[string]*ownerFeed),
	}
}

// Subscriptions returns the number of open store subscriptions
func (h *Hub) Subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.owners)
}

// Register adds a client for owner, opening the owner's store subscription
// if this is the first connection. The client first receives the latest
// snapshot. The store is never called with the hub lock held.
func (h *Hub) Register(ctx context.Context, owner string) (*Client, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if of, ok := h.owners[owner]; ok {
		client := h.attachLocked(of)
		h.mu.Unlock()
		return client, nil
	}
	h.mu.Unlock()

	sub, err := h.subscriber.Subscribe(context.WithoutCancel(ctx), owner)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.Close()
		return nil, ErrHubClosed
	}
	// Another connection of the same owner may have subscribed meanwhile
	if of, ok := h.owners[owner]; ok {
		sub.Close()
		return h.attachLocked(of), nil
	}

	of := &ownerFeed{owner: owner, sub: sub, snapshots: feed.New[[]byte]()}
	h.owners[owner] = of
	h.wg.Add(1)
	go h.pump(of)
	h.logger.Debug("owner subscribed", slog.String("owner", owner))
	return h.attachLocked(of), nil
}

func (h *Hub) attachLocked(of *ownerFeed) *Client {
	client := &Client{
		Owner:   of.owner,
		owner:   of,
		control: make(chan []byte, controlQueue),
		quit:    make(chan struct{}),
	}
	if of.latest != nil {
		client.watcher = of.snapshots.WatchWith(of.latest)
	} else {
		client.watcher = of.snapshots.Watch()
	}
	of.clients++
	return client
}

// Unregister removes a client. The owner's store subscription is closed with
// the last client.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.watcher.Close()
	of := client.owner
	of.clients--
	if of.clients > 0 {
		return
	}
	if h.owners[of.owner] == of {
		delete(h.owners, of.owner)
		of.sub.Close()
		h.logger.Debug("owner unsubscribed", slog.String("owner", of.owner))
	}
}

// pump forwards store snapshots to the owner's clients until the
// subscription ends
func (h *Hub) pump(of *ownerFeed) {
	defer h.wg.Done()

	for snap := range of.sub.Snapshots() {
		data, err := json.Marshal(model.NewWSSnapshotMessage(snap))
		if err != nil {
			h.logger.Error("failed to marshal snapshot", slog.String("owner", of.owner), slog.Any("error", err))
			continue
		}
		h.mu.Lock()
		of.latest = data
		of.snapshots.Publish(data)
		h.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := of.sub.Err(); err != nil {
		of.lost = err
		h.logger.Warn("job feed lost, closing connections", slog.String("owner", of.owner), slog.Any("error", err))
	}
	if h.owners[of.owner] == of {
		delete(h.owners, of.owner)
	}
	of.snapshots.Close()
}

// lostErr reads the failure of a closed owner feed
func (h *Hub) lostErr(of *ownerFeed) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return of.lost
}

// Close ends every subscription and disconnects all clients
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	feeds := make([]*ownerFeed, 0, len(h.owners))
	for owner, of := range h.owners {
		feeds = append(feeds, of)
		delete(h.owners, owner)
	}
	h.mu.Unlock()

	for _, of := range feeds {
		of.sub.Close()
	}
	h.wg.Wait()
}

// Handler returns the fiber handler for an upgraded connection. The owner
// is read from the userId local set by the upgrade middleware.
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		owner, _ := c.Locals("userId").(string)
		h.HandleConnection(c, owner)
	})
}

// HandleConnection serves one connection until the client leaves, signs
// out, or the owner's feed is lost
func (h *Hub) HandleConnection(c Conn, owner string) {
	log := h.logger.With(slog.String("owner", owner))

	client, err := h.Register(context.Background(), owner)
	if err != nil {
		log.Warn("failed to subscribe", slog.Any("error", err))
		writeError(c, model.WSErrorSubscriptionLost, "job feed unavailable")
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, ""))
		_ = c.Close()
		return
	}
	defer h.Unregister(client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(c, client)
	}()

	h.readLoop(c, client, log)
	close(client.quit)
	<-writerDone
}

func (h *Hub) readLoop(c Conn, client *Client, log *slog.Logger) {
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", slog.Any("error", err))
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case model.WSMessageTypePing:
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.control <- data:
			default:
			}
		case model.WSMessageTypeSignOut:
			log.Debug("client signed out")
			return
		}
	}
}

// writeLoop owns all writes to the connection
func (h *Hub) writeLoop(c Conn, client *Client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-client.watcher.C():
			if !ok {
				if err := h.lostErr(client.owner); err != nil {
					writeError(c, model.WSErrorSubscriptionLost, err.Error())
				}
				_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, ""))
				// Unblocks the reader
				_ = c.Close()
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case data := <-client.control:
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}

		case <-client.quit:
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func writeError(c Conn, code, message string) {
	data, _ := json.Marshal(model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		Error: model.WSError{Code: code, Message: message},
	})
	_ = c.WriteMessage(websocket.TextMessage, data)
}
