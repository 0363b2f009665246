package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"chatrouter/internal/domain"

	"github.com/gorilla/websocket"
)

const reconnectDelay = 3 * time.Second

// State of the hub connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
)

// Sender delivers one chunk of text to a platform chat.
type Sender interface {
	Platform() domain.Platform
	Send(ctx context.Context, chatID, text string) error
}

// Config for a Deliverer.
type Config struct {
	// URL of the hub's stream endpoint, e.g. ws://localhost:3100/ws.
	URL      string
	Sender   Sender
	ChunkCap int // code points per platform message; DefaultChunkCap when 0
	Logger   *slog.Logger
}

// Deliverer consumes push frames from the hub's stream socket and sends
// out-direction entries for its platform back through the platform API.
// Unintentional disconnects reconnect after a fixed delay; Close stops
// the loop and cancels any pending reconnect.
type Deliverer struct {
	url      string
	sender   Sender
	chunkCap int
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	reconnect   *time.Timer
	intentional bool
	done        chan struct{}
	closeOnce   sync.Once
}

// New creates a Deliverer; call Run to connect.
func New(cfg Config) *Deliverer {
	if cfg.ChunkCap <= 0 {
		cfg.ChunkCap = DefaultChunkCap
	}
	return &Deliverer{
		url:      cfg.URL,
		sender:   cfg.Sender,
		chunkCap: cfg.ChunkCap,
		logger:   cfg.Logger,
		state:    StateDisconnected,
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (d *Deliverer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Deliverer) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Run connects to the hub and processes pushes until Close is called or
// the context is cancelled. Dial failures and dropped connections retry
// after the reconnect delay.
func (d *Deliverer) Run(ctx context.Context) error {
	for {
		if d.closed() {
			return nil
		}

		d.setState(StateConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
		if err != nil {
			d.logger.Warn("hub dial failed", "url", d.url, "err", err)
		} else {
			d.mu.Lock()
			if d.intentional {
				d.mu.Unlock()
				conn.Close()
				return nil
			}
			d.conn = conn
			d.state = StateOpen
			d.mu.Unlock()

			d.logger.Info("connected to hub", "url", d.url, "platform", d.sender.Platform())
			d.readLoop(ctx, conn)

			d.mu.Lock()
			d.conn = nil
			d.mu.Unlock()
		}
		d.setState(StateDisconnected)

		if d.closed() || ctx.Err() != nil {
			return nil
		}

		// Schedule the reconnect with a timer Close can cancel.
		timer := time.NewTimer(reconnectDelay)
		d.mu.Lock()
		d.reconnect = timer
		d.mu.Unlock()

		select {
		case <-timer.C:
		case <-d.done:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (d *Deliverer) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				d.logger.Warn("hub connection lost", "err", err)
			}
			return
		}

		var frame struct {
			Type  string               `json:"type"`
			Entry domain.TimelineEntry `json:"entry"`
		}
		if err := json.Unmarshal(message, &frame); err != nil {
			d.logger.Warn("invalid hub frame", "err", err)
			continue
		}
		if frame.Type != "new_message" {
			continue
		}
		if !d.ShouldDeliver(frame.Entry) {
			continue
		}
		d.deliver(ctx, frame.Entry)
	}
}

// ShouldDeliver reports whether a pushed entry belongs on this adapter's
// platform surface: outbound, matching platform, non-empty text.
func (d *Deliverer) ShouldDeliver(entry domain.TimelineEntry) bool {
	return entry.Direction == domain.DirectionOut &&
		entry.Platform == d.sender.Platform() &&
		entry.Text != nil &&
		*entry.Text != ""
}

// deliver chunks the text and sends each chunk in order. Send failures
// are logged and swallowed so later pushes keep flowing.
func (d *Deliverer) deliver(ctx context.Context, entry domain.TimelineEntry) {
	chunks := SplitText(*entry.Text, d.chunkCap)
	for i, chunk := range chunks {
		if err := d.sender.Send(ctx, entry.PlatformChatID, chunk); err != nil {
			d.logger.Error("platform send failed",
				"platform", entry.Platform,
				"chat_id", entry.PlatformChatID,
				"chunk", i,
				"err", err,
			)
		}
	}
}

// Close marks the disconnect intentional, cancels a pending reconnect
// and closes the socket. Run returns shortly after.
func (d *Deliverer) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.intentional = true
		d.state = StateClosing
		if d.reconnect != nil {
			d.reconnect.Stop()
		}
		conn := d.conn
		d.mu.Unlock()

		close(d.done)
		if conn != nil {
			conn.Close()
		}
		d.setState(StateDisconnected)
	})
}

func (d *Deliverer) closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.intentional
}
