package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/batonrun/baton/internal/domain"
	json "github.com/batonrun/baton/internal/xjson"
)

// Bridge carries notifications between processes over websockets,
// implementing ports.NotifyTransportPort. A bridge with a listen address
// serves a hub that relays between connected peers; a bridge with a peer
// URL dials out and reconnects with backoff. Both directions stay
// best-effort end to end: slow peers lose frames, never stall the runtime.
type Bridge struct {
	cfg          domain.BridgeConfig
	writeTimeout time.Duration
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	peers   map[string]*peer
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	incoming chan domain.Notification
	server   *http.Server
}

type peer struct {
	id   string
	conn *websocket.Conn
	send chan domain.Notification
}

func NewBridge(cfg domain.BridgeConfig, writeTimeout time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Bridge{
		cfg:          cfg,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "notify-bridge"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:    make(map[string]*peer),
		incoming: make(chan domain.Notification, 100),
	}
}

func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return domain.ErrAlreadyStarted
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.running = true

	if b.cfg.ListenAddr != "" {
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		e.GET("/ws", b.Handler())

		b.server = &http.Server{
			Addr:              b.cfg.ListenAddr,
			Handler:           e,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error("bridge server failed", "addr", b.cfg.ListenAddr, "error", err)
			}
		}()
		b.logger.Info("bridge listening", "addr", b.cfg.ListenAddr)
	}

	if b.cfg.PeerURL != "" {
		go b.dialLoop()
	}
	return nil
}

func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return domain.ErrNotStarted
	}
	b.cancel()
	b.running = false

	for id, p := range b.peers {
		_ = p.conn.Close()
		close(p.send)
		delete(b.peers, id)
	}
	server := b.server
	b.server = nil
	b.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
		}
	}
	return nil
}

// Handler returns the websocket endpoint for mounting on an existing echo
// server, so one HTTP listener can carry the bridge next to the status API.
func (b *Bridge) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := b.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		p, err := b.register(conn)
		if err != nil {
			_ = conn.Close()
			return nil
		}
		b.logger.Debug("peer connected", "peer", p.id, "remote", conn.RemoteAddr().String())

		// The read loop holds the handler goroutine until the peer goes away.
		b.readPump(p, true)
		return nil
	}
}

// Publish broadcasts to every connected peer without blocking.
func (b *Bridge) Publish(_ context.Context, notification domain.Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.running {
		return domain.ErrNotStarted
	}
	for _, p := range b.peers {
		select {
		case p.send <- notification:
		default:
			b.logger.Debug("peer send buffer full, dropping",
				"peer", p.id,
				"workflow_id", notification.WorkflowID,
				"state", notification.State)
		}
	}
	return nil
}

func (b *Bridge) Receive() <-chan domain.Notification {
	return b.incoming
}

func (b *Bridge) register(conn *websocket.Conn) (*peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil, domain.ErrNotStarted
	}
	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan domain.Notification, 100),
	}
	b.peers[p.id] = p
	go b.writePump(p)
	return p, nil
}

func (b *Bridge) unregister(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.peers[p.id]; !ok {
		return
	}
	delete(b.peers, p.id)
	close(p.send)
	_ = p.conn.Close()
}

// readPump decodes frames from one peer into the incoming channel. A hub
// relays each frame to its other peers so every spoke hears every hint;
// dialing peers never relay, which keeps the star topology loop-free.
func (b *Bridge) readPump(p *peer, relay bool) {
	defer b.unregister(p)

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			b.logger.Debug("peer disconnected", "peer", p.id, "error", err)
			return
		}

		var notification domain.Notification
		if err := json.Unmarshal(data, &notification); err != nil {
			b.logger.Warn("discarding undecodable frame", "peer", p.id, "error", err)
			continue
		}

		select {
		case b.incoming <- notification:
		default:
			b.logger.Debug("incoming buffer full, dropping", "peer", p.id)
		}

		if relay {
			b.relayExcept(p.id, notification)
		}
	}
}

func (b *Bridge) relayExcept(sourceID string, notification domain.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, p := range b.peers {
		if id == sourceID {
			continue
		}
		select {
		case p.send <- notification:
		default:
		}
	}
}

func (b *Bridge) writePump(p *peer) {
	for notification := range p.send {
		data, err := json.Marshal(&notification)
		if err != nil {
			b.logger.Warn("encode notification failed", "error", err)
			continue
		}
		_ = p.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
		if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Debug("peer write failed", "peer", p.id, "error", err)
			b.unregister(p)
			return
		}
	}
}

// dialLoop keeps one outbound connection to the configured peer alive,
// reconnecting with doubling backoff capped at 30 seconds.
func (b *Bridge) dialLoop() {
	backoff := time.Second
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(b.ctx, b.cfg.PeerURL, nil)
		if err != nil {
			b.logger.Warn("bridge dial failed", "peer_url", b.cfg.PeerURL, "backoff", backoff, "error", err)
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		b.logger.Info("bridge connected", "peer_url", b.cfg.PeerURL)
		backoff = time.Second

		p, err := b.register(conn)
		if err != nil {
			_ = conn.Close()
			return
		}
		b.readPump(p, false)
	}
}
