package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/livechat/sessionstate/internal/chat"
	"github.com/livechat/sessionstate/internal/config"
	"github.com/livechat/sessionstate/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the configured
// connection limit has been reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const writeTimeout = 10 * time.Second

type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster observes a session store and fans every snapshot out to the
// connected websocket clients. Bursts of updates inside the throttle window
// collapse into one frame carrying the latest snapshot.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	store    *session.Store
	privacy  *session.PrivacyFilter
	log      *zap.Logger
	throttle time.Duration
	buffer   int
	maxConns int

	sub            *session.Subscription
	snapshotTicker *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once

	flushMu    sync.Mutex
	pending    *session.Update
	flushTimer *time.Timer
}

func NewBroadcaster(store *session.Store, cfg config.BroadcastConfig, privacy *session.PrivacyFilter, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	buffer := cfg.ClientBuffer
	if buffer <= 0 {
		buffer = 64
	}
	interval := cfg.SnapshotInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	b := &Broadcaster{
		clients:  make(map[*client]bool),
		store:    store,
		privacy:  privacy,
		log:      log.Named("broadcast"),
		throttle: cfg.Throttle,
		buffer:   buffer,
		maxConns: cfg.MaxConnections,
		done:     make(chan struct{}),
	}

	b.sub = store.Subscribe(b.queueUpdate)
	b.snapshotTicker = time.NewTicker(interval)
	go b.snapshotLoop()

	return b
}

// AddClient registers conn and queues the current snapshot to it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		id:   uuid.New(),
		conn: conn,
		b:    b,
		send: make(chan []byte, b.buffer),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()
	b.Resync(c)

	b.log.Debug("client added", zap.Stringer("client", c.id), zap.Int("clients", b.ClientCount()))
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// Resync sends the current snapshot to a single client.
func (b *Broadcaster) Resync(c *client) {
	data, err := b.encodeSnapshot(b.store.Seq(), b.store.Snapshot())
	if err != nil {
		return
	}
	b.sendTo(c, data)
}

func (b *Broadcaster) queueUpdate(u session.Update) {
	if b.throttle <= 0 {
		b.publish(u)
		return
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pending = &u
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	u := b.pending
	b.pending = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if u == nil {
		return
	}
	b.publish(*u)
}

func (b *Broadcaster) publish(u session.Update) {
	data, err := b.encodeSnapshot(u.Seq, u.State)
	if err != nil {
		return
	}
	b.broadcast(data)
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			if b.ClientCount() == 0 {
				continue
			}
			b.publish(session.Update{Seq: b.store.Seq(), State: b.store.Snapshot()})
		}
	}
}

func (b *Broadcaster) encodeSnapshot(seq uint64, st *chat.State) ([]byte, error) {
	msg := WSMessage{Type: MsgSnapshot, Seq: seq, Payload: b.privacy.Apply(st)}
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("snapshot marshal failed", zap.Error(err))
		return nil, err
	}
	return data, nil
}

func (b *Broadcaster) broadcast(data []byte) {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.sendTo(c, data)
	}
}

func (b *Broadcaster) sendTo(c *client, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client can't keep up, disconnect it
		b.log.Warn("ws client too slow, disconnecting", zap.Stringer("client", c.id))
		go b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop unsubscribes from the store, stops the timers and disconnects every
// client. It is safe to call more than once.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.store.Unsubscribe(b.sub)
		b.snapshotTicker.Stop()
		close(b.done)

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.pending = nil
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}
