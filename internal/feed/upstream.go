package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Upstream reads envelopes from a websocket, one JSON envelope per text
// frame. It does not reconnect; Run returns when the connection drops.
type Upstream struct {
	url   string
	token string
	d     Dispatcher
	log   *zap.Logger

	mu    sync.Mutex
	stats Stats
}

func NewUpstream(url, token string, d Dispatcher, log *zap.Logger) *Upstream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Upstream{url: url, token: token, d: d, log: log.Named("upstream")}
}

// Stats returns the counters accumulated so far.
func (u *Upstream) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

// Run connects and dispatches frames until ctx is cancelled, the connection
// fails, or the store is closed. Cancellation is not reported as an error.
func (u *Upstream) Run(ctx context.Context) error {
	header := http.Header{}
	if u.token != "" {
		header.Set("Authorization", "Bearer "+u.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.url, err)
	}
	u.log.Info("upstream connected", zap.String("url", u.url))

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		u.pingLoop(runCtx, conn)
	}()
	go func() {
		defer wg.Done()
		// unblocks ReadMessage on cancellation
		<-runCtx.Done()
		conn.Close()
	}()

	err = u.readLoop(conn)
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (u *Upstream) readLoop(conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				u.log.Info("upstream closed")
				return nil
			}
			return fmt.Errorf("upstream read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		u.mu.Lock()
		err = dispatch(u.d, data, &u.stats, u.log)
		u.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// pingLoop keeps the connection alive. It owns every write on conn.
func (u *Upstream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				return
			}
		}
	}
}
