package mock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/livechat/sessionstate/internal/chat"
	"github.com/livechat/sessionstate/internal/identity"
	"github.com/livechat/sessionstate/internal/session"
)

// Dispatcher is the part of session.Store the generator drives.
type Dispatcher interface {
	Dispatch(ev chat.Event) error
}

const (
	visitorNick = "visitor:demo-1"
	agentNick   = "agent:alice@example.com"
	triggerNick = identity.TriggerPrefix
	botName     = "Welcome Bot"
)

// Script returns one demo chat, from connection to the visitor leaving.
// Chat timestamps start at base (milliseconds) and step by one second.
func Script(base int64) []chat.Event {
	ts := func(step int64) int64 { return base + step*1000 }
	entry := func(kind string, nick string, step int64, extra chat.Record) chat.Record {
		r := chat.Record{"type": kind, "nick": nick, "timestamp": ts(step)}
		for k, v := range extra {
			r[k] = v
		}
		return r
	}

	return []chat.Event{
		chat.ConnectionUpdate{Status: "connected"},
		chat.AccountStatus{Status: "online"},
		chat.DepartmentUpdate{ID: "1", Department: chat.Record{"id": "1", "name": "Support", "status": "online"}},
		chat.VisitorUpdate{Fields: chat.Record{
			"nick":         visitorNick,
			"display_name": "Jo Visitor",
			"email":        "jo@example.com",
		}},
		chat.QueuePosition{Position: 2},
		chat.QueuePosition{Position: 1},
		chat.MemberJoin{
			Nick: visitorNick, Timestamp: ts(0),
			Raw: entry(chat.ChatMemberJoin, visitorNick, 0, nil),
		},
		chat.Typing{Nick: triggerNick, DisplayName: botName, Typing: true},
		chat.Message{
			Type: chat.ChatMsg, Nick: triggerNick, DisplayName: botName, Timestamp: ts(1),
			Raw: entry(chat.ChatMsg, triggerNick, 1, chat.Record{
				"display_name": botName,
				"msg":          "Hi! An agent will be with you shortly.",
			}),
		},
		chat.Typing{Nick: triggerNick, DisplayName: botName, Typing: false},
		chat.MemberJoin{
			Nick: agentNick, DisplayName: "Alice", Timestamp: ts(2),
			Raw: entry(chat.ChatMemberJoin, agentNick, 2, chat.Record{"display_name": "Alice"}),
		},
		chat.AgentUpdate{Nick: agentNick, Fields: chat.Record{
			"nick":         agentNick,
			"display_name": "Alice",
			"title":        "Support Engineer",
		}},
		chat.Typing{Nick: agentNick, Typing: true},
		chat.Message{
			Type: chat.ChatMsg, Nick: agentNick, DisplayName: "Alice", Timestamp: ts(3),
			Raw: entry(chat.ChatMsg, agentNick, 3, chat.Record{"msg": "Hello Jo, how can I help?"}),
		},
		chat.Typing{Nick: agentNick, Typing: false},
		chat.Message{
			Type: chat.ChatMsg, Nick: visitorNick, Timestamp: ts(4),
			Raw: entry(chat.ChatMsg, visitorNick, 4, chat.Record{"msg": "My order has not arrived."}),
		},
		chat.Message{
			Type: chat.ChatFile, Nick: visitorNick, Timestamp: ts(5),
			Raw: entry(chat.ChatFile, visitorNick, 5, chat.Record{
				"attachment": chat.Record{"name": "receipt.pdf", "size": 48213},
			}),
		},
		chat.Message{
			Type: chat.ChatMsg, Nick: agentNick, DisplayName: "Alice", Timestamp: ts(6),
			Raw: entry(chat.ChatMsg, agentNick, 6, chat.Record{"msg": "Thanks, it ships tomorrow."}),
		},
		chat.RatingRequest{Timestamp: ts(7), Raw: entry(chat.ChatRequestRating, agentNick, 7, nil)},
		chat.Rating{Timestamp: ts(8), NewRating: "good", Raw: entry(chat.ChatRating, visitorNick, 8, chat.Record{"new_rating": "good"})},
		chat.MemberLeave{Nick: agentNick, Timestamp: ts(9), Raw: entry(chat.ChatMemberLeave, agentNick, 9, nil)},
		chat.MemberLeave{Nick: visitorNick, Timestamp: ts(10), Raw: entry(chat.ChatMemberLeave, visitorNick, 10, nil)},
	}
}

// MockGenerator plays the demo script into a store, one event per tick.
type MockGenerator struct {
	store    Dispatcher
	interval time.Duration
	loop     bool
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a MockGenerator.
type Option func(*MockGenerator)

// WithInterval sets the delay between events.
func WithInterval(d time.Duration) Option {
	return func(g *MockGenerator) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithLoop restarts the script with fresh timestamps once it finishes.
func WithLoop(loop bool) Option {
	return func(g *MockGenerator) { g.loop = loop }
}

// WithClock replaces time.Now as the source of chat timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *MockGenerator) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGenerator(store Dispatcher, log *zap.Logger, opts ...Option) *MockGenerator {
	if log == nil {
		log = zap.NewNop()
	}
	g := &MockGenerator{
		store:    store,
		interval: 500 * time.Millisecond,
		now:      time.Now,
		log:      log.Named("mock"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run dispatches the script until it ends (or forever when looping), ctx is
// cancelled, or the store is closed. Cancellation and a closed store are not
// errors.
func (g *MockGenerator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for round := 1; ; round++ {
		script := Script(g.now().UnixMilli())
		g.log.Info("demo chat started", zap.Int("round", round), zap.Int("events", len(script)))

		for i, ev := range script {
			if i > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
			if err := g.store.Dispatch(ev); err != nil {
				if errors.Is(err, session.ErrClosed) {
					return nil
				}
				return fmt.Errorf("demo event %d (%s): %w", i, ev.Kind(), err)
			}
		}

		if !g.loop {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
