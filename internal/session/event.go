package session

import "github.com/livechat/sessionstate/internal/chat"

// Update carries a new session snapshot to observers.
type Update struct {
	Seq   uint64      // accepted state changes so far, this one included
	Kind  string      // kind of the event that produced State
	State *chat.State // snapshot (safe to retain, must not be mutated)
}

// Observer receives every Update, synchronously, on the dispatching goroutine.
type Observer func(Update)
