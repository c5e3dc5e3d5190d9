// Package chat holds the live chat session snapshot and the pure transition
// function that folds tagged events into it.
package chat

import (
	"encoding/json"
	"maps"
	"sort"
)

// Default status values for a freshly created session.
const (
	ConnectionClosed = "closed"
	AccountOffline   = "offline"
)

// Record is an open attribute bag decoded from an event payload. Numbers are
// kept as json.Number so they round-trip without precision loss.
type Record map[string]any

// String returns the string stored under key, if any.
func (r Record) String(key string) (string, bool) {
	v, ok := r[key].(string)
	return v, ok
}

// clone returns a copy of the top level of r. Nested values are shared, which
// is safe because published records are never written through.
func (r Record) clone() Record {
	c := make(Record, len(r)+1)
	maps.Copy(c, r)
	return c
}

// merge returns a new record holding r's fields overlaid with fields.
func (r Record) merge(fields Record) Record {
	c := r.clone()
	maps.Copy(c, fields)
	return c
}

// Agent is one staffed or scripted persona, keyed by its canonical identity.
type Agent struct {
	Nick        string `json:"nick"`
	DisplayName string `json:"display_name,omitempty"`
	Typing      bool   `json:"typing"`
	Attributes  Record `json:"attributes,omitempty"`
}

func (a Agent) clone() Agent {
	if a.Attributes != nil {
		a.Attributes = a.Attributes.clone()
	}
	return a
}

// State is one immutable snapshot of the session. Values handed out by the
// store must be treated as read-only; use Clone to obtain a mutable copy.
type State struct {
	Connection                 string            `json:"connection"`
	AccountStatus              string            `json:"account_status"`
	Departments                map[string]Record `json:"departments"`
	Visitor                    Record            `json:"visitor"`
	Agents                     map[string]Agent  `json:"agents"`
	Chats                      map[int64]Record  `json:"chats"`
	LastTimestamp              int64             `json:"last_timestamp"`
	LastRatingRequestTimestamp int64             `json:"last_rating_request_timestamp"`
	HasRating                  bool              `json:"has_rating"`
	IsChatting                 bool              `json:"is_chatting"`
	QueuePosition              *int              `json:"queue_position,omitempty"`
}

// NewState returns the snapshot a session starts from.
func NewState() *State {
	return &State{
		Connection:    ConnectionClosed,
		AccountStatus: AccountOffline,
		Departments:   map[string]Record{},
		Visitor:       Record{},
		Agents:        map[string]Agent{},
		Chats:         map[int64]Record{},
	}
}

// Clone returns a deep copy of the snapshot, duplicating maps, records and
// pointer fields so the copy can be mutated independently of the original.
func (s *State) Clone() *State {
	c := *s
	c.Departments = make(map[string]Record, len(s.Departments))
	for id, d := range s.Departments {
		c.Departments[id] = deepCopyRecord(d)
	}
	c.Visitor = deepCopyRecord(s.Visitor)
	c.Agents = make(map[string]Agent, len(s.Agents))
	for k, a := range s.Agents {
		a.Attributes = deepCopyRecord(a.Attributes)
		c.Agents[k] = a
	}
	c.Chats = make(map[int64]Record, len(s.Chats))
	for ts, e := range s.Chats {
		c.Chats[ts] = deepCopyRecord(e)
	}
	if s.QueuePosition != nil {
		p := *s.QueuePosition
		c.QueuePosition = &p
	}
	return &c
}

// Entry is a recorded chat event paired with its timestamp.
type Entry struct {
	Timestamp int64  `json:"timestamp"`
	Event     Record `json:"event"`
}

// ChatTimeline returns the recorded chat events ordered by timestamp.
func (s *State) ChatTimeline() []Entry {
	out := make([]Entry, 0, len(s.Chats))
	for ts, e := range s.Chats {
		out = append(out, Entry{Timestamp: ts, Event: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func deepCopyRecord(r Record) Record {
	if r == nil {
		return nil
	}
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = deepCopyValue(v)
	}
	return c
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case Record:
		return deepCopyRecord(t)
	case map[string]any:
		return map[string]any(deepCopyRecord(Record(t)))
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = deepCopyValue(e)
		}
		return c
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}

// next returns a shallow copy of s to be modified by a transition. Maps are
// still shared with s and must be replaced, not written, by the caller.
func (s *State) next() *State {
	c := *s
	return &c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m)+1)
	maps.Copy(c, m)
	return c
}
