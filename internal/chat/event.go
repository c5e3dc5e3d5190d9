package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Top-level event types.
const (
	TypeConnectionUpdate = "connection_update"
	TypeAccountStatus    = "account_status"
	TypeDepartmentUpdate = "department_update"
	TypeVisitorUpdate    = "visitor_update"
	TypeAgentUpdate      = "agent_update"
	TypeChat             = "chat"
)

// Chat sub-types, carried in the "type" field of a chat payload.
const (
	ChatMemberJoin    = "chat.memberjoin"
	ChatMemberLeave   = "chat.memberleave"
	ChatQueuePosition = "chat.queue_position"
	ChatRequestRating = "chat.request.rating"
	ChatRating        = "chat.rating"
	ChatMsg           = "chat.msg"
	ChatFile          = "chat.file"
	ChatTyping        = "typing"
)

// ErrMalformed is wrapped by every error Parse returns for a payload that is
// missing a field its event kind depends on.
var ErrMalformed = errors.New("malformed event")

// Envelope is the wire form of an event: a type tag and an opaque payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is a decoded event. The set of implementations is closed: each kind
// carries its own transition, applied by Reduce.
type Event interface {
	// Kind returns the event's type tag, or the chat sub-type for chat events.
	Kind() string
	apply(s *State) *State
}

// ConnectionUpdate replaces the connection status.
type ConnectionUpdate struct{ Status string }

// AccountStatus replaces the account status.
type AccountStatus struct{ Status string }

// DepartmentUpdate upserts one department keyed by its id.
type DepartmentUpdate struct {
	ID         string
	Department Record
}

// VisitorUpdate merges fields into the visitor record.
type VisitorUpdate struct{ Fields Record }

// AgentUpdate merges fields into the agent record keyed by Nick.
type AgentUpdate struct {
	Nick   string
	Fields Record
}

// MemberJoin records a participant joining the chat.
type MemberJoin struct {
	Nick        string
	DisplayName string
	Timestamp   int64
	Raw         Record
}

// MemberLeave records a participant leaving the chat.
type MemberLeave struct {
	Nick      string
	Timestamp int64
	Raw       Record
}

// QueuePosition reports the visitor's position in the waiting queue.
type QueuePosition struct{ Position int }

// RatingRequest records an agent asking the visitor for a rating.
type RatingRequest struct {
	Timestamp int64
	Raw       Record
}

// Rating records the visitor rating the chat. NewRating is the raw payload
// value and may be nil.
type Rating struct {
	Timestamp int64
	NewRating any
	Raw       Record
}

// Message records a chat.msg or chat.file event.
type Message struct {
	Type        string
	Nick        string
	DisplayName string
	Timestamp   int64
	Raw         Record
}

// Typing toggles the typing indicator of an agent persona.
type Typing struct {
	Nick        string
	DisplayName string
	Typing      bool
}

// Unknown is any event whose type or chat sub-type is not recognised.
type Unknown struct {
	Type     string
	ChatType string
}

func (ConnectionUpdate) Kind() string { return TypeConnectionUpdate }
func (AccountStatus) Kind() string    { return TypeAccountStatus }
func (DepartmentUpdate) Kind() string { return TypeDepartmentUpdate }
func (VisitorUpdate) Kind() string    { return TypeVisitorUpdate }
func (AgentUpdate) Kind() string      { return TypeAgentUpdate }
func (MemberJoin) Kind() string       { return ChatMemberJoin }
func (MemberLeave) Kind() string      { return ChatMemberLeave }
func (QueuePosition) Kind() string    { return ChatQueuePosition }
func (RatingRequest) Kind() string    { return ChatRequestRating }
func (Rating) Kind() string           { return ChatRating }
func (m Message) Kind() string        { return m.Type }
func (Typing) Kind() string           { return ChatTyping }

func (u Unknown) Kind() string {
	if u.ChatType != "" {
		return u.Type + "/" + u.ChatType
	}
	return u.Type
}

type topLevelParser func(payload json.RawMessage) (Event, error)

type chatParser func(r Record) (Event, error)

var topLevelParsers = map[string]topLevelParser{
	TypeConnectionUpdate: func(p json.RawMessage) (Event, error) {
		s, err := decodeString(p)
		return ConnectionUpdate{Status: s}, err
	},
	TypeAccountStatus: func(p json.RawMessage) (Event, error) {
		s, err := decodeString(p)
		return AccountStatus{Status: s}, err
	},
	TypeDepartmentUpdate: parseDepartment,
	TypeVisitorUpdate: func(p json.RawMessage) (Event, error) {
		r, err := decodeRecord(p)
		return VisitorUpdate{Fields: r}, err
	},
	TypeAgentUpdate: parseAgentUpdate,
	TypeChat:        parseChat,
}

var chatParsers = map[string]chatParser{
	ChatMemberJoin:    parseMemberJoin,
	ChatMemberLeave:   parseMemberLeave,
	ChatQueuePosition: parseQueuePosition,
	ChatRequestRating: parseRatingRequest,
	ChatRating:        parseRating,
	ChatMsg:           parseMessage,
	ChatFile:          parseMessage,
	ChatTyping:        parseTyping,
}

// Parse decodes an envelope into an Event. Unrecognised types yield Unknown
// and a nil error; payloads missing required fields yield an error wrapping
// ErrMalformed.
func Parse(env Envelope) (Event, error) {
	parse, ok := topLevelParsers[env.Type]
	if !ok {
		return Unknown{Type: env.Type}, nil
	}
	ev, err := parse(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env.Type, err)
	}
	return ev, nil
}

// ParseJSON decodes a raw envelope and then its payload.
func ParseJSON(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	return Parse(env)
}

func parseDepartment(p json.RawMessage) (Event, error) {
	r, err := decodeRecord(p)
	if err != nil {
		return nil, err
	}
	id, err := requireKey(r, "id")
	if err != nil {
		return nil, err
	}
	return DepartmentUpdate{ID: id, Department: r}, nil
}

func parseAgentUpdate(p json.RawMessage) (Event, error) {
	r, err := decodeRecord(p)
	if err != nil {
		return nil, err
	}
	nick, err := requireString(r, "nick")
	if err != nil {
		return nil, err
	}
	return AgentUpdate{Nick: nick, Fields: r}, nil
}

func parseChat(p json.RawMessage) (Event, error) {
	r, err := decodeRecord(p)
	if err != nil {
		return nil, err
	}
	sub, _ := r.String("type")
	parse, ok := chatParsers[sub]
	if !ok {
		return Unknown{Type: TypeChat, ChatType: sub}, nil
	}
	ev, err := parse(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sub, err)
	}
	return ev, nil
}

func parseMemberJoin(r Record) (Event, error) {
	nick, err := requireString(r, "nick")
	if err != nil {
		return nil, err
	}
	ts, err := requireInt(r, "timestamp")
	if err != nil {
		return nil, err
	}
	dn, _ := r.String("display_name")
	return MemberJoin{Nick: nick, DisplayName: dn, Timestamp: ts, Raw: r}, nil
}

func parseMemberLeave(r Record) (Event, error) {
	nick, err := requireString(r, "nick")
	if err != nil {
		return nil, err
	}
	ts, err := requireInt(r, "timestamp")
	if err != nil {
		return nil, err
	}
	return MemberLeave{Nick: nick, Timestamp: ts, Raw: r}, nil
}

func parseQueuePosition(r Record) (Event, error) {
	pos, err := requireInt(r, "queue_position")
	if err != nil {
		return nil, err
	}
	return QueuePosition{Position: int(pos)}, nil
}

func parseRatingRequest(r Record) (Event, error) {
	ts, err := requireInt(r, "timestamp")
	if err != nil {
		return nil, err
	}
	return RatingRequest{Timestamp: ts, Raw: r}, nil
}

func parseRating(r Record) (Event, error) {
	ts, err := requireInt(r, "timestamp")
	if err != nil {
		return nil, err
	}
	return Rating{Timestamp: ts, NewRating: r["new_rating"], Raw: r}, nil
}

func parseMessage(r Record) (Event, error) {
	sub, _ := r.String("type")
	nick, err := requireString(r, "nick")
	if err != nil {
		return nil, err
	}
	ts, err := requireInt(r, "timestamp")
	if err != nil {
		return nil, err
	}
	dn, _ := r.String("display_name")
	return Message{Type: sub, Nick: nick, DisplayName: dn, Timestamp: ts, Raw: r}, nil
}

func parseTyping(r Record) (Event, error) {
	nick, err := requireString(r, "nick")
	if err != nil {
		return nil, err
	}
	dn, _ := r.String("display_name")
	return Typing{Nick: nick, DisplayName: dn, Typing: truthy(r["typing"])}, nil
}

func decodeString(p json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(p, &s); err != nil {
		return "", fmt.Errorf("%w: payload is not a string", ErrMalformed)
	}
	return s, nil
}

func decodeRecord(p json.RawMessage) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	var r Record
	if err := dec.Decode(&r); err != nil || r == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformed)
	}
	return r, nil
}

func requireString(r Record, key string) (string, error) {
	s, ok := r.String(key)
	if !ok {
		return "", fmt.Errorf("%w: missing string field %q", ErrMalformed, key)
	}
	return s, nil
}

// requireKey accepts a string or a number and returns it in string form.
func requireKey(r Record, key string) (string, error) {
	switch v := r[key].(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	}
	return "", fmt.Errorf("%w: missing id field %q", ErrMalformed, key)
}

func requireInt(r Record, key string) (int64, error) {
	if n, ok := toInt(r[key]); ok {
		return n, nil
	}
	return 0, fmt.Errorf("%w: missing integer field %q", ErrMalformed, key)
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return toInt(f)
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// truthy mirrors loose boolean coercion of JSON values: null, false, zero and
// the empty string are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err != nil || (f != 0 && !math.IsNaN(f))
	case float64:
		return t != 0 && !math.IsNaN(t)
	case int:
		return t != 0
	case int64:
		return t != 0
	}
	return true
}
