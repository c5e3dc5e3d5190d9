package chat

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// event builds an Event from a type tag and a payload the way the transport
// would deliver it: marshalled to JSON and parsed back.
func event(t *testing.T, typ string, payload any) Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	ev, err := Parse(Envelope{Type: typ, Payload: raw})
	require.NoError(t, err)
	return ev
}

func chatEvent(t *testing.T, payload map[string]any) Event {
	t.Helper()
	return event(t, TypeChat, payload)
}

func apply(t *testing.T, s *State, events ...Event) *State {
	t.Helper()
	for _, ev := range events {
		s = Reduce(s, ev)
	}
	return s
}

func TestNewStateDefaults(t *testing.T) {
	s := NewState()
	assert.Equal(t, "closed", s.Connection)
	assert.Equal(t, "offline", s.AccountStatus)
	assert.Empty(t, s.Departments)
	assert.Empty(t, s.Visitor)
	assert.Empty(t, s.Agents)
	assert.Empty(t, s.Chats)
	assert.False(t, s.HasRating)
	assert.False(t, s.IsChatting)
	assert.Nil(t, s.QueuePosition)
	assert.Zero(t, s.LastRatingRequestTimestamp)
}

func TestReduceUnknownIsNoop(t *testing.T) {
	base := apply(t, NewState(),
		event(t, TypeConnectionUpdate, "open"),
		chatEvent(t, map[string]any{"type": ChatMemberJoin, "nick": "visitor1", "timestamp": 1}),
	)
	snapshot := base.Clone()

	tests := []struct {
		name string
		env  Envelope
	}{
		{"unknown top-level", Envelope{Type: "visitor_removed", Payload: json.RawMessage(`{"x":1}`)}},
		{"empty type", Envelope{}},
		{"unknown chat sub-type", Envelope{Type: TypeChat, Payload: json.RawMessage(`{"type":"chat.comment","timestamp":9}`)}},
		{"chat without sub-type", Envelope{Type: TypeChat, Payload: json.RawMessage(`{"timestamp":9}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse(tt.env)
			require.NoError(t, err)
			require.IsType(t, Unknown{}, ev)

			got := Reduce(base, ev)
			assert.Same(t, base, got)
			if diff := cmp.Diff(snapshot, got); diff != "" {
				t.Errorf("state changed (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConnectionAndAccountStatus(t *testing.T) {
	s := apply(t, NewState(),
		event(t, TypeConnectionUpdate, "connecting"),
		event(t, TypeConnectionUpdate, "open"),
		event(t, TypeAccountStatus, "online"),
	)
	assert.Equal(t, "open", s.Connection)
	assert.Equal(t, "online", s.AccountStatus)
}

func TestDepartmentUpdateLastWriteWins(t *testing.T) {
	s := apply(t, NewState(),
		event(t, TypeDepartmentUpdate, map[string]any{"id": "sales", "name": "Sales", "status": "online"}),
		event(t, TypeDepartmentUpdate, map[string]any{"id": 42, "name": "Support"}),
		event(t, TypeDepartmentUpdate, map[string]any{"id": "sales", "name": "Sales EU"}),
	)
	require.Len(t, s.Departments, 2)
	assert.Equal(t, "Sales EU", s.Departments["sales"]["name"])
	_, hasStatus := s.Departments["sales"]["status"]
	assert.False(t, hasStatus, "department update replaces the record, it does not merge")
	assert.Equal(t, "Support", s.Departments["42"]["name"])
}

func TestVisitorUpdateMergesFields(t *testing.T) {
	s := apply(t, NewState(),
		event(t, TypeVisitorUpdate, map[string]any{"display_name": "Jo", "email": "jo@example.com"}),
		event(t, TypeVisitorUpdate, map[string]any{"display_name": "Joanna", "phone": "555"}),
	)
	want := Record{"display_name": "Joanna", "email": "jo@example.com", "phone": "555"}
	if diff := cmp.Diff(want, s.Visitor); diff != "" {
		t.Errorf("visitor mismatch (-want +got):\n%s", diff)
	}
}

func TestAgentUpdatePreservesTyping(t *testing.T) {
	s := apply(t, NewState(),
		event(t, TypeAgentUpdate, map[string]any{"nick": "agent:alice", "display_name": "Alice", "title": "Support"}),
		chatEvent(t, map[string]any{"type": ChatTyping, "nick": "agent:alice", "typing": true}),
		event(t, TypeAgentUpdate, map[string]any{"nick": "agent:alice", "display_name": "Alice B", "typing": false}),
	)
	a := s.Agents["agent:alice"]
	assert.True(t, a.Typing, "agent_update must not reset typing")
	assert.Equal(t, "Alice B", a.DisplayName)
	assert.Equal(t, "Support", a.Attributes["title"])
	assert.NotContains(t, a.Attributes, "typing")

	s = apply(t, s, chatEvent(t, map[string]any{"type": ChatTyping, "nick": "agent:alice", "typing": false}))
	assert.False(t, s.Agents["agent:alice"].Typing)
}

func TestAgentUpdateNewRecordNotTyping(t *testing.T) {
	s := apply(t, NewState(), event(t, TypeAgentUpdate, map[string]any{"nick": "agent:bob", "typing": true}))
	assert.Equal(t, Agent{Nick: "agent:bob"}, s.Agents["agent:bob"])
}

func TestMemberJoinAndLeave(t *testing.T) {
	s := apply(t, NewState(),
		chatEvent(t, map[string]any{"type": ChatMemberJoin, "nick": "visitor123", "timestamp": 1}),
	)
	assert.True(t, s.IsChatting)
	assert.Equal(t, "visitor123", s.Visitor["nick"])

	s = apply(t, s,
		chatEvent(t, map[string]any{"type": ChatMemberJoin, "nick": "agent:alice", "display_name": "Alice", "timestamp": 2}),
		chatEvent(t, map[string]any{"type": ChatMemberLeave, "nick": "agent:alice", "timestamp": 3}),
	)
	assert.True(t, s.IsChatting, "agent join/leave must not affect is_chatting")
	assert.Equal(t, Agent{Nick: "agent:alice", DisplayName: "Alice"}, s.Agents["agent:alice"])

	s = apply(t, s, chatEvent(t, map[string]any{"type": ChatMemberLeave, "nick": "visitor123", "timestamp": 4}))
	assert.False(t, s.IsChatting)
	assert.Len(t, s.Chats, 4)
	assert.Equal(t, int64(4), s.LastTimestamp)
	assert.Equal(t, ChatMemberLeave, s.Chats[4]["type"])
}

func TestMemberJoinTriggerUsesCanonicalKey(t *testing.T) {
	s := apply(t, NewState(),
		chatEvent(t, map[string]any{"type": ChatMemberJoin, "nick": "agent:trigger", "display_name": "Bot A", "timestamp": 1}),
		chatEvent(t, map[string]any{"type": ChatMemberJoin, "nick": "agent:trigger", "display_name": "Bot B", "timestamp": 2}),
	)
	assert.Contains(t, s.Agents, "agent:trigger:Bot A")
	assert.Contains(t, s.Agents, "agent:trigger:Bot B")
	assert.NotContains(t, s.Agents, "agent:trigger")
	assert.False(t, s.IsChatting)
}

func TestQueuePositionNotRecorded(t *testing.T) {
	s := apply(t, NewState(), chatEvent(t, map[string]any{"type": ChatQueuePosition, "queue_position": 3}))
	require.NotNil(t, s.QueuePosition)
	assert.Equal(t, 3, *s.QueuePosition)
	assert.Empty(t, s.Chats)

	s = apply(t, s, chatEvent(t, map[string]any{"type": ChatQueuePosition, "queue_position": 0}))
	assert.Equal(t, 0, *s.QueuePosition)
}

func TestRatingRequest(t *testing.T) {
	s := apply(t, NewState(), chatEvent(t, map[string]any{"type": ChatRequestRating, "nick": "agent:alice", "timestamp": 77}))
	assert.Equal(t, int64(77), s.LastRatingRequestTimestamp)
	assert.Contains(t, s.Chats, int64(77))
}

func TestRatingTruthiness(t *testing.T) {
	tests := []struct {
		name   string
		rating any
		want   bool
	}{
		{"five", 5, true},
		{"zero", 0, false},
		{"null", nil, false},
		{"good", "good", true},
		{"empty string", "", false},
		{"false", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := NewState()
			start.HasRating = !tt.want
			s := Reduce(start, chatEvent(t, map[string]any{"type": ChatRating, "new_rating": tt.rating, "timestamp": 10}))
			assert.Equal(t, tt.want, s.HasRating)
			assert.Contains(t, s.Chats, int64(10))
		})
	}
}

func TestHasRatingSurvivesUnrelatedEvents(t *testing.T) {
	s := apply(t, NewState(),
		chatEvent(t, map[string]any{"type": ChatRating, "new_rating": 5, "timestamp": 1}),
		chatEvent(t, map[string]any{"type": ChatMsg, "nick": "visitor1", "msg": "thanks", "timestamp": 2}),
		event(t, TypeConnectionUpdate, "closed"),
	)
	assert.True(t, s.HasRating)
}

func TestMessageTriggersAreDistinct(t *testing.T) {
	s := apply(t, NewState(),
		chatEvent(t, map[string]any{"type": ChatMsg, "nick": "agent:trigger", "display_name": "A", "msg": "hi", "timestamp": 1}),
		chatEvent(t, map[string]any{"type": ChatMsg, "nick": "agent:trigger", "display_name": "B", "msg": "hello", "timestamp": 2}),
	)
	require.Len(t, s.Chats, 2)
	assert.Equal(t, "agent:trigger:A", s.Chats[1]["nick"])
	assert.Equal(t, "agent:trigger:B", s.Chats[2]["nick"])
	assert.Equal(t, "agent", s.Chats[1]["member_type"])
	assert.Equal(t, "agent", s.Chats[2]["member_type"])
}

func TestMessageMemberType(t *testing.T) {
	s := apply(t, NewState(),
		chatEvent(t, map[string]any{"type": ChatMsg, "nick": "visitor1", "msg": "hi", "timestamp": 1}),
		chatEvent(t, map[string]any{"type": ChatFile, "nick": "agent:alice", "attachment": map[string]any{"name": "a.png"}, "timestamp": 2}),
	)
	assert.Equal(t, "visitor", s.Chats[1]["member_type"])
	assert.Equal(t, "agent", s.Chats[2]["member_type"])
	assert.Equal(t, ChatFile, s.Chats[2]["type"])
}

func TestSameTimestampOverwrites(t *testing.T) {
	s := apply(t, NewState(),
		chatEvent(t, map[string]any{"type": ChatMsg, "nick": "visitor1", "msg": "first", "timestamp": 5}),
	)
	before := len(s.Chats)
	s = apply(t, s, chatEvent(t, map[string]any{"type": ChatMsg, "nick": "visitor1", "msg": "second", "timestamp": 5}))
	assert.Equal(t, before, len(s.Chats))
	assert.Equal(t, "second", s.Chats[5]["msg"])
}

func TestChatsSizeTracksDistinctTimestamps(t *testing.T) {
	stamps := []int{3, 1, 3, 2, 1, 7}
	s := NewState()
	seen := map[int]bool{}
	prev := 0
	for _, ts := range stamps {
		s = Reduce(s, chatEvent(t, map[string]any{"type": ChatMsg, "nick": "v", "timestamp": ts}))
		seen[ts] = true
		assert.GreaterOrEqual(t, len(s.Chats), prev)
		assert.Equal(t, len(seen), len(s.Chats))
		prev = len(s.Chats)
	}
	assert.Equal(t, int64(7), s.LastTimestamp)
}

func TestTypingTriggerSynthesizesAgent(t *testing.T) {
	s := apply(t, NewState(),
		chatEvent(t, map[string]any{"type": ChatTyping, "nick": "agent:trigger", "display_name": "Welcome Bot", "typing": true}),
	)
	assert.Equal(t, Agent{Nick: "agent:trigger:Welcome Bot", DisplayName: "Welcome Bot", Typing: true}, s.Agents["agent:trigger:Welcome Bot"])
	assert.Empty(t, s.Chats, "typing is never recorded in chats")
}

func TestTypingUnknownAgentCreatesRecord(t *testing.T) {
	s := apply(t, NewState(), chatEvent(t, map[string]any{"type": ChatTyping, "nick": "agent:carol", "typing": true}))
	assert.Equal(t, Agent{Nick: "agent:carol", Typing: true}, s.Agents["agent:carol"])
}

func TestTypingByVisitorIgnored(t *testing.T) {
	s := apply(t, NewState(), event(t, TypeConnectionUpdate, "connected"))
	got := Reduce(s, chatEvent(t, map[string]any{"type": ChatTyping, "nick": "visitor:9", "typing": true}))
	assert.Same(t, s, got, "visitor typing must not produce a new snapshot")
	assert.Empty(t, got.Agents)
}

func TestReduceNeverMutatesInput(t *testing.T) {
	s := apply(t, NewState(),
		event(t, TypeDepartmentUpdate, map[string]any{"id": "sales", "name": "Sales"}),
		event(t, TypeVisitorUpdate, map[string]any{"email": "v@example.com"}),
		event(t, TypeAgentUpdate, map[string]any{"nick": "agent:alice", "title": "Lead"}),
		chatEvent(t, map[string]any{"type": ChatMemberJoin, "nick": "visitor1", "timestamp": 1}),
	)
	frozen := s.Clone()

	events := []Event{
		event(t, TypeConnectionUpdate, "open"),
		event(t, TypeAccountStatus, "online"),
		event(t, TypeDepartmentUpdate, map[string]any{"id": "sales", "name": "Changed"}),
		event(t, TypeVisitorUpdate, map[string]any{"email": "changed@example.com"}),
		event(t, TypeAgentUpdate, map[string]any{"nick": "agent:alice", "title": "Changed"}),
		chatEvent(t, map[string]any{"type": ChatMemberJoin, "nick": "visitor2", "timestamp": 1}),
		chatEvent(t, map[string]any{"type": ChatMemberJoin, "nick": "agent:alice", "timestamp": 2}),
		chatEvent(t, map[string]any{"type": ChatMemberLeave, "nick": "visitor1", "timestamp": 3}),
		chatEvent(t, map[string]any{"type": ChatQueuePosition, "queue_position": 2}),
		chatEvent(t, map[string]any{"type": ChatRequestRating, "timestamp": 4}),
		chatEvent(t, map[string]any{"type": ChatRating, "new_rating": 1, "timestamp": 5}),
		chatEvent(t, map[string]any{"type": ChatMsg, "nick": "agent:trigger", "display_name": "X", "timestamp": 6}),
		chatEvent(t, map[string]any{"type": ChatTyping, "nick": "agent:alice", "typing": true}),
	}
	for _, ev := range events {
		next := Reduce(s, ev)
		assert.NotSame(t, s, next, ev.Kind())
		if diff := cmp.Diff(frozen, s); diff != "" {
			t.Fatalf("%s mutated its input (-want +got):\n%s", ev.Kind(), diff)
		}
	}
}

func TestMessageDoesNotMutateEventPayload(t *testing.T) {
	ev := chatEvent(t, map[string]any{"type": ChatMsg, "nick": "agent:trigger", "display_name": "A", "timestamp": 1})
	Reduce(NewState(), ev)
	assert.Equal(t, "agent:trigger", ev.(Message).Raw["nick"])
	assert.NotContains(t, ev.(Message).Raw, "member_type")
}

func TestReduceNilInputs(t *testing.T) {
	s := Reduce(nil, ConnectionUpdate{Status: "open"})
	assert.Equal(t, "open", s.Connection)

	base := NewState()
	assert.Same(t, base, Reduce(base, nil))
}

// Walks the end-to-end scenario a UI sees when a visitor opens the widget.
func TestWidgetScenario(t *testing.T) {
	s := NewState()

	s = Reduce(s, event(t, TypeConnectionUpdate, "open"))
	assert.Equal(t, "open", s.Connection)

	s = Reduce(s, event(t, TypeDepartmentUpdate, map[string]any{"id": "sales", "name": "Sales"}))
	assert.Equal(t, "Sales", s.Departments["sales"]["name"])

	s = Reduce(s, chatEvent(t, map[string]any{"type": ChatMemberJoin, "nick": "visitor123", "timestamp": 1}))
	assert.True(t, s.IsChatting)
	require.Contains(t, s.Chats, int64(1))
	assert.Equal(t, "visitor123", s.Chats[1]["nick"])

	s = Reduce(s, chatEvent(t, map[string]any{"type": ChatMsg, "nick": "agent:trigger", "display_name": "Welcome Bot", "timestamp": 2}))
	assert.Equal(t, "agent:trigger:Welcome Bot", s.Chats[2]["nick"])
	assert.Equal(t, "agent", s.Chats[2]["member_type"])
}
