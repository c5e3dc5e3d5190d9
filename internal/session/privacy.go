package session

import (
	"crypto/sha256"
	"fmt"
	"maps"

	"github.com/livechat/sessionstate/internal/chat"
	"github.com/livechat/sessionstate/internal/identity"
)

const maskedValue = "***"

// PrivacyFilter masks visitor details in a snapshot before it leaves the
// process. The zero value is a no-op filter.
type PrivacyFilter struct {
	// MaskVisitorFields lists visitor record fields whose values are replaced.
	MaskVisitorFields []string
	// HashVisitorNick replaces every non-agent nickname with a short digest,
	// both in the visitor record and in recorded chat entries.
	HashVisitorNick bool
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return f == nil || (len(f.MaskVisitorFields) == 0 && !f.HashVisitorNick)
}

// Apply returns a copy of st with visitor details masked according to the
// filter configuration. The original snapshot is never modified, and maps the
// filter does not touch are shared with it.
func (f *PrivacyFilter) Apply(st *chat.State) *chat.State {
	if f.IsNoop() || st == nil {
		return st
	}

	masked := *st
	visitor := maps.Clone(st.Visitor)
	if visitor == nil {
		visitor = chat.Record{}
	}
	for _, field := range f.MaskVisitorFields {
		if _, ok := visitor[field]; ok {
			visitor[field] = maskedValue
		}
	}

	if f.HashVisitorNick {
		if nick, ok := visitor.String("nick"); ok {
			visitor["nick"] = shortHash(nick)
		}
		masked.Chats = make(map[int64]chat.Record, len(st.Chats))
		for ts, entry := range st.Chats {
			masked.Chats[ts] = hashEntryNick(entry)
		}
	}
	masked.Visitor = visitor
	return &masked
}

func hashEntryNick(entry chat.Record) chat.Record {
	nick, ok := entry.String("nick")
	if !ok || identity.IsAgent(nick) {
		return entry
	}
	c := maps.Clone(entry)
	c["nick"] = shortHash(nick)
	return c
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
