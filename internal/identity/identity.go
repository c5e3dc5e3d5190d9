// Package identity classifies chat participants by nickname and derives the
// canonical keys used to index them.
package identity

import "strings"

const (
	// AgentPrefix marks a staffed or automated persona.
	AgentPrefix = "agent:"
	// TriggerPrefix marks a scripted persona. The upstream backend reuses the
	// same nickname for every trigger script, so triggers are told apart by
	// display name.
	TriggerPrefix = "agent:trigger"
)

// Member types attached to recorded chat messages.
const (
	MemberAgent   = "agent"
	MemberVisitor = "visitor"
)

// IsAgent reports whether nick belongs to an agent persona.
func IsAgent(nick string) bool {
	return strings.HasPrefix(nick, AgentPrefix)
}

// IsTrigger reports whether nick belongs to a trigger persona. Every trigger
// is also an agent.
func IsTrigger(nick string) bool {
	return strings.HasPrefix(nick, TriggerPrefix)
}

// Canonical returns the identity key for a participant. Trigger nicknames
// carrying a display name become "agent:trigger:<displayName>"; anything else
// is returned unchanged.
func Canonical(nick, displayName string) string {
	if displayName != "" && IsTrigger(nick) {
		return TriggerPrefix + ":" + displayName
	}
	return nick
}

// MemberType returns MemberAgent or MemberVisitor for nick.
func MemberType(nick string) string {
	if IsAgent(nick) {
		return MemberAgent
	}
	return MemberVisitor
}
