package chat

import "github.com/livechat/sessionstate/internal/identity"

// Reduce returns the snapshot that results from applying ev to s. It never
// modifies s or anything reachable from it: every map or record a transition
// changes is copied first. Unknown events return s itself.
func Reduce(s *State, ev Event) *State {
	if s == nil {
		s = NewState()
	}
	if ev == nil {
		return s
	}
	return ev.apply(s)
}

func (e ConnectionUpdate) apply(s *State) *State {
	n := s.next()
	n.Connection = e.Status
	return n
}

func (e AccountStatus) apply(s *State) *State {
	n := s.next()
	n.AccountStatus = e.Status
	return n
}

func (e DepartmentUpdate) apply(s *State) *State {
	n := s.next()
	n.Departments = cloneMap(s.Departments)
	n.Departments[e.ID] = e.Department.clone()
	return n
}

func (e VisitorUpdate) apply(s *State) *State {
	n := s.next()
	n.Visitor = s.Visitor.merge(e.Fields)
	return n
}

// Fields reserved by the Agent struct itself; everything else in an
// agent_update payload lands in Attributes.
var agentReserved = map[string]bool{"nick": true, "display_name": true, "typing": true}

func (e AgentUpdate) apply(s *State) *State {
	a, ok := s.Agents[e.Nick]
	if ok {
		a = a.clone()
	}
	a.Nick = e.Nick
	if dn, ok := e.Fields.String("display_name"); ok {
		a.DisplayName = dn
	}
	for k, v := range e.Fields {
		if agentReserved[k] {
			continue
		}
		if a.Attributes == nil {
			a.Attributes = Record{}
		}
		a.Attributes[k] = v
	}
	// typing is only ever changed by a typing event

	n := s.next()
	n.Agents = cloneMap(s.Agents)
	n.Agents[e.Nick] = a
	return n
}

func (e MemberJoin) apply(s *State) *State {
	n := s.next()
	if identity.IsAgent(e.Nick) {
		key := identity.Canonical(e.Nick, e.DisplayName)
		a, ok := s.Agents[key]
		if ok {
			a = a.clone()
		}
		a.Nick = key
		if a.DisplayName == "" {
			a.DisplayName = e.DisplayName
		}
		n.Agents = cloneMap(s.Agents)
		n.Agents[key] = a
	} else {
		n.Visitor = s.Visitor.merge(Record{"nick": e.Nick})
		n.IsChatting = true
	}
	record(n, s, e.Timestamp, e.Raw.clone())
	return n
}

func (e MemberLeave) apply(s *State) *State {
	n := s.next()
	if !identity.IsAgent(e.Nick) {
		n.IsChatting = false
	}
	record(n, s, e.Timestamp, e.Raw.clone())
	return n
}

func (e QueuePosition) apply(s *State) *State {
	n := s.next()
	pos := e.Position
	n.QueuePosition = &pos
	return n
}

func (e RatingRequest) apply(s *State) *State {
	n := s.next()
	record(n, s, e.Timestamp, e.Raw.clone())
	n.LastRatingRequestTimestamp = e.Timestamp
	return n
}

func (e Rating) apply(s *State) *State {
	n := s.next()
	record(n, s, e.Timestamp, e.Raw.clone())
	n.HasRating = truthy(e.NewRating)
	return n
}

func (e Message) apply(s *State) *State {
	nick := identity.Canonical(e.Nick, e.DisplayName)
	entry := e.Raw.clone()
	entry["nick"] = nick
	entry["member_type"] = identity.MemberType(nick)

	n := s.next()
	record(n, s, e.Timestamp, entry)
	return n
}

func (e Typing) apply(s *State) *State {
	if !identity.IsAgent(e.Nick) {
		// visitors have no agents entry; their indicator is dropped
		return s
	}
	key := identity.Canonical(e.Nick, e.DisplayName)
	a, ok := s.Agents[key]
	if ok {
		a = a.clone()
	}
	a.Nick = key
	if identity.IsTrigger(e.Nick) {
		// triggers need not have joined, so the persona is synthesized here
		a.DisplayName = e.DisplayName
	}
	a.Typing = e.Typing

	n := s.next()
	n.Agents = cloneMap(s.Agents)
	n.Agents[key] = a
	return n
}

func (e Unknown) apply(s *State) *State {
	return s
}

// record stores entry under ts in a fresh copy of prev's chats map.
func record(n, prev *State, ts int64, entry Record) {
	n.Chats = cloneMap(prev.Chats)
	n.Chats[ts] = entry
	if ts > prev.LastTimestamp {
		n.LastTimestamp = ts
	}
}
