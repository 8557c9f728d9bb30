package protocol

// ScopeKind distinguishes the three chat surfaces.
type ScopeKind int

const (
	ScopeAnonymous ScopeKind = iota
	ScopeConversation
	ScopeGroup
)

// Scope identifies the room a message lives in: the anonymous public room, a
// direct conversation, or a group.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// Anonymous is the public room shared by all anonymous visitors.
func Anonymous() Scope { return Scope{Kind: ScopeAnonymous} }

// Conversation is a direct conversation between authenticated users.
func Conversation(id string) Scope { return Scope{Kind: ScopeConversation, ID: id} }

// Group is a group chat.
func Group(id string) Scope { return Scope{Kind: ScopeGroup, ID: id} }

func (s Scope) String() string {
	switch s.Kind {
	case ScopeConversation:
		return "conversation:" + s.ID
	case ScopeGroup:
		return "group:" + s.ID
	default:
		return "anonymous"
	}
}

// IsAnonymous reports whether the scope is the anonymous room.
func (s Scope) IsAnonymous() bool { return s.Kind == ScopeAnonymous }

// Fields returns the conversation and group ids to put on the wire.
func (s Scope) Fields() (conversationID, groupID string) {
	switch s.Kind {
	case ScopeConversation:
		return s.ID, ""
	case ScopeGroup:
		return "", s.ID
	}
	return "", ""
}

// NewSendMessage addresses out to s.
func (s Scope) NewSendMessage(out Outgoing) SendMessage {
	convID, groupID := s.Fields()
	return SendMessage{Outgoing: out, ConversationID: convID, GroupID: groupID}
}

// NewClearMessages builds the clear frame for s.
func (s Scope) NewClearMessages() ClearMessages {
	convID, groupID := s.Fields()
	return ClearMessages{ConversationID: convID, GroupID: groupID}
}

// group wins over conversation when a frame carries both.
func scopeOf(conversationID, groupID string) Scope {
	if groupID != "" {
		return Group(groupID)
	}
	if conversationID != "" {
		return Conversation(conversationID)
	}
	return Anonymous()
}
