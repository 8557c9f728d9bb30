package devserver

import (
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gastownhall/livechat/internal/protocol"
)

// messageStore is the in-memory history, one list per scope.
type messageStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nextID int
	scopes map[protocol.Scope][]protocol.ChatEntity
}

func newMessageStore(now func() time.Time) *messageStore {
	return &messageStore{now: now, scopes: make(map[protocol.Scope][]protocol.ChatEntity)}
}

// add assigns an id and timestamp to out and stores it under s.
func (st *messageStore) add(s protocol.Scope, out protocol.Outgoing) protocol.ChatEntity {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.nextID++
	convID, groupID := s.Fields()
	e := protocol.ChatEntity{
		ID:              "msg_" + strconv.Itoa(st.nextID),
		SenderID:        out.SenderID,
		Content:         out.Content,
		ReplyToID:       out.ReplyToID,
		CreatedAt:       st.now().UTC(),
		ConversationID:  convID,
		GroupID:         groupID,
		ClientMessageID: out.ClientMessageID,
	}
	if e.ReplyToID != "" {
		for _, parent := range st.scopes[s] {
			if parent.ID == e.ReplyToID {
				e.ReplyTo = protocol.NewReplyPreview(parent)
				break
			}
		}
	}
	st.scopes[s] = append(st.scopes[s], e)
	return e
}

func (st *messageStore) list(s protocol.Scope) []protocol.ChatEntity {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := slices.Clone(st.scopes[s])
	if out == nil {
		out = []protocol.ChatEntity{}
	}
	return out
}

func (st *messageStore) clear(s protocol.Scope) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := len(st.scopes[s])
	delete(st.scopes, s)
	return n
}
