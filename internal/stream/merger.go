// Package stream keeps the ordered message list of one chat surface and
// groups it into calendar days for display.
package stream

import (
	"slices"
	"sort"
	"sync"

	"github.com/gastownhall/livechat/internal/protocol"
)

// Merger reconciles bulk history with live events. Each entity id is held
// at most once and the list is kept in non-decreasing created_at order.
type Merger struct {
	mu    sync.Mutex
	items []protocol.ChatEntity
	ids   map[string]struct{}
}

func NewMerger() *Merger {
	return &Merger{ids: make(map[string]struct{})}
}

// Seed replaces the list with history. Later duplicates of an id are dropped.
func (m *Merger) Seed(history []protocol.ChatEntity) {
	items := make([]protocol.ChatEntity, 0, len(history))
	ids := make(map[string]struct{}, len(history))
	for _, e := range history {
		if _, dup := ids[e.ID]; dup {
			continue
		}
		ids[e.ID] = struct{}{}
		items = append(items, e)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	m.mu.Lock()
	m.items = items
	m.ids = ids
	m.mu.Unlock()
}

// Ingest adds a live entity unless its id is already present and reports
// whether the list changed. The entity lands after every entity created at
// or before it, so equal timestamps keep arrival order.
func (m *Merger) Ingest(e protocol.ChatEntity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.ids[e.ID]; dup {
		return false
	}
	if e.ReplyToID != "" && e.ReplyTo == nil {
		if parent, ok := m.findLocked(e.ReplyToID); ok {
			e.ReplyTo = protocol.NewReplyPreview(parent)
		}
	}
	i := sort.Search(len(m.items), func(i int) bool {
		return m.items[i].CreatedAt.After(e.CreatedAt)
	})
	m.items = slices.Insert(m.items, i, e)
	m.ids[e.ID] = struct{}{}
	return true
}

// Clear empties the list.
func (m *Merger) Clear() {
	m.mu.Lock()
	m.items = nil
	m.ids = make(map[string]struct{})
	m.mu.Unlock()
}

// Items returns a copy of the list in display order.
func (m *Merger) Items() []protocol.ChatEntity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.items)
}

func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Find looks an entity up by id.
func (m *Merger) Find(id string) (protocol.ChatEntity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(id)
}

func (m *Merger) findLocked(id string) (protocol.ChatEntity, bool) {
	if _, ok := m.ids[id]; !ok {
		return protocol.ChatEntity{}, false
	}
	for i := len(m.items) - 1; i >= 0; i-- {
		if m.items[i].ID == id {
			return m.items[i], true
		}
	}
	return protocol.ChatEntity{}, false
}
