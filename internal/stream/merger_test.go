package stream

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gastownhall/livechat/internal/protocol"
)

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func entity(id string, offset time.Duration) protocol.ChatEntity {
	return protocol.ChatEntity{ID: id, SenderID: "u1", Content: "msg " + id, CreatedAt: base.Add(offset)}
}

func ids(items []protocol.ChatEntity) []string {
	out := make([]string, len(items))
	for i, e := range items {
		out[i] = e.ID
	}
	return out
}

func TestSeedSortsAndDedups(t *testing.T) {
	m := NewMerger()
	first := entity("m2", 2*time.Minute)
	dup := entity("m2", 5*time.Minute)
	dup.Content = "later copy"

	m.Seed([]protocol.ChatEntity{first, entity("m1", time.Minute), dup, entity("m3", 3*time.Minute)})

	require.Equal(t, []string{"m1", "m2", "m3"}, ids(m.Items()))
	got, ok := m.Find("m2")
	require.True(t, ok)
	require.Equal(t, "msg m2", got.Content)
}

func TestSeedReplacesList(t *testing.T) {
	m := NewMerger()
	m.Ingest(entity("old", 0))
	m.Seed([]protocol.ChatEntity{entity("new", 0)})

	require.Equal(t, []string{"new"}, ids(m.Items()))
	require.True(t, m.Ingest(entity("old", time.Second)), "ids from the replaced list must not linger")
}

func TestIngestHistoryThenLiveDuplicate(t *testing.T) {
	m := NewMerger()
	m.Seed([]protocol.ChatEntity{entity("m1", 0)})

	require.False(t, m.Ingest(entity("m1", 0)))
	require.Equal(t, []string{"m1"}, ids(m.Items()))
}

func TestIngestKeepsChronologicalOrder(t *testing.T) {
	m := NewMerger()
	m.Ingest(entity("c", 3*time.Minute))
	m.Ingest(entity("a", time.Minute))
	m.Ingest(entity("b", 2*time.Minute))
	m.Ingest(entity("b2", 2*time.Minute))

	require.Equal(t, []string{"a", "b", "b2", "c"}, ids(m.Items()))
}

func TestIngestDuplicatesProperty(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		m := NewMerger()
		want := map[string]bool{}
		for i := 0; i < 40; i++ {
			id := fmt.Sprintf("m%d", r.Intn(15))
			want[id] = true
			m.Ingest(entity(id, time.Duration(r.Intn(600))*time.Second))
		}

		items := m.Items()
		require.Len(t, items, len(want))
		seen := map[string]bool{}
		for i, e := range items {
			require.False(t, seen[e.ID], "duplicate %s", e.ID)
			seen[e.ID] = true
			if i > 0 {
				require.False(t, e.CreatedAt.Before(items[i-1].CreatedAt), "list out of order at %d", i)
			}
		}
	}
}

func TestIngestFillsReplyPreview(t *testing.T) {
	m := NewMerger()
	parent := entity("p", 0)
	parent.SenderName = "Ana"
	m.Ingest(parent)

	reply := entity("r", time.Minute)
	reply.ReplyToID = "p"
	m.Ingest(reply)

	got, ok := m.Find("r")
	require.True(t, ok)
	require.Equal(t, &protocol.ReplyPreview{SenderID: "u1", SenderName: "Ana", Content: "msg p"}, got.ReplyTo)
}

func TestIngestKeepsServerPreview(t *testing.T) {
	m := NewMerger()
	m.Ingest(entity("p", 0))
	reply := entity("r", time.Minute)
	reply.ReplyToID = "p"
	reply.ReplyTo = &protocol.ReplyPreview{SenderID: "x", Content: "from server"}
	m.Ingest(reply)

	got, _ := m.Find("r")
	require.Equal(t, "from server", got.ReplyTo.Content)
}

func TestClearIsIdempotent(t *testing.T) {
	m := NewMerger()
	m.Seed([]protocol.ChatEntity{entity("m1", 0), entity("m2", time.Second)})

	m.Clear()
	m.Clear()

	require.Zero(t, m.Len())
	require.True(t, m.Ingest(entity("m1", 0)))
}

func TestItemsReturnsCopy(t *testing.T) {
	m := NewMerger()
	m.Ingest(entity("m1", 0))
	items := m.Items()
	items[0].Content = "mutated"

	got, _ := m.Find("m1")
	require.Equal(t, "msg m1", got.Content)
}
