package stream

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gastownhall/livechat/internal/protocol"
)

func at(id string, t time.Time) protocol.ChatEntity {
	return protocol.ChatEntity{ID: id, Content: id, CreatedAt: t}
}

func TestGroupTodayKeepsOrder(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	now := time.Date(2026, 5, 20, 23, 0, 0, 0, loc)
	morning := at("morning", time.Date(2026, 5, 20, 10, 0, 0, 0, loc))
	night := at("night", time.Date(2026, 5, 20, 22, 0, 0, 0, loc))

	groups := GroupByDate([]protocol.ChatEntity{night, morning}, now, loc, nil)

	require.Len(t, groups, 1)
	require.Equal(t, "Today", groups[0].Label)
	require.Equal(t, []string{"morning", "night"}, ids(groups[0].Items))
}

func TestGroupUsesLocalCalendarDay(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	now := time.Date(2026, 5, 20, 12, 0, 0, 0, loc)
	// 01:00 UTC on the 20th is still the evening of the 19th in loc.
	late := at("late", time.Date(2026, 5, 20, 1, 0, 0, 0, time.UTC))

	groups := GroupByDate([]protocol.ChatEntity{late}, now, loc, nil)

	require.Len(t, groups, 1)
	require.Equal(t, "2026-05-19", groups[0].Key)
	require.Equal(t, "Yesterday", groups[0].Label)
}

func TestGroupLabels(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 1, 2, 8, 0, 0, 0, loc)
	items := []protocol.ChatEntity{
		at("old", time.Date(2025, 12, 29, 12, 0, 0, 0, loc)),
		at("newyear", time.Date(2026, 1, 1, 0, 0, 0, 0, loc)),
		at("today", time.Date(2026, 1, 2, 7, 0, 0, 0, loc)),
	}

	groups := GroupByDate(items, now, loc, NewLabeler("en-US"))

	require.Len(t, groups, 3)
	require.Equal(t, "Monday, December 29, 2025", groups[0].Label)
	require.Equal(t, "Yesterday", groups[1].Label)
	require.Equal(t, "Today", groups[2].Label)
}

func TestGroupOmitsCurrentYear(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 10, 8, 0, 0, 0, loc)
	e := at("e", time.Date(2026, 7, 1, 9, 0, 0, 0, loc))

	require.Equal(t, "Wednesday, July 1", GroupByDate([]protocol.ChatEntity{e}, now, loc, nil)[0].Label)
	require.Equal(t, "quarta-feira, 1 de julho", GroupByDate([]protocol.ChatEntity{e}, now, loc, NewLabeler("pt-BR"))[0].Label)
}

func TestPortugueseLabels(t *testing.T) {
	l := NewLabeler("pt-BR")
	require.Equal(t, "Hoje", l.Today())
	require.Equal(t, "Ontem", l.Yesterday())
	require.Equal(t, "segunda-feira, 2 de janeiro de 2006", l.Date(time.Date(2006, 1, 2, 0, 0, 0, 0, time.UTC), true))
}

func TestLabelerFallsBackToEnglish(t *testing.T) {
	require.Equal(t, "Today", NewLabeler("ja-JP").Today())
	require.Equal(t, "Today", NewLabeler().Today())
	require.Equal(t, "Hoje", NewLabeler("pt").Today())
}

func TestGroupPartitionProperty(t *testing.T) {
	loc := time.FixedZone("X", 5*3600+1800)
	now := time.Date(2026, 9, 30, 12, 0, 0, 0, loc)
	r := rand.New(rand.NewSource(11))

	var items []protocol.ChatEntity
	for i := 0; i < 200; i++ {
		ts := now.Add(-time.Duration(r.Int63n(int64(400 * 24 * time.Hour))))
		items = append(items, at(fmt.Sprintf("m%d", i), ts))
	}

	groups := GroupByDate(items, now, loc, nil)

	var flat []protocol.ChatEntity
	for i, g := range groups {
		if i > 0 {
			require.True(t, groups[i-1].Date.Before(g.Date))
		}
		for _, e := range g.Items {
			require.Equal(t, g.Key, e.CreatedAt.In(loc).Format("2006-01-02"))
		}
		flat = append(flat, g.Items...)
	}
	require.Len(t, flat, len(items))
	require.True(t, sort.SliceIsSorted(flat, func(i, j int) bool {
		return flat[i].CreatedAt.Before(flat[j].CreatedAt)
	}))
}

func TestGroupEmpty(t *testing.T) {
	require.Empty(t, GroupByDate(nil, time.Now(), nil, nil))
}
