package stream

import (
	"sort"
	"time"

	"github.com/gastownhall/livechat/internal/protocol"
)

const dayKeyLayout = "2006-01-02"

// DateGroup is one calendar day of messages.
type DateGroup struct {
	Key   string    // local date, 2006-01-02
	Date  time.Time // local midnight
	Label string
	Items []protocol.ChatEntity
}

// GroupByDate partitions items by the calendar day of created_at in loc and
// labels each day relative to now. Groups ascend by date and items inside a
// group ascend by created_at. A nil loc means time.Local; a nil labels means
// English.
func GroupByDate(items []protocol.ChatEntity, now time.Time, loc *time.Location, labels Labeler) []DateGroup {
	if loc == nil {
		loc = time.Local
	}
	if labels == nil {
		labels = englishLabels{}
	}

	byKey := make(map[string]*DateGroup)
	var groups []*DateGroup
	for _, e := range items {
		local := e.CreatedAt.In(loc)
		key := local.Format(dayKeyLayout)
		g, ok := byKey[key]
		if !ok {
			g = &DateGroup{Key: key, Date: midnight(local)}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.Items = append(g.Items, e)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })

	today := midnight(now.In(loc))
	todayKey := today.Format(dayKeyLayout)
	yesterdayKey := today.AddDate(0, 0, -1).Format(dayKeyLayout)

	out := make([]DateGroup, 0, len(groups))
	for _, g := range groups {
		sort.SliceStable(g.Items, func(i, j int) bool {
			return g.Items[i].CreatedAt.Before(g.Items[j].CreatedAt)
		})
		switch g.Key {
		case todayKey:
			g.Label = labels.Today()
		case yesterdayKey:
			g.Label = labels.Yesterday()
		default:
			g.Label = labels.Date(g.Date, g.Date.Year() != today.Year())
		}
		out = append(out, *g)
	}
	return out
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
