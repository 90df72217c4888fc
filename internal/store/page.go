package store

import (
	"sort"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

// windowTurns cuts one page out of turns, which must hold every row that
// matches the query filter in ascending id order.
func windowTurns(turns []chat.Turn, q chat.TurnQuery) chat.TurnPage {
	limit := chat.ClampLimit(q.Limit)
	n := len(turns)

	var start, end int
	switch {
	case q.AfterID != nil:
		after := *q.AfterID
		start = sort.Search(n, func(i int) bool { return turns[i].ID > after })
		end = min(start+limit, n)
	case q.BeforeID != nil:
		before := *q.BeforeID
		end = sort.Search(n, func(i int) bool { return turns[i].ID >= before })
		start = max(end-limit, 0)
	case q.FromLatest:
		end = n
		start = max(n-limit, 0)
	default:
		start = 0
		end = min(limit, n)
	}

	if start >= end {
		return chat.NewTurnPage(nil, n, limit, false, false)
	}

	items := make([]chat.Turn, end-start)
	copy(items, turns[start:end])
	return chat.NewTurnPage(items, n, limit, start > 0, end < n)
}
