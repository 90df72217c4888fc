package chat

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// TurnQuery selects a window of turns ordered by id. Exactly one of ChatID
// or OwnerID scopes the query; at most one of AfterID and BeforeID is set.
type TurnQuery struct {
	ChatID     string
	OwnerID    string
	Limit      int
	AfterID    *int64
	BeforeID   *int64
	FromLatest bool
}

// TurnPage is one ascending slice of a turn history.
type TurnPage struct {
	Items   []Turn `json:"items"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	HasPrev bool   `json:"has_prev"`
	HasNext bool   `json:"has_next"`
	FirstID *int64 `json:"first_id"`
	LastID  *int64 `json:"last_id"`
}

// ClampLimit applies the default and the upper bound to a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// NewTurnPage fills the boundary ids from items, which must already be
// ascending by id.
func NewTurnPage(items []Turn, total, limit int, hasPrev, hasNext bool) TurnPage {
	if items == nil {
		items = []Turn{}
	}
	page := TurnPage{
		Items:   items,
		Total:   total,
		Limit:   limit,
		HasPrev: hasPrev,
		HasNext: hasNext,
	}
	if len(items) > 0 {
		first := items[0].ID
		last := items[len(items)-1].ID
		page.FirstID = &first
		page.LastID = &last
	}
	return page
}
