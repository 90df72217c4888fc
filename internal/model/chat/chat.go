package chat

import "time"

// Stats aggregates per-chat practice numbers.
type Stats struct {
	DurationMs int64 `json:"durationMs"`
	IssueCount int   `json:"issueCount"`
	TurnCount  int   `json:"turnCount"`
}

// Chat 是用户与教练之间的一段对话，归属于唯一的用户。
type Chat struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	Title      string    `json:"title"`
	ScenarioID string    `json:"scenarioId,omitempty"`
	Language   string    `json:"language"`
	Stats      Stats     `json:"stats"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
