package chat

import "time"

// IssueType 问题分类。
type IssueType string

const (
	IssueGrammar    IssueType = "grammar"
	IssueWordChoice IssueType = "word_choice"
	IssueSuggestion IssueType = "suggestion"
)

// Severity 问题严重程度。
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Issue is a correction attached to a completed user turn.
type Issue struct {
	ID                string    `json:"id"`
	TurnID            int64     `json:"turnId"`
	ChatID            string    `json:"chatId"`
	OwnerID           string    `json:"ownerId"`
	Type              IssueType `json:"type"`
	Original          string    `json:"original"`
	Suggested         string    `json:"suggested"`
	Explanation       string    `json:"explanation"`
	ExplanationNative string    `json:"explanationNative,omitempty"`
	Severity          Severity  `json:"severity"`
	CreatedAt         time.Time `json:"createdAt"`
}

// ParseIssueType normalizes a free-form label into an IssueType.
func ParseIssueType(raw string) (IssueType, bool) {
	switch IssueType(raw) {
	case IssueGrammar, IssueWordChoice, IssueSuggestion:
		return IssueType(raw), true
	case "word-choice", "wordchoice", "vocabulary":
		return IssueWordChoice, true
	default:
		return "", false
	}
}

// ParseSeverity falls back to SeverityLow for unknown values.
func ParseSeverity(raw string) Severity {
	switch Severity(raw) {
	case SeverityMedium, SeverityHigh:
		return Severity(raw)
	default:
		return SeverityLow
	}
}
