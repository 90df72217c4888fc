package chat

import "time"

// Speaker 标识一条 turn 的发言方。
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Status 是 turn 的处理状态。processing 之外的状态都是终态。
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal 表示状态不会再发生变化。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Error codes recorded on assistant turns whose production failed.
const (
	ErrorCodeProducer        = "producer_error"
	ErrorCodeContentRejected = "content_rejected"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeUnavailable     = "unavailable"
)

// Content holds a turn's text in the target language and its translation
// into the learner's native locale.
type Content struct {
	Text        string `json:"text"`
	Translation string `json:"translation,omitempty"`
}

// Metrics 记录语音时长、语速以及生成耗时。
type Metrics struct {
	DurationMs     int64   `json:"durationMs,omitempty"`
	WordsPerMinute float64 `json:"wordsPerMinute,omitempty"`
	LatencyMs      int64   `json:"latencyMs,omitempty"`
}

// Turn is one message within a chat and the unit of asynchronous work.
type Turn struct {
	ID          int64      `json:"id"`
	ChatID      string     `json:"chatId"`
	OwnerID     string     `json:"ownerId"`
	Speaker     Speaker    `json:"speaker"`
	Language    string     `json:"language"`
	Content     Content    `json:"content"`
	AudioURL    string     `json:"audioUrl,omitempty"`
	Metrics     *Metrics   `json:"metrics,omitempty"`
	Status      Status     `json:"status"`
	ErrorCode   string     `json:"errorCode,omitempty"`
	ErrorDetail string     `json:"errorDetail,omitempty"`
	IssueCount  int        `json:"issueCount"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Completion is the result an AI producer writes into a processing
// assistant turn, together with the analysis of the user turn it answers.
type Completion struct {
	Content     Content
	AudioURL    string
	Metrics     *Metrics
	UserTurnID  int64
	UserIssues  []Issue
	CompletedAt time.Time
}
