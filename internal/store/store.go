package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

var (
	// ErrNotFound is returned when a chat or turn does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTurnFinalized is returned when a terminal turn is asked to transition again.
	ErrTurnFinalized = errors.New("store: turn already finalized")
)

// Store is the durable record of chats, turns and issues. It is the single
// writer-of-record for turn status.
type Store interface {
	CreateChat(ctx context.Context, c chat.Chat) (chat.Chat, error)
	GetChat(ctx context.Context, id string) (chat.Chat, error)
	ListChats(ctx context.Context, ownerID string) ([]chat.Chat, error)

	// InsertTurnPair writes the completed user turn and the processing
	// assistant placeholder atomically. Ids are assigned in that order.
	InsertTurnPair(ctx context.Context, user, assistant chat.Turn) (chat.Turn, chat.Turn, error)
	GetTurn(ctx context.Context, id int64) (chat.Turn, error)
	// RecentTurns returns up to limit of the newest turns of a chat, ascending.
	RecentTurns(ctx context.Context, chatID string, limit int) ([]chat.Turn, error)
	// CompleteTurn and FailTurn only succeed while the turn is processing.
	CompleteTurn(ctx context.Context, id int64, c chat.Completion) (chat.Turn, error)
	FailTurn(ctx context.Context, id int64, code, detail string) (chat.Turn, error)
	ListTurns(ctx context.Context, q chat.TurnQuery) (chat.TurnPage, error)

	DeleteTurn(ctx context.Context, id int64) error
	ResetChat(ctx context.Context, chatID string) error
	DeleteChats(ctx context.Context, ownerID string) error

	ListIssuesByChat(ctx context.Context, chatID string) ([]chat.Issue, error)
	ListIssuesByTurn(ctx context.Context, turnID int64) ([]chat.Issue, error)

	Close() error
}

// validateQuery rejects queries the pagination contract does not allow.
func validateQuery(q chat.TurnQuery) error {
	if q.ChatID == "" && q.OwnerID == "" {
		return errors.New("store: chat id or owner id required")
	}
	if q.AfterID != nil && q.BeforeID != nil {
		return errors.New("store: after_id and before_id are mutually exclusive")
	}
	return nil
}
