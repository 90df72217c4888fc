package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

func newTestSQLiteStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	dsn, err := SQLiteDSNForFile(path)
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return newTestSQLiteStore(t, filepath.Join(t.TempDir(), "coach.db"))
	})
}

func TestSQLiteStore_Validation(t *testing.T) {
	_, err := SQLiteDSNForFile(" ")
	require.Error(t, err)
	_, err = NewSQLiteStore("")
	require.Error(t, err)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coach.db")
	ctx := context.Background()

	first := newTestSQLiteStore(t, path)
	c := seedChat(t, first, "owner-1", 2)
	_, err := first.CompleteTurn(ctx, 4, chat.Completion{
		Content:    chat.Content{Text: "done"},
		Metrics:    &chat.Metrics{DurationMs: 10, WordsPerMinute: 120.5},
		UserTurnID: 3,
	})
	require.NoError(t, err)
	require.NoError(t, first.DeleteTurn(ctx, 4))
	require.NoError(t, first.Close())

	second := newTestSQLiteStore(t, path)
	got, err := second.GetChat(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.Stats.TurnCount)

	turn, err := second.GetTurn(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, chat.StatusProcessing, turn.Status)
	require.Nil(t, turn.Metrics)

	// AUTOINCREMENT never hands out a deleted id again.
	user, _ := insertPair(t, second, c, "after reopen")
	require.Equal(t, int64(5), user.ID)
}
