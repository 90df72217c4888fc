package store

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

// runStoreSuite checks the behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("pagination windows", func(t *testing.T) {
		s := newStore(t)
		c := seedChat(t, s, "owner-1", 5)

		page, err := s.ListTurns(context.Background(), chat.TurnQuery{ChatID: c.ID, Limit: 3, FromLatest: true})
		require.NoError(t, err)
		require.Equal(t, []int64{8, 9, 10}, turnIDs(page.Items))
		require.True(t, page.HasPrev)
		require.False(t, page.HasNext)
		require.Equal(t, 10, page.Total)
		require.Equal(t, int64(8), *page.FirstID)
		require.Equal(t, int64(10), *page.LastID)

		page, err = s.ListTurns(context.Background(), chat.TurnQuery{ChatID: c.ID, Limit: 3, AfterID: ptr(10)})
		require.NoError(t, err)
		require.Empty(t, page.Items)
		require.NotNil(t, page.Items)
		require.False(t, page.HasPrev)
		require.False(t, page.HasNext)
		require.Nil(t, page.FirstID)
		require.Nil(t, page.LastID)

		page, err = s.ListTurns(context.Background(), chat.TurnQuery{ChatID: c.ID, Limit: 3, BeforeID: ptr(8)})
		require.NoError(t, err)
		require.Equal(t, []int64{5, 6, 7}, turnIDs(page.Items))
		require.True(t, page.HasPrev)
		require.True(t, page.HasNext)

		page, err = s.ListTurns(context.Background(), chat.TurnQuery{ChatID: c.ID, Limit: 4, AfterID: ptr(2)})
		require.NoError(t, err)
		require.Equal(t, []int64{3, 4, 5, 6}, turnIDs(page.Items))
		require.True(t, page.HasPrev)
		require.True(t, page.HasNext)

		page, err = s.ListTurns(context.Background(), chat.TurnQuery{ChatID: c.ID})
		require.NoError(t, err)
		require.Len(t, page.Items, 10)
		require.Equal(t, chat.DefaultPageLimit, page.Limit)
		require.False(t, page.HasPrev)
		require.False(t, page.HasNext)
	})

	t.Run("owner scope spans chats", func(t *testing.T) {
		s := newStore(t)
		seedChat(t, s, "owner-1", 1)
		seedChat(t, s, "owner-2", 1)
		seedChat(t, s, "owner-1", 1)

		page, err := s.ListTurns(context.Background(), chat.TurnQuery{OwnerID: "owner-1", Limit: 10})
		require.NoError(t, err)
		require.Equal(t, []int64{1, 2, 5, 6}, turnIDs(page.Items))
	})

	t.Run("invalid queries", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ListTurns(context.Background(), chat.TurnQuery{})
		require.Error(t, err)
		_, err = s.ListTurns(context.Background(), chat.TurnQuery{ChatID: "x", AfterID: ptr(1), BeforeID: ptr(2)})
		require.Error(t, err)
	})

	t.Run("turn pair ordering", func(t *testing.T) {
		s := newStore(t)
		c := seedChat(t, s, "owner-1", 0)

		user, assistant := insertPair(t, s, c, "hello")
		require.Equal(t, user.ID+1, assistant.ID)
		require.Equal(t, chat.StatusCompleted, user.Status)
		require.Equal(t, chat.StatusProcessing, assistant.Status)

		_, _, err := s.InsertTurnPair(context.Background(),
			chat.Turn{ChatID: "missing", OwnerID: "owner-1", Speaker: chat.SpeakerUser, Status: chat.StatusCompleted},
			chat.Turn{ChatID: "missing", OwnerID: "owner-1", Speaker: chat.SpeakerAssistant, Status: chat.StatusProcessing},
		)
		require.True(t, errors.Is(err, ErrNotFound))

		got, err := s.GetChat(context.Background(), c.ID)
		require.NoError(t, err)
		require.Equal(t, 2, got.Stats.TurnCount)
	})

	t.Run("finalize once", func(t *testing.T) {
		s := newStore(t)
		c := seedChat(t, s, "owner-1", 0)
		user, assistant := insertPair(t, s, c, "I goed to school")

		done, err := s.CompleteTurn(context.Background(), assistant.ID, chat.Completion{
			Content:    chat.Content{Text: "You went to school!", Translation: "你去上学了！"},
			Metrics:    &chat.Metrics{DurationMs: 1200},
			UserTurnID: user.ID,
			UserIssues: []chat.Issue{{Type: chat.IssueGrammar, Original: "goed", Suggested: "went"}},
		})
		require.NoError(t, err)
		require.Equal(t, chat.StatusCompleted, done.Status)
		require.NotNil(t, done.CompletedAt)
		require.Equal(t, "You went to school!", done.Content.Text)
		require.Equal(t, int64(1200), done.Metrics.DurationMs)

		_, err = s.FailTurn(context.Background(), assistant.ID, chat.ErrorCodeTimeout, "late")
		require.True(t, errors.Is(err, ErrTurnFinalized))
		_, err = s.CompleteTurn(context.Background(), assistant.ID, chat.Completion{})
		require.True(t, errors.Is(err, ErrTurnFinalized))
		_, err = s.FailTurn(context.Background(), 999, chat.ErrorCodeTimeout, "")
		require.True(t, errors.Is(err, ErrNotFound))

		stored, err := s.GetTurn(context.Background(), assistant.ID)
		require.NoError(t, err)
		require.Equal(t, chat.StatusCompleted, stored.Status)
		require.Empty(t, stored.ErrorCode)

		issues, err := s.ListIssuesByTurn(context.Background(), user.ID)
		require.NoError(t, err)
		require.Len(t, issues, 1)
		require.Equal(t, user.ID, issues[0].TurnID)
		require.Equal(t, chat.SeverityLow, issues[0].Severity)
		require.NotEmpty(t, issues[0].ID)

		storedUser, err := s.GetTurn(context.Background(), user.ID)
		require.NoError(t, err)
		require.Equal(t, 1, storedUser.IssueCount)

		got, err := s.GetChat(context.Background(), c.ID)
		require.NoError(t, err)
		require.Equal(t, 1, got.Stats.IssueCount)
		require.Equal(t, int64(1200), got.Stats.DurationMs)
	})

	t.Run("fail records code", func(t *testing.T) {
		s := newStore(t)
		c := seedChat(t, s, "owner-1", 0)
		_, assistant := insertPair(t, s, c, "hi")

		failed, err := s.FailTurn(context.Background(), assistant.ID, chat.ErrorCodeProducer, "boom")
		require.NoError(t, err)
		require.Equal(t, chat.StatusError, failed.Status)
		require.Equal(t, chat.ErrorCodeProducer, failed.ErrorCode)
		require.Equal(t, "boom", failed.ErrorDetail)
	})

	t.Run("delete turn removes its issues only", func(t *testing.T) {
		s := newStore(t)
		c := seedChat(t, s, "owner-1", 0)
		u1, _ := insertReviewedPair(t, s, c, "I goed home")
		u2, _ := insertReviewedPair(t, s, c, "He go home")

		got, err := s.GetChat(context.Background(), c.ID)
		require.NoError(t, err)
		require.Equal(t, 2, got.Stats.IssueCount)

		require.NoError(t, s.DeleteTurn(context.Background(), u1.ID))
		require.True(t, errors.Is(s.DeleteTurn(context.Background(), u1.ID), ErrNotFound))

		page, err := s.ListTurns(context.Background(), chat.TurnQuery{ChatID: c.ID})
		require.NoError(t, err)
		require.Equal(t, []int64{2, 3, 4}, turnIDs(page.Items))

		issues, err := s.ListIssuesByChat(context.Background(), c.ID)
		require.NoError(t, err)
		require.Len(t, issues, 1)
		require.Equal(t, u2.ID, issues[0].TurnID)

		issues, err = s.ListIssuesByTurn(context.Background(), u2.ID)
		require.NoError(t, err)
		require.Len(t, issues, 1)
		_, err = s.ListIssuesByTurn(context.Background(), u1.ID)
		require.True(t, errors.Is(err, ErrNotFound))

		got, err = s.GetChat(context.Background(), c.ID)
		require.NoError(t, err)
		require.Equal(t, 1, got.Stats.IssueCount)
		require.Equal(t, 3, got.Stats.TurnCount)

		user, _ := insertPair(t, s, c, "again")
		require.Equal(t, int64(5), user.ID)
	})

	t.Run("reset is idempotent", func(t *testing.T) {
		s := newStore(t)
		c := seedChat(t, s, "owner-1", 2)
		insertReviewedPair(t, s, c, "I goed home")

		require.NoError(t, s.ResetChat(context.Background(), c.ID))
		require.NoError(t, s.ResetChat(context.Background(), c.ID))

		page, err := s.ListTurns(context.Background(), chat.TurnQuery{ChatID: c.ID})
		require.NoError(t, err)
		require.Empty(t, page.Items)
		require.Zero(t, page.Total)

		issues, err := s.ListIssuesByChat(context.Background(), c.ID)
		require.NoError(t, err)
		require.Empty(t, issues)

		got, err := s.GetChat(context.Background(), c.ID)
		require.NoError(t, err)
		require.Equal(t, chat.Stats{}, got.Stats)

		require.True(t, errors.Is(s.ResetChat(context.Background(), "missing"), ErrNotFound))
	})

	t.Run("delete chats by owner", func(t *testing.T) {
		s := newStore(t)
		mine := seedChat(t, s, "owner-1", 1)
		theirs := seedChat(t, s, "owner-2", 1)
		insertReviewedPair(t, s, mine, "I goed home")
		insertReviewedPair(t, s, theirs, "She go home")

		require.NoError(t, s.DeleteChats(context.Background(), "owner-1"))
		require.NoError(t, s.DeleteChats(context.Background(), "owner-1"))

		_, err := s.GetChat(context.Background(), mine.ID)
		require.True(t, errors.Is(err, ErrNotFound))
		_, err = s.GetChat(context.Background(), theirs.ID)
		require.NoError(t, err)

		chats, err := s.ListChats(context.Background(), "owner-1")
		require.NoError(t, err)
		require.Empty(t, chats)

		issues, err := s.ListIssuesByChat(context.Background(), mine.ID)
		require.NoError(t, err)
		require.Empty(t, issues)
		issues, err = s.ListIssuesByChat(context.Background(), theirs.ID)
		require.NoError(t, err)
		require.Len(t, issues, 1)

		page, err := s.ListTurns(context.Background(), chat.TurnQuery{OwnerID: "owner-1"})
		require.NoError(t, err)
		require.Empty(t, page.Items)
	})

	t.Run("page agrees with itself under concurrent inserts", func(t *testing.T) {
		s := newStore(t)
		c := seedChat(t, s, "owner-1", 3)

		const pairs = 30
		done := make(chan error, 1)
		go func() {
			for i := 0; i < pairs; i++ {
				_, _, err := s.InsertTurnPair(context.Background(),
					chat.Turn{ChatID: c.ID, OwnerID: c.OwnerID, Speaker: chat.SpeakerUser, Status: chat.StatusCompleted},
					chat.Turn{ChatID: c.ID, OwnerID: c.OwnerID, Speaker: chat.SpeakerAssistant, Status: chat.StatusProcessing},
				)
				if err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()

		for finished := false; !finished; {
			select {
			case err := <-done:
				require.NoError(t, err)
				finished = true
			default:
			}
			page, err := s.ListTurns(context.Background(), chat.TurnQuery{ChatID: c.ID, Limit: 5, FromLatest: true})
			require.NoError(t, err)
			require.Len(t, page.Items, 5)
			require.False(t, page.HasNext)
			require.Equal(t, page.Total > len(page.Items), page.HasPrev)
			require.Equal(t, int64(page.Total), *page.LastID)
		}

		page, err := s.ListTurns(context.Background(), chat.TurnQuery{ChatID: c.ID, Limit: 5, FromLatest: true})
		require.NoError(t, err)
		require.Equal(t, 6+2*pairs, page.Total)
	})

	t.Run("recent turns", func(t *testing.T) {
		s := newStore(t)
		c := seedChat(t, s, "owner-1", 3)

		recent, err := s.RecentTurns(context.Background(), c.ID, 4)
		require.NoError(t, err)
		require.Equal(t, []int64{3, 4, 5, 6}, turnIDs(recent))
	})
}

func seedChat(t *testing.T, s Store, ownerID string, pairs int) chat.Chat {
	t.Helper()
	c, err := s.CreateChat(context.Background(), chat.Chat{OwnerID: ownerID, Language: "en"})
	require.NoError(t, err)
	for i := 0; i < pairs; i++ {
		insertPair(t, s, c, "turn")
	}
	return c
}

func insertPair(t *testing.T, s Store, c chat.Chat, text string) (chat.Turn, chat.Turn) {
	t.Helper()
	user, assistant, err := s.InsertTurnPair(context.Background(),
		chat.Turn{ChatID: c.ID, OwnerID: c.OwnerID, Speaker: chat.SpeakerUser, Language: c.Language,
			Content: chat.Content{Text: text}, Status: chat.StatusCompleted},
		chat.Turn{ChatID: c.ID, OwnerID: c.OwnerID, Speaker: chat.SpeakerAssistant, Language: c.Language,
			Status: chat.StatusProcessing},
	)
	require.NoError(t, err)
	return user, assistant
}

// insertReviewedPair inserts a pair and completes it with one grammar issue
// on the user turn.
func insertReviewedPair(t *testing.T, s Store, c chat.Chat, text string) (chat.Turn, chat.Turn) {
	t.Helper()
	user, assistant := insertPair(t, s, c, text)
	done, err := s.CompleteTurn(context.Background(), assistant.ID, chat.Completion{
		Content:    chat.Content{Text: "ok"},
		UserTurnID: user.ID,
		UserIssues: []chat.Issue{{Type: chat.IssueGrammar, Original: text, Suggested: text + "!"}},
	})
	require.NoError(t, err)
	return user, done
}

func turnIDs(items []chat.Turn) []int64 {
	out := make([]int64, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func ptr(v int64) *int64 { return &v }
