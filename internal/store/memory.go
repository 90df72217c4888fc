package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

// MemoryStore keeps chats and turns in process memory. Suitable for tests
// and single-instance development.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	chats  map[string]chat.Chat
	turns  map[int64]chat.Turn
	order  []int64 // ascending turn ids
	issues map[int64][]chat.Issue
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:  make(map[string]chat.Chat),
		turns:  make(map[int64]chat.Turn),
		issues: make(map[int64][]chat.Issue),
	}
}

func (s *MemoryStore) Close() error { return nil }

// CreateChat stores a new chat, assigning an id when missing.
func (s *MemoryStore) CreateChat(_ context.Context, c chat.Chat) (chat.Chat, error) {
	if c.OwnerID == "" {
		return chat.Chat{}, errors.New("store: chat owner is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chats[c.ID]; exists {
		return chat.Chat{}, errors.Errorf("store: chat %s already exists", c.ID)
	}
	s.chats[c.ID] = c
	return c, nil
}

// GetChat retrieves a chat by identifier.
func (s *MemoryStore) GetChat(_ context.Context, id string) (chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return chat.Chat{}, ErrNotFound
	}
	return c, nil
}

// ListChats returns an owner's chats, newest first.
func (s *MemoryStore) ListChats(_ context.Context, ownerID string) ([]chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Chat, 0)
	for _, c := range s.chats {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// InsertTurnPair appends the user turn and the assistant placeholder.
func (s *MemoryStore) InsertTurnPair(_ context.Context, user, assistant chat.Turn) (chat.Turn, chat.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[user.ChatID]
	if !ok || assistant.ChatID != user.ChatID {
		return chat.Turn{}, chat.Turn{}, ErrNotFound
	}

	now := time.Now().UTC()
	user = s.appendTurnLocked(user, now)
	assistant = s.appendTurnLocked(assistant, now)

	c.Stats.TurnCount += 2
	c.UpdatedAt = now
	s.chats[c.ID] = c
	return user, assistant, nil
}

func (s *MemoryStore) appendTurnLocked(t chat.Turn, now time.Time) chat.Turn {
	s.nextID++
	t.ID = s.nextID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	s.turns[t.ID] = t
	s.order = append(s.order, t.ID)
	return t
}

// GetTurn retrieves a turn by id.
func (s *MemoryStore) GetTurn(_ context.Context, id int64) (chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[id]
	if !ok {
		return chat.Turn{}, ErrNotFound
	}
	return t, nil
}

// RecentTurns returns the newest turns of a chat in ascending order.
func (s *MemoryStore) RecentTurns(_ context.Context, chatID string, limit int) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.filterLocked(func(t chat.Turn) bool { return t.ChatID == chatID })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// CompleteTurn finalizes a processing assistant turn and records the
// issues found in the user turn it answered.
func (s *MemoryStore) CompleteTurn(_ context.Context, id int64, c chat.Completion) (chat.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turns[id]
	if !ok {
		return chat.Turn{}, ErrNotFound
	}
	if t.Status != chat.StatusProcessing {
		return chat.Turn{}, ErrTurnFinalized
	}

	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	t.Content = c.Content
	t.AudioURL = c.AudioURL
	t.Metrics = c.Metrics
	t.Status = chat.StatusCompleted
	t.CompletedAt = &completedAt
	s.turns[id] = t

	added := 0
	if user, ok := s.turns[c.UserTurnID]; ok && len(c.UserIssues) > 0 {
		for _, issue := range c.UserIssues {
			issue = prepareIssue(issue, user, completedAt)
			s.issues[user.ID] = append(s.issues[user.ID], issue)
			added++
		}
		user.IssueCount += added
		s.turns[user.ID] = user
	}

	if ch, ok := s.chats[t.ChatID]; ok {
		if c.Metrics != nil {
			ch.Stats.DurationMs += c.Metrics.DurationMs
		}
		ch.Stats.IssueCount += added
		ch.UpdatedAt = completedAt
		s.chats[ch.ID] = ch
	}
	return t, nil
}

// FailTurn records a production failure on a processing turn.
func (s *MemoryStore) FailTurn(_ context.Context, id int64, code, detail string) (chat.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turns[id]
	if !ok {
		return chat.Turn{}, ErrNotFound
	}
	if t.Status != chat.StatusProcessing {
		return chat.Turn{}, ErrTurnFinalized
	}
	now := time.Now().UTC()
	t.Status = chat.StatusError
	t.ErrorCode = code
	t.ErrorDetail = detail
	t.CompletedAt = &now
	s.turns[id] = t
	return t, nil
}

// ListTurns serves one page of a chat's or an owner's history.
func (s *MemoryStore) ListTurns(_ context.Context, q chat.TurnQuery) (chat.TurnPage, error) {
	if err := validateQuery(q); err != nil {
		return chat.TurnPage{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.filterLocked(func(t chat.Turn) bool {
		if q.ChatID != "" {
			return t.ChatID == q.ChatID
		}
		return t.OwnerID == q.OwnerID
	})
	return windowTurns(all, q), nil
}

// DeleteTurn removes a turn and its issues. Surviving ids are untouched.
func (s *MemoryStore) DeleteTurn(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turns[id]
	if !ok {
		return ErrNotFound
	}
	s.removeTurnsLocked(func(candidate chat.Turn) bool { return candidate.ID == id })

	if ch, ok := s.chats[t.ChatID]; ok {
		ch.Stats.TurnCount = max(ch.Stats.TurnCount-1, 0)
		ch.Stats.IssueCount = max(ch.Stats.IssueCount-t.IssueCount, 0)
		ch.UpdatedAt = time.Now().UTC()
		s.chats[ch.ID] = ch
	}
	return nil
}

// ResetChat removes all turns and issues of a chat but keeps the chat.
func (s *MemoryStore) ResetChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	s.removeTurnsLocked(func(t chat.Turn) bool { return t.ChatID == chatID })
	ch.Stats = chat.Stats{}
	ch.UpdatedAt = time.Now().UTC()
	s.chats[chatID] = ch
	return nil
}

// DeleteChats removes every chat of an owner together with turns and issues.
func (s *MemoryStore) DeleteChats(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeTurnsLocked(func(t chat.Turn) bool { return t.OwnerID == ownerID })
	for id, c := range s.chats {
		if c.OwnerID == ownerID {
			delete(s.chats, id)
		}
	}
	return nil
}

// ListIssuesByChat returns the issues of a chat ordered by turn.
func (s *MemoryStore) ListIssuesByChat(_ context.Context, chatID string) ([]chat.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Issue, 0)
	for _, id := range s.order {
		if s.turns[id].ChatID != chatID {
			continue
		}
		out = append(out, s.issues[id]...)
	}
	return out, nil
}

// ListIssuesByTurn returns the issues attached to one turn.
func (s *MemoryStore) ListIssuesByTurn(_ context.Context, turnID int64) ([]chat.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.turns[turnID]; !ok {
		return nil, ErrNotFound
	}
	return append([]chat.Issue{}, s.issues[turnID]...), nil
}

func (s *MemoryStore) filterLocked(keep func(chat.Turn) bool) []chat.Turn {
	out := make([]chat.Turn, 0)
	for _, id := range s.order {
		if t := s.turns[id]; keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s *MemoryStore) removeTurnsLocked(drop func(chat.Turn) bool) {
	kept := s.order[:0]
	for _, id := range s.order {
		t := s.turns[id]
		if drop(t) {
			delete(s.turns, id)
			delete(s.issues, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func prepareIssue(issue chat.Issue, user chat.Turn, createdAt time.Time) chat.Issue {
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	issue.TurnID = user.ID
	issue.ChatID = user.ChatID
	issue.OwnerID = user.OwnerID
	if issue.Severity == "" {
		issue.Severity = chat.SeverityLow
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = createdAt
	}
	return issue
}
