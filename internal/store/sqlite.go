package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

// SQLiteStore persists chats, turns and issues in a SQLite database.
// Turn ids come from an AUTOINCREMENT key so they are never reused.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteDSNForFile builds a DSN with WAL, a busy timeout, foreign keys and
// immediate write transactions.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path), nil
}

// NewSQLiteStore opens the database and applies the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			scenario_id TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			issue_count INTEGER NOT NULL DEFAULT 0,
			turn_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			owner_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			content_text TEXT NOT NULL DEFAULT '',
			content_translation TEXT NOT NULL DEFAULT '',
			audio_url TEXT NOT NULL DEFAULT '',
			metrics_json TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			error_detail TEXT NOT NULL DEFAULT '',
			issue_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS issues (
			id TEXT PRIMARY KEY,
			turn_id INTEGER NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
			chat_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			type TEXT NOT NULL,
			original TEXT NOT NULL DEFAULT '',
			suggested TEXT NOT NULL DEFAULT '',
			explanation TEXT NOT NULL DEFAULT '',
			explanation_native TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT 'low',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chats_by_owner ON chats(owner_id, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS turns_by_chat ON turns(chat_id, id);`,
		`CREATE INDEX IF NOT EXISTS turns_by_owner ON turns(owner_id, id);`,
		`CREATE INDEX IF NOT EXISTS issues_by_turn ON issues(turn_id);`,
		`CREATE INDEX IF NOT EXISTS issues_by_chat ON issues(chat_id, turn_id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

const chatColumns = `id, owner_id, title, scenario_id, language, duration_ms, issue_count, turn_count, created_at_ms, updated_at_ms`

const turnColumns = `id, chat_id, owner_id, speaker, language, content_text, content_translation, audio_url,
	metrics_json, status, error_code, error_detail, issue_count, created_at_ms, completed_at_ms`

const issueColumns = `id, turn_id, chat_id, owner_id, type, original, suggested, explanation, explanation_native, severity, created_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateChat inserts a chat row.
func (s *SQLiteStore) CreateChat(ctx context.Context, c chat.Chat) (chat.Chat, error) {
	if c.OwnerID == "" {
		return chat.Chat{}, errors.New("sqlite store: chat owner is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Title, c.ScenarioID, c.Language,
		c.Stats.DurationMs, c.Stats.IssueCount, c.Stats.TurnCount,
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return chat.Chat{}, errors.Wrap(err, "sqlite store: insert chat")
	}
	return c, nil
}

// GetChat loads a chat row.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (chat.Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Chat{}, ErrNotFound
	}
	if err != nil {
		return chat.Chat{}, errors.Wrap(err, "sqlite store: get chat")
	}
	return c, nil
}

// ListChats lists an owner's chats, newest first.
func (s *SQLiteStore) ListChats(ctx context.Context, ownerID string) ([]chat.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE owner_id = ?
		ORDER BY created_at_ms DESC, id`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list chats")
	}
	defer func() { _ = rows.Close() }()

	out := make([]chat.Chat, 0)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan chat")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "sqlite store: list chats")
}

// InsertTurnPair writes both turns in one transaction.
func (s *SQLiteStore) InsertTurnPair(ctx context.Context, user, assistant chat.Turn) (chat.Turn, chat.Turn, error) {
	if assistant.ChatID != user.ChatID {
		return chat.Turn{}, chat.Turn{}, errors.New("sqlite store: turn pair spans chats")
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE chats SET turn_count = turn_count + 2, updated_at_ms = ?
			WHERE id = ?`, now.UnixMilli(), user.ChatID)
		if err != nil {
			return errors.Wrap(err, "sqlite store: touch chat")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if user, err = insertTurn(ctx, tx, user, now); err != nil {
			return err
		}
		assistant, err = insertTurn(ctx, tx, assistant, now)
		return err
	})
	if err != nil {
		return chat.Turn{}, chat.Turn{}, err
	}
	return user, assistant, nil
}

func insertTurn(ctx context.Context, tx *sql.Tx, t chat.Turn, now time.Time) (chat.Turn, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	metrics, err := encodeMetrics(t.Metrics)
	if err != nil {
		return chat.Turn{}, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO turns (chat_id, owner_id, speaker, language, content_text, content_translation,
			audio_url, metrics_json, status, error_code, error_detail, issue_count, created_at_ms, completed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ChatID, t.OwnerID, string(t.Speaker), t.Language, t.Content.Text, t.Content.Translation,
		t.AudioURL, metrics, string(t.Status), t.ErrorCode, t.ErrorDetail, t.IssueCount,
		t.CreatedAt.UnixMilli(), timeToMs(t.CompletedAt),
	)
	if err != nil {
		return chat.Turn{}, errors.Wrap(err, "sqlite store: insert turn")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Turn{}, errors.Wrap(err, "sqlite store: turn id")
	}
	t.ID = id
	return t, nil
}

// GetTurn loads a turn row.
func (s *SQLiteStore) GetTurn(ctx context.Context, id int64) (chat.Turn, error) {
	return getTurn(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type querier interface {
	queryRower
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getTurn(ctx context.Context, q queryRower, id int64) (chat.Turn, error) {
	row := q.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Turn{}, ErrNotFound
	}
	if err != nil {
		return chat.Turn{}, errors.Wrap(err, "sqlite store: get turn")
	}
	return t, nil
}

// RecentTurns returns the newest turns of a chat in ascending order.
func (s *SQLiteStore) RecentTurns(ctx context.Context, chatID string, limit int) ([]chat.Turn, error) {
	if limit <= 0 {
		limit = chat.MaxPageLimit
	}
	items, err := queryTurns(ctx, s.db, `
		SELECT `+turnColumns+` FROM turns
		WHERE chat_id = ?
		ORDER BY id DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	reverseTurns(items)
	return items, nil
}

// CompleteTurn finalizes a processing turn and writes the user-turn issues.
func (s *SQLiteStore) CompleteTurn(ctx context.Context, id int64, c chat.Completion) (chat.Turn, error) {
	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	metrics, err := encodeMetrics(c.Metrics)
	if err != nil {
		return chat.Turn{}, err
	}

	var out chat.Turn
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE turns
			SET content_text = ?, content_translation = ?, audio_url = ?, metrics_json = ?,
				status = ?, completed_at_ms = ?
			WHERE id = ? AND status = ?`,
			c.Content.Text, c.Content.Translation, c.AudioURL, metrics,
			string(chat.StatusCompleted), completedAt.UnixMilli(),
			id, string(chat.StatusProcessing),
		)
		if err != nil {
			return errors.Wrap(err, "sqlite store: complete turn")
		}
		if err := ensureTransitioned(ctx, tx, res, id); err != nil {
			return err
		}

		added, err := insertIssues(ctx, tx, c.UserTurnID, c.UserIssues, completedAt)
		if err != nil {
			return err
		}

		if out, err = getTurn(ctx, tx, id); err != nil {
			return err
		}
		var duration int64
		if c.Metrics != nil {
			duration = c.Metrics.DurationMs
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE chats
			SET duration_ms = duration_ms + ?, issue_count = issue_count + ?, updated_at_ms = ?
			WHERE id = ?`, duration, added, completedAt.UnixMilli(), out.ChatID)
		return errors.Wrap(err, "sqlite store: update chat stats")
	})
	if err != nil {
		return chat.Turn{}, err
	}
	return out, nil
}

func insertIssues(ctx context.Context, tx *sql.Tx, userTurnID int64, issues []chat.Issue, createdAt time.Time) (int, error) {
	if len(issues) == 0 {
		return 0, nil
	}
	user, err := getTurn(ctx, tx, userTurnID)
	if errors.Is(err, ErrNotFound) {
		// the user turn was deleted while the reply was being produced
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	for _, issue := range issues {
		issue = prepareIssue(issue, user, createdAt)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO issues (`+issueColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			issue.ID, issue.TurnID, issue.ChatID, issue.OwnerID, string(issue.Type),
			issue.Original, issue.Suggested, issue.Explanation, issue.ExplanationNative,
			string(issue.Severity), issue.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return 0, errors.Wrap(err, "sqlite store: insert issue")
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE turns SET issue_count = issue_count + ? WHERE id = ?`, len(issues), user.ID); err != nil {
		return 0, errors.Wrap(err, "sqlite store: update issue count")
	}
	return len(issues), nil
}

// FailTurn records a production failure on a processing turn.
func (s *SQLiteStore) FailTurn(ctx context.Context, id int64, code, detail string) (chat.Turn, error) {
	var out chat.Turn
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE turns SET status = ?, error_code = ?, error_detail = ?, completed_at_ms = ?
			WHERE id = ? AND status = ?`,
			string(chat.StatusError), code, detail, time.Now().UTC().UnixMilli(),
			id, string(chat.StatusProcessing),
		)
		if err != nil {
			return errors.Wrap(err, "sqlite store: fail turn")
		}
		if err := ensureTransitioned(ctx, tx, res, id); err != nil {
			return err
		}
		out, err = getTurn(ctx, tx, id)
		return err
	})
	if err != nil {
		return chat.Turn{}, err
	}
	return out, nil
}

// ensureTransitioned tells apart a missing turn from one that already left processing.
func ensureTransitioned(ctx context.Context, tx *sql.Tx, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite store: rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := getTurn(ctx, tx, id); err != nil {
		return err
	}
	return ErrTurnFinalized
}

// ListTurns serves one ascending page of turns for a chat or an owner.
func (s *SQLiteStore) ListTurns(ctx context.Context, q chat.TurnQuery) (chat.TurnPage, error) {
	if err := validateQuery(q); err != nil {
		return chat.TurnPage{}, err
	}
	limit := chat.ClampLimit(q.Limit)

	filter, arg := "chat_id = ?", any(q.ChatID)
	if q.ChatID == "" {
		filter, arg = "owner_id = ?", any(q.OwnerID)
	}

	var page chat.TurnPage
	err := s.withReadTx(ctx, func(db querier) error {
		var err error
		page, err = listTurnsPage(ctx, db, filter, arg, q, limit)
		return err
	})
	return page, err
}

// listTurnsPage runs the count, the window and both existence checks on one
// snapshot so total and the flags agree with items.
func listTurnsPage(ctx context.Context, db querier, filter string, arg any, q chat.TurnQuery, limit int) (chat.TurnPage, error) {
	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM turns WHERE `+filter, arg).Scan(&total); err != nil {
		return chat.TurnPage{}, errors.Wrap(err, "sqlite store: count turns")
	}

	var (
		items    []chat.Turn
		err      error
		reversed bool
	)
	base := `SELECT ` + turnColumns + ` FROM turns WHERE ` + filter
	switch {
	case q.AfterID != nil:
		items, err = queryTurns(ctx, db, base+` AND id > ? ORDER BY id ASC LIMIT ?`, arg, *q.AfterID, limit)
	case q.BeforeID != nil:
		items, err = queryTurns(ctx, db, base+` AND id < ? ORDER BY id DESC LIMIT ?`, arg, *q.BeforeID, limit)
		reversed = true
	case q.FromLatest:
		items, err = queryTurns(ctx, db, base+` ORDER BY id DESC LIMIT ?`, arg, limit)
		reversed = true
	default:
		items, err = queryTurns(ctx, db, base+` ORDER BY id ASC LIMIT ?`, arg, limit)
	}
	if err != nil {
		return chat.TurnPage{}, err
	}
	if reversed {
		reverseTurns(items)
	}
	if len(items) == 0 {
		return chat.NewTurnPage(nil, total, limit, false, false), nil
	}

	hasPrev, err := exists(ctx, db, `SELECT EXISTS(SELECT 1 FROM turns WHERE `+filter+` AND id < ?)`, arg, items[0].ID)
	if err != nil {
		return chat.TurnPage{}, err
	}
	hasNext, err := exists(ctx, db, `SELECT EXISTS(SELECT 1 FROM turns WHERE `+filter+` AND id > ?)`, arg, items[len(items)-1].ID)
	if err != nil {
		return chat.TurnPage{}, err
	}
	return chat.NewTurnPage(items, total, limit, hasPrev, hasNext), nil
}

func exists(ctx context.Context, db queryRower, query string, args ...any) (bool, error) {
	var found bool
	if err := db.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		return false, errors.Wrap(err, "sqlite store: exists")
	}
	return found, nil
}

// DeleteTurn removes one turn and its issues.
func (s *SQLiteStore) DeleteTurn(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTurn(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE turn_id = ?`, id); err != nil {
			return errors.Wrap(err, "sqlite store: delete issues")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE id = ?`, id); err != nil {
			return errors.Wrap(err, "sqlite store: delete turn")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE chats
			SET turn_count = MAX(turn_count - 1, 0), issue_count = MAX(issue_count - ?, 0), updated_at_ms = ?
			WHERE id = ?`, t.IssueCount, time.Now().UTC().UnixMilli(), t.ChatID)
		return errors.Wrap(err, "sqlite store: update chat stats")
	})
}

// ResetChat clears a chat's turns and issues; the chat row stays.
func (s *SQLiteStore) ResetChat(ctx context.Context, chatID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE chats SET duration_ms = 0, issue_count = 0, turn_count = 0, updated_at_ms = ?
			WHERE id = ?`, time.Now().UTC().UnixMilli(), chatID)
		if err != nil {
			return errors.Wrap(err, "sqlite store: reset chat")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE chat_id = ?`, chatID); err != nil {
			return errors.Wrap(err, "sqlite store: reset issues")
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE chat_id = ?`, chatID)
		return errors.Wrap(err, "sqlite store: reset turns")
	})
}

// DeleteChats removes an owner's chats, turns and issues.
func (s *SQLiteStore) DeleteChats(ctx context.Context, ownerID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM issues WHERE owner_id = ?`,
			`DELETE FROM turns WHERE owner_id = ?`,
			`DELETE FROM chats WHERE owner_id = ?`,
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st, ownerID); err != nil {
				return errors.Wrap(err, "sqlite store: delete chats")
			}
		}
		return nil
	})
}

// ListIssuesByChat returns a chat's issues ordered by turn.
func (s *SQLiteStore) ListIssuesByChat(ctx context.Context, chatID string) ([]chat.Issue, error) {
	return s.queryIssues(ctx, `SELECT `+issueColumns+` FROM issues WHERE chat_id = ? ORDER BY turn_id, created_at_ms, id`, chatID)
}

// ListIssuesByTurn returns the issues of one turn.
func (s *SQLiteStore) ListIssuesByTurn(ctx context.Context, turnID int64) ([]chat.Issue, error) {
	if _, err := s.GetTurn(ctx, turnID); err != nil {
		return nil, err
	}
	return s.queryIssues(ctx, `SELECT `+issueColumns+` FROM issues WHERE turn_id = ? ORDER BY created_at_ms, id`, turnID)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite store: commit")
	}
	committed = true
	return nil
}

// withReadTx runs fn inside a deferred transaction on one connection, so all
// statements read the same WAL snapshot. BeginTx is not used here because
// the DSN sets _txlock=immediate, which would take the write lock.
func (s *SQLiteStore) withReadTx(ctx context.Context, fn func(db querier) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "sqlite store: conn")
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `BEGIN DEFERRED`); err != nil {
		return errors.Wrap(err, "sqlite store: begin read")
	}
	fnErr := fn(conn)
	// ctx may be done by now; the transaction still has to end
	if _, err := conn.ExecContext(context.Background(), `COMMIT`); err != nil {
		_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
		if fnErr == nil {
			return errors.Wrap(err, "sqlite store: end read")
		}
	}
	return fnErr
}

func queryTurns(ctx context.Context, db querier, query string, args ...any) ([]chat.Turn, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: query turns")
	}
	defer func() { _ = rows.Close() }()

	out := make([]chat.Turn, 0)
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan turn")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: query turns")
	}
	return out, nil
}

func (s *SQLiteStore) queryIssues(ctx context.Context, query string, args ...any) ([]chat.Issue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: query issues")
	}
	defer func() { _ = rows.Close() }()

	out := make([]chat.Issue, 0)
	for rows.Next() {
		var (
			issue          chat.Issue
			issueType, sev string
			createdAtMs    int64
		)
		if err := rows.Scan(&issue.ID, &issue.TurnID, &issue.ChatID, &issue.OwnerID, &issueType,
			&issue.Original, &issue.Suggested, &issue.Explanation, &issue.ExplanationNative,
			&sev, &createdAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan issue")
		}
		issue.Type = chat.IssueType(issueType)
		issue.Severity = chat.Severity(sev)
		issue.CreatedAt = time.UnixMilli(createdAtMs).UTC()
		out = append(out, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: query issues")
	}
	return out, nil
}

func scanChat(row rowScanner) (chat.Chat, error) {
	var (
		c                      chat.Chat
		createdAtMs, updatedMs int64
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.ScenarioID, &c.Language,
		&c.Stats.DurationMs, &c.Stats.IssueCount, &c.Stats.TurnCount, &createdAtMs, &updatedMs)
	if err != nil {
		return chat.Chat{}, err
	}
	c.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	c.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return c, nil
}

func scanTurn(row rowScanner) (chat.Turn, error) {
	var (
		t                          chat.Turn
		speaker, status, metrics   string
		createdAtMs, completedAtMs int64
	)
	err := row.Scan(&t.ID, &t.ChatID, &t.OwnerID, &speaker, &t.Language, &t.Content.Text,
		&t.Content.Translation, &t.AudioURL, &metrics, &status, &t.ErrorCode, &t.ErrorDetail,
		&t.IssueCount, &createdAtMs, &completedAtMs)
	if err != nil {
		return chat.Turn{}, err
	}
	t.Speaker = chat.Speaker(speaker)
	t.Status = chat.Status(status)
	t.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	if completedAtMs > 0 {
		completedAt := time.UnixMilli(completedAtMs).UTC()
		t.CompletedAt = &completedAt
	}
	if metrics != "" {
		t.Metrics = &chat.Metrics{}
		if err := json.Unmarshal([]byte(metrics), t.Metrics); err != nil {
			return chat.Turn{}, errors.Wrap(err, "decode metrics")
		}
	}
	return t, nil
}

func encodeMetrics(m *chat.Metrics) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "sqlite store: encode metrics")
	}
	return string(data), nil
}

func timeToMs(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func reverseTurns(items []chat.Turn) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
