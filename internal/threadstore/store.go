package threadstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Message status values.
const (
	StatusPlaceholder = "placeholder"
	StatusComplete    = "complete"
	StatusPartial     = "partial"
	StatusFailed      = "failed"
)

var ErrNotFound = errors.New("not found")

// Store is a SQLite-backed persistence layer for chat threads and messages.
//
// Notes:
// - Threads are scoped by user_id; messages are reached through their thread.
// - WAL is enabled so history reads do not wait on a finalizing turn.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if p != ":memory:" {
		p = filepath.Clean(p)
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

type Thread struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	ModelID  string `json:"model_id"`
	Title    string `json:"title"`

	CreatedAtUnixMs     int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64  `json:"updated_at_unix_ms"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
}

type Message struct {
	ID        int64  `json:"id"`
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	ModelID   string `json:"model_id,omitempty"`
	Status    string `json:"status"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`

	TextContent string `json:"text_content"`
}

type ThreadsCursor struct {
	UpdatedAtUnixMs int64
	ThreadID        string
}

// EncodeCursor encodes a cursor as a URL-safe base64 string.
func EncodeCursor(c ThreadsCursor) string {
	if c.UpdatedAtUnixMs <= 0 || strings.TrimSpace(c.ThreadID) == "" {
		return ""
	}
	raw := fmt.Sprintf("%d:%s", c.UpdatedAtUnixMs, strings.TrimSpace(c.ThreadID))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(raw string) (ThreadsCursor, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ThreadsCursor{}, true
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return ThreadsCursor{}, false
	}
	msPart, id, ok := strings.Cut(string(b), ":")
	if !ok {
		return ThreadsCursor{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(msPart), 10, 64)
	if err != nil || ms <= 0 {
		return ThreadsCursor{}, false
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ThreadsCursor{}, false
	}
	return ThreadsCursor{UpdatedAtUnixMs: ms, ThreadID: id}, true
}

const threadColumns = `thread_id, user_id, model_id, title,
  created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms, last_message_preview`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(r rowScanner) (Thread, error) {
	var t Thread
	err := r.Scan(
		&t.ThreadID,
		&t.UserID,
		&t.ModelID,
		&t.Title,
		&t.CreatedAtUnixMs,
		&t.UpdatedAtUnixMs,
		&t.LastMessageAtUnixMs,
		&t.LastMessagePreview,
	)
	return t, err
}

// ListThreads returns a user's threads, most recently updated first.
func (s *Store) ListThreads(ctx context.Context, userID string, limit int, cursor ThreadsCursor) ([]Thread, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, "", errors.New("missing user_id")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	args := []any{userID}
	where := ""
	if cursor.UpdatedAtUnixMs > 0 && strings.TrimSpace(cursor.ThreadID) != "" {
		where = "AND (updated_at_unix_ms < ? OR (updated_at_unix_ms = ? AND thread_id < ?))"
		args = append(args, cursor.UpdatedAtUnixMs, cursor.UpdatedAtUnixMs, strings.TrimSpace(cursor.ThreadID))
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
SELECT %s
FROM chat_threads
WHERE user_id = ?
%s
ORDER BY updated_at_unix_ms DESC, thread_id DESC
LIMIT ?
`, threadColumns, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Thread, 0, limit)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) == limit {
		last := out[len(out)-1]
		next = EncodeCursor(ThreadsCursor{UpdatedAtUnixMs: last.UpdatedAtUnixMs, ThreadID: last.ThreadID})
	}
	return out, next, nil
}

// GetThread returns nil, nil when the thread does not exist for userID.
func (s *Store) GetThread(ctx context.Context, userID string, threadID string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return nil, errors.New("invalid request")
	}

	t, err := scanThread(s.db.QueryRowContext(ctx, `
SELECT `+threadColumns+`
FROM chat_threads
WHERE user_id = ? AND thread_id = ?
`, userID, threadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateThread(ctx context.Context, t Thread) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.ThreadID = strings.TrimSpace(t.ThreadID)
	t.UserID = strings.TrimSpace(t.UserID)
	t.ModelID = strings.TrimSpace(t.ModelID)
	t.Title = BuildTitle(t.Title)
	if t.ThreadID == "" || t.UserID == "" {
		return errors.New("invalid thread")
	}

	now := time.Now().UnixMilli()
	if t.CreatedAtUnixMs <= 0 {
		t.CreatedAtUnixMs = now
	}
	if t.UpdatedAtUnixMs <= 0 {
		t.UpdatedAtUnixMs = t.CreatedAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_threads(`+threadColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`,
		t.ThreadID,
		t.UserID,
		t.ModelID,
		t.Title,
		t.CreatedAtUnixMs,
		t.UpdatedAtUnixMs,
		t.LastMessageAtUnixMs,
		t.LastMessagePreview,
	)
	return err
}

// CreateMessage inserts a message row and updates the thread's preview.
func (s *Store) CreateMessage(ctx context.Context, m Message) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.ThreadID = strings.TrimSpace(m.ThreadID)
	m.MessageID = strings.TrimSpace(m.MessageID)
	m.Role = strings.TrimSpace(m.Role)
	m.ModelID = strings.TrimSpace(m.ModelID)
	m.Status = normalizeStatus(m.Status)
	if m.ThreadID == "" || m.MessageID == "" || m.Role == "" {
		return 0, errors.New("invalid message")
	}

	now := time.Now().UnixMilli()
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = now
	}
	if m.UpdatedAtUnixMs <= 0 {
		m.UpdatedAtUnixMs = m.CreatedAtUnixMs
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM chat_threads WHERE thread_id = ?`, m.ThreadID).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, fmt.Errorf("thread %s: %w", m.ThreadID, ErrNotFound)
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages(
  thread_id, message_id, role, model_id, status,
  created_at_unix_ms, updated_at_unix_ms, text_content
) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`,
		m.ThreadID,
		m.MessageID,
		m.Role,
		m.ModelID,
		m.Status,
		m.CreatedAtUnixMs,
		m.UpdatedAtUnixMs,
		m.TextContent,
	)
	if err != nil {
		return 0, err
	}
	rowID, _ := res.LastInsertId()

	if preview := buildPreview(m.TextContent); preview != "" {
		if _, err := tx.ExecContext(ctx, `
UPDATE chat_threads
SET updated_at_unix_ms = ?,
    last_message_at_unix_ms = ?,
    last_message_preview = ?
WHERE thread_id = ?
`, m.UpdatedAtUnixMs, m.CreatedAtUnixMs, preview, m.ThreadID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rowID, nil
}

// UpdateMessageContent replaces a message's text and status. An empty modelID
// keeps the stored one.
func (s *Store) UpdateMessageContent(ctx context.Context, threadID string, messageID string, text string, status string, modelID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	messageID = strings.TrimSpace(messageID)
	if threadID == "" || messageID == "" {
		return errors.New("invalid request")
	}
	modelID = strings.TrimSpace(modelID)

	res, err := s.db.ExecContext(ctx, `
UPDATE chat_messages
SET text_content = ?,
    status = ?,
    model_id = CASE WHEN ? = '' THEN model_id ELSE ? END,
    updated_at_unix_ms = ?
WHERE thread_id = ? AND message_id = ?
`, text, normalizeStatus(status), modelID, modelID, time.Now().UnixMilli(), threadID, messageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return nil
}

// TouchThread bumps updated_at and, when preview is non-empty, the preview.
func (s *Store) TouchThread(ctx context.Context, threadID string, preview string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("invalid request")
	}
	now := time.Now().UnixMilli()
	preview = buildPreview(preview)

	var res sql.Result
	var err error
	if preview == "" {
		res, err = s.db.ExecContext(ctx, `UPDATE chat_threads SET updated_at_unix_ms = ? WHERE thread_id = ?`, now, threadID)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE chat_threads
SET updated_at_unix_ms = ?,
    last_message_at_unix_ms = ?,
    last_message_preview = ?
WHERE thread_id = ?
`, now, now, preview, threadID)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	return nil
}

const messageColumns = `id, thread_id, message_id, role, model_id, status,
  created_at_unix_ms, updated_at_unix_ms, text_content`

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	err := r.Scan(
		&m.ID,
		&m.ThreadID,
		&m.MessageID,
		&m.Role,
		&m.ModelID,
		&m.Status,
		&m.CreatedAtUnixMs,
		&m.UpdatedAtUnixMs,
		&m.TextContent,
	)
	return m, err
}

// GetMessage returns nil, nil when the message does not exist.
func (s *Store) GetMessage(ctx context.Context, threadID string, messageID string) (*Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
SELECT `+messageColumns+`
FROM chat_messages
WHERE thread_id = ? AND message_id = ?
`, strings.TrimSpace(threadID), strings.TrimSpace(messageID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// ReplyTo returns the assistant message stored right after the message
// messageID. It returns nil, nil when there is no such row or the next row is
// not an assistant reply.
func (s *Store) ReplyTo(ctx context.Context, threadID string, messageID string) (*Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	messageID = strings.TrimSpace(messageID)
	if threadID == "" || messageID == "" {
		return nil, errors.New("invalid request")
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
SELECT `+messageColumns+`
FROM chat_messages
WHERE thread_id = ?
  AND id > (SELECT id FROM chat_messages WHERE thread_id = ? AND message_id = ?)
ORDER BY id ASC
LIMIT 1
`, threadID, threadID, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if m.Role != "assistant" {
		return nil, nil
	}
	return &m, nil
}

// ListMessages returns messages in ascending creation order.
//
// If beforeID <= 0, it returns the latest messages. Otherwise, it returns messages with id < beforeID.
// The returned nextBeforeID is the smallest id in the result (for loading older history).
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int, beforeID int64) ([]Message, int64, bool, error) {
	if s == nil || s.db == nil {
		return nil, 0, false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, 0, false, errors.New("invalid request")
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 500 {
		limit = 500
	}

	args := []any{threadID}
	where := ""
	if beforeID > 0 {
		where = "AND id < ?"
		args = append(args, beforeID)
	}
	// One extra row tells whether older history exists.
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT %s
FROM chat_messages
WHERE thread_id = ?
%s
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT ?
`, messageColumns, where), args...)
	if err != nil {
		return nil, 0, false, err
	}
	defer rows.Close()

	desc := make([]Message, 0, limit+1)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, false, err
		}
		desc = append(desc, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, err
	}

	hasMore := len(desc) > limit
	if hasMore {
		desc = desc[:limit]
	}
	out := make([]Message, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		out = append(out, desc[i])
	}
	var next int64
	if len(out) > 0 {
		next = out[0].ID
	}
	return out, next, hasMore, nil
}

// RecentMessages returns up to n of the latest messages in ascending order,
// skipping placeholder rows that never received content.
func (s *Store) RecentMessages(ctx context.Context, threadID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, _, _, err := s.ListMessages(ctx, threadID, n+1, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Status == StatusPlaceholder && strings.TrimSpace(m.TextContent) == "" {
			continue
		}
		out = append(out, m)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS chat_threads (
  thread_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  model_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_message_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_chat_threads_user_updated ON chat_threads(user_id, updated_at_unix_ms DESC, thread_id DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  role TEXT NOT NULL,
  model_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  text_content TEXT NOT NULL DEFAULT '',
  UNIQUE(thread_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_thread ON chat_messages(thread_id, created_at_unix_ms, id);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusPlaceholder:
		return StatusPlaceholder
	case StatusPartial:
		return StatusPartial
	case StatusFailed:
		return StatusFailed
	default:
		return StatusComplete
	}
}

func buildPreview(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	// Single-line preview, capped.
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return truncateRunes(strings.TrimSpace(text), 160)
}

// BuildTitle derives a single-line thread title from the first user message.
func BuildTitle(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return truncateRunes(strings.TrimSpace(text), 48)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
