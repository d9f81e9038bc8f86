// Package client is the Go SDK: a durable local outbox in front of the
// memory service, with trigger-driven flushing, retry, and dead-letter
// retention.
package client

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const outboxFile = "outbox.db"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		retry_count INTEGER NOT NULL DEFAULT 0,
		queued_ts INTEGER NOT NULL,
		last_attempt_ts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0,
		queued_ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_queue_conversation
		ON conversation_queue (conversation_id, id)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		last_error TEXT NOT NULL,
		dead_ts INTEGER NOT NULL
	)`,
}

// outbox is the embedded store behind the client. One file per install;
// safe for a single process.
type outbox struct {
	db *sql.DB
}

func openOutbox(dataDir string) (*outbox, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, outboxFile))
	if err != nil {
		return nil, errors.Wrap(err, "open outbox")
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent enqueue and flush.
	db.SetMaxOpenConns(1)

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "migrate outbox")
		}
	}
	return &outbox{db: db}, nil
}

func (o *outbox) Close() error {
	return o.db.Close()
}

// Config persistence, used for registration state.

func (o *outbox) getConfig(key string) (string, error) {
	var value string
	err := o.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "read config")
	}
	return value, nil
}

func (o *outbox) setConfig(key, value string) error {
	_, err := o.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Wrap(err, "write config")
}

func (o *outbox) deleteConfig(key string) error {
	_, err := o.db.Exec(`DELETE FROM config WHERE key = ?`, key)
	return errors.Wrap(err, "delete config")
}

// Memory outbox.

type memoryItem struct {
	ID         int64
	Content    string
	Metadata   map[string]string
	RetryCount int
	QueuedTs   int64
	LastError  string
}

func (o *outbox) enqueueMemory(content string, metadata map[string]string) (int64, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return 0, errors.Wrap(err, "marshal metadata")
	}
	if metadata == nil {
		meta = []byte("{}")
	}
	result, err := o.db.Exec(`
		INSERT INTO memory_queue (content, metadata, queued_ts)
		VALUES (?, ?, ?)`, content, string(meta), time.Now().Unix())
	if err != nil {
		return 0, errors.Wrap(err, "enqueue memory")
	}
	id, err := result.LastInsertId()
	return id, errors.Wrap(err, "memory local id")
}

// dueMemories returns queued memories whose backoff window has elapsed,
// oldest first.
func (o *outbox) dueMemories(limit int, due func(retryCount int, lastAttemptTs int64) bool) ([]memoryItem, error) {
	rows, err := o.db.Query(`
		SELECT id, content, metadata, retry_count, queued_ts, last_attempt_ts, last_error
		FROM memory_queue ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list memory queue")
	}
	defer rows.Close()

	var items []memoryItem
	for rows.Next() {
		var item memoryItem
		var meta string
		var lastAttempt int64
		if err := rows.Scan(&item.ID, &item.Content, &meta, &item.RetryCount, &item.QueuedTs, &lastAttempt, &item.LastError); err != nil {
			return nil, errors.Wrap(err, "scan memory item")
		}
		if !due(item.RetryCount, lastAttempt) {
			continue
		}
		if err := json.Unmarshal([]byte(meta), &item.Metadata); err != nil {
			item.Metadata = nil
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (o *outbox) deleteMemories(ids []int64) error {
	tx, err := o.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM memory_queue WHERE id = ?`, id); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "delete memory item")
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (o *outbox) bumpMemoryRetry(ids []int64, lastError string) error {
	now := time.Now().Unix()
	tx, err := o.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	for _, id := range ids {
		if _, err := tx.Exec(`
			UPDATE memory_queue
			SET retry_count = retry_count + 1, last_attempt_ts = ?, last_error = ?
			WHERE id = ?`, now, lastError, id); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "bump memory retry")
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// deadLetterMemories moves exhausted items out of the primary outbox in
// one transaction so nothing is dropped between the two writes.
func (o *outbox) deadLetterMemories(items []memoryItem, lastError string) error {
	now := time.Now().Unix()
	tx, err := o.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	for _, item := range items {
		payload, err := json.Marshal(map[string]any{"content": item.Content, "metadata": item.Metadata})
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, "marshal dead letter")
		}
		if _, err := tx.Exec(`
			INSERT INTO dead_letter_queue (kind, payload, retry_count, last_error, dead_ts)
			VALUES ('memory', ?, ?, ?, ?)`, string(payload), item.RetryCount, lastError, now); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "insert dead letter")
		}
		if _, err := tx.Exec(`DELETE FROM memory_queue WHERE id = ?`, item.ID); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "remove exhausted item")
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Conversation outbox.

type queuedMessage struct {
	ID       int64
	Role     string
	Content  string
	Tokens   int
	QueuedTs int64
}

func (o *outbox) appendMessage(conversationID, role, content string, tokens int) (int64, error) {
	result, err := o.db.Exec(`
		INSERT INTO conversation_queue (conversation_id, role, content, tokens, queued_ts)
		VALUES (?, ?, ?, ?, ?)`, conversationID, role, content, tokens, time.Now().Unix())
	if err != nil {
		return 0, errors.Wrap(err, "append message")
	}
	id, err := result.LastInsertId()
	return id, errors.Wrap(err, "message local id")
}

// segmentIDs lists distinct queued segments in first-queued order.
func (o *outbox) segmentIDs() ([]string, error) {
	rows, err := o.db.Query(`
		SELECT conversation_id FROM conversation_queue
		GROUP BY conversation_id ORDER BY MIN(id)`)
	if err != nil {
		return nil, errors.Wrap(err, "list segments")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan segment id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// segmentMessages returns a segment's messages in insertion order.
func (o *outbox) segmentMessages(conversationID string) ([]queuedMessage, error) {
	rows, err := o.db.Query(`
		SELECT id, role, content, tokens, queued_ts
		FROM conversation_queue WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "list segment messages")
	}
	defer rows.Close()

	var messages []queuedMessage
	for rows.Next() {
		var m queuedMessage
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Tokens, &m.QueuedTs); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (o *outbox) deleteSegment(conversationID string) error {
	_, err := o.db.Exec(`DELETE FROM conversation_queue WHERE conversation_id = ?`, conversationID)
	return errors.Wrap(err, "delete segment")
}

func (o *outbox) deadLetterSegment(conversationID string, messages []queuedMessage, retryCount int, lastError string) error {
	payload, err := json.Marshal(map[string]any{"conversation_id": conversationID, "messages": messages})
	if err != nil {
		return errors.Wrap(err, "marshal dead letter")
	}
	tx, err := o.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if _, err := tx.Exec(`
		INSERT INTO dead_letter_queue (kind, payload, retry_count, last_error, dead_ts)
		VALUES ('conversation', ?, ?, ?, ?)`, string(payload), retryCount, lastError, time.Now().Unix()); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "insert dead letter")
	}
	if _, err := tx.Exec(`DELETE FROM conversation_queue WHERE conversation_id = ?`, conversationID); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "remove exhausted segment")
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Dead letter maintenance.

type deadLetter struct {
	ID         int64
	Kind       string
	Payload    string
	RetryCount int
	LastError  string
	DeadTs     int64
}

func (o *outbox) listDeadLetters(limit int) ([]deadLetter, error) {
	rows, err := o.db.Query(`
		SELECT id, kind, payload, retry_count, last_error, dead_ts
		FROM dead_letter_queue ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list dead letters")
	}
	defer rows.Close()

	var items []deadLetter
	for rows.Next() {
		var d deadLetter
		if err := rows.Scan(&d.ID, &d.Kind, &d.Payload, &d.RetryCount, &d.LastError, &d.DeadTs); err != nil {
			return nil, errors.Wrap(err, "scan dead letter")
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (o *outbox) sweepDeadLetters(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := o.db.Exec(`DELETE FROM dead_letter_queue WHERE dead_ts < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "sweep dead letters")
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (o *outbox) memoryQueueSize() (int, error) {
	var n int
	err := o.db.QueryRow(`SELECT COUNT(*) FROM memory_queue`).Scan(&n)
	return n, errors.Wrap(err, "count memory queue")
}
