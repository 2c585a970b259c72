// Package store is the durable record store: users, document content
// snapshots and chat history in PostgreSQL. It sits off the realtime
// broadcast path; the coordinator only reaches it to persist, never to
// serve fan-out.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Document struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	LastEdited time.Time `json:"last_edited"`
}

type ChatMessage struct {
	ID         int64     `json:"id"`
	DocumentID string    `json:"document_id"`
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps the SQL handle. All methods take a context and hold no
// locks; callers must never invoke them while holding registry or
// connection state locks.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres with query tracing and connection-pool
// metrics registered. It does not ping; callers retry Ping themselves so
// startup ordering against the database stays in main.
func Open(dsn string) (*Store, error) {
	db, err := otelsql.Open("postgres", dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Tests use this with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Ping() error { return s.db.Ping() }

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	last_edited TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id BIGSERIAL PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL REFERENCES users(id),
	message TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS chat_messages_document_idx
	ON chat_messages (document_id, created_at);
`

// EnsureSchema creates the tables if they do not exist. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertUser returns the user row for username, creating it on first
// login. The conflict update is a no-op write that makes RETURNING work
// for the existing row.
func (s *Store) UpsertUser(ctx context.Context, username string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username) VALUES ($1)
		ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
		RETURNING id, username`, username).Scan(&u.ID, &u.Username)
	if err != nil {
		return User{}, fmt.Errorf("upsert user %q: %w", username, err)
	}
	return u, nil
}

// CreateDocument creates an empty document and returns it.
func (s *Store) CreateDocument(ctx context.Context, title string) (Document, error) {
	var d Document
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, title, content) VALUES ($1, $2, '')
		RETURNING id, title, content, last_edited`,
		uuid.NewString(), title).Scan(&d.ID, &d.Title, &d.Content, &d.LastEdited)
	if err != nil {
		return Document{}, fmt.Errorf("create document: %w", err)
	}
	return d, nil
}

// ListDocuments returns all documents, most recently edited first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, last_edited
		FROM documents ORDER BY last_edited DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.LastEdited); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	var d Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, last_edited
		FROM documents WHERE id = $1`, id).Scan(&d.ID, &d.Title, &d.Content, &d.LastEdited)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return d, nil
}

// SaveDocumentSnapshot replaces the document's content with a whole-text
// snapshot. Last write to land wins; there is no merge.
func (s *Store) SaveDocumentSnapshot(ctx context.Context, id, content string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET content = $1, last_edited = NOW() WHERE id = $2`,
		content, id)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastModified bumps the document's last_edited timestamp.
func (s *Store) TouchLastModified(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE documents SET last_edited = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touch document %s: %w", id, err)
	}
	return nil
}

// AppendChatMessage persists a chat message and returns the stored record
// with its durable id, timestamp and author name in one round trip.
func (s *Store) AppendChatMessage(ctx context.Context, documentID string, userID int64, message string) (ChatMessage, error) {
	var m ChatMessage
	err := s.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO chat_messages (document_id, user_id, message)
			VALUES ($1, $2, $3)
			RETURNING id, document_id, user_id, message, created_at
		)
		SELECT i.id, i.document_id, i.user_id, u.username, i.message, i.created_at
		FROM inserted i JOIN users u ON u.id = i.user_id`,
		documentID, userID, message).
		Scan(&m.ID, &m.DocumentID, &m.UserID, &m.Username, &m.Message, &m.CreatedAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("append chat message: %w", err)
	}
	return m, nil
}

// ChatHistory returns up to limit messages for a document, oldest first.
func (s *Store) ChatHistory(ctx context.Context, documentID string, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.user_id, u.username, c.message, c.created_at
		FROM chat_messages c JOIN users u ON u.id = c.user_id
		WHERE c.document_id = $1
		ORDER BY c.created_at ASC
		LIMIT $2`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("chat history %s: %w", documentID, err)
	}
	defer rows.Close()

	msgs := []ChatMessage{}
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.UserID, &m.Username, &m.Message, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ChatAuthors returns the distinct usernames that have chatted in a
// document. The members endpoint unions this with the presence sets so
// users who only ever chatted still show up as known-but-offline.
func (s *Store) ChatAuthors(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT u.username
		FROM chat_messages c JOIN users u ON u.id = c.user_id
		WHERE c.document_id = $1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("chat authors %s: %w", documentID, err)
	}
	defer rows.Close()

	var authors []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan author: %w", err)
		}
		authors = append(authors, name)
	}
	return authors, rows.Err()
}
