package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wiregate/internal/store"
)

// Schema is applied by New. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	is_active     BOOLEAN NOT NULL DEFAULT 1,
	is_moderator  BOOLEAN NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS posts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	author_id  INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (author_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_id, id);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies Schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema without migrations.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser inserts a new active user.
func (s *SQLiteStore) CreateUser(ctx context.Context, u store.NewUser) (*store.User, error) {
	query := `
		INSERT INTO users (username, email, password_hash, is_moderator)
		VALUES (?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, u.Username, u.Email, u.PasswordHash, u.IsModerator)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert user %s: %w", u.Username, store.ErrConflict)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

const userColumns = `id, username, email, password_hash, is_active, is_moderator, created_at`

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = ?`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*store.User, error) {
	var user store.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.IsActive,
		&user.IsModerator,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// ==== PostStore implementation ====

// CreatePost inserts a post for an existing author.
func (s *SQLiteStore) CreatePost(ctx context.Context, title, content string, authorID int64) (*store.Post, error) {
	if _, err := s.GetUserByID(ctx, authorID); err != nil {
		return nil, fmt.Errorf("post author: %w", err)
	}

	query := `
		INSERT INTO posts (title, content, author_id)
		VALUES (?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, title, content, authorID)
	if err != nil {
		return nil, fmt.Errorf("insert post: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	var post store.Post
	err = s.db.QueryRowContext(ctx, `
		SELECT id, title, content, author_id, created_at
		FROM posts
		WHERE id = ?
	`, id).Scan(&post.ID, &post.Title, &post.Content, &post.AuthorID, &post.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("query post: %w", err)
	}
	return &post, nil
}

// ListPostsByAuthor returns the author's posts, oldest first.
func (s *SQLiteStore) ListPostsByAuthor(ctx context.Context, authorID int64) ([]store.Post, error) {
	query := `
		SELECT id, title, content, author_id, created_at
		FROM posts
		WHERE author_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, authorID)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	posts := make([]store.Post, 0)
	for rows.Next() {
		var p store.Post
		if err := rows.Scan(&p.ID, &p.Title, &p.Content, &p.AuthorID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
