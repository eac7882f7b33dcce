// Package postgres implements store.Store on PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vovakirdan/wiregate/internal/store"
)

// Schema is applied by New. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            BIGSERIAL PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	is_moderator  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS posts (
	id         BIGSERIAL PRIMARY KEY,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	author_id  BIGINT NOT NULL REFERENCES users(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_id, id);
`

const uniqueViolation = "23505"

// PostgresStore implements store.Store for PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and applies Schema.
func New(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const userColumns = `id, username, email, password_hash, is_active, is_moderator, created_at`

// CreateUser inserts a new active user.
func (s *PostgresStore) CreateUser(ctx context.Context, u store.NewUser) (*store.User, error) {
	query := `
		INSERT INTO users (username, email, password_hash, is_moderator)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + userColumns
	user, err := scanUser(s.pool.QueryRow(ctx, query, u.Username, u.Email, u.PasswordHash, u.IsModerator))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("insert user %s: %w", u.Username, store.ErrConflict)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by ID.
func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByUsername retrieves a user by username.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func scanUser(row pgx.Row) (*store.User, error) {
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
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", store.ErrNotFound)
		}
		return nil, err
	}
	return &user, nil
}

// CreatePost inserts a post for an existing author.
func (s *PostgresStore) CreatePost(ctx context.Context, title, content string, authorID int64) (*store.Post, error) {
	if _, err := s.GetUserByID(ctx, authorID); err != nil {
		return nil, fmt.Errorf("post author: %w", err)
	}

	var post store.Post
	err := s.pool.QueryRow(ctx, `
		INSERT INTO posts (title, content, author_id)
		VALUES ($1, $2, $3)
		RETURNING id, title, content, author_id, created_at
	`, title, content, authorID).Scan(&post.ID, &post.Title, &post.Content, &post.AuthorID, &post.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert post: %w", err)
	}
	return &post, nil
}

// ListPostsByAuthor returns the author's posts, oldest first.
func (s *PostgresStore) ListPostsByAuthor(ctx context.Context, authorID int64) ([]store.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, content, author_id, created_at
		FROM posts
		WHERE author_id = $1
		ORDER BY id ASC
	`, authorID)
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
