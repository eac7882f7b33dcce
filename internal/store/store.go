package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique column already holds the value.
	ErrConflict = errors.New("already exists")
)

// User represents an account in the authoritative store.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	IsActive     bool
	IsModerator  bool
	CreatedAt    time.Time
}

// NewUser holds the fields required to create a user.
type NewUser struct {
	Username     string
	Email        string
	PasswordHash string
	IsModerator  bool
}

// Post is a content item authored by a user.
type Post struct {
	ID        int64
	Title     string
	Content   string
	AuthorID  int64
	CreatedAt time.Time
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser inserts a new active user.
	CreateUser(ctx context.Context, u NewUser) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// PostStore handles post persistence.
type PostStore interface {
	// CreatePost inserts a post for an existing author.
	CreatePost(ctx context.Context, title, content string, authorID int64) (*Post, error)

	// ListPostsByAuthor returns the author's posts, oldest first.
	ListPostsByAuthor(ctx context.Context, authorID int64) ([]Post, error)
}

// Store combines all persistence interfaces.
type Store interface {
	UserStore
	PostStore

	// Close releases database resources.
	Close() error
}
