// Package directory resolves identities and content listings through the
// cache, falling back to the store and writing the result back on a miss.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/cache"
	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/store"
)

// Default TTLs.
const (
	DefaultIdentityTTL = 5 * time.Minute
	DefaultListingTTL  = time.Minute
)

// cachedUser is the cache form of an identity.
type cachedUser struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	IsModerator bool   `json:"is_moderator"`
}

// cachedPost is the cache form of a listing entry.
type cachedPost struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	AuthorID  int64     `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Directory implements core.Directory.
type Directory struct {
	users       store.UserStore
	posts       store.PostStore
	cache       cache.Cache
	identityTTL time.Duration
	listingTTL  time.Duration
	log         *zerolog.Logger
}

// New builds a directory. Non-positive TTLs fall back to the defaults.
func New(users store.UserStore, posts store.PostStore, c cache.Cache, identityTTL, listingTTL time.Duration, logger *zerolog.Logger) *Directory {
	if identityTTL <= 0 {
		identityTTL = DefaultIdentityTTL
	}
	if listingTTL <= 0 {
		listingTTL = DefaultListingTTL
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Directory{
		users:       users,
		posts:       posts,
		cache:       c,
		identityTTL: identityTTL,
		listingTTL:  listingTTL,
		log:         logger,
	}
}

func userKey(name string) string { return "user:" + name }

func postsKey(authorID int64) string { return "posts:" + strconv.FormatInt(authorID, 10) }

// FindByName resolves an active user by username. Unknown and inactive users
// yield core.ErrIdentityNotFound; misses are not cached.
func (d *Directory) FindByName(ctx context.Context, name string) (core.Identity, error) {
	if name == "" {
		return core.Identity{}, core.ErrIdentityNotFound
	}

	key := userKey(name)
	var cached cachedUser
	if d.load(ctx, key, &cached) {
		return toIdentity(cached), nil
	}

	user, err := d.users.GetUserByUsername(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.Identity{}, fmt.Errorf("%s: %w", name, core.ErrIdentityNotFound)
		}
		return core.Identity{}, fmt.Errorf("find user %s: %w", name, err)
	}
	if !user.IsActive {
		return core.Identity{}, fmt.Errorf("%s is inactive: %w", name, core.ErrIdentityNotFound)
	}

	cached = cachedUser{ID: user.ID, Username: user.Username, IsModerator: user.IsModerator}
	d.store(ctx, key, cached, d.identityTTL)
	return toIdentity(cached), nil
}

// ListContent returns the author's posts, oldest first. Results may be stale
// for up to the listing TTL.
func (d *Directory) ListContent(ctx context.Context, authorID int64) ([]store.Post, error) {
	key := postsKey(authorID)
	var cached []cachedPost
	if d.load(ctx, key, &cached) {
		posts := make([]store.Post, 0, len(cached))
		for _, p := range cached {
			posts = append(posts, store.Post(p))
		}
		return posts, nil
	}

	posts, err := d.posts.ListPostsByAuthor(ctx, authorID)
	if err != nil {
		return nil, fmt.Errorf("list posts for %d: %w", authorID, err)
	}

	cached = make([]cachedPost, 0, len(posts))
	for _, p := range posts {
		cached = append(cached, cachedPost(p))
	}
	d.store(ctx, key, cached, d.listingTTL)
	return posts, nil
}

// load reports whether key was found and decoded. Cache failures and corrupt
// entries fall through to the store.
func (d *Directory) load(ctx context.Context, key string, v any) bool {
	raw, err := d.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			d.log.Warn().Err(err).Str("key", key).Msg("cache get failed")
		}
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("discarding corrupt cache entry")
		return false
	}
	return true
}

func (d *Directory) store(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		d.log.Error().Err(err).Str("key", key).Msg("encode cache entry")
		return
	}
	if err := d.cache.Set(ctx, key, raw, ttl); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

func toIdentity(u cachedUser) core.Identity {
	role := core.RoleMember
	if u.IsModerator {
		role = core.RoleModerator
	}
	return core.Identity{ID: u.ID, Name: u.Username, Role: role}
}
