package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/auth"
	"github.com/vovakirdan/wiregate/internal/store"
)

// APIHandlers provides HTTP handlers for REST API endpoints.
type APIHandlers struct {
	authService *auth.Service
	posts       store.PostStore
	content     ContentLister
	log         *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(authService *auth.Service, posts store.PostStore, content ContentLister, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{
		authService: authService,
		posts:       posts,
		content:     content,
		log:         logger,
	}
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Message     string `json:"message"`
	Username    string `json:"username"`
	IsModerator bool   `json:"is_moderator"`
	Token       string `json:"token"`
}

// CreateUserRequest represents the account creation body.
type CreateUserRequest struct {
	Username    string `json:"username" binding:"required"`
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password"`
	IsModerator bool   `json:"is_moderator"`
}

// UserResponse describes a stored account.
type UserResponse struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	IsModerator bool   `json:"is_moderator"`
}

// CreatePostRequest represents the post creation body.
type CreatePostRequest struct {
	Title    string `json:"title" binding:"required"`
	Content  string `json:"content" binding:"required"`
	AuthorID int64  `json:"author_id" binding:"required"`
}

// PostResponse describes a created post.
type PostResponse struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	AuthorID int64  `json:"author_id"`
}

// ListedPost is one entry of an author listing.
type ListedPost struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// MessageResponse carries a human-readable outcome.
type MessageResponse struct {
	Message string `json:"message"`
}

// Login handles credential checks.
// POST /auth/login
func (h *APIHandlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid login request")
		c.JSON(http.StatusBadRequest, MessageResponse{Message: "invalid request body"})
		return
	}

	result, err := h.authService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, MessageResponse{Message: "Invalid credentials"})
			return
		}
		h.log.Error().Err(err).Str("username", req.Username).Msg("failed to login user")
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: "internal server error"})
		return
	}

	h.log.Info().Str("username", result.User.Username).Msg("user logged in successfully")
	c.JSON(http.StatusOK, loginResponse(result))
}

// CreateUser stores a new account.
// POST /auth/users
func (h *APIHandlers) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create user request")
		c.JSON(http.StatusBadRequest, MessageResponse{Message: "invalid request body"})
		return
	}

	user, err := h.authService.CreateUser(c.Request.Context(), auth.NewAccount{
		Username:    req.Username,
		Email:       req.Email,
		Password:    req.Password,
		IsModerator: req.IsModerator,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			c.JSON(http.StatusConflict, MessageResponse{Message: "user already exists"})
		case errors.Is(err, auth.ErrInvalidUsername),
			errors.Is(err, auth.ErrInvalidEmail),
			errors.Is(err, auth.ErrInvalidPassword):
			c.JSON(http.StatusBadRequest, MessageResponse{Message: err.Error()})
		default:
			h.log.Error().Err(err).Str("username", req.Username).Msg("failed to create user")
			c.JSON(http.StatusInternalServerError, MessageResponse{Message: "internal server error"})
		}
		return
	}

	h.log.Info().Str("username", user.Username).Bool("is_moderator", user.IsModerator).Msg("user created")
	c.JSON(http.StatusCreated, userResponse(user))
}

// CreatePost stores a post for an existing author.
// POST /auth/posts
func (h *APIHandlers) CreatePost(c *gin.Context) {
	var req CreatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create post request")
		c.JSON(http.StatusBadRequest, MessageResponse{Message: "invalid request body"})
		return
	}

	post, err := h.posts.CreatePost(c.Request.Context(), req.Title, req.Content, req.AuthorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, MessageResponse{Message: "author not found"})
			return
		}
		h.log.Error().Err(err).Int64("author_id", req.AuthorID).Msg("failed to create post")
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: "internal server error"})
		return
	}

	c.JSON(http.StatusCreated, postResponse(post))
}

// ListPosts returns an author's posts from the cached listing.
// GET /auth/users/:user_id/posts
func (h *APIHandlers) ListPosts(c *gin.Context) {
	authorID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, MessageResponse{Message: "invalid user id"})
		return
	}

	posts, err := h.content.ListContent(c.Request.Context(), authorID)
	if err != nil {
		h.log.Error().Err(err).Int64("author_id", authorID).Msg("failed to list posts")
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, listedPosts(posts))
}

// Me echoes the identity carried by the bearer token.
// GET /auth/me
func (h *APIHandlers) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"id":           c.GetInt64(ContextKeyUserID),
		"username":     c.GetString(ContextKeyUsername),
		"is_moderator": c.GetBool(ContextKeyIsModerator),
	})
}
