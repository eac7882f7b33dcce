package http

import (
	"github.com/vovakirdan/wiregate/internal/auth"
	"github.com/vovakirdan/wiregate/internal/store"
)

func loginResponse(result *auth.LoginResult) LoginResponse {
	return LoginResponse{
		Message:     "Login successful",
		Username:    result.User.Username,
		IsModerator: result.User.IsModerator,
		Token:       result.Token,
	}
}

func userResponse(u *store.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		IsModerator: u.IsModerator,
	}
}

func postResponse(p *store.Post) PostResponse {
	return PostResponse{
		ID:       p.ID,
		Title:    p.Title,
		Content:  p.Content,
		AuthorID: p.AuthorID,
	}
}

// listedPosts keeps the store order and never returns nil, so an empty
// listing encodes as [].
func listedPosts(posts []store.Post) []ListedPost {
	out := make([]ListedPost, 0, len(posts))
	for _, p := range posts {
		out = append(out, ListedPost{ID: p.ID, Title: p.Title, Content: p.Content})
	}
	return out
}
