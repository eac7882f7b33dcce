package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doJSON(t *testing.T, method, url, body string, header http.Header) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	status, body := doJSON(t, http.MethodGet, env.ts.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", string(body))

	alice := env.dial(t, "user_id=alice")
	env.transport.SetDown(true)
	closeStatus(t, alice)

	require.Eventually(t, func() bool {
		status, _ := doJSON(t, http.MethodGet, env.ts.URL+"/health", "", nil)
		return status == http.StatusServiceUnavailable
	}, 2*time.Second, 20*time.Millisecond)

	env.transport.SetDown(false)
	status, _ = doJSON(t, http.MethodGet, env.ts.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	status, body := doJSON(t, http.MethodPost, env.ts.URL+"/auth/login",
		`{"username":"bob","password":"password123"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", status, body)
	}

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "Login successful", resp.Message)
	assert.Equal(t, "bob", resp.Username)
	assert.True(t, resp.IsModerator)
	assert.NotEmpty(t, resp.Token)

	status, body = doJSON(t, http.MethodGet, env.ts.URL+"/auth/me", "",
		http.Header{"Authorization": {"Bearer " + resp.Token}})
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"id":2,"username":"bob","is_moderator":true}`, string(body))

	status, body = doJSON(t, http.MethodPost, env.ts.URL+"/auth/login",
		`{"username":"bob","password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.JSONEq(t, `{"message":"Invalid credentials"}`, string(body))

	status, _ = doJSON(t, http.MethodPost, env.ts.URL+"/auth/login", `{"username":"bob"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMeRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	status, _ := doJSON(t, http.MethodGet, env.ts.URL+"/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = doJSON(t, http.MethodGet, env.ts.URL+"/auth/me", "",
		http.Header{"Authorization": {"Token abc"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = doJSON(t, http.MethodGet, env.ts.URL+"/auth/me", "",
		http.Header{"Authorization": {"Bearer abc"}})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t)

	status, body := doJSON(t, http.MethodPost, env.ts.URL+"/auth/users",
		`{"username":"carol","email":"carol@example.com","password":"secret99","is_moderator":false}`, nil)
	if status != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", status, body)
	}
	var user UserResponse
	require.NoError(t, json.Unmarshal(body, &user))
	assert.Equal(t, "carol", user.Username)
	assert.Equal(t, "carol@example.com", user.Email)
	assert.False(t, user.IsModerator)
	assert.NotZero(t, user.ID)

	// the new account is immediately usable as a connection hint
	carol := env.dial(t, "user_id=carol")
	send(t, carol, map[string]string{"type": "unsubscribe", "channel": "nothing"})
	mustEvent(t, carol, "error")

	status, _ = doJSON(t, http.MethodPost, env.ts.URL+"/auth/users",
		`{"username":"carol","email":"other@example.com","password":"secret99"}`, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = doJSON(t, http.MethodPost, env.ts.URL+"/auth/users",
		`{"username":"dave","email":"not-an-email","password":"secret99"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPostsAreListedInOrder(t *testing.T) {
	env := newTestEnv(t)

	alice, err := env.store.GetUserByUsername(t.Context(), "alice")
	require.NoError(t, err)

	for _, title := range []string{"first", "second"} {
		body := fmt.Sprintf(`{"title":%q,"content":"body of %s","author_id":%d}`, title, title, alice.ID)
		status, resp := doJSON(t, http.MethodPost, env.ts.URL+"/auth/posts", body, nil)
		if status != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", status, resp)
		}
		var post PostResponse
		require.NoError(t, json.Unmarshal(resp, &post))
		assert.Equal(t, title, post.Title)
		assert.Equal(t, alice.ID, post.AuthorID)
	}

	status, body := doJSON(t, http.MethodGet, fmt.Sprintf("%s/auth/users/%d/posts", env.ts.URL, alice.ID), "", nil)
	require.Equal(t, http.StatusOK, status)
	var posts []ListedPost
	require.NoError(t, json.Unmarshal(body, &posts))
	require.Len(t, posts, 2)
	assert.Equal(t, "first", posts[0].Title)
	assert.Equal(t, "second", posts[1].Title)
	assert.Less(t, posts[0].ID, posts[1].ID)

	status, body = doJSON(t, http.MethodGet, env.ts.URL+"/auth/users/999/posts", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))

	status, _ = doJSON(t, http.MethodGet, env.ts.URL+"/auth/users/abc/posts", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, http.MethodPost, env.ts.URL+"/auth/posts",
		`{"title":"orphan","content":"x","author_id":999}`, nil)
	assert.Equal(t, http.StatusNotFound, status)
}
