package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tideline/api/internal/auth"
	"tideline/api/internal/notify"
	"tideline/api/internal/search"
	"tideline/api/internal/store"
	"tideline/api/internal/stream"
)

const testSecret = "test-secret"

// fakeRepo is the minimal in-memory content repository the HTTP tests need.
type fakeRepo struct {
	posts map[int64]store.StreamPost
	users map[uuid.UUID]store.User
}

func newHTTPFakeRepo() *fakeRepo {
	return &fakeRepo{
		posts: make(map[int64]store.StreamPost),
		users: make(map[uuid.UUID]store.User),
	}
}

func (f *fakeRepo) ListStream(context.Context, store.StreamQuery) ([]store.StreamPost, error) {
	return nil, nil
}
func (f *fakeRepo) CountStream(context.Context, store.StreamQuery) (int, error) { return 0, nil }
func (f *fakeRepo) GetPost(_ context.Context, postID int64) (store.StreamPost, error) {
	if post, ok := f.posts[postID]; ok && !post.Deleted {
		return post, nil
	}
	return store.StreamPost{}, sql.ErrNoRows
}
func (f *fakeRepo) CreatePost(_ context.Context, authorID uuid.UUID, text string) (store.StreamPost, error) {
	post := store.StreamPost{ID: int64(len(f.posts) + 1), AuthorID: authorID, Text: text, CreatedAt: time.Now().UTC()}
	f.posts[post.ID] = post
	return post, nil
}
func (f *fakeRepo) CreateReply(context.Context, uuid.UUID, string, int64) (store.StreamPost, error) {
	return store.StreamPost{}, sql.ErrNoRows
}
func (f *fakeRepo) UpdatePostText(context.Context, int64, string) error { return nil }
func (f *fakeRepo) SoftDeletePost(_ context.Context, postID int64) error {
	post, ok := f.posts[postID]
	if !ok || post.Deleted {
		return sql.ErrNoRows
	}
	post.Deleted = true
	f.posts[postID] = post
	return nil
}
func (f *fakeRepo) SetReaction(context.Context, int64, uuid.UUID, store.ReactionType) error {
	return nil
}
func (f *fakeRepo) RemoveReaction(context.Context, int64, uuid.UUID) error { return nil }
func (f *fakeRepo) ReactionSummaries(context.Context, []int64) (map[int64]store.ReactionSummary, error) {
	return map[int64]store.ReactionSummary{}, nil
}
func (f *fakeRepo) AddBookmark(context.Context, int64, uuid.UUID) error    { return nil }
func (f *fakeRepo) RemoveBookmark(context.Context, int64, uuid.UUID) error { return nil }
func (f *fakeRepo) BookmarkFlags(context.Context, uuid.UUID, []int64) (map[int64]bool, error) {
	return map[int64]bool{}, nil
}
func (f *fakeRepo) InsertReport(context.Context, store.Report) error { return nil }
func (f *fakeRepo) GetUserByID(_ context.Context, userID uuid.UUID) (store.User, error) {
	if user, ok := f.users[userID]; ok {
		return user, nil
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeRepo) GetUserByUsername(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeRepo) UsersByIDs(_ context.Context, userIDs []uuid.UUID) ([]store.User, error) {
	var out []store.User
	for _, id := range userIDs {
		if user, ok := f.users[id]; ok {
			out = append(out, user)
		}
	}
	return out, nil
}
func (f *fakeRepo) VisibilitySnapshot(context.Context, uuid.UUID) (store.VisibilitySnapshot, error) {
	return store.VisibilitySnapshot{
		BlockedAuthorIDs: map[uuid.UUID]struct{}{},
		MutedAuthorIDs:   map[uuid.UUID]struct{}{},
	}, nil
}

type fakeRegistry struct{}

func (fakeRegistry) AlertWords(context.Context) ([]string, error) { return nil, nil }
func (fakeRegistry) UsersAlertingOn(context.Context, string) ([]store.User, error) {
	return nil, nil
}

type fakeResolver struct{}

func (fakeResolver) UsersByUsernames(context.Context, []string) ([]store.User, error) {
	return nil, nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func newTestServer(t *testing.T, repo *fakeRepo) (*HTTPServer, *notify.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	notifyStore, err := notify.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = notifyStore.Close() })

	log := zap.NewNop()
	engine := stream.NewDiffEngine(fakeResolver{}, fakeRegistry{}, notifyStore, store.LevelVerified, log)
	planner := stream.NewPlanner(stream.Limits{DefaultLimit: 50, MaxLimit: 200})
	streamService := stream.NewService(repo, planner, engine, nil, log)
	searchService := search.NewService(nil, search.NewPgLike(nil), log)

	return NewHTTPServer(streamService, searchService, notifyStore, okPinger{}, []byte(testSecret), "*", log), notifyStore
}

func issueTestToken(t *testing.T, user store.User) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:      user.ID.String(),
		Username: user.Username,
		Level:    user.Level.String(),
		JTI:      "jti-test",
		Exp:      time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestHealthEndpointIsPublic(t *testing.T) {
	server, _ := newTestServer(t, newHTTPFakeRepo())
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestReadyEndpointChecksBackends(t *testing.T) {
	server, _ := newTestServer(t, newHTTPFakeRepo())
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["status"] != "ready" {
		t.Fatalf("expected status ready, got %v", payload["status"])
	}
}

func TestStreamRequiresBearer(t *testing.T) {
	server, _ := newTestServer(t, newHTTPFakeRepo())
	req := httptest.NewRequest(http.MethodGet, "/api/v3/stream", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestStreamRejectsTamperedToken(t *testing.T) {
	repo := newHTTPFakeRepo()
	user := store.User{ID: uuid.New(), Username: "sam", Level: store.LevelVerified}
	repo.users[user.ID] = user
	server, _ := newTestServer(t, repo)

	token := issueTestToken(t, user)
	req := httptest.NewRequest(http.MethodGet, "/api/v3/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token+"x")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestStreamListWithValidToken(t *testing.T) {
	repo := newHTTPFakeRepo()
	user := store.User{ID: uuid.New(), Username: "sam", Level: store.LevelVerified}
	repo.users[user.ID] = user
	server, _ := newTestServer(t, repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v3/stream?limit=10", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, user))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var page stream.StreamPage
	if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if page.Limit != 10 {
		t.Errorf("limit = %d, want 10", page.Limit)
	}
	if page.Posts == nil {
		t.Error("posts should serialize as an empty array, not null")
	}
}

func TestStreamCreateReturnsView(t *testing.T) {
	repo := newHTTPFakeRepo()
	user := store.User{ID: uuid.New(), Username: "sam", Level: store.LevelVerified}
	repo.users[user.ID] = user
	server, _ := newTestServer(t, repo)

	body := bytes.NewBufferString(`{"text":"first post"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v3/stream", body)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, user))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var view stream.PostView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if view.Text != "first post" || view.Author.Username != "sam" {
		t.Errorf("view = %+v, want the created post by sam", view)
	}
}

func TestStreamCreateEmptyTextIsBadRequest(t *testing.T) {
	repo := newHTTPFakeRepo()
	user := store.User{ID: uuid.New(), Username: "sam", Level: store.LevelVerified}
	repo.users[user.ID] = user
	server, _ := newTestServer(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/api/v3/stream", bytes.NewBufferString(`{"text":"  "}`))
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, user))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestStreamItemBadIDIsBadRequest(t *testing.T) {
	repo := newHTTPFakeRepo()
	user := store.User{ID: uuid.New(), Username: "sam", Level: store.LevelVerified}
	repo.users[user.ID] = user
	server, _ := newTestServer(t, repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v3/stream/abc", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, user))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestStreamItemMissingIsNotFound(t *testing.T) {
	repo := newHTTPFakeRepo()
	user := store.User{ID: uuid.New(), Username: "sam", Level: store.LevelVerified}
	repo.users[user.ID] = user
	server, _ := newTestServer(t, repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v3/stream/99", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, user))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestNotificationCounters(t *testing.T) {
	repo := newHTTPFakeRepo()
	user := store.User{ID: uuid.New(), Username: "sam", Level: store.LevelVerified}
	repo.users[user.ID] = user
	server, notifyStore := newTestServer(t, repo)

	if err := notifyStore.AdjustMentionCount(context.Background(), user.ID, 2); err != nil {
		t.Fatalf("adjust counter: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v3/user/notifications", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, user))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var counts notify.Counts
	if err := json.Unmarshal(rr.Body.Bytes(), &counts); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if counts.Mentions != 2 {
		t.Errorf("mentions = %d, want 2", counts.Mentions)
	}
}

func TestHashtagPrefixFilter(t *testing.T) {
	repo := newHTTPFakeRepo()
	user := store.User{ID: uuid.New(), Username: "sam", Level: store.LevelVerified}
	repo.users[user.ID] = user
	server, notifyStore := newTestServer(t, repo)

	if err := notifyStore.RegisterHashtags(context.Background(), []string{"joco", "joco2020", "karaoke"}); err != nil {
		t.Fatalf("register hashtags: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v3/hashtags?prefix=joco", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, user))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Hashtags []string `json:"hashtags"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(payload.Hashtags) != 2 {
		t.Errorf("hashtags = %v, want the two joco tags", payload.Hashtags)
	}
}

func TestOptionsPreflight(t *testing.T) {
	server, _ := newTestServer(t, newHTTPFakeRepo())
	req := httptest.NewRequest(http.MethodOptions, "/api/v3/stream", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}
