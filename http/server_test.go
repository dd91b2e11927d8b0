package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"dotracing/game"
	"dotracing/store"
)

type fixture struct {
	store  *store.Store
	lobby  *game.Lobby
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	static := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(static, "index.html"), []byte("desktop"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(static, "indexmobile.html"), []byte("mobile"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(static, "js"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(static, "js", "app.js"), []byte("js"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	lobby := game.NewLobby(db)
	srv := httptest.NewServer(NewServer(ctx, lobby, db, nil, static).Handler())
	t.Cleanup(srv.Close)

	return &fixture{store: db, lobby: lobby, server: srv}
}

func get(t *testing.T, url, userAgent string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestIndexPicksPageByUserAgent(t *testing.T) {
	f := newFixture(t)

	_, body := get(t, f.server.URL+"/", "Mozilla/5.0 (X11; Linux x86_64)")
	assert.Equal(t, "desktop", body)

	_, body = get(t, f.server.URL+"/", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile")
	assert.Equal(t, "mobile", body)

	_, body = get(t, f.server.URL+"/some/deep/link", "Mozilla/5.0 (Linux; Android 14)")
	assert.Equal(t, "mobile", body)
}

func TestStaticFiles(t *testing.T) {
	f := newFixture(t)

	resp, body := get(t, f.server.URL+"/js/app.js", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "js", body)
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestPing(t *testing.T) {
	f := newFixture(t)

	resp, body := get(t, f.server.URL+"/ping", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestGetGame(t *testing.T) {
	f := newFixture(t)
	g, err := f.lobby.Create(context.Background(), game.GameInput{Name: "Sunday"})
	require.NoError(t, err)

	resp, body := get(t, f.server.URL+"/api/games/"+g.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got game.Game
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, g.ID, got.ID)
	assert.Equal(t, "Sunday", got.Name)

	resp, body = get(t, f.server.URL+"/api/games/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"game not found"}`, body)
}

func TestListScores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.lobby.Create(ctx, game.GameInput{Name: "Sunday"})
	require.NoError(t, err)
	_, err = f.lobby.Join(ctx, g.ID, game.Profile{ID: "p1", Nickname: "Ann"})
	require.NoError(t, err)
	recorded, err := f.lobby.RecordFinish(ctx, game.FinishInfo{GameID: g.ID, PlayerID: "p1", Lap: 3, RaceTime: 42.5, Place: 1})
	require.NoError(t, err)
	require.True(t, recorded)

	resp, body := get(t, f.server.URL+"/api/games/"+g.ID+"/scores", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var scores []game.Score
	require.NoError(t, json.Unmarshal([]byte(body), &scores))
	require.Len(t, scores, 1)
	assert.Equal(t, "Ann", scores[0].Player.Nickname)
	assert.Equal(t, 1, scores[0].Place)
	assert.InDelta(t, 42.5, scores[0].Finish, 0.001)

	resp, _ = get(t, f.server.URL+"/api/games/missing/scores", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownAPIRouteIsJSON404(t *testing.T) {
	f := newFixture(t)

	resp, body := get(t, f.server.URL+"/api/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"not found"}`, body)
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, rate.Limit(0.001), 2)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/socket", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/socket", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterSweepsIdleEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, rate.Limit(1), 1)

	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.getLimiter("10.0.0.1")
	assert.Equal(t, 1, rl.tracked())

	now = now.Add(limiterIdle + time.Second)
	rl.sweep()
	assert.Equal(t, 0, rl.tracked())
}

func TestIsMobile(t *testing.T) {
	assert.True(t, IsMobile("Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X)"))
	assert.True(t, IsMobile("Opera Mini/9.80"))
	assert.False(t, IsMobile("Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)"))
	assert.False(t, IsMobile(""))
}
