package botapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

type fakeSessions struct {
	keys    []string
	expired map[string]bool
}

func (f *fakeSessions) Keys(context.Context) ([]string, error) { return f.keys, nil }

func (f *fakeSessions) Load(_ context.Context, key string) (maisync.Session, bool, error) {
	for _, k := range f.keys {
		if k == key {
			return maisync.Session{IdentityKey: key}, true, nil
		}
	}
	return maisync.Session{}, false, nil
}

func (f *fakeSessions) IsExpired(_ context.Context, sess maisync.Session) bool {
	return f.expired[sess.IdentityKey]
}

type fakeTracker struct{ ongoing bool }

func (t *fakeTracker) Start()        { t.ongoing = true }
func (t *fakeTracker) Ongoing() bool { return t.ongoing }

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Origin", "https://sync.example")
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) StatusResponse {
	t.Helper()
	var out StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func okAuthURL(context.Context) (string, error) {
	return "https://open.weixin.qq.com/connect/oauth2/authorize?redirect_uri=http%3A%2F%2Ftgk", nil
}

func TestHealthAllowsCrossOrigin(t *testing.T) {
	t.Parallel()

	s := New(&fakeSessions{}, &fakeTracker{}, okAuthURL, Config{}, zap.NewNop())
	rec := get(t, s, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAuthStartsLogin(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	s := New(&fakeSessions{}, tracker, okAuthURL, Config{}, zap.NewNop())
	rec := get(t, s, "/api/auth")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "authUrl")
	require.True(t, tracker.ongoing)

	status := decodeStatus(t, get(t, s, "/api/status"))
	require.Equal(t, StatusResponse{Status: "ok", AuthOngoing: true}, status)
}

func TestAuthFailure(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	s := New(&fakeSessions{}, tracker, func(context.Context) (string, error) {
		return "", errors.New("upstream down")
	}, Config{}, zap.NewNop())
	rec := get(t, s, "/api/auth")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.False(t, tracker.ongoing)
}

func TestStatusReportsSessionState(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	s := New(sessions, &fakeTracker{}, okAuthURL, Config{}, zap.NewNop())
	require.Equal(t, StatusResponse{Expired: true}, decodeStatus(t, get(t, s, "/api/status")))

	sessions.keys = []string{"900000000000001", "900000000000002"}
	require.Equal(t, StatusResponse{FriendCode: "900000000000001"}, decodeStatus(t, get(t, s, "/api/status")))

	sessions.expired = map[string]bool{"900000000000002": true}
	pinned := New(sessions, &fakeTracker{}, okAuthURL, Config{BotID: "900000000000002"}, zap.NewNop())
	require.Equal(t, StatusResponse{Expired: true, FriendCode: "900000000000002"},
		decodeStatus(t, get(t, pinned, "/api/status")))
}
