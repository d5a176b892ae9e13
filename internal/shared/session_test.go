package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestSessionRoundTrip(t *testing.T) {
	client, _ := newRedis(t)
	sm := NewSessionManager(client, "", time.Hour, false)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser("user-1")

	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, sess))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "mealsphere_session", cookies[0].Name)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	loaded, err := sm.Load(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.Equal(t, "user-1", loaded.User())

	// Unchanged sessions are not rewritten.
	rec = httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, loaded))
	assert.Empty(t, rec.Result().Cookies())
}

func TestSessionUnknownCookieStartsFresh(t *testing.T) {
	client, _ := newRedis(t)
	sm := NewSessionManager(client, "sid", time.Hour, false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "forged"})
	sess, err := sm.Load(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, "forged", sess.ID)
	assert.Empty(t, sess.User())
}

func TestSessionLoadSlidesExpiry(t *testing.T) {
	client, mr := newRedis(t)
	sm := NewSessionManager(client, "sid", time.Hour, false)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, sess))
	assert.Equal(t, 3600, rec.Result().Cookies()[0].MaxAge)

	mr.FastForward(50 * time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(rec.Result().Cookies()[0])
	_, err = sm.Load(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("session:"+sess.ID))
}

func TestSessionDestroy(t *testing.T) {
	client, mr := newRedis(t)
	sm := NewSessionManager(client, "sid", time.Hour, false)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	require.NoError(t, sm.Commit(ctx, httptest.NewRecorder(), sess))
	require.True(t, mr.Exists("session:"+sess.ID))

	sm.Destroy(sess)
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, sess))
	assert.False(t, mr.Exists("session:"+sess.ID))
	require.Len(t, rec.Result().Cookies(), 1)
	assert.Equal(t, -1, rec.Result().Cookies()[0].MaxAge)
}

func TestCSRFTokens(t *testing.T) {
	client, _ := newRedis(t)
	sm := NewSessionManager(client, "sid", time.Hour, false)
	csrf := NewCSRFManager("secret")
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	assert.ErrorIs(t, csrf.VerifyToken(ctx, sess, "anything"), ErrCSRFTokenMissing)

	token, err := csrf.EnsureToken(ctx, sess)
	require.NoError(t, err)
	again, err := csrf.EnsureToken(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	assert.NoError(t, csrf.VerifyToken(ctx, sess, token))
	assert.ErrorIs(t, csrf.VerifyToken(ctx, sess, token+"x"), ErrCSRFTokenMismatch)
	assert.ErrorIs(t, csrf.VerifyToken(ctx, sess, ""), ErrCSRFTokenMissing)
}

func TestIdempotencyClaim(t *testing.T) {
	client, mr := newRedis(t)
	store := NewIdempotencyStore(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Claim(ctx, "periods.start:room-1", "abc"))
	assert.ErrorIs(t, store.Claim(ctx, "periods.start:room-1", "abc"), ErrIdempotencyConflict)
	assert.NoError(t, store.Claim(ctx, "periods.start:room-2", "abc"))
	assert.Equal(t, time.Minute, mr.TTL("idempotency:periods.start:room-1:abc"))

	require.NoError(t, store.Release(ctx, "periods.start:room-1", "abc"))
	assert.NoError(t, store.Claim(ctx, "periods.start:room-1", "abc"))

	assert.Error(t, store.Claim(ctx, "periods.start:room-1", "  "))
}

func TestCSRFTokenBoundToSession(t *testing.T) {
	client, _ := newRedis(t)
	sm := NewSessionManager(client, "sid", time.Hour, false)
	csrf := NewCSRFManager("secret")
	ctx := context.Background()

	first, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	second, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	token, err := csrf.EnsureToken(ctx, first)
	require.NoError(t, err)

	// A token planted into another session does not verify there.
	second.Set(CSRFSessionKey, token)
	assert.ErrorIs(t, csrf.VerifyToken(ctx, second, token), ErrCSRFTokenMismatch)

	// EnsureToken replaces it with one signed for the session.
	fresh, err := csrf.EnsureToken(ctx, second)
	require.NoError(t, err)
	assert.NotEqual(t, token, fresh)
	assert.NoError(t, csrf.VerifyToken(ctx, second, fresh))

	other := NewCSRFManager("rotated")
	assert.ErrorIs(t, other.VerifyToken(ctx, first, token), ErrCSRFTokenMismatch)
}
