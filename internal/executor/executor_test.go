package executor

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_FallbackKeys(t *testing.T) {
	fields := Normalize(map[string]any{
		"display_name":        "Jane <b>Doe</b>",
		"about":               "<script>alert(1)</script>Hello",
		"avatar":              "https://cdn.example.com/a.jpg",
		"header_url":          "javascript:alert(1)",
		"total_likes":         float64(150001),
		"media_count":         "12",
		"fans_count":          float64(-3),
		"subscriptions_count": float64(7),
		"online":              true,
		"created_at":          "2021-06-01T10:00:00Z",
		"location":            nil,
	})

	require.NotNil(t, fields.Name)
	assert.Equal(t, "Jane Doe", *fields.Name)
	require.NotNil(t, fields.Bio)
	assert.Equal(t, "Hello", *fields.Bio)
	require.NotNil(t, fields.AvatarURL)
	assert.Equal(t, "https://cdn.example.com/a.jpg", *fields.AvatarURL)
	assert.Nil(t, fields.CoverURL)
	assert.Equal(t, int64(150001), *fields.LikesCount)
	assert.Equal(t, int64(12), *fields.PostsCount)
	assert.Equal(t, int64(0), *fields.FollowersCount)
	assert.Equal(t, int64(7), *fields.FollowingCount)
	assert.Nil(t, fields.IsVerified)
	assert.True(t, *fields.IsOnline)
	assert.Nil(t, fields.Location)
	assert.Equal(t, "2021-06-01", *fields.JoinedDate)
}

func TestNormalize_PrimaryKeyWins(t *testing.T) {
	fields := Normalize(map[string]any{"name": "Primary", "display_name": "Fallback"})
	assert.Equal(t, "Primary", *fields.Name)
}

func TestNormalize_CountsClampToInt64(t *testing.T) {
	fields := Normalize(map[string]any{
		"likes_count":     float64(1e30),
		"posts_count":     float64(-1e30),
		"followers_count": float64(math.MaxInt64),
		"following_count": float64(41.6),
	})

	assert.Equal(t, int64(math.MaxInt64), *fields.LikesCount)
	assert.Equal(t, int64(0), *fields.PostsCount)
	assert.Equal(t, int64(math.MaxInt64), *fields.FollowersCount)
	assert.Equal(t, int64(42), *fields.FollowingCount)

	res, err := DecodeResult([]byte(`{"likes_count": 1e300}`))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), *res.Fields.LikesCount)
}

func TestDecodeResult_UnwrapsData(t *testing.T) {
	res, err := DecodeResult([]byte(`{"data":{"name":"Wrapped","likes_count":5}}`))
	require.NoError(t, err)
	assert.Equal(t, "Wrapped", *res.Fields.Name)
	assert.JSONEq(t, `{"name":"Wrapped","likes_count":5}`, string(res.Raw))

	_, err = DecodeResult([]byte(`not json`))
	assert.Error(t, err)
}

func TestFake_Deterministic(t *testing.T) {
	f := NewFake(FakeOptions{Availability: 1, FailureRate: 0, Seed: 42})
	assert.True(t, f.IsAvailable(context.Background()))

	res, err := f.Fetch(context.Background(), "sim_user")
	require.NoError(t, err)
	require.NotNil(t, res.Fields.Name)
	require.NotNil(t, res.Fields.LikesCount)
	assert.GreaterOrEqual(t, *res.Fields.LikesCount, int64(1000))
	assert.Equal(t, "https://example.com/avatars/sim_user.jpg", *res.Fields.AvatarURL)
	assert.NotEmpty(t, res.Raw)

	failing := NewFake(FakeOptions{Availability: 0, FailureRate: 1, Seed: 1})
	assert.False(t, failing.IsAvailable(context.Background()))
	_, err = failing.Fetch(context.Background(), "sim_user")
	assert.Error(t, err)
}

type slowExecutor struct{ delay time.Duration }

func (s slowExecutor) IsAvailable(context.Context) bool { return true }

func (s slowExecutor) Fetch(ctx context.Context, _ string) (*Result, error) {
	select {
	case <-time.After(s.delay):
		return &Result{}, nil
	case <-ctx.Done():
		// ignore cancellation to prove the caller abandons the call
		time.Sleep(s.delay)
		return &Result{}, nil
	}
}

func TestFetchWithTimeout(t *testing.T) {
	_, err := FetchWithTimeout(context.Background(), slowExecutor{delay: 200 * time.Millisecond}, "u", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	res, err := FetchWithTimeout(context.Background(), slowExecutor{delay: time.Millisecond}, "u", time.Second)
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(errors.Join(errors.New("x"), ErrProfileNotFound)))
	assert.False(t, IsPermanent(ErrUnavailable))
	assert.False(t, IsPermanent(ErrTimeout))
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *APIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewAPIClient(APIConfig{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return client
}

func TestAPIClient_Fetch(t *testing.T) {
	var auth atomic.Value
	client := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/profiles/jane":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"display_name":"Jane","total_likes":200000,"is_verified":true}`))
		case "/profiles/ghost":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	res, err := client.Fetch(context.Background(), "jane")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth.Load())
	assert.Equal(t, "Jane", *res.Fields.Name)
	assert.Equal(t, int64(200000), *res.Fields.LikesCount)
	assert.True(t, *res.Fields.IsVerified)

	_, err = client.Fetch(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.True(t, IsPermanent(err))

	_, err = client.Fetch(context.Background(), "broken")
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestAPIClient_IsAvailable(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	client := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	})

	assert.True(t, client.IsAvailable(context.Background()), "404 on the probe still means reachable")

	status.Store(http.StatusUnauthorized)
	assert.False(t, client.IsAvailable(context.Background()))

	noKey, err := NewAPIClient(APIConfig{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.False(t, noKey.IsAvailable(context.Background()))
}

func TestAPIClient_Unauthorized(t *testing.T) {
	client := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.Fetch(context.Background(), "jane")
	assert.ErrorIs(t, err, ErrUnavailable)
}
