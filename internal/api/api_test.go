package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/profile-refresh/internal/dispatch"
	"github.com/alvmarrod/profile-refresh/internal/executor"
	"github.com/alvmarrod/profile-refresh/internal/memory"
	"github.com/alvmarrod/profile-refresh/internal/metrics"
	"github.com/alvmarrod/profile-refresh/internal/queue"
	"github.com/alvmarrod/profile-refresh/internal/ratelimit"
	"github.com/alvmarrod/profile-refresh/internal/storage"
	"github.com/alvmarrod/profile-refresh/internal/version"
)

type testAPI struct {
	store   *memory.Store
	queue   *queue.Memory
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.NewStore()
	q := queue.NewMemory(time.Minute)
	exec := executor.NewFake(executor.FakeOptions{Availability: 1})
	stats := metrics.NewTracker()
	disp := dispatch.New(store, q, exec, dispatch.DefaultOptions(), stats)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), nil)

	return &testAPI{
		store:   store,
		queue:   q,
		handler: NewServer(store, disp, limiter, stats).Router(),
	}
}

type response struct {
	Success   bool                `json:"success"`
	Message   string              `json:"message"`
	Data      json.RawMessage     `json:"data"`
	Errors    map[string][]string `json:"errors"`
	ErrorCode string              `json:"error_code"`
}

func (a *testAPI) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, r)

	var resp response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

func (a *testAPI) insert(t *testing.T, p *storage.Profile) *storage.Profile {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.store.InsertProfile(ctx, p))
	require.NoError(t, a.store.RefreshSearchIndex(ctx, p.ID))
	return p
}

func strPtr(s string) *string { return &s }

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	w, _ := a.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, version.Version, body["version"])
	_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
	assert.NoError(t, err)
}

func TestScrape_NewProfile(t *testing.T) {
	a := newTestAPI(t)

	w, resp := a.do(t, http.MethodPost, "/api/profiles/scrape", `{"username": "  Ghost_User "}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, resp.Success)
	assert.Equal(t, "Profile scraping queued for username: ghost_user", resp.Message)

	var data scrapeData
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "ghost_user", data.Username)
	assert.False(t, data.ProfileExists)
	assert.NotZero(t, data.AttemptID)
	assert.NotEmpty(t, data.QueuedAt)

	p, err := a.store.GetProfile(context.Background(), "ghost_user")
	require.NoError(t, err)
	require.NotNil(t, p)

	n, err := a.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScrape_ExistingProfileInFlight(t *testing.T) {
	a := newTestAPI(t)
	a.insert(t, &storage.Profile{Username: "alice"})

	w, resp := a.do(t, http.MethodPost, "/api/profiles/scrape", `{"username": "alice"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var data scrapeData
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.True(t, data.ProfileExists)

	w, resp = a.do(t, http.MethodPost, "/api/profiles/scrape", `{"username": "alice"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeScrapeInProgress, resp.ErrorCode)
}

func TestScrape_Validation(t *testing.T) {
	cases := map[string]string{
		"missing":     `{}`,
		"too short":   `{"username": "ab"}`,
		"too long":    `{"username": "` + strings.Repeat("a", 51) + `"}`,
		"bad chars":   `{"username": "bad name!"}`,
		"reserved":    `{"username": "Admin"}`,
		"empty body":  ``,
		"only spaces": `{"username": "   "}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			a := newTestAPI(t)
			w, resp := a.do(t, http.MethodPost, "/api/profiles/scrape", body)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			assert.Equal(t, CodeValidation, resp.ErrorCode)
			assert.NotEmpty(t, resp.Errors["username"])
		})
	}
}

func TestScrape_MalformedBody(t *testing.T) {
	a := newTestAPI(t)
	w, resp := a.do(t, http.MethodPost, "/api/profiles/scrape", `{"username":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, resp.ErrorCode)
}

func TestScrape_RateLimited(t *testing.T) {
	a := newTestAPI(t)

	for i := 0; i < 10; i++ {
		w, _ := a.do(t, http.MethodPost, "/api/profiles/scrape", fmt.Sprintf(`{"username": "user_%02d"}`, i))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w, _ := a.do(t, http.MethodPost, "/api/profiles/scrape", `{"username": "user_10"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error_code"])
	assert.Equal(t, float64(10), body["limit"])

	// other categories keep their own budget
	w, _ = a.do(t, http.MethodGet, "/api/profiles", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListProfiles_Pagination(t *testing.T) {
	a := newTestAPI(t)
	for i := 0; i < 25; i++ {
		a.insert(t, &storage.Profile{Username: fmt.Sprintf("user_%02d", i), LikesCount: int64(i)})
	}

	w, resp := a.do(t, http.MethodGet, "/api/profiles?page=3&limit=10&sort=USERNAME&order=asc", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var data struct {
		Profiles   []storage.Profile `json:"profiles"`
		Pagination pagination        `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data.Profiles, 5)
	assert.Equal(t, "user_20", data.Profiles[0].Username)
	assert.Equal(t, "user_24", data.Profiles[4].Username)
	assert.Equal(t, 3, data.Pagination.CurrentPage)
	assert.Equal(t, 3, data.Pagination.LastPage)
	assert.Equal(t, 10, data.Pagination.PerPage)
	assert.Equal(t, 25, data.Pagination.Total)
	require.NotNil(t, data.Pagination.From)
	assert.Equal(t, 21, *data.Pagination.From)
	assert.Equal(t, 25, *data.Pagination.To)

	w, resp = a.do(t, http.MethodGet, "/api/profiles?sort=likes_count&order=desc&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data.Profiles, 1)
	assert.Equal(t, "user_24", data.Profiles[0].Username)

	w, resp = a.do(t, http.MethodGet, "/api/profiles?page=9", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Empty(t, data.Profiles)
	assert.Nil(t, data.Pagination.From)

	w, resp = a.do(t, http.MethodGet, "/api/profiles?page=1000000&limit=100", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Empty(t, data.Profiles)
	assert.Equal(t, 1000000, data.Pagination.CurrentPage)
}

func TestListProfiles_Validation(t *testing.T) {
	a := newTestAPI(t)
	for _, q := range []string{
		"limit=101", "limit=0", "page=0", "page=x", "sort=bio", "order=up",
		"page=1000001", "page=4611686018427387904",
	} {
		w, resp := a.do(t, http.MethodGet, "/api/profiles?"+q, "")
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, q)
		assert.Equal(t, CodeValidation, resp.ErrorCode, q)
	}
}

func TestGetProfile(t *testing.T) {
	a := newTestAPI(t)
	p := a.insert(t, &storage.Profile{Username: "carol", Name: strPtr("Carol"), LikesCount: 42})

	w, resp := a.do(t, http.MethodGet, "/api/profiles/Carol", "")
	require.Equal(t, http.StatusOK, w.Code)
	var data struct {
		Profile      storage.Profile        `json:"profile"`
		LatestScrape *storage.ScrapeAttempt `json:"latest_scrape"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, p.ID, data.Profile.ID)
	assert.Equal(t, int64(42), data.Profile.LikesCount)
	assert.Nil(t, data.LatestScrape)

	w, _ = a.do(t, http.MethodPost, "/api/profiles/scrape", `{"username": "carol"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = a.do(t, http.MethodGet, "/api/profiles/carol", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.NotNil(t, data.LatestScrape)
	assert.Equal(t, storage.StatusPending, data.LatestScrape.Status)

	w, resp = a.do(t, http.MethodGet, "/api/profiles/nobody", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, resp.ErrorCode)
}

func TestListScrapes(t *testing.T) {
	a := newTestAPI(t)
	a.insert(t, &storage.Profile{Username: "dave"})

	w, resp := a.do(t, http.MethodGet, "/api/profiles/dave/scrapes", "")
	require.Equal(t, http.StatusOK, w.Code)
	var data struct {
		Username string                   `json:"username"`
		Scrapes  []*storage.ScrapeAttempt `json:"scrapes"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "dave", data.Username)
	assert.Empty(t, data.Scrapes)

	w, _ = a.do(t, http.MethodPost, "/api/profiles/scrape", `{"username": "dave"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = a.do(t, http.MethodGet, "/api/profiles/dave/scrapes?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Len(t, data.Scrapes, 1)

	w, _ = a.do(t, http.MethodGet, "/api/profiles/nobody/scrapes", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearch(t *testing.T) {
	a := newTestAPI(t)
	a.insert(t, &storage.Profile{Username: "fit_anna", Bio: strPtr("Fitness coach"), LikesCount: 10})
	a.insert(t, &storage.Profile{Username: "chef_bo", Bio: strPtr("Cooking"), LikesCount: 99})
	a.insert(t, &storage.Profile{Username: "fit_max", Location: strPtr("Berlin"), LikesCount: 500})

	w, resp := a.do(t, http.MethodGet, "/api/search?q=fit&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var data struct {
		Query    string            `json:"query"`
		Total    int               `json:"total"`
		Limit    int               `json:"limit"`
		Profiles []storage.Profile `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "fit", data.Query)
	assert.Equal(t, 2, data.Total)
	assert.Equal(t, 10, data.Limit)
	require.Len(t, data.Profiles, 2)
	assert.Equal(t, "fit_max", data.Profiles[0].Username)

	w, resp = a.do(t, http.MethodGet, "/api/search?q=nothing+here", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, 0, data.Total)
	assert.NotNil(t, data.Profiles)
}

func TestSearch_Validation(t *testing.T) {
	a := newTestAPI(t)
	for _, q := range []string{"", "q=a", "q=" + strings.Repeat("x", 101), "q=%3Cscript%3E", "q=ok&limit=500"} {
		w, resp := a.do(t, http.MethodGet, "/api/search?"+q, "")
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, q)
		assert.Equal(t, CodeValidation, resp.ErrorCode, q)
	}
}

func TestRequestID(t *testing.T) {
	a := newTestAPI(t)

	w, _ := a.do(t, http.MethodGet, "/api/health", "")
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)

	r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	r.Header.Set(RequestIDHeader, "trace-123")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, r)
	assert.Equal(t, "trace-123", rec.Header().Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	w, _ := a.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownRoute(t *testing.T) {
	a := newTestAPI(t)
	w, resp := a.do(t, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, resp.ErrorCode)
}

func TestRecoverer(t *testing.T) {
	h := requestID(recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, CodeInternal, resp.ErrorCode)
}
