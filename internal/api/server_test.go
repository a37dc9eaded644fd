package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/flow/internal/api"
	"github.com/nhle/flow/internal/model"
	"github.com/nhle/flow/internal/store"
	"github.com/nhle/flow/tests/testutil"
)

// countingRepo records whether any repository method was reached.
type countingRepo struct {
	store.Repository
	calls int
}

func (r *countingRepo) Get(ctx context.Context, id string) (*model.Issue, error) {
	r.calls++
	return r.Repository.Get(ctx, id)
}

func (r *countingRepo) Update(ctx context.Context, id string, data model.UpdateIssueData) error {
	r.calls++
	return r.Repository.Update(ctx, id, data)
}

func (r *countingRepo) Delete(ctx context.Context, id string) error {
	r.calls++
	return r.Repository.Delete(ctx, id)
}

// brokenRepo fails every call with a lower-level error.
type brokenRepo struct {
	store.Repository
}

var errDisk = &store.StoreError{Op: "querying", Err: errors.New("disk I/O error at /var/db")}

func (brokenRepo) GetAll(context.Context) ([]model.Issue, error) { return nil, errDisk }
func (brokenRepo) Update(context.Context, string, model.UpdateIssueData) error {
	return errDisk
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateAndList(t *testing.T) {
	repo := testutil.NewTestStore(t)
	h := api.New(repo, nil).Handler()

	rec := do(t, h, http.MethodPost, "/issues", `{"id":"abc","title":"Fix bug","status":"todo","priority":"high"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decode[api.SuccessResponse](t, rec).Success)

	rec = do(t, h, http.MethodGet, "/issues", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	issues := decode[[]model.Issue](t, rec)
	require.Len(t, issues, 1)
	assert.Equal(t, "abc", issues[0].ID)
	assert.Equal(t, int64(1), issues[0].IssueNumber)
	assert.Equal(t, model.PriorityHigh, issues[0].Priority)
	assert.True(t, issues[0].CreatedAt.Equal(issues[0].UpdatedAt))
}

func TestListEmptyStoreReturnsArray(t *testing.T) {
	h := api.New(store.NewMemoryStore(), nil).Handler()

	rec := do(t, h, http.MethodGet, "/issues", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "malformed json", body: `{"title":`, want: "Invalid request body"},
		{name: "missing title", body: `{"status":"todo","priority":"high"}`, want: "Title is required"},
		{name: "blank title", body: `{"title":"  ","status":"todo","priority":"high"}`, want: "Title is required"},
		{name: "bad status", body: `{"title":"x","status":"bogus","priority":"high"}`, want: "Invalid status"},
		{name: "missing priority", body: `{"title":"x","status":"todo"}`, want: "Invalid priority"},
		{name: "id with slash", body: `{"id":"a/b","title":"x","status":"todo","priority":"low"}`, want: "Invalid issue ID"},
		{name: "id with spaces", body: `{"id":" a ","title":"x","status":"todo","priority":"low"}`, want: "Invalid issue ID"},
		{name: "blank id", body: `{"id":"  ","title":"x","status":"todo","priority":"low"}`, want: "Invalid issue ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := store.NewMemoryStore()
			h := api.New(repo, nil).Handler()

			rec := do(t, h, http.MethodPost, "/issues", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, decode[api.ErrorResponse](t, rec).Error)

			all, err := repo.GetAll(t.Context())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestGetIssue(t *testing.T) {
	repo := store.NewMemoryStore()
	require.NoError(t, repo.Create(t.Context(), "abc", model.CreateIssueData{
		Title: "Fix bug", Status: model.StatusTodo, Priority: model.PriorityLow,
	}))
	h := api.New(repo, nil).Handler()

	rec := do(t, h, http.MethodGet, "/issues/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Fix bug", decode[model.Issue](t, rec).Title)

	rec = do(t, h, http.MethodGet, "/issues/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Issue not found", decode[api.ErrorResponse](t, rec).Error)
}

func TestBlankIDIsRejectedBeforeTheStore(t *testing.T) {
	paths := []string{"/issues/", "/issues/%20%20", "/issues/%09"}
	methods := []string{http.MethodGet, http.MethodPut, http.MethodDelete}

	for _, method := range methods {
		for _, path := range paths {
			t.Run(method+" "+path, func(t *testing.T) {
				repo := &countingRepo{Repository: store.NewMemoryStore()}
				h := api.New(repo, nil).Handler()

				body := ""
				if method == http.MethodPut {
					body = `{"title":"x"}`
				}
				rec := do(t, h, method, path, body)
				require.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Equal(t, "Invalid issue ID", decode[api.ErrorResponse](t, rec).Error)
				assert.Zero(t, repo.calls)
			})
		}
	}
}

func TestPartialUpdate(t *testing.T) {
	repo := store.NewMemoryStore()
	require.NoError(t, repo.Create(t.Context(), "abc", model.CreateIssueData{
		Title:       "Fix bug",
		Description: model.StringPtr("details"),
		Status:      model.StatusTodo,
		Priority:    model.PriorityLow,
		Assignee:    model.StringPtr("sam"),
	}))
	h := api.New(repo, nil).Handler()

	rec := do(t, h, http.MethodPut, "/issues/abc", `{"status":"in_progress","assignee":null}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := repo.Get(t.Context(), "abc")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Nil(t, got.Assignee)
	assert.Equal(t, "Fix bug", got.Title)
	require.NotNil(t, got.Description)
	assert.Equal(t, "details", *got.Description)
}

func TestUpdateErrors(t *testing.T) {
	h := api.New(store.NewMemoryStore(), nil).Handler()

	rec := do(t, h, http.MethodPut, "/issues/missing", `{"title":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPut, "/issues/missing", `{"priority":"whenever"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/issues/missing", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/issues/missing", `{}`)
	assert.Equal(t, http.StatusOK, rec.Code, "empty update is a no-op")
}

func TestDeleteIsIdempotent(t *testing.T) {
	repo := store.NewMemoryStore()
	require.NoError(t, repo.Create(t.Context(), "abc", model.CreateIssueData{
		Title: "Fix bug", Status: model.StatusTodo, Priority: model.PriorityLow,
	}))
	h := api.New(repo, nil).Handler()

	for range 2 {
		rec := do(t, h, http.MethodDelete, "/issues/abc", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCreateReusingIDConflicts(t *testing.T) {
	h := api.New(store.NewMemoryStore(), nil).Handler()
	body := `{"id":"abc","title":"Fix bug","status":"todo","priority":"low"}`

	rec := do(t, h, http.MethodPost, "/issues", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/issues", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Issue ID already used", decode[api.ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodDelete, "/issues/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/issues", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/issues", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestStoreFailuresHideInternals(t *testing.T) {
	h := api.New(brokenRepo{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/issues", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to fetch issues", decode[api.ErrorResponse](t, rec).Error)
	assert.NotContains(t, rec.Body.String(), "/var/db")

	rec = do(t, h, http.MethodPut, "/issues/abc", `{"title":"x"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to update issue", decode[api.ErrorResponse](t, rec).Error)
}

func TestServeShutsDownWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	srv := api.New(store.NewMemoryStore(), nil)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
