package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/flow/internal/api"
	"github.com/nhle/flow/internal/client"
	"github.com/nhle/flow/internal/collection"
	"github.com/nhle/flow/internal/model"
	"github.com/nhle/flow/internal/store"
)

var _ collection.Remote = (*client.Client)(nil)

func newServer(t *testing.T) (*client.Client, *store.MemoryStore) {
	t.Helper()

	repo := store.NewMemoryStore()
	srv := httptest.NewServer(api.New(repo, nil).Handler())
	t.Cleanup(srv.Close)

	return client.New(srv.URL, client.WithTimeout(5*time.Second)), repo
}

func TestClientRoundTrip(t *testing.T) {
	c, _ := newServer(t)
	ctx := t.Context()

	require.NoError(t, c.Health(ctx))

	issues, err := c.GetAll(ctx)
	require.NoError(t, err)
	assert.NotNil(t, issues)
	assert.Empty(t, issues)

	require.NoError(t, c.Create(ctx, "abc", model.CreateIssueData{
		Title:       "Fix bug",
		Description: model.StringPtr(`it's "broken"`),
		Status:      model.StatusTodo,
		Priority:    model.PriorityHigh,
		Assignee:    model.StringPtr("sam"),
	}))

	got, err := c.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.ID)
	assert.Equal(t, int64(1), got.IssueNumber)
	assert.Equal(t, `it's "broken"`, *got.Description)
	assert.True(t, got.CreatedAt.Equal(got.UpdatedAt))

	status := model.StatusDone
	require.NoError(t, c.Update(ctx, "abc", model.UpdateIssueData{
		Status:   &status,
		Assignee: model.NullableString{Set: true},
	}))

	got, err = c.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Nil(t, got.Assignee)
	assert.Equal(t, "Fix bug", got.Title)
	require.NotNil(t, got.Description)

	require.NoError(t, c.Delete(ctx, "abc"))
	require.NoError(t, c.Delete(ctx, "abc"))

	_, err = c.Get(ctx, "abc")
	assert.True(t, store.IsNotFound(err))
}

func TestClientMapsFailures(t *testing.T) {
	c, _ := newServer(t)
	ctx := t.Context()

	err := c.Create(ctx, "", model.CreateIssueData{Title: "x", Status: "bogus", Priority: model.PriorityHigh})
	require.Error(t, err)
	assert.True(t, store.IsValidation(err))
	assert.False(t, store.IsTransient(err))

	title := "renamed"
	err = c.Update(ctx, "missing", model.UpdateIssueData{Title: &title})
	assert.True(t, store.IsNotFound(err))

	data := model.CreateIssueData{Title: "x", Status: model.StatusTodo, Priority: model.PriorityLow}
	require.NoError(t, c.Create(ctx, "abc", data))
	require.NoError(t, c.Delete(ctx, "abc"))
	err = c.Create(ctx, "abc", data)
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))
	assert.False(t, store.IsTransient(err))
}

func TestClientTimeoutDoesNotTouchCallerClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	tests := []struct {
		name string
		opts func(hc *http.Client) []client.Option
	}{
		{
			name: "timeout first",
			opts: func(hc *http.Client) []client.Option {
				return []client.Option{client.WithTimeout(50 * time.Millisecond), client.WithHTTPClient(hc)}
			},
		},
		{
			name: "timeout last",
			opts: func(hc *http.Client) []client.Option {
				return []client.Option{client.WithHTTPClient(hc), client.WithTimeout(50 * time.Millisecond)}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := &http.Client{}
			c := client.New(srv.URL, tt.opts(hc)...)

			start := time.Now()
			_, err := c.GetAll(t.Context())
			require.Error(t, err)
			assert.Less(t, time.Since(start), time.Second)
			assert.Zero(t, hc.Timeout)
		})
	}
}

func TestClientServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to fetch issues"}`))
	}))
	defer srv.Close()

	_, err := client.New(srv.URL).GetAll(t.Context())
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))
	assert.Contains(t, err.Error(), "Failed to fetch issues")
}

func TestClientRetriesRateLimitedRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	issues, err := client.New(srv.URL).GetAll(t.Context())
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := client.New(srv.URL, client.WithMaxRetries(2)).GetAll(t.Context())
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCollectionOverHTTP(t *testing.T) {
	c, repo := newServer(t)
	require.NoError(t, repo.Create(t.Context(), "seeded", model.CreateIssueData{
		Title: "already there", Status: model.StatusTodo, Priority: model.PriorityLow,
	}))

	col := collection.New(c, collection.Options{CommitTimeout: 5 * time.Second})
	col.Preload()
	require.NoError(t, col.WaitReady(t.Context()))
	require.Equal(t, 1, col.Len())

	tx, err := col.Insert(model.Issue{ID: "fresh", Title: "over the wire", Priority: model.PriorityUrgent})
	require.NoError(t, err)
	_, ok := col.Get("fresh")
	assert.True(t, ok)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, tx.Wait(ctx))

	stored, err := repo.Get(t.Context(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.PriorityUrgent, stored.Priority)

	bad, err := col.Update("fresh", func(issue *model.Issue) { issue.Status = "bogus" })
	require.NoError(t, err)
	err = bad.Wait(ctx)
	assert.True(t, store.IsValidation(err))

	got, _ := col.Get("fresh")
	assert.Equal(t, model.StatusTodo, got.Status)
}
