package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/flow/internal/model"
	"github.com/nhle/flow/internal/store"
	"github.com/nhle/flow/tests/testutil"
)

type backend struct {
	name string
	open func(t *testing.T) store.Repository
}

func backends() []backend {
	return []backend{
		{
			name: "sqlite",
			open: func(t *testing.T) store.Repository {
				return testutil.NewTestStore(t, store.WithClock(testutil.NewStepClock().Now))
			},
		},
		{
			name: "memory",
			open: func(t *testing.T) store.Repository {
				return store.NewMemoryStore(store.WithClock(testutil.NewStepClock().Now))
			},
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, repo store.Repository)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func fixBug() model.CreateIssueData {
	return model.CreateIssueData{
		Title:    "Fix bug",
		Status:   model.StatusTodo,
		Priority: model.PriorityHigh,
	}
}

func TestCreateRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, "", fixBug()))

		issues, err := repo.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, issues, 1)

		got := issues[0]
		assert.NotEmpty(t, got.ID)
		assert.Equal(t, int64(1), got.IssueNumber)
		assert.Equal(t, "Fix bug", got.Title)
		assert.Equal(t, model.StatusTodo, got.Status)
		assert.Equal(t, model.PriorityHigh, got.Priority)
		assert.Nil(t, got.Description)
		assert.Nil(t, got.Assignee)
		assert.True(t, got.CreatedAt.Equal(got.UpdatedAt), "created_at %v != updated_at %v", got.CreatedAt, got.UpdatedAt)
	})
}

func TestGetAllOnEmptyStore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		issues, err := repo.GetAll(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, issues)
		assert.Empty(t, issues)
	})
}

func TestCreateUsesClientID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, "client-id-1", fixBug()))

		got, err := repo.Get(ctx, "client-id-1")
		require.NoError(t, err)
		assert.Equal(t, "client-id-1", got.ID)
	})
}

func TestCreateAppliesDefaults(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, "a", model.CreateIssueData{Title: "Defaults"}))

		got, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.StatusTodo, got.Status)
		assert.Equal(t, model.PriorityMedium, got.Priority)
	})
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name  string
		data  model.CreateIssueData
		field string
	}{
		{"bogus status", model.CreateIssueData{Title: "x", Status: "bogus", Priority: model.PriorityHigh}, "status"},
		{"bogus priority", model.CreateIssueData{Title: "x", Status: model.StatusTodo, Priority: "critical"}, "priority"},
		{"empty title", model.CreateIssueData{Title: "", Status: model.StatusTodo, Priority: model.PriorityLow}, "title"},
		{"blank title", model.CreateIssueData{Title: "   ", Status: model.StatusTodo, Priority: model.PriorityLow}, "title"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, repo store.Repository) {
				ctx := context.Background()
				err := repo.Create(ctx, "", tc.data)
				require.Error(t, err)
				assert.True(t, store.IsValidation(err), "expected ValidationError, got %T: %v", err, err)

				var verr *store.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tc.field, verr.Field)

				issues, err := repo.GetAll(ctx)
				require.NoError(t, err)
				assert.Empty(t, issues, "store must be unchanged")
			})
		})
	}
}

func TestPartialUpdateLeavesOtherFieldsAlone(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, "a", model.CreateIssueData{
			Title:       "Original",
			Description: model.StringPtr("keep me"),
			Status:      model.StatusTodo,
			Priority:    model.PriorityLow,
			Assignee:    model.StringPtr("Alice"),
		}))
		before, err := repo.Get(ctx, "a")
		require.NoError(t, err)

		status := model.StatusInProgress
		require.NoError(t, repo.Update(ctx, "a", model.UpdateIssueData{Status: &status}))

		after, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.StatusInProgress, after.Status)
		assert.Equal(t, before.Title, after.Title)
		assert.Equal(t, before.Description, after.Description)
		assert.Equal(t, before.Priority, after.Priority)
		assert.Equal(t, before.Assignee, after.Assignee)
		assert.Equal(t, before.IssueNumber, after.IssueNumber)
		assert.True(t, before.CreatedAt.Equal(after.CreatedAt))
		assert.True(t, after.UpdatedAt.After(before.UpdatedAt), "updated_at must advance")
	})
}

func TestUpdateCanClearNullableFields(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, "a", model.CreateIssueData{
			Title:       "Has extras",
			Description: model.StringPtr("text"),
			Assignee:    model.StringPtr("Bob"),
		}))

		require.NoError(t, repo.Update(ctx, "a", model.UpdateIssueData{
			Description: model.NullableString{Set: true},
		}))

		got, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, got.Description)
		require.NotNil(t, got.Assignee)
		assert.Equal(t, "Bob", *got.Assignee)
	})
}

func TestEmptyUpdateIsNoop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, "a", fixBug()))
		before, err := repo.Get(ctx, "a")
		require.NoError(t, err)

		require.NoError(t, repo.Update(ctx, "a", model.UpdateIssueData{}))

		after, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt), "updated_at must not change")
	})
}

func TestUpdateMissingIssue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		title := "nobody home"
		err := repo.Update(context.Background(), "missing", model.UpdateIssueData{Title: &title})
		require.Error(t, err)
		assert.True(t, store.IsNotFound(err))
	})
}

func TestUpdateRejectsInvalidEnum(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, "a", fixBug()))

		priority := model.Priority("whenever")
		err := repo.Update(ctx, "a", model.UpdateIssueData{Priority: &priority})
		assert.True(t, store.IsValidation(err))

		got, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.PriorityHigh, got.Priority)
	})
}

func TestDeleteIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, "a", fixBug()))

		require.NoError(t, repo.Delete(ctx, "a"))
		require.NoError(t, repo.Delete(ctx, "a"))
		require.NoError(t, repo.Delete(ctx, "never-existed"))

		_, err := repo.Get(ctx, "a")
		assert.True(t, store.IsNotFound(err))
	})
}

func TestCreateRejectsTakenIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, "same", fixBug()))

		err := repo.Create(ctx, "same", fixBug())
		require.Error(t, err)
		assert.True(t, store.IsConflict(err), "got %v", err)

		require.NoError(t, repo.Delete(ctx, "same"))
		err = repo.Create(ctx, "same", fixBug())
		require.Error(t, err)
		assert.True(t, store.IsConflict(err), "got %v", err)
		assert.False(t, store.IsTransient(err))

		_, err = repo.Get(ctx, "same")
		assert.True(t, store.IsNotFound(err))

		// The failed creates did not consume issue numbers.
		require.NoError(t, repo.Create(ctx, "other", fixBug()))
		got, err := repo.Get(ctx, "other")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.IssueNumber)
	})
}

func TestDeletingMissingIDDoesNotReserveIt(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		require.NoError(t, repo.Delete(ctx, "fresh"))
		require.NoError(t, repo.Create(ctx, "fresh", fixBug()))
	})
}

func TestIssueNumbersNeverReused(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		var numbers []int64

		create := func(id string) {
			require.NoError(t, repo.Create(ctx, id, fixBug()))
			got, err := repo.Get(ctx, id)
			require.NoError(t, err)
			numbers = append(numbers, got.IssueNumber)
		}

		create("a")
		create("b")
		create("c")
		require.NoError(t, repo.Delete(ctx, "c"))
		require.NoError(t, repo.Delete(ctx, "b"))
		create("d")
		require.NoError(t, repo.Delete(ctx, "a"))
		create("e")

		assert.Equal(t, []int64{1, 2, 3, 4, 5}, numbers)
	})
}

func TestGetAllNewestFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		for _, id := range []string{"first", "second", "third"} {
			data := fixBug()
			data.Title = id
			require.NoError(t, repo.Create(ctx, id, data))
		}

		issues, err := repo.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, issues, 3)
		assert.Equal(t, "third", issues[0].ID)
		assert.Equal(t, "second", issues[1].ID)
		assert.Equal(t, "first", issues[2].ID)
	})
}

func TestQuotesInFreeTextFields(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()
		title := `Robert'); DROP TABLE issues;--`
		description := `He said "it's fine"`
		require.NoError(t, repo.Create(ctx, "q", model.CreateIssueData{
			Title:       title,
			Description: &description,
			Assignee:    model.StringPtr("O'Brien"),
		}))

		assignee := `D'Arcy "Dee" O'Neil`
		require.NoError(t, repo.Update(ctx, "q", model.UpdateIssueData{
			Assignee: model.NullableFrom(&assignee),
		}))

		got, err := repo.Get(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, title, got.Title)
		assert.Equal(t, description, *got.Description)
		assert.Equal(t, assignee, *got.Assignee)

		issues, err := repo.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, issues, 1)
	})
}

func TestSeedIfEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo store.Repository) {
		ctx := context.Background()

		n, err := store.SeedIfEmpty(ctx, repo, model.SeedIssues)
		require.NoError(t, err)
		assert.Equal(t, len(model.SeedIssues), n)

		n, err = store.SeedIfEmpty(ctx, repo, model.SeedIssues)
		require.NoError(t, err)
		assert.Zero(t, n)

		issues, err := repo.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, issues, len(model.SeedIssues))
	})
}

func TestEnsureSchemaConcurrentFirstCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.db")
	s := store.NewSQLiteStore(path)
	t.Cleanup(func() { _ = s.Close() })

	const callers = 16
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureSchema(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, s.Create(context.Background(), "", fixBug()))
}

func TestEnsureSchemaAcrossProcessesSharingAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	first := store.NewSQLiteStore(path)
	second := store.NewSQLiteStore(path)
	t.Cleanup(func() {
		_ = first.Close()
		_ = second.Close()
	})

	ctx := context.Background()
	require.NoError(t, first.EnsureSchema(ctx))
	require.NoError(t, second.EnsureSchema(ctx))

	require.NoError(t, first.Create(ctx, "a", fixBug()))
	require.NoError(t, second.Create(ctx, "b", fixBug()))

	b, err := first.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.IssueNumber)
}

func TestClosedStoreFails(t *testing.T) {
	s := store.NewSQLiteStore(":memory:")
	require.NoError(t, s.Close())

	err := s.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.True(t, store.IsSchema(err))
	assert.ErrorIs(t, err, store.ErrClosed)
}
