package store

import (
	"context"
	"fmt"

	"github.com/nhle/flow/internal/model"
)

// SeedIfEmpty creates the given issues when the repository holds none.
// It reports how many issues were created.
func SeedIfEmpty(ctx context.Context, repo Repository, seed []model.CreateIssueData) (int, error) {
	existing, err := repo.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("checking for existing issues: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	for i, data := range seed {
		if err := repo.Create(ctx, "", data); err != nil {
			return i, fmt.Errorf("seeding issue %q: %w", data.Title, err)
		}
	}
	return len(seed), nil
}
