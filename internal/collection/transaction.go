package collection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nhle/flow/internal/model"
)

var (
	// ErrNotPending is returned when a mutation, commit or rollback targets
	// a transaction that already left the pending state.
	ErrNotPending = errors.New("transaction is not pending")

	// ErrRolledBack is the terminal error of a transaction discarded with
	// Rollback before it was committed.
	ErrRolledBack = errors.New("transaction rolled back")

	errDeleteIsFinal = errors.New("a persisted delete cannot be undone")
)

// State is the lifecycle position of a transaction.
type State int

// Transaction states. Persisted and Failed are terminal.
const (
	StatePending State = iota
	StatePersisting
	StatePersisted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePersisting:
		return "persisting"
	case StatePersisted:
		return "persisted"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s is Persisted or Failed.
func (s State) Terminal() bool {
	return s == StatePersisted || s == StateFailed
}

// Transaction groups optimistic mutations that are persisted together.
// Mutations are visible in the collection as soon as they are staged.
// Fields other than id, c and done are guarded by c.mu.
type Transaction struct {
	id   string
	c    *Collection
	done chan struct{}

	state     State
	err       error
	mutations []*mutation
}

// Begin opens an empty pending transaction.
func (c *Collection) Begin() *Transaction {
	return &Transaction{
		id:   uuid.New().String(),
		c:    c,
		done: make(chan struct{}),
	}
}

// ID identifies the transaction in logs.
func (tx *Transaction) ID() string {
	return tx.id
}

// State returns the current lifecycle state.
func (tx *Transaction) State() State {
	tx.c.mu.Lock()
	defer tx.c.mu.Unlock()
	return tx.state
}

// Err returns the error that failed the transaction, or nil.
func (tx *Transaction) Err() error {
	tx.c.mu.Lock()
	defer tx.c.mu.Unlock()
	return tx.err
}

// Done is closed once the transaction reaches a terminal state.
func (tx *Transaction) Done() <-chan struct{} {
	return tx.done
}

// Wait blocks until the transaction is terminal and returns its error.
func (tx *Transaction) Wait(ctx context.Context) error {
	select {
	case <-tx.done:
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Insert stages an optimistic insert.
func (tx *Transaction) Insert(issue model.Issue) error {
	return tx.c.stage(tx, func() (*mutation, error) {
		return tx.c.buildInsert(issue)
	})
}

// Update stages the difference mutate makes to the visible issue.
func (tx *Transaction) Update(key string, mutate func(*model.Issue)) error {
	return tx.c.stage(tx, func() (*mutation, error) {
		return tx.c.buildUpdate(key, mutate)
	})
}

// Delete stages an optimistic delete.
func (tx *Transaction) Delete(key string) error {
	return tx.c.stage(tx, func() (*mutation, error) {
		return tx.c.buildDelete(key)
	})
}

// Commit persists the staged mutations in order. Each remote call waits for
// earlier transactions on the same key to resolve. The whole commit is
// bounded by the collection's commit timeout; a timeout counts as failure.
//
// On failure every mutation of the transaction is taken back out of the
// collection and the original error is returned. Mutations the remote had
// already accepted are undone there in reverse order; if that is not
// possible the collection refreshes from the remote afterwards.
func (tx *Transaction) Commit(ctx context.Context) error {
	c := tx.c

	c.mu.Lock()
	if tx.state != StatePending {
		c.mu.Unlock()
		return ErrNotPending
	}
	tx.state = StatePersisting
	muts := append([]*mutation(nil), tx.mutations...)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.CommitTimeout)
	defer cancel()

	for i, m := range muts {
		if err := c.persist(ctx, m); err != nil {
			c.log.Warn("rolling back transaction",
				"tx", tx.id,
				"kind", m.kind.String(),
				"key", m.key,
				"err", err,
			)
			undone := c.compensate(ctx, tx, muts[:i])
			c.finish(tx, muts[i:], muts[:i], err)
			if !undone {
				c.refreshAsync(tx, "refresh after failed undo")
			}
			return err
		}
		c.confirm(m)
	}

	c.finish(tx, nil, nil, nil)
	c.log.Debug("transaction persisted", "tx", tx.id, "mutations", len(muts))
	return nil
}

// Rollback discards a pending transaction and reverts its mutations.
func (tx *Transaction) Rollback() error {
	c := tx.c

	c.mu.Lock()
	if tx.state != StatePending {
		c.mu.Unlock()
		return ErrNotPending
	}
	tx.state = StatePersisting
	muts := tx.mutations
	c.mu.Unlock()

	c.finish(tx, muts, nil, ErrRolledBack)
	return nil
}

// persist waits for the key's turn and runs the remote call. The call runs
// on its own goroutine so a remote that ignores ctx cannot hold the
// transaction past its deadline.
func (c *Collection) persist(ctx context.Context, m *mutation) error {
	if m.after != nil {
		select {
		case <-m.after:
		case <-ctx.Done():
			return fmt.Errorf("waiting for earlier %s on %s: %w", m.kind, m.key, ctx.Err())
		}
	}

	return within(ctx, func() error { return c.call(ctx, m) })
}

func within(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	go func() {
		result <- fn()
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// compensate undoes confirmed mutations on the remote, newest first, and
// reports whether all of them were undone. A confirmed delete cannot be
// undone because deleted ids are never reassigned.
func (c *Collection) compensate(ctx context.Context, tx *Transaction, confirmed []*mutation) bool {
	if len(confirmed) == 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CommitTimeout)
	defer cancel()

	undone := true
	for i := len(confirmed) - 1; i >= 0; i-- {
		m := confirmed[i]
		err := within(ctx, func() error { return c.undo(ctx, m) })
		if err != nil {
			c.log.Warn("could not undo confirmed mutation",
				"tx", tx.id,
				"kind", m.kind.String(),
				"key", m.key,
				"err", err,
			)
			undone = false
		}
	}
	return undone
}

func (c *Collection) undo(ctx context.Context, m *mutation) error {
	switch m.kind {
	case mutationInsert:
		return c.remote.Delete(ctx, m.key)
	case mutationUpdate:
		if inv := m.inverse(); !inv.IsEmpty() {
			return c.remote.Update(ctx, m.key, inv)
		}
		return nil
	case mutationDelete:
		return errDeleteIsFinal
	}
	return fmt.Errorf("unknown mutation kind %d", m.kind)
}

func (c *Collection) call(ctx context.Context, m *mutation) error {
	switch m.kind {
	case mutationInsert:
		return c.remote.Create(ctx, m.key, m.issue.CreateData())
	case mutationUpdate:
		if m.patch.IsEmpty() {
			return nil
		}
		return c.remote.Update(ctx, m.key, m.patch)
	case mutationDelete:
		return c.remote.Delete(ctx, m.key)
	}
	return fmt.Errorf("unknown mutation kind %d", m.kind)
}
