// Package collection keeps an in-memory, keyed mirror of the remote issue
// set and applies local edits optimistically through transactions.
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/flow/internal/model"
	"github.com/nhle/flow/internal/store"
)

// DefaultCommitTimeout bounds a commit when Options.CommitTimeout is zero.
const DefaultCommitTimeout = 10 * time.Second

// refreshAttempts caps how often Refresh re-fetches when commits land while
// a fetch is in flight.
const refreshAttempts = 3

// Remote is the subset of the transport the collection depends on. Both
// store.Repository implementations and client.Client satisfy it.
type Remote interface {
	GetAll(ctx context.Context) ([]model.Issue, error)
	Create(ctx context.Context, id string, data model.CreateIssueData) error
	Update(ctx context.Context, id string, data model.UpdateIssueData) error
	Delete(ctx context.Context, id string) error
}

// Options configures a Collection.
type Options struct {
	// CommitTimeout bounds each commit, including the wait for earlier
	// transactions on the same key. Zero means DefaultCommitTimeout.
	CommitTimeout time.Duration
	// RefreshOnPersist re-fetches the remote set after every persisted
	// transaction so server-assigned fields replace local placeholders.
	RefreshOnPersist bool
	Logger           *slog.Logger
	Now              func() time.Time
	NewID            func() string
}

// Collection is the local mirror. Reads never block on the network.
type Collection struct {
	remote Remote
	opts   Options
	log    *slog.Logger

	// notifyMu serializes state changes together with their notifications
	// so subscribers see snapshots in the order they were produced.
	notifyMu sync.Mutex

	mu        sync.Mutex
	base      map[string]model.Issue
	pending   map[string][]*mutation
	view      map[string]model.Issue
	tails     map[string]chan struct{}
	subs      map[int]func(Snapshot)
	nextSub   int
	version   uint64
	confirmed uint64
	loaded    bool
	loadErr   error

	preloadOnce sync.Once
	readyOnce   sync.Once
	readyCh     chan struct{}

	refreshGroup singleflight.Group
}

// New creates an empty collection backed by remote.
func New(remote Remote, opts Options) *Collection {
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = DefaultCommitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	return &Collection{
		remote:  remote,
		opts:    opts,
		log:     opts.Logger,
		base:    make(map[string]model.Issue),
		pending: make(map[string][]*mutation),
		view:    make(map[string]model.Issue),
		tails:   make(map[string]chan struct{}),
		subs:    make(map[int]func(Snapshot)),
		readyCh: make(chan struct{}),
	}
}

// Preload starts the initial fetch. Only the first call does anything;
// later calls return immediately.
func (c *Collection) Preload() {
	c.preloadOnce.Do(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommitTimeout)
			defer cancel()

			err := c.Refresh(ctx)
			if err != nil {
				c.log.Warn("preload failed", "err", err)
				c.mu.Lock()
				c.loadErr = err
				c.mu.Unlock()
			}
			c.markReady()
		}()
	})
}

// Ready reports whether the mirror has been populated from the remote.
func (c *Collection) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// WaitReady blocks until the first load attempt finishes and returns its
// error, if any.
func (c *Collection) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	return c.loadErr
}

func (c *Collection) markReady() {
	c.readyOnce.Do(func() { close(c.readyCh) })
}

// Refresh fetches the full remote set and replaces the synced base.
// Concurrent calls share one fetch. A fetch that overlapped a confirmed
// commit is retried so it cannot resurrect a just-deleted record.
func (c *Collection) Refresh(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		for attempt := 1; ; attempt++ {
			c.mu.Lock()
			mark := c.confirmed
			c.mu.Unlock()

			issues, err := c.remote.GetAll(ctx)
			if err != nil {
				return nil, fmt.Errorf("fetching issues: %w", err)
			}

			if c.replace(issues, mark, attempt < refreshAttempts) {
				return nil, nil
			}
			c.log.Debug("refresh raced a commit, fetching again", "attempt", attempt)
		}
	})
	return err
}

// ReplaceAll discards the synced base and repopulates it from issues in a
// single notification. Pending local mutations stay layered on top.
func (c *Collection) ReplaceAll(issues []model.Issue) {
	c.replace(issues, 0, false)
}

// replace swaps the base. With check set it refuses when a commit was
// confirmed after mark was taken.
func (c *Collection) replace(issues []model.Issue, mark uint64, check bool) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if check && c.confirmed != mark {
		c.mu.Unlock()
		return false
	}
	c.base = make(map[string]model.Issue, len(issues))
	for _, issue := range issues {
		c.base[issue.ID] = issue.Clone()
	}
	c.view = make(map[string]model.Issue, len(c.base))
	for key := range c.base {
		c.recomputeLocked(key)
	}
	for key := range c.pending {
		c.recomputeLocked(key)
	}
	c.loaded = true
	c.loadErr = nil
	snap, subs := c.publishLocked()
	c.mu.Unlock()

	c.markReady()
	deliver(snap, subs)
	return true
}

// Len returns the number of visible issues.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.view)
}

// Get returns the visible issue for key, including pending local edits.
func (c *Collection) Get(key string) (model.Issue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	issue, ok := c.view[key]
	if !ok {
		return model.Issue{}, false
	}
	return issue.Clone(), true
}

// Keys returns the visible keys in display order, newest first.
func (c *Collection) Keys() []string {
	issues := c.Snapshot().Issues
	keys := make([]string, len(issues))
	for i, issue := range issues {
		keys[i] = issue.ID
	}
	return keys
}

// Snapshot returns a copy of the visible state.
func (c *Collection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Pending reports whether key has unresolved local mutations.
func (c *Collection) Pending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[key]) > 0
}

// Subscribe registers fn to receive a snapshot after every change. fn runs
// on the goroutine that made the change and must not mutate the collection
// synchronously. The returned function unsubscribes.
func (c *Collection) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Insert adds issue optimistically and commits it in the background. An
// empty ID is filled in locally so the issue is addressable at once.
func (c *Collection) Insert(issue model.Issue) (*Transaction, error) {
	tx := c.Begin()
	if err := tx.Insert(issue); err != nil {
		return nil, err
	}
	c.commitAsync(tx)
	return tx, nil
}

// Update applies mutate to a copy of the visible issue, records the
// difference optimistically and commits it in the background.
func (c *Collection) Update(key string, mutate func(*model.Issue)) (*Transaction, error) {
	tx := c.Begin()
	if err := tx.Update(key, mutate); err != nil {
		return nil, err
	}
	c.commitAsync(tx)
	return tx, nil
}

// Delete removes key optimistically and commits it in the background.
func (c *Collection) Delete(key string) (*Transaction, error) {
	tx := c.Begin()
	if err := tx.Delete(key); err != nil {
		return nil, err
	}
	c.commitAsync(tx)
	return tx, nil
}

func (c *Collection) commitAsync(tx *Transaction) {
	go func() {
		if err := tx.Commit(context.Background()); err != nil {
			c.log.Warn("transaction failed", "tx", tx.ID(), "err", err)
		}
	}()
}

// stage validates and applies a mutation under the collection lock and
// notifies subscribers.
func (c *Collection) stage(tx *Transaction, build func() (*mutation, error)) error {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if tx.state != StatePending {
		c.mu.Unlock()
		return ErrNotPending
	}
	m, err := build()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	m.tx = tx
	m.at = c.opts.Now()
	m.after = c.tails[m.key]
	m.turn = make(chan struct{})
	c.tails[m.key] = m.turn

	tx.mutations = append(tx.mutations, m)
	c.pending[m.key] = append(c.pending[m.key], m)
	c.recomputeLocked(m.key)
	snap, subs := c.publishLocked()
	c.mu.Unlock()

	c.log.Debug("mutation applied", "tx", tx.id, "kind", m.kind.String(), "key", m.key)
	deliver(snap, subs)
	return nil
}

func (c *Collection) buildInsert(issue model.Issue) (*mutation, error) {
	if issue.ID == "" {
		issue.ID = c.opts.NewID()
	}
	if _, exists := c.view[issue.ID]; exists {
		return nil, &store.ConflictError{ID: issue.ID}
	}
	if issue.Status == "" {
		issue.Status = model.StatusTodo
	}
	if issue.Priority == "" {
		issue.Priority = model.PriorityMedium
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = c.opts.Now()
	}
	if issue.UpdatedAt.IsZero() {
		issue.UpdatedAt = issue.CreatedAt
	}
	return &mutation{kind: mutationInsert, key: issue.ID, issue: issue.Clone()}, nil
}

func (c *Collection) buildUpdate(key string, mutate func(*model.Issue)) (*mutation, error) {
	before, ok := c.view[key]
	if !ok {
		return nil, &store.NotFoundError{ID: key}
	}
	after := before.Clone()
	mutate(&after)
	return &mutation{kind: mutationUpdate, key: key, patch: model.Diff(before, after)}, nil
}

func (c *Collection) buildDelete(key string) (*mutation, error) {
	if _, ok := c.view[key]; !ok {
		return nil, &store.NotFoundError{ID: key}
	}
	return &mutation{kind: mutationDelete, key: key}, nil
}

// confirm folds a persisted mutation into the synced base.
func (c *Collection) confirm(m *mutation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	issue, ok := c.base[m.key]
	m.prior, m.priorOK = issue.Clone(), ok
	if issue, ok = m.fold(issue.Clone(), ok); ok {
		c.base[m.key] = issue
		m.folded = issue.Clone()
	} else {
		delete(c.base, m.key)
	}
	c.confirmed++
	c.resolveLocked(m)
}

// revertLocked takes a confirmed mutation's delta back out of the synced
// base. Changes other transactions folded in since are kept.
func (c *Collection) revertLocked(m *mutation) {
	switch m.kind {
	case mutationInsert:
		delete(c.base, m.key)
	case mutationUpdate:
		issue, ok := c.base[m.key]
		if !ok || !m.priorOK {
			break
		}
		issue = issue.Clone()
		m.inverse().Apply(&issue)
		if issue.UpdatedAt.Equal(m.folded.UpdatedAt) {
			issue.UpdatedAt = m.prior.UpdatedAt
		}
		c.base[m.key] = issue
	case mutationDelete:
		if m.priorOK {
			c.base[m.key] = m.prior.Clone()
		}
	}
	c.confirmed++
	c.recomputeLocked(m.key)
}

// finish drops the unconfirmed mutations of tx, reverts the confirmed ones
// listed in reverted, moves tx to its terminal state and notifies
// subscribers.
func (c *Collection) finish(tx *Transaction, dropped, reverted []*mutation, err error) {
	c.notifyMu.Lock()

	c.mu.Lock()
	for _, m := range dropped {
		c.resolveLocked(m)
	}
	for i := len(reverted) - 1; i >= 0; i-- {
		c.revertLocked(reverted[i])
	}
	if err != nil {
		tx.state = StateFailed
		tx.err = err
	} else {
		tx.state = StatePersisted
	}
	snap, subs := c.publishLocked()
	c.mu.Unlock()

	deliver(snap, subs)
	close(tx.done)
	c.notifyMu.Unlock()

	if err == nil && c.opts.RefreshOnPersist && len(tx.mutations) > 0 {
		c.refreshAsync(tx, "refresh after persist failed")
	}
}

func (c *Collection) refreshAsync(tx *Transaction, msg string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommitTimeout)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			c.log.Warn(msg, "tx", tx.id, "err", err)
		}
	}()
}

// resolveLocked removes m from the pending layer and hands the key's turn
// to the next mutation.
func (c *Collection) resolveLocked(m *mutation) {
	if m.resolved {
		return
	}
	m.resolved = true

	list := c.pending[m.key]
	for i, candidate := range list {
		if candidate == m {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.pending, m.key)
	} else {
		c.pending[m.key] = list
	}

	close(m.turn)
	if c.tails[m.key] == m.turn {
		delete(c.tails, m.key)
	}
	c.recomputeLocked(m.key)
}

func (c *Collection) recomputeLocked(key string) {
	issue, ok := c.base[key]
	issue = issue.Clone()
	for _, m := range c.pending[key] {
		issue, ok = m.apply(issue, ok)
	}
	if ok {
		c.view[key] = issue
	} else {
		delete(c.view, key)
	}
}

func (c *Collection) snapshotLocked() Snapshot {
	issues := make([]model.Issue, 0, len(c.view))
	for _, issue := range c.view {
		issues = append(issues, issue.Clone())
	}
	sort.Slice(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.IssueNumber != b.IssueNumber {
			return a.IssueNumber > b.IssueNumber
		}
		return a.ID < b.ID
	})
	return Snapshot{Issues: issues, Ready: c.loaded, Version: c.version}
}

func (c *Collection) publishLocked() (Snapshot, []func(Snapshot)) {
	c.version++
	if len(c.subs) == 0 {
		return Snapshot{}, nil
	}
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Snapshot), len(ids))
	for i, id := range ids {
		subs[i] = c.subs[id]
	}
	return c.snapshotLocked(), subs
}

func deliver(snap Snapshot, subs []func(Snapshot)) {
	for _, fn := range subs {
		fn(snap)
	}
}
