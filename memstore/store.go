/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package memstore provides an in-memory implementation of the uniqkit storage
// and row-lock boundaries. It is meant for tests: batches are applied atomically
// under one mutex, and the clock is injectable so that probe TTL expiration can
// be exercised without sleeping.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-uniqkit"
)

// DefaultLockPrefix is the namespace prefix claim columns are stored under
// when no prefix is configured explicitly.
const DefaultLockPrefix = "_lock_"

type claim struct {
	writeTime int64 // micros
	ttl       time.Duration
	committed bool
}

func (c claim) validAt(nowUS int64) bool {
	if c.committed || c.ttl == 0 {
		return true
	}
	return c.writeTime+c.ttl.Microseconds() > nowUS
}

// StoreOpts represents an options for Store.
type StoreOpts struct {
	// Clock overrides the wall clock, for TTL expiration tests.
	Clock func() time.Time
}

// Store is an in-memory row store with per-row claim columns.
// All methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	claims map[string]map[string]claim // prefix+rowKey -> token -> claim
	data   map[string]string           // arbitrary caller data, written via Batch.Put
	now    func() time.Time
}

// New creates a new in-memory store.
func New() *Store {
	return NewWithOpts(StoreOpts{})
}

// NewWithOpts is a more configurable version of New.
func NewWithOpts(opts StoreOpts) *Store {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Store{
		claims: make(map[string]map[string]claim),
		data:   make(map[string]string),
		now:    now,
	}
}

// NewMutationBatch implements the uniqkit.Storage interface.
// The in-memory store has a single replica, so the consistency level only
// travels with the batch for inspection by tests.
func (s *Store) NewMutationBatch(level uniqkit.ConsistencyLevel) uniqkit.MutationBatch {
	return &Batch{store: s, level: level}
}

// RowLock returns a lock handle for the given row key with the default prefix.
func (s *Store) RowLock(rowKey string) uniqkit.RowLock {
	return s.RowLockWithPrefix(rowKey, DefaultLockPrefix)
}

// RowLockWithPrefix returns a lock handle for the given row key and claim namespace prefix.
func (s *Store) RowLockWithPrefix(rowKey, prefix string) uniqkit.RowLock {
	return &rowLock{store: s, rowKey: rowKey, prefix: prefix}
}

// Get returns a data value previously written via Batch.Put.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// ClaimTokens returns the tokens of all claims currently present on the row,
// expired ones included. Intended for assertions in tests.
func (s *Store) ClaimTokens(rowKey string) []string {
	return s.claimTokens(DefaultLockPrefix, rowKey)
}

func (s *Store) claimTokens(prefix, rowKey string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := make([]string, 0, len(s.claims[prefix+rowKey]))
	for token := range s.claims[prefix+rowKey] {
		tokens = append(tokens, token)
	}
	return tokens
}

// CommittedToken returns the token of the committed claim on the row, if any.
func (s *Store) CommittedToken(rowKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, cl := range s.claims[DefaultLockPrefix+rowKey] {
		if cl.committed {
			return token, true
		}
	}
	return "", false
}

// Batch is an atomic in-memory mutation batch.
type Batch struct {
	store *Store
	level uniqkit.ConsistencyLevel
	ops   []func()
}

// Level returns the consistency level the batch was bound to.
func (b *Batch) Level() uniqkit.ConsistencyLevel {
	return b.level
}

// Put appends an arbitrary data write to the batch. It is the memstore analogue
// of attaching extra statements to a commit batch: the write becomes visible
// only when the batch executes.
func (b *Batch) Put(key, value string) {
	store := b.store
	b.ops = append(b.ops, func() {
		store.data[key] = value
	})
}

// Execute implements the uniqkit.MutationBatch interface.
// All accumulated writes are applied under one lock.
func (b *Batch) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, op := range b.ops {
		op()
	}
	b.ops = nil
	return nil
}

type rowLock struct {
	store  *Store
	rowKey string
	prefix string
}

func (l *rowLock) Key() string {
	return l.rowKey
}

func (l *rowLock) claimsKey() string {
	return l.prefix + l.rowKey
}

func (l *rowLock) batchOf(b uniqkit.MutationBatch) (*Batch, error) {
	mb, ok := b.(*Batch)
	if !ok || mb.store != l.store {
		return nil, fmt.Errorf("mutation batch was not produced by this store")
	}
	return mb, nil
}

// FillProbeMutation implements the uniqkit.RowLock interface.
func (l *rowLock) FillProbeMutation(b uniqkit.MutationBatch, token uniqkit.ProbeToken, writeTime int64, ttl time.Duration) error {
	mb, err := l.batchOf(b)
	if err != nil {
		return err
	}
	key, tok := l.claimsKey(), token.String()
	mb.ops = append(mb.ops, func() {
		row := l.store.claims[key]
		if row == nil {
			row = make(map[string]claim)
			l.store.claims[key] = row
		}
		row[tok] = claim{writeTime: writeTime, ttl: ttl}
	})
	return nil
}

// Verify implements the uniqkit.RowLock interface.
func (l *rowLock) Verify(ctx context.Context, token uniqkit.ProbeToken, writeTime int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	nowUS := l.store.now().UnixMicro()
	row := l.store.claims[l.claimsKey()]

	own, ok := row[token.String()]
	if !ok || own.writeTime != writeTime {
		return fmt.Errorf("row %q: probe %s written at %d is gone: %w",
			l.rowKey, token, writeTime, uniqkit.ErrRowStale)
	}
	for tok, cl := range row {
		if tok == token.String() {
			continue
		}
		if cl.validAt(nowUS) {
			return fmt.Errorf("row %q: claim %s is still valid: %w", l.rowKey, tok, uniqkit.ErrRowBusy)
		}
	}
	return nil
}

// FillCommitMutation implements the uniqkit.RowLock interface.
func (l *rowLock) FillCommitMutation(b uniqkit.MutationBatch, token uniqkit.ProbeToken) error {
	mb, err := l.batchOf(b)
	if err != nil {
		return err
	}
	key, tok := l.claimsKey(), token.String()
	mb.ops = append(mb.ops, func() {
		row := l.store.claims[key]
		if row == nil {
			row = make(map[string]claim)
			l.store.claims[key] = row
		}
		cl := row[tok]
		cl.committed = true
		cl.ttl = 0
		row[tok] = cl
	})
	return nil
}

// FillReleaseMutation implements the uniqkit.RowLock interface.
func (l *rowLock) FillReleaseMutation(b uniqkit.MutationBatch, token uniqkit.ProbeToken, committed bool) error {
	mb, err := l.batchOf(b)
	if err != nil {
		return err
	}
	key, tok := l.claimsKey(), token.String()
	mb.ops = append(mb.ops, func() {
		row := l.store.claims[key]
		if row == nil {
			return
		}
		if cl, ok := row[tok]; ok && committed && cl.committed {
			return // permanent claim survives release of a committed attempt
		}
		delete(row, tok)
		if len(row) == 0 {
			delete(l.store.claims, key)
		}
	})
	return nil
}
