// Package kvstoretest provides Store doubles for failure-path tests.
package kvstoretest

import (
	"context"
	"sync"
	"time"

	"github.com/reefbuddy/reefbuddy/internal/kvstore"
)

// Op names a Store method for failure injection.
type Op string

const (
	OpGet   Op = "get"
	OpSet   Op = "set"
	OpIncr  Op = "incr"
	OpSetNX Op = "setnx"
	OpCAD   Op = "compare_and_delete"
)

// FailingStore wraps a Store and fails selected operations with kvstore.ErrUnavailable.
type FailingStore struct {
	kvstore.Store

	mu    sync.Mutex
	fail  map[Op]bool
	calls map[Op]int
}

func NewFailingStore(inner kvstore.Store) *FailingStore {
	return &FailingStore{Store: inner, fail: map[Op]bool{}, calls: map[Op]int{}}
}

func (f *FailingStore) Fail(ops ...Op) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		f.fail[op] = true
	}
}

func (f *FailingStore) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = map[Op]bool{}
}

// Calls reports how many times op was attempted, including failed attempts.
func (f *FailingStore) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FailingStore) enter(op Op) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.fail[op]
}

func (f *FailingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.enter(OpGet) {
		return nil, kvstore.ErrUnavailable
	}
	return f.Store.Get(ctx, key)
}

func (f *FailingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.enter(OpSet) {
		return kvstore.ErrUnavailable
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *FailingStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if f.enter(OpIncr) {
		return 0, kvstore.ErrUnavailable
	}
	return f.Store.Incr(ctx, key, ttl)
}

func (f *FailingStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if f.enter(OpSetNX) {
		return false, kvstore.ErrUnavailable
	}
	return f.Store.SetNX(ctx, key, value, ttl)
}

func (f *FailingStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	if f.enter(OpCAD) {
		return false, kvstore.ErrUnavailable
	}
	return f.Store.CompareAndDelete(ctx, key, value)
}
