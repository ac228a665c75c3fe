package service

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
)

// itemLocks is a mutex per local item id. Entries are dropped once nobody
// holds or waits for them.
type itemLocks struct {
	mu    sync.Mutex
	items map[string]*itemLock
}

type itemLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newItemLocks() *itemLocks {
	return &itemLocks{items: make(map[string]*itemLock)}
}

// acquire locks id. With reject set a held lock fails immediately with
// Busy; otherwise it waits until the lock is free or ctx is done.
func (l *itemLocks) acquire(ctx context.Context, op, id string, reject bool) (release func(), err error) {
	l.mu.Lock()
	e, ok := l.items[id]
	if !ok {
		e = &itemLock{sem: semaphore.NewWeighted(1)}
		l.items[id] = e
	}
	e.refs++
	l.mu.Unlock()

	if reject {
		if !e.sem.TryAcquire(1) {
			l.drop(id, e)
			return nil, &fault.Error{Kind: fault.Busy, Op: op, ItemID: id, Message: "another operation on this item is in progress"}
		}
	} else if err := e.sem.Acquire(ctx, 1); err != nil {
		l.drop(id, e)
		return nil, fault.FromContext(ctx, op, err).WithItem("", id)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.drop(id, e)
		})
	}, nil
}

func (l *itemLocks) drop(id string, e *itemLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.items, id)
	}
}

func (l *itemLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// lockItem locks id according to the service's busy policy.
func (s *InstallService) lockItem(ctx context.Context, op, id string) (func(), error) {
	return s.locks.acquire(ctx, op, id, s.opts.RejectBusy)
}

// targetClaims reserves install directories for installs in flight, keyed by
// clean path, so two items never promote into the same directory.
type targetClaims struct {
	mu    sync.Mutex
	owner map[string]string
}

func newTargetClaims() *targetClaims {
	return &targetClaims{owner: make(map[string]string)}
}

func (c *targetClaims) release(path, localItemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner[path] == localItemID {
		delete(c.owner, path)
	}
}
