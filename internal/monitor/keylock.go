package monitor

import "sync"

// keyLock serializes work per item id. Entries are dropped when unused.
type keyLock struct {
	mu    sync.Mutex
	locks map[int64]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock { return &keyLock{locks: make(map[int64]*keyEntry)} }

func (k *keyLock) Lock(id int64) (unlock func()) {
	k.mu.Lock()
	e := k.locks[id]
	if e == nil {
		e = &keyEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
