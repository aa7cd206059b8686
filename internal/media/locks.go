package media

import "sync"

// pathLocks serializes work on individual library files. Entries are
// discarded once no goroutine holds or awaits them.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sync.Mutex
	waiters int
}

// lock acquires the lock for path, returning the function which releases it.
func (p *pathLocks) lock(path string) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*pathLock)
	}
	l, ok := p.locks[path]
	if !ok {
		l = &pathLock{}
		p.locks[path] = l
	}
	l.waiters++
	p.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		p.mu.Lock()
		defer p.mu.Unlock()
		l.waiters--
		if l.waiters == 0 {
			delete(p.locks, path)
		}
	}
}
