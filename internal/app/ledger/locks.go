package ledger

import "sync"

// userLocks hands out one mutex per user id. Mutating ledger operations for
// the same user are serialized through it; different users never contend.
// Entries are never evicted — one mutex per seen user is cheap and keeps
// lock identity stable for the process lifetime.
type userLocks struct {
	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{users: make(map[string]*sync.Mutex)}
}

// get returns the mutex for a user, creating it on first use.
func (l *userLocks) get(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.users[userID]
	if !ok {
		m = &sync.Mutex{}
		l.users[userID] = m
	}
	return m
}
