package registry

import (
	"errors"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

var (
	ErrConnectionExists = errors.New("connection already registered")
	ErrInvalidEntry     = errors.New("user id and connection id are required")
)

type Entry struct {
	ConnectionID string
	UserID       string
	SessionID    string
	ConnectedAt  time.Time
}

// Registry maps users to their live connections on this process. Every
// connection belongs to exactly one user and every user with an entry has at
// least one connection.
type Registry struct {
	mu    sync.RWMutex
	users map[string]mapset.Set[string]
	conns map[string]Entry
}

func New() *Registry {
	return &Registry{
		users: make(map[string]mapset.Set[string]),
		conns: make(map[string]Entry),
	}
}

// Add registers a connection and reports whether it is the user's first one.
func (r *Registry) Add(entry Entry) (first bool, err error) {
	if entry.UserID == "" || entry.ConnectionID == "" {
		return false, ErrInvalidEntry
	}
	if entry.ConnectedAt.IsZero() {
		entry.ConnectedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[entry.ConnectionID]; exists {
		return false, ErrConnectionExists
	}

	set, ok := r.users[entry.UserID]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		r.users[entry.UserID] = set
	}
	set.Add(entry.ConnectionID)
	r.conns[entry.ConnectionID] = entry

	return !ok, nil
}

// Remove drops a connection. last reports whether the user has no
// connections left on this process. Removing an unknown connection is a no-op.
func (r *Registry) Remove(connectionID string) (entry Entry, last bool, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connectionID]
	if !ok {
		return Entry{}, false, false
	}
	delete(r.conns, connectionID)

	set := r.users[entry.UserID]
	set.Remove(connectionID)
	if set.Cardinality() == 0 {
		delete(r.users, entry.UserID)
		last = true
	}

	return entry, last, true
}

func (r *Registry) Get(connectionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[connectionID]
	return entry, ok
}

func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.users[userID]
	if !ok {
		return nil
	}

	ids := set.ToSlice()
	slices.Sort(ids)
	return ids
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.users[userID]
	return ok
}

func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.users))
	for userID := range r.users {
		users = append(users, userID)
	}
	slices.Sort(users)
	return users
}

func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
