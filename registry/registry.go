// Package registry tracks the users that currently hold a live session.
package registry

import (
	"sort"
	"sync"
	"time"

	"chatd/protocol"
)

// Peer is the live connection behind a session.
type Peer interface {
	ID() string
	RemoteAddr() string
	Send(resp *protocol.Response) error
	Close() error
}

// Observer receives connect and disconnect notifications. Calls are made
// outside the registry lock.
type Observer interface {
	UserConnected(login, addr string)
	UserDisconnected(login string)
}

type ConnectedUser struct {
	Login       string
	DisplayName string
	Token       string
	Peer        Peer
	Address     string
	ConnectedAt time.Time
	LastSeen    time.Time
}

// Registry holds at most one ConnectedUser per login. Both indexes are
// updated under the same lock.
type Registry struct {
	mu       sync.RWMutex
	byLogin  map[string]*ConnectedUser
	byToken  map[string]*ConnectedUser
	observer Observer
	now      func() time.Time
}

func New(observer Observer) *Registry {
	return &Registry{
		byLogin:  make(map[string]*ConnectedUser),
		byToken:  make(map[string]*ConnectedUser),
		observer: observer,
		now:      time.Now,
	}
}

// Register adds u and returns the entry it replaced for the same login, if
// any. The caller is responsible for closing the evicted peer.
func (r *Registry) Register(u *ConnectedUser) (evicted *ConnectedUser) {
	now := r.now()
	if u.ConnectedAt.IsZero() {
		u.ConnectedAt = now
	}
	u.LastSeen = now

	r.mu.Lock()
	if prev, ok := r.byLogin[u.Login]; ok {
		delete(r.byToken, prev.Token)
		evicted = prev
	}
	r.byLogin[u.Login] = u
	r.byToken[u.Token] = u
	r.mu.Unlock()

	if r.observer != nil {
		if evicted != nil {
			r.observer.UserDisconnected(evicted.Login)
		}
		r.observer.UserConnected(u.Login, u.Address)
	}
	return evicted
}

func (r *Registry) LookupByToken(token string) (*ConnectedUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byToken[token]
	return u, ok
}

// LookupOnline returns the peer of login when it has a live session.
func (r *Registry) LookupOnline(login string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byLogin[login]
	if !ok {
		return nil, false
	}
	return u.Peer, true
}

func (r *Registry) IsOnline(login string) bool {
	_, ok := r.LookupOnline(login)
	return ok
}

// Unregister removes the session holding token. It is safe to call more than
// once and never removes a newer session that replaced this one.
func (r *Registry) Unregister(token string) bool {
	r.mu.Lock()
	u, ok := r.byToken[token]
	if ok {
		delete(r.byToken, token)
		if cur, live := r.byLogin[u.Login]; live && cur == u {
			delete(r.byLogin, u.Login)
		}
	}
	r.mu.Unlock()

	if ok && r.observer != nil {
		r.observer.UserDisconnected(u.Login)
	}
	return ok
}

// Touch refreshes the last seen time of a session.
func (r *Registry) Touch(token string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byToken[token]; ok {
		u.LastSeen = now
	}
}

// List returns a snapshot of the online users ordered by login.
func (r *Registry) List() []ConnectedUser {
	r.mu.RLock()
	users := make([]ConnectedUser, 0, len(r.byLogin))
	for _, u := range r.byLogin {
		users = append(users, *u)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].Login < users[j].Login })
	return users
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byLogin)
}
