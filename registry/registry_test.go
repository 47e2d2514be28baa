package registry

import (
	"fmt"
	"sync"
	"testing"

	"chatd/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id string
}

func (p *fakePeer) ID() string { return p.id }
func (p *fakePeer) RemoteAddr() string { return "127.0.0.1:" + p.id }
func (p *fakePeer) Send(resp *protocol.Response) error { return nil }
func (p *fakePeer) Close() error { return nil }

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) UserConnected(login, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "connected "+login+" "+addr)
}

func (r *recorder) UserDisconnected(login string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "disconnected "+login)
}

func user(login, token, peer string) *ConnectedUser {
	return &ConnectedUser{Login: login, Token: token, Peer: &fakePeer{id: peer}, Address: "127.0.0.1:" + peer}
}

func TestRegisterLookupUnregister(t *testing.T) {
	obs := &recorder{}
	r := New(obs)

	assert.Nil(t, r.Register(user("alice", "t1", "1")))
	assert.Equal(t, 1, r.Len())

	u, ok := r.LookupByToken("t1")
	require.True(t, ok)
	assert.Equal(t, "alice", u.Login)
	assert.False(t, u.ConnectedAt.IsZero())

	peer, ok := r.LookupOnline("alice")
	require.True(t, ok)
	assert.Equal(t, "1", peer.ID())
	assert.True(t, r.IsOnline("alice"))

	assert.True(t, r.Unregister("t1"))
	assert.False(t, r.Unregister("t1"), "second unregister is a no-op")

	_, ok = r.LookupOnline("alice")
	assert.False(t, ok)
	_, ok = r.LookupByToken("t1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())

	assert.Equal(t, []string{"connected alice 127.0.0.1:1", "disconnected alice"}, obs.events)
}

func TestRegister_ReplacesPriorSession(t *testing.T) {
	obs := &recorder{}
	r := New(obs)

	r.Register(user("alice", "old", "1"))
	evicted := r.Register(user("alice", "new", "2"))
	require.NotNil(t, evicted)
	assert.Equal(t, "old", evicted.Token)
	assert.Equal(t, 1, r.Len())

	_, ok := r.LookupByToken("old")
	assert.False(t, ok)

	// The evicted connection cleans up after the replacement is live.
	assert.False(t, r.Unregister("old"))
	peer, ok := r.LookupOnline("alice")
	require.True(t, ok)
	assert.Equal(t, "2", peer.ID())

	assert.Equal(t, []string{
		"connected alice 127.0.0.1:1",
		"disconnected alice",
		"connected alice 127.0.0.1:2",
	}, obs.events)
}

func TestTouchAndList(t *testing.T) {
	r := New(nil)
	r.Register(user("carol", "t3", "3"))
	r.Register(user("alice", "t1", "1"))
	r.Register(user("bob", "t2", "2"))

	before, _ := r.LookupByToken("t2")
	seen := before.LastSeen
	r.Touch("t2")
	r.Touch("missing")
	after, _ := r.LookupByToken("t2")
	assert.False(t, after.LastSeen.Before(seen))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alice", list[0].Login)
	assert.Equal(t, "bob", list[1].Login)
	assert.Equal(t, "carol", list[2].Login)
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("t%d", i)
			r.Register(user(fmt.Sprintf("u%d", i%5), token, fmt.Sprint(i)))
			r.Touch(token)
			if i%2 == 0 {
				r.Unregister(token)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Len(), 5)
	for _, u := range r.List() {
		got, ok := r.LookupByToken(u.Token)
		require.True(t, ok, "login index and token index agree")
		assert.Equal(t, u.Login, got.Login)
	}
}
