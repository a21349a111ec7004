// ABOUTME: Tests for the sharded connection registry.
// ABOUTME: Validates idempotent add, no-op remove, per-user ordering and concurrency.

package connection

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(id, userID string) *Conn {
	return New(id, userID, &fakeTransport{}, 4, nil)
}

func TestRegistry_AddAndGet(t *testing.T) {
	r := NewRegistry(nil, nil)
	c := newTestConn("conn-1", "user-1")

	r.Add(c)

	got, ok := r.Get("conn-1")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Add_Idempotent(t *testing.T) {
	r := NewRegistry(nil, nil)
	c := newTestConn("conn-1", "user-1")

	r.Add(c)
	r.Add(c)

	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.ConnectionsFor("user-1"), 1)
}

func TestRegistry_Remove_UnknownIsNoOp(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Remove("never-added")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(nil, nil)
	c := newTestConn("conn-1", "user-1")
	r.Add(c)

	r.Remove("conn-1")

	_, ok := r.Get("conn-1")
	assert.False(t, ok)
	assert.Empty(t, r.ConnectionsFor("user-1"))
}

func TestRegistry_ConnectionsFor_RegistrationOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	for i := 0; i < 5; i++ {
		r.Add(newTestConn(fmt.Sprintf("conn-%d", i), "user-1"))
	}

	conns := r.ConnectionsFor("user-1")
	require.Len(t, conns, 5)
	for i, c := range conns {
		assert.Equal(t, fmt.Sprintf("conn-%d", i), c.ID)
	}

	// Removing from the middle preserves the relative order of the rest.
	r.Remove("conn-2")
	conns = r.ConnectionsFor("user-1")
	require.Len(t, conns, 4)
	assert.Equal(t, []string{"conn-0", "conn-1", "conn-3", "conn-4"},
		[]string{conns[0].ID, conns[1].ID, conns[2].ID, conns[3].ID})
}

func TestRegistry_UserIsolation(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Add(newTestConn("conn-a", "user-a"))
	r.Add(newTestConn("conn-b", "user-b"))

	connsA := r.ConnectionsFor("user-a")
	require.Len(t, connsA, 1)
	assert.Equal(t, "conn-a", connsA[0].ID)

	connsB := r.ConnectionsFor("user-b")
	require.Len(t, connsB, 1)
	assert.Equal(t, "conn-b", connsB[0].ID)
}

func TestRegistry_ConcurrentAddRemove(t *testing.T) {
	r := NewRegistry(nil, nil)

	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		userID := fmt.Sprintf("user-%d", u)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("%s-conn-%d", userID, i)
				r.Add(newTestConn(id, userID))
				if i%2 == 0 {
					r.Remove(id)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8*25, r.Len())
	for u := 0; u < 8; u++ {
		assert.Len(t, r.ConnectionsFor(fmt.Sprintf("user-%d", u)), 25)
	}
}

func TestRegistry_All(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Add(newTestConn("conn-1", "user-1"))
	r.Add(newTestConn("conn-2", "user-2"))

	assert.Len(t, r.All(), 2)
}
