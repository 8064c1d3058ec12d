package locks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	m := NewManager()
	release, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	release()

	// Reacquire after release must not block.
	release2, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	release2()
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	m := NewManager()
	release, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r2, err := m.Acquire(context.Background(), "a")
		assert.NoError(t, err)
		close(acquired)
		r2()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while still held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never got the lock")
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	m := NewManager()
	release, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDifferentNamesIndependent(t *testing.T) {
	m := NewManager()
	r1, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer r1()

	r2, err := m.Acquire(context.Background(), "b")
	require.NoError(t, err)
	r2()
}

func TestReleaseIdempotent(t *testing.T) {
	m := NewManager()
	release, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	release()
	release()
}

func TestUIDToken(t *testing.T) {
	a := UIDToken("uid1")
	b := UIDToken("uid1")
	c := UIDToken("uid2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
