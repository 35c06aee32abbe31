package evloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newEventfd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func kick(t *testing.T, fd int) {
	t.Helper()
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(fd, buf[:])
	require.NoError(t, err)
}

func drain(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

func runOnce(t *testing.T, l *Loop) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	select {
	case err := <-done:
		t.Fatalf("loop exited early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAddFdDispatchesOnKick(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	fd := newEventfd(t)
	fired := make(chan uint32, 1)
	require.NoError(t, l.AddFd(fd, In, func(gotFD int, events uint32) {
		assert.Equal(t, fd, gotFD)
		drain(gotFD)
		fired <- events
	}))

	runOnce(t, l)
	kick(t, fd)

	select {
	case events := <-fired:
		assert.NotZero(t, events&In)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestDelFdDuringDispatchSkipsPendingEntry(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	fdA := newEventfd(t)
	fdB := newEventfd(t)

	var bFired bool
	require.NoError(t, l.AddFd(fdA, In, func(gotFD int, events uint32) {
		drain(gotFD)
		// Deregister B from within A's handler, simulating a reset
		// triggered by a HUP on a sibling fd within the same batch.
		require.NoError(t, l.DelFd(fdB))
	}))
	require.NoError(t, l.AddFd(fdB, In, func(gotFD int, events uint32) {
		bFired = true
	}))

	runOnce(t, l)
	kick(t, fdA)
	kick(t, fdB)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, bFired, "B's handler must not run after being deregistered mid-batch")
}

func TestDelFdUnknownFd(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	fd := newEventfd(t)
	err = l.DelFd(fd)
	assert.Error(t, err)
}
