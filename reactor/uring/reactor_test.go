//go:build linux

package uring

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/Swind/go-coro-runner/reactor"
)

// newReactor skips the test on kernels or sandboxes without io_uring.
func newReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New(8)
	if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		t.Skipf("io_uring unavailable: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newPipe(t *testing.T, flags int) (rd, wr int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], flags|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func pollUntil(t *testing.T, r *Reactor, n int) []reactor.Completion {
	t.Helper()
	var got []reactor.Completion
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < n {
		require.True(t, time.Now().Before(deadline), "timed out waiting for %d completions", n)
		var err error
		got, err = r.Poll(100*time.Millisecond, got)
		require.NoError(t, err)
	}
	return got
}

func TestReactorNop(t *testing.T) {
	r := newReactor(t)

	require.NoError(t, r.Register(7, reactor.Nop()))
	assert.Equal(t, 1, r.Pending())

	got := pollUntil(t, r, 1)
	assert.Equal(t, reactor.Completion{Task: 7, Result: 0}, got[0])
	assert.Equal(t, 0, r.Pending())
}

func TestReactorPollReadiness(t *testing.T) {
	r := newReactor(t)
	rd, wr := newPipe(t, unix.O_NONBLOCK)

	require.NoError(t, r.Register(1, reactor.Poll(rd, reactor.EventIn)))
	got, err := r.Poll(0, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = unix.Write(wr, []byte("x"))
	require.NoError(t, err)

	got = pollUntil(t, r, 1)
	assert.Equal(t, 1, got[0].Task)
	assert.True(t, reactor.Event(got[0].Result).Has(reactor.EventIn))
}

func TestReactorReadWrite(t *testing.T) {
	r := newReactor(t)
	// Blocking descriptors: the kernel parks the read instead of failing
	// with EAGAIN.
	rd, wr := newPipe(t, 0)

	buf := make([]byte, 8)
	require.NoError(t, r.Register(0, reactor.Read(rd, buf)))
	require.NoError(t, r.Register(1, reactor.Write(wr, []byte("ring"))))

	got := pollUntil(t, r, 2)
	results := map[int]int32{}
	for _, c := range got {
		results[c.Task] = c.Result
	}
	assert.Equal(t, int32(4), results[1])
	assert.Equal(t, int32(4), results[0])
	assert.Equal(t, "ring", string(buf[:4]))
}

func TestReactorTimeoutNormalisesETIME(t *testing.T) {
	r := newReactor(t)

	start := time.Now()
	require.NoError(t, r.Register(3, reactor.Timeout(15*time.Millisecond)))
	got := pollUntil(t, r, 1)

	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, reactor.Completion{Task: 3, Result: 0}, got[0])
}

func TestReactorUnregisterFiltersLateCompletion(t *testing.T) {
	r := newReactor(t)
	rd, wr := newPipe(t, unix.O_NONBLOCK)

	require.NoError(t, r.Register(2, reactor.Poll(rd, reactor.EventIn)))
	require.NoError(t, r.Unregister(2))
	assert.Equal(t, 0, r.Pending())

	_, err := unix.Write(wr, []byte("x"))
	require.NoError(t, err)

	got, err := r.Poll(20*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	// The slot can be reused right away.
	require.NoError(t, r.Register(2, reactor.Nop()))
	got = pollUntil(t, r, 1)
	assert.Equal(t, reactor.Completion{Task: 2, Result: 0}, got[0])
}

func TestReactorDuplicateRegistration(t *testing.T) {
	r := newReactor(t)

	require.NoError(t, r.Register(0, reactor.Timeout(time.Hour)))
	assert.ErrorIs(t, r.Register(0, reactor.Nop()), reactor.ErrDuplicate)
}

func TestReactorWake(t *testing.T) {
	r := newReactor(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = r.Wake()
	}()

	got, err := r.Poll(-1, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
