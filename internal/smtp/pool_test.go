package smtp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu      sync.Mutex
	closed  bool
	noopErr error
	sends   int
}

func (f *fakeClient) Send(from, to string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	return nil
}

func (f *fakeClient) Noop() error { return f.noopErr }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	err     error
}

func (d *fakeDialer) dial(host string, port int, username, password string) (SubmissionClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeClient{}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

var testCreds = Credentials{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p"}

func newTestPool(t *testing.T, d *fakeDialer, cfg PoolConfig) *Pool {
	t.Helper()
	p := NewPool(d.dial, cfg, zerolog.Nop())
	t.Cleanup(p.Close)
	return p
}

func TestPoolReusesIdleConnection(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, PoolConfig{MaxPerAccount: 2})

	l1, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	first := l1.Client
	l1.Release(nil)

	l2, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	assert.Same(t, first, l2.Client)
	assert.Equal(t, 1, d.dialCount())
	l2.Release(nil)
}

func TestPoolLIFOOrder(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, PoolConfig{MaxPerAccount: 2})

	l1, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	l2, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	second := l2.Client
	l1.Release(nil)
	l2.Release(nil)

	// The most recently released connection comes back first.
	l3, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	assert.Same(t, second, l3.Client)
	l3.Release(nil)
}

func TestPoolConcurrencyLimitBlocks(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, PoolConfig{MaxPerAccount: 1})

	l1, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "a1", testCreds)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l1.Release(nil)
	l2, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	l2.Release(nil)
}

func TestPoolPerAccountIsolation(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, PoolConfig{MaxPerAccount: 1})

	l1, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	defer l1.Release(nil)

	// A different account is not blocked by a1's limit.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l2, err := p.Acquire(ctx, "a2", testCreds)
	require.NoError(t, err)
	l2.Release(nil)
}

func TestPoolReleaseWithErrorCloses(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, PoolConfig{MaxPerAccount: 2})

	l, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	l.Release(errors.New("send failed"))

	assert.True(t, d.clients[0].isClosed())

	// Next acquire dials fresh.
	l2, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	assert.Equal(t, 2, d.dialCount())
	l2.Release(nil)
}

func TestPoolNoopProbeEvictsDeadIdle(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, PoolConfig{MaxPerAccount: 2, NoopCheck: true})

	l, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	l.Release(nil)

	// The idle connection dies while pooled.
	d.clients[0].noopErr = errors.New("connection reset")

	l2, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	assert.True(t, d.clients[0].isClosed())
	assert.Equal(t, 2, d.dialCount())
	l2.Release(nil)
}

func TestPoolInvalidateEvictsIdleAndInFlight(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, PoolConfig{MaxPerAccount: 2})

	idle, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	inFlight, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	idle.Release(nil)

	p.Invalidate("a1")

	// Idle connection is closed immediately.
	assert.True(t, d.clients[0].isClosed())

	// The in-flight one completes its send, then closes on release instead
	// of rejoining the pool.
	inFlight.Release(nil)
	assert.True(t, d.clients[1].isClosed())

	l, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	assert.Equal(t, 3, d.dialCount())
	l.Release(nil)
}

func TestPoolLifetimeExpiry(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, PoolConfig{MaxPerAccount: 2, MaxLifetime: time.Nanosecond})

	l, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	l.Release(nil)

	// Expired on release, never pooled.
	assert.True(t, d.clients[0].isClosed())
}

func TestPoolIdleExpiryOnAcquire(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, PoolConfig{
		MaxPerAccount: 2,
		MaxIdle:       10 * time.Millisecond,
		SweepInterval: time.Hour,
	})

	l, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	l.Release(nil)

	time.Sleep(30 * time.Millisecond)

	// The sweeper has not run; the acquire path itself discards the idle
	// connection and dials fresh.
	l2, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	assert.True(t, d.clients[0].isClosed())
	assert.NotSame(t, d.clients[0], l2.Client)
	assert.Equal(t, 2, d.dialCount())
	l2.Release(nil)
}

func TestPoolSweeperEvictsIdle(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, PoolConfig{
		MaxPerAccount: 2,
		MaxIdle:       time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})

	l, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	l.Release(nil)

	assert.Eventually(t, func() bool {
		return d.clients[0].isClosed()
	}, time.Second, 5*time.Millisecond)
}

func TestPoolDialFailureReleasesSlot(t *testing.T) {
	d := &fakeDialer{err: newSendError(KindConnection, errors.New("refused"))}
	p := newTestPool(t, d, PoolConfig{MaxPerAccount: 1})

	_, err := p.Acquire(context.Background(), "a1", testCreds)
	require.Error(t, err)

	// The slot freed up: a later acquire can proceed once dialing works.
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l, err := p.Acquire(ctx, "a1", testCreds)
	require.NoError(t, err)
	l.Release(nil)
}

func TestPoolCloseShutsDownIdle(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(d.dial, PoolConfig{MaxPerAccount: 2}, zerolog.Nop())

	l, err := p.Acquire(context.Background(), "a1", testCreds)
	require.NoError(t, err)
	l.Release(nil)

	p.Close()
	assert.True(t, d.clients[0].isClosed())
}

func TestPoolAcquireAfterCloseFails(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(d.dial, PoolConfig{MaxPerAccount: 2}, zerolog.Nop())
	p.Close()

	_, err := p.Acquire(context.Background(), "a1", testCreds)
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindConnection, se.Kind)
	assert.Equal(t, 0, d.dialCount())
}
