package smtp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxPerAccount int
	MaxIdle       time.Duration
	MaxLifetime   time.Duration
	SweepInterval time.Duration
	NoopCheck     bool
}

// Credentials are the submission parameters for one account.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Pool manages authenticated SMTP sessions per account. Each account gets
// at most MaxPerAccount concurrent sessions; released sessions are kept on
// a LIFO idle stack so the warmest connection is reused first.
type Pool struct {
	dial DialFunc
	cfg  PoolConfig
	log  zerolog.Logger

	mu       sync.Mutex
	accounts map[string]*accountPool
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

type accountPool struct {
	gate chan struct{}

	mu      sync.Mutex
	idle    []*pooledConn
	version int
}

type pooledConn struct {
	client    SubmissionClient
	version   int
	createdAt time.Time
	lastUsed  time.Time
}

// NewPool builds a pool around dial. Call Close when done; the sweeper
// goroutine runs until then.
func NewPool(dial DialFunc, cfg PoolConfig, log zerolog.Logger) *Pool {
	if cfg.MaxPerAccount <= 0 {
		cfg.MaxPerAccount = 2
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	p := &Pool{
		dial:     dial,
		cfg:      cfg,
		log:      log.With().Str("component", "smtp_pool").Logger(),
		accounts: make(map[string]*accountPool),
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sweep()
	return p
}

// Lease is a checked-out session. Call Release exactly once.
type Lease struct {
	Client SubmissionClient

	pool     *Pool
	account  *accountPool
	conn     *pooledConn
	released bool
}

// Acquire returns a session for the account, reusing an idle one when a
// healthy same-version connection is available. Blocks while the account
// is at its concurrency limit, until ctx is done.
func (p *Pool) Acquire(ctx context.Context, accountID string, creds Credentials) (*Lease, error) {
	if p.poolClosed() {
		return nil, newSendError(KindConnection, errors.New("connection pool is closed"))
	}
	ap := p.account(accountID)

	select {
	case ap.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		conn := ap.popIdle()
		if conn == nil {
			break
		}
		if p.stale(ap, conn) || p.idleExpired(conn, time.Now()) {
			conn.client.Close()
			continue
		}
		if p.cfg.NoopCheck {
			if err := conn.client.Noop(); err != nil {
				p.log.Debug().Str("account_id", accountID).Msg("idle connection failed probe")
				conn.client.Close()
				continue
			}
		}
		return &Lease{Client: conn.client, pool: p, account: ap, conn: conn}, nil
	}

	client, err := p.dial(creds.Host, creds.Port, creds.Username, creds.Password)
	if err != nil {
		<-ap.gate
		return nil, err
	}
	ap.mu.Lock()
	version := ap.version
	ap.mu.Unlock()
	now := time.Now()
	conn := &pooledConn{client: client, version: version, createdAt: now, lastUsed: now}
	return &Lease{Client: client, pool: p, account: ap, conn: conn}, nil
}

// Release returns the session to the pool. A non-nil sendErr, a stale
// credential version, or an expired lifetime closes the connection instead.
func (l *Lease) Release(sendErr error) {
	if l.released {
		return
	}
	l.released = true
	defer func() { <-l.account.gate }()

	if sendErr != nil || l.pool.stale(l.account, l.conn) || l.pool.poolClosed() {
		l.conn.client.Close()
		return
	}
	l.conn.lastUsed = time.Now()
	l.account.mu.Lock()
	l.account.idle = append(l.account.idle, l.conn)
	l.account.mu.Unlock()
}

// Invalidate bumps the account's credential version and drops its idle
// connections. In-flight sessions finish their current send and are closed
// on release.
func (p *Pool) Invalidate(accountID string) {
	p.mu.Lock()
	ap, ok := p.accounts[accountID]
	p.mu.Unlock()
	if !ok {
		return
	}
	ap.mu.Lock()
	ap.version++
	idle := ap.idle
	ap.idle = nil
	ap.mu.Unlock()
	for _, c := range idle {
		c.client.Close()
	}
	p.log.Info().Str("account_id", accountID).Int("dropped", len(idle)).Msg("invalidated pooled connections")
}

// Close stops the sweeper and closes every idle connection. The pool
// rejects reuse afterwards; leases still out are closed on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pools := make([]*accountPool, 0, len(p.accounts))
	for _, ap := range p.accounts {
		pools = append(pools, ap)
	}
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	for _, ap := range pools {
		ap.mu.Lock()
		idle := ap.idle
		ap.idle = nil
		ap.mu.Unlock()
		for _, c := range idle {
			c.client.Close()
		}
	}
}

// PoolStats reports per-account pool occupancy.
type PoolStats struct {
	Idle  int `json:"idle"`
	InUse int `json:"in_use"`
}

// Stats returns occupancy per account id.
func (p *Pool) Stats() map[string]PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]PoolStats, len(p.accounts))
	for id, ap := range p.accounts {
		ap.mu.Lock()
		idle := len(ap.idle)
		ap.mu.Unlock()
		out[id] = PoolStats{Idle: idle, InUse: len(ap.gate)}
	}
	return out
}

func (p *Pool) account(id string) *accountPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ap, ok := p.accounts[id]
	if !ok {
		ap = &accountPool{gate: make(chan struct{}, p.cfg.MaxPerAccount)}
		p.accounts[id] = ap
	}
	return ap
}

func (ap *accountPool) popIdle() *pooledConn {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	n := len(ap.idle)
	if n == 0 {
		return nil
	}
	c := ap.idle[n-1]
	ap.idle = ap.idle[:n-1]
	return c
}

func (p *Pool) stale(ap *accountPool, c *pooledConn) bool {
	ap.mu.Lock()
	version := ap.version
	ap.mu.Unlock()
	if c.version != version {
		return true
	}
	if p.cfg.MaxLifetime > 0 && time.Since(c.createdAt) > p.cfg.MaxLifetime {
		return true
	}
	return false
}

// idleExpired applies only on acquire and in the sweeper; a connection that
// sat in a long send is busy, not idle.
func (p *Pool) idleExpired(c *pooledConn, now time.Time) bool {
	return p.cfg.MaxIdle > 0 && now.Sub(c.lastUsed) > p.cfg.MaxIdle
}

func (p *Pool) poolClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) sweep() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	p.mu.Lock()
	pools := make([]*accountPool, 0, len(p.accounts))
	for _, ap := range p.accounts {
		pools = append(pools, ap)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, ap := range pools {
		ap.mu.Lock()
		keep := ap.idle[:0]
		var drop []*pooledConn
		for _, c := range ap.idle {
			idleTooLong := p.idleExpired(c, now)
			tooOld := p.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) > p.cfg.MaxLifetime
			if idleTooLong || tooOld || c.version != ap.version {
				drop = append(drop, c)
				continue
			}
			keep = append(keep, c)
		}
		ap.idle = keep
		ap.mu.Unlock()
		for _, c := range drop {
			c.client.Close()
		}
	}
}
