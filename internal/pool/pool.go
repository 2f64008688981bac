// Package pool implements the destination-keyed idle connection
// reservoir: per-destination and global caps, expiry, LIFO reuse, and
// hit/miss/eviction telemetry.
package pool

import (
	"context"
	"net"
	"sync"
	"time"

	appErr "github.com/riftproxy/socksentry/pkg/errors"
	"github.com/riftproxy/socksentry/pkg/logger"
)

// Hint tells Put/Release what to do with a stream the caller is done
// with: put it back for another caller, or discard and warm a
// replacement in the background.
type Hint int

const (
	Reuse Hint = iota
	Refresh
)

// pooledConn is one idle stream plus its age bookkeeping.
type pooledConn struct {
	conn      net.Conn
	createdAt time.Time
	lastUsed  time.Time
}

// destMetrics is the per-destination counter set of §4.4's Stats,
// plus the supplemented last_miss timestamp.
type destMetrics struct {
	TotalCreated int64
	TotalReused  int64
	PoolHits     int64
	PoolMisses   int64
	DroppedFull  int64
	Expired      int64
	Evicted      int64
	InUse        int64
	LastActivity time.Time
	LastMiss     time.Time
}

// Stats is a point-in-time snapshot, global plus per destination.
type Stats struct {
	TotalCreated      int64
	TotalReused       int64
	PoolHits          int64
	PoolMisses        int64
	DroppedFull       int64
	Expired           int64
	Evicted           int64
	ConnectionsInUse  int64
	PendingCreates    int64
	PerDestination    map[string]destMetrics
}

// Config mirrors the caps and timeouts a Pool is built with.
type Config struct {
	Enabled         bool
	MaxIdlePerDest  int
	MaxTotalIdle    int
	IdleTimeout     time.Duration
	ConnectTimeout  time.Duration
}

// Dialer opens a fresh connection to dest; swappable in tests.
type Dialer func(ctx context.Context, dest string) (net.Conn, error)

// Pool is the process-wide connection reservoir, passed by handle into
// every per-connection handler.
type Pool struct {
	cfg   Config
	dial  Dialer
	log   *logger.Logger

	mu      sync.Mutex
	idle    map[string][]*pooledConn
	metrics map[string]*destMetrics

	global struct {
		totalCreated, totalReused               int64
		poolHits, poolMisses                     int64
		droppedFull, expired, evicted            int64
		connectionsInUse, pendingCreates         int64
	}
}

func NewPool(cfg Config, dial Dialer) *Pool {
	return &Pool{
		cfg:     cfg,
		dial:    dial,
		log:     logger.Named("pool"),
		idle:    make(map[string][]*pooledConn),
		metrics: make(map[string]*destMetrics),
	}
}

func defaultDialer(cfg Config) Dialer {
	return func(ctx context.Context, dest string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", dest)
		if err != nil {
			if ctx.Err() != nil {
				return nil, appErr.Wrap(appErr.CodeTimeout, "pool dial timed out", err)
			}
			return nil, appErr.Wrap(appErr.CodeHostUnreachable, "pool dial failed", err)
		}
		return conn, nil
	}
}

func NewDefaultPool(cfg Config) *Pool {
	return NewPool(cfg, defaultDialer(cfg))
}

func (p *Pool) destMetrics(dest string) *destMetrics {
	m, ok := p.metrics[dest]
	if !ok {
		m = &destMetrics{}
		p.metrics[dest] = m
	}
	return m
}

// Get pops the newest usable idle connection for dest, evicting expired
// entries along the way, or dials a fresh one on miss. Disabled mode
// always dials fresh.
func (p *Pool) Get(ctx context.Context, dest string) (net.Conn, error) {
	if !p.cfg.Enabled {
		return p.dial(ctx, dest)
	}

	p.mu.Lock()
	stack := p.idle[dest]
	dm := p.destMetrics(dest)
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if time.Since(top.lastUsed) > p.cfg.IdleTimeout {
			p.global.expired++
			dm.Expired++
			continue
		}
		p.idle[dest] = stack
		top.lastUsed = time.Now()
		p.global.poolHits++
		p.global.totalReused++
		p.global.connectionsInUse++
		dm.PoolHits++
		dm.TotalReused++
		dm.InUse++
		dm.LastActivity = time.Now()
		p.mu.Unlock()
		return top.conn, nil
	}
	p.idle[dest] = stack
	p.global.poolMisses++
	dm.PoolMisses++
	dm.LastMiss = time.Now()
	p.global.pendingCreates++
	p.mu.Unlock()

	conn, err := p.dial(ctx, dest)

	p.mu.Lock()
	p.global.pendingCreates--
	if err == nil {
		p.global.totalCreated++
		p.global.connectionsInUse++
		dm := p.destMetrics(dest)
		dm.TotalCreated++
		dm.InUse++
		dm.LastActivity = time.Now()
	}
	p.mu.Unlock()

	return conn, err
}

// Put returns a connection the caller is done with. Reuse pushes it
// onto the destination's idle stack, subject to per-destination and
// global caps (evicting the globally-oldest entry if the total cap is
// hit); Refresh discards it and kicks a background replacement dial so
// the pool stays warm.
func (p *Pool) Put(dest string, conn net.Conn, hint Hint) {
	if !p.cfg.Enabled {
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	dm := p.destMetrics(dest)
	dm.InUse--
	p.global.connectionsInUse--

	if hint == Refresh {
		p.mu.Unlock()
		_ = conn.Close()
		p.refreshInBackground(dest)
		return
	}

	stack := p.idle[dest]
	if len(stack) >= p.cfg.MaxIdlePerDest {
		p.global.droppedFull++
		dm.DroppedFull++
		p.mu.Unlock()
		_ = conn.Close()
		return
	}

	if p.totalIdleLocked() >= p.cfg.MaxTotalIdle {
		p.evictOldestLocked()
	}

	now := time.Now()
	p.idle[dest] = append(stack, &pooledConn{conn: conn, createdAt: now, lastUsed: now})
	dm.LastActivity = now
	p.mu.Unlock()
}

// Release is called when the caller could not return the stream (e.g.
// an error occurred using it); it just decrements in-use counters and,
// for Refresh, triggers a background warm-up.
func (p *Pool) Release(dest string, hint Hint) {
	p.mu.Lock()
	dm := p.destMetrics(dest)
	dm.InUse--
	p.global.connectionsInUse--
	p.mu.Unlock()

	if hint == Refresh {
		p.refreshInBackground(dest)
	}
}

func (p *Pool) refreshInBackground(dest string) {
	go func() {
		conn, err := p.dial(context.Background(), dest)
		if err != nil {
			p.log.Warn("pool background refresh failed", "dest", dest, "error", err)
			return
		}
		p.Put(dest, conn, Reuse)
	}()
}

// totalIdleLocked must be called with p.mu held.
func (p *Pool) totalIdleLocked() int {
	total := 0
	for _, stack := range p.idle {
		total += len(stack)
	}
	return total
}

// evictOldestLocked drops the globally oldest-by-createdAt idle entry;
// must be called with p.mu held.
func (p *Pool) evictOldestLocked() {
	var oldestDest string
	var oldestIdx = -1
	var oldest time.Time
	for dest, stack := range p.idle {
		for i, c := range stack {
			if oldestIdx == -1 || c.createdAt.Before(oldest) {
				oldestDest, oldestIdx, oldest = dest, i, c.createdAt
			}
		}
	}
	if oldestIdx == -1 {
		return
	}
	stack := p.idle[oldestDest]
	evicted := stack[oldestIdx]
	p.idle[oldestDest] = append(stack[:oldestIdx], stack[oldestIdx+1:]...)
	_ = evicted.conn.Close()
	p.global.evicted++
	p.destMetrics(oldestDest).Evicted++
}

// RunCleanup sweeps all stacks every max(idle_timeout/2, 30s) for
// expired entries, until ctx is done.
func (p *Pool) RunCleanup(ctx context.Context) {
	interval := p.cfg.IdleTimeout / 2
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for dest, stack := range p.idle {
		kept := stack[:0]
		dm := p.destMetrics(dest)
		for _, c := range stack {
			if now.Sub(c.lastUsed) > p.cfg.IdleTimeout {
				_ = c.conn.Close()
				p.global.expired++
				dm.Expired++
				continue
			}
			kept = append(kept, c)
		}
		p.idle[dest] = kept
		dm.LastActivity = now
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Stats{
		TotalCreated:     p.global.totalCreated,
		TotalReused:      p.global.totalReused,
		PoolHits:         p.global.poolHits,
		PoolMisses:       p.global.poolMisses,
		DroppedFull:      p.global.droppedFull,
		Expired:          p.global.expired,
		Evicted:          p.global.evicted,
		ConnectionsInUse: p.global.connectionsInUse,
		PendingCreates:   p.global.pendingCreates,
		PerDestination:   make(map[string]destMetrics, len(p.metrics)),
	}
	for dest, dm := range p.metrics {
		out.PerDestination[dest] = *dm
	}
	return out
}
