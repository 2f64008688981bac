package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	net.Conn
	closed bool
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func fakeDialer() Dialer {
	return func(ctx context.Context, dest string) (net.Conn, error) {
		return &fakeConn{}, nil
	}
}

func testPool(cfg Config) *Pool {
	return NewPool(cfg, fakeDialer())
}

func TestMaxIdlePerDestDropsExcess(t *testing.T) {
	cfg := Config{Enabled: true, MaxIdlePerDest: 2, MaxTotalIdle: 100, IdleTimeout: time.Minute}
	p := testPool(cfg)
	for i := 0; i < 3; i++ {
		p.Put("dest:80", &fakeConn{}, Reuse)
	}
	stats := p.Stats()
	require.EqualValues(t, 2, len(p.idle["dest:80"]))
	require.EqualValues(t, 1, stats.DroppedFull)
}

func TestMaxTotalIdleEvictsOldest(t *testing.T) {
	cfg := Config{Enabled: true, MaxIdlePerDest: 10, MaxTotalIdle: 2, IdleTimeout: time.Minute}
	p := testPool(cfg)
	p.Put("a:80", &fakeConn{}, Reuse)
	time.Sleep(time.Millisecond)
	p.Put("b:80", &fakeConn{}, Reuse)
	time.Sleep(time.Millisecond)
	p.Put("c:80", &fakeConn{}, Reuse)

	total := 0
	for _, stack := range p.idle {
		total += len(stack)
	}
	require.Equal(t, 2, total)
	require.EqualValues(t, 1, p.Stats().Evicted)
	// oldest was "a:80"; it must be gone
	require.Empty(t, p.idle["a:80"])
}

func TestExpiredEntryNotCountedAsHit(t *testing.T) {
	cfg := Config{Enabled: true, MaxIdlePerDest: 10, MaxTotalIdle: 10, IdleTimeout: 10 * time.Millisecond, ConnectTimeout: time.Second}
	p := testPool(cfg)
	p.Put("dest:80", &fakeConn{}, Reuse)
	time.Sleep(20 * time.Millisecond)

	conn, err := p.Get(context.Background(), "dest:80")
	require.NoError(t, err)
	require.NotNil(t, conn)
	stats := p.Stats()
	require.EqualValues(t, 1, stats.Expired)
	require.EqualValues(t, 0, stats.PoolHits)
}

func TestGetMissThenHit(t *testing.T) {
	cfg := Config{Enabled: true, MaxIdlePerDest: 10, MaxTotalIdle: 10, IdleTimeout: time.Minute, ConnectTimeout: time.Second}
	p := testPool(cfg)

	c1, err := p.Get(context.Background(), "dest:80")
	require.NoError(t, err)
	require.EqualValues(t, 1, p.Stats().PoolMisses)
	require.EqualValues(t, 1, p.Stats().TotalCreated)

	p.Put("dest:80", c1, Reuse)

	_, err = p.Get(context.Background(), "dest:80")
	require.NoError(t, err)
	stats := p.Stats()
	require.EqualValues(t, 1, stats.PoolHits)
	require.EqualValues(t, 1, stats.TotalReused)
	require.EqualValues(t, 1, stats.TotalCreated)
}

func TestDisabledModeAlwaysDialsFresh(t *testing.T) {
	cfg := Config{Enabled: false}
	p := testPool(cfg)
	_, err := p.Get(context.Background(), "dest:80")
	require.NoError(t, err)
	stats := p.Stats()
	require.Zero(t, stats.PoolHits)
	require.Zero(t, stats.PoolMisses)
}
