package htb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Enabled:                    true,
		GlobalBandwidthBytesPerSec: 1_000_000,
		GuaranteedBandwidthPerSec:  100_000,
		MaxBandwidthPerSec:         500_000,
		BurstSizeBytes:             100_000,
		RebalanceInterval:          50 * time.Millisecond,
		IdleTimeout:                time.Minute,
		MaxConnectionsPerUser:      2,
		MaxConnectionsGlobal:       10,
	}
}

func TestConnectionCountingLinearizable(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionsPerUser = 1000
	cfg.MaxConnectionsGlobal = 1000
	s := NewScheduler(cfg)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.IncUserConnections("alice")
		}()
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.DecUserConnections("alice")
		}()
	}
	wg.Wait()
	require.EqualValues(t, 0, s.userBucket("alice").activeConns.Load())
}

func TestPerUserConnectionCapRejects(t *testing.T) {
	cfg := testConfig()
	s := NewScheduler(cfg)
	require.True(t, s.IncUserConnections("alice"))
	require.True(t, s.IncUserConnections("alice"))
	require.False(t, s.IncUserConnections("alice"))
}

func TestGlobalConnectionCapRejects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionsGlobal = 1
	cfg.MaxConnectionsPerUser = 10
	s := NewScheduler(cfg)
	require.True(t, s.IncUserConnections("alice"))
	require.False(t, s.IncUserConnections("bob"))
}

func TestAllocateBandwidthDisabledAlwaysSucceeds(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s := NewScheduler(cfg)
	err := s.AllocateBandwidth(context.Background(), "alice", 1_000_000_000)
	require.NoError(t, err)
}

func TestAllocateBandwidthWithinGuaranteed(t *testing.T) {
	cfg := testConfig()
	s := NewScheduler(cfg)
	err := s.AllocateBandwidth(context.Background(), "alice", 1000)
	require.NoError(t, err)
}

func TestRebalanceKeepsMaxRatesClose(t *testing.T) {
	cfg := testConfig()
	s := NewScheduler(cfg)
	s.IncUserConnections("alice")
	s.IncUserConnections("bob")
	require.NoError(t, s.AllocateBandwidth(context.Background(), "alice", 10))
	require.NoError(t, s.AllocateBandwidth(context.Background(), "bob", 10))

	s.rebalance()

	aliceRate := s.userBucket("alice").max.RefillRate()
	bobRate := s.userBucket("bob").max.RefillRate()
	diff := int64(aliceRate) - int64(bobRate)
	if diff < 0 {
		diff = -diff
	}
	require.LessOrEqual(t, diff, int64(cfg.GuaranteedBandwidthPerSec/2))
}
