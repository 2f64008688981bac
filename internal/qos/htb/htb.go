// Package htb implements the hierarchical token bucket QoS scheduler:
// a global bucket every byte is first charged against, two per-user
// buckets (guaranteed and best-effort max) layered on top, connection
// admission limits, and a periodic rebalancer that redistributes spare
// global bandwidth proportional to demand.
package htb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	appErr "github.com/riftproxy/socksentry/pkg/errors"
	"github.com/riftproxy/socksentry/pkg/logger"

	"github.com/riftproxy/socksentry/internal/qos/tokenbucket"
)

// Config mirrors the qos.htb TOML section of §6.
type Config struct {
	Enabled                    bool
	GlobalBandwidthBytesPerSec uint64
	GuaranteedBandwidthPerSec  uint64
	MaxBandwidthPerSec         uint64
	BurstSizeBytes             uint64
	FairSharingEnabled         bool
	RebalanceInterval          time.Duration
	IdleTimeout                time.Duration
	MaxConnectionsPerUser      int64
	MaxConnectionsGlobal       int64
}

// UserBucket is the per-user QoS state: two bandwidth tiers plus the
// connection/activity bookkeeping needed for admission and the
// rebalancer's demand estimate.
type UserBucket struct {
	guaranteed *tokenbucket.Bucket
	max        *tokenbucket.Bucket

	currentDemand atomic.Uint64
	totalBytes    atomic.Uint64
	activeConns   atomic.Int64

	activityMu   sync.Mutex
	lastActivity time.Time
}

func newUserBucket(cfg Config) *UserBucket {
	return &UserBucket{
		guaranteed:   tokenbucket.New(cfg.BurstSizeBytes, cfg.GuaranteedBandwidthPerSec),
		max:          tokenbucket.New(cfg.BurstSizeBytes, cfg.MaxBandwidthPerSec),
		lastActivity: time.Now(),
	}
}

func (u *UserBucket) touch() {
	u.activityMu.Lock()
	u.lastActivity = time.Now()
	u.activityMu.Unlock()
}

// active reports whether the user has open connections and has been
// seen within idleTimeout, per the data model's activity invariant.
func (u *UserBucket) active(idleTimeout time.Duration) bool {
	if u.activeConns.Load() <= 0 {
		return false
	}
	u.activityMu.Lock()
	last := u.lastActivity
	u.activityMu.Unlock()
	return time.Since(last) < idleTimeout
}

// Scheduler is the process-wide HTB handle, passed by reference into
// every per-connection handler.
type Scheduler struct {
	cfg    Config
	global *tokenbucket.Bucket

	mu    sync.RWMutex
	users map[string]*UserBucket

	totalConnections atomic.Int64

	log *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		global: tokenbucket.New(cfg.BurstSizeBytes, cfg.GlobalBandwidthBytesPerSec),
		users:  make(map[string]*UserBucket),
		log:    logger.Named("qos.htb"),
	}
}

func (s *Scheduler) userBucket(user string) *UserBucket {
	s.mu.RLock()
	ub, ok := s.users[user]
	s.mu.RUnlock()
	if ok {
		return ub
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ub, ok := s.users[user]; ok {
		return ub
	}
	ub = newUserBucket(s.cfg)
	s.users[user] = ub
	return ub
}

// AllocateBandwidth implements the charge order of §4.6: global first
// (may await), then guaranteed, then max, then a blocking wait on max.
// Disabled mode always succeeds instantly.
func (s *Scheduler) AllocateBandwidth(ctx context.Context, user string, n uint64) error {
	if !s.cfg.Enabled {
		return nil
	}
	if err := s.global.Consume(ctx, n); err != nil {
		return appErr.Wrap(appErr.CodeQosLimit, "global bandwidth wait cancelled", err)
	}

	ub := s.userBucket(user)
	defer func() {
		ub.totalBytes.Add(n)
		ub.touch()
	}()

	if ok, _ := ub.guaranteed.TryConsume(n); ok {
		return nil
	}
	if ok, _ := ub.max.TryConsume(n); ok {
		return nil
	}
	if err := ub.max.Consume(ctx, n); err != nil {
		return appErr.Wrap(appErr.CodeQosLimit, "max bandwidth wait cancelled", err)
	}
	return nil
}

// IncUserConnections admits a new connection if neither the global nor
// the per-user cap is already at its limit.
func (s *Scheduler) IncUserConnections(user string) bool {
	if !s.cfg.Enabled {
		return true
	}
	if s.cfg.MaxConnectionsGlobal > 0 && s.totalConnections.Load() >= s.cfg.MaxConnectionsGlobal {
		return false
	}
	ub := s.userBucket(user)
	if s.cfg.MaxConnectionsPerUser > 0 && ub.activeConns.Load() >= s.cfg.MaxConnectionsPerUser {
		return false
	}
	s.totalConnections.Add(1)
	ub.activeConns.Add(1)
	ub.touch()
	return true
}

// DecUserConnections releases a connection previously admitted by
// IncUserConnections.
func (s *Scheduler) DecUserConnections(user string) {
	if !s.cfg.Enabled {
		return
	}
	s.totalConnections.Add(-1)
	ub := s.userBucket(user)
	ub.activeConns.Add(-1)
}

// estimateDemand is the coarse proxy of §4.6: either bucket running
// under a quarter of capacity signals high demand.
func estimateDemand(ub *UserBucket, cfg Config) uint64 {
	quarter := cfg.BurstSizeBytes / 4
	if ub.guaranteed.Available() < quarter || ub.max.Available() < quarter {
		return cfg.MaxBandwidthPerSec
	}
	return cfg.GuaranteedBandwidthPerSec
}

// Start launches the rebalancer loop (a no-op if disabled). The loop is
// aborted, not finalized, on Stop.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rebalance()
		}
	}
}

// rebalance implements the two-phase redistribution of §4.6: phase 1
// sets every active user's guaranteed rate; phase 2 splits what's left
// of the global budget across active users proportional to demand,
// capped so guaranteed+share never exceeds max_bandwidth.
func (s *Scheduler) rebalance() {
	s.mu.RLock()
	active := make([]*UserBucket, 0, len(s.users))
	for _, ub := range s.users {
		if ub.active(s.cfg.IdleTimeout) {
			active = append(active, ub)
		}
	}
	s.mu.RUnlock()

	if len(active) == 0 {
		return
	}

	for _, ub := range active {
		ub.guaranteed.SetRefillRate(s.cfg.GuaranteedBandwidthPerSec)
	}

	guaranteedTotal := uint64(len(active)) * s.cfg.GuaranteedBandwidthPerSec
	var remaining uint64
	if s.cfg.GlobalBandwidthBytesPerSec > guaranteedTotal {
		remaining = s.cfg.GlobalBandwidthBytesPerSec - guaranteedTotal
	}

	demands := make([]uint64, len(active))
	var totalDemand uint64
	for i, ub := range active {
		d := estimateDemand(ub, s.cfg)
		ub.currentDemand.Store(d)
		demands[i] = d
		totalDemand += d
	}

	for i, ub := range active {
		var share uint64
		switch {
		case totalDemand > 0 && totalDemand > remaining:
			share = uint64(float64(demands[i]) / float64(totalDemand) * float64(remaining))
		case totalDemand > 0:
			share = demands[i]
		default:
			share = remaining / uint64(len(active))
		}
		capped := share
		if s.cfg.MaxBandwidthPerSec > s.cfg.GuaranteedBandwidthPerSec {
			maxShare := s.cfg.MaxBandwidthPerSec - s.cfg.GuaranteedBandwidthPerSec
			if capped > maxShare {
				capped = maxShare
			}
		} else {
			capped = 0
		}
		ub.max.SetRefillRate(s.cfg.GuaranteedBandwidthPerSec + capped)
	}
}
