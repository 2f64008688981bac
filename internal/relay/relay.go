// Package relay implements the bidirectional copy loop between a
// SOCKS5 client and its destination: two directional tasks, each
// metered against the QoS scheduler and batching traffic counters back
// to the session manager.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riftproxy/socksentry/internal/qos/htb"
	"github.com/riftproxy/socksentry/internal/session"
	"github.com/riftproxy/socksentry/pkg/logger"
)

// halfCloser is satisfied by net.TCPConn and tls.Conn-like wrappers
// that support propagating a half-close on EOF.
type halfCloser interface {
	CloseWrite() error
}

// Config controls buffer sizing and the traffic-flush cadence.
type Config struct {
	ReadBufferBytes             int
	TrafficUpdatePacketInterval int
}

func (c Config) bufSize() int {
	if c.ReadBufferBytes <= 0 {
		return 32 * 1024
	}
	return c.ReadBufferBytes
}

func (c Config) flushInterval() int {
	if c.TrafficUpdatePacketInterval <= 0 {
		return 1
	}
	return c.TrafficUpdatePacketInterval
}

// Relay owns the shared handles a per-connection relay needs: the QoS
// scheduler to charge bytes against and the session manager to flush
// counters into.
type Relay struct {
	cfg     Config
	qos     *htb.Scheduler
	sess    *session.Manager
	log     *logger.Logger
}

func New(cfg Config, qos *htb.Scheduler, sess *session.Manager) *Relay {
	return &Relay{cfg: cfg, qos: qos, sess: sess, log: logger.Named("relay")}
}

// Run splices client and upstream until both directions finish, then
// reports the terminal status and reason the caller should close the
// session with. It never returns until both directional tasks exit.
func (r *Relay) Run(ctx context.Context, id uuid.UUID, user string, client, upstream net.Conn) (session.Status, string) {
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- r.copyDirection(ctx, id, user, client, upstream, true)
	}()
	go func() {
		defer wg.Done()
		errs <- r.copyDirection(ctx, id, user, upstream, client, false)
	}()

	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return session.Failed, firstErr.Error()
	}
	return session.Closed, ""
}

// copyDirection reads from src and writes to dst, charging every chunk
// against QoS before the write and batching traffic counters. clientToUpstream
// selects which counter (sent vs received) this direction updates.
func (r *Relay) copyDirection(ctx context.Context, id uuid.UUID, user string, src, dst net.Conn, clientToUpstream bool) error {
	buf := make([]byte, r.cfg.bufSize())
	interval := r.cfg.flushInterval()

	var pendingBytes, pendingPackets uint64
	var packetsSinceFlush int

	flush := func() {
		if pendingBytes == 0 && pendingPackets == 0 {
			return
		}
		if clientToUpstream {
			r.sess.AddTraffic(id, pendingBytes, 0, pendingPackets, 0)
		} else {
			r.sess.AddTraffic(id, 0, pendingBytes, 0, pendingPackets)
		}
		pendingBytes, pendingPackets = 0, 0
		packetsSinceFlush = 0
	}
	defer flush()

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := r.qos.AllocateBandwidth(ctx, user, uint64(n)); err != nil {
				return err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
			pendingBytes += uint64(n)
			pendingPackets++
			packetsSinceFlush++
			if packetsSinceFlush >= interval {
				flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if hc, ok := dst.(halfCloser); ok {
					_ = hc.CloseWrite()
				}
				return nil
			}
			return readErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// IdleUDPTimeout and BindAcceptTimeout are the two handler-level
// timeouts named in §4.8, kept alongside the relay since both gate a
// relay's lifetime rather than the handshake.
const (
	BindAcceptTimeout = 5 * time.Minute
	IdleUDPTimeout    = 120 * time.Second
)
