// Package server implements the SOCKS5 listener and per-connection
// state machine: greeting, authentication, ACL evaluation, QoS
// admission, and command dispatch to CONNECT/BIND/UDP ASSOCIATE.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/riftproxy/socksentry/internal/acl"
	"github.com/riftproxy/socksentry/internal/addrs"
	"github.com/riftproxy/socksentry/internal/config"
	"github.com/riftproxy/socksentry/internal/pool"
	"github.com/riftproxy/socksentry/internal/qos/htb"
	"github.com/riftproxy/socksentry/internal/relay"
	"github.com/riftproxy/socksentry/internal/session"
	"github.com/riftproxy/socksentry/pkg/logger"
)

// Server is the process-wide handle composing every lower layer,
// passed by reference into each per-connection handler.
type Server struct {
	cfg       *config.Config
	acl       *acl.Engine
	groups    acl.GroupProvider
	qos       *htb.Scheduler
	pool      *pool.Pool
	sessions  *session.Manager
	relay     *relay.Relay
	resolver  *addrs.Resolver
	userCreds map[string]string
	log       *logger.Logger

	listener net.Listener
	connSem  chan struct{}
}

func New(cfg *config.Config, aclEngine *acl.Engine, groups acl.GroupProvider, qos *htb.Scheduler, connPool *pool.Pool, sessions *session.Manager) *Server {
	userCreds := make(map[string]string, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		userCreds[u.Username] = u.Password
	}

	r := relay.New(relay.Config{
		TrafficUpdatePacketInterval: cfg.Sessions.TrafficUpdatePacketInterval,
	}, qos, sessions)

	s := &Server{
		cfg:       cfg,
		acl:       aclEngine,
		groups:    groups,
		qos:       qos,
		pool:      connPool,
		sessions:  sessions,
		relay:     r,
		resolver:  &addrs.Resolver{},
		userCreds: userCreds,
		log:       logger.Named("server"),
	}
	if cfg.Server.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.Server.MaxConnections)
	}
	return s
}

// Run listens and accepts until ctx is cancelled or the listener
// fails; the listener task is blocked only on Accept, per §5.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.BindAddress, s.cfg.Server.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("listening", "addr", addr)

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			default:
				s.log.Warn("max_connections reached, refusing", "remote", conn.RemoteAddr())
				_ = conn.Close()
				continue
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.connSem != nil {
				defer func() { <-s.connSem }()
			}
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
