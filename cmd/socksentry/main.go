// socksentry is a SOCKS5 proxy: protocol state machine, ACL engine,
// connection pool, HTB QoS scheduler, and session manager, wired
// together behind a single TCP listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riftproxy/socksentry/internal/acl"
	"github.com/riftproxy/socksentry/internal/config"
	"github.com/riftproxy/socksentry/internal/metrics"
	"github.com/riftproxy/socksentry/internal/pool"
	"github.com/riftproxy/socksentry/internal/qos/htb"
	"github.com/riftproxy/socksentry/internal/server"
	"github.com/riftproxy/socksentry/internal/session"
	"github.com/riftproxy/socksentry/internal/session/store"
	"github.com/riftproxy/socksentry/pkg/logger"
)

func main() {
	cfgFile := flag.String("config", "config.toml", "Path to configuration file")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Println("socksentry v0.1.0")
		os.Exit(0)
	}

	log := logger.Named("main")

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionStore, closeStore, err := setupSessionStore(cfg)
	if err != nil {
		log.Error("failed to set up session store", "error", err)
		os.Exit(1)
	}
	if closeStore != nil {
		defer closeStore()
	}

	aclEngine, groups, err := setupAcl(ctx, cfg)
	if err != nil {
		log.Error("failed to set up ACL engine", "error", err)
		os.Exit(1)
	}

	qosCfg := htb.Config{
		Enabled:                    cfg.Qos.Enabled,
		GlobalBandwidthBytesPerSec: cfg.Qos.Htb.GlobalBandwidthBytesPerSec,
		GuaranteedBandwidthPerSec:  cfg.Qos.Htb.GuaranteedBandwidthBytesPerSec,
		MaxBandwidthPerSec:         cfg.Qos.Htb.MaxBandwidthBytesPerSec,
		BurstSizeBytes:             cfg.Qos.Htb.BurstSizeBytes,
		FairSharingEnabled:         cfg.Qos.Htb.FairSharingEnabled,
		RebalanceInterval:          cfg.Qos.Htb.RebalanceInterval(),
		IdleTimeout:                cfg.Qos.Htb.IdleTimeout(),
		MaxConnectionsPerUser:      cfg.Qos.ConnectionLimits.MaxConnectionsPerUser,
		MaxConnectionsGlobal:       cfg.Qos.ConnectionLimits.MaxConnectionsGlobal,
	}
	qosScheduler := htb.NewScheduler(qosCfg)
	qosScheduler.Start(ctx)
	defer qosScheduler.Stop()

	connPool := pool.NewDefaultPool(pool.Config{
		Enabled:        cfg.Pool.Enabled,
		MaxIdlePerDest: cfg.Pool.MaxIdlePerDest,
		MaxTotalIdle:   cfg.Pool.MaxTotalIdle,
		IdleTimeout:    cfg.Pool.IdleTimeout(),
		ConnectTimeout: cfg.Pool.ConnectTimeout(),
	})
	go connPool.RunCleanup(ctx)

	sessionMgr := session.NewManager(sessionStore)
	if sessionStore != nil {
		go sessionStore.RunRetentionLoop(ctx, cfg.Sessions.CleanupInterval(), cfg.Sessions.RetentionDuration(), func(err error) {
			log.Warn("session retention sweep failed", "error", err)
		})
	}

	srv := server.New(cfg, aclEngine, groups, qosScheduler, connPool, sessionMgr)

	if cfg.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Metrics.Namespace, metrics.Sources{
			ACL: aclEngine, Pool: connPool, QoS: qosScheduler, Session: sessionMgr,
		})
		go serveHTTP(ctx, cfg.Metrics.Listen, log)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error("listener failed", "error", err)
		}
	}

	cancel()
	_ = srv.Close()
	time.Sleep(200 * time.Millisecond)
	log.Info("shutdown complete")
}

func setupSessionStore(cfg *config.Config) (*store.SQLiteStore, func(), error) {
	if !cfg.Sessions.Enabled || cfg.Sessions.Storage != "sqlite" {
		return nil, nil, nil
	}
	s, err := store.Open(cfg.Sessions.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

func setupAcl(ctx context.Context, cfg *config.Config) (*acl.Engine, acl.GroupProvider, error) {
	compiled := &acl.Config{DefaultPolicy: acl.ActionAllow}

	if cfg.Acl.Enabled {
		data, err := os.ReadFile(cfg.Acl.ConfigFile)
		if err != nil {
			return nil, nil, fmt.Errorf("reading acl config: %w", err)
		}
		var raw acl.RawConfig
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, nil, fmt.Errorf("parsing acl config: %w", err)
		}
		compiled, err = acl.Compile(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("compiling acl config: %w", err)
		}
	}

	engine := acl.NewEngine(compiled)

	if cfg.Acl.Enabled && cfg.Acl.Watch {
		watcher := acl.NewWatcher(cfg.Acl.ConfigFile, engine)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Named("acl").Warn("watcher stopped", "error", err)
			}
		}()
	}

	var groups acl.GroupProvider
	if cfg.Acl.Ldap.Enabled {
		groups = acl.NewLDAPGroupProvider(
			cfg.Acl.Ldap.Addr, cfg.Acl.Ldap.BindDN, cfg.Acl.Ldap.BindPassword,
			cfg.Acl.Ldap.BaseDN, cfg.Acl.Ldap.Filter, cfg.Acl.Ldap.GroupAttr,
		)
	}

	return engine, groups, nil
}

func serveHTTP(ctx context.Context, addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics http listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics http server error", "error", err)
	}
}
