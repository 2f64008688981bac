// Package config decodes the server's TOML configuration object (§6)
// into the structs the rest of the proxy is wired from, applying the
// same kind of light defaulting karoo's loadConfig does for its own
// JSON config.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	appErr "github.com/riftproxy/socksentry/pkg/errors"
)

type TLSConfig struct {
	Enabled            bool     `toml:"enabled"`
	CertificatePath    string   `toml:"certificate_path"`
	PrivateKeyPath     string   `toml:"private_key_path"`
	RequireClientAuth  bool     `toml:"require_client_auth"`
	ClientCAPath       string   `toml:"client_ca_path"`
	ALPNProtocols      []string `toml:"alpn_protocols"`
	MinProtocolVersion string   `toml:"min_protocol_version"`
}

type ServerConfig struct {
	BindAddress    string    `toml:"bind_address"`
	BindPort       int       `toml:"bind_port"`
	MaxConnections int       `toml:"max_connections"`
	TLS            TLSConfig `toml:"tls"`
}

type PAMConfig struct {
	UsernameService string `toml:"username_service"`
	AddressService  string `toml:"address_service"`
	DefaultUser     string `toml:"default_user"`
	Verbose         bool   `toml:"verbose"`
	VerifyService   bool   `toml:"verify_service"`
}

type UserCredential struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type AuthConfig struct {
	ClientMethod string           `toml:"client_method"`
	SocksMethod  string           `toml:"socks_method"`
	Users        []UserCredential `toml:"users"`
	PAM          PAMConfig        `toml:"pam"`
}

// LdapConfig wires internal/acl/groups's LDAPGroupProvider; it is an
// addition beyond spec.md's `acl` table so LDAP group lookups, part of
// the domain stack, have somewhere to be configured from.
type LdapConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	BindDN       string `toml:"bind_dn"`
	BindPassword string `toml:"bind_password"`
	BaseDN       string `toml:"base_dn"`
	Filter       string `toml:"filter"`
	GroupAttr    string `toml:"group_attr"`
}

type AclConfig struct {
	Enabled       bool       `toml:"enabled"`
	ConfigFile    string     `toml:"config_file"`
	Watch         bool       `toml:"watch"`
	AnonymousUser string     `toml:"anonymous_user"`
	Ldap          LdapConfig `toml:"ldap"`
}

type SessionsConfig struct {
	Enabled                     bool   `toml:"enabled"`
	Storage                     string `toml:"storage"`
	DatabaseURL                 string `toml:"database_url"`
	RetentionDays               int    `toml:"retention_days"`
	CleanupIntervalHours        int    `toml:"cleanup_interval_hours"`
	TrafficUpdatePacketInterval int    `toml:"traffic_update_packet_interval"`
	StatsWindowHours            int    `toml:"stats_window_hours"`
	BasePath                    string `toml:"base_path"`
}

type ConnectionLimitsConfig struct {
	MaxConnectionsPerUser int64 `toml:"max_connections_per_user"`
	MaxConnectionsGlobal  int64 `toml:"max_connections_global"`
}

type HtbConfig struct {
	GlobalBandwidthBytesPerSec     uint64 `toml:"global_bandwidth_bytes_per_sec"`
	GuaranteedBandwidthBytesPerSec uint64 `toml:"guaranteed_bandwidth_bytes_per_sec"`
	MaxBandwidthBytesPerSec        uint64 `toml:"max_bandwidth_bytes_per_sec"`
	BurstSizeBytes                 uint64 `toml:"burst_size_bytes"`
	FairSharingEnabled             bool   `toml:"fair_sharing_enabled"`
	RebalanceIntervalMs            int64  `toml:"rebalance_interval_ms"`
	IdleTimeoutSecs                int64  `toml:"idle_timeout_secs"`
}

type QosConfig struct {
	Enabled           bool                   `toml:"enabled"`
	Algorithm         string                 `toml:"algorithm"`
	Htb               HtbConfig              `toml:"htb"`
	ConnectionLimits  ConnectionLimitsConfig `toml:"connection_limits"`
}

type PoolConfig struct {
	Enabled          bool  `toml:"enabled"`
	MaxIdlePerDest   int   `toml:"max_idle_per_destination"`
	MaxTotalIdle     int   `toml:"max_total_idle"`
	IdleTimeoutSecs  int64 `toml:"idle_timeout_secs"`
	ConnectTimeoutMs int64 `toml:"connect_timeout_ms"`
}

type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
	Listen    string `toml:"listen"`
}

// Config is the root of the TOML object described in §6.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Acl      AclConfig      `toml:"acl"`
	Sessions SessionsConfig `toml:"sessions"`
	Qos      QosConfig      `toml:"qos"`
	Pool     PoolConfig     `toml:"pool"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// Load reads and decodes path, applies defaults, and validates
// cross-field requirements. Any failure aborts startup per §6's "exit
// non-zero on validation failure".
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.Wrap(appErr.CodeConfig, "reading config file", err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, appErr.Wrap(appErr.CodeConfig, "parsing config file", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = "0.0.0.0"
	}
	if cfg.Server.BindPort == 0 {
		cfg.Server.BindPort = 1080
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Auth.ClientMethod == "" {
		cfg.Auth.ClientMethod = "none"
	}
	if cfg.Auth.SocksMethod == "" {
		cfg.Auth.SocksMethod = "none"
	}
	if cfg.Acl.AnonymousUser == "" {
		cfg.Acl.AnonymousUser = "anonymous"
	}
	if cfg.Acl.Ldap.Filter == "" {
		cfg.Acl.Ldap.Filter = "(memberUid=%s)"
	}
	if cfg.Acl.Ldap.GroupAttr == "" {
		cfg.Acl.Ldap.GroupAttr = "cn"
	}
	if cfg.Sessions.Storage == "" {
		cfg.Sessions.Storage = "memory"
	}
	if cfg.Sessions.CleanupIntervalHours == 0 {
		cfg.Sessions.CleanupIntervalHours = 1
	}
	if cfg.Sessions.TrafficUpdatePacketInterval == 0 {
		cfg.Sessions.TrafficUpdatePacketInterval = 32
	}
	if cfg.Sessions.StatsWindowHours == 0 {
		cfg.Sessions.StatsWindowHours = 24
	}
	if cfg.Sessions.BasePath == "" {
		cfg.Sessions.BasePath = "/"
	} else if !strings.HasPrefix(cfg.Sessions.BasePath, "/") {
		cfg.Sessions.BasePath = "/" + cfg.Sessions.BasePath
	}
	if cfg.Qos.Algorithm == "" {
		cfg.Qos.Algorithm = "htb"
	}
	if cfg.Qos.Htb.RebalanceIntervalMs == 0 {
		cfg.Qos.Htb.RebalanceIntervalMs = 1000
	}
	if cfg.Qos.Htb.IdleTimeoutSecs == 0 {
		cfg.Qos.Htb.IdleTimeoutSecs = 300
	}
	if cfg.Pool.MaxIdlePerDest == 0 {
		cfg.Pool.MaxIdlePerDest = 4
	}
	if cfg.Pool.MaxTotalIdle == 0 {
		cfg.Pool.MaxTotalIdle = 256
	}
	if cfg.Pool.IdleTimeoutSecs == 0 {
		cfg.Pool.IdleTimeoutSecs = 90
	}
	if cfg.Pool.ConnectTimeoutMs == 0 {
		cfg.Pool.ConnectTimeoutMs = 10_000
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "socksentry"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9090"
	}
}

// Validate checks the cross-field requirements named in §6: a config
// file is required when ACL is enabled, a database URL when session
// storage is sqlite, and the session knobs marked "> 0" really are.
func (cfg *Config) Validate() error {
	if cfg.Acl.Enabled && cfg.Acl.ConfigFile == "" {
		return appErr.New(appErr.CodeConfig, "acl.config_file is required when acl.enabled is true")
	}
	if cfg.Acl.Ldap.Enabled && (cfg.Acl.Ldap.Addr == "" || cfg.Acl.Ldap.BaseDN == "") {
		return appErr.New(appErr.CodeConfig, "acl.ldap.addr and acl.ldap.base_dn are required when acl.ldap.enabled is true")
	}
	if cfg.Sessions.Storage != "memory" && cfg.Sessions.Storage != "sqlite" {
		return appErr.New(appErr.CodeConfig, fmt.Sprintf("sessions.storage must be memory or sqlite, got %q", cfg.Sessions.Storage))
	}
	if cfg.Sessions.Storage == "sqlite" && cfg.Sessions.DatabaseURL == "" {
		return appErr.New(appErr.CodeConfig, "sessions.database_url is required when sessions.storage is sqlite")
	}
	if cfg.Sessions.CleanupIntervalHours <= 0 {
		return appErr.New(appErr.CodeConfig, "sessions.cleanup_interval_hours must be > 0")
	}
	if cfg.Sessions.TrafficUpdatePacketInterval <= 0 {
		return appErr.New(appErr.CodeConfig, "sessions.traffic_update_packet_interval must be > 0")
	}
	if cfg.Sessions.StatsWindowHours <= 0 {
		return appErr.New(appErr.CodeConfig, "sessions.stats_window_hours must be > 0")
	}
	if strings.ContainsAny(cfg.Sessions.BasePath, " \t\n") {
		return appErr.New(appErr.CodeConfig, "sessions.base_path must not contain whitespace")
	}
	if cfg.Qos.Enabled && cfg.Qos.Algorithm != "htb" {
		return appErr.New(appErr.CodeConfig, fmt.Sprintf("qos.algorithm must be htb, got %q", cfg.Qos.Algorithm))
	}
	switch cfg.Auth.SocksMethod {
	case "none", "userpass", "pam.address", "pam.username":
	default:
		return appErr.New(appErr.CodeConfig, fmt.Sprintf("auth.socks_method invalid: %q", cfg.Auth.SocksMethod))
	}
	switch cfg.Auth.ClientMethod {
	case "none", "pam.address":
	default:
		return appErr.New(appErr.CodeConfig, fmt.Sprintf("auth.client_method invalid: %q", cfg.Auth.ClientMethod))
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertificatePath == "" || cfg.Server.TLS.PrivateKeyPath == "" {
			return appErr.New(appErr.CodeConfig, "server.tls requires certificate_path and private_key_path when enabled")
		}
		switch cfg.Server.TLS.MinProtocolVersion {
		case "", "TLS12", "TLS13":
		default:
			return appErr.New(appErr.CodeConfig, fmt.Sprintf("server.tls.min_protocol_version invalid: %q", cfg.Server.TLS.MinProtocolVersion))
		}
	}
	return nil
}

func (h HtbConfig) RebalanceInterval() time.Duration {
	return time.Duration(h.RebalanceIntervalMs) * time.Millisecond
}

func (h HtbConfig) IdleTimeout() time.Duration {
	return time.Duration(h.IdleTimeoutSecs) * time.Second
}

func (p PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSecs) * time.Second
}

func (p PoolConfig) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMs) * time.Millisecond
}

func (s SessionsConfig) RetentionDuration() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

func (s SessionsConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalHours) * time.Hour
}

func (s SessionsConfig) StatsWindow() time.Duration {
	return time.Duration(s.StatsWindowHours) * time.Hour
}
