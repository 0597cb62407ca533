// Package config parses relay server configuration from environment
// variables and command-line flags.
package config

import (
	"errors"
	"flag"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds all tunable settings for one relay process.
type ServerConfig struct {
	Listen                 string
	DBPath                 string
	BaseDomain             string
	APIKeyPepper           string
	MasterKey              string
	LogLevel               string
	LogFormat              string
	PprofAddr              string
	RequestTimeout         time.Duration
	MaxBodyBytes           int64
	ConnectTokenTTL        time.Duration
	MaxPendingPerConn      int64
	ClientPingTimeout      time.Duration
	HeartbeatCheckInterval time.Duration
	CleanupInterval        time.Duration
	LogRetention           time.Duration
	// TrustedProxies lists IPs/CIDRs whose X-Forwarded-For header is
	// believed. Requests from any other peer are attributed to the peer
	// address itself.
	TrustedProxies []string
}

const defaultListen = ":8080"
const defaultDBPath = "./relay.db"
const defaultRequestTimeout = 30 * time.Second
const defaultMaxBodyBytes = 10 * 1024 * 1024
const defaultConnectTokenTTL = 60 * time.Second
const defaultMaxPendingPerConn = 1024
const defaultClientPingTimeout = 12 * time.Minute
const defaultHeartbeatCheckInterval = 30 * time.Second
const defaultCleanupInterval = 10 * time.Minute
const defaultLogRetention = 7 * 24 * time.Hour

// ParseServerFlags builds a ServerConfig from a .env file (when present),
// RELAY_* environment variables, and flag overrides, then validates it.
func ParseServerFlags(args []string) (ServerConfig, error) {
	_ = godotenv.Load()

	cfg := ServerConfig{
		Listen:                 envOrDefault("RELAY_LISTEN", defaultListen),
		DBPath:                 envOrDefault("RELAY_DB_PATH", defaultDBPath),
		BaseDomain:             envOrDefault("RELAY_DOMAIN", ""),
		APIKeyPepper:           envOrDefault("RELAY_API_KEY_PEPPER", ""),
		MasterKey:              envOrDefault("RELAY_MASTER_KEY", ""),
		LogLevel:               envOrDefault("RELAY_LOG_LEVEL", "info"),
		LogFormat:              envOrDefault("RELAY_LOG_FORMAT", "text"),
		PprofAddr:              envOrDefault("RELAY_PPROF_ADDR", ""),
		RequestTimeout:         envDurationOrDefault("RELAY_REQUEST_TIMEOUT", defaultRequestTimeout),
		MaxBodyBytes:           envInt64OrDefault("RELAY_MAX_BODY_BYTES", defaultMaxBodyBytes),
		ConnectTokenTTL:        defaultConnectTokenTTL,
		MaxPendingPerConn:      envInt64OrDefault("RELAY_MAX_PENDING", defaultMaxPendingPerConn),
		ClientPingTimeout:      defaultClientPingTimeout,
		HeartbeatCheckInterval: defaultHeartbeatCheckInterval,
		CleanupInterval:        defaultCleanupInterval,
		LogRetention:           envDurationOrDefault("RELAY_LOG_RETENTION", defaultLogRetention),
		TrustedProxies:         splitList(os.Getenv("RELAY_TRUSTED_PROXIES")),
	}

	var trustedProxies string
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "Public base domain, e.g. relay.example.com")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "API key hash pepper override")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.PprofAddr, "pprof-addr", cfg.PprofAddr, "Optional pprof listen address")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Forwarding timeout budget")
	fs.StringVar(&trustedProxies, "trusted-proxies", "", "Comma-separated IPs/CIDRs allowed to set X-Forwarded-For")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if trustedProxies != "" {
		cfg.TrustedProxies = splitList(trustedProxies)
	}

	cfg.BaseDomain = normalizeDomainHost(cfg.BaseDomain)
	if cfg.BaseDomain == "" {
		return cfg, errors.New("missing --domain or RELAY_DOMAIN")
	}
	if strings.TrimSpace(cfg.MasterKey) == "" {
		return cfg, errors.New("missing RELAY_MASTER_KEY (required to seal tunnel private keys)")
	}
	if cfg.RequestTimeout <= 0 {
		return cfg, errors.New("request timeout must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("max body bytes must be > 0")
	}
	if cfg.ClientPingTimeout <= 0 {
		return cfg, errors.New("client ping timeout must be > 0")
	}
	if cfg.HeartbeatCheckInterval <= 0 {
		return cfg, errors.New("heartbeat check interval must be > 0")
	}
	if cfg.CleanupInterval <= 0 {
		return cfg, errors.New("cleanup interval must be > 0")
	}
	if cfg.LogRetention <= 0 {
		return cfg, errors.New("log retention must be > 0")
	}
	for _, entry := range cfg.TrustedProxies {
		if !validAddrOrPrefix(entry) {
			return cfg, errors.New("invalid trusted proxy entry: " + entry)
		}
	}

	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validAddrOrPrefix(entry string) bool {
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64OrDefault(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
