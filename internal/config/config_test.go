package config

import (
	"testing"
	"time"
)

func TestNormalizeDomainHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"example.com":                "example.com",
		"https://example.com/path":   "example.com",
		"http://EXAMPLE.com:443/abc": "example.com",
		"  sub.example.com.  ":       "sub.example.com",
	}

	for in, want := range tests {
		if got := normalizeDomainHost(in); got != want {
			t.Fatalf("normalizeDomainHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestParseServerFlagsDefaults(t *testing.T) {
	t.Setenv("RELAY_MASTER_KEY", "test-master-key")
	t.Setenv("RELAY_REQUEST_TIMEOUT", "")
	t.Setenv("RELAY_LOG_RETENTION", "")

	cfg, err := ParseServerFlags([]string{"--domain", "relay.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseDomain != "relay.example.com" {
		t.Fatalf("unexpected base domain %q", cfg.BaseDomain)
	}
	if cfg.RequestTimeout != defaultRequestTimeout {
		t.Fatalf("expected default request timeout, got %s", cfg.RequestTimeout)
	}
	if cfg.MaxBodyBytes != defaultMaxBodyBytes {
		t.Fatalf("expected default max body bytes, got %d", cfg.MaxBodyBytes)
	}
	if cfg.LogRetention != defaultLogRetention {
		t.Fatalf("expected default log retention, got %s", cfg.LogRetention)
	}
}

func TestParseServerFlagsRequiresDomainAndMasterKey(t *testing.T) {
	t.Setenv("RELAY_DOMAIN", "")
	t.Setenv("RELAY_MASTER_KEY", "")

	if _, err := ParseServerFlags(nil); err == nil {
		t.Fatal("expected error when domain is missing")
	}
	if _, err := ParseServerFlags([]string{"--domain", "relay.example.com"}); err == nil {
		t.Fatal("expected error when master key is missing")
	}
}

func TestParseServerFlagsEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_MASTER_KEY", "test-master-key")
	t.Setenv("RELAY_REQUEST_TIMEOUT", "5s")
	t.Setenv("RELAY_MAX_BODY_BYTES", "1024")

	cfg, err := ParseServerFlags([]string{"--domain", "relay.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Fatalf("expected 5s request timeout, got %s", cfg.RequestTimeout)
	}
	if cfg.MaxBodyBytes != 1024 {
		t.Fatalf("expected 1024 max body bytes, got %d", cfg.MaxBodyBytes)
	}
}

func TestParseServerFlagsTrustedProxies(t *testing.T) {
	t.Setenv("RELAY_MASTER_KEY", "test-master-key")
	t.Setenv("RELAY_TRUSTED_PROXIES", "10.0.0.1, 192.168.0.0/16")

	cfg, err := ParseServerFlags([]string{"--domain", "relay.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.1" || cfg.TrustedProxies[1] != "192.168.0.0/16" {
		t.Fatalf("unexpected trusted proxies %v", cfg.TrustedProxies)
	}

	cfg, err = ParseServerFlags([]string{"--domain", "relay.example.com", "--trusted-proxies", "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.TrustedProxies) != 1 || cfg.TrustedProxies[0] != "127.0.0.1" {
		t.Fatalf("flag must override env, got %v", cfg.TrustedProxies)
	}

	if _, err := ParseServerFlags([]string{"--domain", "relay.example.com", "--trusted-proxies", "not-an-ip"}); err == nil {
		t.Fatal("expected error for malformed trusted proxy entry")
	}
}

func TestParseServerFlagsRejectsBadTimeout(t *testing.T) {
	t.Setenv("RELAY_MASTER_KEY", "test-master-key")

	if _, err := ParseServerFlags([]string{"--domain", "relay.example.com", "--request-timeout", "-1s"}); err == nil {
		t.Fatal("expected error for negative request timeout")
	}
}
