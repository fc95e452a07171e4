package middleware

import (
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestRemoteAddrExtractor_ExtractIP(t *testing.T) {
	extractor := &RemoteAddrExtractor{}

	testCases := []struct {
		name       string
		remoteAddr string
		expected   string
	}{
		{"IPv4 with port", "192.168.1.1:54321", "192.168.1.1"},
		{"IPv4 without port", "127.0.0.1", "127.0.0.1"},
		{"IPv6 with port", "[2001:db8::1]:443", "2001:db8::1"},
		{"IPv6 without port", "[::1]", "::1"},
		{"IPv4-mapped IPv6", "[::ffff:10.0.0.1]:80", "10.0.0.1"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remoteAddr

			ip, err := extractor.ExtractIP(req)
			if err != nil {
				t.Fatalf("ExtractIP() returned unexpected error: %v", err)
			}
			if ip != tc.expected {
				t.Errorf("ExtractIP() = %q, expected %q", ip, tc.expected)
			}
		})
	}
}

func TestRemoteAddrExtractor_InvalidAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "not-an-address"

	if _, err := (&RemoteAddrExtractor{}).ExtractIP(req); err == nil {
		t.Error("expected error for invalid RemoteAddr")
	}
}

func trustedConfig() TrustedProxyConfig {
	return TrustedProxyConfig{
		Enabled:      true,
		AllowedCIDRs: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	}
}

func TestTrustedProxyExtractor(t *testing.T) {
	testCases := []struct {
		name       string
		config     TrustedProxyConfig
		remoteAddr string
		xff        string
		xRealIP    string
		expected   string
	}{
		{
			name:       "uses first XFF entry from trusted proxy",
			config:     trustedConfig(),
			remoteAddr: "10.1.2.3:5000",
			xff:        "203.0.113.7, 10.1.2.3",
			expected:   "203.0.113.7",
		},
		{
			name:       "ignores XFF from untrusted peer",
			config:     trustedConfig(),
			remoteAddr: "198.51.100.9:5000",
			xff:        "203.0.113.7",
			expected:   "198.51.100.9",
		},
		{
			name:       "falls back to X-Real-IP",
			config:     trustedConfig(),
			remoteAddr: "10.1.2.3:5000",
			xRealIP:    "203.0.113.8",
			expected:   "203.0.113.8",
		},
		{
			name:       "invalid XFF falls through to X-Real-IP",
			config:     trustedConfig(),
			remoteAddr: "10.1.2.3:5000",
			xff:        "garbage, 203.0.113.7",
			xRealIP:    "203.0.113.8",
			expected:   "203.0.113.8",
		},
		{
			name:       "no headers uses RemoteAddr",
			config:     trustedConfig(),
			remoteAddr: "10.1.2.3:5000",
			expected:   "10.1.2.3",
		},
		{
			name:       "disabled ignores headers",
			config:     TrustedProxyConfig{},
			remoteAddr: "10.1.2.3:5000",
			xff:        "203.0.113.7",
			expected:   "10.1.2.3",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xRealIP != "" {
				req.Header.Set("X-Real-IP", tc.xRealIP)
			}

			ip, err := NewTrustedProxyExtractor(tc.config).ExtractIP(req)
			if err != nil {
				t.Fatalf("ExtractIP() returned unexpected error: %v", err)
			}
			if ip != tc.expected {
				t.Errorf("ExtractIP() = %q, expected %q", ip, tc.expected)
			}
		})
	}
}

func TestLoadTrustedProxyConfig(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		t.Setenv("RATELIMIT_TRUST_PROXY", "")
		cfg, err := LoadTrustedProxyConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Enabled {
			t.Error("expected proxy trust to be disabled")
		}
	})

	t.Run("parses IPs and CIDRs", func(t *testing.T) {
		t.Setenv("RATELIMIT_TRUST_PROXY", "true")
		t.Setenv("RATELIMIT_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.1, 2001:db8::/32")
		cfg, err := LoadTrustedProxyConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cfg.AllowedCIDRs) != 3 {
			t.Fatalf("expected 3 prefixes, got %d", len(cfg.AllowedCIDRs))
		}
		if cfg.AllowedCIDRs[1].Bits() != 32 {
			t.Errorf("single IPv4 should become /32, got /%d", cfg.AllowedCIDRs[1].Bits())
		}
		if !cfg.IsTrusted("192.168.1.1:443") {
			t.Error("expected 192.168.1.1 to be trusted")
		}
	})

	t.Run("enabled without proxies", func(t *testing.T) {
		t.Setenv("RATELIMIT_TRUST_PROXY", "true")
		t.Setenv("RATELIMIT_TRUSTED_PROXIES", "")
		if _, err := LoadTrustedProxyConfig(); err == nil {
			t.Error("expected error when no proxies are configured")
		}
	})

	t.Run("invalid entry", func(t *testing.T) {
		t.Setenv("RATELIMIT_TRUST_PROXY", "true")
		t.Setenv("RATELIMIT_TRUSTED_PROXIES", "10.0.0.0/8,proxy.local")
		if _, err := LoadTrustedProxyConfig(); err == nil {
			t.Error("expected error for hostname entry")
		}
	})
}

func TestHashIP(t *testing.T) {
	a := HashIP("203.0.113.7")
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a != HashIP("203.0.113.7") {
		t.Error("expected hash to be deterministic")
	}
	if a == HashIP("203.0.113.8") {
		t.Error("expected different addresses to hash differently")
	}
}
