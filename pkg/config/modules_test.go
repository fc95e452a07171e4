package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelimit-engine/pkg/ratelimit"
)

const validModules = `
modules:
  chat:
    max_requests: 30
    window: 60s
    warn_threshold: 5
  auth:
    max_requests: 5
    window: 15m
    block: 30m
    mode: monitor
    extend_block: true
`

func TestParseModules(t *testing.T) {
	got, err := ParseModules(strings.NewReader(validModules))
	require.NoError(t, err)

	want := map[string]ratelimit.RateLimitConfig{
		"chat": {
			MaxRequests:   30,
			Window:        time.Minute,
			BlockDuration: time.Minute,
			WarnThreshold: 5,
			Mode:          ratelimit.ModeEnforce,
		},
		"auth": {
			MaxRequests:   5,
			Window:        15 * time.Minute,
			BlockDuration: 30 * time.Minute,
			Mode:          ratelimit.ModeMonitor,
			ExtendBlock:   true,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseModules_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "empty document", yaml: "", wantErr: "empty"},
		{name: "no modules", yaml: "modules: {}\n", wantErr: "no modules"},
		{name: "unknown field", yaml: "modules:\n  chat:\n    max_requests: 1\n    window: 1s\n    burst: 4\n", wantErr: "burst"},
		{name: "zero max", yaml: "modules:\n  chat:\n    max_requests: 0\n    window: 1s\n", wantErr: `module "chat"`},
		{name: "missing window", yaml: "modules:\n  chat:\n    max_requests: 3\n", wantErr: "Window"},
		{name: "bad mode", yaml: "modules:\n  chat:\n    max_requests: 3\n    window: 1s\n    mode: shadow\n", wantErr: "mode"},
		{name: "bad name", yaml: "modules:\n  \"chat:v2\":\n    max_requests: 3\n    window: 1s\n", wantErr: "module name"},
		{name: "bad duration", yaml: "modules:\n  chat:\n    max_requests: 3\n    window: soon\n", wantErr: "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseModules(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ratelimit.ErrInvalidConfig)
			assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.wantErr))
		})
	}
}

func TestLoadModulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validModules), 0o600))

	got, err := LoadModulesFile(path)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = LoadModulesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultModules_AreValid(t *testing.T) {
	for name, cfg := range DefaultModules() {
		assert.NoError(t, cfg.Validate(), name)
	}
}
