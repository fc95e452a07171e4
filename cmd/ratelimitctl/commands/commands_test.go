package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelimit-engine/pkg/ratelimit"
)

// memoryEnv configures the memory backend so no command reaches a database.
func memoryEnv(t *testing.T, modulesFile string) {
	t.Helper()
	t.Setenv("RATELIMIT_BACKEND", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("RATELIMIT_MODULES_FILE", modulesFile)
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigValidate_Defaults(t *testing.T) {
	memoryEnv(t, "")

	out, err := execute(t, NewConfigCmd(), "validate")
	require.NoError(t, err)

	assert.Contains(t, out, "Backend: memory")
	assert.Contains(t, out, "Modules: built-in defaults")
	assert.Contains(t, out, "Configuration is valid.")
	assert.Regexp(t, `auth\s+5\s+15m0s\s+30m0s\s+1\s+enforce`, out)
}

func TestConfigValidate_ModulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
modules:
  chat:
    max_requests: 30
    window: 60s
    block: 5m
    warn_threshold: 5
  search:
    max_requests: 100
    window: 1m
    mode: monitor
`), 0o600))
	memoryEnv(t, path)

	out, err := execute(t, NewConfigCmd(), "validate")
	require.NoError(t, err)

	assert.Contains(t, out, "Modules: "+path)
	assert.Regexp(t, `chat\s+30\s+1m0s\s+5m0s\s+5\s+enforce`, out)
	assert.Regexp(t, `search\s+100\s+1m0s`, out)
	assert.NotContains(t, out, "auth")
}

func TestConfigValidate_InvalidModule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("modules:\n  chat:\n    max_requests: 0\n    window: 1m\n"), 0o600))
	memoryEnv(t, path)

	_, err := execute(t, NewConfigCmd(), "validate")
	require.Error(t, err)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidConfig)
}

func TestConfigValidate_InvalidEnvironment(t *testing.T) {
	memoryEnv(t, "")
	t.Setenv("RATELIMIT_BACKEND", "cassandra")

	_, err := execute(t, NewConfigCmd(), "validate")
	require.Error(t, err)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidConfig)
}

func TestReset_Validation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr error
		wantMsg string
	}{
		{name: "no filter", args: nil, wantMsg: "pass --all"},
		{name: "unknown module", args: []string{"--module", "upload"}, wantErr: ratelimit.ErrUnknownModule},
		{name: "all with module", args: []string{"--all", "--module", "api"}, wantMsg: "none of the others can be"},
		{name: "memory backend", args: []string{"--module", "api", "--actor", "user:1"}, wantErr: errMemoryBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memoryEnv(t, "")

			_, err := execute(t, NewResetCmd(), tt.args...)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestProbe_Validation(t *testing.T) {
	memoryEnv(t, "")

	_, err := execute(t, NewProbeCmd(), "--module", "api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be given together")

	_, err = execute(t, NewProbeCmd())
	assert.ErrorIs(t, err, errMemoryBackend)
}

func TestMigrate_DownRequiresConfirmation(t *testing.T) {
	memoryEnv(t, "")

	_, err := execute(t, NewMigrateCmd(), "down")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")

	_, err = execute(t, NewMigrateCmd(), "up")
	assert.ErrorIs(t, err, errMemoryBackend)
}

func TestPurge_Validation(t *testing.T) {
	memoryEnv(t, "")

	_, err := execute(t, NewPurgeCmd(), "--retention", "1s")
	assert.ErrorIs(t, err, ratelimit.ErrInvalidConfig)

	_, err = execute(t, NewPurgeCmd(), "--retention", "2h")
	assert.ErrorIs(t, err, errMemoryBackend)
}
