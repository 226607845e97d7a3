package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

func newFlagCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addScanConfigFlags(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestScanConfigFromFlagsDefaults(t *testing.T) {
	cfg, err := scanConfigFromFlags(newFlagCmd(t), ScanDefaults{})
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestScanConfigFromFlagsLayering(t *testing.T) {
	defaults := ScanDefaults{Aggressivity: "medium", ConcurrentChecks: 4, Preset: "heavy"}

	cfg, err := scanConfigFromFlags(newFlagCmd(t), defaults)
	require.NoError(t, err)
	assert.Equal(t, config.AggressivityHigh, cfg.Aggressivity, "preset wins over config defaults")
	assert.Equal(t, 5, cfg.ConcurrentChecks)

	cfg, err = scanConfigFromFlags(newFlagCmd(t,
		"--preset", "light",
		"--aggressivity", "medium",
		"--concurrent-checks", "7",
		"--severity", "high,critical",
		"--enable", "csp-missing",
		"--disable", "csp-missing",
		"--all-scopes",
	), defaults)
	require.NoError(t, err)
	assert.Equal(t, config.AggressivityMedium, cfg.Aggressivity)
	assert.Equal(t, 7, cfg.ConcurrentChecks)
	assert.Equal(t, []check.Severity{check.SeverityHigh, check.SeverityCritical}, cfg.Severities)
	assert.False(t, cfg.InScopeOnly)
	require.NotEmpty(t, cfg.Overrides)
	assert.Equal(t, config.Override{CheckID: "csp-missing", Enabled: false}, cfg.Overrides[len(cfg.Overrides)-1])
}

func TestScanConfigFromFlagsRejectsBadValues(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		defaults ScanDefaults
		wantErr  error
	}{
		{name: "aggressivity flag", args: []string{"--aggressivity", "extreme"}, wantErr: sharedErrors.ErrInvalidConfig},
		{name: "aggressivity default", defaults: ScanDefaults{Aggressivity: "nope"}, wantErr: sharedErrors.ErrInvalidConfig},
		{name: "zero concurrency", args: []string{"--concurrent-requests", "0"}, wantErr: sharedErrors.ErrInvalidConfig},
		{name: "unknown preset", args: []string{"--preset", "turbo"}, wantErr: sharedErrors.ErrPresetNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := scanConfigFromFlags(newFlagCmd(t, tt.args...), tt.defaults)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadCLIConfigFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seca.yaml")
	body := `
results_dir: ` + filepath.Join(dir, "results") + `
store: sqlite
scope: [example.com]
scan:
  preset: bugbounty
  concurrent_checks: 3
csp:
  unsafe_inline: high
serve:
  auth_token: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("SECA_STORE", "json")

	cfg, err := loadCLIConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "results"), cfg.ResultsDir)
	assert.Equal(t, "json", cfg.Store, "environment overrides the file")
	assert.Equal(t, []string{"example.com"}, cfg.Scope)
	assert.Equal(t, "bugbounty", cfg.Scan.Preset)
	assert.Equal(t, 3, cfg.Scan.ConcurrentChecks)
	assert.Equal(t, check.SeverityHigh, cfg.CSP.UnsafeInline)
	assert.Equal(t, check.SeverityLow, cfg.CSP.Missing, "unset CSP fields keep their defaults")
	assert.Equal(t, "from-file", cfg.Serve.AuthToken)
	assert.Equal(t, "127.0.0.1:8080", cfg.Serve.Addr)
}

func TestLoadCLIConfigErrors(t *testing.T) {
	_, err := loadCLIConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit config file must exist")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("csp:\n  wildcard: severe\n"), 0o600))
	_, err = loadCLIConfig(viper.New(), path)
	assert.ErrorIs(t, err, sharedErrors.ErrInvalidConfig)
}

func TestLoadCLIConfigWithoutFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Chdir(t.TempDir())

	cfg, err := loadCLIConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Store)
	assert.Equal(t, "LOW", cfg.Scan.Aggressivity)
	assert.NotEmpty(t, cfg.ResultsDir)
}
