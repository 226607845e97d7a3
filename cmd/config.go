package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/khanhnv2901/seca-scan/internal/application"
	"github.com/khanhnv2901/seca-scan/internal/checker"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/preset"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

const (
	defaultProbeTimeoutSecs = 10
	defaultFlushDelayMillis = 2000
	envPrefix               = "SECA"
)

// CLIConfig is the merged view of the config file, SECA_* environment
// variables and persistent flags.
type CLIConfig struct {
	ResultsDir string            `mapstructure:"results_dir"`
	Store      string            `mapstructure:"store"`
	Scope      []string          `mapstructure:"scope"`
	Telemetry  bool              `mapstructure:"telemetry"`
	Spans      bool              `mapstructure:"spans"`
	Scan       ScanDefaults      `mapstructure:"scan"`
	Probe      ProbeConfig       `mapstructure:"probe"`
	CSP        checker.CSPPolicy `mapstructure:"csp"`
	Serve      ServeConfig       `mapstructure:"serve"`
}

// ScanDefaults seed every scan before presets and flags apply.
type ScanDefaults struct {
	Preset             string   `mapstructure:"preset"`
	Aggressivity       string   `mapstructure:"aggressivity"`
	ConcurrentChecks   int      `mapstructure:"concurrent_checks"`
	ConcurrentRequests int      `mapstructure:"concurrent_requests"`
	Severities         []string `mapstructure:"severities"`
}

type ProbeConfig struct {
	TimeoutSecs      int     `mapstructure:"timeout_secs"`
	RateLimit        float64 `mapstructure:"rate_limit"`
	FlushDelayMillis int     `mapstructure:"flush_delay_ms"`
}

type ServeConfig struct {
	Addr        string   `mapstructure:"addr"`
	AuthToken   string   `mapstructure:"auth_token"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	RateLimit   float64  `mapstructure:"rate_limit"`
	RateBurst   int      `mapstructure:"rate_burst"`
}

func newCLIConfig() *CLIConfig {
	scan := config.Default()
	return &CLIConfig{
		Store: application.StoreJSON,
		Scan: ScanDefaults{
			Aggressivity:       string(scan.Aggressivity),
			ConcurrentChecks:   scan.ConcurrentChecks,
			ConcurrentRequests: scan.ConcurrentRequests,
		},
		Probe: ProbeConfig{
			TimeoutSecs:      defaultProbeTimeoutSecs,
			FlushDelayMillis: defaultFlushDelayMillis,
		},
		CSP: checker.DefaultCSPPolicy(),
		Serve: ServeConfig{
			Addr:      "127.0.0.1:8080",
			RateLimit: 10,
			RateBurst: 20,
		},
	}
}

func setDefaults(v *viper.Viper, cfg *CLIConfig) {
	v.SetDefault("store", cfg.Store)
	v.SetDefault("telemetry", cfg.Telemetry)
	v.SetDefault("spans", cfg.Spans)
	v.SetDefault("scan.aggressivity", cfg.Scan.Aggressivity)
	v.SetDefault("scan.concurrent_checks", cfg.Scan.ConcurrentChecks)
	v.SetDefault("scan.concurrent_requests", cfg.Scan.ConcurrentRequests)
	v.SetDefault("probe.timeout_secs", cfg.Probe.TimeoutSecs)
	v.SetDefault("probe.rate_limit", cfg.Probe.RateLimit)
	v.SetDefault("probe.flush_delay_ms", cfg.Probe.FlushDelayMillis)
	v.SetDefault("csp.missing", string(cfg.CSP.Missing))
	v.SetDefault("csp.report_only", string(cfg.CSP.ReportOnly))
	v.SetDefault("csp.unsafe_inline", string(cfg.CSP.UnsafeInline))
	v.SetDefault("csp.unsafe_eval", string(cfg.CSP.UnsafeEval))
	v.SetDefault("csp.wildcard", string(cfg.CSP.Wildcard))
	v.SetDefault("csp.insecure_scheme", string(cfg.CSP.InsecureScheme))
	v.SetDefault("serve.addr", cfg.Serve.Addr)
	v.SetDefault("serve.rate_limit", cfg.Serve.RateLimit)
	v.SetDefault("serve.rate_burst", cfg.Serve.RateBurst)
}

// loadCLIConfig reads the config file if any. A missing default config file
// is not an error; a missing explicit one is.
func loadCLIConfig(v *viper.Viper, cfgFile string) (*CLIConfig, error) {
	cfg := newCLIConfig()
	setDefaults(v, cfg)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
		v.SetConfigName(".seca-scan")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", sharedErrors.ErrInvalidConfig, err)
	}
	policy, err := cfg.CSP.Validate()
	if err != nil {
		return nil, err
	}
	cfg.CSP = policy

	if cfg.ResultsDir == "" {
		dir, err := getResultsDir()
		if err != nil {
			return nil, err
		}
		cfg.ResultsDir = dir
	}
	return cfg, nil
}

// addScanConfigFlags registers the flags read by scanConfigFromFlags.
func addScanConfigFlags(flags *pflag.FlagSet) {
	flags.String("preset", "", "scan preset: "+strings.Join(preset.Names(), ", "))
	flags.String("aggressivity", "", "probe budget per check: low, medium or high")
	flags.Int("concurrent-checks", 0, "check executions running at once")
	flags.Int("concurrent-requests", 0, "probes in flight per check")
	flags.StringSlice("severity", nil, "only report these severities")
	flags.StringSlice("enable", nil, "force-enable check IDs")
	flags.StringSlice("disable", nil, "disable check IDs")
	flags.Bool("all-scopes", false, "scan targets outside the configured scope")
}

// scanConfigFromFlags layers config defaults, then the preset, then explicit flags.
func scanConfigFromFlags(cmd *cobra.Command, defaults ScanDefaults) (config.ScanConfig, error) {
	flags := cmd.Flags()
	cfg := config.Default()

	if defaults.Aggressivity != "" {
		a, err := config.ParseAggressivity(defaults.Aggressivity)
		if err != nil {
			return cfg, err
		}
		cfg.Aggressivity = a
	}
	if defaults.ConcurrentChecks > 0 {
		cfg.ConcurrentChecks = defaults.ConcurrentChecks
	}
	if defaults.ConcurrentRequests > 0 {
		cfg.ConcurrentRequests = defaults.ConcurrentRequests
	}
	if len(defaults.Severities) > 0 {
		sevs, err := check.ParseSeverities(defaults.Severities)
		if err != nil {
			return cfg, err
		}
		cfg.Severities = sevs
	}

	name, _ := flags.GetString("preset")
	if name == "" {
		name = defaults.Preset
	}
	if name != "" {
		var err error
		if cfg, err = preset.Apply(name, cfg); err != nil {
			return cfg, err
		}
	}

	if flags.Changed("aggressivity") {
		value, _ := flags.GetString("aggressivity")
		a, err := config.ParseAggressivity(value)
		if err != nil {
			return cfg, err
		}
		cfg.Aggressivity = a
	}
	if flags.Changed("concurrent-checks") {
		cfg.ConcurrentChecks, _ = flags.GetInt("concurrent-checks")
	}
	if flags.Changed("concurrent-requests") {
		cfg.ConcurrentRequests, _ = flags.GetInt("concurrent-requests")
	}
	if flags.Changed("severity") {
		values, _ := flags.GetStringSlice("severity")
		sevs, err := check.ParseSeverities(values)
		if err != nil {
			return cfg, err
		}
		cfg.Severities = sevs
	}
	enabled, _ := flags.GetStringSlice("enable")
	disabled, _ := flags.GetStringSlice("disable")
	for _, id := range enabled {
		cfg.Overrides = append(cfg.Overrides, config.Override{CheckID: id, Enabled: true})
	}
	for _, id := range disabled {
		cfg.Overrides = append(cfg.Overrides, config.Override{CheckID: id, Enabled: false})
	}
	if all, _ := flags.GetBool("all-scopes"); all {
		cfg.InScopeOnly = false
	}

	return cfg, cfg.Validate()
}
