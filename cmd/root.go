package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/khanhnv2901/seca-scan/internal/application"
	consts "github.com/khanhnv2901/seca-scan/internal/shared/constants"
)

// AppContext carries per-invocation state into every command.
type AppContext struct {
	Logger     *zap.Logger
	ResultsDir string
	Config     *CLIConfig

	services *application.Container
}

type appContextKey struct{}

func storeAppContext(cmd *cobra.Command, appCtx *AppContext) {
	cmd.SetContext(context.WithValue(cmd.Context(), appContextKey{}, appCtx))
}

func getAppContext(cmd *cobra.Command) *AppContext {
	if ctx := cmd.Context(); ctx != nil {
		if appCtx, ok := ctx.Value(appContextKey{}).(*AppContext); ok {
			return appCtx
		}
	}
	return &AppContext{Logger: zap.NewNop(), Config: newCLIConfig()}
}

// Services opens the application container on first use. Commands that
// never touch sessions, such as version, never open the store.
func (a *AppContext) Services() (*application.Container, error) {
	if a.services != nil {
		return a.services, nil
	}
	cfg := a.Config
	if cfg == nil {
		cfg = newCLIConfig()
	}
	c, err := application.NewContainer(application.Options{
		ResultsDir: a.ResultsDir,
		Store:      cfg.Store,
		Logger:     a.Logger,
		Version:    Version,
		Scope:      cfg.Scope,
		CSP:        cfg.CSP,
		RateLimit:  cfg.Probe.RateLimit,
		Timeout:    time.Duration(cfg.Probe.TimeoutSecs) * time.Second,
		FlushDelay: time.Duration(cfg.Probe.FlushDelayMillis) * time.Millisecond,
		Spans:      cfg.Spans,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	a.services = c
	return c, nil
}

// Close flushes pending session writes and releases the store.
func (a *AppContext) Close() error {
	var errs []error
	if a.services != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		errs = append(errs, a.services.Close(ctx))
		a.services = nil
	}
	if a.Logger != nil {
		// Sync fails on terminals; nothing useful to report.
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		verbose bool
	)
	v := viper.New()

	root := &cobra.Command{
		Use:           "seca-scan",
		Short:         "Resumable web application security checks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			appCtx := getAppContext(cmd)

			cfg, err := loadCLIConfig(v, cfgFile)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.ResultsDir, consts.DefaultDirPerm); err != nil {
				return fmt.Errorf("failed to create results directory: %w", err)
			}
			if abs, err := filepath.Abs(cfg.ResultsDir); err == nil {
				cfg.ResultsDir = abs
			}

			logger, err := newLogger(verbose)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			appCtx.Logger = logger
			appCtx.Config = cfg
			appCtx.ResultsDir = cfg.ResultsDir
			logger.Debug("configuration loaded",
				zap.String("results_dir", cfg.ResultsDir),
				zap.String("store", cfg.Store),
				zap.String("config_file", v.ConfigFileUsed()))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.seca-scan.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	flags.String("results-dir", "", "directory for sessions, spans and telemetry")
	flags.String("store", "", "session store: json or sqlite")
	_ = v.BindPFlag("results_dir", flags.Lookup("results-dir"))
	_ = v.BindPFlag("store", flags.Lookup("store"))

	root.AddCommand(
		newScanCmd(),
		newSessionsCmd(),
		newTraceCmd(),
		newChecksCmd(),
		newPresetsCmd(),
		newCaptureCmd(),
		newServeCmd(),
		newInfoCmd(v),
		newVersionCmd(),
	)
	return root
}

// newLogger writes to stderr so command output on stdout stays parseable.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// run executes one command line and releases every resource it opened.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	appCtx := &AppContext{Logger: zap.NewNop(), Config: newCLIConfig()}
	err := root.ExecuteContext(context.WithValue(ctx, appContextKey{}, appCtx))
	if closeErr := appCtx.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func Execute() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, colorError("Error:"), err)
		os.Exit(exitCode(err))
	}
}
