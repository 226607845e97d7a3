package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/khanhnv2901/seca-scan/internal/application"
)

func newInfoCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show data directory paths and the active configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx := getAppContext(cmd)

			dataDir, err := getDataDir()
			if err != nil {
				return fmt.Errorf("failed to get data directory: %w", err)
			}

			resultsExists := "✗ (not created yet)"
			if _, err := os.Stat(appCtx.ResultsDir); err == nil {
				resultsExists = "✓ (exists)"
			}
			configFile := v.ConfigFileUsed()
			if configFile == "" {
				configFile = "(none, using defaults)"
			}

			cfg := appCtx.Config
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "seca-scan System Information")
			fmt.Fprintln(out, "============================")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Version:            %s\n", Version)
			fmt.Fprintf(out, "Platform:           %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Data Locations:")
			fmt.Fprintf(out, "  Data Directory:     %s\n", dataDir)
			fmt.Fprintf(out, "  Results Directory:  %s %s\n", appCtx.ResultsDir, resultsExists)
			fmt.Fprintf(out, "  Session Store:      %s\n", cfg.Store)
			if cfg.Spans {
				fmt.Fprintf(out, "  Span Log:           %s\n", application.SpanFileName)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Configuration File:   %s\n", configFile)
			fmt.Fprintf(out, "Default Preset:       %s\n", valueOr(cfg.Scan.Preset, "(none)"))
			fmt.Fprintln(out)
			fmt.Fprintln(out, "To override the results directory, create ~/.seca-scan.yaml with:")
			fmt.Fprintln(out, "  results_dir: /custom/path/to/results")
			fmt.Fprintln(out, "or set SECA_RESULTS_DIR.")
			return nil
		},
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
