package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/infrastructure/capture"
)

func newCaptureCmd() *cobra.Command {
	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Record request/response pairs for later scans",
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch <url>...",
		Short: "Fetch URLs once and write the pairs to a capture file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			services, err := getAppContext(cmd).Services()
			if err != nil {
				return err
			}
			if path, _ := cmd.Flags().GetString("append"); path != "" {
				if _, err := services.Captures.LoadFile(path); err != nil {
					return err
				}
			}
			var targets []check.Target
			for _, rawURL := range args {
				t, err := services.Fetch(cmd.Context(), rawURL)
				if err != nil {
					return &TargetFetchError{URL: rawURL, Err: err}
				}
				targets = append(targets, t)
			}
			if err := services.Captures.WriteFile(out); err != nil {
				return err
			}
			printTargets(cmd, targets)
			fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %d pair(s) to %s\n", colorSuccess("✓"), services.Captures.Len(), out)
			return nil
		},
	}
	fetchCmd.Flags().StringP("out", "o", "captures.yaml", "capture file to write")
	fetchCmd.Flags().String("append", "", "existing capture file to merge into the output")

	showCmd := &cobra.Command{
		Use:   "show <file>",
		Short: "List the pairs in a capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := capture.NewStore()
			targets, err := store.LoadFile(args[0])
			if err != nil {
				return err
			}
			printTargets(cmd, targets)
			return nil
		},
	}

	captureCmd.AddCommand(fetchCmd, showCmd)
	return captureCmd
}

func printTargets(cmd *cobra.Command, targets []check.Target) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Request ID\tMethod\tURL\tStatus")
	fmt.Fprintln(tw, "----------\t------\t---\t------")
	for _, t := range targets {
		if t.Request == nil {
			continue
		}
		status := "-"
		if t.Response != nil {
			status = fmt.Sprint(t.Response.Code)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Request.ID, t.Request.Method, t.Request.URL(), status)
	}
	tw.Flush()
}
