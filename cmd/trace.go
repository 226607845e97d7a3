package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/khanhnv2901/seca-scan/internal/domain/trace"
)

func newTraceCmd() *cobra.Command {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect execution traces",
		Long: `A trace records every step of every check execution with its state before
and after. The source is a session ID, or --file with an encoded or JSON trace
("-" reads stdin).`,
	}
	traceCmd.PersistentFlags().String("file", "", "read the trace from a file instead of a session")

	decodeCmd := &cobra.Command{
		Use:   "decode [session-id]",
		Short: "Print the trace as indented JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := loadTrace(cmd, args)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(history)
		},
	}

	summaryCmd := &cobra.Command{
		Use:   "summary [session-id]",
		Short: "Summarize executions, steps and findings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := loadTrace(cmd, args)
			if err != nil {
				return err
			}
			printTraceSummary(cmd.OutOrStdout(), history)
			return nil
		},
	}

	diffCmd := &cobra.Command{
		Use:   "diff [session-id]",
		Short: "Show how each step changed the check state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := loadTrace(cmd, args)
			if err != nil {
				return err
			}
			checkID, _ := cmd.Flags().GetString("check")
			targetID, _ := cmd.Flags().GetString("target")
			printTraceDiff(cmd.OutOrStdout(), history, checkID, targetID)
			return nil
		},
	}
	diffCmd.Flags().String("check", "", "only this check ID")
	diffCmd.Flags().String("target", "", "only this target request ID")

	traceCmd.AddCommand(decodeCmd, summaryCmd, diffCmd)
	return traceCmd
}

func loadTrace(cmd *cobra.Command, args []string) (trace.History, error) {
	path, _ := cmd.Flags().GetString("file")
	switch {
	case path != "" && len(args) > 0:
		return nil, fmt.Errorf("pass a session ID or --file, not both")
	case path != "":
		var (
			data []byte
			err  error
		)
		if path == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read trace: %w", err)
		}
		return parseTraceInput(data)
	case len(args) == 1:
		sess, err := loadSession(cmd, args[0])
		if err != nil {
			return nil, err
		}
		if sess.Trace() == "" {
			return nil, fmt.Errorf("session %s has no trace yet (state %s)", sess.ID(), sess.State())
		}
		return trace.Decode(sess.Trace())
	default:
		return nil, fmt.Errorf("a session ID or --file is required")
	}
}

// parseTraceInput accepts the base64 form stored on sessions and the JSON
// array written by --trace-out.
func parseTraceInput(data []byte) (trace.History, error) {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "[") {
		return trace.Parse([]byte(text))
	}
	return trace.Decode(text)
}

func printTraceSummary(w io.Writer, history trace.History) {
	s := trace.Summarize(history)
	fmt.Fprintf(w, "Executions: %d (%s completed, %s failed)\n",
		s.TotalChecks, colorSuccess(s.Completed), colorError(s.Failed))
	fmt.Fprintf(w, "Steps:      %d\n", s.TotalSteps)
	fmt.Fprintf(w, "Findings:   %d\n", s.TotalFindings)
	for _, rec := range history {
		status := colorSuccess(string(rec.Status))
		if rec.Status == trace.StatusFailed {
			status = colorError(string(rec.Status))
		}
		fmt.Fprintf(w, "\n%s on %s: %s\n", colorBold(rec.CheckID), rec.TargetRequestID, status)
		if rec.Error != nil {
			fmt.Fprintf(w, "  error: %s\n", rec.Error.Error())
		}
		for i, step := range rec.Steps {
			next := string(step.Result)
			if step.NextStep != "" {
				next += " -> " + step.NextStep
			}
			fmt.Fprintf(w, "  %d. %s (%s, %d finding(s))\n", i+1, step.StepName, next, len(step.Findings))
		}
	}
}

func printTraceDiff(w io.Writer, history trace.History, checkID, targetID string) {
	for _, rec := range history {
		if (checkID != "" && rec.CheckID != checkID) || (targetID != "" && rec.TargetRequestID != targetID) {
			continue
		}
		fmt.Fprintf(w, "%s on %s\n", colorBold(rec.CheckID), rec.TargetRequestID)
		for i, step := range rec.Steps {
			if !trace.Changed(step) {
				fmt.Fprintf(w, "  %d. %s: state unchanged\n", i+1, step.StepName)
				continue
			}
			fmt.Fprintf(w, "  %d. %s:\n", i+1, step.StepName)
			for _, line := range strings.Split(strings.TrimRight(trace.DiffStates(step), "\n"), "\n") {
				switch {
				case strings.HasPrefix(line, "+ "):
					line = colorSuccess(line)
				case strings.HasPrefix(line, "- "):
					line = colorError(line)
				}
				fmt.Fprintf(w, "     %s\n", line)
			}
		}
	}
}
