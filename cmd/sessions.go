package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/khanhnv2901/seca-scan/internal/domain/session"
)

func newSessionsCmd() *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect and manage stored scan sessions",
	}
	sessionsCmd.AddCommand(
		newSessionsListCmd(),
		newSessionsShowCmd(),
		newSessionsDeleteCmd(),
		newSessionsRenameCmd(),
		newSessionsRerunCmd(),
	)
	return sessionsCmd
}

func newSessionsListCmd() *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := getAppContext(cmd).Services()
			if err != nil {
				return err
			}
			all, err := services.Sessions.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			state, _ := cmd.Flags().GetString("state")

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tState\tTitle\tProgress\tFindings\tCreated")
			fmt.Fprintln(tw, "--\t-----\t-----\t--------\t--------\t-------")
			for _, sess := range all {
				if state != "" && string(sess.State()) != state {
					continue
				}
				p := sess.Progress()
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%d\t%s\n",
					sess.ID(), formatStateWithColor(sess.State()), sess.Title(), p.Percent(), p.Findings,
					sess.CreatedAt().Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().String("state", "", "only show sessions in this state")
	return listCmd
}

func newSessionsShowCmd() *cobra.Command {
	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session with its findings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession(cmd, args[0])
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeSessionJSON(cmd.OutOrStdout(), sess)
			}
			printSessionReport(cmd.OutOrStdout(), sess)
			return nil
		},
	}
	showCmd.Flags().Bool("json", false, "print as JSON")
	return showCmd
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a finished session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateSessionID(args[0]); err != nil {
				return err
			}
			services, err := getAppContext(cmd).Services()
			if err != nil {
				return err
			}
			if err := services.Sessions.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted session %s\n", colorSuccess("✓"), args[0])
			return nil
		},
	}
}

func newSessionsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session-id> <title>",
		Short: "Change a session title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateSessionID(args[0]); err != nil {
				return err
			}
			services, err := getAppContext(cmd).Services()
			if err != nil {
				return err
			}
			sess, err := services.Sessions.RenameSession(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Renamed %s to %q\n", colorSuccess("✓"), sess.ID(), sess.Title())
			return nil
		},
	}
}

func newSessionsRerunCmd() *cobra.Command {
	rerunCmd := &cobra.Command{
		Use:   "rerun <session-id>",
		Short: "Start a new session with the same targets, checks and config",
		Long: `Targets are resolved by request ID. Captured pairs live in memory, so load
the capture file the original session used with --captures.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateSessionID(args[0]); err != nil {
				return err
			}
			services, err := getAppContext(cmd).Services()
			if err != nil {
				return err
			}
			if path, _ := cmd.Flags().GetString("captures"); path != "" {
				if _, err := services.Captures.LoadFile(path); err != nil {
					return err
				}
			}
			sess, runnable, err := services.Sessions.RerunSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			outcome, err := runnable.Wait(cmd.Context())
			if err != nil {
				return err
			}
			final, err := services.Sessions.GetSession(cmd.Context(), sess.ID())
			if err != nil {
				return err
			}
			printSessionReport(cmd.OutOrStdout(), final)
			if outcome.State != session.StateDone {
				return &ScanOutcomeError{SessionID: sess.ID(), State: outcome.State, Reason: outcome.Reason}
			}
			return nil
		},
	}
	rerunCmd.Flags().String("captures", "", "capture file holding the original targets")
	return rerunCmd
}

func loadSession(cmd *cobra.Command, id string) (*session.Session, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	services, err := getAppContext(cmd).Services()
	if err != nil {
		return nil, err
	}
	return services.Sessions.GetSession(cmd.Context(), id)
}
