package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/khanhnv2901/seca-scan/internal/compliance"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

func newChecksCmd() *cobra.Command {
	checksCmd := &cobra.Command{
		Use:   "checks",
		Short: "List the built-in checks",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List checks with their type and severities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := getAppContext(cmd).Services()
			if err != nil {
				return err
			}
			typ, _ := cmd.Flags().GetString("type")
			framework, _ := cmd.Flags().GetString("framework")
			asJSON, _ := cmd.Flags().GetBool("json")

			var inFramework map[string]bool
			if framework != "" {
				inFramework = map[string]bool{}
				for _, id := range compliance.ChecksForFramework(framework) {
					inFramework[id] = true
				}
			}

			var metas []check.Metadata
			for _, def := range services.Catalog.All() {
				meta := def.Metadata()
				if typ != "" && string(meta.Type) != typ {
					continue
				}
				if inFramework != nil && !inFramework[meta.ID] {
					continue
				}
				metas = append(metas, meta)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(metas)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tType\tSeverities\tRequests\tDepends on")
			fmt.Fprintln(tw, "--\t----\t----------\t--------\t----------")
			for _, meta := range metas {
				sevs := make([]string, 0, len(meta.Severities))
				for _, s := range meta.Severities {
					sevs = append(sevs, formatSeverityWithColor(s))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d-%d\t%s\n", meta.ID, meta.Type, strings.Join(sevs, ","),
					meta.Aggressivity.MinRequests, meta.Aggressivity.MaxRequests, strings.Join(meta.DependsOn, ","))
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().String("type", "", "filter by type: active or passive")
	listCmd.Flags().String("framework", "", "only checks mapped to this compliance framework (e.g. iso27001)")
	listCmd.Flags().Bool("json", false, "print as JSON")

	showCmd := &cobra.Command{
		Use:   "show <check-id>",
		Short: "Describe a check and its step graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := getAppContext(cmd).Services()
			if err != nil {
				return err
			}
			def, ok := services.Catalog.Get(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", sharedErrors.ErrCheckNotFound, args[0])
			}
			meta := def.Metadata()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s (%s)\n", colorBold(meta.Name), meta.ID)
			if meta.Description != "" {
				fmt.Fprintf(w, "  %s\n", meta.Description)
			}
			fmt.Fprintf(w, "  Type:       %s\n", meta.Type)
			fmt.Fprintf(w, "  Requests:   %d-%d\n", meta.Aggressivity.MinRequests, meta.Aggressivity.MaxRequests)
			if len(meta.DependsOn) > 0 {
				fmt.Fprintf(w, "  Depends on: %s\n", strings.Join(meta.DependsOn, ", "))
			}
			if len(meta.Tags) > 0 {
				fmt.Fprintf(w, "  Tags:       %s\n", strings.Join(meta.Tags, ", "))
			}
			if m, ok := compliance.ForCheck(meta.ID); ok {
				fmt.Fprintf(w, "  Compliance (%s priority):\n", m.Priority)
				for _, fw := range m.SortedFrameworks() {
					fmt.Fprintf(w, "    %-12s %s\n", fw, strings.Join(m.Frameworks[fw], ", "))
				}
			}
			fmt.Fprintf(w, "  Steps:\n")
			for _, name := range def.StepNames() {
				marker := " "
				if name == def.EntryStep() {
					marker = "*"
				}
				next := def.Successors(name)
				if len(next) == 0 {
					fmt.Fprintf(w, "   %s %s\n", marker, name)
					continue
				}
				fmt.Fprintf(w, "   %s %s -> %s\n", marker, name, strings.Join(next, ", "))
			}
			return nil
		},
	}

	checksCmd.AddCommand(listCmd, showCmd)
	return checksCmd
}
