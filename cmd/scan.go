package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/khanhnv2901/seca-scan/internal/application"
	"github.com/khanhnv2901/seca-scan/internal/application/queue"
	sessionapp "github.com/khanhnv2901/seca-scan/internal/application/session"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/event"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	"github.com/khanhnv2901/seca-scan/internal/domain/trace"
)

const interruptReason = "Interrupted by user"

func newScanCmd() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run checks against captured or live targets",
	}
	scanCmd.AddCommand(newScanRunCmd(), newScanPassiveCmd())
	return scanCmd
}

func newScanRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [url...]",
		Short: "Start a scan session and wait for it to finish",
		Long: `Fetch each URL once, then run the selected checks against the captured
request/response pairs. Targets can also come from a capture file.

Ctrl+C interrupts the session; findings collected so far are kept.`,
		Example: `  seca-scan scan run https://example.com --preset balanced
  seca-scan scan run --captures traffic.yaml --checks csp-missing,csp-weak --trace-out trace.json`,
		RunE: runScan,
	}

	flags := runCmd.Flags()
	flags.StringSlice("checks", nil, "check IDs to run (default: all)")
	flags.String("captures", "", "capture file (YAML or JSON) with request/response pairs")
	flags.String("title", "", "session title")
	flags.String("trace-out", "", "write the decoded execution trace to this file")
	flags.Bool("json", false, "print the finished session as JSON")
	flags.Bool("progress", true, "show a live progress line")
	addScanConfigFlags(flags)
	return runCmd
}

func runScan(cmd *cobra.Command, args []string) error {
	appCtx := getAppContext(cmd)
	services, err := appCtx.Services()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	out := cmd.OutOrStdout()

	scanCfg, err := scanConfigFromFlags(cmd, appCtx.Config.Scan)
	if err != nil {
		return err
	}
	capturePath, _ := flags.GetString("captures")
	targets, err := collectTargets(cmd.Context(), services, args, capturePath)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("no targets: pass URLs or --captures")
	}

	checkIDs, _ := flags.GetStringSlice("checks")
	title, _ := flags.GetString("title")
	asJSON, _ := flags.GetBool("json")
	showProgress, _ := flags.GetBool("progress")

	var printer *progressPrinter
	if showProgress && !asJSON {
		printer = newProgressPrinter(cmd.ErrOrStderr(), "scan")
		services.Sessions.Subscribe(printer.Handle)
		printer.Start()
	}

	started := time.Now()
	sess, runnable, err := services.Sessions.StartScan(cmd.Context(), sessionapp.StartRequest{
		Title:    title,
		Targets:  targets,
		CheckIDs: checkIDs,
		Config:   scanCfg,
	})
	if err != nil {
		if printer != nil {
			printer.Stop()
		}
		return err
	}

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-sigCtx.Done():
			runnable.Cancel(interruptReason)
		case <-runnable.Done():
		}
	}()

	outcome, err := runnable.Wait(context.Background())
	if printer != nil {
		printer.Stop()
	}
	if err != nil {
		return err
	}
	appCtx.Logger.Info("scan finished",
		zap.String("session", sess.ID()),
		zap.String("state", string(outcome.State)),
		zap.Duration("duration", time.Since(started)))

	final, err := services.Sessions.GetSession(cmd.Context(), sess.ID())
	if err != nil {
		return err
	}

	if tracePath, _ := flags.GetString("trace-out"); tracePath != "" {
		if err := writeTraceFile(tracePath, final.Trace()); err != nil {
			return err
		}
	}
	if appCtx.Config.Telemetry {
		if err := recordTelemetry(appCtx.ResultsDir, newTelemetryRecord("scan run", final, time.Since(started))); err != nil {
			appCtx.Logger.Warn("failed to record telemetry", zap.Error(err))
		}
	}

	if asJSON {
		if err := writeSessionJSON(out, final); err != nil {
			return err
		}
	} else {
		printSessionReport(out, final)
	}

	if outcome.State != session.StateDone {
		reason := outcome.Reason
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		return &ScanOutcomeError{SessionID: sess.ID(), State: outcome.State, Reason: reason}
	}
	return nil
}

// collectTargets loads the capture file first, then fetches each URL.
func collectTargets(ctx context.Context, services *application.Container, urls []string, capturePath string) ([]check.Target, error) {
	var targets []check.Target
	if capturePath != "" {
		loaded, err := services.Captures.LoadFile(capturePath)
		if err != nil {
			return nil, err
		}
		targets = append(targets, loaded...)
	}
	for _, u := range urls {
		t, err := services.Fetch(ctx, u)
		if err != nil {
			return nil, &TargetFetchError{URL: u, Err: err}
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func writeTraceFile(path, encoded string) error {
	if encoded == "" {
		return fmt.Errorf("session has no trace")
	}
	history, err := trace.Decode(encoded)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	return writeOutputFile(path, append(data, '\n'))
}

type sessionJSON struct {
	session.Snapshot
	Findings []check.Finding  `json:"findings"`
	Progress session.Progress `json:"progress"`
}

func writeSessionJSON(w io.Writer, sess *session.Session) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sessionJSON{Snapshot: sess.Snapshot(), Findings: sess.Findings(), Progress: sess.Progress()})
}

// sortFindings orders by severity, most severe first, then by name.
func sortFindings(findings []check.Finding) []check.Finding {
	out := append([]check.Finding(nil), findings...)
	sort.SliceStable(out, func(i, j int) bool {
		if a, b := out[i].Severity.Score(), out[j].Severity.Score(); a != b {
			return a > b
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func printSessionReport(w io.Writer, sess *session.Session) {
	p := sess.Progress()
	fmt.Fprintf(w, "%s %s (%s)\n", colorBold("Session"), sess.ID(), formatStateWithColor(sess.State()))
	if sess.Title() != "" {
		fmt.Fprintf(w, "  Title:      %s\n", sess.Title())
	}
	fmt.Fprintf(w, "  Executions: %d/%d finished, %d failed\n", p.Finished(), p.ChecksTotal, p.ChecksFailed)
	fmt.Fprintf(w, "  Requests:   %d sent, %d failed\n", p.RequestsSent, p.RequestsFailed)
	if reason := sess.Reason(); reason != "" {
		fmt.Fprintf(w, "  Reason:     %s\n", reason)
	}
	if msg := sess.Error(); msg != "" {
		fmt.Fprintf(w, "  Error:      %s\n", colorError(msg))
	}

	findings := sortFindings(sess.Findings())
	if len(findings) == 0 {
		fmt.Fprintf(w, "\n%s No findings\n", colorSuccess("✓"))
		return
	}
	fmt.Fprintf(w, "\n%d finding(s):\n", len(findings))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Severity\tFinding\tRequest")
	fmt.Fprintln(tw, "--------\t-------\t-------")
	for _, f := range findings {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", formatSeverityWithColor(f.Severity), f.Name, f.Correlation.RequestID)
	}
	tw.Flush()
}

func newScanPassiveCmd() *cobra.Command {
	passiveCmd := &cobra.Command{
		Use:   "passive",
		Short: "Queue captured traffic through every passive check",
		Long: `Each captured target becomes one queue task scanned by the passive checks.
Findings are printed per task once the queue drains.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx := getAppContext(cmd)
			services, err := appCtx.Services()
			if err != nil {
				return err
			}
			capturePath, _ := cmd.Flags().GetString("captures")
			targets, err := collectTargets(cmd.Context(), services, args, capturePath)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				return fmt.Errorf("no targets: pass URLs or --captures")
			}

			collected := newFindingCollector()
			services.Passive.Subscribe(collected.Handle)
			for _, t := range targets {
				services.Passive.Enqueue(t)
			}
			services.Passive.Wait()

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "Task\tTarget\tStatus\tFindings")
			fmt.Fprintln(tw, "----\t------\t------\t--------")
			for _, task := range services.Passive.List() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", task.ID, task.RequestID, task.Status, collected.count(queue.SessionID(task.ID)))
			}
			tw.Flush()

			for _, f := range sortFindings(collected.all()) {
				fmt.Fprintf(out, "%s  %s  %s\n", formatSeverityWithColor(f.Severity), f.Name, f.Correlation.RequestID)
			}
			return nil
		},
	}
	passiveCmd.Flags().String("captures", "", "capture file (YAML or JSON) with request/response pairs")
	return passiveCmd
}

// findingCollector gathers findings per session from events.
type findingCollector struct {
	mu        sync.Mutex
	findings  []check.Finding
	bySession map[string]int
}

func newFindingCollector() *findingCollector {
	return &findingCollector{bySession: map[string]int{}}
}

func (c *findingCollector) Handle(e event.Event) {
	if e.Kind != event.FindingAdded || e.Finding == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findings = append(c.findings, *e.Finding)
	c.bySession[e.SessionID]++
}

func (c *findingCollector) count(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bySession[sessionID]
}

func (c *findingCollector) all() []check.Finding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]check.Finding(nil), c.findings...)
}
