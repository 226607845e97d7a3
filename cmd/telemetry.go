package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	consts "github.com/khanhnv2901/seca-scan/internal/shared/constants"
	"github.com/khanhnv2901/seca-scan/internal/shared/security"
)

const telemetryFileName = "telemetry.jsonl"

type telemetryRecord struct {
	Timestamp         time.Time              `json:"timestamp"`
	Command           string                 `json:"command"`
	SessionID         string                 `json:"session_id"`
	State             session.State          `json:"state"`
	TargetCount       int                    `json:"target_count"`
	ChecksTotal       int                    `json:"checks_total"`
	ChecksCompleted   int                    `json:"checks_completed"`
	ChecksFailed      int                    `json:"checks_failed"`
	RequestsSent      int                    `json:"requests_sent"`
	Findings          int                    `json:"findings"`
	BySeverity        map[check.Severity]int `json:"by_severity,omitempty"`
	DurationSeconds   float64                `json:"duration_seconds"`
	AvgSecondsPerExec float64                `json:"avg_seconds_per_execution"`
}

func newTelemetryRecord(command string, sess *session.Session, duration time.Duration) telemetryRecord {
	p := sess.Progress()
	avg := 0.0
	if finished := p.Finished(); finished > 0 {
		avg = duration.Seconds() / float64(finished)
	}
	return telemetryRecord{
		Timestamp:         time.Now().UTC(),
		Command:           command,
		SessionID:         sess.ID(),
		State:             sess.State(),
		TargetCount:       len(sess.RequestIDs()),
		ChecksTotal:       p.ChecksTotal,
		ChecksCompleted:   p.ChecksCompleted,
		ChecksFailed:      p.ChecksFailed,
		RequestsSent:      p.RequestsSent,
		Findings:          p.Findings,
		BySeverity:        p.BySeverity,
		DurationSeconds:   duration.Seconds(),
		AvgSecondsPerExec: avg,
	}
}

// recordTelemetry appends one JSON line per scan to results_dir/telemetry.jsonl.
func recordTelemetry(resultsDir string, record telemetryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	path, err := security.ResolveWithin(resultsDir, telemetryFileName)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, consts.DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("open telemetry file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write telemetry: %w", err)
	}
	return nil
}
