package cmd

import (
	"github.com/fatih/color"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
)

var (
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorWarn    = color.New(color.FgYellow).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
	colorBold    = color.New(color.Bold).SprintFunc()
	colorSevere  = color.New(color.FgHiRed, color.Bold).SprintFunc()
)

func formatStateWithColor(state session.State) string {
	s := string(state)
	switch state {
	case session.StateDone:
		return colorSuccess(s)
	case session.StateRunning, session.StatePending:
		return colorInfo(s)
	case session.StateInterrupted:
		return colorWarn(s)
	case session.StateError:
		return colorError(s)
	default:
		return s
	}
}

func formatSeverityWithColor(sev check.Severity) string {
	s := string(sev)
	switch sev {
	case check.SeverityCritical:
		return colorSevere(s)
	case check.SeverityHigh:
		return colorError(s)
	case check.SeverityMedium:
		return colorWarn(s)
	case check.SeverityLow:
		return colorInfo(s)
	default:
		return s
	}
}
