package cmd

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/event"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressPrinterLifecycle(t *testing.T) {
	var out syncBuffer
	printer := newProgressPrinter(&out, "scan")

	printer.Start()
	printer.Handle(event.Event{Kind: event.SessionStarted, ChecksTotal: 4})
	printer.Handle(event.Event{Kind: event.RequestSent})
	printer.Handle(event.Event{Kind: event.FindingAdded, Finding: &check.Finding{Name: "x"}})
	printer.Handle(event.Event{Kind: event.CheckCompleted})
	printer.Handle(event.Event{Kind: event.CheckFailed})
	printer.Handle(event.Event{Kind: event.SessionFinished})
	time.Sleep(350 * time.Millisecond)
	printer.Stop()
	printer.Stop()

	output := out.String()
	for _, want := range []string{"Progress: 2/4 (50.0%)", "OK:1", "Fail:1", "Findings:1", "Requests:1"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output, got %q", want, output)
		}
	}
}

func TestProgressLineGrowsTotalPastPlan(t *testing.T) {
	printer := newProgressPrinter(&bytes.Buffer{}, "scan")
	printer.Handle(event.Event{Kind: event.CheckCompleted})
	if got := printer.line(); !strings.Contains(got, "Progress: 1/1 (100.0%)") {
		t.Fatalf("unexpected line %q", got)
	}
}
