package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/khanhnv2901/seca-scan/internal/domain/event"
)

// progressPrinter redraws one status line from scan events.
type progressPrinter struct {
	out      io.Writer
	name     string
	mu       sync.Mutex
	total    int
	ok       int
	fail     int
	findings int
	requests int
	updates  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newProgressPrinter(out io.Writer, name string) *progressPrinter {
	return &progressPrinter{
		out:     out,
		name:    name,
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (p *progressPrinter) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Handle matches event.Handler.
func (p *progressPrinter) Handle(e event.Event) {
	p.mu.Lock()
	switch e.Kind {
	case event.SessionStarted:
		p.total = e.ChecksTotal
	case event.CheckCompleted:
		p.ok++
	case event.CheckFailed:
		p.fail++
	case event.FindingAdded:
		p.findings++
	case event.RequestSent:
		p.requests++
	default:
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case p.updates <- struct{}{}:
	default:
	}
}

func (p *progressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		fmt.Fprintf(p.out, "\r%s\r", strings.Repeat(" ", 100))
		p.print()
		fmt.Fprintln(p.out)
	})
}

func (p *progressPrinter) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.updates:
			p.print()
		case <-ticker.C:
			p.print()
		case <-p.done:
			return
		}
	}
}

func (p *progressPrinter) line() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	completed := p.ok + p.fail
	total := p.total
	if completed > total {
		total = completed
	}
	percent := 0.0
	if total > 0 {
		percent = float64(completed) * 100 / float64(total)
	}
	return fmt.Sprintf("[%s] Progress: %d/%d (%.1f%%) OK:%d Fail:%d Findings:%d Requests:%d",
		p.name, completed, total, percent, p.ok, p.fail, p.findings, p.requests)
}

func (p *progressPrinter) print() {
	fmt.Fprintf(p.out, "\r%s", p.line())
}
