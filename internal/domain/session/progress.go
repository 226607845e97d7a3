package session

import "github.com/khanhnv2901/seca-scan/internal/domain/check"

// Progress is a point-in-time projection of a session.
type Progress struct {
	State             State                  `json:"state"`
	ChecksTotal       int                    `json:"checksTotal"`
	ChecksCompleted   int                    `json:"checksCompleted"`
	ChecksFailed      int                    `json:"checksFailed"`
	ChecksRunning     int                    `json:"checksRunning"`
	RequestsSent      int                    `json:"requestsSent"`
	RequestsCompleted int                    `json:"requestsCompleted"`
	RequestsFailed    int                    `json:"requestsFailed"`
	Findings          int                    `json:"findings"`
	BySeverity        map[check.Severity]int `json:"bySeverity"`
}

// Finished counts executions in a terminal status.
func (p Progress) Finished() int {
	return p.ChecksCompleted + p.ChecksFailed
}

// Percent is the share of planned executions that finished, 0 to 100.
func (p Progress) Percent() float64 {
	if p.ChecksTotal <= 0 {
		if p.State.Terminal() {
			return 100
		}
		return 0
	}
	pct := float64(p.Finished()) * 100 / float64(p.ChecksTotal)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Progress computes the current projection.
func (s *Session) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := Progress{
		State:       s.state,
		ChecksTotal: s.checksTotal,
		BySeverity:  map[check.Severity]int{},
	}
	for _, e := range s.executions {
		switch e.Status {
		case ExecutionCompleted:
			p.ChecksCompleted++
		case ExecutionFailed:
			p.ChecksFailed++
		case ExecutionRunning:
			p.ChecksRunning++
		}
		for _, r := range e.Requests {
			p.RequestsSent++
			switch r.Status {
			case RequestCompleted:
				p.RequestsCompleted++
			case RequestFailed:
				p.RequestsFailed++
			}
		}
		for _, f := range e.Findings {
			p.Findings++
			p.BySeverity[f.Severity]++
		}
	}
	return p
}
