package client

import "time"

// WorkerStatus mirrors the daemon's worker state projection.
type WorkerStatus struct {
	Running         bool      `json:"Running"`
	PID             int       `json:"PID"`
	StartedAt       time.Time `json:"StartedAt"`
	Restarts        int       `json:"Restarts"`
	BudgetExhausted bool      `json:"BudgetExhausted"`
	Stopping        bool      `json:"Stopping"`
	LastError       string    `json:"LastError"`
	StderrTail      []string  `json:"StderrTail"`
}

// StartupSnapshot mirrors the daemon's startup status snapshot.
type StartupSnapshot struct {
	Phase      string    `json:"Phase"`
	Message    string    `json:"Message"`
	StartedAt  time.Time `json:"StartedAt"`
	LastError  string    `json:"LastError"`
	BytesDone  uint64    `json:"BytesDone"`
	BytesTotal uint64    `json:"BytesTotal"`
	Percent    int       `json:"Percent"`
	Bar        string    `json:"Bar"`
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Worker  WorkerStatus    `json:"worker"`
	Startup StartupSnapshot `json:"startup"`
	Line    string          `json:"line"`
}
