package models

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
)

// Terminal reports whether no further transitions may occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// ActiveStatuses are the statuses an experiment may leave.
var ActiveStatuses = []Status{StatusPending, StatusRunning}

type Experiment struct {
	ID        string
	Prompt    string
	Backend   string
	Model     string
	Language  string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}
