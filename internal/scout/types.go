// Package scout defines core types shared across subsystems.
package scout

import (
	"time"
)

// ItemStatus represents the lifecycle state of a queue item.
type ItemStatus string

// Queue item status values persisted in the work queue.
const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusClaimed   ItemStatus = "claimed"
	ItemStatusCompleted ItemStatus = "completed"
	ItemStatusFailed    ItemStatus = "failed"
)

// Terminal reports whether no further automatic transition occurs.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

// QueueItem is one durable unit of scrape work. Ownership is granted only by
// the atomic claim transition in the WorkQueue implementation; callers never
// write status directly.
type QueueItem struct {
	ID            string         `json:"id"`
	URLs          []string       `json:"urls"`
	Source        string         `json:"source,omitempty"`
	Priority      int            `json:"priority"`
	Payload       map[string]any `json:"payload,omitempty"`
	AvailableAt   time.Time      `json:"available_at"`
	LastClaimedAt *time.Time     `json:"last_claimed_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	ErrorText     string         `json:"error_message,omitempty"`
	Status        ItemStatus     `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// EnqueueRequest captures the caller-supplied fields for a new queue item.
type EnqueueRequest struct {
	URLs        []string       `json:"urls"`
	Source      string         `json:"source"`
	Priority    int            `json:"priority"`
	Payload     map[string]any `json:"payload"`
	AvailableAt *time.Time     `json:"available_at"`
}

// SubmissionStatus represents the lifecycle state of an intake submission.
type SubmissionStatus string

// Submission status values. Unlike queue items, a failed attempt below the
// attempt cap moves the row back to pending rather than leaving it claimed.
const (
	SubmissionStatusPending    SubmissionStatus = "pending"
	SubmissionStatusProcessing SubmissionStatus = "processing"
	SubmissionStatusCompleted  SubmissionStatus = "completed"
	SubmissionStatusFailed     SubmissionStatus = "failed"
)

// Submission is one normalized intake row processed by the batch runner.
type Submission struct {
	ID             string           `json:"id"`
	JobURL         string           `json:"job_url"`
	Title          string           `json:"title,omitempty"`
	Company        string           `json:"company,omitempty"`
	CompanyWebsite string           `json:"company_website,omitempty"`
	CareersURL     string           `json:"careers_url,omitempty"`
	ApplyURL       string           `json:"apply_url,omitempty"`
	Source         string           `json:"source,omitempty"`
	HTML           string           `json:"html,omitempty"`
	Text           string           `json:"text,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	Priority       int              `json:"priority"`
	DryRun         bool             `json:"dry_run"`
	Attempts       int              `json:"attempts"`
	NotBefore      time.Time        `json:"not_before"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	Status         SubmissionStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
}

// IntakeResult summarizes one ProcessIntakeQueue pass. Pending is a fresh
// count of rows still eligible, so callers can decide whether to run another
// batch.
type IntakeResult struct {
	Processed int `json:"processed"`
	Pending   int `json:"pending"`
}

// MonitorStatus represents the lifecycle state of a monitored job posting.
type MonitorStatus string

// Monitor status values. JobNotFound is terminal: no further wake-up is
// armed once a posting reaches it.
const (
	MonitorStatusIdle        MonitorStatus = "idle"
	MonitorStatusMonitoring  MonitorStatus = "monitoring"
	MonitorStatusJobActive   MonitorStatus = "job_active"
	MonitorStatusJobNotFound MonitorStatus = "job_not_found"
)

// Active reports whether the status keeps the recurring check alive.
func (s MonitorStatus) Active() bool {
	return s == MonitorStatusMonitoring || s == MonitorStatusJobActive
}

// JobPosting is the durable record behind one monitor actor.
type JobPosting struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	Title         string         `json:"title,omitempty"`
	Company       string         `json:"company,omitempty"`
	Status        MonitorStatus  `json:"status"`
	IntervalHours float64        `json:"interval_hours"`
	LastCheck     *time.Time     `json:"last_check,omitempty"`
	NextCheck     *time.Time     `json:"next_check,omitempty"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
	Observed      map[string]any `json:"observed,omitempty"`
}

// ProbeResult is what the existence prober reports for a posting URL.
type ProbeResult struct {
	Alive  bool           `json:"alive"`
	Fields map[string]any `json:"fields,omitempty"`
}
