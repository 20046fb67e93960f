// Package outbox implements the durable outbox: records written by the
// gateway before it acknowledges a request, and the dispatcher that relays
// them to the broker.
package outbox

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
)

// Record is one durably queued event.
type Record struct {
	ID         int64
	EventID    string
	Payload    []byte
	Status     Status
	RetryCount int
	LastError  string
	RequestID  string
	CreatedAt  time.Time
	ClaimedAt  *time.Time
	SentAt     *time.Time
}

// NewRecord is a row to insert. Records rejected at accept time are written
// with StatusFailed and a LastError so they are kept but never dispatched.
type NewRecord struct {
	EventID   string
	Payload   []byte
	RequestID string
	Status    Status
	LastError string
}

// Outcome is the result of one publish attempt for a claimed record.
type Outcome struct {
	RecordID       int64
	Success        bool
	Err            error
	NextRetryCount int
	Dead           bool
}

// Failure is the persisted form of a failed Outcome.
type Failure struct {
	ID         int64
	RetryCount int
	LastError  string
	Dead       bool
}

func (f Failure) status() Status {
	if f.Dead {
		return StatusFailed
	}
	return StatusPending
}

// Reconciliation is everything a cycle writes back for one claimed batch.
type Reconciliation struct {
	Succeeded []int64
	Failed    []Failure
}

func (r Reconciliation) Empty() bool {
	return len(r.Succeeded) == 0 && len(r.Failed) == 0
}

func truncateError(msg string, limit int) string {
	if limit <= 0 || len(msg) <= limit {
		return msg
	}
	return msg[:limit]
}
