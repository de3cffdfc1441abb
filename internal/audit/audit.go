// Package audit records every plan state change as an append-only
// trail. Writes go through a bounded buffer with at-least-once
// delivery: a full buffer blocks the writer rather than dropping the
// record.
package audit

import (
	"context"
	"errors"
	"time"
)

// EventType names what happened to a plan.
type EventType string

const (
	EventIntentSubmitted   EventType = "intent_submitted"
	EventValidationPassed  EventType = "validation_passed"
	EventValidationFailed  EventType = "validation_failed"
	EventApprovalRequested EventType = "approval_requested"
	EventApproved          EventType = "approved"
	EventRejected          EventType = "rejected"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventStepRetried       EventType = "step_retried"
	EventReplan            EventType = "replan"
	EventDeployed          EventType = "deployed"
	EventFailed            EventType = "failed"
	EventPaused            EventType = "paused"
	EventRestarted         EventType = "restarted"
	EventDeleted           EventType = "deleted"
)

// Record is one audit trail entry.
type Record struct {
	PlanID    string            `json:"plan_id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType EventType         `json:"event_type"`
	Actor     string            `json:"actor"`
	Before    string            `json:"before,omitempty"`
	After     string            `json:"after,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink delivers audit records to their destination.
type Sink interface {
	// Write delivers one record. Implementations may retry
	// internally; a returned error means the record was lost.
	Write(ctx context.Context, rec Record) error

	// Close flushes anything buffered and releases resources.
	Close(ctx context.Context) error
}

// ErrSinkClosed is returned by Write after Close.
var ErrSinkClosed = errors.New("audit sink closed")
