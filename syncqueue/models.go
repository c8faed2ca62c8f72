package syncqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
)

func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetry:
		return true
	}
	return false
}

// Item is one outbound delivery to an external CRM.
type Item struct {
	ID             string
	IntegrationID  string
	EntityType     string
	EntityID       string
	Operation      Operation
	Payload        json.RawMessage
	Status         Status
	Attempts       int
	MaxAttempts    int
	ScheduledFor   time.Time
	ExternalID     string
	LastError      string
	DedupeKey      string
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// Due reports whether a worker may claim the item at now.
func (it Item) Due(now time.Time) bool {
	switch it.Status {
	case StatusPending, StatusRetry:
		return !it.ScheduledFor.After(now)
	case StatusProcessing:
		return it.LeaseExpiresAt != nil && !it.LeaseExpiresAt.After(now)
	}
	return false
}

// Unsettled reports whether the item still has a delivery ahead of it.
func (it Item) Unsettled() bool {
	switch it.Status {
	case StatusPending, StatusRetry, StatusProcessing:
		return true
	}
	return false
}

// Mapping links a local entity to its record in an external system. Once an
// external id is known every later operation for the entity targets it.
type Mapping struct {
	IntegrationID string
	EntityType    string
	EntityID      string
	ExternalID    string
	Snapshot      json.RawMessage
	LastSyncedAt  time.Time
}

type Filter struct {
	Status        Status
	IntegrationID string
	Limit         int
}

var (
	ErrNotFound           = errors.New("syncqueue: item not found")
	ErrMappingNotFound    = errors.New("syncqueue: mapping not found")
	ErrUnknownIntegration = errors.New("syncqueue: unknown integration")
	ErrNoAdapter          = errors.New("syncqueue: no adapter for provider")
	ErrInvalidInput       = errors.New("syncqueue: invalid enqueue input")

	// ErrInvalidStateTransition is matched by every *StateTransitionError.
	ErrInvalidStateTransition = errors.New("syncqueue: invalid state transition")

	// ErrLeaseLost means the lease expired and another worker reclaimed the
	// item.
	ErrLeaseLost = errors.New("syncqueue: lease lost")
)

type StateTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("syncqueue: item %s cannot move %s -> %s", e.ID, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error { return ErrInvalidStateTransition }
