package capture

import (
	"errors"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
)

var (
	ErrInvalidBody  = errors.New("capture: invalid body")
	ErrTooManyItems = errors.New("capture: too many items")
)

// Request is a single capture delivered by an external tool such as a
// meeting recorder.
type Request struct {
	Source       string              `json:"source"`
	Title        string              `json:"title"`
	Type         string              `json:"type,omitempty"`
	Content      string              `json:"content,omitempty"`
	Transcript   string              `json:"transcript,omitempty"`
	Date         *Timestamp          `json:"date,omitempty"`
	Duration     int                 `json:"duration,omitempty"`
	Participants []event.Participant `json:"participants,omitempty"`
	ExternalID   string              `json:"external_id,omitempty"`
	ExternalURL  string              `json:"external_url,omitempty"`
}

// PersonHint helps attach a pushed item to a known contact.
type PersonHint struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// PushItem is one entry of a batch push from the local sync agent.
// Metadata is accepted so agents can send it, but it is not stored on the
// event.
type PushItem struct {
	ExternalID   string              `json:"externalId"`
	Type         string              `json:"type,omitempty"`
	Title        string              `json:"title,omitempty"`
	Content      string              `json:"content,omitempty"`
	Summary      string              `json:"summary,omitempty"`
	Transcript   string              `json:"transcript,omitempty"`
	Timestamp    *Timestamp          `json:"timestamp,omitempty"`
	Duration     int                 `json:"duration,omitempty"`
	Participants []event.Participant `json:"participants,omitempty"`
	PersonHint   *PersonHint         `json:"personHint,omitempty"`
	ExternalLink string              `json:"externalLink,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}

type PushRequest struct {
	Source   string         `json:"source"`
	SyncType string         `json:"syncType,omitempty"`
	Items    []PushItem     `json:"items"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ItemStatus string

const (
	ItemCreated ItemStatus = "created"
	ItemSkipped ItemStatus = "skipped"
	ItemFailed  ItemStatus = "failed"
)

// Result reports one capture. In push responses ID repeats the external id,
// which is what the local sync agent keys its synced set on.
type Result struct {
	ID         string     `json:"id,omitempty"`
	ExternalID string     `json:"externalId,omitempty"`
	Status     ItemStatus `json:"status"`
	EventID    string     `json:"eventId,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// PushResponse summarizes a batch. Processed counts created and skipped
// items.
type PushResponse struct {
	SyncID    string   `json:"syncId"`
	Received  int      `json:"received"`
	Processed int      `json:"processed"`
	Created   int      `json:"created"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}
