package event

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Payload is the typed body of an event. Each event type has exactly one
// payload struct; the concrete type carries its own event type so a payload
// can never be attached to the wrong kind of event.
type Payload interface {
	EventType() Type
	validate() error
}

// DealStage is the pipeline position of a deal.
type DealStage string

const (
	StageWarm       DealStage = "warm"
	StageHot        DealStage = "hot"
	StageInContract DealStage = "in_contract"
	StageClosed     DealStage = "closed"
	StageLost       DealStage = "lost"
)

func (s DealStage) valid() bool {
	switch s {
	case StageWarm, StageHot, StageInContract, StageClosed, StageLost:
		return true
	}
	return false
}

type LeadCreated struct {
	Source string `json:"source"`
	Name   string `json:"name"`
}

func (LeadCreated) EventType() Type { return TypeLeadCreated }

func (p LeadCreated) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("payload.name", "required")
	}
	return nil
}

type DealCreated struct {
	Name  string    `json:"name"`
	Stage DealStage `json:"stage"`
	Value float64   `json:"value,omitempty"`
}

func (DealCreated) EventType() Type { return TypeDealCreated }

func (p DealCreated) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("payload.name", "required")
	}
	if !p.Stage.valid() {
		return invalid("payload.stage", fmt.Sprintf("unknown stage %q", p.Stage))
	}
	if p.Value < 0 {
		return invalid("payload.value", "must not be negative")
	}
	return nil
}

type DealStageChanged struct {
	From DealStage `json:"from"`
	To   DealStage `json:"to"`
}

func (DealStageChanged) EventType() Type { return TypeDealStageChanged }

func (p DealStageChanged) validate() error {
	if !p.From.valid() {
		return invalid("payload.from", fmt.Sprintf("unknown stage %q", p.From))
	}
	if !p.To.valid() {
		return invalid("payload.to", fmt.Sprintf("unknown stage %q", p.To))
	}
	if p.From == p.To {
		return invalid("payload.to", "stage did not change")
	}
	return nil
}

// FordNotes holds the family/occupation/recreation/dreams notes a
// conversation surfaced about a person.
type FordNotes struct {
	Family     string `json:"family,omitempty"`
	Occupation string `json:"occupation,omitempty"`
	Recreation string `json:"recreation,omitempty"`
	Dreams     string `json:"dreams,omitempty"`
}

func (f FordNotes) Empty() bool {
	return f == FordNotes{}
}

type ConversationLogged struct {
	Channel    string    `json:"channel"`
	Summary    string    `json:"summary"`
	Ford       FordNotes `json:"ford,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (ConversationLogged) EventType() Type { return TypeConversationLogged }

func (p ConversationLogged) validate() error {
	if strings.TrimSpace(p.Channel) == "" {
		return invalid("payload.channel", "required")
	}
	if p.OccurredAt.IsZero() {
		return invalid("payload.occurredAt", "required")
	}
	return nil
}

type Participant struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// InteractionCaptured is raised when an external capture tool (meeting
// recorder, message export) delivers an interaction.
type InteractionCaptured struct {
	Source          string        `json:"source"`
	Kind            string        `json:"kind"`
	Title           string        `json:"title"`
	Content         string        `json:"content,omitempty"`
	Transcript      string        `json:"transcript,omitempty"`
	OccurredAt      *time.Time    `json:"occurredAt,omitempty"`
	DurationMinutes int           `json:"durationMinutes,omitempty"`
	Participants    []Participant `json:"participants,omitempty"`
	ExternalID      string        `json:"externalId,omitempty"`
	ExternalURL     string        `json:"externalUrl,omitempty"`
}

func (InteractionCaptured) EventType() Type { return TypeInteractionCaptured }

func (p InteractionCaptured) validate() error {
	if p.Source == "" {
		return invalid("payload.source", "required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return invalid("payload.title", "required")
	}
	if p.DurationMinutes < 0 {
		return invalid("payload.durationMinutes", "must not be negative")
	}
	return nil
}

type TaskCompleted struct {
	TaskID string `json:"taskId"`
	Title  string `json:"title"`
}

func (TaskCompleted) EventType() Type { return TypeTaskCompleted }

func (p TaskCompleted) validate() error {
	if p.TaskID == "" {
		return invalid("payload.taskId", "required")
	}
	return nil
}

// ContactDue fires when a person has gone longer than their cadence without
// contact.
type ContactDue struct {
	LastContactAt time.Time `json:"lastContactAt"`
	CadenceDays   int       `json:"cadenceDays"`
}

func (ContactDue) EventType() Type { return TypeContactDue }

func (p ContactDue) validate() error {
	if p.CadenceDays <= 0 {
		return invalid("payload.cadenceDays", "must be positive")
	}
	return nil
}

// DecodePayload strictly decodes raw into the payload struct registered for t.
// Unknown fields are rejected.
func DecodePayload(t Type, raw []byte) (Payload, error) {
	d, ok := catalog[t]
	if !ok {
		return nil, invalid("type", fmt.Sprintf("unknown event type %q", t))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, invalid("payload", "required")
	}
	return d.decode(raw)
}

// EncodePayload renders p as JSON for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("event: nil payload")
	}
	b, err := sonic.ConfigStd.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("event: encode payload: %w", err)
	}
	return b, nil
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var p T
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, invalid("payload", err.Error())
	}
	return p, nil
}
