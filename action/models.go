package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
)

// Type is the closed set of effects an agent may propose.
type Type string

const (
	TypeSendEmail    Type = "send_email"
	TypeCreateTask   Type = "create_task"
	TypeUpdatePerson Type = "update_person"
	TypeSyncCRM      Type = "sync_crm"
)

func (t Type) Known() bool {
	_, ok := contentDecoders[t]
	return ok
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) Known() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// TargetRef names the entity an action affects.
type TargetRef struct {
	EntityType string
	EntityID   string
}

// Proposal is an action an agent wants to take, gated by approval.
type Proposal struct {
	ID           string
	EventID      string
	AgentName    string
	Type         Type
	Risk         RiskLevel
	Status       Status
	Target       TargetRef
	Content      Content
	Reasoning    string
	ApprovedBy   string
	RejectReason string
	ResultData   json.RawMessage
	ErrorMessage string
	RetryOf      string
	ClaimedBy    string
	ClaimExpires *time.Time
	CreatedAt    time.Time
	DecidedAt    *time.Time
	ExecutedAt   *time.Time
}

// Content is the typed body of a proposal; one struct per action type.
type Content interface {
	ActionType() Type
	validate() error
}

type EmailDraft struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (EmailDraft) ActionType() Type { return TypeSendEmail }

func (c EmailDraft) validate() error {
	if _, err := mail.ParseAddress(c.To); err != nil {
		return fmt.Errorf("action: email recipient %q: %w", c.To, err)
	}
	if strings.TrimSpace(c.Subject) == "" || strings.TrimSpace(c.Body) == "" {
		return fmt.Errorf("action: email subject and body are required")
	}
	return nil
}

type TaskDraft struct {
	Title string     `json:"title"`
	Notes string     `json:"notes,omitempty"`
	DueAt *time.Time `json:"dueAt,omitempty"`
}

func (TaskDraft) ActionType() Type { return TypeCreateTask }

func (c TaskDraft) validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("action: task title is required")
	}
	return nil
}

// PersonNote merges FORD notes and a free-text note into a person record.
type PersonNote struct {
	Ford event.FordNotes `json:"ford"`
	Note string          `json:"note,omitempty"`
}

func (PersonNote) ActionType() Type { return TypeUpdatePerson }

func (c PersonNote) validate() error {
	if c.Ford.Empty() && strings.TrimSpace(c.Note) == "" {
		return fmt.Errorf("action: person note is empty")
	}
	return nil
}

// CRMSync asks for an entity to be pushed to an external CRM.
type CRMSync struct {
	IntegrationID string          `json:"integrationId"`
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (CRMSync) ActionType() Type { return TypeSyncCRM }

func (c CRMSync) validate() error {
	if c.IntegrationID == "" || c.EntityType == "" || c.EntityID == "" {
		return fmt.Errorf("action: crm sync needs integration, entity type and entity id")
	}
	switch c.Operation {
	case "create", "update", "delete":
	default:
		return fmt.Errorf("action: unknown crm operation %q", c.Operation)
	}
	return nil
}

var contentDecoders = map[Type]func([]byte) (Content, error){
	TypeSendEmail:    decodeContent[EmailDraft],
	TypeCreateTask:   decodeContent[TaskDraft],
	TypeUpdatePerson: decodeContent[PersonNote],
	TypeSyncCRM:      decodeContent[CRMSync],
}

// DecodeContent strictly decodes raw into the content struct for t.
func DecodeContent(t Type, raw []byte) (Content, error) {
	decode, ok := contentDecoders[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return decode(raw)
}

func EncodeContent(c Content) ([]byte, error) {
	b, err := sonic.ConfigStd.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("action: encode content: %w", err)
	}
	return b, nil
}

func decodeContent[T Content](raw []byte) (Content, error) {
	var c T
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("action: decode content: %w", err)
	}
	return c, nil
}
