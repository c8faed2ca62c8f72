package api

import (
	"encoding/json"
	"time"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/signal"
	"github.com/NTDesnoyers/memry-OS-sub003/subscription"
	"github.com/NTDesnoyers/memry-OS-sub003/syncqueue"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// PublishEventRequest is the ingestion body. SourceEntityType is accepted as
// an alias of SourceEntity. An empty category is derived from the type.
type PublishEventRequest struct {
	Type             string          `json:"type"`
	Category         string          `json:"category,omitempty"`
	SubjectPersonID  string          `json:"subjectPersonId,omitempty"`
	SubjectDealID    string          `json:"subjectDealId,omitempty"`
	SourceEntity     string          `json:"sourceEntity,omitempty"`
	SourceEntityType string          `json:"sourceEntityType,omitempty"`
	SourceEntityID   string          `json:"sourceEntityId"`
	Payload          json.RawMessage `json:"payload"`
}

func (r PublishEventRequest) sourceEntity() (string, error) {
	switch {
	case r.SourceEntity == "":
		return r.SourceEntityType, nil
	case r.SourceEntityType == "" || r.SourceEntityType == r.SourceEntity:
		return r.SourceEntity, nil
	}
	return "", badRequest("sourceEntity %q and sourceEntityType %q disagree", r.SourceEntity, r.SourceEntityType)
}

type PublishEventResponse struct {
	EventID string `json:"eventId"`
	Seq     int64  `json:"seq"`
}

type OutcomeResponse struct {
	AgentName  string    `json:"agentName"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

type EventResponse struct {
	ID               string            `json:"id"`
	Seq              int64             `json:"seq"`
	Type             string            `json:"type"`
	Category         string            `json:"category"`
	SubjectPersonID  string            `json:"subjectPersonId,omitempty"`
	SubjectDealID    string            `json:"subjectDealId,omitempty"`
	SourceEntityType string            `json:"sourceEntityType"`
	SourceEntityID   string            `json:"sourceEntityId"`
	Payload          json.RawMessage   `json:"payload"`
	CreatedAt        time.Time         `json:"createdAt"`
	Outcomes         []OutcomeResponse `json:"outcomes,omitempty"`
}

func toEventResponse(ev event.Event) (EventResponse, error) {
	payload, err := event.EncodePayload(ev.Payload)
	if err != nil {
		return EventResponse{}, err
	}
	return EventResponse{
		ID:               ev.ID,
		Seq:              ev.Seq,
		Type:             string(ev.Type),
		Category:         string(ev.Category),
		SubjectPersonID:  ev.Subject.PersonID,
		SubjectDealID:    ev.Subject.DealID,
		SourceEntityType: ev.Source.EntityType,
		SourceEntityID:   ev.Source.EntityID,
		Payload:          payload,
		CreatedAt:        ev.CreatedAt,
	}, nil
}

type ApproveRequest struct {
	Approver string `json:"approver"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
	By     string `json:"by,omitempty"`
}

type ReproposeRequest struct {
	By string `json:"by,omitempty"`
}

type ProposalResponse struct {
	ID           string          `json:"id"`
	EventID      string          `json:"eventId"`
	AgentName    string          `json:"agentName"`
	ActionType   string          `json:"actionType"`
	RiskLevel    string          `json:"riskLevel"`
	Status       string          `json:"status"`
	TargetType   string          `json:"targetEntityType,omitempty"`
	TargetID     string          `json:"targetEntityId,omitempty"`
	Content      json.RawMessage `json:"proposedContent"`
	Reasoning    string          `json:"reasoning,omitempty"`
	ApprovedBy   string          `json:"approvedBy,omitempty"`
	RejectReason string          `json:"rejectReason,omitempty"`
	ResultData   json.RawMessage `json:"resultData,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	RetryOf      string          `json:"retryOf,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	DecidedAt    *time.Time      `json:"decidedAt,omitempty"`
	ExecutedAt   *time.Time      `json:"executedAt,omitempty"`
}

func toProposalResponse(p action.Proposal) (ProposalResponse, error) {
	content, err := action.EncodeContent(p.Content)
	if err != nil {
		return ProposalResponse{}, err
	}
	return ProposalResponse{
		ID:           p.ID,
		EventID:      p.EventID,
		AgentName:    p.AgentName,
		ActionType:   string(p.Type),
		RiskLevel:    string(p.Risk),
		Status:       string(p.Status),
		TargetType:   p.Target.EntityType,
		TargetID:     p.Target.EntityID,
		Content:      content,
		Reasoning:    p.Reasoning,
		ApprovedBy:   p.ApprovedBy,
		RejectReason: p.RejectReason,
		ResultData:   p.ResultData,
		ErrorMessage: p.ErrorMessage,
		RetryOf:      p.RetryOf,
		CreatedAt:    p.CreatedAt,
		DecidedAt:    p.DecidedAt,
		ExecutedAt:   p.ExecutedAt,
	}, nil
}

type SyncItemResponse struct {
	ID            string          `json:"id"`
	IntegrationID string          `json:"integrationId"`
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	ScheduledFor  time.Time       `json:"scheduledFor"`
	ExternalID    string          `json:"externalId,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

func toSyncItemResponse(it syncqueue.Item) SyncItemResponse {
	return SyncItemResponse{
		ID:            it.ID,
		IntegrationID: it.IntegrationID,
		EntityType:    it.EntityType,
		EntityID:      it.EntityID,
		Operation:     string(it.Operation),
		Payload:       it.Payload,
		Status:        string(it.Status),
		Attempts:      it.Attempts,
		MaxAttempts:   it.MaxAttempts,
		ScheduledFor:  it.ScheduledFor,
		ExternalID:    it.ExternalID,
		LastError:     it.LastError,
		CreatedAt:     it.CreatedAt,
		CompletedAt:   it.CompletedAt,
	}
}

type IntegrationResponse struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint,omitempty"`
	Enabled  bool   `json:"enabled"`
}

func toIntegrationResponse(in syncqueue.Integration) IntegrationResponse {
	return IntegrationResponse{ID: in.ID, Provider: in.Provider, Endpoint: in.Endpoint, Enabled: in.Enabled}
}

type SignalNoteRequest struct {
	Note   string `json:"note,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type SignalResponse struct {
	ID           string            `json:"id"`
	SubjectID    string            `json:"subjectId"`
	Kind         string            `json:"kind"`
	Status       string            `json:"status"`
	Confidence   float64           `json:"confidence"`
	Evidence     []signal.Evidence `json:"evidence"`
	CloseReason  string            `json:"closeReason,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastObserved time.Time         `json:"lastObserved"`
	ClosedAt     *time.Time        `json:"closedAt,omitempty"`
}

func toSignalResponse(s signal.Signal) SignalResponse {
	evidence := s.Evidence
	if evidence == nil {
		evidence = []signal.Evidence{}
	}
	return SignalResponse{
		ID:           s.ID,
		SubjectID:    s.SubjectID,
		Kind:         s.Kind,
		Status:       string(s.Status),
		Confidence:   s.Confidence,
		Evidence:     evidence,
		CloseReason:  s.CloseReason,
		CreatedAt:    s.CreatedAt,
		LastObserved: s.LastObserved,
		ClosedAt:     s.ClosedAt,
	}
}

type SetActiveRequest struct {
	IsActive *bool `json:"isActive"`
}

type SubscriptionResponse struct {
	AgentName string            `json:"agentName"`
	EventType string            `json:"eventType"`
	Priority  int               `json:"priority"`
	IsActive  bool              `json:"isActive"`
	Config    map[string]string `json:"config,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func toSubscriptionResponse(s subscription.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		AgentName: s.AgentName,
		EventType: string(s.EventType),
		Priority:  s.Priority,
		IsActive:  s.IsActive,
		Config:    s.Config,
		UpdatedAt: s.UpdatedAt,
	}
}
