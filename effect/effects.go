package effect

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
	"github.com/NTDesnoyers/memry-OS-sub003/syncqueue"
)

// Outbox topics, one per action type the CRUD and mail services handle.
const (
	TopicSendEmail    = "email.send"
	TopicCreateTask   = "task.create"
	TopicUpdatePerson = "person.update"
)

var topics = map[action.Type]string{
	action.TypeSendEmail:    TopicSendEmail,
	action.TypeCreateTask:   TopicCreateTask,
	action.TypeUpdatePerson: TopicUpdatePerson,
}

type outboxPayload struct {
	ProposalID string         `json:"proposalId"`
	EventID    string         `json:"eventId,omitempty"`
	ActionType action.Type    `json:"actionType"`
	Target     targetPayload  `json:"target"`
	ApprovedBy string         `json:"approvedBy"`
	Content    action.Content `json:"content"`
}

type targetPayload struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

type outboxResult struct {
	OutboxID  string `json:"outboxId"`
	Topic     string `json:"topic"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// OutboxEffect writes the proposal to the outbox under the proposal id, so
// running it twice for one proposal leaves a single message.
type OutboxEffect struct {
	outbox Outbox
}

func NewOutboxEffect(o Outbox) *OutboxEffect {
	return &OutboxEffect{outbox: o}
}

func (e *OutboxEffect) Apply(ctx context.Context, p action.Proposal) (json.RawMessage, error) {
	topic, ok := topics[p.Type]
	if !ok {
		return nil, fmt.Errorf("effect: no outbox topic for %s", p.Type)
	}
	payload, err := sonic.ConfigStd.Marshal(outboxPayload{
		ProposalID: p.ID,
		EventID:    p.EventID,
		ActionType: p.Type,
		Target:     targetPayload{EntityType: p.Target.EntityType, EntityID: p.Target.EntityID},
		ApprovedBy: p.ApprovedBy,
		Content:    p.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("effect: encode outbox payload: %w", err)
	}

	msg, inserted, err := e.outbox.Put(ctx, Message{Topic: topic, DedupeKey: p.ID, Payload: payload})
	if err != nil {
		return nil, err
	}
	return marshalResult(outboxResult{OutboxID: msg.ID, Topic: msg.Topic, Duplicate: !inserted})
}

type syncResult struct {
	SyncItemID string              `json:"syncItemId"`
	Operation  syncqueue.Operation `json:"operation"`
	ExternalID string              `json:"externalId,omitempty"`
}

// SyncEffect hands a CRM sync proposal to the delivery queue. The proposal id
// is the dedupe key, so a re-run returns the item queued the first time.
type SyncEffect struct {
	queue *syncqueue.Queue
}

func NewSyncEffect(q *syncqueue.Queue) *SyncEffect {
	return &SyncEffect{queue: q}
}

func (e *SyncEffect) Apply(ctx context.Context, p action.Proposal) (json.RawMessage, error) {
	c, ok := p.Content.(action.CRMSync)
	if !ok {
		return nil, fmt.Errorf("effect: sync_crm proposal %s carries %T", p.ID, p.Content)
	}
	it, err := e.queue.Enqueue(ctx, syncqueue.EnqueueParams{
		IntegrationID: c.IntegrationID,
		EntityType:    c.EntityType,
		EntityID:      c.EntityID,
		Operation:     syncqueue.Operation(c.Operation),
		Payload:       c.Payload,
		DedupeKey:     p.ID,
	})
	if err != nil {
		return nil, err
	}
	return marshalResult(syncResult{SyncItemID: it.ID, Operation: it.Operation, ExternalID: it.ExternalID})
}

// Registry returns the effect for every action type.
func Registry(o Outbox, q *syncqueue.Queue) map[action.Type]action.Effect {
	out := NewOutboxEffect(o)
	return map[action.Type]action.Effect{
		action.TypeSendEmail:    out,
		action.TypeCreateTask:   out,
		action.TypeUpdatePerson: out,
		action.TypeSyncCRM:      NewSyncEffect(q),
	}
}

func marshalResult(v any) (json.RawMessage, error) {
	b, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("effect: encode result: %w", err)
	}
	return json.RawMessage(b), nil
}
