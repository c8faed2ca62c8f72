package agent

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/logging"
)

// IntegrationLister is satisfied by *syncqueue.Integrations.
type IntegrationLister interface {
	EnabledIDs() []string
}

// CRMSyncAgent mirrors leads and deals into every enabled external CRM. The
// queue decides create versus update from the field mapping, so the agent
// only states what changed.
type CRMSyncAgent struct {
	gate         Proposer
	integrations IntegrationLister
	log          *zap.Logger
}

func NewCRMSync(gate Proposer, integrations IntegrationLister, log *zap.Logger) *CRMSyncAgent {
	return &CRMSyncAgent{gate: gate, integrations: integrations, log: logging.OrNop(log)}
}

type personRecord struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
}

type dealRecord struct {
	Name  string  `json:"name,omitempty"`
	Stage string  `json:"stage"`
	Value float64 `json:"value,omitempty"`
}

func (a *CRMSyncAgent) Handle(ctx context.Context, ev event.Event) error {
	var (
		entityType string
		entityID   string
		operation  string
		record     any
	)
	switch p := ev.Payload.(type) {
	case event.LeadCreated:
		entityType, entityID, operation = "person", ev.Subject.PersonID, "create"
		record = personRecord{Name: p.Name, Source: p.Source}
	case event.DealCreated:
		entityType, entityID, operation = "deal", ev.Subject.DealID, "create"
		record = dealRecord{Name: p.Name, Stage: string(p.Stage), Value: p.Value}
	case event.DealStageChanged:
		entityType, entityID, operation = "deal", ev.Subject.DealID, "update"
		record = dealRecord{Stage: string(p.To)}
	default:
		return nil
	}

	payload, err := sonic.ConfigStd.Marshal(record)
	if err != nil {
		return fmt.Errorf("agent: encode crm record: %w", err)
	}

	for _, integrationID := range a.integrations.EnabledIDs() {
		_, err := a.gate.Propose(ctx, action.ProposeParams{
			EventID:   ev.ID,
			AgentName: CRMSync,
			Type:      action.TypeSyncCRM,
			Risk:      action.RiskLow,
			Target:    action.TargetRef{EntityType: entityType, EntityID: entityID},
			Content: action.CRMSync{
				IntegrationID: integrationID,
				EntityType:    entityType,
				EntityID:      entityID,
				Operation:     operation,
				Payload:       payload,
			},
			Reasoning: fmt.Sprintf("%s changed", ev.Type),
		})
		if err != nil {
			return fmt.Errorf("agent: propose sync to %s: %w", integrationID, err)
		}
	}
	return nil
}
