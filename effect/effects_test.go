package effect

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
	"github.com/NTDesnoyers/memry-OS-sub003/syncqueue"
)

type harness struct {
	outbox   *MemoryOutbox
	queue    *syncqueue.Queue
	gate     *action.Gate
	executor *action.Executor
}

func newHarness() harness {
	outbox := NewMemoryOutbox()
	queue := syncqueue.NewQueue(
		syncqueue.NewMemoryRepository(),
		syncqueue.NewIntegrations(syncqueue.Integration{ID: "fub", Provider: "http", Enabled: true}),
		syncqueue.DefaultPolicy(),
		zap.NewNop(),
	)
	repo := action.NewMemoryRepository()
	return harness{
		outbox:   outbox,
		queue:    queue,
		gate:     action.NewGate(repo, nil, zap.NewNop()),
		executor: action.NewExecutor(repo, Registry(outbox, queue), action.ExecutorConfig{Owner: "test"}, zap.NewNop()),
	}
}

func TestOutboxEffect_WritesOncePerProposal(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	p, err := h.gate.Propose(ctx, action.ProposeParams{
		AgentName: "email_drafter",
		Type:      action.TypeSendEmail,
		Risk:      action.RiskMedium,
		Target:    action.TargetRef{EntityType: "person", EntityID: "p1"},
		Content:   action.EmailDraft{To: "ada@example.com", Subject: "Checking in", Body: "Hi Ada"},
	})
	require.NoError(t, err)
	p, err = h.gate.Approve(ctx, p.ID, "broker@example.com")
	require.NoError(t, err)

	done, err := h.executor.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusExecuted, done.Status)

	msgs := h.outbox.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, TopicSendEmail, msgs[0].Topic)
	assert.Equal(t, p.ID, msgs[0].DedupeKey)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &body))
	assert.Equal(t, p.ID, body["proposalId"])
	assert.Equal(t, "broker@example.com", body["approvedBy"])

	// A crash after the effect but before the status update replays Apply.
	res, err := NewOutboxEffect(h.outbox).Apply(ctx, done)
	require.NoError(t, err)
	assert.Len(t, h.outbox.Messages(), 1)
	assert.Contains(t, string(res), `"duplicate":true`)
}

func TestSyncEffect_EnqueuesOncePerProposal(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	p, err := h.gate.Propose(ctx, action.ProposeParams{
		AgentName: "crm_sync",
		Type:      action.TypeSyncCRM,
		Risk:      action.RiskLow,
		Target:    action.TargetRef{EntityType: "deal", EntityID: "d1"},
		Content: action.CRMSync{
			IntegrationID: "fub",
			EntityType:    "deal",
			EntityID:      "d1",
			Operation:     "create",
			Payload:       json.RawMessage(`{"name":"12 Elm St"}`),
		},
	})
	require.NoError(t, err)
	require.Equal(t, action.StatusApproved, p.Status)

	done, err := h.executor.Execute(ctx, p.ID)
	require.NoError(t, err)

	var res struct {
		SyncItemID string `json:"syncItemId"`
	}
	require.NoError(t, json.Unmarshal(done.ResultData, &res))
	require.NotEmpty(t, res.SyncItemID)

	again, err := NewSyncEffect(h.queue).Apply(ctx, done)
	require.NoError(t, err)
	assert.Contains(t, string(again), res.SyncItemID)

	items, err := h.queue.List(ctx, syncqueue.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, p.ID, items[0].DedupeKey)
	assert.Equal(t, syncqueue.OpCreate, items[0].Operation)
}

func TestSyncEffect_UnknownIntegrationFailsProposal(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	p, err := h.gate.Propose(ctx, action.ProposeParams{
		AgentName: "crm_sync",
		Type:      action.TypeSyncCRM,
		Risk:      action.RiskLow,
		Content:   action.CRMSync{IntegrationID: "salesforce", EntityType: "deal", EntityID: "d1", Operation: "update"},
	})
	require.NoError(t, err)

	failed, err := h.executor.Execute(ctx, p.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncqueue.ErrUnknownIntegration)
	assert.Equal(t, action.StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "unknown integration")
}
