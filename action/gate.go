package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/logging"
)

// ErrNotRetryable is returned when re-proposing an action that did not fail.
var ErrNotRetryable = errors.New("action: only failed proposals can be re-proposed")

// ProposeParams is what an agent supplies when it wants an effect.
type ProposeParams struct {
	EventID   string
	AgentName string
	Type      Type
	Risk      RiskLevel
	Target    TargetRef
	Content   Content
	Reasoning string
	// RetryOf links a manual re-proposal to the failed proposal it replaces.
	RetryOf string
}

// Gate owns the proposal lifecycle up to execution: creation under the risk
// policy and human approval or rejection.
type Gate struct {
	repo   Repository
	policy Policy
	now    func() time.Time
	log    *zap.Logger
}

func NewGate(repo Repository, policy Policy, log *zap.Logger) *Gate {
	if policy == nil {
		policy = DefaultPolicy
	}
	return &Gate{repo: repo, policy: policy, now: time.Now, log: logging.OrNop(log)}
}

// Propose stores a new proposal. When the policy auto-approves the risk
// level the proposal is stored already approved.
func (g *Gate) Propose(ctx context.Context, params ProposeParams) (Proposal, error) {
	if err := validateParams(params); err != nil {
		return Proposal{}, err
	}

	p := Proposal{
		EventID:   params.EventID,
		AgentName: params.AgentName,
		Type:      params.Type,
		Risk:      params.Risk,
		Status:    StatusProposed,
		Target:    params.Target,
		Content:   params.Content,
		Reasoning: params.Reasoning,
		RetryOf:   params.RetryOf,
	}
	if g.policy(params.Risk) {
		now := g.now().UTC()
		p.Status = StatusApproved
		p.ApprovedBy = AutoApprover
		p.DecidedAt = &now
	}

	created, err := g.repo.Create(ctx, p)
	if err != nil {
		return Proposal{}, err
	}
	g.log.Info("action proposed",
		zap.String("proposal_id", created.ID),
		zap.String("agent", created.AgentName),
		zap.String("action_type", string(created.Type)),
		zap.String("risk", string(created.Risk)),
		zap.String("status", string(created.Status)),
	)
	return created, nil
}

func validateParams(params ProposeParams) error {
	if strings.TrimSpace(params.AgentName) == "" {
		return fmt.Errorf("action: agent name is required")
	}
	if !params.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, params.Type)
	}
	if !params.Risk.Known() {
		return fmt.Errorf("action: unknown risk level %q", params.Risk)
	}
	if params.Content == nil {
		return fmt.Errorf("action: content is required")
	}
	if params.Content.ActionType() != params.Type {
		return fmt.Errorf("action: %s content supplied for %s", params.Content.ActionType(), params.Type)
	}
	return params.Content.validate()
}

// Approve moves a proposal from proposed to approved.
func (g *Gate) Approve(ctx context.Context, id, approver string) (Proposal, error) {
	if strings.TrimSpace(approver) == "" {
		return Proposal{}, fmt.Errorf("action: approver is required")
	}
	p, err := g.repo.Transition(ctx, id, StatusProposed, StatusApproved, Change{At: g.now().UTC(), ApprovedBy: approver})
	if err != nil {
		return Proposal{}, err
	}
	g.log.Info("action approved", zap.String("proposal_id", id), zap.String("approver", approver))
	return p, nil
}

// Reject moves a proposal from proposed to rejected. by is recorded as the
// deciding user.
func (g *Gate) Reject(ctx context.Context, id, reason, by string) (Proposal, error) {
	p, err := g.repo.Transition(ctx, id, StatusProposed, StatusRejected, Change{
		At:           g.now().UTC(),
		ApprovedBy:   by,
		RejectReason: reason,
	})
	if err != nil {
		return Proposal{}, err
	}
	g.log.Info("action rejected",
		zap.String("proposal_id", id),
		zap.String("by", by),
		zap.String("reason", reason),
	)
	return p, nil
}

// Repropose creates a fresh proposal from a failed one. Failed proposals are
// never retried automatically.
func (g *Gate) Repropose(ctx context.Context, id, by string) (Proposal, error) {
	failed, err := g.repo.Get(ctx, id)
	if err != nil {
		return Proposal{}, err
	}
	if failed.Status != StatusFailed {
		return Proposal{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, failed.Status)
	}

	reasoning := failed.Reasoning
	if by != "" {
		reasoning = fmt.Sprintf("re-proposed by %s after failure: %s", by, failed.ErrorMessage)
	}
	return g.Propose(ctx, ProposeParams{
		EventID:   failed.EventID,
		AgentName: failed.AgentName,
		Type:      failed.Type,
		Risk:      failed.Risk,
		Target:    failed.Target,
		Content:   failed.Content,
		Reasoning: reasoning,
		RetryOf:   failed.ID,
	})
}

func (g *Gate) Get(ctx context.Context, id string) (Proposal, error) {
	return g.repo.Get(ctx, id)
}

func (g *Gate) List(ctx context.Context, status Status, limit int) ([]Proposal, error) {
	if !status.Known() {
		return nil, fmt.Errorf("action: unknown status %q", status)
	}
	return g.repo.ListByStatus(ctx, status, limit)
}
