package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/logging"
)

// Effect performs the side effect of an approved proposal. Implementations
// must be idempotent per proposal ID: a crash between Apply and the status
// update leads to Apply being called again for the same proposal.
type Effect interface {
	Apply(ctx context.Context, p Proposal) (json.RawMessage, error)
}

type EffectFunc func(ctx context.Context, p Proposal) (json.RawMessage, error)

func (f EffectFunc) Apply(ctx context.Context, p Proposal) (json.RawMessage, error) { return f(ctx, p) }

var errNoEffect = errors.New("no effect registered for action type")

// ExecutorConfig tunes the executor loop.
type ExecutorConfig struct {
	Owner        string
	ClaimTTL     time.Duration
	PollInterval time.Duration
	BatchSize    int
}

// Executor runs approved proposals exactly once. A proposal is claimed
// before its effect runs and only the claim holder can move it to executed
// or failed. Failures are terminal; nothing is retried automatically.
type Executor struct {
	repo    Repository
	effects map[Type]Effect
	cfg     ExecutorConfig
	now     func() time.Time
	log     *zap.Logger
}

func NewExecutor(repo Repository, effects map[Type]Effect, cfg ExecutorConfig, log *zap.Logger) *Executor {
	if cfg.Owner == "" {
		cfg.Owner = "executor"
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Executor{repo: repo, effects: effects, cfg: cfg, now: time.Now, log: logging.OrNop(log)}
}

// Execute claims and runs one proposal. Executing a proposal that is not
// approved returns a *StateTransitionError. When the effect fails the
// proposal is moved to failed and the effect error is returned alongside it.
func (e *Executor) Execute(ctx context.Context, id string) (Proposal, error) {
	now := e.now().UTC()
	p, err := e.repo.Claim(ctx, id, e.cfg.Owner, now, now.Add(e.cfg.ClaimTTL))
	if err != nil {
		return Proposal{}, err
	}

	result, applyErr := e.apply(ctx, p)
	if applyErr != nil {
		failed, err := e.repo.Transition(ctx, id, StatusApproved, StatusFailed, Change{
			At:           e.now().UTC(),
			ErrorMessage: applyErr.Error(),
			ClaimOwner:   e.cfg.Owner,
		})
		if err != nil {
			return Proposal{}, fmt.Errorf("action: record failure of %s: %w", id, err)
		}
		e.log.Warn("action failed",
			zap.String("proposal_id", id),
			zap.String("action_type", string(p.Type)),
			zap.Error(applyErr),
		)
		return failed, fmt.Errorf("action: execute %s: %w", id, applyErr)
	}

	done, err := e.repo.Transition(ctx, id, StatusApproved, StatusExecuted, Change{
		At:         e.now().UTC(),
		ResultData: result,
		ClaimOwner: e.cfg.Owner,
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("action: record execution of %s: %w", id, err)
	}
	e.log.Info("action executed", zap.String("proposal_id", id), zap.String("action_type", string(p.Type)))
	return done, nil
}

func (e *Executor) apply(ctx context.Context, p Proposal) (result json.RawMessage, err error) {
	effect, ok := e.effects[p.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoEffect, p.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effect panic: %v", r)
		}
	}()
	return effect.Apply(ctx, p)
}

// RunOnce executes up to one batch of approved proposals and reports how
// many reached a terminal status.
func (e *Executor) RunOnce(ctx context.Context) (int, error) {
	approved, err := e.repo.ListByStatus(ctx, StatusApproved, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	var done int
	for _, p := range approved {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		res, err := e.Execute(ctx, p.ID)
		switch {
		case err == nil, res.Status == StatusFailed:
			done++
		case errors.Is(err, ErrClaimed), errors.Is(err, ErrInvalidStateTransition):
			// Another executor got there first.
		default:
			e.log.Error("execute proposal", zap.String("proposal_id", p.ID), zap.Error(err))
		}
	}
	return done, nil
}

// Run polls for approved proposals until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := e.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error("executor pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
