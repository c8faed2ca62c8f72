package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/logging"
)

// Repository stores signals. Create must refuse a second open signal for a
// subject; Observe and Close only touch open signals.
type Repository interface {
	Get(ctx context.Context, id string) (Signal, error)
	FindOpen(ctx context.Context, subjectID string) (Signal, error)
	Create(ctx context.Context, s Signal) (Signal, error)
	Observe(ctx context.Context, id string, ev Evidence, confidence float64, at time.Time) (Signal, error)
	Close(ctx context.Context, id string, status Status, reason string, at time.Time) (Signal, error)
	List(ctx context.Context, f Filter) ([]Signal, error)
}

// Outcome says what Upsert did.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeMerged     Outcome = "merged"
	OutcomeSuperseded Outcome = "superseded"
)

const (
	DefaultWindow       = 7 * 24 * time.Hour
	defaultWeight       = 0.5
	sweepBatch          = 500
	upsertAttempts      = 3
	lockKeyPrefix       = "signal:"
	reasonWindowElapsed = "expiry window elapsed"
)

type UpsertParams struct {
	SubjectID string
	Kind      string
	Evidence  Evidence
}

// Deduplicator keeps at most one open signal per subject. All writes for a
// subject happen under that subject's lock; the storage uniqueness rule
// catches writers that bypass it.
type Deduplicator struct {
	repo   Repository
	locker Locker
	window time.Duration
	now    func() time.Time
	log    *zap.Logger
}

func NewDeduplicator(repo Repository, locker Locker, window time.Duration, log *zap.Logger) *Deduplicator {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicator{repo: repo, locker: locker, window: window, now: time.Now, log: logging.OrNop(log)}
}

// Upsert records evidence for a subject. With no open signal a new one is
// created. An open signal of the same kind absorbs the evidence. An open
// signal of another kind is superseded, and one past the expiry window is
// expired, before the new signal is created.
func (d *Deduplicator) Upsert(ctx context.Context, p UpsertParams) (Signal, Outcome, error) {
	p.SubjectID = strings.TrimSpace(p.SubjectID)
	p.Kind = strings.TrimSpace(p.Kind)
	if p.SubjectID == "" {
		return Signal{}, "", fmt.Errorf("signal: subject is required")
	}
	if p.Kind == "" {
		return Signal{}, "", fmt.Errorf("signal: kind is required")
	}

	unlock, err := d.locker.Lock(ctx, lockKeyPrefix+p.SubjectID)
	if err != nil {
		return Signal{}, "", err
	}
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < upsertAttempts; attempt++ {
		s, outcome, err := d.upsertLocked(ctx, p)
		if err == nil {
			return s, outcome, nil
		}
		if !errors.Is(err, ErrOpenExists) && !errors.Is(err, ErrNotOpen) {
			return Signal{}, "", err
		}
		// Lost a race with a sweeper or an unlocked writer; re-read.
		lastErr = err
	}
	return Signal{}, "", fmt.Errorf("signal: upsert %s: %w", p.SubjectID, lastErr)
}

func (d *Deduplicator) upsertLocked(ctx context.Context, p UpsertParams) (Signal, Outcome, error) {
	now := d.now().UTC()
	ev := p.Evidence
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = now
	}
	if ev.Weight <= 0 {
		ev.Weight = defaultWeight
	}
	ev.Weight = clamp(ev.Weight)
	if ev.Kind == "" {
		ev.Kind = p.Kind
	}

	outcome := OutcomeCreated
	open, err := d.repo.FindOpen(ctx, p.SubjectID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return Signal{}, "", err
	case open.Stale(now, d.window):
		if _, err := d.repo.Close(ctx, open.ID, StatusExpired, reasonWindowElapsed, now); err != nil {
			return Signal{}, "", err
		}
	case open.Kind != p.Kind:
		if _, err := d.repo.Close(ctx, open.ID, StatusSuperseded, "superseded by "+p.Kind, now); err != nil {
			return Signal{}, "", err
		}
		outcome = OutcomeSuperseded
	default:
		merged, err := d.repo.Observe(ctx, open.ID, ev, combine(open.Confidence, ev.Weight), now)
		if err != nil {
			return Signal{}, "", err
		}
		return merged, OutcomeMerged, nil
	}

	created, err := d.repo.Create(ctx, Signal{
		SubjectID:    p.SubjectID,
		Kind:         p.Kind,
		Status:       StatusOpen,
		Confidence:   ev.Weight,
		Evidence:     []Evidence{ev},
		CreatedAt:    now,
		LastObserved: now,
	})
	if err != nil {
		return Signal{}, "", err
	}
	d.log.Info("signal opened",
		zap.String("signal_id", created.ID),
		zap.String("subject_id", created.SubjectID),
		zap.String("kind", created.Kind),
		zap.String("outcome", string(outcome)),
	)
	return created, outcome, nil
}

// Resolve closes an open signal as acted upon.
func (d *Deduplicator) Resolve(ctx context.Context, id, note string) (Signal, error) {
	return d.close(ctx, id, StatusResolved, note)
}

// Skip closes an open signal as deliberately not acted upon.
func (d *Deduplicator) Skip(ctx context.Context, id, reason string) (Signal, error) {
	return d.close(ctx, id, StatusSkipped, reason)
}

func (d *Deduplicator) close(ctx context.Context, id string, status Status, reason string) (Signal, error) {
	s, err := d.repo.Get(ctx, id)
	if err != nil {
		return Signal{}, err
	}
	unlock, err := d.locker.Lock(ctx, lockKeyPrefix+s.SubjectID)
	if err != nil {
		return Signal{}, err
	}
	defer unlock()
	return d.repo.Close(ctx, id, status, reason, d.now().UTC())
}

// ResolveOpen resolves the subject's open signal if it has one of the given
// kinds, or any kind when none are given. ok is false when nothing was open.
func (d *Deduplicator) ResolveOpen(ctx context.Context, subjectID, note string, kinds ...string) (Signal, bool, error) {
	unlock, err := d.locker.Lock(ctx, lockKeyPrefix+subjectID)
	if err != nil {
		return Signal{}, false, err
	}
	defer unlock()

	open, err := d.repo.FindOpen(ctx, subjectID)
	if errors.Is(err, ErrNotFound) {
		return Signal{}, false, nil
	}
	if err != nil {
		return Signal{}, false, err
	}
	if len(kinds) > 0 && !contains(kinds, open.Kind) {
		return Signal{}, false, nil
	}
	closed, err := d.repo.Close(ctx, open.ID, StatusResolved, note, d.now().UTC())
	if err != nil {
		return Signal{}, false, err
	}
	return closed, true, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Sweep expires every open signal not observed within the window.
func (d *Deduplicator) Sweep(ctx context.Context) (int, error) {
	cutoff := d.now().UTC().Add(-d.window)
	var expired int
	for {
		stale, err := d.repo.List(ctx, Filter{Status: StatusOpen, ObservedBefore: cutoff, Limit: sweepBatch})
		if err != nil {
			return expired, err
		}
		closedThisPass := 0
		for _, s := range stale {
			_, err := d.repo.Close(ctx, s.ID, StatusExpired, reasonWindowElapsed, d.now().UTC())
			switch {
			case err == nil:
				expired++
				closedThisPass++
			case errors.Is(err, ErrNotOpen):
			default:
				return expired, err
			}
		}
		if len(stale) < sweepBatch || closedThisPass == 0 {
			break
		}
	}
	if expired > 0 {
		d.log.Info("expired stale signals", zap.Int("count", expired))
	}
	return expired, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (d *Deduplicator) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("signal sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Deduplicator) Get(ctx context.Context, id string) (Signal, error) {
	return d.repo.Get(ctx, id)
}

func (d *Deduplicator) List(ctx context.Context, f Filter) ([]Signal, error) {
	return d.repo.List(ctx, f)
}
