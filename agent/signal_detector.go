package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/logging"
	"github.com/NTDesnoyers/memry-OS-sub003/signal"
)

// Signal kinds raised by the detector.
const (
	KindFollowUp = "follow_up"
	KindNewLead  = "new_lead"
)

// SignalDetectorAgent keeps the open decision per person current: overdue
// contacts and new leads raise a signal, any touch point resolves it.
// Conversations that surfaced FORD notes also propose a person update.
type SignalDetectorAgent struct {
	signals Signals
	gate    Proposer
	log     *zap.Logger
}

func NewSignalDetector(signals Signals, gate Proposer, log *zap.Logger) *SignalDetectorAgent {
	return &SignalDetectorAgent{signals: signals, gate: gate, log: logging.OrNop(log)}
}

func (a *SignalDetectorAgent) Handle(ctx context.Context, ev event.Event) error {
	person := ev.Subject.PersonID
	switch p := ev.Payload.(type) {
	case event.ContactDue:
		return a.raise(ctx, ev, KindFollowUp, 0.6, fmt.Sprintf("no contact within %d-day cadence", p.CadenceDays))

	case event.LeadCreated:
		return a.raise(ctx, ev, KindNewLead, 0.8, "new lead from "+sourceOr(p.Source))

	case event.ConversationLogged:
		if err := a.resolve(ctx, ev, "conversation logged via "+p.Channel); err != nil {
			return err
		}
		if p.Ford.Empty() {
			return nil
		}
		_, err := a.gate.Propose(ctx, action.ProposeParams{
			EventID:   ev.ID,
			AgentName: SignalDetector,
			Type:      action.TypeUpdatePerson,
			Risk:      action.RiskLow,
			Target:    action.TargetRef{EntityType: "person", EntityID: person},
			Content:   action.PersonNote{Ford: p.Ford, Note: strings.TrimSpace(p.Summary)},
			Reasoning: "conversation surfaced FORD notes",
		})
		return err

	case event.InteractionCaptured:
		if person == "" {
			return nil
		}
		return a.resolve(ctx, ev, "captured "+kindOr(p.Kind)+": "+p.Title)

	case event.TaskCompleted:
		return a.resolve(ctx, ev, "task completed: "+p.Title)
	}
	return nil
}

func (a *SignalDetectorAgent) raise(ctx context.Context, ev event.Event, kind string, weight float64, note string) error {
	s, outcome, err := a.signals.Upsert(ctx, signal.UpsertParams{
		SubjectID: ev.Subject.PersonID,
		Kind:      kind,
		Evidence:  signal.Evidence{EventID: ev.ID, Kind: string(ev.Type), Note: note, Weight: weight},
	})
	if err != nil {
		return err
	}
	a.log.Debug("signal recorded",
		zap.String("event_id", ev.ID),
		zap.String("signal_id", s.ID),
		zap.String("outcome", string(outcome)),
	)
	return nil
}

func (a *SignalDetectorAgent) resolve(ctx context.Context, ev event.Event, note string) error {
	s, ok, err := a.signals.ResolveOpen(ctx, ev.Subject.PersonID, note)
	if err != nil || !ok {
		return err
	}
	a.log.Debug("signal resolved", zap.String("event_id", ev.ID), zap.String("signal_id", s.ID))
	return nil
}

func sourceOr(source string) string {
	if source == "" {
		return "unknown source"
	}
	return source
}
