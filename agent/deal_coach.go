package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/logging"
)

// stageAdvice is the next step suggested when a deal enters a stage. A
// stage without advice produces no task.
var stageAdvice = map[event.DealStage]struct {
	title  string
	advice string
	due    time.Duration
}{
	event.StageWarm:       {"Qualify the buyer", "Confirm budget, timeline and financing before investing showings.", 72 * time.Hour},
	event.StageHot:        {"Book showings", "Lock in showings this week while motivation is high.", 48 * time.Hour},
	event.StageInContract: {"Prepare closing checklist", "Track inspection, appraisal and financing deadlines.", 24 * time.Hour},
	event.StageClosed:     {"Send closing gift and ask for a review", "Closed clients are the best referral source.", 7 * 24 * time.Hour},
}

// DealCoachAgent turns deal pipeline movement into follow-up tasks. Tasks are
// internal, so they are proposed at low risk.
type DealCoachAgent struct {
	gate Proposer
	gen  TextGenerator
	now  func() time.Time
	log  *zap.Logger
}

func NewDealCoach(gate Proposer, gen TextGenerator, log *zap.Logger) *DealCoachAgent {
	if gen == nil {
		gen = NewTemplateGenerator()
	}
	return &DealCoachAgent{gate: gate, gen: gen, now: time.Now, log: logging.OrNop(log)}
}

func (a *DealCoachAgent) Handle(ctx context.Context, ev event.Event) error {
	var (
		deal string
		from event.DealStage
		to   event.DealStage
	)
	switch p := ev.Payload.(type) {
	case event.DealCreated:
		deal, to = p.Name, p.Stage
	case event.DealStageChanged:
		deal, from, to = ev.Subject.DealID, p.From, p.To
	default:
		return nil
	}

	step, ok := stageAdvice[to]
	if !ok {
		a.log.Debug("no coaching for stage", zap.String("event_id", ev.ID), zap.String("stage", string(to)))
		return nil
	}

	notes, err := a.gen.Generate(ctx, Prompt{Purpose: PurposeDealCoaching, Facts: map[string]string{
		"deal":   deal,
		"from":   stageLabel(from),
		"to":     string(to),
		"advice": step.advice,
	}})
	if err != nil {
		return err
	}

	due := a.now().UTC().Add(step.due)
	_, err = a.gate.Propose(ctx, action.ProposeParams{
		EventID:   ev.ID,
		AgentName: DealCoach,
		Type:      action.TypeCreateTask,
		Risk:      action.RiskLow,
		Target:    action.TargetRef{EntityType: "deal", EntityID: ev.Subject.DealID},
		Content:   action.TaskDraft{Title: step.title, Notes: notes, DueAt: &due},
		Reasoning: fmt.Sprintf("deal entered %s", to),
	})
	return err
}

func stageLabel(s event.DealStage) string {
	if s == "" {
		return "new"
	}
	return string(s)
}
