package agent

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/logging"
)

// EmailDrafterAgent drafts follow-up emails after conversations and when a
// contact is overdue. Outbound email always waits for a human, so drafts are
// proposed at medium risk.
type EmailDrafterAgent struct {
	gate      Proposer
	gen       TextGenerator
	directory Directory
	now       func() time.Time
	log       *zap.Logger
}

// NewEmailDrafter builds the agent. directory may be nil, in which case
// only captured interactions with participant emails produce drafts.
func NewEmailDrafter(gate Proposer, gen TextGenerator, directory Directory, log *zap.Logger) *EmailDrafterAgent {
	if gen == nil {
		gen = NewTemplateGenerator()
	}
	return &EmailDrafterAgent{gate: gate, gen: gen, directory: directory, now: time.Now, log: logging.OrNop(log)}
}

func (a *EmailDrafterAgent) Handle(ctx context.Context, ev event.Event) error {
	switch p := ev.Payload.(type) {
	case event.InteractionCaptured:
		to, ok := firstEmail(p.Participants)
		if !ok {
			return nil
		}
		return a.draft(ctx, ev, to, PurposeFollowUpBody, map[string]string{
			"name":    to.Name,
			"kind":    p.Kind,
			"title":   p.Title,
			"summary": "",
		}, "follow-up after captured "+kindOr(p.Kind))

	case event.ConversationLogged:
		to, ok, err := a.lookup(ctx, ev.Subject.PersonID)
		if err != nil || !ok {
			return err
		}
		return a.draft(ctx, ev, to, PurposeFollowUpBody, map[string]string{
			"name":    to.Name,
			"kind":    p.Channel,
			"summary": p.Summary,
		}, "follow-up after "+p.Channel)

	case event.ContactDue:
		to, ok, err := a.lookup(ctx, ev.Subject.PersonID)
		if err != nil || !ok {
			return err
		}
		days := int(a.now().Sub(p.LastContactAt).Hours() / 24)
		if p.LastContactAt.IsZero() || days < p.CadenceDays {
			days = p.CadenceDays
		}
		return a.draft(ctx, ev, to, PurposeCheckInBody, map[string]string{
			"name": to.Name,
			"days": strconv.Itoa(days),
		}, fmt.Sprintf("no contact in %d days", days))
	}
	return nil
}

func (a *EmailDrafterAgent) lookup(ctx context.Context, personID string) (Person, bool, error) {
	if a.directory == nil || personID == "" {
		return Person{}, false, nil
	}
	p, err := a.directory.Person(ctx, personID)
	if errors.Is(err, ErrPersonNotFound) {
		return Person{}, false, nil
	}
	if err != nil {
		return Person{}, false, err
	}
	if p.ID == "" {
		p.ID = personID
	}
	return p, p.Email != "", nil
}

func (a *EmailDrafterAgent) draft(ctx context.Context, ev event.Event, to Person, purpose string, facts map[string]string, reasoning string) error {
	subject, err := a.gen.Generate(ctx, Prompt{Purpose: PurposeFollowUpSubject, Facts: facts})
	if err != nil {
		return err
	}
	body, err := a.gen.Generate(ctx, Prompt{Purpose: purpose, Facts: facts})
	if err != nil {
		return err
	}

	target := action.TargetRef{EntityType: "person", EntityID: ev.Subject.PersonID}
	if target.EntityID == "" {
		target.EntityID = to.ID
	}
	_, err = a.gate.Propose(ctx, action.ProposeParams{
		EventID:   ev.ID,
		AgentName: EmailDrafter,
		Type:      action.TypeSendEmail,
		Risk:      action.RiskMedium,
		Target:    target,
		Content:   action.EmailDraft{To: formatAddress(to), Subject: subject, Body: body},
		Reasoning: reasoning,
	})
	return err
}

func firstEmail(participants []event.Participant) (Person, bool) {
	for _, p := range participants {
		if strings.Contains(p.Email, "@") {
			return Person{Name: p.Name, Email: p.Email}, true
		}
	}
	return Person{}, false
}

func formatAddress(p Person) string {
	if p.Name == "" {
		return p.Email
	}
	return (&mail.Address{Name: p.Name, Address: p.Email}).String()
}

func kindOr(kind string) string {
	if kind == "" {
		return "interaction"
	}
	return kind
}
