package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageChange(dealID string) Event {
	return New(SubjectRef{DealID: dealID}, SourceRef{EntityType: "deal", EntityID: dealID},
		DealStageChanged{From: StageHot, To: StageInContract})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		event Event
		field string
	}{
		{
			name:  "unknown type",
			event: Event{Type: "deal.teleported", Subject: SubjectRef{DealID: "d1"}},
			field: "type",
		},
		{
			name:  "category mismatch",
			event: Event{Type: TypeDealStageChanged, Category: CategoryLead, Subject: SubjectRef{DealID: "d1"}, Payload: DealStageChanged{From: StageWarm, To: StageHot}},
			field: "category",
		},
		{
			name:  "payload of another type",
			event: Event{Type: TypeDealStageChanged, Subject: SubjectRef{DealID: "d1"}, Payload: LeadCreated{Name: "x"}},
			field: "payload",
		},
		{
			name:  "missing deal subject",
			event: New(SubjectRef{PersonID: "p1"}, SourceRef{}, DealStageChanged{From: StageWarm, To: StageHot}),
			field: "subjectDealId",
		},
		{
			name:  "missing person subject",
			event: New(SubjectRef{}, SourceRef{}, LeadCreated{Name: "Jo"}),
			field: "subjectPersonId",
		},
		{
			name:  "unchanged stage",
			event: New(SubjectRef{DealID: "d1"}, SourceRef{}, DealStageChanged{From: StageHot, To: StageHot}),
			field: "payload.to",
		},
		{
			name:  "missing payload",
			event: Event{Type: TypeTaskCompleted, Subject: SubjectRef{PersonID: "p1"}},
			field: "payload",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	require.NoError(t, stageChange("d1").Validate())
	require.NoError(t, New(SubjectRef{}, SourceRef{}, InteractionCaptured{Source: "granola", Title: "Kickoff"}).Validate())
}

func TestDecodePayloadRejectsUnknownFields(t *testing.T) {
	_, err := DecodePayload(TypeDealStageChanged, []byte(`{"from":"hot","to":"closed","extra":true}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	p, err := DecodePayload(TypeDealStageChanged, []byte(`{"from":"hot","to":"closed"}`))
	require.NoError(t, err)
	assert.Equal(t, DealStageChanged{From: StageHot, To: StageClosed}, p)

	_, err = DecodePayload("nope", []byte(`{}`))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = DecodePayload(TypeTaskCompleted, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubjectKey(t *testing.T) {
	assert.Equal(t, "person:p1", SubjectRef{PersonID: "p1", DealID: "d1"}.Key())
	assert.Equal(t, "deal:d1", SubjectRef{DealID: "d1"}.Key())
	assert.Equal(t, "", SubjectRef{}.Key())
}

func TestMemoryRepositoryAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	repo := NewMemoryRepository().WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	first, err := repo.Append(ctx, stageChange("d1"))
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, CategoryDeal, first.Category)
	assert.EqualValues(t, 1, first.Seq)

	_, err = repo.Append(ctx, New(SubjectRef{PersonID: "p1"}, SourceRef{}, LeadCreated{Name: "Jo"}))
	require.NoError(t, err)
	_, err = repo.Append(ctx, stageChange("d2"))
	require.NoError(t, err)

	all, err := repo.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Seq, all[i].Seq)
	}

	deals, err := repo.Query(ctx, Filter{Type: TypeDealStageChanged})
	require.NoError(t, err)
	assert.Len(t, deals, 2)

	after, err := repo.Query(ctx, Filter{AfterSeq: 2})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "d2", after[0].Subject.DealID)

	got, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepositoryRefusesInvalidEvents(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.Append(context.Background(), Event{Type: "bogus"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	all, err := repo.Query(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemoryRepositoryStoresCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	at := time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)
	parts := []Participant{{Name: "Ada", Email: "ada@example.com"}}

	ev, err := repo.Append(ctx, New(SubjectRef{}, SourceRef{EntityType: "capture:granola", EntityID: "g-1"}, InteractionCaptured{
		Source:       "granola",
		Title:        "Buyer consult",
		OccurredAt:   &at,
		Participants: parts,
	}))
	require.NoError(t, err)

	parts[0].Name = "Mallory"
	at = at.Add(time.Hour)
	returned := ev.Payload.(InteractionCaptured)
	returned.Participants[0].Name = "Eve"

	got, err := repo.Get(ctx, ev.ID)
	require.NoError(t, err)
	payload := got.Payload.(InteractionCaptured)
	assert.Equal(t, "Ada", payload.Participants[0].Name)
	assert.Equal(t, 15, payload.OccurredAt.Hour())

	// Readers cannot reach the stored copy either.
	payload.Participants[0].Name = "Trudy"
	list, err := repo.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Ada", list[0].Payload.(InteractionCaptured).Participants[0].Name)
}

func TestRecordOutcomeIsInsertOrIgnore(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	ev, err := repo.Append(ctx, stageChange("d1"))
	require.NoError(t, err)

	inserted, err := repo.RecordOutcome(ctx, Outcome{EventID: ev.ID, AgentName: "crm_sync", Status: OutcomeFailed, Error: "boom"})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.RecordOutcome(ctx, Outcome{EventID: ev.ID, AgentName: "crm_sync", Status: OutcomeSucceeded})
	require.NoError(t, err)
	assert.False(t, inserted)

	outcomes, err := repo.Outcomes(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeFailed, outcomes[0].Status)

	_, err = repo.RecordOutcome(ctx, Outcome{EventID: "nope", AgentName: "x", Status: OutcomeSucceeded})
	assert.ErrorIs(t, err, ErrNotFound)
}
