package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NTDesnoyers/memry-OS-sub003/db/dbtest"
)

func TestRepository_Integration(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	repo := NewRepository(pool)

	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	logged, err := repo.Append(ctx, New(SubjectRef{PersonID: "p-1"}, SourceRef{EntityType: "interaction", EntityID: "i-1"},
		ConversationLogged{Channel: "call", Summary: "talked about moving", OccurredAt: at, Ford: FordNotes{Family: "two kids"}}))
	require.NoError(t, err)
	assert.NotZero(t, logged.Seq)

	moved, err := repo.Append(ctx, stageChange("d-9"))
	require.NoError(t, err)
	assert.Greater(t, moved.Seq, logged.Seq)

	got, err := repo.Get(ctx, logged.ID)
	require.NoError(t, err)
	payload, ok := got.Payload.(ConversationLogged)
	require.True(t, ok)
	assert.Equal(t, "two kids", payload.Ford.Family)
	assert.True(t, payload.OccurredAt.Equal(at))

	byPerson, err := repo.Query(ctx, Filter{PersonID: "p-1"})
	require.NoError(t, err)
	require.Len(t, byPerson, 1)
	assert.Equal(t, logged.ID, byPerson[0].ID)

	_, err = pool.Exec(ctx, `UPDATE events SET type = 'lead.created' WHERE id = $1`, logged.ID)
	require.Error(t, err, "events must be append-only")
	_, err = pool.Exec(ctx, `DELETE FROM events WHERE id = $1`, logged.ID)
	require.Error(t, err, "events must be append-only")

	inserted, err := repo.RecordOutcome(ctx, Outcome{EventID: moved.ID, AgentName: "deal_coach", Status: OutcomeSucceeded})
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = repo.RecordOutcome(ctx, Outcome{EventID: moved.ID, AgentName: "deal_coach", Status: OutcomeFailed})
	require.NoError(t, err)
	assert.False(t, inserted)

	outcomes, err := repo.Outcomes(ctx, moved.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeSucceeded, outcomes[0].Status)

	_, err = repo.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
}
