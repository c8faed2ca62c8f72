package effect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NTDesnoyers/memry-OS-sub003/db"
)

// Message is one row of the transactional outbox. The mail and CRUD services
// consume the table; this package only writes to it.
type Message struct {
	ID        string
	Topic     string
	DedupeKey string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Outbox stores messages at most once per dedupe key.
type Outbox interface {
	Put(ctx context.Context, m Message) (Message, bool, error)
}

type PGOutbox struct {
	db db.Querier
}

func NewPGOutbox(q db.Querier) *PGOutbox {
	return &PGOutbox{db: q}
}

// Put inserts m unless a message with the same dedupe key exists, in which
// case the stored message is returned and inserted is false.
func (o *PGOutbox) Put(ctx context.Context, m Message) (Message, bool, error) {
	if m.DedupeKey == "" {
		return Message{}, false, fmt.Errorf("effect: outbox message needs a dedupe key")
	}
	tag, err := o.db.Exec(ctx, `
INSERT INTO outbox (topic, dedupe_key, payload)
VALUES ($1, $2, $3::jsonb)
ON CONFLICT (dedupe_key) DO NOTHING`, m.Topic, m.DedupeKey, []byte(m.Payload))
	if err != nil {
		return Message{}, false, fmt.Errorf("effect: insert outbox: %w", err)
	}

	var stored Message
	var payload []byte
	if err := o.db.QueryRow(ctx, `
SELECT id::text, topic, dedupe_key, payload, created_at
FROM outbox WHERE dedupe_key = $1`, m.DedupeKey,
	).Scan(&stored.ID, &stored.Topic, &stored.DedupeKey, &payload, &stored.CreatedAt); err != nil {
		return Message{}, false, fmt.Errorf("effect: load outbox message: %w", err)
	}
	stored.Payload = json.RawMessage(payload)
	return stored, tag.RowsAffected() == 1, nil
}

type MemoryOutbox struct {
	mu       sync.Mutex
	messages map[string]Message
	now      func() time.Time
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{messages: make(map[string]Message), now: time.Now}
}

func (o *MemoryOutbox) Put(_ context.Context, m Message) (Message, bool, error) {
	if m.DedupeKey == "" {
		return Message{}, false, fmt.Errorf("effect: outbox message needs a dedupe key")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.messages[m.DedupeKey]; ok {
		return existing, false, nil
	}
	m.ID = uuid.NewString()
	m.CreatedAt = o.now().UTC()
	o.messages[m.DedupeKey] = m
	return m, true, nil
}

// Messages returns every stored message ordered by creation.
func (o *MemoryOutbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, 0, len(o.messages))
	for _, m := range o.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
