package capture

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/NTDesnoyers/memry-OS-sub003/db"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// SyncLog is the record of one batch push.
type SyncLog struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	SyncType  string         `json:"syncType,omitempty"`
	Received  int            `json:"received"`
	Processed int            `json:"processed"`
	Created   int            `json:"created"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type SyncLogFilter struct {
	Source string
	Limit  int
}

func (f SyncLogFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultLogLimit
	case f.Limit > maxLogLimit:
		return maxLogLimit
	}
	return f.Limit
}

// SyncLogs stores push summaries, newest first on read.
type SyncLogs interface {
	Record(ctx context.Context, l SyncLog) error
	List(ctx context.Context, f SyncLogFilter) ([]SyncLog, error)
}

type PGSyncLogs struct {
	db db.Querier
}

func NewPGSyncLogs(q db.Querier) *PGSyncLogs {
	return &PGSyncLogs{db: q}
}

func (r *PGSyncLogs) Record(ctx context.Context, l SyncLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	meta := l.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := sonic.ConfigStd.Marshal(meta)
	if err != nil {
		return fmt.Errorf("capture: marshal sync metadata: %w", err)
	}
	if _, err := r.db.Exec(ctx, `
INSERT INTO capture_sync_logs (id, source, sync_type, received, processed, created, skipped, failed, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)`,
		l.ID, l.Source, l.SyncType, l.Received, l.Processed, l.Created, l.Skipped, l.Failed, metaJSON, l.CreatedAt,
	); err != nil {
		return fmt.Errorf("capture: insert sync log: %w", err)
	}
	return nil
}

func (r *PGSyncLogs) List(ctx context.Context, f SyncLogFilter) ([]SyncLog, error) {
	rows, err := r.db.Query(ctx, `
SELECT id::text, source, sync_type, received, processed, created, skipped, failed, metadata, created_at
FROM capture_sync_logs
WHERE $1 = '' OR source = $1
ORDER BY created_at DESC, id
LIMIT $2`, f.Source, f.limit())
	if err != nil {
		return nil, fmt.Errorf("capture: list sync logs: %w", err)
	}
	defer rows.Close()

	out := []SyncLog{}
	for rows.Next() {
		var (
			l    SyncLog
			meta []byte
		)
		if err := rows.Scan(&l.ID, &l.Source, &l.SyncType, &l.Received, &l.Processed, &l.Created,
			&l.Skipped, &l.Failed, &meta, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("capture: scan sync log: %w", err)
		}
		if len(meta) > 0 {
			if err := sonic.ConfigStd.Unmarshal(meta, &l.Metadata); err != nil {
				return nil, fmt.Errorf("capture: decode sync metadata: %w", err)
			}
		}
		if len(l.Metadata) == 0 {
			l.Metadata = nil
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type MemorySyncLogs struct {
	mu   sync.Mutex
	logs []SyncLog
}

func NewMemorySyncLogs() *MemorySyncLogs {
	return &MemorySyncLogs{}
}

func (r *MemorySyncLogs) Record(_ context.Context, l SyncLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	r.logs = append(r.logs, l)
	return nil
}

func (r *MemorySyncLogs) List(_ context.Context, f SyncLogFilter) ([]SyncLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []SyncLog{}
	for i := len(r.logs) - 1; i >= 0; i-- {
		if f.Source == "" || r.logs[i].Source == f.Source {
			out = append(out, r.logs[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := f.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
