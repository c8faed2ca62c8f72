package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/logging"
)

const staleReservation = 5 * time.Minute

// Publisher is satisfied by *dispatch.Bus.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) (event.Event, error)
}

// KeyChecker is satisfied by *auth.SourceKeys.
type KeyChecker interface {
	Verify(source, key string) error
}

// Service turns captures into interaction.captured events. Captures that
// carry an external id are delivered at most once per source.
type Service struct {
	bus      Publisher
	receipts Receipts
	syncLogs SyncLogs
	keys     KeyChecker
	now      func() time.Time
	log      *zap.Logger
}

func NewService(bus Publisher, receipts Receipts, syncLogs SyncLogs, keys KeyChecker, log *zap.Logger) *Service {
	return &Service{
		bus:      bus,
		receipts: receipts,
		syncLogs: syncLogs,
		keys:     keys,
		now:      time.Now,
		log:      logging.OrNop(log),
	}
}

// Authorize checks the key presented for source.
func (s *Service) Authorize(source, key string) error {
	if s.keys == nil {
		return nil
	}
	return s.keys.Verify(normalizeSource(source), key)
}

// Capture records a single capture.
func (s *Service) Capture(ctx context.Context, req Request) (Result, error) {
	source := normalizeSource(req.Source)
	ev := event.New(event.SubjectRef{}, sourceRef(source, req.ExternalID), event.InteractionCaptured{
		Source:          source,
		Kind:            strings.TrimSpace(req.Type),
		Title:           strings.TrimSpace(req.Title),
		Content:         req.Content,
		Transcript:      req.Transcript,
		OccurredAt:      req.Date.ptr(),
		DurationMinutes: req.Duration,
		Participants:    req.Participants,
		ExternalID:      req.ExternalID,
		ExternalURL:     req.ExternalURL,
	})
	return s.record(ctx, source, req.ExternalID, ev)
}

// Push records a batch from the local sync agent. Item failures are
// reported per item and do not stop the batch.
func (s *Service) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	source := normalizeSource(req.Source)
	if source == "" {
		return PushResponse{}, &event.ValidationError{Field: "source", Reason: "required"}
	}

	resp := PushResponse{
		SyncID:   uuid.NewString(),
		Received: len(req.Items),
		Results:  make([]Result, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		if err := ctx.Err(); err != nil {
			return resp, err
		}
		res, err := s.pushItem(ctx, source, item)
		if err != nil {
			res = Result{ExternalID: item.ExternalID, Status: ItemFailed, Error: err.Error()}
			s.log.Warn("capture item failed",
				zap.String("sync_id", resp.SyncID),
				zap.String("source", source),
				zap.String("external_id", item.ExternalID),
				zap.Error(err),
			)
		}
		res.ID = item.ExternalID
		switch res.Status {
		case ItemCreated:
			resp.Created++
		case ItemSkipped:
			resp.Skipped++
		default:
			resp.Failed++
		}
		resp.Results = append(resp.Results, res)
	}

	resp.Processed = resp.Created + resp.Skipped
	// Items are already recorded, so a lost log line does not fail the push.
	if err := s.syncLogs.Record(context.WithoutCancel(ctx), SyncLog{
		ID:        resp.SyncID,
		Source:    source,
		SyncType:  req.SyncType,
		Received:  resp.Received,
		Processed: resp.Processed,
		Created:   resp.Created,
		Skipped:   resp.Skipped,
		Failed:    resp.Failed,
		Metadata:  req.Metadata,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		s.log.Error("record sync log", zap.String("sync_id", resp.SyncID), zap.Error(err))
	}
	s.log.Info("capture push",
		zap.String("sync_id", resp.SyncID),
		zap.String("source", source),
		zap.String("sync_type", req.SyncType),
		zap.Int("received", resp.Received),
		zap.Int("created", resp.Created),
		zap.Int("skipped", resp.Skipped),
		zap.Int("failed", resp.Failed),
	)
	return resp, nil
}

// SyncLogs lists recent pushes, optionally for one source.
func (s *Service) SyncLogs(ctx context.Context, f SyncLogFilter) ([]SyncLog, error) {
	f.Source = normalizeSource(f.Source)
	return s.syncLogs.List(ctx, f)
}

func (s *Service) pushItem(ctx context.Context, source string, item PushItem) (Result, error) {
	if strings.TrimSpace(item.ExternalID) == "" {
		return Result{}, &event.ValidationError{Field: "externalId", Reason: "required"}
	}

	var subject event.SubjectRef
	participants := item.Participants
	if h := item.PersonHint; h != nil {
		subject.PersonID = h.ID
		if h.Name != "" || h.Email != "" || h.Phone != "" {
			participants = appendHint(participants, *h)
		}
	}

	content := item.Content
	if content == "" {
		content = item.Summary
	}
	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = defaultTitle(item)
	}

	ev := event.New(subject, sourceRef(source, item.ExternalID), event.InteractionCaptured{
		Source:          source,
		Kind:            strings.TrimSpace(item.Type),
		Title:           title,
		Content:         content,
		Transcript:      item.Transcript,
		OccurredAt:      item.Timestamp.ptr(),
		DurationMinutes: item.Duration,
		Participants:    participants,
		ExternalID:      item.ExternalID,
		ExternalURL:     item.ExternalLink,
	})
	return s.record(ctx, source, item.ExternalID, ev)
}

// record publishes ev, deduplicating on (source, externalID) when an
// external id is present.
func (s *Service) record(ctx context.Context, source, externalID string, ev event.Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	if externalID == "" {
		stored, err := s.bus.Publish(ctx, ev)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: ItemCreated, EventID: stored.ID}, nil
	}

	now := s.now().UTC()
	reserved, err := s.receipts.Reserve(ctx, source, externalID, now, now.Add(-staleReservation))
	if err != nil {
		return Result{}, err
	}
	if !reserved {
		return Result{ExternalID: externalID, Status: ItemSkipped}, nil
	}

	stored, err := s.bus.Publish(ctx, ev)
	if err != nil {
		if rerr := s.receipts.Release(context.WithoutCancel(ctx), source, externalID); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return Result{}, err
	}
	if err := s.receipts.Attach(context.WithoutCancel(ctx), source, externalID, stored.ID); err != nil {
		// The event exists; a lost attach only risks a duplicate after the
		// reservation goes stale.
		s.log.Error("attach capture receipt",
			zap.String("event_id", stored.ID),
			zap.String("source", source),
			zap.String("external_id", externalID),
			zap.Error(err),
		)
	}
	return Result{ExternalID: externalID, Status: ItemCreated, EventID: stored.ID}, nil
}

func appendHint(participants []event.Participant, h PersonHint) []event.Participant {
	for _, p := range participants {
		if (h.Email != "" && strings.EqualFold(p.Email, h.Email)) || (h.Phone != "" && p.Phone == h.Phone) {
			return participants
		}
	}
	out := make([]event.Participant, 0, len(participants)+1)
	out = append(out, event.Participant{Name: h.Name, Email: h.Email, Phone: h.Phone})
	return append(out, participants...)
}

func defaultTitle(item PushItem) string {
	kind := strings.TrimSpace(item.Type)
	if kind == "" {
		kind = "interaction"
	}
	if h := item.PersonHint; h != nil && h.Name != "" {
		return fmt.Sprintf("%s with %s", kind, h.Name)
	}
	return kind
}

func sourceRef(source, externalID string) event.SourceRef {
	return event.SourceRef{EntityType: "capture:" + source, EntityID: externalID}
}

func normalizeSource(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
