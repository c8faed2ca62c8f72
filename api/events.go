package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
)

func (h *Handler) publishEvent(c echo.Context) error {
	var req PublishEventRequest
	if err := decode(c, &req); err != nil {
		return h.fail(c, err)
	}

	source, err := req.sourceEntity()
	if err != nil {
		return h.fail(c, err)
	}
	t := event.Type(req.Type)
	payload, err := event.DecodePayload(t, req.Payload)
	if err != nil {
		return h.fail(c, err)
	}
	ev := event.New(
		event.SubjectRef{PersonID: req.SubjectPersonID, DealID: req.SubjectDealID},
		event.SourceRef{EntityType: source, EntityID: req.SourceEntityID},
		payload,
	)
	if req.Category != "" {
		ev.Category = event.Category(req.Category)
	}
	stored, err := h.deps.Bus.Publish(c.Request().Context(), ev)
	if err != nil {
		return h.fail(c, err)
	}

	h.log.Info("event accepted",
		zap.String("event_id", stored.ID),
		zap.String("event_type", string(stored.Type)),
	)
	return c.JSON(http.StatusCreated, PublishEventResponse{EventID: stored.ID, Seq: stored.Seq})
}

func (h *Handler) listEvents(c echo.Context) error {
	f := event.Filter{
		Type:     event.Type(c.QueryParam("type")),
		PersonID: c.QueryParam("personId"),
		DealID:   c.QueryParam("dealId"),
	}
	if f.Type != "" && !f.Type.Known() {
		return h.fail(c, badRequest("unknown event type %q", f.Type))
	}
	var err error
	if f.AfterSeq, err = int64Param(c, "afterSeq"); err != nil {
		return h.fail(c, err)
	}
	if f.Limit, err = limitParam(c); err != nil {
		return h.fail(c, err)
	}
	if raw := c.QueryParam("since"); raw != "" {
		if f.Since, err = time.Parse(time.RFC3339, raw); err != nil {
			return h.fail(c, badRequest("since must be RFC 3339"))
		}
	}

	events, err := h.deps.Events.Query(c.Request().Context(), f)
	if err != nil {
		return h.fail(c, err)
	}
	out := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		resp, err := toEventResponse(ev)
		if err != nil {
			return h.fail(c, err)
		}
		out = append(out, resp)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) getEvent(c echo.Context) error {
	ctx := c.Request().Context()
	ev, err := h.deps.Events.Get(ctx, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	resp, err := toEventResponse(ev)
	if err != nil {
		return h.fail(c, err)
	}
	outcomes, err := h.deps.Events.Outcomes(ctx, ev.ID)
	if err != nil {
		return h.fail(c, err)
	}
	for _, o := range outcomes {
		resp.Outcomes = append(resp.Outcomes, OutcomeResponse{
			AgentName:  o.AgentName,
			Status:     string(o.Status),
			Error:      o.Error,
			RecordedAt: o.RecordedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func int64Param(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, badRequest("%s must be a non-negative integer", name)
	}
	return v, nil
}

func limitParam(c echo.Context) (int, error) {
	v, err := int64Param(c, "limit")
	return int(v), err
}
