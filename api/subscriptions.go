package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
)

func (h *Handler) listSubscriptions(c echo.Context) error {
	subs, err := h.deps.Subscriptions.List(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	out := make([]SubscriptionResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, toSubscriptionResponse(s))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) setSubscriptionActive(c echo.Context) error {
	var req SetActiveRequest
	if err := decode(c, &req); err != nil {
		return h.fail(c, err)
	}
	if req.IsActive == nil {
		return h.fail(c, badRequest("isActive is required"))
	}
	s, err := h.deps.Subscriptions.SetActive(c.Request().Context(), c.Param("agent"), event.Type(c.Param("type")), *req.IsActive)
	if err != nil {
		return h.fail(c, err)
	}
	h.log.Info("subscription toggled",
		zap.String("agent", s.AgentName),
		zap.String("event_type", string(s.EventType)),
		zap.Bool("active", s.IsActive),
	)
	return c.JSON(http.StatusOK, toSubscriptionResponse(s))
}
