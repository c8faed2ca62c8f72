package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/syncqueue"
)

func (h *Handler) listSyncItems(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return h.fail(c, err)
	}
	items, err := h.deps.Queue.List(c.Request().Context(), syncqueue.Filter{
		Status:        syncqueue.Status(c.QueryParam("status")),
		IntegrationID: c.QueryParam("integration"),
		Limit:         limit,
	})
	if err != nil {
		return h.fail(c, err)
	}
	out := make([]SyncItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, toSyncItemResponse(it))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) retrySyncItem(c echo.Context) error {
	it, err := h.deps.Queue.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, toSyncItemResponse(it))
}

func (h *Handler) listIntegrations(c echo.Context) error {
	list := h.deps.Queue.Integrations().List()
	out := make([]IntegrationResponse, 0, len(list))
	for _, in := range list {
		out = append(out, toIntegrationResponse(in))
	}
	return c.JSON(http.StatusOK, out)
}

// setIntegration toggles delivery for an integration. Disabling stops new
// claims; deliveries already in flight finish.
func (h *Handler) setIntegration(enabled bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		in, err := h.deps.Queue.Integrations().SetEnabled(c.Param("id"), enabled)
		if err != nil {
			return h.fail(c, err)
		}
		h.log.Info("integration toggled", zap.String("integration_id", in.ID), zap.Bool("enabled", in.Enabled))
		return c.JSON(http.StatusOK, toIntegrationResponse(in))
	}
}
