package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/NTDesnoyers/memry-OS-sub003/capture"
)

// HeaderCaptureKey carries the per-source API key on capture requests.
const HeaderCaptureKey = "X-Capture-Key"

func (h *Handler) capture(c echo.Context) error {
	req, err := capture.DecodeRequest(c.Request().Body)
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.deps.Capture.Authorize(req.Source, c.Request().Header.Get(HeaderCaptureKey)); err != nil {
		return h.fail(c, err)
	}
	res, err := h.deps.Capture.Capture(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	status := http.StatusCreated
	if res.Status == capture.ItemSkipped {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

func (h *Handler) syncPush(c echo.Context) error {
	req, err := capture.DecodePush(c.Request().Body)
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.deps.Capture.Authorize(req.Source, c.Request().Header.Get(HeaderCaptureKey)); err != nil {
		return h.fail(c, err)
	}
	resp, err := h.deps.Capture.Push(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) listSyncLogs(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return h.fail(c, err)
	}
	logs, err := h.deps.Capture.SyncLogs(c.Request().Context(), capture.SyncLogFilter{
		Source: c.QueryParam("source"),
		Limit:  limit,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, logs)
}
