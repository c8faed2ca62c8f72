package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/NTDesnoyers/memry-OS-sub003/signal"
)

func (h *Handler) listSignals(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return h.fail(c, err)
	}
	status := signal.Status(c.QueryParam("status"))
	if status == "" && c.QueryParam("subject") == "" {
		status = signal.StatusOpen
	}
	if status != "" && !status.Known() {
		return h.fail(c, badRequest("unknown status %q", status))
	}
	signals, err := h.deps.Signals.List(c.Request().Context(), signal.Filter{
		SubjectID: c.QueryParam("subject"),
		Status:    status,
		Limit:     limit,
	})
	if err != nil {
		return h.fail(c, err)
	}
	out := make([]SignalResponse, 0, len(signals))
	for _, s := range signals {
		out = append(out, toSignalResponse(s))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) getSignal(c echo.Context) error {
	s, err := h.deps.Signals.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, toSignalResponse(s))
}

func (h *Handler) resolveSignal(c echo.Context) error {
	var req SignalNoteRequest
	if err := decodeOptional(c, &req); err != nil {
		return h.fail(c, err)
	}
	s, err := h.deps.Signals.Resolve(c.Request().Context(), c.Param("id"), req.Note)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, toSignalResponse(s))
}

func (h *Handler) skipSignal(c echo.Context) error {
	var req SignalNoteRequest
	if err := decodeOptional(c, &req); err != nil {
		return h.fail(c, err)
	}
	reason := req.Reason
	if reason == "" {
		reason = req.Note
	}
	s, err := h.deps.Signals.Skip(c.Request().Context(), c.Param("id"), reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, toSignalResponse(s))
}
