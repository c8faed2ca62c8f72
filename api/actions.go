package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
)

func (h *Handler) listActions(c echo.Context) error {
	status := action.Status(c.QueryParam("status"))
	if status == "" {
		status = action.StatusProposed
	}
	if !status.Known() {
		return h.fail(c, badRequest("unknown status %q", status))
	}
	limit, err := limitParam(c)
	if err != nil {
		return h.fail(c, err)
	}

	proposals, err := h.deps.Gate.List(c.Request().Context(), status, limit)
	if err != nil {
		return h.fail(c, err)
	}
	out := make([]ProposalResponse, 0, len(proposals))
	for _, p := range proposals {
		resp, err := toProposalResponse(p)
		if err != nil {
			return h.fail(c, err)
		}
		out = append(out, resp)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) getAction(c echo.Context) error {
	p, err := h.deps.Gate.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return h.proposal(c, http.StatusOK, p)
}

func (h *Handler) approveAction(c echo.Context) error {
	var req ApproveRequest
	if err := decodeOptional(c, &req); err != nil {
		return h.fail(c, err)
	}
	approver := strings.TrimSpace(decider(c, req.Approver))
	if approver == "" {
		return h.fail(c, badRequest("approver is required"))
	}
	p, err := h.deps.Gate.Approve(c.Request().Context(), c.Param("id"), approver)
	if err != nil {
		return h.fail(c, err)
	}
	return h.proposal(c, http.StatusOK, p)
}

func (h *Handler) rejectAction(c echo.Context) error {
	var req RejectRequest
	if err := decodeOptional(c, &req); err != nil {
		return h.fail(c, err)
	}
	p, err := h.deps.Gate.Reject(c.Request().Context(), c.Param("id"), strings.TrimSpace(req.Reason), decider(c, req.By))
	if err != nil {
		return h.fail(c, err)
	}
	return h.proposal(c, http.StatusOK, p)
}

func (h *Handler) reproposeAction(c echo.Context) error {
	var req ReproposeRequest
	if err := decodeOptional(c, &req); err != nil {
		return h.fail(c, err)
	}
	p, err := h.deps.Gate.Repropose(c.Request().Context(), c.Param("id"), decider(c, req.By))
	if err != nil {
		return h.fail(c, err)
	}
	return h.proposal(c, http.StatusCreated, p)
}

func (h *Handler) proposal(c echo.Context, status int, p action.Proposal) error {
	resp, err := toProposalResponse(p)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(status, resp)
}
