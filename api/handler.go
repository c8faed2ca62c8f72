package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
	"github.com/NTDesnoyers/memry-OS-sub003/auth"
	"github.com/NTDesnoyers/memry-OS-sub003/capture"
	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/logging"
	"github.com/NTDesnoyers/memry-OS-sub003/signal"
	"github.com/NTDesnoyers/memry-OS-sub003/subscription"
	"github.com/NTDesnoyers/memry-OS-sub003/syncqueue"
)

// Publisher is satisfied by *dispatch.Bus.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) (event.Event, error)
}

// EventReader is satisfied by the event repositories.
type EventReader interface {
	Get(ctx context.Context, id string) (event.Event, error)
	Query(ctx context.Context, f event.Filter) ([]event.Event, error)
	Outcomes(ctx context.Context, eventID string) ([]event.Outcome, error)
}

// Deps are the services the HTTP surface fronts. Auth may be nil, in which
// case every route is open and approvers are taken from request bodies.
type Deps struct {
	Bus           Publisher
	Events        EventReader
	Gate          *action.Gate
	Queue         *syncqueue.Queue
	Signals       *signal.Deduplicator
	Subscriptions *subscription.Registry
	Capture       *capture.Service
	Auth          auth.Verifier
}

type Handler struct {
	deps Deps
	echo *echo.Echo
	log  *zap.Logger
}

func NewHandler(deps Deps, log *zap.Logger) *Handler {
	h := &Handler{deps: deps, echo: echo.New(), log: logging.OrNop(log)}
	h.echo.HideBanner = true
	h.echo.HidePort = true
	h.echo.JSONSerializer = sonicSerializer{}
	h.echo.HTTPErrorHandler = h.errorHandler
	h.echo.Use(middleware.Recover())
	h.echo.Use(middleware.RequestID())
	h.echo.Use(h.requestLogger())

	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.echo.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	viewer := h.guard(auth.RoleViewer)
	approver := h.guard(auth.RoleApprover)
	admin := h.guard(auth.RoleAdmin)

	h.echo.GET("/health", h.healthCheck)

	h.echo.POST("/events", h.publishEvent, admin...)
	h.echo.GET("/events", h.listEvents, viewer...)
	h.echo.GET("/events/:id", h.getEvent, viewer...)

	h.echo.GET("/actions", h.listActions, viewer...)
	h.echo.GET("/actions/:id", h.getAction, viewer...)
	h.echo.POST("/actions/:id/approve", h.approveAction, approver...)
	h.echo.POST("/actions/:id/reject", h.rejectAction, approver...)
	h.echo.POST("/actions/:id/repropose", h.reproposeAction, approver...)

	h.echo.GET("/sync-queue", h.listSyncItems, viewer...)
	h.echo.POST("/sync-queue/:id/retry", h.retrySyncItem, admin...)

	h.echo.GET("/integrations", h.listIntegrations, viewer...)
	h.echo.POST("/integrations/:id/enable", h.setIntegration(true), admin...)
	h.echo.POST("/integrations/:id/disable", h.setIntegration(false), admin...)

	h.echo.GET("/signals", h.listSignals, viewer...)
	h.echo.GET("/signals/:id", h.getSignal, viewer...)
	h.echo.POST("/signals/:id/resolve", h.resolveSignal, approver...)
	h.echo.POST("/signals/:id/skip", h.skipSignal, approver...)

	h.echo.GET("/subscriptions", h.listSubscriptions, viewer...)
	h.echo.PATCH("/subscriptions/:agent/:type", h.setSubscriptionActive, admin...)

	h.echo.GET("/sync/logs", h.listSyncLogs, viewer...)

	// Capture tools authenticate with a per-source key instead of a token.
	h.echo.POST("/capture", h.capture)
	h.echo.POST("/sync/push", h.syncPush)
}

func (h *Handler) guard(role auth.Role) []echo.MiddlewareFunc {
	if h.deps.Auth == nil {
		return nil
	}
	return []echo.MiddlewareFunc{auth.Require(h.deps.Auth, role)}
}

func (h *Handler) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.log.Info("request",
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			)
			return nil
		},
	})
}

func (h *Handler) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// decider returns who is deciding: the token identity when auth is on,
// otherwise the name supplied in the body.
func decider(c echo.Context, fromBody string) string {
	if id, ok := auth.IdentityFrom(c); ok {
		return id.Approver()
	}
	return fromBody
}
