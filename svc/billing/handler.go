// Package billing exposes the billing engine over HTTP and provides its
// PostgreSQL and Redis backed stores.
//
// Routes are relative to the mount point, normally /billing:
//
//	POST /webhook                          processor notifications (signature)
//	POST /sweep                            scheduled reconciliation (Bearer sweep secret)
//	POST /sync                             manual sync of the caller's record
//	POST /admin/sync/{subscriberID}        manual sync of any record (admin)
//	POST /checkout                         start a checkout session
//	GET  /usage/{subscriberID}             usage status (own record or admin)
//	POST /usage/increment                  record a completed action (own record or admin)
//	POST /admin/usage/{subscriberID}/reset start a fresh usage period (admin)
//	GET  /access                           access decision for the caller
//	GET  /trial                            trial eligibility for the caller
//	GET  /entitlements/{feature}           feature boundary check for the caller
package billing

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dmitrymomot/reviewradar/binder"
	"github.com/dmitrymomot/reviewradar/handler"
	engine "github.com/dmitrymomot/reviewradar/pkg/billing"
	"github.com/dmitrymomot/reviewradar/pkg/jwt"
	"github.com/dmitrymomot/reviewradar/pkg/logger"
	"github.com/dmitrymomot/reviewradar/pkg/ratelimit"
)

var (
	errInvalidWebhook  = handler.NewHTTPError(http.StatusBadRequest, "invalid_webhook").WithMessage("webhook could not be verified")
	errPayloadTooLarge = handler.NewHTTPError(http.StatusRequestEntityTooLarge, "payload_too_large")
)

// Deps are the engine components served by Handler.
// SyncLimiter is optional.
type Deps struct {
	Reconciler   *engine.Reconciler
	Webhooks     *engine.Webhooks
	Provisioner  *engine.Provisioner
	Usage        *engine.UsageCounter
	Trials       *engine.TrialEvaluator
	Entitlements *engine.Entitlements
	Principals   PrincipalResolver
	SyncLimiter  *ratelimit.Limiter
}

// Handler serves the billing HTTP API.
type Handler struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	onError  handler.ErrorHandler[handler.Context]
	validate *validator.Validate
}

// HandlerOption configures Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger used for request errors and usage failures.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, deps Deps, opts ...HandlerOption) *Handler {
	switch {
	case deps.Reconciler == nil:
		panic("billing: Reconciler is required")
	case deps.Webhooks == nil:
		panic("billing: Webhooks is required")
	case deps.Provisioner == nil:
		panic("billing: Provisioner is required")
	case deps.Usage == nil:
		panic("billing: UsageCounter is required")
	case deps.Trials == nil:
		panic("billing: TrialEvaluator is required")
	case deps.Entitlements == nil:
		panic("billing: Entitlements is required")
	case deps.Principals == nil:
		panic("billing: PrincipalResolver is required")
	}

	h := &Handler{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.Discard(),
		validate: handler.NewValidator(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(logger.Component("billing_http"))
	h.onError = handler.NewErrorHandler(h.logger)
	return h
}

// Routes returns the billing router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/webhook", wrap(h, h.handleWebhook))
	r.Post("/sweep", wrap(h, h.handleSweep))

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(h.deps.Principals, h.onError))

		syncRoutes := r.With()
		if h.deps.SyncLimiter != nil {
			syncRoutes = r.With(ratelimit.Middleware(h.deps.SyncLimiter, principalRateKey,
				ratelimit.WithLogger(h.logger),
				ratelimit.WithLimitedHandler(func(w http.ResponseWriter, r *http.Request) {
					h.onError(handler.NewContext(w, r), ErrSyncRateLimited)
				}),
			))
		}
		syncRoutes.Post("/sync", wrap(h, h.handleSync))

		r.Post("/admin/sync/{subscriberID}", wrap(h, h.handleAdminSync))
		r.Post("/checkout", wrap(h, h.handleCheckout,
			handler.WithBinders[handler.Context, checkoutRequest](binder.BindJSON()),
			handler.WithValidator[handler.Context, checkoutRequest](h.validate),
		))
		r.Get("/usage/{subscriberID}", wrap(h, h.handleUsage))
		r.Post("/usage/increment", wrap(h, h.handleIncrement,
			handler.WithBinders[handler.Context, incrementRequest](binder.BindJSON()),
			handler.WithValidator[handler.Context, incrementRequest](h.validate),
		))
		r.Post("/admin/usage/{subscriberID}/reset", wrap(h, h.handleResetUsage,
			handler.WithBinders[handler.Context, resetUsageRequest](binder.BindJSON()),
			handler.WithValidator[handler.Context, resetUsageRequest](h.validate),
		))
		r.Get("/access", wrap(h, h.handleAccess))
		r.Get("/entitlements/{feature}", wrap(h, h.handleEntitlement))
		r.Get("/trial", wrap(h, h.handleTrial))
	})

	return r
}

func wrap[R any](h *Handler, fn handler.HandlerFunc[handler.Context, R], opts ...handler.WrapOption[handler.Context, R]) http.HandlerFunc {
	opts = append(opts, handler.WithErrorHandler[handler.Context, R](h.onError))
	return handler.Wrap(fn, opts...)
}

// failure is a Response that hands err to the error handler.
type failure struct{ err error }

func (f failure) Render(http.ResponseWriter, *http.Request) error { return f.err }

func fail(err error) handler.Response {
	return failure{err: toHTTPError(err)}
}

func principal(ctx context.Context) (Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return Principal{}, handler.ErrUnauthorized
	}
	return p, nil
}

func subscriberParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "subscriberID"))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidSubscriberID
	}
	return id, nil
}

func (h *Handler) handleWebhook(ctx handler.Context, _ struct{}) handler.Response {
	r := ctx.Request()
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.ResponseWriter(), r.Body, h.cfg.WebhookMaxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fail(errors.Join(errPayloadTooLarge, err))
		}
		return fail(errors.Join(handler.ErrBadRequest, err))
	}

	res, err := h.deps.Webhooks.Handle(ctx, payload, r.Header.Get(h.cfg.SignatureHeader()))
	if err != nil {
		if res != nil && res.Result == engine.WebhookRejected {
			return fail(errors.Join(errInvalidWebhook, err))
		}
		// Any non-2xx makes the processor redeliver.
		return fail(err)
	}
	return handler.JSON(res)
}

func (h *Handler) handleSweep(ctx handler.Context, _ struct{}) handler.Response {
	token, err := jwt.BearerToken(ctx.Request())
	if err != nil || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.SweepSecret)) != 1 {
		return fail(ErrInvalidSweepSecret)
	}

	sweepCtx, cancel := context.WithTimeout(ctx, h.cfg.SweepTimeout)
	defer cancel()

	report, err := h.deps.Reconciler.Sweep(sweepCtx)
	if err != nil {
		return fail(err)
	}
	return handler.JSON(report)
}

func (h *Handler) handleSync(ctx handler.Context, _ struct{}) handler.Response {
	p, err := principal(ctx)
	if err != nil {
		return fail(err)
	}
	res, err := h.deps.Reconciler.SyncSubscriber(ctx, engine.SyncRequest{SubscriberID: p.SubscriberID, Email: p.Email})
	if err != nil {
		return fail(err)
	}
	return handler.JSON(res)
}

func (h *Handler) handleAdminSync(ctx handler.Context, _ struct{}) handler.Response {
	p, err := principal(ctx)
	if err != nil {
		return fail(err)
	}
	if !p.IsAdmin {
		return fail(ErrAdminRequired)
	}
	id, err := subscriberParam(ctx.Request())
	if err != nil {
		return fail(err)
	}

	res, err := h.deps.Reconciler.SyncSubscriber(ctx, engine.SyncRequest{SubscriberID: id})
	if err != nil {
		return fail(err)
	}
	h.logger.InfoContext(ctx, "admin sync",
		slog.String("admin_id", p.SubscriberID.String()),
		logger.SubscriberID(id),
		slog.String("outcome", res.Outcome))
	return handler.JSON(res)
}

type checkoutRequest struct {
	PlanID          string `json:"planId" validate:"required"`
	BillingInterval string `json:"billingInterval" validate:"required,oneof=month year"`
}

func (h *Handler) handleCheckout(ctx handler.Context, req checkoutRequest) handler.Response {
	p, err := principal(ctx)
	if err != nil {
		return fail(err)
	}
	res, err := h.deps.Provisioner.Checkout(ctx, engine.CheckoutInput{
		SubscriberID: p.SubscriberID,
		Email:        p.Email,
		PlanID:       req.PlanID,
		Interval:     engine.BillingInterval(req.BillingInterval),
		SuccessURL:   h.cfg.CheckoutSuccessURL,
		CancelURL:    h.cfg.CheckoutCancelURL,
	})
	if err != nil {
		return fail(err)
	}
	return handler.JSON(res)
}

func (h *Handler) handleUsage(ctx handler.Context, _ struct{}) handler.Response {
	p, err := principal(ctx)
	if err != nil {
		return fail(err)
	}
	id, err := subscriberParam(ctx.Request())
	if err != nil {
		return fail(err)
	}
	if !p.CanAccess(id) {
		return fail(ErrSubscriberForbidden)
	}

	status, err := h.deps.Usage.Check(ctx, id)
	if err != nil {
		return fail(err)
	}
	return handler.JSON(status)
}

type incrementRequest struct {
	SubscriberID string `json:"subscriberId" validate:"required,uuid"`
	ActionType   string `json:"actionType" validate:"required,oneof=review_analysis competitor_scan report_export"`
}

type incrementResponse struct {
	Success bool `json:"success"`
}

// handleIncrement bumps the counter. Failures past validation and
// authorization are logged and reported as success=false; the usage check
// corrects a lost increment from the action journal written by the pipeline.
func (h *Handler) handleIncrement(ctx handler.Context, req incrementRequest) handler.Response {
	p, err := principal(ctx)
	if err != nil {
		return fail(err)
	}
	id := uuid.MustParse(req.SubscriberID)
	if !p.CanAccess(id) {
		return fail(ErrSubscriberForbidden)
	}
	action := engine.ActionType(req.ActionType)

	if _, err := h.deps.Usage.Increment(ctx, id, action); err != nil {
		if errors.Is(err, engine.ErrInvalidActionType) {
			return fail(err)
		}
		h.logger.WarnContext(ctx, "usage increment failed",
			logger.SubscriberID(id), slog.String("action", req.ActionType), logger.Error(err))
		return handler.JSON(incrementResponse{Success: false})
	}
	return handler.JSON(incrementResponse{Success: true})
}

type resetUsageRequest struct {
	Period string `json:"period" validate:"required,max=32"`
}

type resetUsageResponse struct {
	Reset bool `json:"reset"`
}

func (h *Handler) handleResetUsage(ctx handler.Context, req resetUsageRequest) handler.Response {
	p, err := principal(ctx)
	if err != nil {
		return fail(err)
	}
	if !p.IsAdmin {
		return fail(ErrAdminRequired)
	}
	id, err := subscriberParam(ctx.Request())
	if err != nil {
		return fail(err)
	}

	reset, err := h.deps.Usage.ResetPeriod(ctx, id, req.Period)
	if err != nil {
		return fail(err)
	}
	h.logger.InfoContext(ctx, "admin usage reset",
		slog.String("admin_id", p.SubscriberID.String()),
		logger.SubscriberID(id),
		slog.String("period", req.Period),
		slog.Bool("reset", reset))
	return handler.JSON(resetUsageResponse{Reset: reset})
}

type entitlementResponse struct {
	engine.Entitlement
	Allowed bool `json:"allowed"`
}

func (h *Handler) handleEntitlement(ctx handler.Context, _ struct{}) handler.Response {
	p, err := principal(ctx)
	if err != nil {
		return fail(err)
	}
	ent, err := h.deps.Entitlements.Check(ctx, p.SubscriberID, engine.Feature(chi.URLParam(ctx.Request(), "feature")))
	if err != nil {
		return fail(err)
	}
	return handler.JSON(entitlementResponse{Entitlement: ent, Allowed: ent.Allowed()})
}

func (h *Handler) handleAccess(ctx handler.Context, _ struct{}) handler.Response {
	p, err := principal(ctx)
	if err != nil {
		return fail(err)
	}
	return handler.JSON(h.deps.Entitlements.Access(ctx, p.SubscriberID))
}

func (h *Handler) handleTrial(ctx handler.Context, _ struct{}) handler.Response {
	p, err := principal(ctx)
	if err != nil {
		return fail(err)
	}
	elig, err := h.deps.Trials.Evaluate(ctx, p.SubscriberID)
	if err != nil {
		return fail(err)
	}
	return handler.JSON(elig)
}
