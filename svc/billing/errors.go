package billing

import (
	"errors"
	"net/http"

	"github.com/dmitrymomot/reviewradar/handler"
	engine "github.com/dmitrymomot/reviewradar/pkg/billing"
)

var (
	ErrInvalidSubscriberID = handler.NewHTTPError(http.StatusBadRequest, "invalid_subscriber_id").WithMessage("subscriber ID must be a valid UUID")
	ErrSubscriberForbidden = handler.NewHTTPError(http.StatusForbidden, "forbidden").WithMessage("not allowed to act on this subscriber")
	ErrAdminRequired       = handler.NewHTTPError(http.StatusForbidden, "admin_required").WithMessage("administrator privileges are required")
	ErrInvalidSweepSecret  = handler.NewHTTPError(http.StatusUnauthorized, "unauthorized").WithMessage("invalid sweep credentials")
	ErrSyncRateLimited     = handler.NewHTTPError(http.StatusTooManyRequests, "rate_limited").WithMessage("too many sync requests, try again later")
)

// errorMapping translates engine errors to client-facing HTTP errors.
// Order matters: more specific errors come first.
var errorMapping = []struct {
	err  error
	http handler.HTTPError
}{
	{engine.ErrWebhookVerificationFailed, handler.NewHTTPError(http.StatusBadRequest, "invalid_signature").WithMessage("webhook signature verification failed")},
	{engine.ErrMissingSubscriber, handler.NewHTTPError(http.StatusBadRequest, "missing_subscriber")},
	{engine.ErrPlanNotFound, handler.NewHTTPError(http.StatusNotFound, "plan_not_found").WithMessage("billing plan not found")},
	{engine.ErrIntervalNotOffered, handler.NewHTTPError(http.StatusUnprocessableEntity, "interval_not_offered").WithMessage("billing interval is not offered for this plan")},
	{engine.ErrMissingEmail, handler.NewHTTPError(http.StatusUnprocessableEntity, "billing_email_required").WithMessage("a billing email is required")},
	{engine.ErrInvalidActionType, handler.NewHTTPError(http.StatusUnprocessableEntity, "invalid_action_type").WithMessage("unknown usage action type")},
	{engine.ErrNothingToReconcile, handler.NewHTTPError(http.StatusNotFound, "subscription_not_found").WithMessage("no subscription found to synchronize")},
	{engine.ErrRecordNotFound, handler.NewHTTPError(http.StatusNotFound, "subscription_not_found").WithMessage("subscription record not found")},
	{engine.ErrWriteConflict, handler.NewHTTPError(http.StatusConflict, "write_conflict").WithMessage("subscription changed concurrently, retry")},
	{engine.ErrProcessorTransient, handler.ErrServiceUnavailable.WithMessage("billing provider is temporarily unavailable")},
	{engine.ErrUsageCountFailed, handler.ErrServiceUnavailable.WithMessage("usage is temporarily unavailable")},
	{engine.ErrProvisioningFailed, handler.NewHTTPError(http.StatusBadGateway, "provisioning_failed").WithMessage("could not start checkout")},
	{engine.ErrReconciliationFailed, handler.NewHTTPError(http.StatusBadGateway, "reconciliation_failed").WithMessage("could not synchronize subscription")},
}

// toHTTPError attaches the HTTP error matching err, keeping err as the cause.
// Errors already carrying an HTTP classification are returned unchanged.
func toHTTPError(err error) error {
	if err == nil {
		return nil
	}
	var httpErr handler.HTTPError
	if errors.As(err, &httpErr) {
		return err
	}
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return errors.Join(m.http, err)
		}
	}
	return err
}
