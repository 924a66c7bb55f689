package billing

import "errors"

var (
	ErrPlanNotFound             = errors.New("billing plan not found")
	ErrIntervalNotOffered       = errors.New("billing interval not offered for plan")
	ErrInvalidPlanConfiguration = errors.New("invalid billing plan configuration")
	ErrFailedToLoadPlans        = errors.New("failed to load billing plans")

	ErrRecordNotFound       = errors.New("subscription record not found")
	ErrWriteConflict        = errors.New("subscription record write conflict")
	ErrInvalidUpdate        = errors.New("invalid subscription update")
	ErrUnattributedUpdate   = errors.New("subscription update cannot be attributed to a subscriber")
	ErrNothingToReconcile   = errors.New("no external subscription to reconcile")
	ErrReconciliationFailed = errors.New("subscription reconciliation failed")

	ErrProvisioningFailed = errors.New("subscription provisioning failed")
	ErrMissingSubscriber  = errors.New("subscriber ID is required")
	ErrMissingEmail       = errors.New("billing email is required")

	ErrInvalidActionType = errors.New("invalid usage action type")
	ErrUsageCountFailed  = errors.New("failed to count usage")

	// Processor error classes. Adapters wrap SDK errors with one of these so the
	// engine can apply the retry / cancel / re-query policy without SDK knowledge.
	ErrProcessorNotFound  = errors.New("billing processor: resource not found")
	ErrProcessorConflict  = errors.New("billing processor: resource already exists")
	ErrProcessorTransient = errors.New("billing processor: transient failure")

	// Provider-specific errors
	ErrMissingAPIKey             = errors.New("billing provider API key is required")
	ErrMissingWebhookSecret      = errors.New("billing provider webhook secret is required")
	ErrInvalidEnvironment        = errors.New("invalid billing provider environment")
	ErrWebhookVerificationFailed = errors.New("webhook signature verification failed")
	ErrNoCheckoutURL             = errors.New("no checkout URL returned from provider")
)
