package logger

import (
	"log/slog"

	"github.com/google/uuid"
)

// Error records err under "error". A nil error yields an empty attribute.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// SubscriberID records the subscriber under "subscriber_id".
func SubscriberID(id uuid.UUID) slog.Attr {
	return slog.String("subscriber_id", id.String())
}

// SubscriptionID records the processor subscription under "subscription_id".
func SubscriptionID(id string) slog.Attr {
	return slog.String("subscription_id", id)
}

// EventID records a webhook event under "event_id".
func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

// Processor records the payment processor name.
func Processor(name string) slog.Attr {
	return slog.String("processor", name)
}

// Component records the component name.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// RequestID records the request identifier under "request_id".
func RequestID(id string) slog.Attr {
	return slog.String("request_id", id)
}
