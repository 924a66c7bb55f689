package billing

import (
	"errors"
	"time"
)

// FetchOutcome classifies a processor fetch.
type FetchOutcome int

const (
	FetchFound FetchOutcome = iota + 1
	FetchNotFound
	FetchTransient
	FetchFatal
)

func (o FetchOutcome) String() string {
	switch o {
	case FetchFound:
		return "found"
	case FetchNotFound:
		return "not_found"
	case FetchTransient:
		return "transient"
	case FetchFatal:
		return "fatal"
	}
	return "unknown"
}

// FetchResult is the typed result of fetching a subscription.
// FetchedAt is the instant the processor answered and orders competing writes.
type FetchResult struct {
	Outcome      FetchOutcome
	Subscription *ExternalSubscription
	Err          error
	FetchedAt    time.Time
}

// Found builds a successful result.
func Found(sub *ExternalSubscription, fetchedAt time.Time) FetchResult {
	return FetchResult{Outcome: FetchFound, Subscription: sub, FetchedAt: fetchedAt}
}

// NotFound builds an authoritative not-found result.
func NotFound(fetchedAt time.Time) FetchResult {
	return FetchResult{Outcome: FetchNotFound, Err: ErrProcessorNotFound, FetchedAt: fetchedAt}
}

// FetchFailed classifies err into a result.
func FetchFailed(err error, fetchedAt time.Time) FetchResult {
	switch {
	case err == nil:
		return FetchResult{Outcome: FetchFatal, Err: errors.New("fetch failed without error"), FetchedAt: fetchedAt}
	case errors.Is(err, ErrProcessorNotFound):
		return FetchResult{Outcome: FetchNotFound, Err: err, FetchedAt: fetchedAt}
	case errors.Is(err, ErrProcessorTransient):
		return FetchResult{Outcome: FetchTransient, Err: err, FetchedAt: fetchedAt}
	default:
		return FetchResult{Outcome: FetchFatal, Err: err, FetchedAt: fetchedAt}
	}
}
