package billing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrymomot/reviewradar/handler"
	"github.com/dmitrymomot/reviewradar/pkg/jwt"
	"github.com/dmitrymomot/reviewradar/pkg/logger"
)

// Principal is the authenticated caller of a session endpoint.
type Principal struct {
	SubscriberID uuid.UUID
	Email        string
	IsAdmin      bool
}

// CanAccess reports whether the principal may act on subscriberID.
func (p Principal) CanAccess(subscriberID uuid.UUID) bool {
	return p.IsAdmin || p.SubscriberID == subscriberID
}

// PrincipalResolver authenticates a request.
type PrincipalResolver func(r *http.Request) (Principal, error)

// JWTPrincipalResolver resolves principals from Bearer access tokens.
// The token subject is the subscriber ID.
func JWTPrincipalResolver(svc *jwt.Service) PrincipalResolver {
	if svc == nil {
		panic("billing: jwt service is required")
	}
	return func(r *http.Request) (Principal, error) {
		token, err := jwt.BearerToken(r)
		if err != nil {
			return Principal{}, err
		}
		claims, err := svc.Parse(token)
		if err != nil {
			return Principal{}, err
		}
		id, err := uuid.Parse(claims.Subject)
		if err != nil {
			return Principal{}, errors.Join(jwt.ErrInvalidClaims, err)
		}
		return Principal{SubscriberID: id, Email: claims.Email, IsAdmin: claims.IsAdmin()}, nil
	}
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by Authenticate.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	return handler.ContextValueOK[Principal](ctx, principalKey{})
}

// PrincipalLogExtractor adds subscriber_id to log records of authenticated requests.
func PrincipalLogExtractor(ctx context.Context) (slog.Attr, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return slog.Attr{}, false
	}
	return logger.SubscriberID(p.SubscriberID), true
}

// Authenticate rejects requests the resolver cannot authenticate.
func Authenticate(resolve PrincipalResolver, errorHandler handler.ErrorHandler[handler.Context]) func(http.Handler) http.Handler {
	if resolve == nil {
		panic("billing: PrincipalResolver is required")
	}
	if errorHandler == nil {
		errorHandler = handler.NewErrorHandler(nil)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := resolve(r)
			if err != nil {
				errorHandler(handler.NewContext(w, r), errors.Join(handler.ErrUnauthorized, err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// principalRateKey returns the rate limiting key of an authenticated request.
func principalRateKey(r *http.Request) string {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		return ""
	}
	return "sync:" + p.SubscriberID.String()
}
