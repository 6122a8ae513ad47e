package account

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/apperr"
)

type ctxKey struct{}

// WithSession returns a copy of ctx carrying sess.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, sess)
}

// SessionFrom returns the session attached by Authenticate, if any.
func SessionFrom(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(ctxKey{}).(*Session)
	return sess, ok && sess != nil
}

// Authenticator resolves a bearer envelope to a session.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*Session, error)
}

// Authenticate returns a middleware that requires an
// `Authorization: Bearer <envelope>` header and attaches the resolved session
// to the request context. A missing header answers 401 unauthenticated.
func Authenticate(auth Authenticator, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				apperr.Write(w, apperr.Unauthenticated("Unauthenticated."))
				return
			}
			sess, err := auth.Authenticate(r.Context(), raw)
			if err != nil {
				logger.Debugw("authentication refused", "path", r.URL.Path, "err", err)
				apperr.Write(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

func bearer(header string) (string, bool) {
	scheme, raw, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}
