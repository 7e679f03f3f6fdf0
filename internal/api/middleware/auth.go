package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/piwi3910/dlpgate/internal/metadata"
	"github.com/piwi3910/dlpgate/pkg/dlperrors"
)

// Authenticator resolves a bearer token to a user. *auth.Service implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*metadata.User, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// token's user in the context.
func RequireAuth(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				dlperrors.Write(w, dlperrors.New(dlperrors.KindUnauthorized, "Token is missing"), GetRequestID(r.Context()))
				return
			}

			user, err := a.Authenticate(r.Context(), token)
			if err != nil {
				dlperrors.Write(w, err, GetRequestID(r.Context()))
				return
			}

			next.ServeHTTP(w, r.WithContext(SetUser(r.Context(), user)))
		})
	}
}

// RequireRole rejects authenticated users without role. It must run after
// RequireAuth.
func RequireRole(role metadata.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r.Context())
			if user == nil {
				dlperrors.Write(w, dlperrors.New(dlperrors.KindUnauthorized, "Token is missing"), GetRequestID(r.Context()))
				return
			}

			if user.Role != role {
				dlperrors.Write(w, dlperrors.New(dlperrors.KindForbidden, "Admin access required"), GetRequestID(r.Context()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetUser returns the authenticated user, or nil.
func GetUser(ctx context.Context) *metadata.User {
	user, _ := ctx.Value(userKey).(*metadata.User)
	return user
}

// SetUser stores user in the context.
func SetUser(ctx context.Context, user *metadata.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)

	return token, token != ""
}
