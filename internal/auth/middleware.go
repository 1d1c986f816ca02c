package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/soba-labs/soba/internal/api"
)

type contextKey string

const UserClaimsKey contextKey = "user_claims"

// Middleware validates bearer tokens. With required set, requests without a
// token are rejected; otherwise they pass through anonymously. A malformed or
// expired token is always rejected.
func Middleware(svc *Service, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if required {
					api.HandleError(w, api.ErrUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			claims, err := svc.ValidateAccessToken(parts[1])
			if err != nil {
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			ctx := context.WithValue(r.Context(), UserClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserClaims(ctx context.Context) *AccessClaims {
	claims, _ := ctx.Value(UserClaimsKey).(*AccessClaims)
	return claims
}

// AuthorizeWallet rejects requests whose token belongs to a different wallet
// than userID. Anonymous requests are allowed through.
func AuthorizeWallet(ctx context.Context, userID string) error {
	claims := GetUserClaims(ctx)
	if claims == nil || claims.Wallet == userID {
		return nil
	}
	return api.ErrOwnershipViolation
}
