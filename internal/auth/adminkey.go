package auth

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/soba-labs/soba/internal/api"
)

const (
	bcryptCost     = 12
	AdminKeyHeader = "X-Admin-Key"
)

func HashAdminKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func CompareAdminKey(hash, key string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
}

// AdminMiddleware guards operator routes with a bcrypt-hashed shared key.
// An empty hash disables the routes entirely.
func AdminMiddleware(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				api.HandleError(w, api.ErrForbidden)
				return
			}
			key := r.Header.Get(AdminKeyHeader)
			if key == "" || CompareAdminKey(keyHash, key) != nil {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
