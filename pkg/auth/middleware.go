package auth

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const TokenHeader = "X-API-Token"

// HashToken returns the bcrypt hash stored in API_TOKEN_HASH.
func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(b), err
}

// CheckToken reports whether token matches the bcrypt hash.
func CheckToken(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// TokenMiddleware enforces a token in header X-API-Token matching hash.
func TokenMiddleware(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				http.Error(w, "api token not configured", http.StatusUnauthorized)
				return
			}
			if !CheckToken(hash, r.Header.Get(TokenHeader)) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
