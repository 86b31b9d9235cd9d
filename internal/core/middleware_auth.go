package core

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"waypost/internal/types"
)

// adminKeyHeader carries the shared admin key on operator endpoints.
const adminKeyHeader = "X-Admin-Key"

// AdminKeyMiddleware guards admin routes. The presented key is compared
// against the bcrypt hash from configuration, so the plaintext key is never
// stored on the server side.
func (s *Server) AdminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(adminKeyHeader)
		if key == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyMissing,
				"missing "+adminKeyHeader+" header", nil))
			return
		}

		hash := []byte(s.Config.Security.AdminAPIKeyHash.Unmask())
		if err := bcrypt.CompareHashAndPassword(hash, []byte(key)); err != nil {
			s.Logger.WarnContext(r.Context(), "admin key rejected",
				"path", r.URL.Path, "remote_addr", r.RemoteAddr)
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyInvalid,
				"invalid admin key", err))
			return
		}

		next.ServeHTTP(w, r)
	})
}
