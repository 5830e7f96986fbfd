package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"disputeflow/auth"
	"disputeflow/metrics"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		subject, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := contextWithCaller(r.Context(), subject, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got, _ := r.Context().Value(ctxKeyRole).(auth.Role); got != role {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func contextWithCaller(ctx context.Context, subject string, role auth.Role) context.Context {
	ctx = context.WithValue(ctx, ctxKeyUserID, subject)
	return context.WithValue(ctx, ctxKeyRole, role)
}

func subjectFrom(r *http.Request) string {
	sub, _ := r.Context().Value(ctxKeyUserID).(string)
	return sub
}

// partyFrom returns the authenticated party address. Admin tokens carry no
// address and are refused.
func partyFrom(r *http.Request) (common.Address, bool) {
	if role, _ := r.Context().Value(ctxKeyRole).(auth.Role); role != auth.RoleParty {
		return common.Address{}, false
	}
	sub := subjectFrom(r)
	if !common.IsHexAddress(sub) {
		return common.Address{}, false
	}
	return common.HexToAddress(sub), true
}

func observeRequest(route, method string, status int, elapsed time.Duration) {
	if status == 0 {
		status = http.StatusOK
	}
	metrics.HTTPDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
