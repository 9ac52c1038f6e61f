package middleware

import (
	"net/http"

	"github.com/hitoshi/taskman/internal/metrics"
)

// AccessTokenVerifier はアクセストークンを検証し主体IDを返す。
type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (string, error)
}

// NewAccessGuard はx-access-tokenヘッダーのアクセストークンを検証するミドルウェアを返す。
// 検証は署名と有効期限のみで行い、ストレージを参照しない。
// 成功時は主体IDをコンテキストに注入し、失敗時は401を返す。
func NewAccessGuard(verifier AccessTokenVerifier, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	collector = metrics.OrNop(collector)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(HeaderAccessToken)
			if token == "" {
				rejectAuth(w, r, collector, nil)
				return
			}

			subjectID, err := verifier.VerifyAccessToken(token)
			if err != nil {
				rejectAuth(w, r, collector, err)
				return
			}

			annotateUserID(r.Context(), subjectID)
			ctx := ContextWithUserID(r.Context(), subjectID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
