package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/photoarchive/internal/middleware"
	"github.com/hitoshi/photoarchive/internal/model"
)

const healthCheckTimeout = 2 * time.Second

// HealthChecker はデータベースの疎通確認インターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type healthResponse struct {
	Status string `json:"status"`
}

// NewHealthHandler はヘルスチェックハンドラーを返す。
// checkerがnilの場合はプロセスの生存のみを返す。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewInternalError())
				return
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// notFound は未定義パスに404のJSONを返す。
func notFound(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError())
}

// methodNotAllowed は未対応メソッドに405のJSONを返す。
func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteErrorResponse(w, http.StatusMethodNotAllowed, &model.APIError{
		Code:     "METHOD_NOT_ALLOWED",
		Message:  "Method not allowed",
		Category: "system",
		Action:   "Check the request method.",
	})
}
