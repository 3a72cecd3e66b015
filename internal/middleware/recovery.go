package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"lotscan/pkg/apierror"
	"lotscan/pkg/response"
)

// Recovery is a middleware that recovers from panics.
func Recovery(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					fields := append([]zap.Field{
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					}, traceFields(r.Context())...)
					log.Error("panic recovered", fields...)
					response.Error(w, apierror.InternalError("internal server error"))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
