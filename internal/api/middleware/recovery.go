package middleware

import (
	"net/http"
	"runtime/debug"

	"trendbot/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Паника в handler логируется со stack trace, клиент получает 500,
// сервер и торговый цикл продолжают работу.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				utils.L().Error("panic in http handler",
					utils.String("method", r.Method),
					utils.String("path", r.URL.Path),
					utils.Any("panic", rec),
					utils.String("stack", string(debug.Stack())),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"internal server error","code":"INTERNAL_ERROR"}`))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
