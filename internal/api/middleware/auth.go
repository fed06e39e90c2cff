package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"trendbot/pkg/crypto"
	"trendbot/pkg/utils"
)

// TokenAuth проверяет заголовок Authorization: Bearer <token> по bcrypt-хешу
// из API_TOKEN_HASH. Пустой хеш отключает проверку (локальный запуск).
//
// bcrypt медленный намеренно, поэтому последний принятый токен
// запоминается и дальше сравнивается за постоянное время.
type TokenAuth struct {
	hash string

	mu       sync.RWMutex
	accepted []byte
}

// NewTokenAuth создает проверку токена
func NewTokenAuth(hash string) *TokenAuth {
	return &TokenAuth{hash: strings.TrimSpace(hash)}
}

// Enabled - задан ли хеш токена
func (a *TokenAuth) Enabled() bool {
	return a.hash != ""
}

// Middleware возвращает middleware для mux.Router.Use
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			// браузерный WebSocket не умеет ставить заголовки
			token = r.URL.Query().Get("token")
		}

		if !a.verify(token) {
			utils.L().WithComponent("http").Warn("unauthorized request",
				utils.String("path", r.URL.Path),
				utils.String("remote", r.RemoteAddr),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="trendbot"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","code":"UNAUTHORIZED"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *TokenAuth) verify(token string) bool {
	if token == "" {
		return false
	}

	a.mu.RLock()
	cached := a.accepted
	a.mu.RUnlock()
	if cached != nil && subtle.ConstantTimeCompare(cached, []byte(token)) == 1 {
		return true
	}

	if err := crypto.VerifyToken(token, a.hash); err != nil {
		return false
	}

	a.mu.Lock()
	a.accepted = []byte(token)
	a.mu.Unlock()
	return true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
