package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trendbot/internal/api/handlers"
	"trendbot/internal/api/middleware"
	"trendbot/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Bot           handlers.BotController
	Notifications handlers.NotificationProvider
	Hub           *websocket.Hub

	// APITokenHash - bcrypt-хеш токена, пусто - без авторизации
	APITokenHash string

	// AllowedOrigins - origin браузерного UI для CORS
	AllowedOrigins []string

	// RunContext - контекст процесса для цикла, запущенного через API
	RunContext context.Context
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
//	/health                                  - liveness, без авторизации
//	/metrics                                 - Prometheus, без авторизации
//	/api/v1/
//	├── GET  /bot/status                     - снимок состояния
//	├── POST /bot/start                      - запуск цикла
//	├── POST /bot/stop                       - остановка после прохода
//	├── GET  /positions                      - открытые позиции
//	├── POST /positions/{symbol}/close       - ручное закрытие
//	└── GET  /notifications                  - журнал событий
//	/ws/stream                               - WebSocket поток состояния и событий
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. Auth (только /api/v1 и /ws)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	var origins []string
	if deps != nil {
		origins = deps.AllowedOrigins
	}

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.NewCORS(origins))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if deps == nil {
		return router
	}

	auth := middleware.NewTokenAuth(deps.APITokenHash)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware)

	if deps.Bot != nil {
		botHandler := handlers.NewBotHandler(deps.RunContext, deps.Bot)
		api.HandleFunc("/bot/status", botHandler.GetStatus).Methods("GET")
		api.HandleFunc("/bot/start", botHandler.Start).Methods("POST")
		api.HandleFunc("/bot/stop", botHandler.Stop).Methods("POST")
		api.HandleFunc("/positions", botHandler.GetPositions).Methods("GET")
		api.HandleFunc("/positions/{symbol}/close", botHandler.ClosePosition).Methods("POST")
	}

	if deps.Notifications != nil {
		notificationHandler := handlers.NewNotificationHandler(deps.Notifications)
		api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods("GET")
	}

	if deps.Hub != nil {
		ws := router.PathPrefix("/ws").Subrouter()
		ws.Use(auth.Middleware)
		ws.HandleFunc("/stream", deps.Hub.ServeWS).Methods("GET")
	}

	return router
}
