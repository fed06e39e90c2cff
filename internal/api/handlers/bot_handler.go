package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"trendbot/internal/bot"
	"trendbot/internal/models"
	"trendbot/pkg/utils"
)

// BotController - управление торговым циклом. Реализуется bot.Engine.
type BotController interface {
	Start(ctx context.Context) error
	Stop() error
	Status() *bot.Status
	Positions() []*models.Position
	ClosePosition(ctx context.Context, symbol string) error
}

// BotHandler отвечает за управление циклом и позициями
//
// Endpoints:
// - GET /api/v1/bot/status - снимок состояния
// - POST /api/v1/bot/start - запуск цикла
// - POST /api/v1/bot/stop - остановка после текущего прохода
// - GET /api/v1/positions - открытые позиции
// - POST /api/v1/positions/{symbol}/close - ручное закрытие
type BotHandler struct {
	bot BotController

	// runCtx живёт дольше HTTP запроса: цикл, запущенный через API,
	// не должен останавливаться вместе с запросом
	runCtx context.Context
}

// NewBotHandler создает BotHandler. runCtx - контекст процесса.
func NewBotHandler(runCtx context.Context, ctrl BotController) *BotHandler {
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &BotHandler{bot: ctrl, runCtx: runCtx}
}

// GetStatus возвращает снимок состояния
//
// GET /api/v1/bot/status
func (h *BotHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.bot.Status())
}

// Start запускает торговый цикл
//
// POST /api/v1/bot/start
//
// HTTP коды:
// - 200 OK: цикл запущен (или отменена отложенная остановка)
// - 409 Conflict: цикл уже работает
func (h *BotHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.bot.Start(h.runCtx); err != nil {
		if errors.Is(err, bot.ErrAlreadyRunning) {
			respondWithError(w, http.StatusConflict, CodeAlreadyRunning, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "trading loop started", Data: h.bot.Status()})
}

// Stop запрашивает остановку. Текущий проход доводится до конца.
//
// POST /api/v1/bot/stop
//
// HTTP коды:
// - 202 Accepted: остановка запрошена
// - 409 Conflict: цикл не запущен
func (h *BotHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.bot.Stop(); err != nil {
		if errors.Is(err, bot.ErrNotRunning) {
			respondWithError(w, http.StatusConflict, CodeNotRunning, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	respondWithJSON(w, http.StatusAccepted, SuccessResponse{Message: "stop requested, current pass will finish"})
}

// GetPositionsResponse представляет ответ списка позиций
type GetPositionsResponse struct {
	Positions []*models.Position `json:"positions"`
	Total     int                `json:"total"`
}

// GetPositions возвращает открытые позиции
//
// GET /api/v1/positions
func (h *BotHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.bot.Positions()
	if positions == nil {
		positions = []*models.Position{}
	}
	respondWithJSON(w, http.StatusOK, GetPositionsResponse{Positions: positions, Total: len(positions)})
}

// ClosePosition закрывает позицию по символу рыночным ордером.
// Для символа без позиции ничего не делает и отвечает 200.
//
// POST /api/v1/positions/{symbol}/close
//
// HTTP коды:
// - 200 OK: позиция закрыта или её не было
// - 400 Bad Request: некорректный символ
// - 404 Not Found: символ не торгуется
// - 409 Conflict: символ в переходном состоянии (ENTERING/EXITING)
// - 502 Bad Gateway: биржа не приняла закрытие
func (h *BotHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := utils.NormalizeSymbol(mux.Vars(r)["symbol"])
	if err := utils.ValidateSymbol(symbol); err != nil {
		respondWithError(w, http.StatusBadRequest, CodeUnknownSymbol, err.Error())
		return
	}

	// закрытие доводится до конца даже при обрыве соединения клиента
	err := h.bot.ClosePosition(context.WithoutCancel(r.Context()), symbol)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "position closed", Data: map[string]string{"symbol": symbol}})
	case errors.Is(err, bot.ErrUnknownSymbol):
		respondWithError(w, http.StatusNotFound, CodeUnknownSymbol, err.Error())
	case errors.Is(err, bot.ErrInvalidTransition):
		respondWithError(w, http.StatusConflict, CodeInvalidState, err.Error())
	case bot.IsTransientIO(err):
		respondWithError(w, http.StatusBadGateway, CodeExchangeError, err.Error())
	default:
		respondWithError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}
