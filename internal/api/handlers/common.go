package handlers

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Коды ошибок API
const (
	CodeAlreadyRunning = "ALREADY_RUNNING"
	CodeNotRunning     = "NOT_RUNNING"
	CodeUnknownSymbol  = "UNKNOWN_SYMBOL"
	CodeInvalidState   = "INVALID_STATE"
	CodeExchangeError  = "EXCHANGE_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
)

// respondWithError отправляет JSON ошибку
func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
