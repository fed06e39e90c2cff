package models

import (
	"time"

	"trendbot/pkg/utils"
)

// Стороны позиции
const (
	SideLong  = "long"
	SideShort = "short"
)

// Position - открытая позиция по символу (не больше одной на символ).
// Существует только при успешно выставленных обоих защитных ордерах.
type Position struct {
	Symbol          string           `json:"symbol"`
	Side            string           `json:"side"` // long, short
	Amount          float64          `json:"amount"`
	EntryPrice      float64          `json:"entry_price"`
	StopLossPrice   float64          `json:"stop_loss_price"`
	TakeProfitPrice float64          `json:"take_profit_price"`
	Protective      ProtectiveOrders `json:"protective"`
	Rule            string           `json:"rule"` // правило, породившее вход
	EntryOrderID    string           `json:"entry_order_id"`
	OpenedAt        time.Time        `json:"opened_at"`
}

// ProtectiveOrders - идентификаторы стоп-лосса и тейк-профита
type ProtectiveOrders struct {
	StopLossID   string `json:"stop_loss_id"`
	TakeProfitID string `json:"take_profit_id"`
}

// Complete - оба защитных ордера выставлены
func (p ProtectiveOrders) Complete() bool {
	return p.StopLossID != "" && p.TakeProfitID != ""
}

// IDs возвращает непустые идентификаторы защитных ордеров
func (p ProtectiveOrders) IDs() []string {
	ids := make([]string, 0, 2)
	if p.StopLossID != "" {
		ids = append(ids, p.StopLossID)
	}
	if p.TakeProfitID != "" {
		ids = append(ids, p.TakeProfitID)
	}
	return ids
}

// EntrySide - сторона рыночного ордера входа (buy/sell)
func (p *Position) EntrySide() string {
	if p.Side == SideShort {
		return "sell"
	}
	return "buy"
}

// ExitSide - сторона ордеров закрытия и защиты
func (p *Position) ExitSide() string {
	if p.Side == SideShort {
		return "buy"
	}
	return "sell"
}

// UnrealizedPNL по текущей цене
func (p *Position) UnrealizedPNL(price float64) float64 {
	return utils.CalculatePNL(p.Side, p.EntryPrice, price, p.Amount)
}
