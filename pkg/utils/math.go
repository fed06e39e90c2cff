package utils

// CalculatePNL расчитывает прибыль/убыток по позиции.
//
//   - long:  (P_close - P_open) × qty
//   - short: (P_open - P_close) × qty
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}

	switch side {
	case "long":
		return (currentPrice - entryPrice) * quantity
	case "short":
		return (entryPrice - currentPrice) * quantity
	default:
		return 0
	}
}
