package indicator

// EMA рассчитывает экспоненциальную скользящую среднюю по ряду цен.
//
// Результат выровнен по индексам входа: первые period-1 значений равны nil,
// в позиции period-1 стоит SMA первых period цен, далее
// ema[i] = price[i]*k + ema[i-1]*(1-k), k = 2/(period+1).
func EMA(values []float64, period int) Series {
	out := make(Series, len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	prev := sum / float64(period)
	out[period-1] = ptr(prev)

	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = ptr(prev)
	}
	return out
}
