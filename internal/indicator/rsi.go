package indicator

// RSI рассчитывает индекс относительной силы со сглаживанием Уайлдера.
//
// Первое значение появляется в позиции period (нужно period приращений),
// предыдущие равны nil. Начальные средние - простое среднее приростов и
// потерь, далее avg = (avg*(period-1) + x) / period.
func RSI(values []float64, period int) Series {
	out := make(Series, len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := split(values[i] - values[i-1])
		avgGain += gain
		avgLoss += loss
	}
	p := float64(period)
	avgGain /= p
	avgLoss /= p
	out[period] = ptr(rsiValue(avgGain, avgLoss))

	for i := period + 1; i < len(values); i++ {
		gain, loss := split(values[i] - values[i-1])
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out[i] = ptr(rsiValue(avgGain, avgLoss))
	}
	return out
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiValue(avgGain, avgLoss float64) float64 {
	switch {
	case avgLoss == 0 && avgGain == 0:
		// цена не менялась - нейтральное значение
		return 50
	case avgLoss == 0:
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
