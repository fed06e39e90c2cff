package bot

import "trendbot/internal/models"

// ValidTransitions определяет допустимые переходы между состояниями символа
var ValidTransitions = map[string][]string{
	models.StateFlat:     {models.StateEntering},
	models.StateEntering: {models.StateOpen, models.StateFlat, models.StateError}, // Flat при откате
	models.StateOpen:     {models.StateExiting, models.StateFlat},                 // Flat, если биржа закрыла сама
	models.StateExiting:  {models.StateFlat, models.StateOpen, models.StateError}, // Open/Error при отказе закрытия
	models.StateError:    {models.StateExiting}, // только ручное закрытие
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния для статуса и логов
func StateInfo(s string) string {
	switch s {
	case models.StateFlat:
		return "Позиции нет (ожидание сигнала)"
	case models.StateEntering:
		return "Открытие позиции..."
	case models.StateOpen:
		return "Позиция открыта и защищена"
	case models.StateExiting:
		return "Закрытие позиции..."
	case models.StateError:
		return "Ошибка! Позиция без защиты, требуется ручное закрытие"
	default:
		return "Неизвестное состояние"
	}
}

// HasOpenPosition возвращает true если на бирже может быть позиция
func HasOpenPosition(s string) bool {
	return s == models.StateOpen || s == models.StateExiting || s == models.StateError
}

// IsBusy - по символу выполняется операция с ордерами
func IsBusy(s string) bool {
	return s == models.StateEntering || s == models.StateExiting
}
