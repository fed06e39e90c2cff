package bot

import (
	"fmt"
	"sync"
	"time"

	"trendbot/internal/models"
)

// symbolSlot - состояние одного символа
type symbolSlot struct {
	state    string
	position *models.Position
	runtime  models.SymbolRuntime
}

// PositionStore - владелец состояния символов и открытых позиций.
//
// Все переходы проверяются по ValidTransitions. Позиция существует
// только в состояниях OPEN, EXITING и ERROR.
type PositionStore struct {
	mu    sync.RWMutex
	slots map[string]*symbolSlot
	order []string
}

// NewPositionStore создаёт хранилище для фиксированного набора символов
func NewPositionStore(symbols []string) *PositionStore {
	s := &PositionStore{
		slots: make(map[string]*symbolSlot, len(symbols)),
		order: make([]string, 0, len(symbols)),
	}
	for _, sym := range symbols {
		if _, ok := s.slots[sym]; ok {
			continue
		}
		s.slots[sym] = &symbolSlot{
			state:   models.StateFlat,
			runtime: models.SymbolRuntime{Symbol: sym, State: models.StateFlat},
		}
		s.order = append(s.order, sym)
	}
	return s
}

// Symbols возвращает символы в порядке конфигурации
func (s *PositionStore) Symbols() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Has - символ торгуется
func (s *PositionStore) Has(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slots[symbol]
	return ok
}

// State возвращает состояние символа
func (s *PositionStore) State(symbol string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if slot, ok := s.slots[symbol]; ok {
		return slot.state
	}
	return ""
}

// IsFlat - по символу нет позиции и не идёт вход
func (s *PositionStore) IsFlat(symbol string) bool {
	return s.State(symbol) == models.StateFlat
}

// Position возвращает копию позиции или nil
func (s *PositionStore) Position(symbol string) *models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[symbol]
	if !ok || slot.position == nil {
		return nil
	}
	cp := *slot.position
	return &cp
}

// TryReserve атомарно переводит FLAT -> ENTERING.
// Защищает от повторного входа по одному символу.
func (s *PositionStore) TryReserve(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if slot.state != models.StateFlat {
		return fmt.Errorf("%w: %s is %s", ErrPositionExists, symbol, slot.state)
	}
	s.setStateLocked(slot, models.StateEntering)
	return nil
}

// Transition переводит символ в новое состояние, если переход допустим
func (s *PositionStore) Transition(symbol, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return s.transitionLocked(symbol, slot, to)
}

// TransitionFrom выполняет переход, только если символ всё ещё в состоянии from.
// Проверка и переход идут под одной блокировкой.
func (s *PositionStore) TransitionFrom(symbol, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if slot.state != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidTransition, symbol, slot.state, from)
	}
	return s.transitionLocked(symbol, slot, to)
}

// BeginExit занимает символ под закрытие: OPEN или ERROR -> EXITING.
// Возвращает прежнее состояние для отката при неудачном закрытии.
func (s *PositionStore) BeginExit(symbol string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[symbol]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	prev := slot.state
	if prev != models.StateOpen && prev != models.StateError {
		return "", fmt.Errorf("%w: %s is %s", ErrInvalidTransition, symbol, prev)
	}
	if err := s.transitionLocked(symbol, slot, models.StateExiting); err != nil {
		return "", err
	}
	return prev, nil
}

func (s *PositionStore) transitionLocked(symbol string, slot *symbolSlot, to string) error {
	if !CanTransition(slot.state, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, symbol, slot.state, to)
	}
	s.setStateLocked(slot, to)
	if to == models.StateFlat {
		slot.position = nil
		slot.runtime.Position = nil
	}
	return nil
}

// Open фиксирует защищённую позицию: ENTERING -> OPEN
func (s *PositionStore) Open(pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[pos.Symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, pos.Symbol)
	}
	if !CanTransition(slot.state, models.StateOpen) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, pos.Symbol, slot.state, models.StateOpen)
	}
	cp := *pos
	slot.position = &cp
	slot.runtime.Position = &cp
	s.setStateLocked(slot, models.StateOpen)
	return nil
}

// MarkError переводит символ в ERROR, сохраняя позицию для ручного закрытия
func (s *PositionStore) MarkError(symbol string, pos *models.Position, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if !CanTransition(slot.state, models.StateError) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, symbol, slot.state, models.StateError)
	}
	if pos != nil {
		cp := *pos
		slot.position = &cp
		slot.runtime.Position = &cp
	}
	slot.runtime.LastError = reason
	s.setStateLocked(slot, models.StateError)
	return nil
}

// UpdateMarket сохраняет последние рыночные данные символа для статуса
func (s *PositionStore) UpdateMarket(symbol string, last models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[symbol]
	if !ok {
		return
	}
	slot.runtime.LastClose = last.Close
	slot.runtime.EMA34 = last.EMA34
	slot.runtime.EMA50 = last.EMA50
	slot.runtime.RSI14 = last.RSI14
	slot.runtime.UpdatedAt = time.Now()
}

// SetLastSignal запоминает последний сигнал символа
func (s *PositionStore) SetLastSignal(symbol, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.slots[symbol]; ok {
		slot.runtime.LastSignal = description
	}
}

// SetLastError запоминает последнюю ошибку символа
func (s *PositionStore) SetLastError(symbol string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[symbol]
	if !ok {
		return
	}
	if err == nil {
		slot.runtime.LastError = ""
		return
	}
	slot.runtime.LastError = err.Error()
}

// Runtime возвращает снимок состояния символа
func (s *PositionStore) Runtime(symbol string) (models.SymbolRuntime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[symbol]
	if !ok {
		return models.SymbolRuntime{}, false
	}
	return copyRuntime(slot.runtime), true
}

// Snapshot возвращает состояние всех символов в порядке конфигурации
func (s *PositionStore) Snapshot() []models.SymbolRuntime {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.SymbolRuntime, 0, len(s.order))
	for _, sym := range s.order {
		out = append(out, copyRuntime(s.slots[sym].runtime))
	}
	return out
}

// OpenPositions возвращает копии существующих позиций
func (s *PositionStore) OpenPositions() []*models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Position, 0)
	for _, sym := range s.order {
		if p := s.slots[sym].position; p != nil {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// CountByState - число символов в каждом состоянии
func (s *PositionStore) CountByState() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int, len(ValidTransitions))
	for st := range ValidTransitions {
		counts[st] = 0
	}
	for _, slot := range s.slots {
		counts[slot.state]++
	}
	return counts
}

func (s *PositionStore) setStateLocked(slot *symbolSlot, state string) {
	slot.state = state
	slot.runtime.State = state
	slot.runtime.UpdatedAt = time.Now()
}

func copyRuntime(rt models.SymbolRuntime) models.SymbolRuntime {
	if rt.Position != nil {
		p := *rt.Position
		rt.Position = &p
	}
	return rt
}
