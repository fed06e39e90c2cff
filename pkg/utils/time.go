package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// time.go - утилиты для работы со временем
//
// Разбор таймфреймов свечей и конвертация биржевых timestamp.

// ParseTimeframe переводит таймфрейм свечей (1m, 15m, 1h, 4h, 1d) в длительность
func ParseTimeframe(tf string) (time.Duration, error) {
	tf = strings.TrimSpace(tf)
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}

	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}

	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h', 'H':
		return time.Duration(n) * time.Hour, nil
	case 'd', 'D':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w', 'W':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid timeframe %q", tf)
}

// FormatDuration форматирует продолжительность кратко: 45s, 5m30s, 2h15m
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	d = d.Truncate(time.Second)

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0 && minutes > 0:
		return fmt.Sprintf("%dh%dm", hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	case minutes > 0 && seconds > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%ds", seconds)
}

// UnixMillis возвращает текущее время в миллисекундах Unix
func UnixMillis() int64 {
	return time.Now().UnixMilli()
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time (UTC)
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ParseUnixMillis разбирает строковый timestamp в миллисекундах (формат Bitget)
func ParseUnixMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return FromUnixMillis(ms), nil
}
