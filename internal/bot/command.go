package bot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"trendbot/pkg/utils"
)

// Команды управления
const (
	CommandStart  = "start"
	CommandStop   = "stop"
	CommandStatus = "status"
	CommandClose  = "close"
)

// ErrUnknownCommand - строка не распознана как команда
var ErrUnknownCommand = errors.New("unknown command")

// Command - разобранная команда
type Command struct {
	Name string
	Arg  string // символ для close
}

// Controller - то, чем управляют команды. Реализуется Engine.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Status() *Status
	ClosePosition(ctx context.Context, symbol string) error
}

// ParseCommand разбирает строку без учёта регистра и пробелов по краям
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(line)))
	if len(fields) == 0 {
		return Command{}, ErrUnknownCommand
	}

	cmd := Command{Name: fields[0]}
	switch cmd.Name {
	case CommandStart, CommandStop, CommandStatus:
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("%w: %q takes no arguments", ErrUnknownCommand, cmd.Name)
		}
	case CommandClose:
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%w: usage: close <SYMBOL>", ErrUnknownCommand)
		}
		cmd.Arg = utils.NormalizeSymbol(fields[1])
		if err := utils.ValidateSymbol(cmd.Arg); err != nil {
			return Command{}, err
		}
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
	}
	return cmd, nil
}

// Execute выполняет команду и возвращает текст ответа оператору
func Execute(ctx context.Context, c Controller, cmd Command) (string, error) {
	switch cmd.Name {
	case CommandStart:
		if err := c.Start(ctx); err != nil {
			return "", err
		}
		return "trading loop started", nil
	case CommandStop:
		if err := c.Stop(); err != nil {
			return "", err
		}
		return "stop requested, current pass will finish", nil
	case CommandStatus:
		return formatStatus(c.Status()), nil
	case CommandClose:
		if err := c.ClosePosition(ctx, cmd.Arg); err != nil {
			return "", err
		}
		return cmd.Arg + " closed", nil
	default:
		return "", ErrUnknownCommand
	}
}

// RunCommands читает команды построчно до EOF или отмены контекста.
// Неизвестные команды логируются и игнорируются.
func RunCommands(ctx context.Context, r io.Reader, c Controller, log *utils.Logger) error {
	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("commands")

	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			cmd, err := ParseCommand(line)
			if err != nil {
				log.Warn("command rejected", utils.String("input", line), utils.Err(err))
				continue
			}
			reply, err := Execute(ctx, c, cmd)
			if err != nil {
				log.Warn("command failed", utils.String("command", cmd.Name), utils.Err(err))
				continue
			}
			log.Info(reply, utils.String("command", cmd.Name))
		}
	}
}

func formatStatus(st *Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "running=%t passes=%d breaker=%t", st.Running, st.Passes, st.Risk.CircuitBreakerTripped)
	for _, s := range st.Symbols {
		fmt.Fprintf(&b, " | %s %s", s.Symbol, s.State)
		if s.Position != nil {
			fmt.Fprintf(&b, " %s %.6f@%.4f", s.Position.Side, s.Position.Amount, s.Position.EntryPrice)
		}
	}
	return b.String()
}
