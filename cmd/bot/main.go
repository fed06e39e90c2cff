package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trendbot/internal/api"
	"trendbot/internal/bot"
	"trendbot/internal/config"
	"trendbot/internal/exchange"
	"trendbot/internal/repository"
	"trendbot/internal/service"
	"trendbot/internal/websocket"
	"trendbot/pkg/utils"
)

func main() {
	if handled, err := runTool(os.Args[1:], os.Stdout); handled {
		if err != nil {
			log.Fatal(err)
		}
		return
	}

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("bot exited with error", utils.Err(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *utils.Logger) error {
	started := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Поток котировок живёт столько же, сколько процесс
	stream := exchange.NewTickerStreamFor(cfg.Exchange, cfg.Trading.Symbols, logger)
	if stream != nil {
		stream.Start(ctx)
	}

	exch, err := exchange.NewExchange(cfg.Exchange, stream, logger)
	if err != nil {
		return err
	}
	defer exch.Close()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = exch.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("exchange connected", utils.Exchange(exch.GetName()))

	// Журнал ордеров и уведомлений опционален.
	// Интерфейсы остаются nil, если база не настроена.
	var (
		journal bot.OrderJournal
		store   service.NotificationStore
	)
	if cfg.Database.URL != "" {
		db, err := initDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

		journal = repository.NewOrderRepository(db)
		store = repository.NewNotificationRepository(db)
	}

	hub := websocket.NewHub(logger)
	hub.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	go hub.Run()
	defer hub.Stop()

	engine := bot.NewEngine(cfg.Trading, exch, journal, hub, logger)

	// Сигнал не прерывает проход на середине: цикл останавливается
	// через engine.Stop на границе прохода
	runCtx := context.WithoutCancel(ctx)

	notifications := service.NewNotificationService(store, logger)
	notifications.SetWebSocketHub(hub)
	go notifications.Run(ctx, engine.Notifications())

	balanceCtx, cancel := context.WithTimeout(ctx, cfg.Trading.RequestTimeout)
	bal, err := engine.ReportBalance(balanceCtx)
	cancel()
	if err != nil {
		logger.Warn("failed to fetch balance", utils.Err(err))
	} else {
		hub.BroadcastBalance(exch.GetName(), bal.Free, bal.Total)
	}

	var server *http.Server
	if cfg.Server.Enabled {
		router := api.SetupRoutes(&api.Dependencies{
			Bot:            engine,
			Notifications:  notifications,
			Hub:            hub,
			APITokenHash:   cfg.Security.APITokenHash,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RunContext:     runCtx,
		})

		server = &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			logger.Info("starting server", utils.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server failed", utils.Err(err))
				stop()
			}
		}()
	}

	if cfg.Trading.AutoStart {
		if err := engine.Start(runCtx); err != nil {
			return err
		}
	}

	if cfg.Trading.StdinCommands {
		// start из stdin получает тот же отвязанный контекст, что и API;
		// чтение stdin завершается вместе с процессом
		go func() {
			err := bot.RunCommands(runCtx, os.Stdin, engine, logger)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("command reader stopped", utils.Err(err))
			}
		}()
		logger.Info("waiting for commands: start, stop, status, close <symbol>")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// Цикл завершает текущий проход, новые не начинаются
	if err := engine.Stop(); err != nil && !errors.Is(err, bot.ErrNotRunning) {
		logger.Warn("engine stop failed", utils.Err(err))
	}
	engine.Wait()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", utils.Err(err))
		}
	}

	logger.Info("bot exited", utils.String("uptime", utils.FormatDuration(time.Since(started))))
	return nil
}

// initDatabase подключается к журналу и создаёт таблицы
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := repository.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := repository.Migrate(migrateCtx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
