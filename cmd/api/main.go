package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gymbook/internal/api"
	"gymbook/internal/config"
	"gymbook/internal/database"
	"gymbook/internal/domain"
	"gymbook/internal/events"
	"gymbook/internal/export"
	"gymbook/internal/google"
	"gymbook/internal/logging"
	"gymbook/internal/metrics"
	"gymbook/internal/models"
	"gymbook/internal/notification"
	"gymbook/internal/repository"
	"gymbook/internal/service"
	"gymbook/internal/worker"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	classes, err := loadClasses(&logger)
	if err != nil {
		return err
	}

	db, err := initDatabase(ctx, cfg, classes, &logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Backup.Enabled {
		go database.NewBackupService(db, cfg.Backup, &logger).Start(ctx)
	}

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
	}

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	eventBus := events.NewEventBus(&logger)
	if natsConn := initNATS(cfg, &logger); natsConn != nil {
		defer natsConn.Close()
		bridge := events.NewNATSBridge(natsConn, cfg.NATS.SubjectPrefix, &logger)
		bridge.Attach(eventBus, append(events.BookingEvents, events.EventClassCancelled)...)
	}

	notifier := initNotifier(ctx, cfg, redisClient, &logger)

	var syncWorker domain.SyncWorker
	if roster := initRosterSheet(ctx, cfg, &logger); roster != nil {
		rosterWorker := worker.NewRosterSyncWorker(db, roster, redisClient, worker.RetryPolicy{}, &logger)
		go rosterWorker.Start(ctx)
		syncWorker = rosterWorker
	}

	loc := cfg.Booking.Location()
	members := service.NewMemberService(db, cfg.Booking.DemoPrefix, &logger)
	catalog := service.NewCatalogService(db, loc, &logger)
	ledger := service.NewBookingService(db, catalog, members, notifier, eventBus, syncWorker, loc, &logger).
		WithNotifyTimeout(cfg.Booking.NotifyTimeout)
	catalog.AttachLedger(ledger)
	stats := service.NewStatsService(db, db, db, loc)

	go worker.NewExpiryScheduler(ledger, cfg.Booking.SweepInterval, &logger).Start(ctx)

	grpcServer, err := api.NewGRPCServer(&cfg.API, api.NewAdminService(stats, ledger), nil, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return err
	}

	httpServer := api.NewHTTPServer(&cfg.API, cfg.Booking, api.Services{
		Ledger:       ledger,
		Catalog:      catalog,
		Members:      members,
		Stats:        stats,
		Exporter:     export.NewExporter(cfg.Exports.Path, &logger),
		MemberLimits: memberLimitStore(ctx, redisClient, &logger),
	}, &logger)

	startMetrics(ctx, cfg, &logger)

	err = startServers(ctx, grpcServer, httpServer, cfg, &logger)
	ledger.Drain()
	return err
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

// loadClasses reads the seed timetable. A missing file means no seed.
func loadClasses(logger *zerolog.Logger) ([]models.TrainingClass, error) {
	classesPath := os.Getenv("CLASSES_PATH")
	if classesPath == "" {
		classesPath = "configs/classes.yaml"
	}
	data, err := os.ReadFile(classesPath)
	if os.IsNotExist(err) {
		logger.Info().Str("classes_path", classesPath).Msg("no class seed file")
		return nil, nil
	}
	if err != nil {
		logger.Error().Err(err).Str("classes_path", classesPath).Msg("read classes")
		return nil, err
	}

	var classesConfig struct {
		Classes []models.TrainingClass `yaml:"classes"`
	}
	if err := yaml.Unmarshal(data, &classesConfig); err != nil {
		logger.Error().Err(err).Str("classes_path", classesPath).Msg("parse classes")
		return nil, err
	}

	return classesConfig.Classes, nil
}

// initDatabase opens the store and seeds the timetable into an empty catalog.
func initDatabase(ctx context.Context, cfg *config.Config, classes []models.TrainingClass, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	existing, err := db.ListClasses(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(existing) > 0 || len(classes) == 0 {
		return db, nil
	}

	for i := range classes {
		class := &classes[i]
		if class.Status == "" {
			class.Status = models.ClassActive
		}
		if err := class.Validate(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("seed class %q: %w", class.Title, err)
		}
		if err := db.CreateClass(ctx, class); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("seed class %q: %w", class.Title, err)
		}
	}
	logger.Info().Int("classes", len(classes)).Msg("class catalog seeded")
	return db, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// memberLimitStore prefers redis so limits hold across instances, with an in-memory fallback.
func memberLimitStore(ctx context.Context, redisClient *redis.Client, logger *zerolog.Logger) domain.RateLimitStore {
	memory := repository.NewMemoryRateLimitStore()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				memory.Sweep()
			}
		}
	}()

	if redisClient == nil {
		return memory
	}
	return repository.NewFailoverRateLimitStore(repository.NewRedisRateLimitStore(redisClient), memory, logger)
}

func initNATS(cfg *config.Config, logger *zerolog.Logger) *nats.Conn {
	if cfg.NATS.URL == "" {
		return nil
	}
	conn, err := events.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("nats connection failed, events stay in-process")
		return nil
	}
	logger.Info().Str("url", cfg.NATS.URL).Msg("nats connected")
	return conn
}

func initNotifier(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.Notifier {
	var channels notification.Multi

	if cfg.Email.Enabled {
		if redisClient == nil {
			logger.Warn().Msg("email enabled but redis is unavailable, email notifications disabled")
		} else {
			email := notification.NewEmailNotifier(redisClient, cfg.Email, logger)
			go email.Start(ctx)
			channels = append(channels, email)
		}
	}

	if cfg.Telegram.BotToken != "" && cfg.Telegram.AdminChatID != 0 {
		bot, err := notification.ConnectTelegram(cfg.Telegram.BotToken, cfg.Telegram.Debug, cfg.Telegram.Timeout)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram init failed, continuing without telegram")
		} else {
			channels = append(channels, notification.NewTelegramNotifier(bot, cfg.Telegram.AdminChatID, logger))
		}
	}

	if len(channels) == 0 {
		return notification.Nop{}
	}
	return channels
}

func initRosterSheet(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *google.RosterSheet {
	if cfg.Google.CredentialsFile == "" || cfg.Google.RosterSpreadsheetID == "" {
		return nil
	}

	roster, err := google.NewRosterSheet(ctx, cfg.Google.CredentialsFile, cfg.Google.RosterSpreadsheetID, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without roster sync")
		return nil
	}
	if err := roster.TestConnection(ctx); err != nil {
		logger.Warn().Err(err).Msg("google sheets unreachable, continuing without roster sync")
		return nil
	}
	go roster.StartCacheRefresh(ctx, 10*time.Minute)

	logger.Info().Msg("google sheets connected")
	return roster
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	go func() {
		if !cfg.API.GRPC.Enabled {
			return
		}
		if err := grpcServer.Serve(); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Str("grpc_addr", grpcServer.Addr()).Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
