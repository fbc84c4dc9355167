package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"lesson-service/internal/auth"
	"lesson-service/internal/config"
	"lesson-service/internal/db"
	"lesson-service/internal/health"
	"lesson-service/internal/lesson"
	"lesson-service/internal/logger"
	"lesson-service/internal/messaging"
	"lesson-service/internal/metrics"
	"lesson-service/internal/middleware"
	"lesson-service/internal/period"
	"lesson-service/internal/telemetry"
	"lesson-service/internal/user"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/uptrace/bun"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	serviceName    = "lesson-service"
	serviceVersion = "1.0.0"
)

type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *bun.DB
	server        *http.Server
	meterProvider *sdkmetric.MeterProvider
	producer      *messaging.Producer
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.NewWithService(cfg.Env, serviceName, serviceVersion)
	slog.SetDefault(log)

	database := db.New(cfg.Database)

	ctx := context.Background()
	if err := db.RunMigrations(ctx, database,
		(*user.User)(nil),
		(*user.Detail)(nil),
		(*user.Child)(nil),
		(*auth.RefreshToken)(nil),
		(*lesson.Lesson)(nil),
		(*lesson.Member)(nil),
		(*lesson.ChildMember)(nil),
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Metrics are best-effort: without a collector the app runs with the
	// no-op Metrics and keeps serving.
	var meterProvider *sdkmetric.MeterProvider
	m := metrics.NewMock()
	meterProvider, err = telemetry.InitMeterProvider(ctx, serviceName, serviceVersion, log)
	if err != nil {
		log.Warn("telemetry disabled", "error", err)
	} else {
		m, err = metrics.New(meterProvider.Meter(serviceName))
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	var producer *messaging.Producer
	if cfg.NATS.URL != "" {
		producer, err = messaging.NewProducer(cfg.NATS.URL, cfg.NATS.Subject, log)
		if err != nil {
			log.Warn("NATS disabled", "error", err)
			producer = nil
		}
	}

	start, testStart, err := cfg.Period.StartTimes()
	if err != nil {
		return nil, err
	}

	userRepo := user.NewRepository(database, m)
	userService := user.NewService(userRepo)
	userHandler := user.NewHandler(userService, log)

	authRepo := auth.NewRepository(database, m)
	authService := auth.NewService(authRepo, userRepo)
	authHandler := auth.NewHandler(authService, log, m)

	lessonRepo := lesson.NewRepository(database, m)
	lessonService := lesson.NewService(lessonRepo, userRepo, lesson.Config{
		Period:          period.Period{Year: cfg.Period.Year, Season: cfg.Period.Season},
		Window:          period.Window{Start: start, TestStart: testStart},
		EnforceCapacity: cfg.Enrollment.EnforceCapacity,
	}, producerOrNil(producer), log)
	lessonHandler := lesson.NewHandler(lessonService, log, m)

	healthHandler := health.NewHandler()

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))

	healthHandler.RegisterRoutes(router)
	authHandler.RegisterRoutes(router)

	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(log))

		userHandler.RegisterRoutes(r)
		lessonHandler.RegisterRoutes(r)

		r.Group(func(admin chi.Router) {
			admin.Use(auth.RequireAdmin(log))

			userHandler.RegisterAdminRoutes(admin)
			lessonHandler.RegisterAdminRoutes(admin)
		})
	})

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  time.Duration(orDefault(cfg.Server.ReadTimeout, 15)) * time.Second,
		WriteTimeout: time.Duration(orDefault(cfg.Server.WriteTimeout, 15)) * time.Second,
		IdleTimeout:  time.Duration(orDefault(cfg.Server.IdleTimeout, 60)) * time.Second,
	}

	return &App{
		config:        cfg,
		logger:        log,
		db:            database,
		server:        server,
		meterProvider: meterProvider,
		producer:      producer,
	}, nil
}

// producerOrNil keeps the service's Producer interface nil when no broker is
// configured, instead of a non-nil interface holding a nil pointer.
func producerOrNil(p *messaging.Producer) lesson.Producer {
	if p == nil {
		return nil
	}
	return p
}

func orDefault(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	return value
}

func (a *App) Run() error {
	a.logger.Info("starting server", "addr", a.server.Addr, "env", a.config.Env)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down server")

	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if a.producer != nil {
		a.producer.Close()
	}

	if a.meterProvider != nil {
		telemetry.Shutdown(ctx, a.meterProvider, a.logger)
	}

	db.Close(a.db)

	a.logger.Info("server stopped")
	return nil
}
