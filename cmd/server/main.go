package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/live-tours/internal/config"
	"github.com/iliyamo/live-tours/internal/database"
	"github.com/iliyamo/live-tours/internal/handler"
	"github.com/iliyamo/live-tours/internal/middleware"
	"github.com/iliyamo/live-tours/internal/queue"
	"github.com/iliyamo/live-tours/internal/realtime"
	"github.com/iliyamo/live-tours/internal/repository"
	"github.com/iliyamo/live-tours/internal/router"
	"github.com/iliyamo/live-tours/internal/service"
	"github.com/iliyamo/live-tours/internal/token"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

type stores struct {
	slots    repository.SlotRepository
	bookings repository.BookingRepository
	chat     repository.ChatRepository
	profiles repository.ProfileRepository
	db       *sql.DB
}

func main() {
	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	if st.db != nil {
		defer st.db.Close()
	}

	var issuer service.TokenIssuer
	if iss, err := token.NewIssuer(cfg.Media.AppID, cfg.Media.Certificate, cfg.Media.TokenTTL); err != nil {
		log.Error("media tokens disabled: session start and viewer tokens will answer 503", slog.Any("error", err))
	} else {
		issuer = iss
	}

	rooms := realtime.NewCoordinator(st.bookings, st.chat, realtime.Config{
		TypingTTL:    cfg.Room.TypingTTL,
		HistoryLimit: cfg.Room.HistoryLimit,
		SendBuffer:   cfg.Room.SendBuffer,
	}, log)

	opts := []service.LifecycleOption{service.WithRooms(rooms), service.WithTokenTTL(cfg.Media.TokenTTL)}
	if cfg.RabbitURL != "" {
		pub := queue.NewPublisher(cfg.RabbitURL, queue.DefaultPublishBuffer, log)
		go pub.Run(ctx)
		opts = append(opts, service.WithEvents(pub))

		consumer := queue.NewConsumer(cfg.RabbitURL, cfg.AuditLog, log)
		go consumer.Run(ctx)
	} else {
		log.Info("RABBITMQ_URL not set, lifecycle events are not published")
	}
	life := service.NewLifecycle(st.bookings, issuer, log, opts...)
	ledger := service.NewSlotLedger(st.slots, log)
	ids := service.NewIdentities(st.profiles, log)

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		log.Warn("redis unreachable, rate limiting disabled", slog.String("addr", cfg.Redis.Address()))
	} else {
		defer rdb.Close()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())

	router.RegisterRoutes(e)
	router.RegisterAPI(e, router.Handlers{
		Bookings: handler.NewBookingHandler(life),
		Sessions: handler.NewSessionHandler(life),
		Slots:    handler.NewSlotHandler(ledger),
		Profiles: handler.NewProfileHandler(ids),
		Rooms:    handler.NewRoomHandler(rooms, st.bookings, log),
	},
		middleware.IdentityAuth(cfg.IdentitySecret, ids),
		middleware.OptionalIdentity(cfg.IdentitySecret, ids),
		middleware.NewTokenBucket(cfg.RateLimit, rdb),
	)

	addr := ":" + cfg.Port
	go func() {
		log.Info("listening", slog.String("addr", addr), slog.String("env", cfg.Env), slog.String("store", cfg.Store))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", slog.Any("error", err))
	}
}

func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory store, data is lost on restart")
		m := repository.NewMemoryStore()
		return &stores{slots: m, bookings: m, chat: m, profiles: m}, nil
	}

	db, err := database.Open(cfg.DB.User, cfg.DB.Pass, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name)
	if err != nil {
		return nil, err
	}
	if cfg.DB.Migrate {
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("schema applied")
	}
	return &stores{
		slots:    repository.NewSlotRepo(db),
		bookings: repository.NewBookingRepo(db),
		chat:     repository.NewChatRepo(db),
		profiles: repository.NewProfileRepo(db),
		db:       db,
	}, nil
}

func setupLogger(env string) *slog.Logger {
	switch env {
	case envLocal:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}
