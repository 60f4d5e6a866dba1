package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/train-seat-inventory/internal/admission"
	"github.com/iliyamo/train-seat-inventory/internal/allocation"
	"github.com/iliyamo/train-seat-inventory/internal/cache"
	"github.com/iliyamo/train-seat-inventory/internal/clock"
	"github.com/iliyamo/train-seat-inventory/internal/config"
	"github.com/iliyamo/train-seat-inventory/internal/database"
	"github.com/iliyamo/train-seat-inventory/internal/handler"
	"github.com/iliyamo/train-seat-inventory/internal/idempotency"
	"github.com/iliyamo/train-seat-inventory/internal/inventory"
	"github.com/iliyamo/train-seat-inventory/internal/lock"
	"github.com/iliyamo/train-seat-inventory/internal/orderclient"
	"github.com/iliyamo/train-seat-inventory/internal/pipeline"
	"github.com/iliyamo/train-seat-inventory/internal/purchase"
	"github.com/iliyamo/train-seat-inventory/internal/queue"
	"github.com/iliyamo/train-seat-inventory/internal/repository"
	"github.com/iliyamo/train-seat-inventory/internal/router"
)

func main() {
	_ = godotenv.Load() // .env is optional
	cfg := config.Load()
	tc := cfg.Ticket

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		log.WithError(err).Fatal("connect redis")
	}
	defer rdb.Close()

	registry := allocation.DefaultRegistry()
	if err := registry.Validate(allocation.Sold); err != nil {
		log.WithError(err).Fatal("seat allocation registry")
	}

	ledger := repository.NewLedger(db)
	catalog := cache.NewCatalog(cache.NewStore(rdb, tc.CacheTTL, log.WithField("component", "cache")), ledger.Trains, tc.KeyPrefix)
	clk := clock.Real()

	inv := inventory.New(rdb, ledger, catalog, inventory.Options{
		Prefix:  tc.KeyPrefix,
		TTL:     tc.CacheTTL,
		LockTTL: tc.LockTTL,
	}, log.WithField("component", "inventory"))
	bucket := admission.NewBucket(rdb, ledger, catalog, inv, clk, admission.Options{
		Prefix:            tc.KeyPrefix,
		TTL:               tc.CacheTTL,
		LockTTL:           tc.LockTTL,
		ReconcileDelay:    tc.ReconcileDelay,
		ReconcileCooldown: tc.ReconcileCooldown,
	}, log.WithField("component", "admission"))

	mode := lock.PerClass
	if tc.LockMode == config.LockModeTrain {
		mode = lock.WholeTrain
	}
	coarse, bad := tc.CoarseTrainIDs()
	if len(bad) > 0 {
		log.WithField("entries", bad).Warn("ignoring invalid coarse lock trains")
	}
	locks := lock.NewCoordinator(
		lock.NewLocalLocker(),
		lock.NewRedisLocker(rdb, tc.KeyPrefix, tc.LockTTL),
		tc.LockWait,
		log.WithField("component", "lock"),
		lock.WithMode(mode),
		lock.WithCoarseTrains(coarse...),
	)

	events := queue.NewPublisher(cfg.RabbitURL, log)
	svc := purchase.NewService(purchase.Deps{
		Validator: pipeline.Purchase(catalog, ledger.Tickets, clk),
		Catalog:   catalog,
		Admission: bucket,
		Inventory: inv,
		Locks:     locks,
		Allocator: allocation.NewEngine(registry, ledger.Seats, ledger.Prices, inv, tc.WorkerPoolSize, log.WithField("component", "allocation")),
		Ledger:    ledger,
		Orders:    orderclient.New(cfg.OrderServiceURL, nil, tc.OrderTimeout),
		Guard:     idempotency.NewGuard(rdb, tc.KeyPrefix, tc.IdempotencyTTL),
		Events:    events,
		Log:       log.WithField("component", "purchase"),
	})

	go func() {
		if err := queue.NewConsumer(cfg.RabbitURL, svc, log).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("order.closed consumer stopped")
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			log.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}).Info("request")
			return nil
		},
	}))
	router.RegisterRoutes(e)
	router.RegisterTickets(e, handler.NewTicketHandler(svc, log.WithField("component", "http")), cfg.JWTSecret)

	go func() {
		addr := ":" + cfg.Port
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env, "lock_mode": tc.LockMode}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdown); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
}
