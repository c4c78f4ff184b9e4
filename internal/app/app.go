package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"lmsforum-sync/internal/client"
	"lmsforum-sync/internal/config"
	"lmsforum-sync/internal/handler"
	"lmsforum-sync/internal/logging"
	"lmsforum-sync/internal/outbox"
	"lmsforum-sync/internal/repository"
	"lmsforum-sync/internal/service"
	"lmsforum-sync/internal/websocket"

	"github.com/sirupsen/logrus"
)

// App owns every long-lived component of the sync server.
type App struct {
	cfg    *config.Config
	logger *logrus.Logger
	log    *logrus.Entry

	db        *sql.DB
	outbox    *outbox.Outbox
	broker    *service.BrokerHandle
	sync      *service.SyncService
	conflicts *service.ConflictService
	retries   *service.RetryScheduler
	relay     *outbox.Relay
	hub       *websocket.Hub
	server    *http.Server
}

// New opens the stores and assembles the pipeline. The broker is dialed in Run.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
		log:    logging.Component(logger, "app"),
	}

	db, err := repository.OpenPostgres(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	a.db = db

	couch, err := repository.ConnectCouch(ctx, cfg.Database.URL(), cfg.Database.Name)
	if err != nil {
		a.Close()
		return nil, err
	}

	box, err := outbox.Open(cfg.Outbox.Path)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.outbox = box

	stateRepo := repository.NewSyncStateRepository(db)
	ledger := service.NewLedger(repository.NewTransactionRepository(couch, cfg.Database.Name))
	conflictRepo := repository.NewConflictRepository(couch, cfg.Database.Name)

	a.hub = websocket.NewHub(websocket.HubOptions{
		MaxConnPerOperator: cfg.WebSocket.MaxConnPerUser,
		MaxMessageSize:     cfg.WebSocket.MaxMessageSize,
		WriteWait:          cfg.WebSocket.WriteWait,
		PongWait:           cfg.WebSocket.PongWait,
		PingPeriod:         cfg.WebSocket.PingPeriod,
	}, logging.Component(logger, "websocket"))

	a.broker = service.NewBrokerHandle()
	publisher := service.NewPublisher(a.broker, stateRepo, cfg.Sync.NodeID, logging.Component(logger, "publisher"))

	a.conflicts = service.NewConflictService(
		conflictRepo,
		stateRepo,
		publisher,
		a.hub,
		cfg.Sync.DefaultStrategy,
		logging.Component(logger, "conflicts"),
	)

	builtins := service.NewBuiltinProcessors(
		client.NewLMSClient(cfg.LMS.BaseURL, cfg.LMS.Token),
		client.NewForumClient(cfg.Forum.BaseURL, cfg.Forum.APIKey, cfg.Forum.APIUser),
		stateRepo,
		a.conflicts,
		logging.Component(logger, "processors"),
	)

	a.sync = service.NewSyncService(
		a.broker,
		publisher,
		ledger,
		stateRepo,
		a.conflicts,
		service.Registry{},
		builtins,
		a.hub,
		service.SyncOptions{Workers: cfg.Broker.Workers, Prefetch: cfg.Broker.Prefetch},
		logging.Component(logger, "sync"),
	)

	a.retries = service.NewRetryScheduler(stateRepo, publisher, service.RetryPolicy{
		Interval:    cfg.Sync.RetryInterval,
		Limit:       cfg.Sync.RetryLimit,
		BackoffBase: cfg.Sync.RetryBackoffBase,
		BackoffMax:  cfg.Sync.RetryBackoffMax,
		MaxAttempts: cfg.Sync.RetryMaxAttempts,
	}, logging.Component(logger, "retry"))

	a.relay = outbox.NewRelay(box, publisher, cfg.Outbox.RelayInterval, logging.Component(logger, "outbox"))

	router := NewRouter(RouterDeps{
		Config:     cfg,
		Operator:   handler.NewOperatorHandler(a.sync, a.conflicts, a.retries, logging.Component(logger, "http")),
		Webhooks:   handler.NewWebhookHandler(publisher, box, logging.Component(logger, "http")),
		WebSockets: handler.NewWebSocketHandler(a.hub, cfg.JWT.Secret, cfg.WebSocket, logging.Component(logger, "http")),
		Log:        logging.Component(logger, "http"),
	})

	a.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return a, nil
}

// Run serves until ctx is cancelled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}
	stop := func() {
		cancel()
		a.shutdown()
		wg.Wait()
	}

	background(a.hub.Run)

	serveErr := make(chan error, 1)
	go func() {
		a.log.WithFields(logrus.Fields{
			"addr": a.server.Addr,
			"env":  a.cfg.Server.Env,
			"node": a.cfg.Sync.NodeID,
		}).Info("starting lmsforum sync server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Webhooks arriving before the broker is attached are spooled.
	broker, err := DialBroker(runCtx, a.cfg.Broker, logging.Component(a.logger, "broker"))
	if err != nil {
		stop()
		return err
	}
	if err := a.sync.Initialize(runCtx, broker); err != nil {
		broker.Close()
		stop()
		return err
	}
	if err := a.sync.StartProcessing(runCtx); err != nil {
		stop()
		return err
	}

	if a.cfg.Sync.RetrySchedulerOn {
		background(a.retries.Run)
	}
	background(a.relay.Run)

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("server failed: %w", err)
		}
	}

	a.log.Info("shutting down")
	stop()
	return err
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Error("server forced to shutdown")
	}
	if err := a.sync.Stop(); err != nil {
		a.log.WithError(err).Warn("broker close failed")
	}
}

// Close releases the stores opened by New.
func (a *App) Close() {
	if a.outbox != nil {
		if err := a.outbox.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close outbox")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
