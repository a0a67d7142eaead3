// Package dispatchservice assembles the HTTP surface and the optional
// in-process scheduler around the outbox dispatcher.
package dispatchservice

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"

	"github.com/tinywideclouds/go-outbox-dispatcher/dispatchservice/config"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/api"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/pipeline"
)

type Wrapper struct {
	*microservice.BaseServer
	scheduler *pipeline.Scheduler
	logger    *slog.Logger

	mu            sync.Mutex
	stopScheduler context.CancelFunc
	schedulerDone chan struct{}
}

// New assembles the service. dispatcher is nil when the store is not
// configured; the endpoint then answers every POST with MISSING_SUPABASE_ENV.
func New(
	cfg *config.Config,
	dispatcher *pipeline.Dispatcher,
	metricsHandler http.Handler,
	logger *slog.Logger,
) *Wrapper {
	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Dispatch endpoint
	var runner api.Runner
	if dispatcher != nil {
		runner = dispatcher
	}
	dispatchAPI := api.NewDispatchAPI(runner, cfg.DispatchSecret, cfg.DefaultLimit, logger)

	// Register Routes
	mux := baseServer.Mux()
	mux.Handle("/dispatch", dispatchAPI)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	w := &Wrapper{
		BaseServer: baseServer,
		logger:     logger.With("component", "DispatchService"),
	}

	// 3. Optional scheduler
	if cfg.ScheduleInterval > 0 && dispatcher != nil {
		w.scheduler = pipeline.NewScheduler(dispatcher, cfg.ScheduleInterval, cfg.DefaultLimit, logger)
	} else if cfg.ScheduleInterval > 0 {
		w.logger.Warn("Scheduler disabled: store is not configured")
	}
	return w
}

// Start runs the scheduler, if any, and blocks serving HTTP.
func (w *Wrapper) Start(ctx context.Context) error {
	if w.scheduler != nil {
		schedCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		w.mu.Lock()
		w.stopScheduler = cancel
		w.schedulerDone = done
		w.mu.Unlock()

		go func() {
			defer close(done)
			w.scheduler.Start(schedCtx)
		}()
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")

	w.mu.Lock()
	stop, done := w.stopScheduler, w.schedulerDone
	w.mu.Unlock()
	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			w.logger.Warn("Scheduler did not stop before shutdown deadline")
		}
	}

	var finalErr error
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
