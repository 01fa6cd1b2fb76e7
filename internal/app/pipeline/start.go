// Package pipeline wires the stage views, coordinator and HTTP surface
// into one runnable service.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"atelier-system/internal/common/logger"
	"atelier-system/internal/feed"
	"atelier-system/internal/normalize"
	"atelier-system/internal/stage"
	"atelier-system/internal/store"
	"atelier-system/internal/transition"
)

// Services is the composed core: four stage views over one change feed,
// one coordinator, one cross-stage bus.
type Services struct {
	Views       []*stage.View
	Coordinator *transition.Coordinator
	Bus         *transition.Bus
}

// Build composes the core against st. publisher may be nil when no broker
// is configured.
func Build(st store.Store, publisher transition.Publisher, log *logger.Logger) *Services {
	norm := normalize.New(normalize.LoggerSink{Log: log.WithService("diagnostics")})
	adapter := feed.New(st, store.Orders, log.WithService("feed"))
	views := stage.All(stage.Deps{
		Store:      st,
		Normalizer: norm,
		Feed:       adapter,
		Log:        log.WithService("stage"),
	})
	bus := transition.NewBus(publisher, log.WithService("bus"))
	coord := transition.New(st, norm, views, bus, log.WithService("transition"))
	return &Services{Views: views, Coordinator: coord, Bus: bus}
}

// Run starts the views and serves the HTTP surface until ctx is cancelled.
func Run(ctx context.Context, port int, svc *Services, log *logger.Logger) error {
	for _, v := range svc.Views {
		if err := v.Start(ctx); err != nil {
			// views keep serving their last snapshot and reload off the
			// feed; a failed initial load is not fatal
			log.Error("initial_load_failed", err, map[string]any{"view": v.Name()})
		}
		defer v.Stop()
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: NewHandler(svc, log.WithService("http")).Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("pipeline_listening", map[string]any{"port": port})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
