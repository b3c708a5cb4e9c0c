package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go.lepak.sg/bikeshare-backend/refresh"
	"go.lepak.sg/bikeshare-backend/server/handler/events"
	"go.lepak.sg/bikeshare-backend/server/handler/history"
	"go.lepak.sg/bikeshare-backend/server/handler/stations"
	"go.lepak.sg/bikeshare-backend/server/handler/status"
)

const shutdownTimeout = 10 * time.Second

type Param struct {
	Addr     string
	PromAddr string

	Controller *refresh.Controller
	// Background refresh period, 0 disables the loop
	RefreshInterval time.Duration
	// Serves /v1/stations/{id}/history when set
	History history.Store

	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Handler builds the public mux. The returned stop function ends the
// background refresh loop and detaches the event stream.
func Handler(ctx context.Context, p Param) (http.Handler, func()) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()

	st := stations.MustNew(stations.NewParam{
		Ctx:             ctx,
		Controller:      p.Controller,
		RefreshInterval: p.RefreshInterval,
		Logger:          logger,
		Registerer:      p.Registerer,
	})
	st.Register(mux)

	ev := events.New(logger)
	detach := p.Controller.Attach(ev)
	mux.Handle("GET /v1/events", ev)

	mux.Handle("GET /v1/status", status.Handler{Source: p.Controller, Logger: logger})

	if p.History != nil {
		mux.Handle("GET /v1/stations/{id}/history", history.Handler{
			Store:  p.History,
			Source: p.Controller,
			Logger: logger,
		})
	}

	return mux, func() {
		st.Stop()
		detach()
	}
}

// StartHttp starts the http server. It blocks until the context is cancelled, then it will shut down the server.
// It will also start a secondary server to serve prometheus metrics.
// Obviously, in the reverse proxy config, only route requests to the first addr and not the second
func StartHttp(ctx context.Context, p Param) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	promMux := http.NewServeMux()
	promMux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	promSrv := &http.Server{
		Addr:    p.PromAddr,
		Handler: promMux,
	}

	g, gctx := errgroup.WithContext(ctx)

	handler, stop := Handler(ctx, p)
	defer stop()
	srv := &http.Server{
		Addr:    p.Addr,
		Handler: handler,
		// event streams hold requests open, cancel them on shutdown
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	serve := func(name string, s *http.Server) {
		g.Go(func() error {
			logger.Info("listening", zap.String("server", name), zap.String("addr", s.Addr))
			err := s.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			// block here
			<-gctx.Done()

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := s.Shutdown(sctx); err != nil {
				logger.Error("error shutting down", zap.String("server", name), zap.Error(err))
			}
			return nil
		})
	}
	serve("prom", promSrv)
	serve("main", srv)

	return g.Wait()
}
