// Package server exposes the bot over HTTP: the TradingView webhook,
// read-only state endpoints, and a websocket event stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/model"
	"tradebot/src/repository"
)

type signalEnqueuer interface {
	Enqueue(sig *model.Signal) error
	QueueLen() int
}

type positionService interface {
	Snapshot() []model.Position
	Close(ctx context.Context, symbol, reason string) error
}

type tradeReader interface {
	GetHistoricalTrades(ctx context.Context, opts repository.TradeSearchOptions) ([]model.ClosedTrade, error)
	Totals(ctx context.Context, t time.Time) (*repository.TradeTotals, error)
}

type eventSource interface {
	Subscribe() (<-chan model.Event, func())
}

// Server wires the HTTP surface to the trading core.
type Server struct {
	queue     signalEnqueuer
	positions positionService
	trades    tradeReader
	events    eventSource
	tokenHash string
}

func New(queue signalEnqueuer, positions positionService, trades tradeReader, events eventSource, tokenHash string) *Server {
	return &Server{
		queue:     queue,
		positions: positions,
		trades:    trades,
		events:    events,
		tokenHash: tokenHash,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("\"/healthcheck\" error")
		}
	})

	r.Post("/webhook", s.webhookHandler)
	r.Get("/positions", s.positionsHandler)
	r.Post("/positions/{symbol}/close", s.closePositionHandler)
	r.Get("/trades", s.tradesHandler)
	r.Get("/report", s.reportHandler)
	r.Get("/ws", s.wsHandler)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port string) error {
	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown error")
		return err
	}
	return nil
}
