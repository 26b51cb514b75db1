// Package engine runs the single trading loop. All state transitions go
// through this one goroutine: webhook signals are queued and drained
// here, strategies are polled here, exits are evaluated here. Nothing
// else touches the position manager concurrently except explicit manual
// operations from the HTTP layer.
package engine

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradebot/src/errs"
	"tradebot/src/model"
	"tradebot/src/risk"
	"tradebot/src/strategy"
)

const queueCapacity = 100

type positionManager interface {
	Open(ctx context.Context, sig *model.Signal) error
	Close(ctx context.Context, symbol, reason string) error
	EvaluateAll(ctx context.Context)
	Reconcile(ctx context.Context) error
	Snapshot() []model.Position
}

type eventPublisher interface {
	Publish(event model.Event)
}

// Orchestrator owns the signal queue and the loop cadence.
type Orchestrator struct {
	positions  positionManager
	risk       *risk.Manager
	bus        eventPublisher
	strategies []strategy.Strategy

	loopInterval     time.Duration
	evaluateInterval time.Duration
	maxPerCycle      int

	queue chan *model.Signal
}

func New(positions positionManager, riskMgr *risk.Manager, bus eventPublisher, strategies []strategy.Strategy,
	loopInterval, evaluateInterval time.Duration, maxPerCycle int) *Orchestrator {
	if maxPerCycle <= 0 {
		maxPerCycle = 10
	}
	return &Orchestrator{
		positions:        positions,
		risk:             riskMgr,
		bus:              bus,
		strategies:       strategies,
		loopInterval:     loopInterval,
		evaluateInterval: evaluateInterval,
		maxPerCycle:      maxPerCycle,
		queue:            make(chan *model.Signal, queueCapacity),
	}
}

// Enqueue hands a signal to the loop. Returns a ValidationError when the
// queue is full; producers must never block the loop.
func (o *Orchestrator) Enqueue(sig *model.Signal) error {
	select {
	case o.queue <- sig:
		return nil
	default:
		logger.WithField("symbol", sig.Symbol).Warn("signal queue full, dropping")
		return errs.NewValidation("queue", "signal queue full")
	}
}

// QueueLen reports how many signals are waiting.
func (o *Orchestrator) QueueLen() int { return len(o.queue) }

// Run reconciles, then loops until ctx is cancelled. Reconciliation is
// best effort: a failure is logged and the loop starts anyway.
// Cancellation stops the loop cleanly: a final snapshot is published and
// queued signals are left undrained.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.positions.Reconcile(ctx); err != nil {
		logger.WithError(err).Error("startup reconciliation failed, continuing without it")
	}

	ticker := time.NewTicker(o.loopInterval)
	defer ticker.Stop()
	evalTicker := time.NewTicker(o.evaluateInterval)
	defer evalTicker.Stop()

	logger.WithFields(logger.Fields{
		"loop_interval":     o.loopInterval,
		"evaluate_interval": o.evaluateInterval,
	}).Info("trading loop started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("trading loop stopped")
			o.publishSnapshot()
			return nil

		case <-evalTicker.C:
			o.positions.EvaluateAll(ctx)

		case <-ticker.C:
			o.drainSignals(ctx)
			o.runStrategies(ctx)
			o.publishSnapshot()
		}
	}
}

// drainSignals processes at most maxPerCycle queued signals so one burst
// cannot monopolize a cycle.
func (o *Orchestrator) drainSignals(ctx context.Context) {
	for i := 0; i < o.maxPerCycle; i++ {
		select {
		case sig := <-o.queue:
			if sig == nil {
				continue
			}
			var err error
			if sig.Action == model.ActionClose {
				err = o.positions.Close(ctx, sig.Symbol, model.CloseReasonSignal)
			} else {
				err = o.positions.Open(ctx, sig)
			}
			if err != nil {
				logger.WithError(err).WithFields(logger.Fields{
					"symbol": sig.Symbol,
					"side":   sig.Side,
					"action": sig.Action,
				}).Warn("signal not executed")
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) runStrategies(ctx context.Context) {
	for _, strat := range o.strategies {
		signals, err := strat.Evaluate(ctx)
		if err != nil {
			logger.WithError(err).WithField("strategy", strat.Name()).Warn("strategy evaluation failed")
			continue
		}
		for _, sig := range signals {
			if sig == nil {
				continue
			}
			sig.Source = strat.Name()
			if err := o.Enqueue(sig); err != nil {
				logger.WithError(err).WithField("strategy", strat.Name()).Warn("strategy signal dropped")
			}
		}
	}
}

func (o *Orchestrator) publishSnapshot() {
	if o.bus == nil {
		return
	}
	o.bus.Publish(model.Event{
		Type: model.EventSnapshot,
		Snapshot: &model.BotSnapshot{
			Positions: o.positions.Snapshot(),
			DailyPnL:  o.risk.DailyPnL(),
			QueueLen:  len(o.queue),
			At:        time.Now(),
		},
	})
}
