package mirror

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"copytrader/pkg/exchange"
	"copytrader/pkg/stream"
)

const (
	defaultReportInterval = time.Hour
	defaultFlushInterval  = 100 * time.Millisecond
)

// Source feeds target-account updates to the supervisor. stream.Subscriber
// implements it; tests substitute a scripted source.
type Source interface {
	Run(ctx context.Context) error
	Updates() <-chan stream.Update
}

// SupervisorConfig is the run-level wiring and policy for one copy session.
type SupervisorConfig struct {
	TargetAddress   string
	FollowerAddress string
	Settings        Settings

	// CopyOpenPositions mirrors the target's existing positions at startup.
	CopyOpenPositions bool
	// CopyOpenOrders mirrors the target's resting orders at startup.
	CopyOpenOrders bool
	// CloseOnExit flattens the follower account during shutdown.
	CloseOnExit bool

	ReportInterval time.Duration
	FlushInterval  time.Duration
}

// Supervisor owns all mutable session state: the pause flag, the balance
// ratio and the component wiring. Everything but the pause flag runs on its
// single Run loop; the flag is atomic so Pause takes effect before any
// update already queued behind it.
type Supervisor struct {
	cfg      SupervisorConfig
	reader   exchange.Gateway // target-side market data and snapshots
	trader   exchange.Gateway // follower-side order flow
	source   Source
	differ   *Differ
	executor *Executor
	notifier Notifier

	ratio    decimal.Decimal
	paused   atomic.Bool
	started  time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSupervisor assembles a session. reader serves target snapshots and
// market data; trader places follower orders (and may be a simulator).
func NewSupervisor(cfg SupervisorConfig, reader, trader exchange.Gateway, source Source, differ *Differ, executor *Executor, notifier Notifier) *Supervisor {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = defaultReportInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Supervisor{
		cfg:      cfg,
		reader:   reader,
		trader:   trader,
		source:   source,
		differ:   differ,
		executor: executor,
		notifier: notifier,
		ratio:    decimal.NewFromInt(1),
		stop:     make(chan struct{}),
	}
}

// Pause stops copying new opens immediately, including updates already
// queued. Closes, reduce-only orders and cancels keep flowing.
func (s *Supervisor) Pause() { s.setPaused(true, "operator command") }

// Resume re-enables copying after a pause.
func (s *Supervisor) Resume() { s.setPaused(false, "operator command") }

// Stop ends the session gracefully.
func (s *Supervisor) Stop() { s.stopOnce.Do(func() { close(s.stop) }) }

// Run bootstraps and processes events until ctx is canceled, Stop is called
// or the stream gives up. The returned error is nil for an operator stop.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	s.started = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	streamErr := make(chan error, 1)
	go func() { streamErr <- s.source.Run(runCtx) }()

	flushTicker := time.NewTicker(s.cfg.FlushInterval)
	defer flushTicker.Stop()
	reportTicker := time.NewTicker(s.cfg.ReportInterval)
	defer reportTicker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case err := <-streamErr:
			if ctx.Err() == nil {
				runErr = err
			}
			break loop
		case <-s.stop:
			break loop
		case update := <-s.source.Updates():
			s.handleUpdate(runCtx, update)
		case <-flushTicker.C:
			s.dispatch(runCtx, s.differ.Flush(time.Now()))
		case <-reportTicker.C:
			s.report(runCtx)
		}
	}

	cancel()
	s.shutdown(context.Background())
	return runErr
}

// bootstrap seeds the differ and the follower cache, and optionally mirrors
// the target's existing book.
func (s *Supervisor) bootstrap(ctx context.Context) error {
	target, err := s.reader.Snapshot(ctx, s.cfg.TargetAddress)
	if err != nil {
		return fmt.Errorf("target snapshot: %w", err)
	}
	follower, err := s.trader.Snapshot(ctx, s.cfg.FollowerAddress)
	if err != nil {
		return fmt.Errorf("follower snapshot: %w", err)
	}

	s.differ.Seed(target)
	s.executor.SetFollowerSnapshot(follower)
	s.recomputeRatio(target, follower)

	logx.Infow("session start",
		logx.Field("target", s.cfg.TargetAddress),
		logx.Field("targetBalance", target.Balance.String()),
		logx.Field("followerBalance", follower.Balance.String()),
		logx.Field("ratio", s.ratio.String()),
		logx.Field("targetPositions", len(target.Positions)),
	)

	if s.cfg.CopyOpenPositions {
		s.dispatch(ctx, s.syntheticOpens(target))
	}
	if s.cfg.CopyOpenOrders {
		s.dispatch(ctx, s.syntheticOrders(target))
	}
	return nil
}

// syntheticOpens renders existing target positions as open events so the
// normal sizing path copies them.
func (s *Supervisor) syntheticOpens(target *exchange.AccountSnapshot) []Event {
	now := time.Now()
	events := make([]Event, 0, len(target.Positions))
	for _, pos := range target.Positions {
		if !pos.IsOpen() {
			continue
		}
		events = append(events, Event{
			Kind:     EventPositionOpened,
			Symbol:   pos.Symbol,
			Side:     pos.Side(),
			Size:     pos.AbsSize(),
			Price:    pos.EntryPrice,
			Leverage: pos.Leverage,
			Time:     now,
		})
	}
	return events
}

func (s *Supervisor) syntheticOrders(target *exchange.AccountSnapshot) []Event {
	now := time.Now()
	events := make([]Event, 0, len(target.Orders))
	for id, order := range target.Orders {
		ord := order
		events = append(events, Event{
			Kind:    EventOrderPlaced,
			Symbol:  order.Symbol,
			Side:    order.Side,
			Size:    order.Size,
			Price:   order.LimitPrice,
			Order:   &ord,
			OrderID: id,
			Time:    now,
		})
	}
	return events
}

// handleUpdate routes one stream update. A resync marker forces fresh
// snapshots before the differ sees post-gap frames.
func (s *Supervisor) handleUpdate(ctx context.Context, update stream.Update) {
	if update.Resync {
		target, err := s.reader.Snapshot(ctx, s.cfg.TargetAddress)
		if err != nil {
			logx.Errorf("supervisor: resync target snapshot failed: %v", err)
			return
		}
		follower, err := s.trader.Snapshot(ctx, s.cfg.FollowerAddress)
		if err != nil {
			logx.Errorf("supervisor: resync follower snapshot failed: %v", err)
		} else {
			s.executor.SetFollowerSnapshot(follower)
			s.recomputeRatio(target, follower)
		}
		s.dispatch(ctx, s.differ.Resnapshot(target, time.Now()))
		return
	}
	s.dispatch(ctx, s.differ.Apply(update, time.Now()))
}

// dispatch sizes each event and submits the resulting actions.
func (s *Supervisor) dispatch(ctx context.Context, events []Event) {
	for _, evt := range events {
		follower := s.executor.FollowerSnapshot()
		sctx := Context{
			Ratio:    s.ratio,
			Follower: follower,
			Target:   s.differ.Snapshot(),
			Mid:      s.midPrice(ctx, evt.Symbol),
			Exposure: followerExposure(follower),
			Paused:   s.paused.Load(),
		}
		meta, err := s.reader.Asset(ctx, evt.Symbol)
		if err != nil {
			logx.Errorf("supervisor: no asset metadata for %s: %v", evt.Symbol, err)
			s.notifier.Send(NotifyError, map[string]interface{}{
				"symbol": evt.Symbol,
				"error":  err.Error(),
			})
			continue
		}
		sctx.Asset = *meta

		action, skipped := Size(evt, sctx, s.cfg.Settings)
		if skipped != nil {
			logx.Infow("skip",
				logx.Field("symbol", evt.Symbol),
				logx.Field("event", string(evt.Kind)),
				logx.Field("reason", skipped.Reason),
			)
			s.notifier.Send(NotifySkip, map[string]interface{}{
				"symbol": evt.Symbol,
				"event":  string(evt.Kind),
				"reason": skipped.Reason,
			})
			if skipped.AutoPause {
				s.setPaused(true, skipped.Reason)
			}
			continue
		}
		s.executor.Submit(ctx, *action)
	}
}

// midPrice is best effort; sizing degrades gracefully without it.
func (s *Supervisor) midPrice(ctx context.Context, symbol string) decimal.Decimal {
	mid, err := s.reader.MidPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero
	}
	return mid
}

// followerExposure sums position notionals at entry price.
func followerExposure(snap *exchange.AccountSnapshot) decimal.Decimal {
	total := decimal.Zero
	if snap == nil {
		return total
	}
	for _, pos := range snap.Positions {
		total = total.Add(pos.AbsSize().Mul(pos.EntryPrice))
	}
	return total
}

func (s *Supervisor) recomputeRatio(target, follower *exchange.AccountSnapshot) {
	if target == nil || follower == nil || target.Balance.Sign() <= 0 {
		return
	}
	s.ratio = follower.Balance.Div(target.Balance)
}

func (s *Supervisor) setPaused(paused bool, reason string) {
	if !s.paused.CompareAndSwap(!paused, paused) {
		return
	}
	if paused {
		logx.Infof("supervisor: paused (%s)", reason)
		s.notifier.Send(NotifyPaused, map[string]interface{}{"reason": reason})
	} else {
		logx.Infof("supervisor: resumed (%s)", reason)
		s.notifier.Send(NotifyResumed, map[string]interface{}{"reason": reason})
	}
}

// report emits the periodic session summary. Both balances drift as fills
// land, so the ratio is recomputed here from fresh snapshots.
func (s *Supervisor) report(ctx context.Context) {
	follower, err := s.trader.Snapshot(ctx, s.cfg.FollowerAddress)
	if err != nil {
		logx.Errorf("supervisor: report snapshot failed: %v", err)
		follower = s.executor.FollowerSnapshot()
	} else {
		s.executor.SetFollowerSnapshot(follower)
		if target, terr := s.reader.Snapshot(ctx, s.cfg.TargetAddress); terr != nil {
			logx.Errorf("supervisor: report target snapshot failed: %v", terr)
		} else {
			s.recomputeRatio(target, follower)
		}
	}

	payload := map[string]interface{}{
		"uptime":       time.Since(s.started).Round(time.Second).String(),
		"tradesCopied": s.executor.TradesCopied(),
		"ratio":        s.ratio.String(),
		"balance":      follower.Balance.String(),
		"equity":       follower.Equity.String(),
		"positions":    len(follower.Positions),
		"openOrders":   len(follower.Orders),
		"paused":       s.paused.Load(),
	}
	logx.Infow("session report", mapFields(payload)...)
	s.notifier.Send(NotifyReport, payload)
}

func mapFields(payload map[string]interface{}) []logx.LogField {
	fields := make([]logx.LogField, 0, len(payload))
	for key, value := range payload {
		fields = append(fields, logx.Field(key, value))
	}
	return fields
}

// shutdown drains the executor and optionally flattens the follower book.
func (s *Supervisor) shutdown(ctx context.Context) {
	if s.cfg.CloseOnExit {
		s.closeEverything(ctx)
	}
	s.executor.Shutdown()
	logx.Infof("supervisor: session ended, %d trades copied", s.executor.TradesCopied())
}

// closeEverything cancels resting orders and market-closes every follower
// position, straight against the gateway since the event loop has stopped.
func (s *Supervisor) closeEverything(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.trader.CancelAll(cctx, ""); err != nil {
		logx.Errorf("supervisor: cancel all on exit failed: %v", err)
	}
	follower, err := s.trader.Snapshot(cctx, s.cfg.FollowerAddress)
	if err != nil {
		logx.Errorf("supervisor: exit snapshot failed, positions left open: %v", err)
		return
	}
	s.executor.SetFollowerSnapshot(follower)
	for _, pos := range follower.Positions {
		if !pos.IsOpen() {
			continue
		}
		s.executor.Submit(cctx, IntendedAction{
			Kind:       ActionMarketClose,
			Symbol:     pos.Symbol,
			Side:       pos.Side().Opposite(),
			Size:       pos.AbsSize(),
			ReduceOnly: true,
		})
	}
}
