package trading

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"session-trader/internal/audit"
	"session-trader/internal/broker"
	"session-trader/internal/errors"
	"session-trader/internal/logging"
	"session-trader/internal/models"
	"session-trader/internal/notify"
	"session-trader/internal/risk"
	"session-trader/internal/schedule"
	"session-trader/internal/store"
	"session-trader/internal/strategy"
)

// Deps are the orchestrator's collaborators.
type Deps struct {
	Broker    broker.Port
	Notifier  notify.Notifier
	Trades    store.TradeStore
	Snapshots store.Snapshotter
	Clock     schedule.Clock
	Audit     audit.Recorder
	Logger    zerolog.Logger
}

// Orchestrator owns the venues, the position table and every per-symbol
// timer. It is driven by a single goroutine and is not safe for concurrent
// use.
type Orchestrator struct {
	cfg       Config
	broker    broker.Port
	notifier  notify.Notifier
	trades    store.TradeStore
	snapshots store.Snapshotter
	clock     schedule.Clock
	audit     audit.Recorder
	logger    zerolog.Logger

	orb      *strategy.ORB
	momentum *strategy.Momentum

	venues       []*venue
	positions    map[string]*models.Position
	cooldowns    map[string]time.Time // symbol -> close time
	exitFailures map[string]int
	manualHalt   bool
}

// New validates the configuration and builds an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Broker == nil {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "broker is required")
	}
	if deps.Trades == nil || deps.Snapshots == nil {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "trade store and snapshotter are required")
	}
	if len(cfg.Venues) == 0 {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "no venues configured")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = schedule.SystemClock{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if cfg.Strategy.Kind == "" {
		cfg.Strategy.Kind = strategy.KindORB
	}
	defaults := DefaultTiming()
	if cfg.Timing.CheckInterval <= 0 {
		cfg.Timing.CheckInterval = defaults.CheckInterval
	}
	if cfg.Timing.ShutdownTimeout <= 0 {
		cfg.Timing.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.Strategy.MomentumTimeframe <= 0 {
		cfg.Strategy.MomentumTimeframe = 5
	}
	if cfg.Strategy.MomentumBars <= 0 {
		cfg.Strategy.MomentumBars = 40
	}
	if cfg.Label == "" {
		cfg.Label = "Session Trader"
	}

	o := &Orchestrator{
		cfg:          cfg,
		broker:       deps.Broker,
		notifier:     deps.Notifier,
		trades:       deps.Trades,
		snapshots:    deps.Snapshots,
		clock:        deps.Clock,
		audit:        deps.Audit,
		logger:       logging.WithComponent(deps.Logger, "orchestrator"),
		orb:          strategy.NewORB(cfg.Strategy.VolumeMultiplier),
		momentum:     strategy.NewMomentum(cfg.Strategy.Momentum),
		positions:    make(map[string]*models.Position),
		cooldowns:    make(map[string]time.Time),
		exitFailures: make(map[string]int),
	}

	owner := make(map[string]string)
	for _, vc := range cfg.Venues {
		if vc.Exchange == nil {
			return nil, errors.Wrap(errors.ErrConfigInvalid, "venue without exchange calendar")
		}
		v := &venue{
			name:     vc.Exchange.Name,
			exchange: vc.Exchange,
			risk:     risk.NewManager(cfg.Risk),
			state:    ExchangeState{Phase: PhaseIdle},
		}
		for _, sym := range vc.Symbols {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym == "" {
				continue
			}
			if prev, dup := owner[sym]; dup {
				return nil, errors.Wrapf(errors.ErrConfigInvalid, "symbol %s listed on both %s and %s", sym, prev, v.name)
			}
			owner[sym] = v.name
			v.symbols = append(v.symbols, sym)
		}
		o.venues = append(o.venues, v)
	}

	return o, nil
}

// Run connects the broker, restores the snapshot and ticks until ctx is
// cancelled, then runs the bounded shutdown sequence.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info().Str("broker", o.broker.Name()).Msg("Connecting to broker")
	if err := o.broker.Connect(ctx); err != nil {
		o.notify(ctx, msgStartFailed(o.cfg.Label, o.broker.Name(), err))
		return errors.Wrap(err, "connecting to broker")
	}

	o.Restore(ctx)

	names := make([]string, 0, len(o.venues))
	for _, v := range o.venues {
		names = append(names, v.name)
	}
	o.logger.Info().
		Strs("venues", names).
		Str("strategy", string(o.cfg.Strategy.Kind)).
		Bool("paper", o.cfg.Paper).
		Dur("interval", o.cfg.Timing.CheckInterval).
		Msg("Trading loop started")
	o.notify(ctx, msgStarted(o.cfg, o.broker.Name(), len(o.openPositions())))
	o.record(ctx, audit.Event{
		Type:    audit.EngineStarted,
		Action:  string(o.cfg.Strategy.Kind),
		Success: true,
		Details: map[string]interface{}{"broker": o.broker.Name(), "venues": names, "paper": o.cfg.Paper},
	})

	ticker := time.NewTicker(o.cfg.Timing.CheckInterval)
	defer ticker.Stop()

	for {
		o.Tick(ctx)
		select {
		case <-ctx.Done():
			return o.Shutdown()
		case <-ticker.C:
		}
	}
}

// Tick runs one pass: every venue's state machine, then position
// monitoring, then the command queue.
func (o *Orchestrator) Tick(ctx context.Context) {
	for _, v := range o.venues {
		if ctx.Err() != nil {
			return
		}
		v := v
		o.safely("venue "+v.name, func() { o.processVenue(ctx, v) })
	}
	if ctx.Err() != nil {
		return
	}
	o.updatePositions(ctx)
	o.processCommands(ctx)
}

// Shutdown optionally flattens every position, flushes the snapshot,
// announces the stop and disconnects, all within the shutdown timeout.
func (o *Orchestrator) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Timing.ShutdownTimeout)
	defer cancel()

	o.logger.Info().Bool("close_positions", o.cfg.ClosePositionsOnShutdown).Msg("Shutting down")

	if o.cfg.ClosePositionsOnShutdown {
		for _, pos := range o.openPositions() {
			if ctx.Err() != nil {
				o.logger.Warn().Msg("Shutdown timeout reached before all positions were closed")
				break
			}
			o.safely("shutdown close "+pos.Symbol, func() {
				o.exitPosition(ctx, pos, o.priceFor(ctx, pos), models.CloseReasonManual)
			})
		}
	}

	o.saveSnapshot()
	o.notify(ctx, msgStopped(o.cfg.Label, o.openPositions()))
	o.record(ctx, audit.Event{
		Type:    audit.EngineStopped,
		Success: true,
		Details: map[string]interface{}{"open_positions": len(o.openPositions())},
	})

	if err := o.broker.Disconnect(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Broker disconnect failed")
		return errors.Wrap(err, "disconnecting broker")
	}
	o.logger.Info().Msg("Shutdown complete")
	return nil
}

// Restore loads open positions from the snapshot and logs how they compare
// with the broker's holdings.
func (o *Orchestrator) Restore(ctx context.Context) {
	loaded, err := o.snapshots.Load()
	if err != nil {
		o.logger.Warn().Err(err).Msg("Could not load position snapshot")
		return
	}
	for sym, pos := range loaded {
		if pos.IsOpen() {
			o.positions[sym] = pos
			o.record(ctx, audit.Event{
				Type:    audit.PositionRestored,
				Venue:   pos.Exchange,
				Symbol:  sym,
				OrderID: pos.OrderID,
				Action:  string(pos.Side),
				Success: true,
			})
		}
	}
	o.logger.Info().Int("loaded", len(loaded)).Int("open", len(o.positions)).Msg("Position snapshot restored")

	held, err := o.broker.OpenPositions(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Could not fetch broker positions for reconciliation")
		return
	}
	bySymbol := make(map[string]models.BrokerPosition, len(held))
	for _, bp := range held {
		bySymbol[bp.Symbol] = bp
	}
	for sym, pos := range o.positions {
		bp, ok := bySymbol[sym]
		switch {
		case !ok:
			o.logger.Warn().Str("symbol", sym).Msg("Restored position not held by broker; it will resolve on the next bracket check or close")
		case bp.Side != pos.Side || bp.Quantity != pos.Quantity:
			o.logger.Warn().Str("symbol", sym).
				Str("local_side", string(pos.Side)).Float64("local_qty", pos.Quantity).
				Str("broker_side", string(bp.Side)).Float64("broker_qty", bp.Quantity).
				Msg("Restored position differs from broker holding")
		default:
			o.logger.Info().Str("symbol", sym).Msg("Restored position matches broker")
		}
		delete(bySymbol, sym)
	}
	for sym, bp := range bySymbol {
		o.logger.Warn().Str("symbol", sym).Str("side", string(bp.Side)).Float64("quantity", bp.Quantity).
			Msg("Broker holds a position this bot does not track")
	}
}

// Phase reports the current phase of a venue.
func (o *Orchestrator) Phase(venueName string) (Phase, bool) {
	for _, v := range o.venues {
		if v.name == venueName {
			return v.state.Phase, true
		}
	}
	return "", false
}

// Position returns the tracked position for symbol.
func (o *Orchestrator) Position(symbol string) (*models.Position, bool) {
	pos, ok := o.positions[symbol]
	return pos, ok
}

func (o *Orchestrator) venueOf(name string) *venue {
	for _, v := range o.venues {
		if v.name == name {
			return v
		}
	}
	return nil
}

// openPositions returns the open positions ordered by symbol.
func (o *Orchestrator) openPositions() []*models.Position {
	syms := make([]string, 0, len(o.positions))
	for sym, pos := range o.positions {
		if pos.IsOpen() {
			syms = append(syms, sym)
		}
	}
	sort.Strings(syms)
	out := make([]*models.Position, 0, len(syms))
	for _, sym := range syms {
		out = append(out, o.positions[sym])
	}
	return out
}

func (o *Orchestrator) saveSnapshot() {
	if err := o.snapshots.Save(o.positions); err != nil {
		o.logger.Warn().Err(err).Msg("Could not save position snapshot")
	}
}

func (o *Orchestrator) notify(ctx context.Context, text string) {
	if err := o.notifier.Notify(ctx, text); err != nil {
		o.logger.Warn().Err(err).Msg("Notification failed")
	}
}

// record appends an audit event stamped with the engine clock.
func (o *Orchestrator) record(ctx context.Context, ev audit.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.clock.Now()
	}
	if err := o.audit.Record(ctx, ev); err != nil {
		o.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Audit write failed")
	}
}

// safely runs fn, converting a panic into an error log.
func (o *Orchestrator) safely(scope string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("scope", scope).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic")
		}
	}()
	fn()
}
