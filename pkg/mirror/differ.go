package mirror

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/pkg/exchange"
	"copytrader/pkg/stream"
)

const (
	// defaultFlushWindow is how long partial fills for one orderId are
	// aggregated before a single event is emitted.
	defaultFlushWindow = 500 * time.Millisecond

	// filledHistory bounds the remembered fill oids used to tell a
	// cancellation apart from a fill-driven disappearance.
	filledHistory = 4096
)

// Differ owns the last-known target snapshot, merges raw stream updates into
// it and emits canonical events. It is not goroutine-safe: the supervisor
// drives it from a single task.
type Differ struct {
	flushWindow time.Duration
	blocklist   map[string]struct{}

	snapshot *exchange.AccountSnapshot

	// explained accumulates signed fill deltas per symbol that a position
	// record has not yet confirmed. A record matching the explained size
	// merges silently; the fills already describe what happened.
	explained map[string]decimal.Decimal

	pending    map[int64]*pendingFill
	pendingSeq []int64

	filled    map[int64]struct{}
	filledSeq []int64
}

type pendingFill struct {
	orderID       int64
	symbol        string
	direction     exchange.Direction
	size          decimal.Decimal
	notional      decimal.Decimal // size-weighted price accumulator
	startPosition decimal.Decimal
	first         time.Time
}

// DifferOption customises the differ.
type DifferOption func(*Differ)

// WithFlushWindow overrides the partial-fill aggregation window.
func WithFlushWindow(window time.Duration) DifferOption {
	return func(d *Differ) {
		if window > 0 {
			d.flushWindow = window
		}
	}
}

// NewDiffer constructs a differ with the given symbol blocklist.
func NewDiffer(blocklist []string, opts ...DifferOption) *Differ {
	d := &Differ{
		flushWindow: defaultFlushWindow,
		blocklist:   make(map[string]struct{}, len(blocklist)),
		snapshot:    emptySnapshot(),
		explained:   make(map[string]decimal.Decimal),
		pending:     make(map[int64]*pendingFill),
		filled:      make(map[int64]struct{}),
	}
	for _, symbol := range blocklist {
		if key := canonical(symbol); key != "" {
			d.blocklist[key] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func canonical(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

func emptySnapshot() *exchange.AccountSnapshot {
	return &exchange.AccountSnapshot{
		Positions: make(map[string]exchange.Position),
		Orders:    make(map[int64]exchange.Order),
	}
}

// Seed installs the initial snapshot without emitting events.
func (d *Differ) Seed(snap *exchange.AccountSnapshot) {
	if snap == nil {
		snap = emptySnapshot()
	}
	d.snapshot = normalizeSnapshot(snap)
	d.explained = make(map[string]decimal.Decimal)
	d.pending = make(map[int64]*pendingFill)
	d.pendingSeq = nil
}

// Snapshot returns a read-only copy of the target snapshot.
func (d *Differ) Snapshot() *exchange.AccountSnapshot {
	return d.snapshot.Clone()
}

// Apply merges one stream update. Within the update, fills are handled
// before position records, position records before order records. Emitted
// events have already passed the blocklist.
func (d *Differ) Apply(update stream.Update, now time.Time) []Event {
	var events []Event

	for _, fill := range update.Fills {
		d.absorbFill(fill, now)
	}
	events = append(events, d.flushDue(now)...)

	for _, record := range update.Positions {
		events = append(events, d.reconcilePosition(record, now)...)
	}

	var canceled []Event
	for _, order := range update.Orders {
		if _, known := d.snapshot.Orders[order.ID]; !known {
			placed := order
			events = append(events, Event{
				Kind:    EventOrderPlaced,
				Symbol:  canonical(order.Symbol),
				Side:    order.Side,
				Size:    order.Size,
				Price:   order.LimitPrice,
				Order:   &placed,
				OrderID: order.ID,
				Time:    now,
			})
		}
		d.snapshot.Orders[order.ID] = order
	}
	live := make(map[int64]struct{}, len(update.Orders))
	for _, order := range update.Orders {
		live[order.ID] = struct{}{}
	}
	for _, oid := range update.OrderIDs {
		if _, stillOpen := live[oid]; stillOpen {
			continue
		}
		prior, known := d.snapshot.Orders[oid]
		if !known {
			continue
		}
		delete(d.snapshot.Orders, oid)
		if _, wasFilled := d.filled[oid]; wasFilled {
			continue
		}
		gone := prior
		canceled = append(canceled, Event{
			Kind:    EventOrderCanceled,
			Symbol:  canonical(prior.Symbol),
			Side:    prior.Side,
			Size:    prior.Size,
			Order:   &gone,
			OrderID: oid,
			Time:    now,
		})
	}
	events = append(events, canceled...)

	return d.filterBlocked(events)
}

// Flush emits aggregated fill events whose window has elapsed. The
// supervisor calls it on a short ticker.
func (d *Differ) Flush(now time.Time) []Event {
	return d.filterBlocked(d.flushDue(now))
}

// Resnapshot diffs a freshly fetched snapshot against current state,
// emitting events for anything the stream gap hid, then replaces the
// snapshot wholesale. Re-applying an identical snapshot emits nothing.
func (d *Differ) Resnapshot(snap *exchange.AccountSnapshot, now time.Time) []Event {
	if snap == nil {
		return nil
	}
	snap = normalizeSnapshot(snap)
	events := d.flushAll(now)

	// Union of symbols with any prior, explained or incoming state.
	symbols := make(map[string]struct{})
	for key := range d.snapshot.Positions {
		symbols[key] = struct{}{}
	}
	for key := range d.explained {
		symbols[key] = struct{}{}
	}
	for key := range snap.Positions {
		symbols[key] = struct{}{}
	}
	for key := range symbols {
		expected := d.expectedSize(key)
		incoming := snap.Positions[key] // zero value when absent
		incoming.Symbol = key
		events = append(events, diffPosition(key, expected, incoming, now)...)
	}

	for oid, order := range snap.Orders {
		if _, known := d.snapshot.Orders[oid]; !known {
			placed := order
			events = append(events, Event{
				Kind:    EventOrderPlaced,
				Symbol:  canonical(order.Symbol),
				Side:    order.Side,
				Size:    order.Size,
				Price:   order.LimitPrice,
				Order:   &placed,
				OrderID: oid,
				Time:    now,
			})
		}
	}
	for oid, prior := range d.snapshot.Orders {
		if _, stillOpen := snap.Orders[oid]; stillOpen {
			continue
		}
		if _, wasFilled := d.filled[oid]; wasFilled {
			continue
		}
		gone := prior
		events = append(events, Event{
			Kind:    EventOrderCanceled,
			Symbol:  canonical(prior.Symbol),
			Side:    prior.Side,
			Size:    prior.Size,
			Order:   &gone,
			OrderID: oid,
			Time:    now,
		})
	}

	d.snapshot = snap
	d.explained = make(map[string]decimal.Decimal)
	return d.filterBlocked(events)
}

// absorbFill merges a fill into the pending aggregation and records its
// delta as explained for the symbol.
func (d *Differ) absorbFill(fill exchange.Fill, now time.Time) {
	key := canonical(fill.Symbol)
	if key == "" || fill.Size.Sign() <= 0 {
		return
	}
	p, ok := d.pending[fill.OrderID]
	if !ok {
		p = &pendingFill{
			orderID:       fill.OrderID,
			symbol:        key,
			direction:     fill.Direction,
			startPosition: fill.StartPosition,
			first:         now,
		}
		d.pending[fill.OrderID] = p
		d.pendingSeq = append(d.pendingSeq, fill.OrderID)
	}
	p.size = p.size.Add(fill.Size)
	p.notional = p.notional.Add(fill.Size.Mul(fill.Price))

	delta := fill.Size
	if fill.Direction.Side() == exchange.SideSell {
		delta = delta.Neg()
	}
	d.explained[key] = d.explained[key].Add(delta)
	d.rememberFilled(fill.OrderID)
}

func (d *Differ) rememberFilled(oid int64) {
	if _, ok := d.filled[oid]; ok {
		return
	}
	d.filled[oid] = struct{}{}
	d.filledSeq = append(d.filledSeq, oid)
	if len(d.filledSeq) > filledHistory {
		oldest := d.filledSeq[0]
		d.filledSeq = d.filledSeq[1:]
		delete(d.filled, oldest)
	}
}

func (d *Differ) flushDue(now time.Time) []Event {
	var due []*pendingFill
	remaining := d.pendingSeq[:0]
	for _, oid := range d.pendingSeq {
		p := d.pending[oid]
		if p == nil {
			continue
		}
		if now.Sub(p.first) >= d.flushWindow {
			due = append(due, p)
			delete(d.pending, oid)
		} else {
			remaining = append(remaining, oid)
		}
	}
	d.pendingSeq = remaining
	return d.fillEvents(due, now)
}

func (d *Differ) flushAll(now time.Time) []Event {
	var all []*pendingFill
	for _, oid := range d.pendingSeq {
		if p := d.pending[oid]; p != nil {
			all = append(all, p)
		}
	}
	d.pending = make(map[int64]*pendingFill)
	d.pendingSeq = nil
	return d.fillEvents(all, now)
}

// fillEvents renders aggregated fills as events, opens before closes. The
// target's leverage, when a position record has reported it, rides along so
// open copies can match it.
func (d *Differ) fillEvents(fills []*pendingFill, now time.Time) []Event {
	sort.SliceStable(fills, func(i, j int) bool {
		return fills[i].direction.IsOpen() && !fills[j].direction.IsOpen()
	})
	events := make([]Event, 0, len(fills))
	for _, p := range fills {
		price := decimal.Zero
		if p.size.Sign() > 0 {
			price = p.notional.Div(p.size)
		}
		events = append(events, Event{
			Kind:      EventOrderFilled,
			Symbol:    p.symbol,
			Side:      p.direction.Side(),
			Size:      p.size,
			Price:     price,
			PriorSize: p.startPosition.Abs(),
			Leverage:  d.snapshot.Positions[p.symbol].Leverage,
			Direction: p.direction,
			OrderID:   p.orderID,
			Time:      now,
		})
	}
	return events
}

// expectedSize is the snapshot size adjusted by fills not yet confirmed by
// a position record.
func (d *Differ) expectedSize(key string) exchange.Position {
	pos := d.snapshot.Positions[key]
	pos.Symbol = key
	if delta, ok := d.explained[key]; ok {
		pos.Size = pos.Size.Add(delta)
	}
	return pos
}

// reconcilePosition merges one position record. A record matching the
// explained size is silent; anything else diffs against the expected state.
func (d *Differ) reconcilePosition(record exchange.Position, now time.Time) []Event {
	key := canonical(record.Symbol)
	if key == "" {
		return nil
	}
	expected := d.expectedSize(key)
	delete(d.explained, key)

	record.Symbol = key
	if record.Size.IsZero() {
		delete(d.snapshot.Positions, key)
	} else {
		d.snapshot.Positions[key] = record
	}
	return diffPosition(key, expected, record, now)
}

// diffPosition implements the position diff rules: open, close, increase,
// reduce, with a sign flip modeled as close-then-open.
func diffPosition(key string, prior exchange.Position, incoming exchange.Position, now time.Time) []Event {
	priorSize := prior.Size
	newSize := incoming.Size
	if priorSize.Equal(newSize) {
		return nil
	}

	opened := func(pos exchange.Position) Event {
		return Event{
			Kind:     EventPositionOpened,
			Symbol:   key,
			Side:     pos.Side(),
			Size:     pos.Size.Abs(),
			Price:    pos.EntryPrice,
			Leverage: pos.Leverage,
			Time:     now,
		}
	}
	closed := func(pos exchange.Position) Event {
		return Event{
			Kind:      EventPositionClosed,
			Symbol:    key,
			Side:      pos.Side().Opposite(),
			Size:      pos.Size.Abs(),
			PriorSize: pos.Size.Abs(),
			Price:     pos.EntryPrice,
			Time:      now,
		}
	}

	switch {
	case priorSize.IsZero():
		return []Event{opened(incoming)}
	case newSize.IsZero():
		return []Event{closed(prior)}
	case priorSize.Sign() != newSize.Sign():
		return []Event{closed(prior), opened(incoming)}
	case newSize.Abs().GreaterThan(priorSize.Abs()):
		return []Event{{
			Kind:      EventPositionIncreased,
			Symbol:    key,
			Side:      incoming.Side(),
			Size:      newSize.Abs().Sub(priorSize.Abs()),
			Price:     incoming.EntryPrice,
			PriorSize: priorSize.Abs(),
			Leverage:  incoming.Leverage,
			Time:      now,
		}}
	default:
		return []Event{{
			Kind:      EventPositionReduced,
			Symbol:    key,
			Side:      incoming.Side().Opposite(),
			Size:      priorSize.Abs().Sub(newSize.Abs()),
			Price:     incoming.EntryPrice,
			PriorSize: priorSize.Abs(),
			Time:      now,
		}}
	}
}

func (d *Differ) filterBlocked(events []Event) []Event {
	if len(d.blocklist) == 0 || len(events) == 0 {
		return events
	}
	kept := events[:0]
	for _, evt := range events {
		if _, blocked := d.blocklist[evt.Symbol]; blocked {
			continue
		}
		kept = append(kept, evt)
	}
	return kept
}

func normalizeSnapshot(snap *exchange.AccountSnapshot) *exchange.AccountSnapshot {
	out := snap.Clone()
	if out.Positions == nil {
		out.Positions = make(map[string]exchange.Position)
	}
	if out.Orders == nil {
		out.Orders = make(map[int64]exchange.Order)
	}
	for key, pos := range out.Positions {
		ck := canonical(key)
		if ck != key {
			delete(out.Positions, key)
		}
		pos.Symbol = ck
		out.Positions[ck] = pos
	}
	return out
}
