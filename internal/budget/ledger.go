// Package budget implements the hard spend ledger that gates every paid
// provider call.
//
// Callers reserve an estimated cost before a call and then either commit the
// actual cost or release the hold. Committed plus reserved spend never exceeds
// the configured total. Committed spend is persisted through a SpendStore so a
// restart never silently resets the budget.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

var (
	// ErrBudgetExceeded is returned when a reservation does not fit in the
	// remaining budget.
	ErrBudgetExceeded = errors.New("budget: budget exceeded")

	// ErrUnknownReservation is returned when committing a reservation that
	// was never made, was already settled, or has expired.
	ErrUnknownReservation = errors.New("budget: unknown reservation")

	// ErrInvalidAmount is returned for negative or non-finite amounts.
	ErrInvalidAmount = errors.New("budget: invalid amount")
)

// DefaultReservationWindow bounds how long a reservation may stay uncommitted.
const DefaultReservationWindow = 10 * time.Minute

const alertTimeout = 30 * time.Second

// ReservationID identifies a provisional budget hold.
type ReservationID string

// Alerter receives budget threshold alerts.
type Alerter interface {
	Notify(ctx context.Context, event models.AlertEvent) []models.DeliveryRecord
}

type reservation struct {
	amount    float64
	createdAt time.Time
}

// Options configures a Ledger.
type Options struct {
	Name              string // store key; "default" when empty
	Total             float64
	WarnThreshold     float64
	ReservationWindow time.Duration
	Store             SpendStore
	Alerter           Alerter
	Clock             func() time.Time
}

// Snapshot is a point-in-time view of the ledger.
type Snapshot struct {
	Total              float64 `json:"total_usd"`
	Committed          float64 `json:"committed_usd"`
	Reserved           float64 `json:"reserved_usd"`
	Remaining          float64 `json:"remaining_usd"`
	WarnThreshold      float64 `json:"warn_threshold_usd"`
	ActiveReservations int     `json:"active_reservations"`
	Warned             bool    `json:"warned"`
	Exhausted          bool    `json:"exhausted"`
}

// Ledger tracks total, committed and reserved spend.
type Ledger struct {
	mu           sync.Mutex
	name         string
	total        float64
	committed    float64
	reserved     float64
	warn         float64
	window       time.Duration
	reservations map[ReservationID]reservation
	warned       bool
	exhausted    bool

	store   SpendStore
	alerter Alerter
	alerts  sync.WaitGroup
	now     func() time.Time
}

// NewLedger creates a ledger. Committed spend starts at zero until Restore is
// called.
func NewLedger(opts Options) (*Ledger, error) {
	if !validAmount(opts.Total) {
		return nil, fmt.Errorf("budget: total %v: %w", opts.Total, ErrInvalidAmount)
	}
	if !validAmount(opts.WarnThreshold) || opts.WarnThreshold > opts.Total {
		return nil, fmt.Errorf("budget: warn threshold %v must be between 0 and total %v", opts.WarnThreshold, opts.Total)
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.ReservationWindow <= 0 {
		opts.ReservationWindow = DefaultReservationWindow
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	l := &Ledger{
		name:         opts.Name,
		total:        opts.Total,
		warn:         opts.WarnThreshold,
		window:       opts.ReservationWindow,
		reservations: make(map[ReservationID]reservation),
		store:        opts.Store,
		alerter:      opts.Alerter,
		now:          opts.Clock,
	}
	l.publishLocked()
	return l, nil
}

// Restore loads committed spend from the store. Thresholds already crossed by
// the restored spend are marked as alerted so a restart does not repeat them.
func (l *Ledger) Restore(ctx context.Context) error {
	spent, err := l.store.Load(ctx, l.name)
	if err != nil {
		return fmt.Errorf("budget: restore %q: %w", l.name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if spent > l.total {
		log.Warn().Float64("committed", spent).Float64("total", l.total).
			Msg("budget: restored spend exceeds total, clamping")
		spent = l.total
	}
	l.committed = spent
	l.warned = l.total-l.committed <= l.warn
	l.exhausted = l.total-l.committed <= 0
	l.publishLocked()

	log.Info().Str("ledger", l.name).Float64("committed", spent).
		Float64("remaining", l.total-spent).Msg("budget: restored committed spend")
	return nil
}

// Reserve places a hold of amount on the budget. It fails with
// ErrBudgetExceeded if the hold does not fit in Remaining.
func (l *Ledger) Reserve(amount float64) (ReservationID, error) {
	if !validAmount(amount) {
		return "", fmt.Errorf("budget: reserve %v: %w", amount, ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked()

	if l.remainingLocked() <= 0 || l.committed+l.reserved+amount > l.total {
		metrics.BudgetRejections.Inc()
		return "", fmt.Errorf("budget: reserve %.4f with %.4f remaining: %w",
			amount, l.remainingLocked(), ErrBudgetExceeded)
	}

	id := ReservationID(uuid.New().String())
	l.reservations[id] = reservation{amount: amount, createdAt: l.now()}
	l.reserved += amount
	l.publishLocked()
	return id, nil
}

// CanReserve reports whether a reservation of amount would currently succeed.
func (l *Ledger) CanReserve(amount float64) bool {
	if !validAmount(amount) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked()
	return l.remainingLocked() > 0 && l.committed+l.reserved+amount <= l.total
}

// Commit settles a reservation at actualCost and returns the amount recorded.
// An actual cost larger than the remaining headroom is clamped so the total is
// never exceeded.
func (l *Ledger) Commit(ctx context.Context, id ReservationID, actualCost float64) (float64, error) {
	if !validAmount(actualCost) {
		l.Release(id)
		return 0, fmt.Errorf("budget: commit %v: %w", actualCost, ErrInvalidAmount)
	}

	l.mu.Lock()
	l.expireLocked()
	res, ok := l.reservations[id]
	if !ok {
		l.mu.Unlock()
		return 0, fmt.Errorf("budget: commit %s: %w", id, ErrUnknownReservation)
	}
	delete(l.reservations, id)
	l.reserved -= res.amount
	if l.reserved < 0 {
		l.reserved = 0
	}

	amount := actualCost
	headroom := l.total - l.committed - l.reserved
	if amount > headroom {
		log.Warn().Str("reservation", string(id)).Float64("actual", actualCost).
			Float64("reserved", res.amount).Float64("headroom", headroom).
			Msg("budget: actual cost exceeds headroom, clamping commit")
		amount = math.Max(headroom, 0)
	}
	before := l.total - l.committed
	l.committed += amount
	after := l.total - l.committed
	events := l.thresholdEventsLocked(before, after)
	l.publishLocked()
	l.mu.Unlock()

	if amount > 0 {
		if err := l.store.Add(ctx, l.name, amount); err != nil {
			log.Error().Err(err).Str("ledger", l.name).Float64("amount", amount).
				Msg("budget: failed to persist committed spend")
		}
	}
	l.dispatch(ctx, events)
	return amount, nil
}

// Release drops a reservation without spending it. Releasing an unknown or
// already settled reservation is a no-op.
func (l *Ledger) Release(id ReservationID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if res, ok := l.reservations[id]; ok {
		delete(l.reservations, id)
		l.reserved -= res.amount
		if l.reserved < 0 {
			l.reserved = 0
		}
		l.publishLocked()
	}
}

// Remaining returns total minus committed minus reserved spend.
func (l *Ledger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked()
	return l.remainingLocked()
}

// WarnThreshold returns the configured warn threshold.
func (l *Ledger) WarnThreshold() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warn
}

// TopUp raises the total by amount and re-arms alerts whose thresholds are
// no longer crossed.
func (l *Ledger) TopUp(amount float64) error {
	if !validAmount(amount) || amount == 0 {
		return fmt.Errorf("budget: top up %v: %w", amount, ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total += amount
	left := l.total - l.committed
	if left > l.warn {
		l.warned = false
	}
	if left > 0 {
		l.exhausted = false
	}
	l.publishLocked()
	log.Info().Float64("amount", amount).Float64("total", l.total).Msg("budget: total raised")
	return nil
}

// ExpireStale releases reservations older than the reservation window and
// returns how many were dropped.
func (l *Ledger) ExpireStale() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expireLocked()
}

// Snapshot returns the current ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked()
	return Snapshot{
		Total:              l.total,
		Committed:          l.committed,
		Reserved:           l.reserved,
		Remaining:          l.remainingLocked(),
		WarnThreshold:      l.warn,
		ActiveReservations: len(l.reservations),
		Warned:             l.warned,
		Exhausted:          l.exhausted,
	}
}

func (l *Ledger) remainingLocked() float64 {
	r := l.total - l.committed - l.reserved
	if r < 0 {
		return 0
	}
	return r
}

func (l *Ledger) expireLocked() int {
	cutoff := l.now().Add(-l.window)
	n := 0
	for id, res := range l.reservations {
		if res.createdAt.Before(cutoff) {
			delete(l.reservations, id)
			l.reserved -= res.amount
			n++
			log.Warn().Str("reservation", string(id)).Float64("amount", res.amount).
				Msg("budget: reservation expired without commit")
		}
	}
	if n > 0 {
		if l.reserved < 0 {
			l.reserved = 0
		}
		l.publishLocked()
	}
	return n
}

// thresholdEventsLocked returns the alerts to send for a change in committed
// remaining from before to after. Each threshold fires once per crossing.
func (l *Ledger) thresholdEventsLocked(before, after float64) []models.AlertEvent {
	var events []models.AlertEvent
	now := l.now()
	fields := map[string]string{
		"remaining_usd": fmt.Sprintf("%.4f", after),
		"total_usd":     fmt.Sprintf("%.4f", l.total),
		"committed_usd": fmt.Sprintf("%.4f", l.committed),
	}

	if !l.warned && before > l.warn && after <= l.warn {
		l.warned = true
		events = append(events, models.AlertEvent{
			Kind:      models.AlertBudgetWarning,
			Severity:  models.SeverityWarning,
			Title:     "LLM budget low",
			Message:   fmt.Sprintf("Remaining budget %.2f USD is at or below the warn threshold of %.2f USD.", after, l.warn),
			Fields:    fields,
			Timestamp: now,
		})
	}
	if !l.exhausted && after <= 0 {
		l.exhausted = true
		l.warned = true
		events = append(events, models.AlertEvent{
			Kind:      models.AlertBudgetExhausted,
			Severity:  models.SeverityCritical,
			Title:     "LLM budget exhausted",
			Message:   "No budget remains. New provider calls are refused until the budget is raised.",
			Fields:    fields,
			Timestamp: now,
		})
	}
	return events
}

// dispatch logs threshold crossings and hands them to the alerter on a
// separate goroutine, in order, so the committing caller is not held up by
// channel retries.
func (l *Ledger) dispatch(ctx context.Context, events []models.AlertEvent) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		log.Warn().Str("kind", string(ev.Kind)).Str("remaining", ev.Fields["remaining_usd"]).
			Msg("budget: threshold crossed")
	}
	if l.alerter == nil {
		return
	}
	l.alerts.Add(1)
	go func() {
		defer l.alerts.Done()
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
		defer cancel()
		for _, ev := range events {
			l.alerter.Notify(alertCtx, ev)
		}
	}()
}

// WaitAlerts blocks until every threshold alert dispatched so far has been
// handed to the alerter.
func (l *Ledger) WaitAlerts() {
	l.alerts.Wait()
}

func (l *Ledger) publishLocked() {
	metrics.BudgetTotal.Set(l.total)
	metrics.BudgetCommitted.Set(l.committed)
	metrics.BudgetReserved.Set(l.reserved)
}

func validAmount(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
