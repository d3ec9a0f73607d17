package booking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Ft2801/progetto-PA/internal/calendar"
	"github.com/Ft2801/progetto-PA/internal/events"
	"github.com/Ft2801/progetto-PA/internal/ledger"
	"github.com/Ft2801/progetto-PA/internal/metrics"
	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
)

// NoAdjustmentMessage is reported when a slot already fits its capacity.
const NoAdjustmentMessage = "No need to adjust"

// Resolver scales an oversubscribed slot down to its capacity.
type Resolver struct {
	store  store.Store
	ledger *ledger.Ledger
	cal    *calendar.Calendar
	clock  calendar.Clock
	events events.Publisher
	logger *slog.Logger
}

// NewResolver creates an overbooking resolver. Nil clock, publisher and
// logger fall back to the wall clock, events.Nop and slog.Default.
func NewResolver(st store.Store, l *ledger.Ledger, cal *calendar.Calendar, clock calendar.Clock, pub events.Publisher, logger *slog.Logger) *Resolver {
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, ledger: l, cal: cal, clock: clock, events: pub, logger: logger}
}

// ResolveRequest is the JSON body for POST /producer/proportional-accept.
type ResolveRequest struct {
	Date string `json:"date"`
	Hour int    `json:"hour"`
}

// ResolveResult reports the outcome of a proportional acceptance. Ratio is
// rounded to 3 places and only set when Adjusted.
type ResolveResult struct {
	Adjusted bool             `json:"adjusted"`
	Ratio    *decimal.Decimal `json:"ratio,omitempty"`
	Message  string           `json:"message,omitempty"`
	Scaled   int              `json:"-"`
	Skipped  int              `json:"-"`
}

// ProportionalAccept scales every reserved reservation of the slot by
// capacity/total and refunds the removed quantity at its locked unit price.
//
// A reservation whose scaled quantity would fall below model.MinReservationKwh
// is left untouched, so the slot may still exceed its capacity afterwards.
func (r *Resolver) ProportionalAccept(ctx context.Context, producerID int64, req ResolveRequest) (result *ResolveResult, err error) {
	start := time.Now()
	defer func() { observe("proportional_accept", start, err) }()

	date, err := r.cal.ParseDate(req.Date)
	if err != nil {
		return nil, err
	}
	if err := calendar.ValidateHour(req.Hour); err != nil {
		return nil, err
	}

	key := model.SlotKey{ProducerID: producerID, Date: date, Hour: req.Hour}
	now := r.clock.Now()
	var ev events.Event

	err = r.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetProducer(ctx, producerID); err != nil {
			return err
		}
		if err := tx.LockSlot(ctx, key); err != nil {
			return err
		}
		slot, err := getSlot(ctx, tx, key)
		if err != nil {
			return err
		}
		reservations, err := reservedIn(ctx, tx, key)
		if err != nil {
			return err
		}

		total := model.SumKwh(reservations)
		if total.LessThanOrEqual(slot.MaxCapacityKwh) {
			result = &ResolveResult{Adjusted: false, Message: NoAdjustmentMessage}
			return nil
		}
		ratio := slot.MaxCapacityKwh.Div(total)

		for _, id := range consumerIDs(reservations) {
			if err := tx.LockConsumer(ctx, id); err != nil {
				return err
			}
		}

		res := &ResolveResult{Adjusted: true}
		after := decimal.Zero
		for i := range reservations {
			rv := &reservations[i]
			newKwh := model.RoundKwh(rv.Kwh.Mul(ratio))
			if newKwh.LessThan(model.MinReservationKwh) {
				res.Skipped++
				after = after.Add(rv.Kwh)
				continue
			}
			diff := rv.Kwh.Sub(newKwh)
			if diff.IsPositive() {
				refund := diff.Mul(rv.UnitPrice)
				if _, err := r.ledger.Refund(ctx, tx, rv.ConsumerID, rv.ID, refund, model.ReasonProrataRefund); err != nil {
					return fmt.Errorf("refund reservation %d: %w", rv.ID, err)
				}
				rv.Kwh = newKwh
				rv.UpdatedAt = now
				if err := tx.UpdateReservation(ctx, rv); err != nil {
					return err
				}
				res.Scaled++
			}
			after = after.Add(rv.Kwh)
		}
		rounded := ratio.Round(3)
		res.Ratio = &rounded
		result = res

		ev = events.New(events.SlotProrated, key, now)
		ev.Ratio = &rounded
		ev.Reserved = after
		ev.Capacity = slot.MaxCapacityKwh
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Adjusted {
		r.logger.Info("proportional accept: slot within capacity",
			"producer_id", producerID, "date", date, "hour", req.Hour)
		return result, nil
	}

	metrics.ProportionalAdjustments.Inc()
	r.logger.Info("proportional accept applied",
		"producer_id", producerID,
		"date", date,
		"hour", req.Hour,
		"ratio", result.Ratio.String(),
		"scaled", result.Scaled,
		"skipped", result.Skipped,
	)
	events.Emit(ctx, r.events, r.logger, ev)
	return result, nil
}

// consumerIDs returns the distinct consumers of rs in ascending order, the
// order consumer locks are taken in.
func consumerIDs(rs []model.Reservation) []int64 {
	seen := make(map[int64]bool, len(rs))
	var ids []int64
	for _, r := range rs {
		if !seen[r.ConsumerID] {
			seen[r.ConsumerID] = true
			ids = append(ids, r.ConsumerID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
