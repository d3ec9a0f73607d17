// Package booking implements the reservation engine and the overbooking
// resolver: the only writers of reservations and consumer balances.
//
// Every check-then-act sequence runs inside one store transaction holding
// the slot lock and then the consumer lock, so concurrent requests on the
// same slot or the same consumer are serialised and a failed check leaves
// no reservation or ledger write behind.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Ft2801/progetto-PA/internal/calendar"
	"github.com/Ft2801/progetto-PA/internal/capacity"
	"github.com/Ft2801/progetto-PA/internal/events"
	"github.com/Ft2801/progetto-PA/internal/ledger"
	"github.com/Ft2801/progetto-PA/internal/metrics"
	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
)

// Engine creates, resizes and cancels reservations.
type Engine struct {
	store  store.Store
	ledger *ledger.Ledger
	cal    *calendar.Calendar
	clock  calendar.Clock
	events events.Publisher
	logger *slog.Logger
}

// NewEngine creates a reservation engine. Nil clock, publisher and logger
// fall back to the wall clock, events.Nop and slog.Default.
func NewEngine(st store.Store, l *ledger.Ledger, cal *calendar.Calendar, clock calendar.Clock, pub events.Publisher, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, ledger: l, cal: cal, clock: clock, events: pub, logger: logger}
}

// CreateRequest is the JSON body for POST /consumer/reserve.
type CreateRequest struct {
	ProducerID int64           `json:"producerId"`
	Date       string          `json:"date"`
	Hour       int             `json:"hour"`
	Kwh        decimal.Decimal `json:"kwh"`
}

// ModifyRequest is the JSON body for POST /consumer/modify. Kwh 0 cancels.
type ModifyRequest struct {
	ReservationID int64           `json:"reservationId"`
	Kwh           decimal.Decimal `json:"kwh"`
}

// ModifyResult reports what a modify did. Reservation is the row after the change.
type ModifyResult struct {
	Cancelled   bool
	Refunded    bool
	Reservation *model.Reservation
}

// Create reserves kWh from a producer's slot and charges the consumer at the
// slot price (or the producer's base price when the slot price is 0). The
// price is locked into the reservation.
func (e *Engine) Create(ctx context.Context, consumerID int64, req CreateRequest) (res *model.Reservation, err error) {
	start := time.Now()
	defer func() { observe("create", start, err) }()

	if req.ProducerID < 1 {
		return nil, fmt.Errorf("%w: producerId must be >= 1", model.ErrInvalidRequest)
	}
	date, err := e.cal.ParseDate(req.Date)
	if err != nil {
		return nil, err
	}
	if err := calendar.ValidateHour(req.Hour); err != nil {
		return nil, err
	}
	if err := capacity.CheckQuantity(req.Kwh); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	open, err := e.cal.BeforeCutoff(now, date, req.Hour)
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, model.ErrCutoffPassed
	}

	key := model.SlotKey{ProducerID: req.ProducerID, Date: date, Hour: req.Hour}
	var reservedAfter, capacityKwh decimal.Decimal

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		producer, err := tx.GetProducer(ctx, req.ProducerID)
		if err != nil {
			return err
		}
		if err := tx.LockSlot(ctx, key); err != nil {
			return err
		}
		if err := tx.LockConsumer(ctx, consumerID); err != nil {
			return err
		}

		slot, err := getSlot(ctx, tx, key)
		if err != nil {
			return err
		}
		inSlot, err := reservedIn(ctx, tx, key)
		if err != nil {
			return err
		}
		others := capacity.ReservedExcept(inSlot, 0)
		if err := capacity.CheckSlot(slot, others, req.Kwh); err != nil {
			return err
		}

		hour := req.Hour
		held, err := tx.ListReservations(ctx, store.ReservationFilter{
			ConsumerID: consumerID, DateFrom: date, DateTo: date, Hour: &hour, Status: model.StatusReserved,
		})
		if err != nil {
			return err
		}
		if err := capacity.CheckProducerConflict(held, req.ProducerID); err != nil {
			return err
		}

		unitPrice := slot.PricePerKwh
		if !unitPrice.IsPositive() {
			unitPrice = producer.PricePerKwh
		}

		r := &model.Reservation{
			ConsumerID: consumerID,
			ProducerID: req.ProducerID,
			Date:       date,
			Hour:       req.Hour,
			Kwh:        req.Kwh,
			UnitPrice:  unitPrice,
			Status:     model.StatusReserved,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}
		if _, err := e.ledger.Charge(ctx, tx, consumerID, r.ID, r.Cost()); err != nil {
			return err
		}

		res = r
		reservedAfter = others.Add(req.Kwh)
		capacityKwh = slot.MaxCapacityKwh
		return nil
	})
	if err != nil {
		e.logger.Info("reservation rejected",
			"consumer_id", consumerID,
			"producer_id", req.ProducerID,
			"date", date,
			"hour", req.Hour,
			"kwh", req.Kwh.String(),
			"err", err,
		)
		return nil, err
	}

	kwh, _ := res.Kwh.Float64()
	metrics.ReservedKwh.WithLabelValues(strconv.FormatInt(res.ProducerID, 10)).Add(kwh)

	e.logger.Info("reservation created",
		"reservation_id", res.ID,
		"consumer_id", consumerID,
		"producer_id", res.ProducerID,
		"date", res.Date,
		"hour", res.Hour,
		"kwh", res.Kwh.String(),
		"cost", res.Cost().String(),
	)

	ev := events.New(events.ReservationCreated, key, now)
	ev.ConsumerID = consumerID
	ev.ReservationID = res.ID
	booked := res.Kwh
	ev.Kwh = &booked
	ev.Reserved = reservedAfter
	ev.Capacity = capacityKwh
	events.Emit(ctx, e.events, e.logger, ev)

	return res, nil
}

// Modify resizes a reservation, or cancels it when newKwh is 0.
//
// Cancellation refunds unitPrice × kwh only while the slot is still more
// than the cutoff away; the reservation is cancelled either way. A resize
// re-checks capacity excluding the reservation itself and settles the
// difference at the locked unit price. Resizing applies no cutoff and no
// credit check.
func (e *Engine) Modify(ctx context.Context, consumerID int64, req ModifyRequest) (result *ModifyResult, err error) {
	start := time.Now()
	op := "modify"
	if req.Kwh.IsZero() {
		op = "cancel"
	}
	defer func() { observe(op, start, err) }()

	if req.ReservationID < 1 {
		return nil, fmt.Errorf("%w: reservationId must be >= 1", model.ErrInvalidRequest)
	}
	if req.Kwh.IsNegative() {
		return nil, fmt.Errorf("%w: kwh must be >= 0", model.ErrInvalidRequest)
	}
	if !req.Kwh.IsZero() {
		if err := capacity.CheckQuantity(req.Kwh); err != nil {
			return nil, err
		}
	}

	now := e.clock.Now()
	var ev events.Event

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := e.ownedReservation(ctx, tx, consumerID, req.ReservationID)
		if err != nil {
			return err
		}
		key := r.Key()
		if err := tx.LockSlot(ctx, key); err != nil {
			return err
		}
		if err := tx.LockConsumer(ctx, consumerID); err != nil {
			return err
		}
		// Re-read under the locks.
		if r, err = e.ownedReservation(ctx, tx, consumerID, req.ReservationID); err != nil {
			return err
		}
		if r.Status != model.StatusReserved {
			return fmt.Errorf("%w: reservation %d is %s", model.ErrInvalidRequest, r.ID, r.Status)
		}

		inSlot, err := reservedIn(ctx, tx, key)
		if err != nil {
			return err
		}
		others := capacity.ReservedExcept(inSlot, r.ID)

		if req.Kwh.IsZero() {
			slot, err := getSlot(ctx, tx, key)
			if err != nil {
				return err
			}
			refundable, err := e.cal.BeforeCutoff(now, r.Date, r.Hour)
			if err != nil {
				return err
			}
			if refundable {
				if _, err := e.ledger.Refund(ctx, tx, consumerID, r.ID, r.Cost(), model.ReasonRefund); err != nil {
					return err
				}
			}
			r.Status = model.StatusCancelled
			r.Kwh = decimal.Zero
			r.UpdatedAt = now
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}

			result = &ModifyResult{Cancelled: true, Refunded: refundable, Reservation: r}
			ev = events.New(events.ReservationCancelled, key, now)
			ev.Reserved = others
			ev.Capacity = slot.MaxCapacityKwh
		} else {
			slot, err := getSlot(ctx, tx, key)
			if err != nil {
				return err
			}
			if err := capacity.CheckSlot(slot, others, req.Kwh); err != nil {
				return err
			}

			diffCost := req.Kwh.Sub(r.Kwh).Mul(r.UnitPrice)
			if !diffCost.IsZero() {
				if _, err := e.ledger.Adjust(ctx, tx, consumerID, r.ID, diffCost); err != nil {
					return err
				}
			}
			r.Kwh = req.Kwh
			r.UpdatedAt = now
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}

			result = &ModifyResult{Reservation: r}
			ev = events.New(events.ReservationModified, key, now)
			ev.Reserved = others.Add(req.Kwh)
			ev.Capacity = slot.MaxCapacityKwh
		}
		ev.ConsumerID = consumerID
		ev.ReservationID = r.ID
		booked := r.Kwh
		ev.Kwh = &booked
		return nil
	})
	if err != nil {
		e.logger.Info("reservation change rejected",
			"consumer_id", consumerID,
			"reservation_id", req.ReservationID,
			"kwh", req.Kwh.String(),
			"err", err,
		)
		return nil, err
	}

	r := result.Reservation
	if result.Cancelled {
		e.logger.Info("reservation cancelled",
			"reservation_id", r.ID,
			"consumer_id", consumerID,
			"producer_id", r.ProducerID,
			"date", r.Date,
			"hour", r.Hour,
			"refunded", result.Refunded,
		)
	} else {
		e.logger.Info("reservation modified",
			"reservation_id", r.ID,
			"consumer_id", consumerID,
			"producer_id", r.ProducerID,
			"date", r.Date,
			"hour", r.Hour,
			"kwh", r.Kwh.String(),
		)
	}
	events.Emit(ctx, e.events, e.logger, ev)
	return result, nil
}

// ownedReservation hides other consumers' reservations as not found.
func (e *Engine) ownedReservation(ctx context.Context, tx store.Tx, consumerID, id int64) (*model.Reservation, error) {
	r, err := tx.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.ConsumerID != consumerID {
		return nil, fmt.Errorf("reservation %d: %w", id, model.ErrNotFound)
	}
	return r, nil
}

// getSlot maps a missing slot onto model.ErrNoCapacity.
func getSlot(ctx context.Context, tx store.Tx, key model.SlotKey) (*model.Slot, error) {
	slot, err := tx.GetSlot(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.ErrNoCapacity
	}
	return slot, err
}

// reservedIn lists the reserved reservations of one slot.
func reservedIn(ctx context.Context, tx store.Tx, key model.SlotKey) ([]model.Reservation, error) {
	hour := key.Hour
	return tx.ListReservations(ctx, store.ReservationFilter{
		ProducerID: key.ProducerID,
		DateFrom:   key.Date,
		DateTo:     key.Date,
		Hour:       &hour,
		Status:     model.StatusReserved,
	})
}

// observe records latency and outcome of one engine operation.
func observe(op string, start time.Time, err error) {
	metrics.ReservationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.ReservationsTotal.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, model.ErrConflictingReservation):
		return "conflict"
	case errors.Is(err, model.ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, model.ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
