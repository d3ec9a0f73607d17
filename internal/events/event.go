// Package events fans domain events out to live subscribers. Publishing is
// best-effort: it runs after the store commits and a failing sink never
// undoes or fails the operation that produced the event.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Ft2801/progetto-PA/internal/metrics"
	"github.com/Ft2801/progetto-PA/internal/model"
)

// Type names what happened.
type Type string

const (
	ReservationCreated   Type = "reservation.created"
	ReservationModified  Type = "reservation.modified"
	ReservationCancelled Type = "reservation.cancelled"
	SlotProrated         Type = "slot.prorated"
	SlotUpdated          Type = "slot.updated"
)

// Event describes a committed change to one slot. Reserved and Capacity are
// the slot totals after the change.
type Event struct {
	ID            string           `json:"id"`
	Type          Type             `json:"type"`
	ProducerID    int64            `json:"producerId"`
	Date          string           `json:"date"`
	Hour          int              `json:"hour"`
	ConsumerID    int64            `json:"consumerId,omitempty"`
	ReservationID int64            `json:"reservationId,omitempty"`
	Kwh           *decimal.Decimal `json:"kwh,omitempty"`
	Reserved      decimal.Decimal  `json:"reservedKwh"`
	Capacity      decimal.Decimal  `json:"capacityKwh"`
	Ratio         *decimal.Decimal `json:"ratio,omitempty"`
	OccurredAt    time.Time        `json:"occurredAt"`
}

// Redacted drops the fields that identify a consumer's reservation, leaving
// the slot totals.
func (e Event) Redacted() Event {
	e.ConsumerID = 0
	e.ReservationID = 0
	e.Kwh = nil
	return e
}

// New creates an event for a slot.
func New(t Type, key model.SlotKey, at time.Time) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		ProducerID: key.ProducerID,
		Date:       key.Date,
		Hour:       key.Hour,
		OccurredAt: at,
	}
}

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes ev and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("event publish failed", "type", ev.Type, "producer_id", ev.ProducerID,
			"date", ev.Date, "hour", ev.Hour, "err", err)
	}
}

func count(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.EventsPublished.WithLabelValues(sink, result).Inc()
}
