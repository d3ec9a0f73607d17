// Package capacity implements the admission rules a reservation must pass
// against a published slot.
//
// A slot admits a new or resized reservation only while the sum of every
// other reserved quantity plus the requested one stays within the slot's
// maximum capacity. Independently, a consumer may draw from only one producer
// in any given hour.
package capacity

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Ft2801/progetto-PA/internal/model"
)

// CheckSlot validates that requested kWh fit next to the quantity already
// reserved by others.
//
// Parameters:
//   - slot: the published slot (nil means capacity was never set)
//   - others: reserved quantity excluding the reservation being checked
//   - requested: the new quantity for the reservation being checked
func CheckSlot(slot *model.Slot, others, requested decimal.Decimal) error {
	if slot == nil {
		return model.ErrNoCapacity
	}
	if others.Add(requested).GreaterThan(slot.MaxCapacityKwh) {
		return fmt.Errorf("%w: %s kWh reserved of %s kWh, requested %s kWh",
			model.ErrCapacityExceeded, others.String(), slot.MaxCapacityKwh.String(), requested.String())
	}
	return nil
}

// CheckProducerConflict validates the one-producer-per-hour rule.
// held are the consumer's reserved reservations for the same date and hour.
// Several rows for the same producer are allowed.
func CheckProducerConflict(held []model.Reservation, producerID int64) error {
	for _, r := range held {
		if r.Status != model.StatusReserved {
			continue
		}
		if r.ProducerID != producerID {
			return fmt.Errorf("%w: already reserved from producer %d at %s %02d:00",
				model.ErrConflictingReservation, r.ProducerID, r.Date, r.Hour)
		}
	}
	return nil
}

// CheckQuantity enforces the minimum granularity of a reservation.
func CheckQuantity(kwh decimal.Decimal) error {
	if kwh.LessThan(model.MinReservationKwh) {
		return fmt.Errorf("%w (got %s)", model.ErrBelowMinimum, kwh.String())
	}
	return nil
}

// ReservedExcept sums reserved quantity in rs, skipping the reservation with
// the given id (0 skips nothing).
func ReservedExcept(rs []model.Reservation, exceptID int64) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rs {
		if r.Status != model.StatusReserved || r.ID == exceptID {
			continue
		}
		total = total.Add(r.Kwh)
	}
	return total
}

// OccupancyPct returns reserved/capacity as a percentage capped at 100.
// Zero capacity yields 0.
func OccupancyPct(reserved, capacity decimal.Decimal) decimal.Decimal {
	if !capacity.IsPositive() {
		return decimal.Zero
	}
	pct := reserved.Div(capacity).Mul(decimal.NewFromInt(100))
	if pct.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.NewFromInt(100)
	}
	return pct
}
