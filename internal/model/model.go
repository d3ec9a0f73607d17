// Package model defines the core domain types shared across the energy market.
// All credit and energy quantities use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market granularity rules.
var (
	// MinReservationKwh is the smallest quantity a reservation may hold.
	MinReservationKwh = decimal.RequireFromString("0.1")

	// CreditScale is the number of decimal places kept on every balance mutation.
	CreditScale int32 = 4

	// KwhScale is the number of decimal places kept on scaled quantities.
	KwhScale int32 = 3
)

// RoundCredit rounds a credit amount to CreditScale places.
func RoundCredit(v decimal.Decimal) decimal.Decimal { return v.Round(CreditScale) }

// RoundKwh rounds an energy quantity to KwhScale places.
func RoundKwh(v decimal.Decimal) decimal.Decimal { return v.Round(KwhScale) }

// User is an account known to the market. Consumers carry a pre-funded credit
// balance; producers and admins normally hold zero.
type User struct {
	ID        int64           `json:"id" db:"id"`
	Email     string          `json:"email" db:"email"`
	Name      string          `json:"name" db:"name"`
	Role      Role            `json:"role" db:"role"`
	Credit    decimal.Decimal `json:"credit" db:"credit"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}

// Producer is the production profile owned by one user.
type Producer struct {
	ID                   int64           `json:"id" db:"id"`
	UserID               int64           `json:"userId" db:"user_id"`
	EnergyType           EnergyType      `json:"energyType" db:"energy_type"`
	CO2PerKwh            decimal.Decimal `json:"co2PerKwh" db:"co2_per_kwh"`     // grams
	PricePerKwh          decimal.Decimal `json:"pricePerKwh" db:"price_per_kwh"` // base price
	DefaultMaxPerHourKwh decimal.Decimal `json:"defaultMaxPerHourKwh" db:"default_max_per_hour_kwh"`
	CreatedAt            time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time       `json:"updatedAt" db:"updated_at"`
}

// SlotKey identifies one sellable hour of one producer.
type SlotKey struct {
	ProducerID int64  `json:"producerId"`
	Date       string `json:"date"` // YYYY-MM-DD
	Hour       int    `json:"hour"` // 0..23
}

// Slot holds the published capacity and price for one SlotKey.
// Slots are created lazily and never deleted.
type Slot struct {
	ID             int64           `json:"id" db:"id"`
	ProducerID     int64           `json:"producerId" db:"producer_id"`
	Date           string          `json:"date" db:"date"`
	Hour           int             `json:"hour" db:"hour"`
	MaxCapacityKwh decimal.Decimal `json:"maxCapacityKwh" db:"max_capacity_kwh"`
	PricePerKwh    decimal.Decimal `json:"pricePerKwh" db:"price_per_kwh"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time       `json:"updatedAt" db:"updated_at"`
}

// Key returns the slot identity.
func (s *Slot) Key() SlotKey {
	return SlotKey{ProducerID: s.ProducerID, Date: s.Date, Hour: s.Hour}
}

// Validate checks the slot's own invariants.
func (s *Slot) Validate() error {
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("%w: hour must be between 0 and 23 (got %d)", ErrInvalidRequest, s.Hour)
	}
	if s.MaxCapacityKwh.IsNegative() {
		return fmt.Errorf("%w: max capacity must be >= 0", ErrInvalidRequest)
	}
	if s.PricePerKwh.IsNegative() {
		return fmt.Errorf("%w: price must be >= 0", ErrInvalidRequest)
	}
	return nil
}

// Reservation is a consumer's claim on part of a slot's capacity.
// Rows are never deleted; cancellation is a terminal status with kwh forced to 0.
type Reservation struct {
	ID         int64             `json:"id" db:"id"`
	ConsumerID int64             `json:"consumerId" db:"consumer_id"`
	ProducerID int64             `json:"producerId" db:"producer_id"`
	Date       string            `json:"date" db:"date"`
	Hour       int               `json:"hour" db:"hour"`
	Kwh        decimal.Decimal   `json:"kwh" db:"kwh"`
	UnitPrice  decimal.Decimal   `json:"unitPrice" db:"unit_price"` // locked at creation
	Status     ReservationStatus `json:"status" db:"status"`
	CreatedAt  time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time         `json:"updatedAt" db:"updated_at"`

	// Producer is populated only by listings that embed the producer profile.
	Producer *Producer `json:"producer,omitempty" db:"-"`
}

// Key returns the slot this reservation draws from.
func (r *Reservation) Key() SlotKey {
	return SlotKey{ProducerID: r.ProducerID, Date: r.Date, Hour: r.Hour}
}

// Cost is the undiscounted price of the reserved quantity.
func (r *Reservation) Cost() decimal.Decimal {
	return r.Kwh.Mul(r.UnitPrice)
}

// LedgerEntry is an immutable record of one balance mutation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	ConsumerID    int64           `json:"consumerId" db:"consumer_id"`
	ReservationID int64           `json:"reservationId" db:"reservation_id"`
	Reason        LedgerReason    `json:"reason" db:"reason"`
	Delta         decimal.Decimal `json:"delta" db:"delta"` // signed: -charge, +refund
	BalanceAfter  decimal.Decimal `json:"balanceAfter" db:"balance_after"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
}

// SumKwh totals the quantity of the given reservations.
func SumKwh(rs []Reservation) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rs {
		total = total.Add(r.Kwh)
	}
	return total
}
