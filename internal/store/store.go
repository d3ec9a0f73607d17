// Package store defines the persistence interface for the energy market.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache of producer profiles), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Ft2801/progetto-PA/internal/model"
)

// ErrTxConflict is returned when a transaction keeps losing lock or
// serialization races after the configured number of attempts.
var ErrTxConflict = errors.New("transaction conflict: retry budget exhausted")

// ReservationFilter selects reservations. Zero fields do not filter.
// Date bounds are inclusive and compared on the canonical YYYY-MM-DD form.
type ReservationFilter struct {
	ProducerID int64
	ConsumerID int64
	DateFrom   string
	DateTo     string
	Hour       *int
	Status     model.ReservationStatus
}

// SlotFilter selects slots of one producer. Zero fields do not filter.
type SlotFilter struct {
	ProducerID int64
	DateFrom   string
	DateTo     string
	FromHour   *int
	ToHour     *int
}

// Reader is the read side shared by the store and by open transactions.
// Single-entity lookups wrap model.ErrNotFound when the row is absent.
type Reader interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetProducer(ctx context.Context, id int64) (*model.Producer, error)
	GetProducerByUser(ctx context.Context, userID int64) (*model.Producer, error)

	// ListProducers returns producers ordered by id; an empty energy type lists all.
	ListProducers(ctx context.Context, energyType model.EnergyType) ([]model.Producer, error)

	GetSlot(ctx context.Context, key model.SlotKey) (*model.Slot, error)

	// ListSlots returns slots ordered by date then hour.
	ListSlots(ctx context.Context, f SlotFilter) ([]model.Slot, error)

	GetReservation(ctx context.Context, id int64) (*model.Reservation, error)

	// ListReservations returns reservations ordered by date, hour, id.
	ListReservations(ctx context.Context, f ReservationFilter) ([]model.Reservation, error)

	// ListLedgerEntries returns a consumer's balance history, oldest first.
	ListLedgerEntries(ctx context.Context, consumerID int64) ([]model.LedgerEntry, error)
}

// Tx is a unit of work. Every check-then-act sequence of the engine runs
// inside one Tx after taking the locks that scope it. Locks are held until
// the transaction ends. Callers lock slots before consumers, and several
// consumers in ascending id order.
type Tx interface {
	Reader

	// LockSlot serialises access to one slot's reservation set.
	LockSlot(ctx context.Context, key model.SlotKey) error

	// LockConsumer serialises access to one consumer's balance.
	LockConsumer(ctx context.Context, consumerID int64) error

	// CreateUser inserts a user and assigns its ID.
	CreateUser(ctx context.Context, u *model.User) error

	// SaveProducer inserts (ID == 0) or updates a producer profile.
	SaveProducer(ctx context.Context, p *model.Producer) error

	// SaveSlot inserts (ID == 0) or updates the slot with the same key.
	SaveSlot(ctx context.Context, s *model.Slot) error

	// SetCredit overwrites a user's balance.
	SetCredit(ctx context.Context, userID int64, credit decimal.Decimal) error

	// InsertReservation appends a reservation and assigns its ID.
	InsertReservation(ctx context.Context, r *model.Reservation) error

	// UpdateReservation persists kwh, status and updated_at.
	UpdateReservation(ctx context.Context, r *model.Reservation) error

	// InsertLedgerEntry appends an immutable balance record.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis caches producer profiles.
type Store interface {
	Reader

	// RunInTx runs fn in a transaction. A nil return commits, any error
	// rolls every write of fn back. fn may be called more than once when
	// the backend retries a conflicting transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// IntPtr is a convenience for optional hour filters.
func IntPtr(v int) *int { return &v }

func matchReservation(f ReservationFilter, r *model.Reservation) bool {
	if f.ProducerID != 0 && r.ProducerID != f.ProducerID {
		return false
	}
	if f.ConsumerID != 0 && r.ConsumerID != f.ConsumerID {
		return false
	}
	if f.DateFrom != "" && r.Date < f.DateFrom {
		return false
	}
	if f.DateTo != "" && r.Date > f.DateTo {
		return false
	}
	if f.Hour != nil && r.Hour != *f.Hour {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

func matchSlot(f SlotFilter, s *model.Slot) bool {
	if f.ProducerID != 0 && s.ProducerID != f.ProducerID {
		return false
	}
	if f.DateFrom != "" && s.Date < f.DateFrom {
		return false
	}
	if f.DateTo != "" && s.Date > f.DateTo {
		return false
	}
	if f.FromHour != nil && s.Hour < *f.FromHour {
		return false
	}
	if f.ToHour != nil && s.Hour > *f.ToHour {
		return false
	}
	return true
}
