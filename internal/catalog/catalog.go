// Package catalog manages the producer side of the market: production
// profiles and the per-hour capacity and price published for each day.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/Ft2801/progetto-PA/internal/calendar"
	"github.com/Ft2801/progetto-PA/internal/capacity"
	"github.com/Ft2801/progetto-PA/internal/events"
	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
)

// Service publishes producer profiles and slots.
type Service struct {
	store  store.Store
	cal    *calendar.Calendar
	clock  calendar.Clock
	events events.Publisher
	logger *slog.Logger
}

// NewService creates a catalog service. Nil clock, publisher and logger fall
// back to the wall clock, events.Nop and slog.Default.
func NewService(st store.Store, cal *calendar.Calendar, clock calendar.Clock, pub events.Publisher, logger *slog.Logger) *Service {
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, cal: cal, clock: clock, events: pub, logger: logger}
}

// --- Request/Response types ---

// ProfileInput is the body of a profile upsert. A nil price keeps the stored
// one on update and defaults to 0 on create.
type ProfileInput struct {
	EnergyType           string           `json:"energyType"`
	CO2PerKwh            decimal.Decimal  `json:"co2PerKwh"`
	PricePerKwh          *decimal.Decimal `json:"pricePerKwh,omitempty"`
	DefaultMaxPerHourKwh decimal.Decimal  `json:"defaultMaxPerHourKwh"`
}

// CapacityInput sets one hour's capacity. A nil price keeps the slot's price
// (or the producer's base price for a new slot).
type CapacityInput struct {
	Hour           int              `json:"hour"`
	MaxCapacityKwh decimal.Decimal  `json:"maxCapacityKwh"`
	PricePerKwh    *decimal.Decimal `json:"pricePerKwh,omitempty"`
}

// PriceInput sets one hour's price.
type PriceInput struct {
	Hour        int             `json:"hour"`
	PricePerKwh decimal.Decimal `json:"pricePerKwh"`
}

// SlotView is a published slot with its current booking level.
type SlotView struct {
	model.Slot
	ReservedKwh  decimal.Decimal `json:"reservedKwh"`
	AvailableKwh decimal.Decimal `json:"availableKwh"`
}

// --- Producer operations ---

// UpsertProfile creates or updates the profile owned by userID.
func (s *Service) UpsertProfile(ctx context.Context, userID int64, in ProfileInput) (*model.Producer, error) {
	energyType, err := model.ParseEnergyType(in.EnergyType)
	if err != nil {
		return nil, err
	}
	if in.CO2PerKwh.IsNegative() || in.DefaultMaxPerHourKwh.IsNegative() {
		return nil, fmt.Errorf("%w: co2PerKwh and defaultMaxPerHourKwh must be >= 0", model.ErrInvalidRequest)
	}
	if in.PricePerKwh != nil && in.PricePerKwh.IsNegative() {
		return nil, fmt.Errorf("%w: pricePerKwh must be >= 0", model.ErrInvalidRequest)
	}

	var producer *model.Producer
	var created bool
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		p, err := tx.GetProducerByUser(ctx, userID)
		switch {
		case err == nil:
			created = false
		case isNotFound(err):
			created = true
			p = &model.Producer{UserID: userID, PricePerKwh: decimal.Zero}
		default:
			return err
		}

		p.EnergyType = energyType
		p.CO2PerKwh = in.CO2PerKwh
		p.DefaultMaxPerHourKwh = in.DefaultMaxPerHourKwh
		if in.PricePerKwh != nil {
			p.PricePerKwh = *in.PricePerKwh
		}
		p.UpdatedAt = s.clock.Now()
		if err := tx.SaveProducer(ctx, p); err != nil {
			return err
		}
		producer = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("producer profile saved",
		"producer_id", producer.ID,
		"user_id", userID,
		"energy_type", producer.EnergyType,
		"created", created,
	)
	return producer, nil
}

// Profile returns the profile owned by userID.
func (s *Service) Profile(ctx context.Context, userID int64) (*model.Producer, error) {
	return s.store.GetProducerByUser(ctx, userID)
}

// UpsertCapacities publishes capacities for one day. If any requested
// capacity exceeds the producer's DefaultMaxPerHourKwh nothing is written.
// Lowering a capacity below what is already reserved is allowed; the
// overbooking is then resolved by proportional acceptance. Returns slot ids
// in input order.
func (s *Service) UpsertCapacities(ctx context.Context, userID int64, rawDate string, slots []CapacityInput) ([]int64, error) {
	date, err := s.cal.ParseDate(rawDate)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: at least one slot is required", model.ErrInvalidRequest)
	}
	for _, in := range slots {
		if err := calendar.ValidateHour(in.Hour); err != nil {
			return nil, err
		}
		if in.MaxCapacityKwh.IsNegative() {
			return nil, fmt.Errorf("%w: maxCapacityKwh must be >= 0", model.ErrInvalidRequest)
		}
		if in.PricePerKwh != nil && in.PricePerKwh.IsNegative() {
			return nil, fmt.Errorf("%w: pricePerKwh must be >= 0", model.ErrInvalidRequest)
		}
	}

	var ids []int64
	var changed []events.Event
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ids, changed = ids[:0], changed[:0]

		producer, err := tx.GetProducerByUser(ctx, userID)
		if err != nil {
			return err
		}
		for _, in := range slots {
			if in.MaxCapacityKwh.GreaterThan(producer.DefaultMaxPerHourKwh) {
				return fmt.Errorf("%w: maxCapacityKwh exceeds producer defaultMaxPerHourKwh (%s)",
					model.ErrInvalidRequest, producer.DefaultMaxPerHourKwh.String())
			}
		}

		for _, in := range slots {
			key := model.SlotKey{ProducerID: producer.ID, Date: date, Hour: in.Hour}
			sl, err := s.findOrNew(ctx, tx, key, producer.PricePerKwh)
			if err != nil {
				return err
			}
			sl.MaxCapacityKwh = in.MaxCapacityKwh
			if in.PricePerKwh != nil {
				sl.PricePerKwh = *in.PricePerKwh
			}
			ev, err := s.saveSlot(ctx, tx, sl)
			if err != nil {
				return err
			}
			ids = append(ids, sl.ID)
			changed = append(changed, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("capacities published", "user_id", userID, "date", date, "slots", len(ids))
	for _, ev := range changed {
		events.Emit(ctx, s.events, s.logger, ev)
	}
	return ids, nil
}

// UpdatePrices sets slot prices for one day. A slot that does not exist yet
// is created with zero capacity. Reservations keep their locked unit price.
func (s *Service) UpdatePrices(ctx context.Context, userID int64, rawDate string, slots []PriceInput) ([]int64, error) {
	date, err := s.cal.ParseDate(rawDate)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: at least one slot is required", model.ErrInvalidRequest)
	}
	for _, in := range slots {
		if err := calendar.ValidateHour(in.Hour); err != nil {
			return nil, err
		}
		if in.PricePerKwh.IsNegative() {
			return nil, fmt.Errorf("%w: pricePerKwh must be >= 0", model.ErrInvalidRequest)
		}
	}

	var ids []int64
	var changed []events.Event
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ids, changed = ids[:0], changed[:0]

		producer, err := tx.GetProducerByUser(ctx, userID)
		if err != nil {
			return err
		}
		for _, in := range slots {
			key := model.SlotKey{ProducerID: producer.ID, Date: date, Hour: in.Hour}
			sl, err := s.findOrNew(ctx, tx, key, in.PricePerKwh)
			if err != nil {
				return err
			}
			sl.PricePerKwh = in.PricePerKwh
			ev, err := s.saveSlot(ctx, tx, sl)
			if err != nil {
				return err
			}
			ids = append(ids, sl.ID)
			changed = append(changed, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("prices updated", "user_id", userID, "date", date, "slots", len(ids))
	for _, ev := range changed {
		events.Emit(ctx, s.events, s.logger, ev)
	}
	return ids, nil
}

// findOrNew locks key and returns its slot, or an unsaved zero-capacity slot
// priced at defaultPrice.
func (s *Service) findOrNew(ctx context.Context, tx store.Tx, key model.SlotKey, defaultPrice decimal.Decimal) (*model.Slot, error) {
	if err := tx.LockSlot(ctx, key); err != nil {
		return nil, err
	}
	sl, err := tx.GetSlot(ctx, key)
	if err == nil {
		return sl, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	return &model.Slot{
		ProducerID:     key.ProducerID,
		Date:           key.Date,
		Hour:           key.Hour,
		MaxCapacityKwh: decimal.Zero,
		PricePerKwh:    defaultPrice,
	}, nil
}

func (s *Service) saveSlot(ctx context.Context, tx store.Tx, sl *model.Slot) (events.Event, error) {
	sl.UpdatedAt = s.clock.Now()
	if err := tx.SaveSlot(ctx, sl); err != nil {
		return events.Event{}, err
	}
	hour := sl.Hour
	held, err := tx.ListReservations(ctx, store.ReservationFilter{
		ProducerID: sl.ProducerID, DateFrom: sl.Date, DateTo: sl.Date, Hour: &hour, Status: model.StatusReserved,
	})
	if err != nil {
		return events.Event{}, err
	}
	ev := events.New(events.SlotUpdated, sl.Key(), s.clock.Now())
	ev.Reserved = capacity.ReservedExcept(held, 0)
	ev.Capacity = sl.MaxCapacityKwh
	return ev, nil
}

// --- Public reads ---

// ListProducers returns every producer, or those of one energy type.
func (s *Service) ListProducers(ctx context.Context, energyType string) ([]model.Producer, error) {
	var et model.EnergyType
	if energyType != "" {
		var err error
		if et, err = model.ParseEnergyType(energyType); err != nil {
			return nil, err
		}
	}
	producers, err := s.store.ListProducers(ctx, et)
	if err != nil {
		return nil, err
	}
	if producers == nil {
		producers = []model.Producer{}
	}
	return producers, nil
}

// ListSlots returns a producer's published slots for one day with the
// quantity still available in each.
func (s *Service) ListSlots(ctx context.Context, producerID int64, rawDate string) ([]SlotView, error) {
	date, err := s.cal.ParseDate(rawDate)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetProducer(ctx, producerID); err != nil {
		return nil, err
	}
	slots, err := s.store.ListSlots(ctx, store.SlotFilter{ProducerID: producerID, DateFrom: date, DateTo: date})
	if err != nil {
		return nil, err
	}
	reservations, err := s.store.ListReservations(ctx, store.ReservationFilter{
		ProducerID: producerID, DateFrom: date, DateTo: date, Status: model.StatusReserved,
	})
	if err != nil {
		return nil, err
	}

	reserved := make(map[int]decimal.Decimal)
	for _, r := range reservations {
		reserved[r.Hour] = reserved[r.Hour].Add(r.Kwh)
	}

	views := make([]SlotView, 0, len(slots))
	for _, sl := range slots {
		available := sl.MaxCapacityKwh.Sub(reserved[sl.Hour])
		if available.IsNegative() {
			available = decimal.Zero
		}
		views = append(views, SlotView{Slot: sl, ReservedKwh: reserved[sl.Hour], AvailableKwh: available})
	}
	return views, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
