package booking_test

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Ft2801/progetto-PA/internal/booking"
	"github.com/Ft2801/progetto-PA/internal/calendar"
	"github.com/Ft2801/progetto-PA/internal/events"
	"github.com/Ft2801/progetto-PA/internal/ledger"
	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
)

// The market day used throughout: slots on 2025-08-15, clock on the 14th.
const day = "2025-08-15"

var morning = time.Date(2025, 8, 14, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// tb is satisfied by both *testing.T and *rapid.T.
type tb interface {
	require.TestingT
	Helper()
}

// movableClock is a calendar.Clock tests can advance.
type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.got {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	st       store.Store
	clock    *movableClock
	engine   *booking.Engine
	resolver *booking.Resolver
	events   *recorder
}

func newFixture(t tb) *fixture {
	t.Helper()
	return newFixtureOn(t, store.NewMemoryStore())
}

func newFixtureOn(t tb, st store.Store) *fixture {
	t.Helper()
	clock := &movableClock{now: morning}
	cal := calendar.New(time.UTC)
	rec := &recorder{}
	l := ledger.New(clock)
	return &fixture{
		st:       st,
		clock:    clock,
		engine:   booking.NewEngine(st, l, cal, clock, rec, nil),
		resolver: booking.NewResolver(st, l, cal, clock, rec, nil),
		events:   rec,
	}
}

func (f *fixture) tx(t tb, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	require.NoError(t, f.st.RunInTx(context.Background(), fn))
}

// producer creates a producer with the given base price.
func (f *fixture) producer(t tb, basePrice string) int64 {
	t.Helper()
	var id int64
	f.tx(t, func(ctx context.Context, tx store.Tx) error {
		u := model.User{Role: model.RoleProducer}
		if err := tx.CreateUser(ctx, &u); err != nil {
			return err
		}
		p := model.Producer{UserID: u.ID, EnergyType: model.EnergyWind, CO2PerKwh: d("10"),
			PricePerKwh: d(basePrice), DefaultMaxPerHourKwh: d("1000")}
		if err := tx.SaveProducer(ctx, &p); err != nil {
			return err
		}
		id = p.ID
		return nil
	})
	return id
}

func (f *fixture) consumer(t tb, credit string) int64 {
	t.Helper()
	var id int64
	f.tx(t, func(ctx context.Context, tx store.Tx) error {
		u := model.User{Role: model.RoleConsumer, Credit: d(credit)}
		if err := tx.CreateUser(ctx, &u); err != nil {
			return err
		}
		id = u.ID
		return nil
	})
	return id
}

func (f *fixture) slot(t tb, producerID int64, hour int, capKwh, price string) {
	t.Helper()
	f.tx(t, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveSlot(ctx, &model.Slot{
			ProducerID: producerID, Date: day, Hour: hour,
			MaxCapacityKwh: d(capKwh), PricePerKwh: d(price),
		})
	})
}

func (f *fixture) credit(t tb, consumerID int64) decimal.Decimal {
	t.Helper()
	u, err := f.st.GetUser(context.Background(), consumerID)
	require.NoError(t, err)
	return u.Credit
}

func (f *fixture) reserved(t tb, producerID int64, hour int) decimal.Decimal {
	t.Helper()
	rs, err := f.st.ListReservations(context.Background(), store.ReservationFilter{
		ProducerID: producerID, DateFrom: day, DateTo: day, Hour: &hour, Status: model.StatusReserved,
	})
	require.NoError(t, err)
	return model.SumKwh(rs)
}

func (f *fixture) reserve(consumerID, producerID int64, hour int, kwh string) (*model.Reservation, error) {
	return f.engine.Create(context.Background(), consumerID, booking.CreateRequest{
		ProducerID: producerID, Date: day, Hour: hour, Kwh: d(kwh),
	})
}

func (f *fixture) modify(consumerID, reservationID int64, kwh string) (*booking.ModifyResult, error) {
	return f.engine.Modify(context.Background(), consumerID, booking.ModifyRequest{
		ReservationID: reservationID, Kwh: d(kwh),
	})
}
