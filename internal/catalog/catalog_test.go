package catalog_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ft2801/progetto-PA/internal/calendar"
	"github.com/Ft2801/progetto-PA/internal/catalog"
	"github.com/Ft2801/progetto-PA/internal/events"
	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type recorder struct{ got []events.Event }

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.got = append(r.got, ev)
	return nil
}

func setup(t *testing.T) (*catalog.Service, *store.MemoryStore, *recorder, int64) {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &recorder{}
	clock := calendar.FixedClock(time.Date(2025, 8, 14, 9, 0, 0, 0, time.UTC))
	svc := catalog.NewService(st, calendar.New(time.UTC), clock, rec, nil)

	u := model.User{Email: "wind@example.com", Role: model.RoleProducer}
	require.NoError(t, st.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateUser(ctx, &u)
	}))
	return svc, st, rec, u.ID
}

func TestUpsertProfile_CreateThenUpdateKeepsPrice(t *testing.T) {
	svc, _, _, userID := setup(t)
	ctx := context.Background()

	p, err := svc.UpsertProfile(ctx, userID, catalog.ProfileInput{
		EnergyType: "Eolico", CO2PerKwh: d("12"), DefaultMaxPerHourKwh: d("100"),
	})
	require.NoError(t, err)
	assert.True(t, p.PricePerKwh.IsZero(), "absent price defaults to 0 on create")

	_, err = svc.UpsertProfile(ctx, userID, catalog.ProfileInput{
		EnergyType: "Eolico", CO2PerKwh: d("12"), PricePerKwh: dp("0.25"), DefaultMaxPerHourKwh: d("100"),
	})
	require.NoError(t, err)

	again, err := svc.UpsertProfile(ctx, userID, catalog.ProfileInput{
		EnergyType: "Fotovoltaico", CO2PerKwh: d("5"), DefaultMaxPerHourKwh: d("80"),
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, model.EnergySolar, again.EnergyType)
	assert.True(t, again.PricePerKwh.Equal(d("0.25")), "absent price keeps the stored one on update")
}

func TestUpsertProfile_Validation(t *testing.T) {
	svc, _, _, userID := setup(t)
	ctx := context.Background()

	_, err := svc.UpsertProfile(ctx, userID, catalog.ProfileInput{EnergyType: "Nucleare"})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = svc.UpsertProfile(ctx, userID, catalog.ProfileInput{EnergyType: "Eolico", CO2PerKwh: d("-1")})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = svc.UpsertProfile(ctx, 999, catalog.ProfileInput{EnergyType: "Eolico"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpsertCapacities(t *testing.T) {
	svc, st, rec, userID := setup(t)
	ctx := context.Background()

	p, err := svc.UpsertProfile(ctx, userID, catalog.ProfileInput{
		EnergyType: "Eolico", PricePerKwh: dp("0.2"), DefaultMaxPerHourKwh: d("50"),
	})
	require.NoError(t, err)

	ids, err := svc.UpsertCapacities(ctx, userID, "2025-08-15", []catalog.CapacityInput{
		{Hour: 9, MaxCapacityKwh: d("40")},
		{Hour: 10, MaxCapacityKwh: d("50"), PricePerKwh: dp("0.3")},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Len(t, rec.got, 2)
	assert.Equal(t, events.SlotUpdated, rec.got[0].Type)

	s9, err := st.GetSlot(ctx, model.SlotKey{ProducerID: p.ID, Date: "2025-08-15", Hour: 9})
	require.NoError(t, err)
	assert.True(t, s9.PricePerKwh.Equal(d("0.2")), "new slot takes the base price")
	assert.True(t, s9.MaxCapacityKwh.Equal(d("40")))

	// Update without price keeps the slot price; same id is returned.
	again, err := svc.UpsertCapacities(ctx, userID, "2025-08-15T10:00:00Z", []catalog.CapacityInput{
		{Hour: 10, MaxCapacityKwh: d("20")},
	})
	require.NoError(t, err)
	assert.Equal(t, ids[1], again[0])

	s10, err := st.GetSlot(ctx, model.SlotKey{ProducerID: p.ID, Date: "2025-08-15", Hour: 10})
	require.NoError(t, err)
	assert.True(t, s10.PricePerKwh.Equal(d("0.3")))
	assert.True(t, s10.MaxCapacityKwh.Equal(d("20")))
}

func TestUpsertCapacities_AllOrNothing(t *testing.T) {
	svc, st, _, userID := setup(t)
	ctx := context.Background()

	p, err := svc.UpsertProfile(ctx, userID, catalog.ProfileInput{EnergyType: "Fossile", DefaultMaxPerHourKwh: d("50")})
	require.NoError(t, err)

	_, err = svc.UpsertCapacities(ctx, userID, "2025-08-15", []catalog.CapacityInput{
		{Hour: 8, MaxCapacityKwh: d("10")},
		{Hour: 9, MaxCapacityKwh: d("50.001")},
	})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	slots, err := st.ListSlots(ctx, store.SlotFilter{ProducerID: p.ID})
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestUpsertCapacities_Errors(t *testing.T) {
	svc, _, _, userID := setup(t)
	ctx := context.Background()

	_, err := svc.UpsertCapacities(ctx, userID, "2025-08-15", []catalog.CapacityInput{{Hour: 9, MaxCapacityKwh: d("1")}})
	assert.ErrorIs(t, err, model.ErrNotFound, "profile required")

	_, err = svc.UpsertCapacities(ctx, userID, "2025-08-15", nil)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = svc.UpsertCapacities(ctx, userID, "not-a-date", []catalog.CapacityInput{{Hour: 9}})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = svc.UpsertCapacities(ctx, userID, "2025-08-15", []catalog.CapacityInput{{Hour: 24}})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestUpdatePrices_CreatesZeroCapacitySlot(t *testing.T) {
	svc, st, _, userID := setup(t)
	ctx := context.Background()

	p, err := svc.UpsertProfile(ctx, userID, catalog.ProfileInput{EnergyType: "Eolico", PricePerKwh: dp("0.2"), DefaultMaxPerHourKwh: d("50")})
	require.NoError(t, err)

	ids, err := svc.UpdatePrices(ctx, userID, "2025-08-15", []catalog.PriceInput{{Hour: 14, PricePerKwh: d("0.45")}})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	sl, err := st.GetSlot(ctx, model.SlotKey{ProducerID: p.ID, Date: "2025-08-15", Hour: 14})
	require.NoError(t, err)
	assert.True(t, sl.MaxCapacityKwh.IsZero())
	assert.True(t, sl.PricePerKwh.Equal(d("0.45")))
}

func TestListSlots_ReportsAvailability(t *testing.T) {
	svc, st, _, userID := setup(t)
	ctx := context.Background()

	p, err := svc.UpsertProfile(ctx, userID, catalog.ProfileInput{EnergyType: "Eolico", DefaultMaxPerHourKwh: d("50")})
	require.NoError(t, err)
	_, err = svc.UpsertCapacities(ctx, userID, "2025-08-15", []catalog.CapacityInput{
		{Hour: 11, MaxCapacityKwh: d("30")},
		{Hour: 10, MaxCapacityKwh: d("20")},
	})
	require.NoError(t, err)

	require.NoError(t, st.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertReservation(ctx, &model.Reservation{
			ConsumerID: 9, ProducerID: p.ID, Date: "2025-08-15", Hour: 10, Kwh: d("5"), Status: model.StatusReserved,
		})
	}))

	views, err := svc.ListSlots(ctx, p.ID, "2025-08-15")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, 10, views[0].Hour)
	assert.True(t, views[0].ReservedKwh.Equal(d("5")))
	assert.True(t, views[0].AvailableKwh.Equal(d("15")))
	assert.True(t, views[1].AvailableKwh.Equal(d("30")))

	_, err = svc.ListSlots(ctx, p.ID+1, "2025-08-15")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListProducers(t *testing.T) {
	svc, _, _, userID := setup(t)
	ctx := context.Background()

	_, err := svc.UpsertProfile(ctx, userID, catalog.ProfileInput{EnergyType: "Eolico"})
	require.NoError(t, err)

	all, err := svc.ListProducers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	solar, err := svc.ListProducers(ctx, "Fotovoltaico")
	require.NoError(t, err)
	assert.Empty(t, solar)

	_, err = svc.ListProducers(ctx, "Coal")
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}
