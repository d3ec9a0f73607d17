package analytics_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Ft2801/progetto-PA/internal/analytics"
	"github.com/Ft2801/progetto-PA/internal/calendar"
	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// tb is satisfied by both *testing.T and *rapid.T.
type tb interface {
	require.TestingT
	Helper()
}

type world struct {
	st  *store.MemoryStore
	svc *analytics.Service
}

func newWorld(t tb) *world {
	t.Helper()
	st := store.NewMemoryStore()
	clock := calendar.FixedClock(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	return &world{st: st, svc: analytics.NewService(st, calendar.New(time.UTC), clock)}
}

func (w *world) producer(t tb, et model.EnergyType, co2 string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, w.st.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		u := model.User{Role: model.RoleProducer}
		if err := tx.CreateUser(ctx, &u); err != nil {
			return err
		}
		p := model.Producer{UserID: u.ID, EnergyType: et, CO2PerKwh: d(co2), DefaultMaxPerHourKwh: d("1000")}
		if err := tx.SaveProducer(ctx, &p); err != nil {
			return err
		}
		id = p.ID
		return nil
	}))
	return id
}

func (w *world) slot(t tb, producerID int64, date string, hour int, capKwh string) {
	t.Helper()
	require.NoError(t, w.st.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.SaveSlot(ctx, &model.Slot{ProducerID: producerID, Date: date, Hour: hour, MaxCapacityKwh: d(capKwh)})
	}))
}

func (w *world) reservation(t tb, consumerID, producerID int64, date string, hour int, kwh, price string, status model.ReservationStatus) {
	t.Helper()
	require.NoError(t, w.st.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertReservation(ctx, &model.Reservation{
			ConsumerID: consumerID, ProducerID: producerID, Date: date, Hour: hour,
			Kwh: d(kwh), UnitPrice: d(price), Status: status,
		})
	}))
}

func TestOccupancy(t *testing.T) {
	w := newWorld(t)
	p := w.producer(t, model.EnergyWind, "0")
	w.slot(t, p, "2025-08-15", 9, "30")
	w.slot(t, p, "2025-08-15", 10, "0")
	w.slot(t, p, "2025-08-15", 11, "10")
	w.reservation(t, 1, p, "2025-08-15", 9, "10", "1", model.StatusReserved)
	w.reservation(t, 2, p, "2025-08-15", 9, "5", "1", model.StatusCancelled)
	w.reservation(t, 1, p, "2025-08-15", 10, "3", "1", model.StatusReserved)
	w.reservation(t, 1, p, "2025-08-15", 11, "12", "1", model.StatusReserved)

	occ, err := w.svc.Occupancy(context.Background(), p, "2025-08-15", store.IntPtr(8), store.IntPtr(11))
	require.NoError(t, err)
	assert.Equal(t, "2025-08-15", occ.Date)
	require.Len(t, occ.Data, 4)

	assert.Equal(t, 8, occ.Data[0].Hour)
	assert.True(t, occ.Data[0].Capacity.IsZero())
	assert.True(t, occ.Data[0].OccupancyPct.IsZero())

	assert.True(t, occ.Data[1].Reserved.Equal(d("10")), "cancelled rows are ignored")
	assert.True(t, occ.Data[1].OccupancyPct.Equal(d("33.33")))

	assert.True(t, occ.Data[2].OccupancyPct.IsZero(), "zero capacity reports 0")
	assert.True(t, occ.Data[3].OccupancyPct.Equal(d("100")), "capped at 100")

	again, err := w.svc.Occupancy(context.Background(), p, "2025-08-15", store.IntPtr(8), store.IntPtr(11))
	require.NoError(t, err)
	assert.Equal(t, occ, again)
}

func TestOccupancy_DefaultsAndErrors(t *testing.T) {
	w := newWorld(t)
	p := w.producer(t, model.EnergyWind, "0")
	ctx := context.Background()

	occ, err := w.svc.Occupancy(ctx, p, "2025-08-15", nil, nil)
	require.NoError(t, err)
	assert.Len(t, occ.Data, 24)

	_, err = w.svc.Occupancy(ctx, p, "2025-08-15", store.IntPtr(12), store.IntPtr(11))
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = w.svc.Occupancy(ctx, p, "2025-08-15", store.IntPtr(-1), nil)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = w.svc.Occupancy(ctx, p, "garbage", nil, nil)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = w.svc.Occupancy(ctx, p+1, "2025-08-15", nil, nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEarnings(t *testing.T) {
	w := newWorld(t)
	p := w.producer(t, model.EnergySolar, "0")
	other := w.producer(t, model.EnergySolar, "0")
	w.reservation(t, 1, p, "2025-08-14", 9, "10", "0.12345", model.StatusReserved)
	w.reservation(t, 2, p, "2025-08-15", 9, "2", "0.5", model.StatusReserved)
	w.reservation(t, 2, p, "2025-08-15", 10, "7", "0.5", model.StatusCancelled)
	w.reservation(t, 2, p, "2025-08-16", 9, "100", "1", model.StatusReserved)
	w.reservation(t, 3, other, "2025-08-15", 9, "50", "1", model.StatusReserved)

	total, err := w.svc.Earnings(context.Background(), p, "2025-08-14|2025-08-15")
	require.NoError(t, err)
	assert.Equal(t, "2.2345", total.String())

	_, err = w.svc.Earnings(context.Background(), p, "2025-08-15")
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
	_, err = w.svc.Earnings(context.Background(), p, "2025-08-16|2025-08-15")
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestCarbon(t *testing.T) {
	w := newWorld(t)
	fossil := w.producer(t, model.EnergyFossil, "450.5")
	wind := w.producer(t, model.EnergyWind, "11")
	w.reservation(t, 7, fossil, "2025-08-15", 9, "2.5", "1", model.StatusReserved)
	w.reservation(t, 7, wind, "2025-08-15", 10, "10.0005", "1", model.StatusReserved)
	w.reservation(t, 7, wind, "2025-08-15", 11, "10", "1", model.StatusCancelled)
	w.reservation(t, 7, wind, "2025-09-01", 11, "10", "1", model.StatusReserved)
	w.reservation(t, 8, wind, "2025-08-15", 10, "10", "1", model.StatusReserved)

	grams, err := w.svc.Carbon(context.Background(), 7, "2025-08-01|2025-08-31")
	require.NoError(t, err)
	// 2.5*450.5 + 10.0005*11 = 1126.25 + 110.0055
	assert.True(t, grams.Equal(d("1236.256")), "got %s", grams)

	none, err := w.svc.Carbon(context.Background(), 99, "2025-08-01|2025-08-31")
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestHourlyStats(t *testing.T) {
	w := newWorld(t)
	p := w.producer(t, model.EnergyWind, "0")
	// Hour 9 over three days: 50%, 100%, 0%.
	w.slot(t, p, "2025-08-14", 9, "10")
	w.slot(t, p, "2025-08-15", 9, "10")
	w.slot(t, p, "2025-08-16", 9, "10")
	w.reservation(t, 1, p, "2025-08-14", 9, "5", "1", model.StatusReserved)
	w.reservation(t, 1, p, "2025-08-15", 9, "15", "1", model.StatusReserved)
	// Hour 10: one sample.
	w.slot(t, p, "2025-08-14", 10, "4")
	w.reservation(t, 1, p, "2025-08-14", 10, "1", "1", model.StatusReserved)
	// Reservations without a slot and slots out of range are not samples.
	w.reservation(t, 1, p, "2025-08-14", 11, "1", "1", model.StatusReserved)
	w.slot(t, p, "2025-08-20", 9, "10")

	stats, err := w.svc.HourlyStats(context.Background(), p, "2025-08-14|2025-08-16")
	require.NoError(t, err)
	require.Len(t, stats, 24)
	for h, s := range stats {
		assert.Equal(t, h, s.Hour)
	}

	h9 := stats[9]
	assert.Equal(t, 3, h9.Samples)
	assert.True(t, h9.Min.IsZero())
	assert.True(t, h9.Max.Equal(d("100")))
	assert.True(t, h9.Avg.Equal(d("50")))
	// sqrt(((0)^2 + 50^2 + 50^2) / 3) = 40.824829046386...
	assert.True(t, h9.Std.Equal(d("40.824829046386")), "got %s", h9.Std)

	h10 := stats[10]
	assert.Equal(t, 1, h10.Samples)
	assert.True(t, h10.Avg.Equal(d("25")))
	assert.True(t, h10.Std.IsZero())

	h11 := stats[11]
	assert.Zero(t, h11.Samples)
	assert.True(t, h11.Max.IsZero())
}

func TestPurchases(t *testing.T) {
	w := newWorld(t)
	wind := w.producer(t, model.EnergyWind, "0")
	solar := w.producer(t, model.EnergySolar, "0")
	w.reservation(t, 5, solar, "2025-08-16", 9, "1", "1", model.StatusReserved)
	w.reservation(t, 5, wind, "2025-08-15", 10, "1", "1", model.StatusReserved)
	w.reservation(t, 5, wind, "2025-08-15", 9, "1", "1", model.StatusReserved)
	w.reservation(t, 5, wind, "2025-08-15", 8, "0", "1", model.StatusCancelled)
	w.reservation(t, 6, wind, "2025-08-15", 9, "1", "1", model.StatusReserved)
	ctx := context.Background()

	all, err := w.svc.Purchases(ctx, 5, analytics.PurchaseFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "2025-08-15", all[0].Date)
	assert.Equal(t, 9, all[0].Hour)
	assert.Equal(t, 10, all[1].Hour)
	assert.Equal(t, "2025-08-16", all[2].Date)
	require.NotNil(t, all[0].Producer)
	assert.Equal(t, model.EnergyWind, all[0].Producer.EnergyType)

	onlySolar, err := w.svc.Purchases(ctx, 5, analytics.PurchaseFilter{EnergyType: "Fotovoltaico"})
	require.NoError(t, err)
	require.Len(t, onlySolar, 1)
	assert.Equal(t, solar, onlySolar[0].ProducerID)

	byProducer, err := w.svc.Purchases(ctx, 5, analytics.PurchaseFilter{ProducerID: wind, Range: "2025-08-15|2025-08-15"})
	require.NoError(t, err)
	assert.Len(t, byProducer, 2)

	_, err = w.svc.Purchases(ctx, 5, analytics.PurchaseFilter{EnergyType: "Nucleare"})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestStatementAndExport(t *testing.T) {
	w := newWorld(t)
	p := w.producer(t, model.EnergySolar, "0")
	w.reservation(t, 1, p, "2025-08-14", 9, "10", "0.25", model.StatusReserved)
	w.reservation(t, 2, p, "2025-08-14", 10, "2.5", "0.3", model.StatusReserved)
	w.reservation(t, 2, p, "2025-08-16", 10, "4", "0.5", model.StatusReserved)
	w.reservation(t, 3, p, "2025-08-15", 10, "9", "0.5", model.StatusCancelled)

	stmt, err := w.svc.Statement(context.Background(), p, "2025-08-14|2025-08-16")
	require.NoError(t, err)
	require.Len(t, stmt.Lines, 2)
	assert.Equal(t, "2025-08-14", stmt.Lines[0].Date)
	assert.Equal(t, 2, stmt.Lines[0].Reservations)
	assert.True(t, stmt.Lines[0].Kwh.Equal(d("12.5")))
	assert.True(t, stmt.Lines[0].Amount.Equal(d("3.25")))
	assert.True(t, stmt.TotalKwh.Equal(d("16.5")))
	assert.True(t, stmt.TotalAmount.Equal(d("5.25")))

	pdf, ctype, err := analytics.Render(stmt, analytics.FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", ctype)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF")))

	xlsx, _, err := analytics.Render(stmt, analytics.FormatXLSX)
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(xlsx))
	require.NoError(t, err)
	defer f.Close()
	day, err := f.GetCellValue("days", "A3")
	require.NoError(t, err)
	assert.Equal(t, "2025-08-16", day)

	_, _, err = analytics.Render(stmt, "csv")
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}
