package analytics_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
)

// Property: dispersion statistics ordering
// For any set of slots and reservations, every hour satisfies
// min <= avg <= max, std >= 0, and std is 0 when there is a single sample.

func TestProperty_HourlyStatsOrdering(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := newWorld(rt)
		p := w.producer(rt, model.EnergyWind, "0")
		ctx := context.Background()

		days := rapid.IntRange(1, 6).Draw(rt, "days")
		for day := 1; day <= days; day++ {
			date := fmt.Sprintf("2025-08-%02d", day)
			for _, hour := range rapid.SliceOfNDistinct(rapid.IntRange(0, 23), 0, 4, rapid.ID[int]).Draw(rt, "hours") {
				capKwh := decimal.New(int64(rapid.IntRange(0, 500).Draw(rt, "capacity")), -1)
				reserved := decimal.New(int64(rapid.IntRange(0, 600).Draw(rt, "reserved")), -1)
				if err := w.st.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
					if err := tx.SaveSlot(ctx, &model.Slot{ProducerID: p, Date: date, Hour: hour, MaxCapacityKwh: capKwh}); err != nil {
						return err
					}
					return tx.InsertReservation(ctx, &model.Reservation{
						ConsumerID: 1, ProducerID: p, Date: date, Hour: hour,
						Kwh: reserved, UnitPrice: decimal.NewFromInt(1), Status: model.StatusReserved,
					})
				}); err != nil {
					rt.Fatal(err)
				}
			}
		}

		stats, err := w.svc.HourlyStats(ctx, p, fmt.Sprintf("2025-08-01|2025-08-%02d", days))
		if err != nil {
			rt.Fatal(err)
		}
		if len(stats) != 24 {
			rt.Fatalf("got %d hours", len(stats))
		}
		for _, s := range stats {
			if s.Min.GreaterThan(s.Avg) || s.Avg.GreaterThan(s.Max) {
				rt.Fatalf("hour %d: min %s avg %s max %s", s.Hour, s.Min, s.Avg, s.Max)
			}
			if s.Std.IsNegative() {
				rt.Fatalf("hour %d: negative std %s", s.Hour, s.Std)
			}
			if s.Samples <= 1 && !s.Std.IsZero() {
				rt.Fatalf("hour %d: std %s with %d samples", s.Hour, s.Std, s.Samples)
			}
			if s.Max.GreaterThan(decimal.NewFromInt(100)) {
				rt.Fatalf("hour %d: max %s above 100", s.Hour, s.Max)
			}
		}
	})
}
