// Package analytics computes the read-side aggregates of the market:
// occupancy, earnings, carbon footprint, hourly dispersion statistics and
// purchase listings. Nothing here mutates the store.
package analytics

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/Ft2801/progetto-PA/internal/calendar"
	"github.com/Ft2801/progetto-PA/internal/capacity"
	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Service answers aggregate queries.
type Service struct {
	store store.Reader
	cal   *calendar.Calendar
	clock calendar.Clock
}

// NewService creates an analytics service. A nil clock means the wall clock.
func NewService(st store.Reader, cal *calendar.Calendar, clock calendar.Clock) *Service {
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	return &Service{store: st, cal: cal, clock: clock}
}

// OccupancyRow is one hour of a producer's day.
type OccupancyRow struct {
	Hour         int             `json:"hour"`
	Capacity     decimal.Decimal `json:"capacity"`
	Reserved     decimal.Decimal `json:"reserved"`
	OccupancyPct decimal.Decimal `json:"occupancyPct"`
}

// Occupancy is the response of GET /producer/occupancy.
type Occupancy struct {
	Date string         `json:"date"`
	Data []OccupancyRow `json:"data"`
}

// Occupancy reports reserved against published capacity for each hour in
// [fromHour, toHour] of one day. Nil bounds default to 0 and 23. Hours with
// no slot report zero capacity.
func (s *Service) Occupancy(ctx context.Context, producerID int64, rawDate string, fromHour, toHour *int) (*Occupancy, error) {
	date, err := s.cal.ParseDate(rawDate)
	if err != nil {
		return nil, err
	}
	from, to := 0, 23
	if fromHour != nil {
		from = *fromHour
	}
	if toHour != nil {
		to = *toHour
	}
	if err := calendar.ValidateHour(from); err != nil {
		return nil, err
	}
	if err := calendar.ValidateHour(to); err != nil {
		return nil, err
	}
	if from > to {
		return nil, fmt.Errorf("%w: fromHour %d after toHour %d", model.ErrInvalidRequest, from, to)
	}
	if _, err := s.store.GetProducer(ctx, producerID); err != nil {
		return nil, err
	}

	slots, err := s.store.ListSlots(ctx, store.SlotFilter{
		ProducerID: producerID, DateFrom: date, DateTo: date, FromHour: &from, ToHour: &to,
	})
	if err != nil {
		return nil, err
	}
	rs, err := s.store.ListReservations(ctx, store.ReservationFilter{
		ProducerID: producerID, DateFrom: date, DateTo: date, Status: model.StatusReserved,
	})
	if err != nil {
		return nil, err
	}

	capByHour := make(map[int]decimal.Decimal, len(slots))
	for _, sl := range slots {
		capByHour[sl.Hour] = sl.MaxCapacityKwh
	}
	reservedByHour := make(map[int]decimal.Decimal)
	for _, r := range rs {
		reservedByHour[r.Hour] = reservedByHour[r.Hour].Add(r.Kwh)
	}

	out := &Occupancy{Date: date, Data: make([]OccupancyRow, 0, to-from+1)}
	for h := from; h <= to; h++ {
		capKwh, reserved := capByHour[h], reservedByHour[h]
		out.Data = append(out.Data, OccupancyRow{
			Hour:         h,
			Capacity:     model.RoundKwh(capKwh),
			Reserved:     model.RoundKwh(reserved),
			OccupancyPct: capacity.OccupancyPct(reserved, capKwh).Round(2),
		})
	}
	return out, nil
}

// Earnings sums kwh × unitPrice over a producer's reserved reservations in
// an inclusive "start|end" range, rounded to 4 places.
func (s *Service) Earnings(ctx context.Context, producerID int64, rawRange string) (decimal.Decimal, error) {
	start, end, err := s.cal.ParseRange(rawRange)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := s.store.GetProducer(ctx, producerID); err != nil {
		return decimal.Zero, err
	}
	rs, err := s.store.ListReservations(ctx, store.ReservationFilter{
		ProducerID: producerID, DateFrom: start, DateTo: end, Status: model.StatusReserved,
	})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := range rs {
		total = total.Add(rs[i].Cost())
	}
	return model.RoundCredit(total), nil
}

// Carbon sums kwh × co2PerKwh of the supplying producer over a consumer's
// reserved reservations in range, in grams rounded to 3 places.
func (s *Service) Carbon(ctx context.Context, consumerID int64, rawRange string) (decimal.Decimal, error) {
	start, end, err := s.cal.ParseRange(rawRange)
	if err != nil {
		return decimal.Zero, err
	}
	rs, err := s.store.ListReservations(ctx, store.ReservationFilter{
		ConsumerID: consumerID, DateFrom: start, DateTo: end, Status: model.StatusReserved,
	})
	if err != nil {
		return decimal.Zero, err
	}
	producers := newProducerCache(s.store)
	total := decimal.Zero
	for _, r := range rs {
		p, err := producers.get(ctx, r.ProducerID)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(r.Kwh.Mul(p.CO2PerKwh))
	}
	return total.Round(3), nil
}

// HourStats summarises the occupancy percentages one hour-of-day reached
// across a date range.
type HourStats struct {
	Hour    int             `json:"hour"`
	Min     decimal.Decimal `json:"min"`
	Max     decimal.Decimal `json:"max"`
	Avg     decimal.Decimal `json:"avg"`
	Std     decimal.Decimal `json:"std"`
	Samples int             `json:"samples"`
}

// HourlyStats returns 24 entries, one per hour-of-day. A (date, hour) counts
// as a sample only when the producer published a slot for it. Std is the
// population standard deviation. Hours without samples report zeros.
func (s *Service) HourlyStats(ctx context.Context, producerID int64, rawRange string) ([]HourStats, error) {
	start, end, err := s.cal.ParseRange(rawRange)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetProducer(ctx, producerID); err != nil {
		return nil, err
	}
	slots, err := s.store.ListSlots(ctx, store.SlotFilter{ProducerID: producerID, DateFrom: start, DateTo: end})
	if err != nil {
		return nil, err
	}
	rs, err := s.store.ListReservations(ctx, store.ReservationFilter{
		ProducerID: producerID, DateFrom: start, DateTo: end, Status: model.StatusReserved,
	})
	if err != nil {
		return nil, err
	}

	reserved := make(map[model.SlotKey]decimal.Decimal)
	for _, r := range rs {
		k := r.Key()
		reserved[k] = reserved[k].Add(r.Kwh)
	}
	samples := make([][]decimal.Decimal, 24)
	for _, sl := range slots {
		pct := capacity.OccupancyPct(reserved[sl.Key()], sl.MaxCapacityKwh)
		samples[sl.Hour] = append(samples[sl.Hour], pct)
	}

	out := make([]HourStats, 24)
	for h := range out {
		out[h] = summarize(h, samples[h])
	}
	return out, nil
}

func summarize(hour int, pct []decimal.Decimal) HourStats {
	st := HourStats{Hour: hour, Samples: len(pct)}
	if len(pct) == 0 {
		return st
	}
	n := decimal.NewFromInt(int64(len(pct)))
	minV, maxV, sum := pct[0], pct[0], decimal.Zero
	for _, v := range pct {
		minV = decimal.Min(minV, v)
		maxV = decimal.Max(maxV, v)
		sum = sum.Add(v)
	}
	avg := sum.Div(n)
	variance := decimal.Zero
	for _, v := range pct {
		dev := v.Sub(avg)
		variance = variance.Add(dev.Mul(dev))
	}
	variance = variance.Div(n)

	st.Min = minV
	st.Max = maxV
	st.Avg = avg
	st.Std = sqrt(variance)
	return st
}

// stdPlaces is the precision of the standard deviation.
const stdPlaces = 12

// sqrt is Newton's method on decimals, seeded from float64.
func sqrt(v decimal.Decimal) decimal.Decimal {
	if !v.IsPositive() {
		return decimal.Zero
	}
	x := decimal.NewFromFloat(math.Sqrt(v.InexactFloat64()))
	if !x.IsPositive() {
		x = v
	}
	two := decimal.NewFromInt(2)
	for i := 0; i < 64; i++ {
		next := x.Add(v.DivRound(x, stdPlaces+4)).DivRound(two, stdPlaces+4)
		if next.Equal(x) {
			break
		}
		x = next
	}
	return x.Round(stdPlaces)
}

// PurchaseFilter narrows a consumer's purchase listing. Zero values match all.
type PurchaseFilter struct {
	ProducerID int64
	EnergyType string
	Range      string
}

// Purchases lists a consumer's reserved reservations with the producer
// profile embedded, ordered by date, hour and id.
func (s *Service) Purchases(ctx context.Context, consumerID int64, f PurchaseFilter) ([]model.Reservation, error) {
	rf := store.ReservationFilter{ConsumerID: consumerID, ProducerID: f.ProducerID, Status: model.StatusReserved}
	var energy model.EnergyType
	if f.EnergyType != "" {
		var err error
		if energy, err = model.ParseEnergyType(f.EnergyType); err != nil {
			return nil, err
		}
	}
	if f.Range != "" {
		var err error
		if rf.DateFrom, rf.DateTo, err = s.cal.ParseRange(f.Range); err != nil {
			return nil, err
		}
	}

	rs, err := s.store.ListReservations(ctx, rf)
	if err != nil {
		return nil, err
	}
	producers := newProducerCache(s.store)
	out := make([]model.Reservation, 0, len(rs))
	for _, r := range rs {
		p, err := producers.get(ctx, r.ProducerID)
		if err != nil {
			return nil, err
		}
		if energy != "" && p.EnergyType != energy {
			continue
		}
		r.Producer = p
		out = append(out, r)
	}
	return out, nil
}

// producerCache memoises profile lookups for the duration of one query.
type producerCache struct {
	r    store.Reader
	seen map[int64]*model.Producer
}

func newProducerCache(r store.Reader) *producerCache {
	return &producerCache{r: r, seen: make(map[int64]*model.Producer)}
}

func (c *producerCache) get(ctx context.Context, id int64) (*model.Producer, error) {
	if p, ok := c.seen[id]; ok {
		return p, nil
	}
	p, err := c.r.GetProducer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("producer %d: %w", id, err)
	}
	c.seen[id] = p
	return p, nil
}
