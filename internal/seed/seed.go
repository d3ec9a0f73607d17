// Package seed loads development fixtures: users with credit, producer
// profiles and published capacities, with dates given relative to today.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Ft2801/progetto-PA/internal/calendar"
	"github.com/Ft2801/progetto-PA/internal/catalog"
	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
)

// Fixture is the YAML document accepted by `server seed`.
type Fixture struct {
	Users []User `yaml:"users"`
}

// User is one account to create.
type User struct {
	Email    string          `yaml:"email"`
	Name     string          `yaml:"name"`
	Role     string          `yaml:"role"`
	Credit   decimal.Decimal `yaml:"credit"`
	Producer *Producer       `yaml:"producer"`
}

// Producer is the profile of a producer user.
type Producer struct {
	EnergyType           string           `yaml:"energyType"`
	CO2PerKwh            decimal.Decimal  `yaml:"co2PerKwh"`
	PricePerKwh          *decimal.Decimal `yaml:"pricePerKwh"`
	DefaultMaxPerHourKwh decimal.Decimal  `yaml:"defaultMaxPerHourKwh"`
	Capacities           []Capacity       `yaml:"capacities"`
}

// Capacity publishes the same capacity for several hours of one day.
// DayOffset counts from today in the market time zone.
type Capacity struct {
	DayOffset      int              `yaml:"dayOffset"`
	Hours          []int            `yaml:"hours"`
	MaxCapacityKwh decimal.Decimal  `yaml:"maxCapacityKwh"`
	PricePerKwh    *decimal.Decimal `yaml:"pricePerKwh"`
}

// LoadFile reads and decodes a fixture.
func LoadFile(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a fixture.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: seed: %v", model.ErrInvalidRequest, err)
	}
	return &f, nil
}

// Seeder applies fixtures through the catalog so the same validation runs as
// for API writes.
type Seeder struct {
	store   store.Store
	catalog *catalog.Service
	cal     *calendar.Calendar
	clock   calendar.Clock
	logger  *slog.Logger
}

func NewSeeder(st store.Store, cat *catalog.Service, cal *calendar.Calendar, clock calendar.Clock, logger *slog.Logger) *Seeder {
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{store: st, catalog: cat, cal: cal, clock: clock, logger: logger}
}

// Apply creates every user of f and returns them with ids assigned. It stops
// at the first failure; users created before it are kept.
func (s *Seeder) Apply(ctx context.Context, f *Fixture) ([]model.User, error) {
	today := s.cal.Today(s.clock.Now())
	var created []model.User

	for i, fu := range f.Users {
		role, ok := model.ParseRole(fu.Role)
		if !ok {
			return created, fmt.Errorf("%w: seed user %d: unknown role %q", model.ErrInvalidRequest, i, fu.Role)
		}
		u := model.User{Email: fu.Email, Name: fu.Name, Role: role, Credit: model.RoundCredit(fu.Credit)}
		if err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.CreateUser(ctx, &u)
		}); err != nil {
			return created, fmt.Errorf("seed user %s: %w", fu.Email, err)
		}
		created = append(created, u)

		if fu.Producer == nil {
			continue
		}
		fp := fu.Producer
		p, err := s.catalog.UpsertProfile(ctx, u.ID, catalog.ProfileInput{
			EnergyType:           fp.EnergyType,
			CO2PerKwh:            fp.CO2PerKwh,
			PricePerKwh:          fp.PricePerKwh,
			DefaultMaxPerHourKwh: fp.DefaultMaxPerHourKwh,
		})
		if err != nil {
			return created, fmt.Errorf("seed producer %s: %w", fu.Email, err)
		}
		for _, c := range fp.Capacities {
			date, err := s.cal.AddDays(today, c.DayOffset)
			if err != nil {
				return created, err
			}
			in := make([]catalog.CapacityInput, 0, len(c.Hours))
			for _, h := range c.Hours {
				in = append(in, catalog.CapacityInput{Hour: h, MaxCapacityKwh: c.MaxCapacityKwh, PricePerKwh: c.PricePerKwh})
			}
			if _, err := s.catalog.UpsertCapacities(ctx, u.ID, date, in); err != nil {
				return created, fmt.Errorf("seed capacities %s %s: %w", fu.Email, date, err)
			}
		}
		s.logger.Info("seeded producer", "user_id", u.ID, "producer_id", p.ID, "energy_type", p.EnergyType)
	}

	s.logger.Info("seed applied", "users", len(created))
	return created, nil
}
