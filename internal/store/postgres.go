package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Ft2801/progetto-PA/internal/metrics"
	"github.com/Ft2801/progetto-PA/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Transactions run at READ COMMITTED. Slot scopes are serialised with
// transaction-level advisory locks and consumer balances with row locks, so
// every statement after a lock sees the latest committed state.
type PostgresStore struct {
	pgReader
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewPostgresStore creates a new PostgreSQL-backed store. maxAttempts bounds
// how many times a transaction is run when it fails with a serialization or
// deadlock error; values below 1 mean a single attempt.
func NewPostgresStore(pool *pgxpool.Pool, maxAttempts int) *PostgresStore {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &PostgresStore{
		pgReader:    pgReader{q: pool},
		pool:        pool,
		maxAttempts: maxAttempts,
	}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RunInTx runs fn in a transaction, retrying the whole callback when the
// database aborts it with SQLSTATE 40001 or 40P01.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		if attempt >= s.maxAttempts {
			return fmt.Errorf("%w (after %d attempts): %v", ErrTxConflict, attempt, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		metrics.TxRetries.Inc()
		slog.Warn("retrying conflicting transaction", "attempt", attempt, "err", err)
	}
}

func (s *PostgresStore) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &pgTx{pgReader: pgReader{q: tx}, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// --- Reader ---

type pgReader struct {
	q querier
}

const userColumns = `SELECT id, COALESCE(email, ''), name, role, credit::TEXT, created_at FROM users`

func (r pgReader) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	var credit string
	err := r.q.QueryRow(ctx, userColumns+` WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.Role, &credit, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user %d", id)
	}
	u.Credit, _ = decimal.NewFromString(credit)
	return &u, nil
}

const producerColumns = `SELECT id, user_id, energy_type,
        co2_per_kwh::TEXT, price_per_kwh::TEXT, default_max_per_hour_kwh::TEXT,
        created_at, updated_at
 FROM producers`

func (r pgReader) GetProducer(ctx context.Context, id int64) (*model.Producer, error) {
	p, err := scanProducer(r.q.QueryRow(ctx, producerColumns+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "producer %d", id)
	}
	return p, nil
}

func (r pgReader) GetProducerByUser(ctx context.Context, userID int64) (*model.Producer, error) {
	p, err := scanProducer(r.q.QueryRow(ctx, producerColumns+` WHERE user_id = $1`, userID))
	if err != nil {
		return nil, notFound(err, "producer profile of user %d", userID)
	}
	return p, nil
}

func (r pgReader) ListProducers(ctx context.Context, energyType model.EnergyType) ([]model.Producer, error) {
	rows, err := r.q.Query(ctx,
		producerColumns+` WHERE ($1 = '' OR energy_type = $1) ORDER BY id`, string(energyType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var producers []model.Producer
	for rows.Next() {
		p, err := scanProducer(rows)
		if err != nil {
			return nil, err
		}
		producers = append(producers, *p)
	}
	return producers, rows.Err()
}

const slotColumns = `SELECT id, producer_id, date, hour,
        max_capacity_kwh::TEXT, price_per_kwh::TEXT, created_at, updated_at
 FROM slots`

func (r pgReader) GetSlot(ctx context.Context, key model.SlotKey) (*model.Slot, error) {
	sl, err := scanSlot(r.q.QueryRow(ctx,
		slotColumns+` WHERE producer_id = $1 AND date = $2 AND hour = $3`,
		key.ProducerID, key.Date, key.Hour))
	if err != nil {
		return nil, notFound(err, "slot %d/%s/%d", key.ProducerID, key.Date, key.Hour)
	}
	return sl, nil
}

func (r pgReader) ListSlots(ctx context.Context, f SlotFilter) ([]model.Slot, error) {
	var w where
	if f.ProducerID != 0 {
		w.add("producer_id = $%d", f.ProducerID)
	}
	if f.DateFrom != "" {
		w.add("date >= $%d", f.DateFrom)
	}
	if f.DateTo != "" {
		w.add("date <= $%d", f.DateTo)
	}
	if f.FromHour != nil {
		w.add("hour >= $%d", *f.FromHour)
	}
	if f.ToHour != nil {
		w.add("hour <= $%d", *f.ToHour)
	}

	rows, err := r.q.Query(ctx, slotColumns+w.String()+` ORDER BY date, hour, producer_id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []model.Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *sl)
	}
	return slots, rows.Err()
}

const reservationColumns = `SELECT id, consumer_id, producer_id, date, hour,
        kwh::TEXT, unit_price::TEXT, status, created_at, updated_at
 FROM reservations`

func (r pgReader) GetReservation(ctx context.Context, id int64) (*model.Reservation, error) {
	res, err := scanReservation(r.q.QueryRow(ctx, reservationColumns+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "reservation %d", id)
	}
	return res, nil
}

func (r pgReader) ListReservations(ctx context.Context, f ReservationFilter) ([]model.Reservation, error) {
	var w where
	if f.ProducerID != 0 {
		w.add("producer_id = $%d", f.ProducerID)
	}
	if f.ConsumerID != 0 {
		w.add("consumer_id = $%d", f.ConsumerID)
	}
	if f.DateFrom != "" {
		w.add("date >= $%d", f.DateFrom)
	}
	if f.DateTo != "" {
		w.add("date <= $%d", f.DateTo)
	}
	if f.Hour != nil {
		w.add("hour = $%d", *f.Hour)
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}

	rows, err := r.q.Query(ctx, reservationColumns+w.String()+` ORDER BY date, hour, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

func (r pgReader) ListLedgerEntries(ctx context.Context, consumerID int64) ([]model.LedgerEntry, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id::TEXT, consumer_id, reservation_id, reason,
		        delta::TEXT, balance_after::TEXT, created_at
		 FROM ledger_entries WHERE consumer_id = $1 ORDER BY seq`, consumerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var delta, after string
		if err := rows.Scan(&e.ID, &e.ConsumerID, &e.ReservationID, &e.Reason,
			&delta, &after, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Delta, _ = decimal.NewFromString(delta)
		e.BalanceAfter, _ = decimal.NewFromString(after)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Tx ---

type pgTx struct {
	pgReader
	tx pgx.Tx
}

func (t *pgTx) LockSlot(ctx context.Context, key model.SlotKey) error {
	lockKey := fmt.Sprintf("slot:%d:%s:%d", key.ProducerID, key.Date, key.Hour)
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey)
	return err
}

func (t *pgTx) LockConsumer(ctx context.Context, consumerID int64) error {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, consumerID).Scan(&id)
	if err != nil {
		return notFound(err, "user %d", consumerID)
	}
	return nil
}

func (t *pgTx) CreateUser(ctx context.Context, u *model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO users (email, name, role, credit, created_at)
		 VALUES (NULLIF($1, ''), $2, $3, $4::NUMERIC, $5) RETURNING id`,
		u.Email, u.Name, string(u.Role), u.Credit.String(), u.CreatedAt,
	).Scan(&u.ID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: user %s already exists", model.ErrInvalidRequest, u.Email)
	}
	return err
}

func (t *pgTx) SaveProducer(ctx context.Context, p *model.Producer) error {
	now := time.Now().UTC()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.ID == 0 {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		return t.tx.QueryRow(ctx,
			`INSERT INTO producers (user_id, energy_type, co2_per_kwh, price_per_kwh, default_max_per_hour_kwh, created_at, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7) RETURNING id`,
			p.UserID, string(p.EnergyType), p.CO2PerKwh.String(), p.PricePerKwh.String(),
			p.DefaultMaxPerHourKwh.String(), p.CreatedAt, p.UpdatedAt,
		).Scan(&p.ID)
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE producers
		 SET energy_type = $2, co2_per_kwh = $3::NUMERIC, price_per_kwh = $4::NUMERIC,
		     default_max_per_hour_kwh = $5::NUMERIC, updated_at = $6
		 WHERE id = $1`,
		p.ID, string(p.EnergyType), p.CO2PerKwh.String(), p.PricePerKwh.String(),
		p.DefaultMaxPerHourKwh.String(), p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("producer %d: %w", p.ID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) SaveSlot(ctx context.Context, sl *model.Slot) error {
	if err := sl.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if sl.UpdatedAt.IsZero() {
		sl.UpdatedAt = now
	}
	if sl.CreatedAt.IsZero() {
		sl.CreatedAt = now
	}
	return t.tx.QueryRow(ctx,
		`INSERT INTO slots (producer_id, date, hour, max_capacity_kwh, price_per_kwh, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (producer_id, date, hour) DO UPDATE
		 SET max_capacity_kwh = EXCLUDED.max_capacity_kwh,
		     price_per_kwh = EXCLUDED.price_per_kwh,
		     updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		sl.ProducerID, sl.Date, sl.Hour, sl.MaxCapacityKwh.String(), sl.PricePerKwh.String(),
		sl.CreatedAt, sl.UpdatedAt,
	).Scan(&sl.ID, &sl.CreatedAt)
}

func (t *pgTx) SetCredit(ctx context.Context, userID int64, credit decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET credit = $2::NUMERIC WHERE id = $1`, userID, credit.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertReservation(ctx context.Context, r *model.Reservation) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	return t.tx.QueryRow(ctx,
		`INSERT INTO reservations (consumer_id, producer_id, date, hour, kwh, unit_price, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9) RETURNING id`,
		r.ConsumerID, r.ProducerID, r.Date, r.Hour, r.Kwh.String(), r.UnitPrice.String(),
		string(r.Status), r.CreatedAt, r.UpdatedAt,
	).Scan(&r.ID)
}

func (t *pgTx) UpdateReservation(ctx context.Context, r *model.Reservation) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE reservations SET kwh = $2::NUMERIC, status = $3, updated_at = $4 WHERE id = $1`,
		r.ID, r.Kwh.String(), string(r.Status), r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reservation %d: %w", r.ID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, consumer_id, reservation_id, reason, delta, balance_after, created_at)
		 VALUES ($1::UUID, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		e.ID, e.ConsumerID, e.ReservationID, string(e.Reason),
		e.Delta.String(), e.BalanceAfter.String(), e.CreatedAt,
	)
	return err
}

// --- Scan helpers ---

func scanProducer(row pgx.Row) (*model.Producer, error) {
	var p model.Producer
	var co2, price, maxKwh string
	if err := row.Scan(&p.ID, &p.UserID, &p.EnergyType, &co2, &price, &maxKwh,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.CO2PerKwh, _ = decimal.NewFromString(co2)
	p.PricePerKwh, _ = decimal.NewFromString(price)
	p.DefaultMaxPerHourKwh, _ = decimal.NewFromString(maxKwh)
	return &p, nil
}

func scanSlot(row pgx.Row) (*model.Slot, error) {
	var sl model.Slot
	var capKwh, price string
	if err := row.Scan(&sl.ID, &sl.ProducerID, &sl.Date, &sl.Hour, &capKwh, &price,
		&sl.CreatedAt, &sl.UpdatedAt); err != nil {
		return nil, err
	}
	sl.MaxCapacityKwh, _ = decimal.NewFromString(capKwh)
	sl.PricePerKwh, _ = decimal.NewFromString(price)
	return &sl, nil
}

func scanReservation(row pgx.Row) (*model.Reservation, error) {
	var r model.Reservation
	var kwh, unitPrice string
	if err := row.Scan(&r.ID, &r.ConsumerID, &r.ProducerID, &r.Date, &r.Hour,
		&kwh, &unitPrice, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Kwh, _ = decimal.NewFromString(kwh)
	r.UnitPrice, _ = decimal.NewFromString(unitPrice)
	return &r, nil
}

// notFound maps pgx.ErrNoRows onto model.ErrNotFound.
func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

// where accumulates AND-ed conditions with positional arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}
