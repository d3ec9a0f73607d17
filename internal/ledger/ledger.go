// Package ledger moves consumer credit. Every mutation is a signed delta
// applied to the single balance field, rounded to model.CreditScale places,
// and recorded as an immutable model.LedgerEntry in the same transaction.
//
// The ledger never locks: callers hold store.Tx.LockConsumer for the
// consumer before calling in.
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Ft2801/progetto-PA/internal/calendar"
	"github.com/Ft2801/progetto-PA/internal/metrics"
	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
)

// Ledger applies balance deltas.
type Ledger struct {
	clock calendar.Clock
}

// New creates a ledger. A nil clock uses the wall clock.
func New(clock calendar.Clock) *Ledger {
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	return &Ledger{clock: clock}
}

// Charge debits cost from the consumer. The balance must cover the unrounded
// cost, otherwise model.ErrInsufficientCredit is returned and nothing is written.
func (l *Ledger) Charge(ctx context.Context, tx store.Tx, consumerID, reservationID int64, cost decimal.Decimal) (*model.LedgerEntry, error) {
	u, err := tx.GetUser(ctx, consumerID)
	if err != nil {
		return nil, err
	}
	if u.Credit.LessThan(cost) {
		return nil, fmt.Errorf("%w: balance %s, cost %s", model.ErrInsufficientCredit, u.Credit.String(), cost.String())
	}
	return l.apply(ctx, tx, u, reservationID, model.ReasonCharge, cost.Neg())
}

// Adjust applies diffCost as a debit (positive) or credit back (negative)
// after a quantity change. It does not check the balance.
func (l *Ledger) Adjust(ctx context.Context, tx store.Tx, consumerID, reservationID int64, diffCost decimal.Decimal) (*model.LedgerEntry, error) {
	u, err := tx.GetUser(ctx, consumerID)
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, tx, u, reservationID, model.ReasonAdjust, diffCost.Neg())
}

// Refund credits amount back to the consumer. reason is ReasonRefund for
// cancellations and ReasonProrataRefund for proportional scaling.
func (l *Ledger) Refund(ctx context.Context, tx store.Tx, consumerID, reservationID int64, amount decimal.Decimal, reason model.LedgerReason) (*model.LedgerEntry, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: refund must be >= 0", model.ErrInvalidRequest)
	}
	u, err := tx.GetUser(ctx, consumerID)
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, tx, u, reservationID, reason, amount)
}

func (l *Ledger) apply(ctx context.Context, tx store.Tx, u *model.User, reservationID int64, reason model.LedgerReason, delta decimal.Decimal) (*model.LedgerEntry, error) {
	balance := model.RoundCredit(u.Credit.Add(delta))
	if err := tx.SetCredit(ctx, u.ID, balance); err != nil {
		return nil, fmt.Errorf("set credit of user %d: %w", u.ID, err)
	}

	entry := &model.LedgerEntry{
		ID:            uuid.New().String(),
		ConsumerID:    u.ID,
		ReservationID: reservationID,
		Reason:        reason,
		Delta:         balance.Sub(u.Credit),
		BalanceAfter:  balance,
		CreatedAt:     l.clock.Now(),
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	amount, _ := entry.Delta.Abs().Float64()
	metrics.CreditMoved.WithLabelValues(string(reason)).Add(amount)
	return entry, nil
}

// History returns the consumer's ledger entries, oldest first.
func History(ctx context.Context, r store.Reader, consumerID int64) ([]model.LedgerEntry, error) {
	if _, err := r.GetUser(ctx, consumerID); err != nil {
		return nil, err
	}
	entries, err := r.ListLedgerEntries(ctx, consumerID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}
