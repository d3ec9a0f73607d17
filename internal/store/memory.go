package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/Ft2801/progetto-PA/internal/model"
)

const btreeDegree = 16

// MemoryStore implements Store with in-memory maps and ordered btree indexes.
// Used for testing and development. Not suitable for production (no persistence).
//
// Transactions are serialised by a single store-wide lock and rolled back
// through an undo log, so LockSlot and LockConsumer have nothing left to do.
// A transaction callback must only use its Tx: calling the store's own read
// methods from inside RunInTx deadlocks.
type MemoryStore struct {
	mu sync.RWMutex

	users          map[int64]model.User
	producers      map[int64]model.Producer
	producerByUser map[int64]int64
	slots          *btree.BTreeG[model.Slot]
	reservations   map[int64]model.Reservation
	resBySlot      *btree.BTreeG[model.Reservation]
	resByConsumer  *btree.BTreeG[model.Reservation]
	ledger         []model.LedgerEntry

	nextUserID        int64
	nextProducerID    int64
	nextSlotID        int64
	nextReservationID int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:          make(map[int64]model.User),
		producers:      make(map[int64]model.Producer),
		producerByUser: make(map[int64]int64),
		slots:          btree.NewG[model.Slot](btreeDegree, slotLess),
		reservations:   make(map[int64]model.Reservation),
		resBySlot:      btree.NewG[model.Reservation](btreeDegree, resSlotLess),
		resByConsumer:  btree.NewG[model.Reservation](btreeDegree, resConsumerLess),
	}
}

// slotLess orders slots by producer, date, hour.
func slotLess(a, b model.Slot) bool {
	if a.ProducerID != b.ProducerID {
		return a.ProducerID < b.ProducerID
	}
	if a.Date != b.Date {
		return a.Date < b.Date
	}
	return a.Hour < b.Hour
}

// resSlotLess orders reservations by producer, date, hour, id.
func resSlotLess(a, b model.Reservation) bool {
	if a.ProducerID != b.ProducerID {
		return a.ProducerID < b.ProducerID
	}
	return resTimeLess(a, b)
}

// resConsumerLess orders reservations by consumer, date, hour, id.
func resConsumerLess(a, b model.Reservation) bool {
	if a.ConsumerID != b.ConsumerID {
		return a.ConsumerID < b.ConsumerID
	}
	return resTimeLess(a, b)
}

func resTimeLess(a, b model.Reservation) bool {
	if a.Date != b.Date {
		return a.Date < b.Date
	}
	if a.Hour != b.Hour {
		return a.Hour < b.Hour
	}
	return a.ID < b.ID
}

// RunInTx runs fn holding the store lock. On error every write made through
// the Tx is undone in reverse order.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// --- Reader (store level, read-locked) ---

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUser(id)
}

func (s *MemoryStore) GetProducer(_ context.Context, id int64) (*model.Producer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProducer(id)
}

func (s *MemoryStore) GetProducerByUser(_ context.Context, userID int64) (*model.Producer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProducerByUser(userID)
}

func (s *MemoryStore) ListProducers(_ context.Context, energyType model.EnergyType) ([]model.Producer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listProducers(energyType), nil
}

func (s *MemoryStore) GetSlot(_ context.Context, key model.SlotKey) (*model.Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSlot(key)
}

func (s *MemoryStore) ListSlots(_ context.Context, f SlotFilter) ([]model.Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listSlots(f), nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id int64) (*model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getReservation(id)
}

func (s *MemoryStore) ListReservations(_ context.Context, f ReservationFilter) ([]model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listReservations(f), nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, consumerID int64) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLedger(consumerID), nil
}

// --- Unlocked helpers (caller holds s.mu) ---

func (s *MemoryStore) getUser(id int64) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, model.ErrNotFound)
	}
	return &u, nil
}

func (s *MemoryStore) getProducer(id int64) (*model.Producer, error) {
	p, ok := s.producers[id]
	if !ok {
		return nil, fmt.Errorf("producer %d: %w", id, model.ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) getProducerByUser(userID int64) (*model.Producer, error) {
	id, ok := s.producerByUser[userID]
	if !ok {
		return nil, fmt.Errorf("producer profile of user %d: %w", userID, model.ErrNotFound)
	}
	return s.getProducer(id)
}

func (s *MemoryStore) listProducers(energyType model.EnergyType) []model.Producer {
	out := make([]model.Producer, 0, len(s.producers))
	for _, p := range s.producers {
		if energyType != "" && p.EnergyType != energyType {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) getSlot(key model.SlotKey) (*model.Slot, error) {
	sl, ok := s.slots.Get(model.Slot{ProducerID: key.ProducerID, Date: key.Date, Hour: key.Hour})
	if !ok {
		return nil, fmt.Errorf("slot %d/%s/%d: %w", key.ProducerID, key.Date, key.Hour, model.ErrNotFound)
	}
	return &sl, nil
}

func (s *MemoryStore) listSlots(f SlotFilter) []model.Slot {
	var out []model.Slot
	visit := func(sl model.Slot) bool {
		if f.ProducerID != 0 && sl.ProducerID != f.ProducerID {
			return false
		}
		if matchSlot(f, &sl) {
			out = append(out, sl)
		}
		return true
	}
	if f.ProducerID != 0 {
		s.slots.AscendGreaterOrEqual(model.Slot{ProducerID: f.ProducerID, Date: f.DateFrom, Hour: -1}, visit)
		return out
	}
	s.slots.Ascend(visit)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Hour < out[j].Hour
	})
	return out
}

func (s *MemoryStore) getReservation(id int64) (*model.Reservation, error) {
	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %d: %w", id, model.ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) listReservations(f ReservationFilter) []model.Reservation {
	var out []model.Reservation
	collect := func(r model.Reservation) bool {
		if matchReservation(f, &r) {
			out = append(out, r)
		}
		return true
	}

	switch {
	case f.ProducerID != 0:
		s.resBySlot.AscendGreaterOrEqual(model.Reservation{ProducerID: f.ProducerID, Date: f.DateFrom, Hour: -1}, func(r model.Reservation) bool {
			if r.ProducerID != f.ProducerID || (f.DateTo != "" && r.Date > f.DateTo) {
				return false
			}
			return collect(r)
		})
	case f.ConsumerID != 0:
		s.resByConsumer.AscendGreaterOrEqual(model.Reservation{ConsumerID: f.ConsumerID, Date: f.DateFrom, Hour: -1}, func(r model.Reservation) bool {
			if r.ConsumerID != f.ConsumerID || (f.DateTo != "" && r.Date > f.DateTo) {
				return false
			}
			return collect(r)
		})
	default:
		s.resBySlot.Ascend(collect)
		sort.SliceStable(out, func(i, j int) bool { return resTimeLess(out[i], out[j]) })
	}
	return out
}

func (s *MemoryStore) listLedger(consumerID int64) []model.LedgerEntry {
	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.ConsumerID == consumerID {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) putReservation(r model.Reservation) {
	s.reservations[r.ID] = r
	s.resBySlot.ReplaceOrInsert(r)
	s.resByConsumer.ReplaceOrInsert(r)
}

func (s *MemoryStore) dropReservation(r model.Reservation) {
	delete(s.reservations, r.ID)
	s.resBySlot.Delete(r)
	s.resByConsumer.Delete(r)
}

// memTx is the Tx handed to RunInTx callbacks.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetUser(_ context.Context, id int64) (*model.User, error) {
	return t.s.getUser(id)
}

func (t *memTx) GetProducer(_ context.Context, id int64) (*model.Producer, error) {
	return t.s.getProducer(id)
}

func (t *memTx) GetProducerByUser(_ context.Context, userID int64) (*model.Producer, error) {
	return t.s.getProducerByUser(userID)
}

func (t *memTx) ListProducers(_ context.Context, energyType model.EnergyType) ([]model.Producer, error) {
	return t.s.listProducers(energyType), nil
}

func (t *memTx) GetSlot(_ context.Context, key model.SlotKey) (*model.Slot, error) {
	return t.s.getSlot(key)
}

func (t *memTx) ListSlots(_ context.Context, f SlotFilter) ([]model.Slot, error) {
	return t.s.listSlots(f), nil
}

func (t *memTx) GetReservation(_ context.Context, id int64) (*model.Reservation, error) {
	return t.s.getReservation(id)
}

func (t *memTx) ListReservations(_ context.Context, f ReservationFilter) ([]model.Reservation, error) {
	return t.s.listReservations(f), nil
}

func (t *memTx) ListLedgerEntries(_ context.Context, consumerID int64) ([]model.LedgerEntry, error) {
	return t.s.listLedger(consumerID), nil
}

func (t *memTx) LockSlot(ctx context.Context, _ model.SlotKey) error {
	return ctx.Err()
}

func (t *memTx) LockConsumer(ctx context.Context, _ int64) error {
	return ctx.Err()
}

func (t *memTx) CreateUser(_ context.Context, u *model.User) error {
	for _, existing := range t.s.users {
		if u.Email != "" && existing.Email == u.Email {
			return fmt.Errorf("%w: user %s already exists", model.ErrInvalidRequest, u.Email)
		}
	}
	t.s.nextUserID++
	u.ID = t.s.nextUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	t.s.users[u.ID] = *u

	id := u.ID
	t.undo = append(t.undo, func() { delete(t.s.users, id) })
	return nil
}

func (t *memTx) SaveProducer(_ context.Context, p *model.Producer) error {
	now := time.Now().UTC()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	if p.ID == 0 {
		if _, dup := t.s.producerByUser[p.UserID]; dup {
			return fmt.Errorf("%w: user %d already has a producer profile", model.ErrInvalidRequest, p.UserID)
		}
		t.s.nextProducerID++
		p.ID = t.s.nextProducerID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		t.s.producers[p.ID] = *p
		t.s.producerByUser[p.UserID] = p.ID

		id, userID := p.ID, p.UserID
		t.undo = append(t.undo, func() {
			delete(t.s.producers, id)
			delete(t.s.producerByUser, userID)
		})
		return nil
	}

	prev, ok := t.s.producers[p.ID]
	if !ok {
		return fmt.Errorf("producer %d: %w", p.ID, model.ErrNotFound)
	}
	p.UserID = prev.UserID
	p.CreatedAt = prev.CreatedAt
	t.s.producers[p.ID] = *p
	t.undo = append(t.undo, func() { t.s.producers[prev.ID] = prev })
	return nil
}

func (t *memTx) SaveSlot(_ context.Context, sl *model.Slot) error {
	if err := sl.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if sl.UpdatedAt.IsZero() {
		sl.UpdatedAt = now
	}

	prev, exists := t.s.slots.Get(*sl)
	if exists {
		sl.ID = prev.ID
		sl.CreatedAt = prev.CreatedAt
		t.s.slots.ReplaceOrInsert(*sl)
		t.undo = append(t.undo, func() { t.s.slots.ReplaceOrInsert(prev) })
		return nil
	}

	t.s.nextSlotID++
	sl.ID = t.s.nextSlotID
	if sl.CreatedAt.IsZero() {
		sl.CreatedAt = now
	}
	inserted := *sl
	t.s.slots.ReplaceOrInsert(inserted)
	t.undo = append(t.undo, func() { t.s.slots.Delete(inserted) })
	return nil
}

func (t *memTx) SetCredit(_ context.Context, userID int64, credit decimal.Decimal) error {
	prev, ok := t.s.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, model.ErrNotFound)
	}
	u := prev
	u.Credit = credit
	t.s.users[userID] = u
	t.undo = append(t.undo, func() { t.s.users[userID] = prev })
	return nil
}

func (t *memTx) InsertReservation(_ context.Context, r *model.Reservation) error {
	t.s.nextReservationID++
	r.ID = t.s.nextReservationID
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}

	stored := *r
	stored.Producer = nil
	t.s.putReservation(stored)
	t.undo = append(t.undo, func() { t.s.dropReservation(stored) })
	return nil
}

func (t *memTx) UpdateReservation(_ context.Context, r *model.Reservation) error {
	prev, ok := t.s.reservations[r.ID]
	if !ok {
		return fmt.Errorf("reservation %d: %w", r.ID, model.ErrNotFound)
	}
	next := prev
	next.Kwh = r.Kwh
	next.Status = r.Status
	next.UpdatedAt = r.UpdatedAt
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	t.s.putReservation(next)
	t.undo = append(t.undo, func() { t.s.putReservation(prev) })
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	n := len(t.s.ledger)
	t.s.ledger = append(t.s.ledger, *e)
	t.undo = append(t.undo, func() { t.s.ledger = t.s.ledger[:n] })
	return nil
}
