package booking_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
	"github.com/Ft2801/progetto-PA/internal/store/storetest"
)

// These run the engine against PostgreSQL, where slot advisory locks and
// consumer row locks do the serialising. They skip without TEST_DATABASE_URL.

func newPostgresFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, store.NewPostgresStore(storetest.Postgres(t), 5))
}

func TestPostgres_ConcurrentConsumersNeverOverbook(t *testing.T) {
	concurrentConsumersNeverOverbook(t, newPostgresFixture(t))
}

func TestPostgres_ConcurrentSameConsumerSpendsOnce(t *testing.T) {
	concurrentSameConsumerSpendsOnce(t, newPostgresFixture(t))
}

func TestPostgres_LifecycleConservesCredit(t *testing.T) {
	lifecycleConservesCredit(t, newPostgresFixture(t))
}

func TestPostgres_ProportionalAcceptLedgerOrder(t *testing.T) {
	proportionalScalesAndRefunds(t, newPostgresFixture(t))
}

// A consumer booking two producers at the same hour from parallel requests
// must end up with exactly one of them.
func TestPostgres_ConcurrentProducerConflict(t *testing.T) {
	f := newPostgresFixture(t)
	c := f.consumer(t, "100")
	producers := []int64{f.producer(t, "0"), f.producer(t, "0"), f.producer(t, "0"), f.producer(t, "0")}
	for _, p := range producers {
		f.slot(t, p, 10, "50", "1")
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, conf int
	)
	for _, p := range producers {
		wg.Add(1)
		go func(p int64) {
			defer wg.Done()
			_, err := f.reserve(c, p, 10, "2")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrConflictingReservation):
				conf++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, len(producers)-1, conf)
	assert.True(t, f.credit(t, c).Equal(d("98")))

	rs, err := f.st.ListReservations(context.Background(), store.ReservationFilter{ConsumerID: c, Status: model.StatusReserved})
	require.NoError(t, err)
	assert.Len(t, rs, 1)
}
