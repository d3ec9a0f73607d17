package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ft2801/progetto-PA/internal/events"
	"github.com/Ft2801/progetto-PA/internal/model"
)

type recorder struct {
	got []events.Event
	err error
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.got = append(r.got, ev)
	return r.err
}

func TestMulti_DeliversToEverySinkAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("sink down")}
	m := events.Multi{failing, ok}

	ev := events.New(events.SlotUpdated, model.SlotKey{ProducerID: 1, Date: "2025-08-15", Hour: 10}, time.Now())
	err := m.Publish(context.Background(), ev)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")
	assert.Len(t, ok.got, 1, "a failing sink must not starve the others")
	assert.Len(t, failing.got, 1)
}

func TestEmit_SwallowsErrors(t *testing.T) {
	failing := &recorder{err: errors.New("sink down")}
	events.Emit(context.Background(), failing, nil, events.Event{Type: events.SlotUpdated})
	events.Emit(context.Background(), nil, nil, events.Event{Type: events.SlotUpdated})
	assert.Len(t, failing.got, 1)
}

func TestNew_FillsSlotIdentity(t *testing.T) {
	at := time.Date(2025, 8, 14, 8, 0, 0, 0, time.UTC)
	ev := events.New(events.ReservationCreated, model.SlotKey{ProducerID: 3, Date: "2025-08-15", Hour: 7}, at)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, int64(3), ev.ProducerID)
	assert.Equal(t, "2025-08-15", ev.Date)
	assert.Equal(t, 7, ev.Hour)
	assert.Equal(t, at, ev.OccurredAt)
}

// startHub serves hub behind a handler that hands every client sub.
func startHub(t *testing.T, hub *events.WSHub, sub events.Subscription) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, sub)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// messages pumps every frame the client reads into a channel.
func messages(conn *websocket.Conn) <-chan []byte {
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			out <- data
		}
	}()
	return out
}

// await publishes evs until a frame satisfying want arrives. Registration is
// asynchronous, so the first publishes may reach nobody.
func await(t *testing.T, hub *events.WSHub, msgs <-chan []byte, want func(map[string]any) bool, evs ...events.Event) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-msgs:
			require.True(t, ok, "connection closed")
			var got map[string]any
			require.NoError(t, json.Unmarshal(data, &got))
			if want(got) {
				return got
			}
		case <-ticker.C:
			for _, ev := range evs {
				require.NoError(t, hub.Publish(context.Background(), ev))
			}
		case <-deadline:
			t.Fatal("no websocket message received")
			return nil
		}
	}
}

func anyFrame(map[string]any) bool { return true }

func reservationEvent(producerID, consumerID int64) events.Event {
	ev := events.New(events.ReservationCreated, model.SlotKey{ProducerID: producerID, Date: "2025-08-15", Hour: 10}, time.Now())
	kwh := decimal.NewFromInt(5)
	ev.ConsumerID = consumerID
	ev.ReservationID = 40 + consumerID
	ev.Kwh = &kwh
	ev.Reserved = decimal.NewFromInt(5)
	ev.Capacity = decimal.NewFromInt(20)
	return ev
}

func TestWSHub_FullSubscriptionSeesEverything(t *testing.T) {
	hub := events.NewWSHub()
	url := startHub(t, hub, events.Subscription{Full: true})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ev := reservationEvent(1, 9)
	got := await(t, hub, messages(conn), anyFrame, ev)

	assert.Equal(t, string(events.ReservationCreated), got["type"])
	assert.Equal(t, ev.ID, got["id"])
	assert.Equal(t, "5", got["kwh"])
	assert.EqualValues(t, 9, got["consumerId"])
}

func TestWSHub_FiltersByProducer(t *testing.T) {
	hub := events.NewWSHub()
	url := startHub(t, hub, events.Subscription{ProducerID: 2, Full: true})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	other := events.New(events.SlotUpdated, model.SlotKey{ProducerID: 1, Date: "2025-08-15", Hour: 10}, time.Now())
	mine := events.New(events.SlotUpdated, model.SlotKey{ProducerID: 2, Date: "2025-08-15", Hour: 10}, time.Now())

	got := await(t, hub, messages(conn), anyFrame, other, mine)
	assert.EqualValues(t, 2, got["producerId"])
}

func TestWSHub_RedactsOtherConsumers(t *testing.T) {
	hub := events.NewWSHub()
	url := startHub(t, hub, events.Subscription{ConsumerID: 7})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	msgs := messages(conn)

	got := await(t, hub, msgs, anyFrame, reservationEvent(1, 9))
	assert.NotContains(t, got, "consumerId")
	assert.NotContains(t, got, "reservationId")
	assert.NotContains(t, got, "kwh")
	assert.Equal(t, "5", got["reservedKwh"], "slot totals stay visible")

	own := await(t, hub, msgs, func(m map[string]any) bool { return m["consumerId"] != nil }, reservationEvent(1, 7))
	assert.EqualValues(t, 7, own["consumerId"])
	assert.EqualValues(t, 47, own["reservationId"])
	assert.Equal(t, "5", own["kwh"])
}

func TestWSHub_RejectsForeignOrigins(t *testing.T) {
	hub := events.NewWSHub("https://app.example.com")
	url := startHub(t, hub, events.Subscription{})

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	conn.Close()

	// Browsers on the serving host itself are always admitted.
	host := strings.TrimPrefix(url, "ws://")
	conn, _, err = websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://" + host}})
	require.NoError(t, err)
	conn.Close()
}
