package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store)
	d.urlValidator = func(string) error { return nil } // allow httptest loopback URLs
	d.baseDelay = time.Millisecond
	return d
}

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sub := &Subscription{ID: "wh_1", URL: "https://example.com/hook", Events: []EventType{EventCellQuarantined}}
	require.NoError(t, store.Create(ctx, sub))

	got, err := store.Get(ctx, "wh_1")
	require.NoError(t, err)
	assert.Equal(t, "wh_1", got.ID)

	matches, err := store.GetByEvent(ctx, EventCellQuarantined)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	require.NoError(t, store.Delete(ctx, "wh_1"))
	_, err = store.Get(ctx, "wh_1")
	assert.Error(t, err)
}

func TestDispatch_DeliversToActiveSubscribersAndSigns(t *testing.T) {
	var received int32
	var gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		gotSignature = r.Header.Get("X-Cellcredit-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_1", URL: srv.URL, Secret: "s3cret", Active: true,
		Events: []EventType{EventCellQuarantined},
	}))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, &Event{
		ID: "evt_1", Type: EventCellQuarantined, CellID: "cell-1",
		Timestamp: time.Now(), Data: map[string]interface{}{"reason": "cap breach"},
	}))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&received) == 1 }, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, gotSignature)

	sub, _ := store.Get(ctx, "wh_1")
	assert.Eventually(t, func() bool {
		s, _ := store.Get(ctx, "wh_1")
		return s.LastSuccess != nil
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, sub.LastError)
}

func TestDispatch_4xxDoesNotRetryAndRecordsError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_1", URL: srv.URL, Active: true, Events: []EventType{EventEmergencyStateChanged},
	}))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, &Event{ID: "evt_1", Type: EventEmergencyStateChanged, Timestamp: time.Now()}))

	assert.Eventually(t, func() bool {
		s, _ := store.Get(ctx, "wh_1")
		return s.LastError != ""
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestRegister_RejectsInvalidURL(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher(NewMemoryStore())
	err := d.Register(ctx, &Subscription{ID: "wh_1", URL: "http://127.0.0.1:9999/hook"})
	assert.Error(t, err)
}

func TestEvent_MarshalsDataMap(t *testing.T) {
	ev := Event{ID: "evt_1", Type: EventCellQuarantined, CellID: "cell-1", Timestamp: time.Now(), Data: map[string]interface{}{"k": "v"}}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"cell_id":"cell-1"`)
}
