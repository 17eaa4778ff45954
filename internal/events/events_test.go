package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryStore_AppendAndQuery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, ev := range []*Event{
		{Type: "escrow.created", Subject: "esc_1", Actor: "0xaaa"},
		{Type: "escrow.funded", Subject: "esc_1", Actor: "0xaaa", Amount: "5.000000"},
		{Type: "escrow.created", Subject: "esc_2", Actor: "0xbbb"},
	} {
		require.NoError(t, store.Append(ctx, ev))
	}

	// BySubject is oldest first and scoped to one record.
	evs, err := store.BySubject(ctx, "esc_1", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "escrow.created", evs[0].Type)
	assert.Equal(t, "escrow.funded", evs[1].Type)
	assert.Less(t, evs[0].ID, evs[1].ID)

	// Recent is newest first with type filtering.
	evs, err = store.Recent(ctx, Filter{Type: "escrow.created", Limit: 10})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "esc_2", evs[0].Subject)
	assert.Equal(t, "esc_1", evs[1].Subject)

	evs, err = store.Recent(ctx, Filter{Subject: "esc_2", Limit: 10})
	require.NoError(t, err)
	require.Len(t, evs, 1)

	evs, err = store.Recent(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestLog_PersistsAndFansOut(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store, discardLogger())

	var mu sync.Mutex
	var seen []string
	log.AddSink(func(ev *Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go log.Run(ctx)

	log.Record(&Event{Type: "escrow.created", Subject: "esc_1"})
	log.Record(&Event{Type: "escrow.funded", Subject: "esc_1"})

	// Events queued before cancellation are drained on shutdown.
	cancel()
	select {
	case <-log.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("log did not drain in time")
	}

	evs, err := store.BySubject(context.Background(), "esc_1", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"escrow.created", "escrow.funded"}, seen)
	assert.Zero(t, log.Dropped())
}

func TestLog_RecordSetsTimestampAndNeverBlocks(t *testing.T) {
	// No Run goroutine: the queue fills up and overflow must be dropped,
	// not block the caller.
	log := NewLog(NewMemoryStore(), discardLogger())

	ev := &Event{Type: "escrow.created", Subject: "esc_1"}
	log.Record(ev)
	assert.False(t, ev.CreatedAt.IsZero())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < DefaultQueueSize+10; i++ {
			log.Record(&Event{Type: "escrow.attested", Subject: "esc_1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	assert.Greater(t, log.Dropped(), int64(0))
}

type failingStore struct {
	MemoryStore
}

func (f *failingStore) Append(ctx context.Context, event *Event) error {
	return errors.New("disk on fire")
}

func TestLog_SinksRunEvenWhenAppendFails(t *testing.T) {
	log := NewLog(&failingStore{}, discardLogger())

	got := make(chan *Event, 1)
	log.AddSink(func(ev *Event) { got <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go log.Run(ctx)

	log.Record(&Event{Type: "escrow.created", Subject: "esc_1"})

	select {
	case ev := <-got:
		assert.Equal(t, "escrow.created", ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("sink was not invoked")
	}
}

func setupEventsRouter(t *testing.T) (*gin.Engine, *Log, context.CancelFunc) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := NewLog(NewMemoryStore(), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go log.Run(ctx)

	r := gin.New()
	v1 := r.Group("/v1")
	NewHandler(log).RegisterRoutes(v1)
	return r, log, cancel
}

func recordAndWait(t *testing.T, log *Log, evs ...*Event) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(len(evs))
	log.AddSink(func(*Event) { wg.Done() })
	for _, ev := range evs {
		log.Record(ev)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events were not persisted in time")
	}
}

func TestHandler_EscrowEvents(t *testing.T) {
	router, log, cancel := setupEventsRouter(t)
	defer cancel()

	recordAndWait(t, log,
		&Event{Type: "escrow.created", Subject: "esc_1", Actor: "0xaaa"},
		&Event{Type: "escrow.funded", Subject: "esc_1", Amount: "5.000000"},
		&Event{Type: "escrow.created", Subject: "esc_2"},
	)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/escrows/esc_1/events", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		EscrowID string   `json:"escrowId"`
		Events   []*Event `json:"events"`
		Count    int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "esc_1", resp.EscrowID)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "escrow.created", resp.Events[0].Type)
	assert.Equal(t, "escrow.funded", resp.Events[1].Type)
}

func TestHandler_RecentEventsFilters(t *testing.T) {
	router, log, cancel := setupEventsRouter(t)
	defer cancel()

	recordAndWait(t, log,
		&Event{Type: "escrow.created", Subject: "esc_1"},
		&Event{Type: "escrow.disputed", Subject: "esc_1"},
		&Event{Type: "escrow.created", Subject: "esc_2"},
	)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/events?type=escrow.created", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Events []*Event `json:"events"`
		Count  int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "esc_2", resp.Events[0].Subject, "newest first")

	// Empty results come back as an empty array, not null.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/events?type=nothing.matches", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"events":[]`)
}
