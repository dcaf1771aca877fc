package metrics

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/shopspring/decimal"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/crypto"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/database"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

func setupStore(t *testing.T) *database.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	sealer, err := crypto.NewSealer("", database.SettingStore{DB: db})
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}
	return database.NewStore(db, sealer)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAggregatorFoldsEvents(t *testing.T) {
	agg := NewAggregator(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	agg.Observe(Event{MappingID: "m1", Status: 200, Outcome: store.OutcomeCompleted, DurationMs: 100, Cost: decimal.RequireFromString("0.01"), Charged: true})
	agg.Observe(Event{MappingID: "m1", Status: 500, Outcome: store.OutcomeTransportError, ErrorKind: "TIMEOUT", DurationMs: 300})
	agg.Observe(Event{MappingID: "m1", Status: 402, Outcome: store.OutcomePaymentRequired})
	// metered on a mapping with 402 disabled; never charged
	agg.Observe(Event{MappingID: "m2", Status: 200, Outcome: store.OutcomeCompleted, DurationMs: 200, Cost: decimal.RequireFromString("0.5")})

	waitFor(t, func() bool { return agg.Snapshot().Calls == 4 })

	s := agg.Snapshot()
	if s.Completed != 2 || s.TransportErrors != 1 || s.PaymentRequired != 1 {
		t.Errorf("outcomes = %+v", s)
	}
	if s.AvgDurationMs != 200 {
		t.Errorf("AvgDurationMs = %v, want 200 (402 excluded)", s.AvgDurationMs)
	}
	if !s.Revenue.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("Revenue = %s, want only the charged 0.01", s.Revenue)
	}
	if s.StatusBreakdown[200] != 2 || s.StatusBreakdown[500] != 1 || s.StatusBreakdown[402] != 1 {
		t.Errorf("StatusBreakdown = %v", s.StatusBreakdown)
	}
	if s.ErrorKinds["TIMEOUT"] != 1 {
		t.Errorf("ErrorKinds = %v", s.ErrorKinds)
	}
	if s.LastCallAt == nil {
		t.Error("LastCallAt not set")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	agg := NewAggregator(1)
	agg.apply(Event{Status: 200, Outcome: store.OutcomeCompleted})

	s := agg.Snapshot()
	s.StatusBreakdown[200] = 99
	if agg.Snapshot().StatusBreakdown[200] != 1 {
		t.Error("mutating a snapshot leaked into the aggregator")
	}
}

func TestObserveDropsWhenFull(t *testing.T) {
	agg := NewAggregator(1)
	agg.Observe(Event{})
	agg.Observe(Event{})
	agg.Observe(Event{})
	if got := agg.Snapshot().Dropped; got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
}

func TestDetailedHealth(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	for i, active := range []bool{true, false} {
		m := &store.Mapping{ID: "map_" + string(rune('a'+i)), OriginalURL: "https://o.test", PublisherID: "p",
			Kind: store.KindCompiled, GatewayURL: "g", SettlementToken: "USDC", ChainID: 8453, IsActive: active}
		if err := st.CreateMapping(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now()
	calls := []store.Call{
		{ID: "call_1", MappingID: "map_a", CallerID: "c", Timestamp: now, DurationMs: 100, Status: 200, Outcome: store.OutcomeCompleted},
		{ID: "call_2", MappingID: "map_a", CallerID: "c", Timestamp: now, DurationMs: 300, Status: 500, Outcome: store.OutcomeTransportError, ErrorMessage: "boom"},
		{ID: "call_3", MappingID: "map_b", CallerID: "c", Timestamp: now.Add(-48 * time.Hour), Status: 402, Outcome: store.OutcomePaymentRequired},
	}
	for i := range calls {
		if err := st.CreateCall(ctx, &calls[i]); err != nil {
			t.Fatal(err)
		}
	}

	r := NewReporter(st, NewAggregator(8), "test")
	d := r.Detailed(ctx)

	if d.Status != StatusOK {
		t.Fatalf("Status = %s (%s)", d.Status, d.Database)
	}
	if d.Stats.TotalMappings != 2 || d.Stats.ActiveMappings != 1 {
		t.Errorf("Stats = %+v", d.Stats)
	}
	if d.Stats.TotalCalls != 3 || d.Stats.CallsLast24h != 2 {
		t.Errorf("Stats = %+v", d.Stats)
	}
	if d.Stats.AverageResponseTime != 200 {
		t.Errorf("AverageResponseTime = %v, want 200", d.Stats.AverageResponseTime)
	}
	if d.StatusBreakdown[200] != 1 || d.StatusBreakdown[402] != 1 {
		t.Errorf("StatusBreakdown = %v", d.StatusBreakdown)
	}
	if len(d.TopMappings) == 0 || d.TopMappings[0].MappingID != "map_a" {
		t.Errorf("TopMappings = %+v", d.TopMappings)
	}
	if len(d.TopErrors) != 1 || d.TopErrors[0].Message != "boom" {
		t.Errorf("TopErrors = %+v", d.TopErrors)
	}
}

func TestHealthDegradedWhenDatabaseGone(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "gone.db"))
	if err != nil {
		t.Fatal(err)
	}
	st := database.NewStore(db, nil)
	sqlDB, _ := db.DB()
	sqlDB.Close()

	h := NewReporter(st, NewAggregator(1), "").Health(context.Background())
	if h.Status != StatusDegraded {
		t.Errorf("Status = %s, want degraded", h.Status)
	}
}

func TestStreamPushesSnapshots(t *testing.T) {
	agg := NewAggregator(1)
	agg.apply(Event{Status: 200, Outcome: store.OutcomeCompleted})
	r := NewReporter(setupStore(t), agg, "")

	srv := httptest.NewServer(r.StreamHandler(10 * time.Millisecond))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	for i := 0; i < 2; i++ {
		var live Live
		if err := wsjson.Read(ctx, conn, &live); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if live.Calls != 1 || live.Completed != 1 {
			t.Errorf("live = %+v", live)
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
