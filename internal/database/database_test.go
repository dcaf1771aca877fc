package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/config"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/crypto"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
	"github.com/shopspring/decimal"
)

// SetupTestDB initializes a test database and returns a Store over it.
func SetupTestDB(t *testing.T) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "bmcp-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	config.Cfg.DatabaseDriver = "sqlite"
	config.Cfg.DatabasePath = filepath.Join(tmpDir, "test.db")

	if err := Init(); err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to init database: %v", err)
	}

	sealer, err := crypto.NewSealer("", SettingStore{DB: DB})
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}

	return NewStore(DB, sealer), func() {
		Close()
		os.RemoveAll(tmpDir)
	}
}

func TestDatabaseInit(t *testing.T) {
	_, cleanup := SetupTestDB(t)
	defer cleanup()

	for _, table := range []string{"mappings", "calls", "meters", "receipts", "invoices", "publisher_configs", "balance_holds", "caller_keys", "settings"} {
		if !DB.Migrator().HasTable(table) {
			t.Errorf("table %s not created", table)
		}
	}

	var mode string
	DB.Raw("PRAGMA journal_mode").Scan(&mode)
	if strings.ToLower(mode) != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestUnknownDriver(t *testing.T) {
	config.Cfg.DatabaseDriver = "postgres"
	defer func() { config.Cfg.DatabaseDriver = "sqlite" }()
	if err := Init(); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestMappingSecretsSealedAtRest(t *testing.T) {
	s, cleanup := SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	m := &store.Mapping{
		ID:              "map_test1",
		OriginalURL:     "https://api.example.com",
		PublisherID:     "pub-1",
		Kind:            store.KindCompiled,
		GatewayURL:      "pending",
		SettlementToken: "USDC",
		ChainID:         8453,
		IsActive:        true,
		CustomHeaders:   map[string]string{"Authorization": "Bearer origin-secret"},
		MCPConnectionConfig: &store.MCPConnectionConfig{
			Headers: map[string]string{"X-MCP-Key": "mcp-secret"},
			Timeout: 5000,
		},
	}
	if err := s.CreateMapping(ctx, m); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}

	var raw string
	DB.Raw("SELECT secrets_enc FROM mappings WHERE id = ?", m.ID).Scan(&raw)
	if raw == "" || strings.Contains(raw, "origin-secret") || strings.Contains(raw, "mcp-secret") {
		t.Errorf("secrets stored in clear: %q", raw)
	}

	got, err := s.GetMapping(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMapping: %v", err)
	}
	if got.CustomHeaders["Authorization"] != "Bearer origin-secret" {
		t.Errorf("CustomHeaders = %v", got.CustomHeaders)
	}
	if got.MCPConnectionConfig == nil || got.MCPConnectionConfig.Timeout != 5000 || got.MCPConnectionConfig.Headers["X-MCP-Key"] != "mcp-secret" {
		t.Errorf("MCPConnectionConfig = %+v", got.MCPConnectionConfig)
	}
}

func TestMappingLifecycle(t *testing.T) {
	s, cleanup := SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"map_a", "map_b"} {
		m := &store.Mapping{ID: id, OriginalURL: "https://o.example", PublisherID: "p", Kind: store.KindCompiled,
			GatewayURL: "pending", SettlementToken: "USDC", ChainID: 8453, IsActive: true}
		if err := s.CreateMapping(ctx, m); err != nil {
			t.Fatalf("CreateMapping %s: %v", id, err)
		}
	}

	if err := s.SetGatewayURL(ctx, "map_a", "http://gw/proxy/map_a"); err != nil {
		t.Fatalf("SetGatewayURL: %v", err)
	}
	if err := s.SetGatewayURL(ctx, "map_a", "http://gw/proxy/map_a"); err != nil {
		t.Fatalf("SetGatewayURL (repeat): %v", err)
	}
	if err := s.SetGatewayURL(ctx, "map_missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetGatewayURL missing: got %v, want ErrNotFound", err)
	}

	if err := s.SetMappingActive(ctx, "map_b", false); err != nil {
		t.Fatalf("SetMappingActive: %v", err)
	}
	active, err := s.ListActiveMappings(ctx)
	if err != nil {
		t.Fatalf("ListActiveMappings: %v", err)
	}
	if len(active) != 1 || active[0].ID != "map_a" {
		t.Errorf("active mappings = %+v", active)
	}

	total, act, err := s.CountMappings(ctx)
	if err != nil || total != 2 || act != 1 {
		t.Errorf("CountMappings = %d, %d, %v", total, act, err)
	}

	batch, err := s.GetMappings(ctx, []string{"map_a", "map_b", "map_zzz"})
	if err != nil || len(batch) != 2 {
		t.Errorf("GetMappings = %d, %v", len(batch), err)
	}

	if _, err := s.GetMapping(ctx, "map_missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetMapping missing: got %v", err)
	}
}

func TestPublisherUpsertKeepsCreatedAt(t *testing.T) {
	s, cleanup := SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	p := &store.PublisherConfig{PublisherID: "pub-1", PricingJSON: []byte(`{"policy":"flat_per_call","pricePerCall":"0.01"}`)}
	if err := s.SavePublisher(ctx, p); err != nil {
		t.Fatalf("SavePublisher: %v", err)
	}
	first, _ := s.GetPublisher(ctx, "pub-1")

	time.Sleep(10 * time.Millisecond)
	p2 := &store.PublisherConfig{PublisherID: "pub-1", PricingJSON: first.PricingJSON, WalletAddr: "0x1111111111111111111111111111111111111111"}
	if err := s.SavePublisher(ctx, p2); err != nil {
		t.Fatalf("SavePublisher (update): %v", err)
	}
	got, err := s.GetPublisher(ctx, "pub-1")
	if err != nil {
		t.Fatalf("GetPublisher: %v", err)
	}
	if got.WalletAddr != p2.WalletAddr {
		t.Errorf("WalletAddr = %q", got.WalletAddr)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, got.CreatedAt)
	}

	if _, err := s.GetPublisher(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetPublisher missing: got %v", err)
	}
}

func TestInvoicesAndBalances(t *testing.T) {
	s, cleanup := SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	inv := &store.Invoice{ID: "inv_1", CallerID: "alice", Period: "2026-10", Amount: decimal.RequireFromString("0.50"),
		Status: store.InvoicePending, ChainID: 8453, Token: "USDC", PaymentAddress: "0x2222222222222222222222222222222222222222"}
	if err := s.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	found, err := s.FindPendingInvoice(ctx, "alice", "2026-10", "USDC", 8453, inv.PaymentAddress)
	if err != nil || found.ID != "inv_1" {
		t.Fatalf("FindPendingInvoice = %+v, %v", found, err)
	}
	if _, err := s.FindPendingInvoice(ctx, "alice", "2026-10", "USDT", 8453, inv.PaymentAddress); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("FindPendingInvoice other token: %v", err)
	}
	if _, err := s.FindPendingInvoice(ctx, "alice", "2026-10", "USDC", 8453, "0x3333333333333333333333333333333333333333"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("FindPendingInvoice other payee: %v", err)
	}

	if err := s.UpdateInvoiceAmount(ctx, "inv_1", decimal.RequireFromString("0.75")); err != nil {
		t.Fatalf("UpdateInvoiceAmount: %v", err)
	}
	if err := s.MarkInvoicePaid(ctx, "inv_1", time.Now(), "0xabc"); err != nil {
		t.Fatalf("MarkInvoicePaid: %v", err)
	}
	if err := s.MarkInvoicePaid(ctx, "inv_1", time.Now(), "0xabc"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second MarkInvoicePaid: got %v, want ErrNotFound", err)
	}

	got, _ := s.GetInvoice(ctx, "inv_1")
	if got.Status != store.InvoicePaid || got.PaidAt == nil || got.PaymentRef != "0xabc" {
		t.Errorf("invoice after pay = %+v", got)
	}

	paid, err := s.SumPaidInvoices(ctx, "alice")
	if err != nil || !paid.Equal(decimal.RequireFromString("0.75")) {
		t.Errorf("SumPaidInvoices = %s, %v", paid, err)
	}

	for i, amt := range []string{"0.01", "0.02"} {
		r := &store.Receipt{ID: "rcpt_" + amt, CallID: "call_" + amt, MappingID: "map_a", CallerID: "alice",
			Amount: decimal.RequireFromString(amt), Currency: "USDC", ChainID: 8453, ReceiptHash: "0x", Signature: "s",
			SignerScheme: "hmac-sha256", IssuedAtNanos: int64(i)}
		if err := s.CreateReceipt(ctx, r); err != nil {
			t.Fatalf("CreateReceipt: %v", err)
		}
	}
	spent, err := s.SumReceipts(ctx, "alice")
	if err != nil || !spent.Equal(decimal.RequireFromString("0.03")) {
		t.Errorf("SumReceipts = %s, %v", spent, err)
	}
}

func TestRunningSpend(t *testing.T) {
	s, cleanup := SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := &store.Receipt{ID: "rcpt_1", CallID: "call_1", MappingID: "map_a", CallerID: "zed",
		Amount: decimal.RequireFromString("0.25"), Currency: "USDC", ChainID: 8453, ReceiptHash: "0x", Signature: "s",
		SignerScheme: "hmac-sha256"}
	if err := s.CreateReceipt(ctx, r); err != nil {
		t.Fatalf("CreateReceipt: %v", err)
	}
	// a duplicate call id is rejected and must not count
	dup := *r
	dup.ID = "rcpt_2"
	if err := s.CreateReceipt(ctx, &dup); err == nil {
		t.Fatal("expected duplicate call id to fail")
	}
	if spent, _ := s.SumReceipts(ctx, "zed"); !spent.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("spent after rejected insert = %s, want 0.25", spent)
	}

	// receipts written before the running total existed are backfilled
	if err := s.db.Migrator().DropTable(&store.CallerSpend{}); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	legacy := store.Receipt{ID: "rcpt_3", CallID: "call_3", MappingID: "map_a", CallerID: "zed",
		Amount: decimal.RequireFromString("0.5"), Currency: "USDC", ChainID: 8453, ReceiptHash: "0x", Signature: "s",
		SignerScheme: "hmac-sha256"}
	if err := s.db.Create(&legacy).Error; err != nil {
		t.Fatalf("insert legacy receipt: %v", err)
	}
	if err := migrate(s.db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if spent, err := s.SumReceipts(ctx, "zed"); err != nil || !spent.Equal(decimal.RequireFromString("0.75")) {
		t.Errorf("backfilled spend = %s, %v; want 0.75", spent, err)
	}
	if spent, _ := s.SumReceipts(ctx, "nobody"); !spent.IsZero() {
		t.Errorf("unknown caller spend = %s", spent)
	}
}

func TestHoldsAndStaleInvoices(t *testing.T) {
	s, cleanup := SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	s.CreateHold(ctx, &store.BalanceHold{ID: "hold_old", CallerID: "bob", Amount: decimal.RequireFromString("1"), CreatedAt: old})
	s.CreateHold(ctx, &store.BalanceHold{ID: "hold_new", CallerID: "bob", Amount: decimal.RequireFromString("2"), CreatedAt: time.Now()})

	sum, _ := s.SumHolds(ctx, "bob")
	if !sum.Equal(decimal.RequireFromString("3")) {
		t.Errorf("SumHolds = %s, want 3", sum)
	}
	n, err := s.PurgeHolds(ctx, time.Now().Add(-time.Minute))
	if err != nil || n != 1 {
		t.Errorf("PurgeHolds = %d, %v", n, err)
	}
	if err := s.DeleteHold(ctx, "hold_new"); err != nil {
		t.Fatalf("DeleteHold: %v", err)
	}
	sum, _ = s.SumHolds(ctx, "bob")
	if !sum.IsZero() {
		t.Errorf("SumHolds after release = %s", sum)
	}

	s.CreateInvoice(ctx, &store.Invoice{ID: "inv_stale", CallerID: "bob", Period: "2026-09", Amount: decimal.RequireFromString("1"),
		Status: store.InvoicePending, ChainID: 8453, Token: "USDC"})
	n, err = s.CancelStaleInvoices(ctx, time.Now().Add(time.Second))
	if err != nil || n != 1 {
		t.Errorf("CancelStaleInvoices = %d, %v", n, err)
	}
	got, _ := s.GetInvoice(ctx, "inv_stale")
	if got.Status != store.InvoiceCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestTransactionRollback(t *testing.T) {
	s, cleanup := SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx store.Store) error {
		if err := tx.CreateCall(ctx, &store.Call{ID: "call_rb", MappingID: "map_a", CallerID: "c", Timestamp: time.Now(), Outcome: store.OutcomeCompleted}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction err = %v", err)
	}
	var count int64
	DB.Model(&store.Call{}).Where("id = ?", "call_rb").Count(&count)
	if count != 0 {
		t.Error("call persisted despite rollback")
	}
}

func TestCallStats(t *testing.T) {
	s, cleanup := SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	calls := []store.Call{
		{ID: "call_1", MappingID: "map_a", CallerID: "c", Timestamp: now, DurationMs: 100, Status: 200, Outcome: store.OutcomeCompleted},
		{ID: "call_2", MappingID: "map_a", CallerID: "c", Timestamp: now, DurationMs: 300, Status: 500, Outcome: store.OutcomeTransportError, ErrorMessage: "TIMEOUT: deadline"},
		{ID: "call_3", MappingID: "map_b", CallerID: "c", Timestamp: now.Add(-48 * time.Hour), Status: 402, Outcome: store.OutcomePaymentRequired},
	}
	for i := range calls {
		if err := s.CreateCall(ctx, &calls[i]); err != nil {
			t.Fatalf("CreateCall: %v", err)
		}
	}

	st, err := s.CallStats(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CallStats: %v", err)
	}
	if st.TotalCalls != 3 || st.CallsSince != 2 {
		t.Errorf("totals = %d/%d, want 3/2", st.TotalCalls, st.CallsSince)
	}
	if st.AvgDurationMs != 200 {
		t.Errorf("AvgDurationMs = %v, want 200", st.AvgDurationMs)
	}
	if st.StatusBreakdown[402] != 1 || st.StatusBreakdown[200] != 1 {
		t.Errorf("StatusBreakdown = %v", st.StatusBreakdown)
	}

	top, err := s.TopMappings(ctx, 1)
	if err != nil || len(top) != 1 || top[0].MappingID != "map_a" || top[0].Calls != 2 {
		t.Errorf("TopMappings = %+v, %v", top, err)
	}
	errs, err := s.TopErrors(ctx, 5)
	if err != nil || len(errs) != 1 || errs[0].Message != "TIMEOUT: deadline" {
		t.Errorf("TopErrors = %+v, %v", errs, err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestCallerKeys(t *testing.T) {
	s, cleanup := SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	k := &store.CallerKey{ID: "ckey_1", CallerID: "alice", KeyHash: "abc123", Enabled: true}
	if err := s.CreateCallerKey(ctx, k); err != nil {
		t.Fatalf("CreateCallerKey: %v", err)
	}
	got, err := s.FindCallerKey(ctx, "abc123")
	if err != nil || got.CallerID != "alice" || !got.Enabled {
		t.Fatalf("FindCallerKey = %+v, %v", got, err)
	}
	if _, err := s.DisableCallerKey(ctx, "ckey_1"); err != nil {
		t.Fatalf("DisableCallerKey: %v", err)
	}
	got, _ = s.FindCallerKey(ctx, "abc123")
	if got.Enabled {
		t.Error("key still enabled")
	}
	if _, err := s.DisableCallerKey(ctx, "ckey_none"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DisableCallerKey missing: %v", err)
	}
}

func TestSettings(t *testing.T) {
	_, cleanup := SetupTestDB(t)
	defer cleanup()

	ss := SettingStore{DB: DB}
	if _, err := ss.GetSetting("nope"); err == nil {
		t.Error("expected error for missing setting")
	}
	ss.SetSetting("k", "v1")
	ss.SetSetting("k", "v2")
	if v, _ := ss.GetSetting("k"); v != "v2" {
		t.Errorf("GetSetting = %q, want v2", v)
	}
}
