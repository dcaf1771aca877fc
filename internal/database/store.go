package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/crypto"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements store.Store over gorm. Mapping credentials are sealed
// with the Fernet sealer on write and opened on read.
type Store struct {
	db     *gorm.DB
	sealer *crypto.Sealer
}

var _ store.Store = (*Store)(nil)

func NewStore(db *gorm.DB, sealer *crypto.Sealer) *Store {
	return &Store{db: db, sealer: sealer}
}

func (s *Store) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, sealer: s.sealer})
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

// --- mappings ---

type mappingSecrets struct {
	CustomHeaders       map[string]string          `json:"customHeaders,omitempty"`
	MCPConnectionConfig *store.MCPConnectionConfig `json:"mcpConnectionConfig,omitempty"`
}

func (s *Store) seal(m *store.Mapping) error {
	if len(m.CustomHeaders) == 0 && m.MCPConnectionConfig == nil {
		m.SecretsEnc = ""
		return nil
	}
	b, err := json.Marshal(mappingSecrets{CustomHeaders: m.CustomHeaders, MCPConnectionConfig: m.MCPConnectionConfig})
	if err != nil {
		return fmt.Errorf("marshal mapping secrets: %w", err)
	}
	enc, err := s.sealer.Encrypt(string(b))
	if err != nil {
		return err
	}
	m.SecretsEnc = enc
	return nil
}

func (s *Store) open(m *store.Mapping) error {
	plain, err := s.sealer.Decrypt(m.SecretsEnc)
	if err != nil {
		return fmt.Errorf("open secrets for mapping %s: %w", m.ID, err)
	}
	if plain == "" {
		return nil
	}
	var sec mappingSecrets
	if err := json.Unmarshal([]byte(plain), &sec); err != nil {
		return fmt.Errorf("decode secrets for mapping %s: %w", m.ID, err)
	}
	m.CustomHeaders = sec.CustomHeaders
	m.MCPConnectionConfig = sec.MCPConnectionConfig
	return nil
}

func (s *Store) CreateMapping(ctx context.Context, m *store.Mapping) error {
	if err := s.seal(m); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) GetMapping(ctx context.Context, id string) (*store.Mapping, error) {
	var m store.Mapping
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	if err := s.open(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) findMappings(q *gorm.DB) ([]store.Mapping, error) {
	var ms []store.Mapping
	if err := q.Order("created_at DESC").Find(&ms).Error; err != nil {
		return nil, err
	}
	for i := range ms {
		if err := s.open(&ms[i]); err != nil {
			return nil, err
		}
	}
	return ms, nil
}

func (s *Store) ListActiveMappings(ctx context.Context) ([]store.Mapping, error) {
	return s.findMappings(s.db.WithContext(ctx).Where("is_active = ?", true))
}

func (s *Store) GetMappings(ctx context.Context, ids []string) ([]store.Mapping, error) {
	if len(ids) == 0 {
		return []store.Mapping{}, nil
	}
	return s.findMappings(s.db.WithContext(ctx).Where("id IN ?", ids))
}

// updateMapping applies column updates and reports store.ErrNotFound when
// the id matches nothing.
func (s *Store) updateMapping(ctx context.Context, id string, updates map[string]interface{}) error {
	db := s.db.WithContext(ctx)
	result := db.Model(&store.Mapping{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// MySQL reports zero affected rows for no-op updates
		var count int64
		if err := db.Model(&store.Mapping{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return store.ErrNotFound
		}
	}
	return nil
}

func (s *Store) SetGatewayURL(ctx context.Context, id, url string) error {
	return s.updateMapping(ctx, id, map[string]interface{}{"gateway_url": url})
}

func (s *Store) SetMappingActive(ctx context.Context, id string, active bool) error {
	return s.updateMapping(ctx, id, map[string]interface{}{"is_active": active})
}

func (s *Store) CountMappings(ctx context.Context) (total, active int64, err error) {
	db := s.db.WithContext(ctx)
	if err = db.Model(&store.Mapping{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if err = db.Model(&store.Mapping{}).Where("is_active = ?", true).Count(&active).Error; err != nil {
		return 0, 0, err
	}
	return total, active, nil
}

// --- publishers ---

func (s *Store) GetPublisher(ctx context.Context, id string) (*store.PublisherConfig, error) {
	var p store.PublisherConfig
	if err := s.db.WithContext(ctx).Where("publisher_id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// SavePublisher upserts by publisher id, keeping the original created_at.
func (s *Store) SavePublisher(ctx context.Context, p *store.PublisherConfig) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "publisher_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"pricing_json", "splits_json", "wallet_addr", "chain_pref", "incentives_json", "updated_at",
		}),
	}).Create(p).Error
}

// --- calls, meters ---

func (s *Store) CreateCall(ctx context.Context, c *store.Call) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *Store) CreateMeter(ctx context.Context, m *store.Meter) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) GetMeter(ctx context.Context, callID string) (*store.Meter, error) {
	var m store.Meter
	if err := s.db.WithContext(ctx).Where("call_id = ?", callID).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// --- receipts ---

// CreateReceipt stores the receipt and adds its amount to the caller's
// running spend in one transaction.
func (s *Store) CreateReceipt(ctx context.Context, r *store.Receipt) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		var sp store.CallerSpend
		err := tx.Where("caller_id = ?", r.CallerID).First(&sp).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&store.CallerSpend{CallerID: r.CallerID, Spent: r.Amount, Receipts: 1}).Error
		case err != nil:
			return err
		}
		return tx.Model(&sp).Updates(map[string]interface{}{
			"spent":    sp.Spent.Add(r.Amount),
			"receipts": sp.Receipts + 1,
		}).Error
	})
}

func (s *Store) GetReceipt(ctx context.Context, id string) (*store.Receipt, error) {
	var r store.Receipt
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// sumAmounts adds decimal text columns in Go; SQL SUM over text would go
// through floating point.
func sumAmounts(q *gorm.DB) (decimal.Decimal, error) {
	var amounts []string
	if err := q.Pluck("amount", &amounts).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range amounts {
		d, err := decimal.NewFromString(a)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse amount %q: %w", a, err)
		}
		total = total.Add(d)
	}
	return total, nil
}

// SumReceipts returns the caller's running spend.
func (s *Store) SumReceipts(ctx context.Context, callerID string) (decimal.Decimal, error) {
	var sp store.CallerSpend
	err := s.db.WithContext(ctx).Where("caller_id = ?", callerID).First(&sp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return sp.Spent, nil
}

// --- invoices ---

func (s *Store) CreateInvoice(ctx context.Context, inv *store.Invoice) error {
	return s.db.WithContext(ctx).Create(inv).Error
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*store.Invoice, error) {
	var inv store.Invoice
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&inv).Error; err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, callerID string) ([]store.Invoice, error) {
	var invs []store.Invoice
	err := s.db.WithContext(ctx).Where("caller_id = ?", callerID).Order("created_at DESC").Find(&invs).Error
	return invs, err
}

// FindPendingInvoice returns the oldest open invoice for the caller that pays
// the same address in the same token, chain and period.
func (s *Store) FindPendingInvoice(ctx context.Context, callerID, period, token string, chainID int64, payTo string) (*store.Invoice, error) {
	var inv store.Invoice
	err := s.db.WithContext(ctx).
		Where("caller_id = ? AND period = ? AND token = ? AND chain_id = ? AND payment_address = ? AND status = ?",
			callerID, period, token, chainID, payTo, store.InvoicePending).
		Order("created_at ASC").
		First(&inv).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

func (s *Store) UpdateInvoiceAmount(ctx context.Context, id string, amount decimal.Decimal) error {
	result := s.db.WithContext(ctx).Model(&store.Invoice{}).Where("id = ?", id).Update("amount", amount)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MarkInvoicePaid only transitions pending invoices; anything else
// reports store.ErrNotFound.
func (s *Store) MarkInvoicePaid(ctx context.Context, id string, paidAt time.Time, ref string) error {
	result := s.db.WithContext(ctx).Model(&store.Invoice{}).
		Where("id = ? AND status = ?", id, store.InvoicePending).
		Updates(map[string]interface{}{
			"status":      store.InvoicePaid,
			"paid_at":     paidAt,
			"payment_ref": ref,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CancelStaleInvoices(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&store.Invoice{}).
		Where("status = ? AND created_at < ?", store.InvoicePending, before).
		Update("status", store.InvoiceCancelled)
	return result.RowsAffected, result.Error
}

func (s *Store) SumPaidInvoices(ctx context.Context, callerID string) (decimal.Decimal, error) {
	return sumAmounts(s.db.WithContext(ctx).Model(&store.Invoice{}).
		Where("caller_id = ? AND status = ?", callerID, store.InvoicePaid))
}

// --- holds ---

func (s *Store) CreateHold(ctx context.Context, h *store.BalanceHold) error {
	return s.db.WithContext(ctx).Create(h).Error
}

func (s *Store) DeleteHold(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&store.BalanceHold{}).Error
}

func (s *Store) SumHolds(ctx context.Context, callerID string) (decimal.Decimal, error) {
	return sumAmounts(s.db.WithContext(ctx).Model(&store.BalanceHold{}).Where("caller_id = ?", callerID))
}

func (s *Store) PurgeHolds(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&store.BalanceHold{})
	return result.RowsAffected, result.Error
}

// --- caller keys ---

func (s *Store) CreateCallerKey(ctx context.Context, k *store.CallerKey) error {
	return s.db.WithContext(ctx).Create(k).Error
}

func (s *Store) FindCallerKey(ctx context.Context, keyHash string) (*store.CallerKey, error) {
	var k store.CallerKey
	if err := s.db.WithContext(ctx).Where("key_hash = ?", keyHash).First(&k).Error; err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

func (s *Store) DisableCallerKey(ctx context.Context, id string) (*store.CallerKey, error) {
	db := s.db.WithContext(ctx)
	var k store.CallerKey
	if err := db.Where("id = ?", id).First(&k).Error; err != nil {
		return nil, notFound(err)
	}
	if err := db.Model(&k).Update("enabled", false).Error; err != nil {
		return nil, err
	}
	k.Enabled = false
	return &k, nil
}

// --- stats ---

func (s *Store) CallStats(ctx context.Context, since time.Time) (*store.Stats, error) {
	db := s.db.WithContext(ctx)
	st := &store.Stats{StatusBreakdown: make(map[int]int64)}

	if err := db.Model(&store.Call{}).Count(&st.TotalCalls).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&store.Call{}).Where("timestamp >= ?", since).Count(&st.CallsSince).Error; err != nil {
		return nil, err
	}
	// only calls that reached the origin have a meaningful duration
	if err := db.Model(&store.Call{}).
		Where("outcome IN ?", []store.Outcome{store.OutcomeCompleted, store.OutcomeTransportError}).
		Select("COALESCE(AVG(duration_ms), 0)").
		Row().Scan(&st.AvgDurationMs); err != nil {
		return nil, err
	}

	var rows []struct {
		Status int
		Count  int64
	}
	if err := db.Model(&store.Call{}).Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		st.StatusBreakdown[r.Status] = r.Count
	}
	return st, nil
}

func (s *Store) TopMappings(ctx context.Context, limit int) ([]store.MappingVolume, error) {
	var out []store.MappingVolume
	err := s.db.WithContext(ctx).Model(&store.Call{}).
		Select("mapping_id, COUNT(*) AS calls").
		Group("mapping_id").
		Order("calls DESC").
		Limit(limit).
		Scan(&out).Error
	return out, err
}

func (s *Store) TopErrors(ctx context.Context, limit int) ([]store.ErrorCount, error) {
	var out []store.ErrorCount
	err := s.db.WithContext(ctx).Model(&store.Call{}).
		Where("error_message <> ''").
		Select("error_message AS message, COUNT(*) AS count").
		Group("error_message").
		Order("count DESC").
		Limit(limit).
		Scan(&out).Error
	return out, err
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
