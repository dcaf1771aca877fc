package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindMCP      Kind = "mcp"
	KindCompiled Kind = "compiled"
)

type MCPConnectionConfig struct {
	Headers map[string]string `json:"headers,omitempty"`
	Timeout int64             `json:"timeout,omitempty"` // milliseconds
}

// Mapping binds a gateway address to an origin endpoint. Mappings are
// never hard deleted.
type Mapping struct {
	ID              string         `gorm:"primaryKey;size:64" json:"id"`
	OriginalURL     string         `gorm:"not null" json:"originalUrl"`
	PublisherID     string         `gorm:"not null;index;size:128" json:"publisherId"`
	Kind            Kind           `gorm:"not null;size:16" json:"kind"`
	GatewayURL      string         `gorm:"not null" json:"gatewayUrl"`
	Enable402       bool           `gorm:"not null" json:"enable402"`
	SettlementToken string         `gorm:"not null;size:16" json:"settlementToken"`
	ChainID         int64          `gorm:"not null" json:"chainId"`
	DefaultMethod   string         `gorm:"size:16" json:"defaultMethod,omitempty"`
	MCPEndpoint     string         `json:"mcpEndpoint,omitempty"`
	MCPRequestBody  datatypes.JSON `json:"mcpRequestBody,omitempty"`
	IsActive        bool           `gorm:"not null;index" json:"isActive"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`

	// SecretsEnc holds the Fernet-sealed CustomHeaders and MCPConnectionConfig.
	SecretsEnc          string               `gorm:"type:text" json:"-"`
	CustomHeaders       map[string]string    `gorm:"-" json:"customHeaders,omitempty"`
	MCPConnectionConfig *MCPConnectionConfig `gorm:"-" json:"mcpConnectionConfig,omitempty"`
}

type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeTransportError  Outcome = "transport_error"
	OutcomePaymentRequired Outcome = "payment_required"
	OutcomeNotAttempted    Outcome = "not_attempted"
)

// Call is one inbound proxy request. Immutable once written.
type Call struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	MappingID    string    `gorm:"not null;index;size:64" json:"mappingId"`
	CallerID     string    `gorm:"not null;index;size:128" json:"callerId"`
	Method       string    `gorm:"size:16" json:"method"`
	Path         string    `json:"path"`
	Timestamp    time.Time `gorm:"not null;index" json:"timestamp"`
	DurationMs   int64     `gorm:"not null" json:"durationMs"`
	ReqBytes     int64     `gorm:"not null" json:"reqBytes"`
	RespBytes    int64     `gorm:"not null" json:"respBytes"`
	Status       int       `gorm:"not null;index" json:"status"`
	Outcome      Outcome   `gorm:"not null;size:32" json:"outcome"`
	Fingerprint  string    `gorm:"size:64" json:"fingerprint"`
	ErrorKind    string    `gorm:"size:32" json:"errorKind,omitempty"`
	ErrorMessage string    `gorm:"type:text" json:"errorMessage,omitempty"`
}

const UnitCredit = "CREDIT"

type Meter struct {
	ID     string          `gorm:"primaryKey;size:64" json:"id"`
	CallID string          `gorm:"not null;uniqueIndex;size:64" json:"callId"`
	Policy string          `gorm:"not null;size:32" json:"policy"`
	Units  decimal.Decimal `gorm:"type:varchar(64);not null" json:"units"`
	Unit   string          `gorm:"not null;size:16" json:"unit"`
	Cost   decimal.Decimal `gorm:"type:varchar(64);not null" json:"cost"`
}

// Receipt is insert-only. Verifiers re-derive ReceiptHash from the stored
// IssuedAtNanos, never from wall-clock time.
type Receipt struct {
	ID            string          `gorm:"primaryKey;size:64" json:"id"`
	CallID        string          `gorm:"not null;uniqueIndex;size:64" json:"callId"`
	MappingID     string          `gorm:"not null;index;size:64" json:"mappingId"`
	CallerID      string          `gorm:"not null;index;size:128" json:"callerId"`
	Amount        decimal.Decimal `gorm:"type:varchar(64);not null" json:"amount"`
	Currency      string          `gorm:"not null;size:16" json:"currency"`
	ChainID       int64           `gorm:"not null" json:"chainId"`
	ReceiptHash   string          `gorm:"not null;size:66" json:"receiptHash"`
	Signature     string          `gorm:"not null;type:text" json:"signature"`
	SignerScheme  string          `gorm:"not null;size:32" json:"signerScheme"`
	SignerAddress string          `gorm:"size:64" json:"signerAddress,omitempty"`
	ChainHint     string          `gorm:"size:64" json:"chainHint"`
	IssuedAtNanos int64           `gorm:"not null" json:"issuedAtNanos"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"createdAt"`
}

// CallerSpend is the running total of a caller's receipts, kept alongside
// each receipt insert so balance checks read one row.
type CallerSpend struct {
	CallerID  string          `gorm:"primaryKey;size:128" json:"callerId"`
	Spent     decimal.Decimal `gorm:"type:varchar(64);not null" json:"spent"`
	Receipts  int64           `gorm:"not null" json:"receipts"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceFailed    InvoiceStatus = "failed"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

type Invoice struct {
	ID             string          `gorm:"primaryKey;size:64" json:"id"`
	CallerID       string          `gorm:"not null;index:idx_invoice_open;size:128" json:"callerId"`
	MappingID      string          `gorm:"size:64" json:"mappingId"`
	Period         string          `gorm:"not null;index:idx_invoice_open;size:7" json:"period"` // YYYY-MM
	Amount         decimal.Decimal `gorm:"type:varchar(64);not null" json:"amount"`
	Status         InvoiceStatus   `gorm:"not null;index;size:16" json:"status"`
	ChainID        int64           `gorm:"not null" json:"chainId"`
	Token          string          `gorm:"not null;size:16" json:"token"`
	PaymentAddress string          `gorm:"size:64" json:"paymentAddress"`
	PaymentRef     string          `gorm:"size:128" json:"paymentRef,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
	PaidAt         *time.Time      `json:"paidAt,omitempty"`
}

type PublisherConfig struct {
	PublisherID    string         `gorm:"primaryKey;size:128" json:"publisherId"`
	PricingJSON    datatypes.JSON `json:"pricingJson"`
	SplitsJSON     datatypes.JSON `json:"splitsJson,omitempty"`
	WalletAddr     string         `gorm:"size:64" json:"walletAddr,omitempty"`
	ChainPref      int64          `json:"chainPref,omitempty"`
	IncentivesJSON datatypes.JSON `json:"incentivesJson,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// BalanceHold reserves a caller's estimated spend while a call is in flight.
type BalanceHold struct {
	ID        string          `gorm:"primaryKey;size:64" json:"id"`
	CallerID  string          `gorm:"not null;index;size:128" json:"callerId"`
	Amount    decimal.Decimal `gorm:"type:varchar(64);not null" json:"amount"`
	CreatedAt time.Time       `gorm:"not null;index" json:"createdAt"`
}

type CallerKey struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	CallerID  string    `gorm:"not null;index;size:128" json:"callerId"`
	KeyHash   string    `gorm:"not null;uniqueIndex;size:64" json:"-"`
	Enabled   bool      `gorm:"not null" json:"enabled"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

type Setting struct {
	Key   string `gorm:"column:setting_key;primaryKey;size:128"`
	Value string `gorm:"type:text;not null"`
}
