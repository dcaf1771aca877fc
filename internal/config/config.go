package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr     string `envconfig:"LISTEN_ADDR" default:":8080"`
	GatewayBaseURL string `envconfig:"GATEWAY_BASE_URL" default:"http://localhost:8080"`

	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"sqlite"` // "sqlite" or "mysql"
	DatabasePath   string `envconfig:"DATABASE_PATH" default:"/app/data/bmcp.db"`
	DatabaseDSN    string `envconfig:"DATABASE_DSN" default:""`

	AdminSecret string `envconfig:"ADMIN_SECRET" default:""`
	SigningKey  string `envconfig:"SIGNING_KEY" default:""` // hex secp256k1 private key
	HMACSecret  string `envconfig:"HMAC_SECRET" default:"bmcp-dev-secret"`
	FernetKey   string `envconfig:"FERNET_KEY" default:""`

	DefaultAllowance string        `envconfig:"DEFAULT_ALLOWANCE" default:"1"`
	MinTopUp         string        `envconfig:"MIN_TOPUP" default:"1"`
	DefaultChainID   int64         `envconfig:"DEFAULT_CHAIN_ID" default:"8453"`
	UpstreamTimeout  time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"60s"`
	MaxBodyBytes     int64         `envconfig:"MAX_BODY_BYTES" default:"10485760"`

	CallerRPM        int    `envconfig:"CALLER_RPM" default:"0"`
	RequireCallerKey bool   `envconfig:"REQUIRE_CALLER_KEY" default:"false"`
	RedisAddr        string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword    string `envconfig:"REDIS_PASSWORD" default:""`

	ChainsFile string `envconfig:"CHAINS_FILE" default:""`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	InvoiceTTL      time.Duration `envconfig:"INVOICE_TTL" default:"720h"`
	HoldTTL         time.Duration `envconfig:"HOLD_TTL" default:"10m"`
	JanitorSchedule string        `envconfig:"JANITOR_SCHEDULE" default:"@every 5m"`
	StreamInterval  time.Duration `envconfig:"STREAM_INTERVAL" default:"2s"`
}

var Cfg Settings

func Load() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("WARNING: cannot load .env: %v", err)
		}
	}
	if err := envconfig.Process("BMCP", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
