package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/api"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/billing"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/chains"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/config"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/crypto"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/database"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/jobs"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/ledger"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/logging"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/metrics"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/proxy"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/publisher"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/registry"
)

var version = "dev"

// lockTTL bounds how long a crashed holder can block a caller's balance.
const lockTTL = 30 * time.Second

type gateway struct {
	handler    http.Handler
	aggregator *metrics.Aggregator
	janitor    *jobs.Janitor
	workflow   *billing.Workflow
	redis      *redis.Client
}

func newGateway(cfg config.Settings, db *gorm.DB) (*gateway, error) {
	sealer, err := crypto.NewSealer(cfg.FernetKey, database.SettingStore{DB: db})
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	st := database.NewStore(db, sealer)

	chainReg, err := chains.Load(cfg.ChainsFile)
	if err != nil {
		return nil, err
	}
	if _, ok := chainReg.Get(cfg.DefaultChainID); !ok {
		return nil, fmt.Errorf("default chain %d is not configured", cfg.DefaultChainID)
	}

	signer, err := ledger.NewSigner(cfg.SigningKey, cfg.HMACSecret)
	if err != nil {
		return nil, fmt.Errorf("receipt signer: %w", err)
	}
	led := ledger.New(signer)

	allowance, err := decimal.NewFromString(cfg.DefaultAllowance)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_ALLOWANCE %q: %w", cfg.DefaultAllowance, err)
	}
	minTopUp, err := decimal.NewFromString(cfg.MinTopUp)
	if err != nil || !minTopUp.IsPositive() {
		return nil, fmt.Errorf("invalid MIN_TOPUP %q", cfg.MinTopUp)
	}

	g := &gateway{}
	var locker billing.Locker
	if cfg.RedisAddr != "" {
		g.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.redis.Ping(ctx).Err(); err != nil {
			g.redis.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		locker = billing.NewRedisLocker(g.redis, lockTTL)
		log.Printf("Caller balance locks in redis at %s", cfg.RedisAddr)
	}

	reg := registry.New(st, chainReg, cfg.GatewayBaseURL, cfg.DefaultChainID)
	g.workflow = billing.New(st, led, chainReg, locker, billing.Options{
		Allowance:      allowance,
		MinTopUp:       minTopUp,
		GatewayBaseURL: cfg.GatewayBaseURL,
	})
	g.aggregator = metrics.NewAggregator(4096)

	engine := proxy.NewEngine(reg, proxy.Options{Timeout: cfg.UpstreamTimeout})
	g.handler = api.NewRouter(api.Deps{
		Store:          st,
		Registry:       reg,
		Billing:        g.workflow,
		Publishers:     publisher.New(st),
		Ledger:         led,
		Chains:         chainReg,
		Reporter:       metrics.NewReporter(st, g.aggregator, version),
		CallerAuth:     proxy.NewCallerAuth(st, cfg.RequireCallerKey),
		Limiter:        proxy.NewRateLimiter(cfg.CallerRPM),
		Proxy:          proxy.NewHandler(engine, g.workflow, g.aggregator, cfg.MaxBodyBytes),
		AdminSecret:    cfg.AdminSecret,
		StreamInterval: cfg.StreamInterval,
	})

	if g.janitor, err = jobs.NewJanitor(g.workflow, cfg.JanitorSchedule, cfg.InvoiceTTL, cfg.HoldTTL); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *gateway) close() {
	if g.redis != nil {
		g.redis.Close()
	}
}

func main() {
	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	g, err := newGateway(config.Cfg, database.DB)
	if err != nil {
		log.Fatalf("Gateway init: %v", err)
	}
	defer g.close()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go g.aggregator.Run(sigCtx)
	g.janitor.Start()
	defer g.janitor.Stop()

	// Graceful shutdown
	srv := &http.Server{
		Addr:              config.Cfg.ListenAddr,
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("BMCP gateway starting on %s (public base %s)", config.Cfg.ListenAddr, config.Cfg.GatewayBaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("BMCP gateway stopped")
}
