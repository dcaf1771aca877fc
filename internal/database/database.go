package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/config"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	var err error
	switch config.Cfg.DatabaseDriver {
	case "mysql":
		DB, err = OpenMySQL(config.Cfg.DatabaseDSN)
	case "", "sqlite":
		DB, err = OpenSQLite(config.Cfg.DatabasePath)
	default:
		return fmt.Errorf("unknown database driver %q", config.Cfg.DatabaseDriver)
	}
	return err
}

// OpenSQLite opens (creating if needed) a WAL-mode SQLite database and
// migrates the schema.
func OpenSQLite(dbPath string) (*gorm.DB, error) {
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=5000&_txlock=immediate"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return db, migrate(db)
}

// OpenMySQL expects a DSN with parseTime=true.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql driver requires BMCP_DATABASE_DSN")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, migrate(db)
}

func migrate(db *gorm.DB) error {
	backfill := !db.Migrator().HasTable(&store.CallerSpend{})
	if err := db.AutoMigrate(
		&store.Mapping{},
		&store.PublisherConfig{},
		&store.Call{},
		&store.Meter{},
		&store.Receipt{},
		&store.Invoice{},
		&store.BalanceHold{},
		&store.CallerKey{},
		&store.Setting{},
		&store.CallerSpend{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	if backfill {
		if err := backfillSpend(db); err != nil {
			return fmt.Errorf("backfill caller spend: %w", err)
		}
	}
	return nil
}

// backfillSpend seeds running spend from receipts written before the
// caller_spends table existed.
func backfillSpend(db *gorm.DB) error {
	var callers []string
	if err := db.Model(&store.Receipt{}).Distinct().Pluck("caller_id", &callers).Error; err != nil {
		return err
	}
	for _, c := range callers {
		var n int64
		if err := db.Model(&store.Receipt{}).Where("caller_id = ?", c).Count(&n).Error; err != nil {
			return err
		}
		total, err := sumAmounts(db.Model(&store.Receipt{}).Where("caller_id = ?", c))
		if err != nil {
			return err
		}
		if err := db.Create(&store.CallerSpend{CallerID: c, Spent: total, Receipts: n}).Error; err != nil {
			return err
		}
	}
	if len(callers) > 0 {
		log.Printf("Backfilled running spend for %d callers", len(callers))
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}
