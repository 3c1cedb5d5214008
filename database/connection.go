package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver for the raw connection
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database holds the GORM connection plus a raw database/sql handle.
// GORM serves the repositories; the raw handle serves the health probe
// and the hand-written join queries.
type Database struct {
	db  *gorm.DB
	raw *sql.DB
}

// DB returns the underlying GORM database instance for direct access when needed
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Raw returns the database/sql handle
func (d *Database) Raw() *sql.DB {
	return d.raw
}

// Connect establishes both connection paths
func Connect(host, port, dbname, user, password string) (*Database, error) {
	dsn := fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		host, port, dbname, user, password)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Silent logging for production
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	raw, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw connection: %w", err)
	}

	raw.SetMaxOpenConns(25)
	raw.SetMaxIdleConns(10)
	raw.SetConnMaxLifetime(5 * time.Minute)
	raw.SetConnMaxIdleTime(2 * time.Minute)

	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("✅ Database connection established")

	return &Database{db: db, raw: raw}, nil
}

// InitSchema performs auto-migration for all durable tables
func (d *Database) InitSchema() error {
	log.Println("🔄 Starting database schema initialization...")

	if err := d.db.AutoMigrate(
		&User{},
		&UserSettings{},
		&MasterTicker{},
		&Subscription{},
		&Signal{},
		&SignalUserDecision{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	log.Println("✅ Database schema ready")
	return nil
}

// Ping checks if the database connection is alive, used by the health probe
func (d *Database) Ping(ctx context.Context) error {
	return d.raw.PingContext(ctx)
}

// Close closes both connections
func (d *Database) Close() error {
	if d.raw != nil {
		if err := d.raw.Close(); err != nil {
			log.Printf("Error closing raw connection: %v", err)
		}
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
