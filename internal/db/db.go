package db

import (
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB represents a PostgreSQL database connection holding the listings archive
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	Table        string        // Listings table name
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	// If we have a DatabaseURL, use it directly
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	// Otherwise use the individual components
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdentifier reports whether s is safe to interpolate into SQL as a
// table or column name. Identifiers cannot be bound as query parameters.
func validIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// augmentDSNWithTimeout adds statement_timeout to a DSN if not already present.
// Supports both URL format (postgresql://...) and key=value format.
func augmentDSNWithTimeout(dsn string, timeoutMs int) string {
	if dsn == "" || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}

	if timeoutMs <= 0 {
		timeoutMs = 60000 // Default 60 seconds
	}
	timeoutStr := fmt.Sprintf("%d", timeoutMs)

	// URL format
	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		return dsn + separator + "statement_timeout=" + timeoutStr
	}

	// Key=value format
	return dsn + " statement_timeout=" + timeoutStr
}

// New creates a new PostgreSQL database connection and ensures the listings
// schema exists
func New(config *Config) (*DB, error) {
	// Validate required fields unless a full URL was supplied
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	// Set defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.Table == "" {
		config.Table = "listings"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	if !validIdentifier(config.Table) {
		return nil, fmt.Errorf("invalid listings table name: %q", config.Table)
	}

	dsn := augmentDSNWithTimeout(config.ConnectionString(), 0)
	client, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	// Test connection
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Initialise schema
	if err := setupSchema(client, config.Table); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables.
// DATABASE_URL takes precedence over the individual POSTGRES_* variables.
func InitFromEnv() (*DB, error) {
	table := os.Getenv("LISTINGS_TABLE")

	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{
			DatabaseURL: url,
			Table:       table,
		})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
		Table:    table,
	}

	// Use defaults if not set
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "scout"
	}

	return New(config)
}

// setupSchema creates the listings table and its indexes in PostgreSQL
func setupSchema(db *sql.DB, table string) error {
	_, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			company TEXT,
			location TEXT,
			remote TEXT,
			min_salary INTEGER NOT NULL DEFAULT 0,
			max_salary INTEGER NOT NULL DEFAULT 0,
			description TEXT,
			date_posted DATE,
			date_found TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			last_checked TIMESTAMPTZ,
			technologies TEXT[]
		)
	`, table))
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", table, err)
	}

	// Status is queried by the filter pipeline and the maintenance pass
	_, err = db.Exec(fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status)`, table, table))
	if err != nil {
		return fmt.Errorf("failed to create status index: %w", err)
	}

	// Age filters cut on date_posted
	_, err = db.Exec(fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_date_posted ON %s(date_posted)`, table, table))
	if err != nil {
		return fmt.Errorf("failed to create date_posted index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}

// Table returns the configured listings table name
func (db *DB) Table() string {
	return db.config.Table
}
