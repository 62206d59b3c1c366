// Package userdb implements the usage ledger of the gateway: cumulative
// stored bytes per user, prefix ownership, and per-month download traffic.
// It runs on SQLite for single-node setups and PostgreSQL for everything
// else, through the same GORM codebase.
package userdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DatabaseType selects the database backend.
type DatabaseType string

const (
	DatabaseTypeSQLite   DatabaseType = "sqlite"
	DatabaseTypePostgres DatabaseType = "postgres"
)

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	Path string
}

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// Config contains database configuration.
type Config struct {
	Type     DatabaseType
	SQLite   SQLiteConfig
	Postgres PostgresConfig
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = DatabaseTypeSQLite
	}
	if c.Type == DatabaseTypeSQLite && c.SQLite.Path == "" {
		c.SQLite.Path = filepath.Join("data", "blockd.db")
	}
	if c.Type == DatabaseTypePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
		if c.Postgres.MaxOpenConns == 0 {
			c.Postgres.MaxOpenConns = 25
		}
		if c.Postgres.MaxIdleConns == 0 {
			c.Postgres.MaxIdleConns = 5
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DatabaseTypePostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

var (
	// ErrPrefixNotFound is returned when a prefix has no owner.
	ErrPrefixNotFound = errors.New("userdb: prefix not found")

	// ErrInvalidMonth is returned when a traffic month is not the first day
	// of a month at midnight UTC.
	ErrInvalidMonth = errors.New("userdb: traffic month must be the first of a month")
)

// nowFunc supplies the current time. Tests substitute it to exercise month
// rollover.
var nowFunc = time.Now

// currentMonth returns the first day of the current month, midnight UTC.
func currentMonth() time.Time {
	now := nowFunc().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func isMonthStart(t time.Time) bool {
	t = t.UTC()
	return t.Day() == 1 && t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

// Store implements the usage ledger on GORM. It supports SQLite and
// PostgreSQL through the same codebase.
type Store struct {
	db     *gorm.DB
	config *Config
}

// New opens the database and migrates the schema.
func New(config *Config) (*Store, error) {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Type {
	case DatabaseTypeSQLite:
		if err := os.MkdirAll(filepath.Dir(config.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// WAL and a busy timeout keep concurrent request handlers from
		// tripping over SQLite's single-writer lock.
		dsn := config.SQLite.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)

	case DatabaseTypePostgres:
		dialector = postgres.Open(config.Postgres.DSN())

	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Type == DatabaseTypePostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(config.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.Postgres.MaxIdleConns)
	}

	store := &Store{db: db, config: config}
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to run database migration: %w", err)
	}

	// SQLite has no date_trunc; there the month invariant is enforced in Go
	// only (see UpdateTraffic).
	if s.config.Type == DatabaseTypePostgres &&
		!s.db.Migrator().HasConstraint(&Traffic{}, "traffic_month_check") {
		if err := s.db.Exec(
			"ALTER TABLE traffic ADD CONSTRAINT traffic_month_check " +
				"CHECK (date_trunc('month', traffic_month) = traffic_month)",
		).Error; err != nil {
			return fmt.Errorf("failed to add traffic month constraint: %w", err)
		}
	}
	return nil
}

// DB returns the underlying GORM connection. Test hook.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Stats reports connection pool statistics for the metrics collector.
func (s *Store) Stats() (sql.DBStats, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return sql.DBStats{}, err
	}
	return sqlDB.Stats(), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key value violates unique constraint")
}

// AssertUser inserts the user row if absent. Racing inserts are fine.
func (s *Store) AssertUser(ctx context.Context, userID int64) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&User{UserID: userID}).Error
	if err != nil && !isUniqueConstraintError(err) {
		return fmt.Errorf("userdb: assert user %d: %w", userID, err)
	}
	return nil
}

// CreatePrefix allocates a fresh prefix for the user and returns its name.
func (s *Store) CreatePrefix(ctx context.Context, userID int64) (string, error) {
	if err := s.AssertUser(ctx, userID); err != nil {
		return "", err
	}

	name := uuid.NewString()
	if err := s.db.WithContext(ctx).
		Create(&Prefix{Name: name, UserID: userID}).Error; err != nil {
		return "", fmt.Errorf("userdb: create prefix: %w", err)
	}
	return name, nil
}

// HasPrefix reports whether the user owns the named prefix.
func (s *Store) HasPrefix(ctx context.Context, userID int64, name string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Prefix{}).
		Where("name = ? AND user_id = ?", name, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("userdb: has prefix: %w", err)
	}
	return count > 0, nil
}

// GetPrefixOwner resolves a prefix to its owning user. ErrPrefixNotFound if
// the prefix is unknown.
func (s *Store) GetPrefixOwner(ctx context.Context, name string) (int64, error) {
	var prefix Prefix
	err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&prefix).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrPrefixNotFound
		}
		return 0, fmt.Errorf("userdb: get prefix owner: %w", err)
	}
	return prefix.UserID, nil
}

// GetPrefixes returns all prefixes owned by the user.
func (s *Store) GetPrefixes(ctx context.Context, userID int64) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&Prefix{}).
		Where("user_id = ?", userID).
		Order("name").
		Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("userdb: get prefixes: %w", err)
	}
	return names, nil
}

// GetSize returns the cumulative stored bytes of the user, creating the row
// (at 0) if missing.
func (s *Store) GetSize(ctx context.Context, userID int64) (int64, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, s.AssertUser(ctx, userID)
		}
		return 0, fmt.Errorf("userdb: get size: %w", err)
	}
	return user.Size, nil
}

// UpdateSize adds delta to the stored-bytes counter of the prefix owner.
func (s *Store) UpdateSize(ctx context.Context, prefixName string, delta int64) error {
	userID, err := s.GetPrefixOwner(ctx, prefixName)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Model(&User{}).
		Where("user_id = ?", userID).
		Update("size", gorm.Expr("size + ?", delta)).Error
	if err != nil {
		return fmt.Errorf("userdb: update size: %w", err)
	}
	return nil
}

// GetTraffic returns the user's download traffic for the current month; 0 if
// no row exists.
func (s *Store) GetTraffic(ctx context.Context, userID int64) (int64, error) {
	var total sql.NullInt64
	err := s.db.WithContext(ctx).Model(&Traffic{}).
		Where("user_id = ? AND traffic_month = ?", userID, currentMonth()).
		Select("SUM(traffic)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("userdb: get traffic: %w", err)
	}
	return total.Int64, nil
}

// GetTrafficByPrefix resolves the prefix owner and returns their current
// month traffic; 0 if the prefix is unknown.
func (s *Store) GetTrafficByPrefix(ctx context.Context, prefixName string) (int64, error) {
	userID, err := s.GetPrefixOwner(ctx, prefixName)
	if err != nil {
		if errors.Is(err, ErrPrefixNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return s.GetTraffic(ctx, userID)
}

// UpdateTraffic adds delta to the current month's traffic of the prefix
// owner, creating the month row on first use.
func (s *Store) UpdateTraffic(ctx context.Context, prefixName string, delta int64) error {
	userID, err := s.GetPrefixOwner(ctx, prefixName)
	if err != nil {
		return err
	}
	return s.updateTrafficMonth(ctx, userID, currentMonth(), delta)
}

func (s *Store) updateTrafficMonth(ctx context.Context, userID int64, month time.Time, delta int64) error {
	if !isMonthStart(month) {
		return ErrInvalidMonth
	}
	if err := s.AssertUser(ctx, userID); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "traffic_month"}},
			DoUpdates: clause.Assignments(map[string]any{
				"traffic": gorm.Expr("traffic.traffic + excluded.traffic"),
			}),
		}).
		Create(&Traffic{UserID: userID, TrafficMonth: month, Traffic: delta}).Error
	if err != nil {
		return fmt.Errorf("userdb: update traffic: %w", err)
	}
	return nil
}
