// Package domain defines the core types and collaborator interfaces for berrypick.
package domain

import (
	"context"
	"time"
)

// RuleStore reads and maintains benefit rules.
type RuleStore interface {
	// FindActiveRulesForProduct returns active rules with their scopes and
	// limits, highest priority first.
	FindActiveRulesForProduct(ctx context.Context, productID string) ([]*BenefitRule, error)
	GetRule(ctx context.Context, ruleID string) (*BenefitRule, error)
	SaveRule(ctx context.Context, rule *BenefitRule) error
}

// CounterStore reads usage counters. Counters are only incremented as part
// of a settlement.
type CounterStore interface {
	// FindCounter returns nil when the user has no usage in the period.
	FindCounter(ctx context.Context, userID, ruleID, periodKey string) (*UsageCounter, error)
}

// InstrumentStore reads the wallet.
type InstrumentStore interface {
	FindInstrumentsForUser(ctx context.Context, userID string) ([]Instrument, error)
	SaveProduct(ctx context.Context, p *Product) error
	SaveInstrument(ctx context.Context, in *Instrument) error
}

// MerchantStore resolves merchants into brand and category.
type MerchantStore interface {
	FindMerchant(ctx context.Context, merchantID string) (*Merchant, error)
	SaveMerchant(ctx context.Context, m *Merchant) error
}

// SessionStore persists recommendation sessions.
type SessionStore interface {
	// SaveSession writes the session, its options and items atomically.
	SaveSession(ctx context.Context, s *Session) error
	// GetSession loads the session with options and items in rank order.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// FindOptionSession returns the id of the session owning an option.
	FindOptionSession(ctx context.Context, optionID string) (string, error)
	// ChooseOption records the chosen option. It fails with ErrConflict when
	// a different option was already chosen.
	ChooseOption(ctx context.Context, sessionID, optionID string) error
}

// TransactionStore persists settled transactions.
type TransactionStore interface {
	// SettleTransaction writes the transaction, its applied benefits, the
	// guarded counter increments and the monthly summary in one transaction.
	SettleTransaction(ctx context.Context, s *Settlement) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, filter TransactionFilter) ([]*Transaction, error)
	GetMonthlySummary(ctx context.Context, userID, yearMonth, categoryID string) (*MonthlyCategorySummary, error)
}

// Repository is the relational store backing every collaborator.
type Repository interface {
	RuleStore
	CounterStore
	InstrumentStore
	MerchantStore
	SessionStore
	TransactionStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "pgx"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific. DatabaseURL takes precedence over the fields.
	DatabaseURL      string
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
