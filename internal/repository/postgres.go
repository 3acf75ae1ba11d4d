package repository

import (
	"database/sql"
	"fmt"

	"github.com/berryselect/berrypick/internal/domain"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

// openPostgres opens a PostgreSQL database connection through either the
// lib/pq ("postgres") or the pgx ("pgx") database/sql driver.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	driverName := cfg.Driver
	if driverName != "pgx" {
		driverName = "postgres"
	}

	db, err := sql.Open(driverName, postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

func postgresDSN(cfg domain.RepositoryConfig) string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}

	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}

	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}

	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "berrypick"
	}

	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host,
		port,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		dbname,
		getSSLMode(cfg.PostgresSSLMode),
	)
}

func getSSLMode(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}

func isPostgres(driver string) bool {
	return driver == "postgres" || driver == "pgx"
}
