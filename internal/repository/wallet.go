package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/berryselect/berrypick/internal/domain"
)

// FindInstrumentsForUser returns the user's instruments in registration order.
func (r *SQLRepository) FindInstrumentsForUser(ctx context.Context, userID string) ([]domain.Instrument, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", domain.ErrInvalidArgument)
	}

	query := `
		SELECT a.id, a.user_id, a.product_id, p.name, a.kind, a.display_name, a.balance, a.created_at
		FROM user_assets a
		JOIN products p ON p.id = a.product_id
		WHERE a.user_id = ?
		ORDER BY a.created_at ASC, a.id ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instruments []domain.Instrument
	for rows.Next() {
		var in domain.Instrument
		var kind string
		var balance sql.NullInt64

		if err := rows.Scan(
			&in.ID, &in.UserID, &in.ProductID, &in.ProductName,
			&kind, &in.DisplayName, &balance, &in.CreatedAt,
		); err != nil {
			return nil, err
		}

		in.Kind = domain.InstrumentKind(kind)
		in.Balance = intPtr(balance)
		instruments = append(instruments, in)
	}

	return instruments, rows.Err()
}

// SaveProduct upserts a product definition.
func (r *SQLRepository) SaveProduct(ctx context.Context, p *domain.Product) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: product id is required", domain.ErrInvalidArgument)
	}

	query := `
		INSERT INTO products (id, kind, name, issuer)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			issuer = excluded.issuer
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), p.ID, string(p.Kind), p.Name, nullString(p.Issuer))
	return err
}

// SaveInstrument upserts a user instrument.
func (r *SQLRepository) SaveInstrument(ctx context.Context, in *domain.Instrument) error {
	if in == nil || in.ID == "" || in.UserID == "" || in.ProductID == "" {
		return fmt.Errorf("%w: instrument id, user id and product id are required", domain.ErrInvalidArgument)
	}

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO user_assets (id, user_id, product_id, kind, display_name, balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			product_id = excluded.product_id,
			kind = excluded.kind,
			display_name = excluded.display_name,
			balance = excluded.balance
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		in.ID, in.UserID, in.ProductID, string(in.Kind),
		in.DisplayName, nullInt(in.Balance), createdAt.UTC(),
	)
	return err
}

// FindMerchant resolves a merchant into its brand and category.
func (r *SQLRepository) FindMerchant(ctx context.Context, merchantID string) (*domain.Merchant, error) {
	query := `SELECT id, name, brand_id, category_id FROM merchants WHERE id = ?`

	var m domain.Merchant
	var brandID, categoryID sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), merchantID).Scan(&m.ID, &m.Name, &brandID, &categoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: merchant %s", domain.ErrNotFound, merchantID)
	}
	if err != nil {
		return nil, err
	}

	m.BrandID = brandID.String
	m.CategoryID = categoryID.String
	return &m, nil
}

// SaveMerchant upserts a merchant.
func (r *SQLRepository) SaveMerchant(ctx context.Context, m *domain.Merchant) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: merchant id is required", domain.ErrInvalidArgument)
	}

	query := `
		INSERT INTO merchants (id, name, brand_id, category_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			brand_id = excluded.brand_id,
			category_id = excluded.category_id
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), m.ID, m.Name, nullString(m.BrandID), nullString(m.CategoryID))
	return err
}
