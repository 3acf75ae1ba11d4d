package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/berryselect/berrypick/internal/domain"
)

// FindCounter returns the usage counter, or nil when none exists yet.
func (r *SQLRepository) FindCounter(ctx context.Context, userID, ruleID, periodKey string) (*domain.UsageCounter, error) {
	c := domain.UsageCounter{UserID: userID, RuleID: ruleID, PeriodKey: periodKey}

	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT amount_used, count_used, updated_at
		FROM usage_counters
		WHERE user_id = ? AND rule_id = ? AND period_key = ?
	`), userID, ruleID, periodKey).Scan(&c.AmountUsed, &c.CountUsed, &c.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SettleTransaction writes a settlement atomically. A counter increment that
// would cross its ceiling aborts the whole settlement with
// domain.ErrLimitExceeded; a second settlement of the same session aborts
// with domain.ErrConflict.
func (r *SQLRepository) SettleTransaction(ctx context.Context, s *domain.Settlement) error {
	if s == nil || s.Transaction == nil {
		return fmt.Errorf("%w: settlement without transaction", domain.ErrInvalidArgument)
	}
	t := s.Transaction
	now := time.Now().UTC()

	return r.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, r.rebind(`
			INSERT INTO transactions (
				id, user_id, merchant_id, category_id, paid_amount, currency,
				payment_asset_id, session_id, option_id, tx_time, year_month, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id) DO NOTHING
		`),
			t.ID, t.UserID, nullString(t.MerchantID), nullString(t.CategoryID),
			t.PaidAmount, t.Currency, nullString(t.PaymentAssetID),
			t.SessionID, t.OptionID, t.TxTime.UTC(), s.YearMonth, t.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert transaction: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: session %s is already settled", domain.ErrConflict, t.SessionID)
		}

		for i, b := range t.Benefits {
			_, err := tx.ExecContext(ctx, r.rebind(`
				INSERT INTO applied_benefits (
					id, transaction_id, seq, rule_id, source_type, source_ref_id, applied_value
				) VALUES (?, ?, ?, ?, ?, ?, ?)
			`), b.ID, t.ID, i, b.RuleID, string(b.SourceType), b.SourceRefID, b.AppliedValue)
			if err != nil {
				return fmt.Errorf("failed to insert applied benefit: %w", err)
			}
		}

		for _, inc := range s.Increments {
			if err := r.incrementCounter(ctx, tx, t.UserID, inc, now); err != nil {
				return err
			}
		}

		if t.CategoryID == "" {
			return nil
		}

		_, err = tx.ExecContext(ctx, r.rebind(`
			INSERT INTO monthly_category_summaries (
				user_id, year_month, category_id, amount_spent, amount_saved, tx_count, updated_at
			) VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (user_id, year_month, category_id) DO UPDATE SET
				amount_spent = monthly_category_summaries.amount_spent + excluded.amount_spent,
				amount_saved = monthly_category_summaries.amount_saved + excluded.amount_saved,
				tx_count = monthly_category_summaries.tx_count + 1,
				updated_at = excluded.updated_at
		`), t.UserID, s.YearMonth, t.CategoryID, t.PaidAmount, t.Saved(), now)
		if err != nil {
			return fmt.Errorf("failed to update monthly summary: %w", err)
		}
		return nil
	})
}

// incrementCounter creates the counter row if missing and applies a single
// conditional update. The WHERE clause carries the ceilings, so concurrent
// writers are serialized by the row lock and a losing writer matches no row.
func (r *SQLRepository) incrementCounter(ctx context.Context, tx *sql.Tx, userID string, inc domain.CounterIncrement, now time.Time) error {
	_, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO usage_counters (user_id, rule_id, period_key, amount_used, count_used, updated_at)
		VALUES (?, ?, ?, 0, 0, ?)
		ON CONFLICT (user_id, rule_id, period_key) DO NOTHING
	`), userID, inc.RuleID, inc.PeriodKey, now)
	if err != nil {
		return fmt.Errorf("failed to create usage counter: %w", err)
	}

	query := `
		UPDATE usage_counters
		SET amount_used = amount_used + ?, count_used = count_used + ?, updated_at = ?
		WHERE user_id = ? AND rule_id = ? AND period_key = ?`
	args := []any{inc.Amount, inc.Count, now, userID, inc.RuleID, inc.PeriodKey}

	if inc.AmountCeiling != nil {
		query += ` AND amount_used + ? <= ?`
		args = append(args, inc.Amount, *inc.AmountCeiling)
	}
	if inc.CountCeiling != nil {
		query += ` AND count_used + ? <= ?`
		args = append(args, inc.Count, *inc.CountCeiling)
	}

	result, err := tx.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to increment usage counter: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: rule %s period %s", domain.ErrLimitExceeded, inc.RuleID, inc.PeriodKey)
	}
	return nil
}

const transactionColumns = `
	id, user_id, merchant_id, category_id, paid_amount, currency,
	payment_asset_id, session_id, option_id, tx_time, created_at
`

// GetTransaction loads a transaction with its applied benefits.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`), txID)

	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, txID)
	}
	if err != nil {
		return nil, err
	}

	if err := r.loadBenefits(ctx, []*domain.Transaction{t}); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTransactions returns a user's transactions, newest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, userID string, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", domain.ErrInvalidArgument)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ?`
	args := []any{userID}

	if filter.YearMonth != "" {
		query += ` AND year_month = ?`
		args = append(args, filter.YearMonth)
	}
	if filter.CategoryID != "" {
		query += ` AND category_id = ?`
		args = append(args, filter.CategoryID)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += ` ORDER BY tx_time DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}

	var txs []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		txs = append(txs, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadBenefits(ctx, txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// GetMonthlySummary returns the user's aggregate for a month and category.
func (r *SQLRepository) GetMonthlySummary(ctx context.Context, userID, yearMonth, categoryID string) (*domain.MonthlyCategorySummary, error) {
	sum := domain.MonthlyCategorySummary{UserID: userID, YearMonth: yearMonth, CategoryID: categoryID}

	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT amount_spent, amount_saved, tx_count, updated_at
		FROM monthly_category_summaries
		WHERE user_id = ? AND year_month = ? AND category_id = ?
	`), userID, yearMonth, categoryID).Scan(&sum.AmountSpent, &sum.AmountSaved, &sum.TxCount, &sum.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: summary %s/%s", domain.ErrNotFound, yearMonth, categoryID)
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var merchantID, categoryID, assetID sql.NullString

	err := row.Scan(
		&t.ID, &t.UserID, &merchantID, &categoryID, &t.PaidAmount, &t.Currency,
		&assetID, &t.SessionID, &t.OptionID, &t.TxTime, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.MerchantID = merchantID.String
	t.CategoryID = categoryID.String
	t.PaymentAssetID = assetID.String
	t.Benefits = []domain.AppliedBenefit{}
	return &t, nil
}

// loadBenefits fills applied benefits for all given transactions in one query.
func (r *SQLRepository) loadBenefits(ctx context.Context, txs []*domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	byID := make(map[string]*domain.Transaction, len(txs))
	args := make([]any, 0, len(txs))
	for _, t := range txs {
		byID[t.ID] = t
		args = append(args, t.ID)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, transaction_id, rule_id, source_type, source_ref_id, applied_value
		FROM applied_benefits
		WHERE transaction_id IN (`+placeholders(len(args))+`)
		ORDER BY transaction_id, seq
	`), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var b domain.AppliedBenefit
		var sourceType string
		if err := rows.Scan(&b.ID, &b.TransactionID, &b.RuleID, &sourceType, &b.SourceRefID, &b.AppliedValue); err != nil {
			return err
		}
		b.SourceType = domain.InstrumentKind(sourceType)
		if t, ok := byID[b.TransactionID]; ok {
			t.Benefits = append(t.Benefits, b)
		}
	}
	return rows.Err()
}
