package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/berryselect/berrypick/internal/domain"
)

const ruleColumns = `
	r.id, r.product_id, r.benefit_type, r.value_type, r.rate, r.amount,
	r.min_amount, r.max_benefit_amount, r.priority, r.active,
	r.valid_from, r.valid_to, r.is_exclusive, r.description, r.condition_expr
`

// FindActiveRulesForProduct loads active rules with scopes and limits in
// three queries, ordered by priority descending then id.
func (r *SQLRepository) FindActiveRulesForProduct(ctx context.Context, productID string) ([]*domain.BenefitRule, error) {
	if productID == "" {
		return nil, fmt.Errorf("%w: productID is required", domain.ErrInvalidArgument)
	}

	query := `SELECT ` + ruleColumns + `
		FROM benefit_rules r
		WHERE r.product_id = ? AND r.active = 1
		ORDER BY r.priority DESC, r.id ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var order []string
	specs := make(map[string]*domain.RuleSpec)
	for rows.Next() {
		spec, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		specs[spec.ID] = spec
		order = append(order, spec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, nil
	}

	scopeQuery := `
		SELECT s.rule_id, s.scope_type, s.category_id, s.brand_id, s.merchant_id,
			   s.day_of_week, s.start_minute, s.end_minute
		FROM benefit_scopes s
		JOIN benefit_rules r ON r.id = s.rule_id
		WHERE r.product_id = ? AND r.active = 1
		ORDER BY s.rule_id, s.seq
	`
	if err := r.loadScopes(ctx, r.db, scopeQuery, specs, productID); err != nil {
		return nil, err
	}

	limitQuery := `
		SELECT l.rule_id, l.period, l.amount_ceiling, l.count_ceiling
		FROM benefit_limits l
		JOIN benefit_rules r ON r.id = l.rule_id
		WHERE r.product_id = ? AND r.active = 1
		ORDER BY l.rule_id, l.seq
	`
	if err := r.loadLimits(ctx, r.db, limitQuery, specs, productID); err != nil {
		return nil, err
	}

	rules := make([]*domain.BenefitRule, 0, len(order))
	for _, id := range order {
		rules = append(rules, specs[id].Rule())
	}
	return rules, nil
}

// GetRule loads one rule regardless of its active flag.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.BenefitRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM benefit_rules r WHERE r.id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), ruleID)
	spec, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rule %s", domain.ErrNotFound, ruleID)
	}
	if err != nil {
		return nil, err
	}

	specs := map[string]*domain.RuleSpec{spec.ID: spec}

	scopeQuery := `
		SELECT s.rule_id, s.scope_type, s.category_id, s.brand_id, s.merchant_id,
			   s.day_of_week, s.start_minute, s.end_minute
		FROM benefit_scopes s
		WHERE s.rule_id = ?
		ORDER BY s.seq
	`
	if err := r.loadScopes(ctx, r.db, scopeQuery, specs, ruleID); err != nil {
		return nil, err
	}

	limitQuery := `
		SELECT l.rule_id, l.period, l.amount_ceiling, l.count_ceiling
		FROM benefit_limits l
		WHERE l.rule_id = ?
		ORDER BY l.seq
	`
	if err := r.loadLimits(ctx, r.db, limitQuery, specs, ruleID); err != nil {
		return nil, err
	}

	return spec.Rule(), nil
}

// SaveRule upserts a rule and replaces its scopes and limits.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.BenefitRule) error {
	if rule == nil || rule.ID == "" || rule.ProductID == "" {
		return fmt.Errorf("%w: rule id and product id are required", domain.ErrInvalidArgument)
	}

	spec := rule.Spec()
	now := time.Now().UTC()

	return r.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO benefit_rules (
				id, product_id, benefit_type, value_type, rate, amount,
				min_amount, max_benefit_amount, priority, active,
				valid_from, valid_to, is_exclusive, description, condition_expr,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				product_id = excluded.product_id,
				benefit_type = excluded.benefit_type,
				value_type = excluded.value_type,
				rate = excluded.rate,
				amount = excluded.amount,
				min_amount = excluded.min_amount,
				max_benefit_amount = excluded.max_benefit_amount,
				priority = excluded.priority,
				active = excluded.active,
				valid_from = excluded.valid_from,
				valid_to = excluded.valid_to,
				is_exclusive = excluded.is_exclusive,
				description = excluded.description,
				condition_expr = excluded.condition_expr,
				updated_at = excluded.updated_at
		`

		_, err := tx.ExecContext(ctx, r.rebind(query),
			spec.ID, spec.ProductID, string(spec.Kind),
			nullString(spec.ValueKind), nullString(spec.Rate), nullInt(spec.Amount),
			nullInt(spec.MinAmount), nullInt(spec.MaxBenefit),
			spec.Priority, boolInt(spec.Active),
			nullTime(spec.ValidFrom), nullTime(spec.ValidTo),
			boolInt(spec.Exclusive), spec.Description, spec.Condition,
			now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to save rule %s: %w", spec.ID, err)
		}

		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM benefit_scopes WHERE rule_id = ?`), spec.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM benefit_limits WHERE rule_id = ?`), spec.ID); err != nil {
			return err
		}

		for i, s := range spec.Scopes {
			_, err := tx.ExecContext(ctx, r.rebind(`
				INSERT INTO benefit_scopes (
					rule_id, seq, scope_type, category_id, brand_id, merchant_id,
					day_of_week, start_minute, end_minute
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`),
				spec.ID, i, s.Type,
				nullString(s.CategoryID), nullString(s.BrandID), nullString(s.MerchantID),
				nullString(s.DayOfWeek), nullMinute(s.StartMinute), nullMinute(s.EndMinute),
			)
			if err != nil {
				return fmt.Errorf("failed to save scope for rule %s: %w", spec.ID, err)
			}
		}

		for i, l := range spec.Limits {
			_, err := tx.ExecContext(ctx, r.rebind(`
				INSERT INTO benefit_limits (rule_id, seq, period, amount_ceiling, count_ceiling)
				VALUES (?, ?, ?, ?, ?)
			`),
				spec.ID, i, string(l.Period), nullInt(l.AmountCeiling), nullInt(l.CountCeiling),
			)
			if err != nil {
				return fmt.Errorf("failed to save limit for rule %s: %w", spec.ID, err)
			}
		}

		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanRule(row rowScanner) (*domain.RuleSpec, error) {
	var spec domain.RuleSpec
	var kind string
	var valueKind, rate sql.NullString
	var amount, minAmount, maxBenefit sql.NullInt64
	var active, exclusive int
	var validFrom, validTo sql.NullTime

	err := row.Scan(
		&spec.ID, &spec.ProductID, &kind, &valueKind, &rate, &amount,
		&minAmount, &maxBenefit, &spec.Priority, &active,
		&validFrom, &validTo, &exclusive, &spec.Description, &spec.Condition,
	)
	if err != nil {
		return nil, err
	}

	spec.Kind = domain.BenefitKind(kind)
	spec.ValueKind = valueKind.String
	spec.Rate = rate.String
	spec.Amount = intPtr(amount)
	spec.MinAmount = intPtr(minAmount)
	spec.MaxBenefit = intPtr(maxBenefit)
	spec.Active = active == 1
	spec.Exclusive = exclusive == 1
	if validFrom.Valid {
		t := validFrom.Time
		spec.ValidFrom = &t
	}
	if validTo.Valid {
		t := validTo.Time
		spec.ValidTo = &t
	}

	return &spec, nil
}

func (r *SQLRepository) loadScopes(ctx context.Context, q queryer, query string, specs map[string]*domain.RuleSpec, arg any) error {
	rows, err := q.QueryContext(ctx, r.rebind(query), arg)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ruleID, scopeType string
		var categoryID, brandID, merchantID, days sql.NullString
		var start, end sql.NullInt64

		if err := rows.Scan(&ruleID, &scopeType, &categoryID, &brandID, &merchantID, &days, &start, &end); err != nil {
			return err
		}

		spec, ok := specs[ruleID]
		if !ok {
			continue
		}
		spec.Scopes = append(spec.Scopes, domain.ScopeSpec{
			Type:        scopeType,
			CategoryID:  categoryID.String,
			BrandID:     brandID.String,
			MerchantID:  merchantID.String,
			DayOfWeek:   days.String,
			StartMinute: minutePtr(start),
			EndMinute:   minutePtr(end),
		})
	}
	return rows.Err()
}

func (r *SQLRepository) loadLimits(ctx context.Context, q queryer, query string, specs map[string]*domain.RuleSpec, arg any) error {
	rows, err := q.QueryContext(ctx, r.rebind(query), arg)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ruleID, period string
		var amountCeiling, countCeiling sql.NullInt64

		if err := rows.Scan(&ruleID, &period, &amountCeiling, &countCeiling); err != nil {
			return err
		}

		spec, ok := specs[ruleID]
		if !ok {
			continue
		}
		spec.Limits = append(spec.Limits, domain.Limit{
			Period:        domain.LimitPeriod(period),
			AmountCeiling: intPtr(amountCeiling),
			CountCeiling:  intPtr(countCeiling),
		})
	}
	return rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullMinute(m *int) sql.NullInt64 {
	if m == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*m), Valid: true}
}

func minutePtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	m := int(v.Int64)
	return &m
}
