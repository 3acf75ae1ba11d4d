package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/berryselect/berrypick/internal/domain"
)

// SaveSession writes the session, its options and their items in one
// transaction.
func (r *SQLRepository) SaveSession(ctx context.Context, s *domain.Session) error {
	if s == nil || s.ID == "" || s.UserID == "" {
		return fmt.Errorf("%w: session id and user id are required", domain.ErrInvalidArgument)
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.rebind(`
			INSERT INTO recommendation_sessions (
				id, user_id, amount, use_gifticon, merchant_id, chosen_option_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`),
			s.ID, s.UserID, s.Amount, boolInt(s.UseVoucher),
			nullString(s.MerchantID), nullString(s.ChosenOptionID), s.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}

		for _, opt := range s.Options {
			if len(opt.Items) == 0 {
				return fmt.Errorf("%w: option %s has no items", domain.ErrInvalidArgument, opt.ID)
			}

			_, err := tx.ExecContext(ctx, r.rebind(`
				INSERT INTO recommendation_options (id, session_id, rank_order, expected_pay, expected_save)
				VALUES (?, ?, ?, ?, ?)
			`), opt.ID, s.ID, opt.Rank, opt.ExpectedPay, opt.ExpectedSave)
			if err != nil {
				return fmt.Errorf("failed to save option: %w", err)
			}

			for _, item := range opt.Items {
				_, err := tx.ExecContext(ctx, r.rebind(`
					INSERT INTO recommendation_option_items (
						id, option_id, component_type, component_ref_id, rule_id,
						title, subtitle, applied_value, sort_order
					) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				`),
					item.ID, opt.ID, string(item.ComponentType), item.ComponentRefID,
					nullString(item.RuleID), item.Title, item.Subtitle,
					item.AppliedValue, item.SortOrder,
				)
				if err != nil {
					return fmt.Errorf("failed to save option item: %w", err)
				}
			}
		}

		return nil
	})
}

// GetSession loads a session with its options and items.
func (r *SQLRepository) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var s domain.Session
	var useVoucher int
	var merchantID, chosen sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT id, user_id, amount, use_gifticon, merchant_id, chosen_option_id, created_at
		FROM recommendation_sessions
		WHERE id = ?
	`), sessionID).Scan(&s.ID, &s.UserID, &s.Amount, &useVoucher, &merchantID, &chosen, &s.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}

	s.UseVoucher = useVoucher == 1
	s.MerchantID = merchantID.String
	s.ChosenOptionID = chosen.String
	s.Options = []domain.Option{}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, rank_order, expected_pay, expected_save
		FROM recommendation_options
		WHERE session_id = ?
		ORDER BY rank_order ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	for rows.Next() {
		opt := domain.Option{SessionID: sessionID}
		if err := rows.Scan(&opt.ID, &opt.Rank, &opt.ExpectedPay, &opt.ExpectedSave); err != nil {
			rows.Close()
			return nil, err
		}
		index[opt.ID] = len(s.Options)
		s.Options = append(s.Options, opt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT i.id, i.option_id, i.component_type, i.component_ref_id, i.rule_id,
			   i.title, i.subtitle, i.applied_value, i.sort_order
		FROM recommendation_option_items i
		JOIN recommendation_options o ON o.id = i.option_id
		WHERE o.session_id = ?
		ORDER BY o.rank_order ASC, i.sort_order ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	defer items.Close()

	for items.Next() {
		var item domain.OptionItem
		var componentType string
		var ruleID sql.NullString

		if err := items.Scan(
			&item.ID, &item.OptionID, &componentType, &item.ComponentRefID, &ruleID,
			&item.Title, &item.Subtitle, &item.AppliedValue, &item.SortOrder,
		); err != nil {
			return nil, err
		}

		item.ComponentType = domain.InstrumentKind(componentType)
		item.RuleID = ruleID.String

		if i, ok := index[item.OptionID]; ok {
			s.Options[i].Items = append(s.Options[i].Items, item)
		}
	}

	return &s, items.Err()
}

// FindOptionSession returns the session an option belongs to.
func (r *SQLRepository) FindOptionSession(ctx context.Context, optionID string) (string, error) {
	var sessionID string
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT session_id FROM recommendation_options WHERE id = ?
	`), optionID).Scan(&sessionID)

	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: option %s", domain.ErrNotFound, optionID)
	}
	return sessionID, err
}

// ChooseOption sets the chosen option once. Choosing the same option again
// is a no-op; choosing a different one fails with ErrConflict.
func (r *SQLRepository) ChooseOption(ctx context.Context, sessionID, optionID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE recommendation_sessions
		SET chosen_option_id = ?
		WHERE id = ? AND (chosen_option_id IS NULL OR chosen_option_id = ?)
	`), optionID, sessionID, optionID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: session %s already has a chosen option", domain.ErrConflict, sessionID)
	}
	return nil
}
