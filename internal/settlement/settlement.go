// Package settlement turns a chosen recommendation option into an immutable
// transaction, applying its benefits against the usage counters.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/berryselect/berrypick/internal/domain"
	"github.com/berryselect/berrypick/internal/usage"
)

var tracer = otel.Tracer("berrypick-settlement")

// Store is the persistence the settlement service needs.
type Store interface {
	domain.TransactionStore
	FindMerchant(ctx context.Context, merchantID string) (*domain.Merchant, error)
	GetRule(ctx context.Context, ruleID string) (*domain.BenefitRule, error)
}

// Resolver loads a caller-owned session and one of its options, applying
// the same checks as choosing an option. *session.Service satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, sessionID, optionID, userID string) (*domain.Session, *domain.Option, error)
}

// Service settles transactions.
type Service struct {
	store    Store
	sessions Resolver
	bus      domain.EventBus
	loc      *time.Location
	currency string
	now      func() time.Time
}

// NewService creates a settlement service. Period keys and year-months are
// computed in loc; bus may be nil.
func NewService(store Store, sessions Resolver, bus domain.EventBus, loc *time.Location, currency string) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if currency == "" {
		currency = "KRW"
	}
	return &Service{
		store:    store,
		sessions: sessions,
		bus:      bus,
		loc:      loc,
		currency: currency,
		now:      time.Now,
	}
}

// SettleRequest is the purchase confirmation for a chosen option.
type SettleRequest struct {
	UserID     string
	SessionID  string
	OptionID   string
	MerchantID string
	PaidAmount int64
	CategoryID string
}

// Settle records the transaction, its applied benefits, the usage counter
// increments and the monthly summary atomically. The paid amount is taken
// as reported. A settlement that would push any counter past its ceiling
// fails with domain.ErrLimitExceeded and writes nothing.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "settlement.settle")
	defer span.End()

	tx, err := s.settle(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("transaction.id", tx.ID),
		attribute.Int("transaction.benefits", len(tx.Benefits)),
	)
	return tx, nil
}

func (s *Service) settle(ctx context.Context, req SettleRequest) (*domain.Transaction, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	if req.PaidAmount < 0 {
		return nil, fmt.Errorf("%w: paid amount must not be negative, got %d", domain.ErrInvalidArgument, req.PaidAmount)
	}

	if req.SessionID == "" || req.OptionID == "" {
		return nil, fmt.Errorf("%w: session id and option id are required", domain.ErrInvalidArgument)
	}

	sess, opt, err := s.sessions.Resolve(ctx, req.SessionID, req.OptionID, req.UserID)
	if err != nil {
		return nil, err
	}

	merchantID := req.MerchantID
	if merchantID == "" {
		merchantID = sess.MerchantID
	}
	categoryID := req.CategoryID
	if categoryID == "" && merchantID != "" {
		m, err := s.store.FindMerchant(ctx, merchantID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if m != nil {
			categoryID = m.CategoryID
		}
	}

	now := s.now()
	at := now.In(s.loc)

	tx := &domain.Transaction{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		MerchantID: merchantID,
		CategoryID: categoryID,
		PaidAmount: req.PaidAmount,
		Currency:   s.currency,
		SessionID:  sess.ID,
		OptionID:   opt.ID,
		TxTime:     now.UTC(),
		CreatedAt:  now.UTC(),
		Benefits:   []domain.AppliedBenefit{},
	}

	var incs []domain.CounterIncrement
	rulesByID := make(map[string]*domain.BenefitRule)

	for _, item := range opt.Items {
		if tx.PaymentAssetID == "" && item.ComponentType == domain.KindCard {
			tx.PaymentAssetID = item.ComponentRefID
		}
		if item.RuleID == "" {
			continue
		}

		tx.Benefits = append(tx.Benefits, domain.AppliedBenefit{
			ID:            uuid.New().String(),
			TransactionID: tx.ID,
			RuleID:        item.RuleID,
			SourceType:    item.ComponentType,
			SourceRefID:   item.ComponentRefID,
			AppliedValue:  item.AppliedValue,
		})

		rule, ok := rulesByID[item.RuleID]
		if !ok {
			rule, err = s.store.GetRule(ctx, item.RuleID)
			if errors.Is(err, domain.ErrNotFound) {
				slog.Warn("applied rule no longer exists, counters not updated",
					"rule_id", item.RuleID,
					"session_id", sess.ID,
				)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load rule %s: %w", item.RuleID, err)
			}
			rulesByID[item.RuleID] = rule
		}
		incs = append(incs, usage.Increments(rule, item.AppliedValue, at)...)
	}

	if categoryID == "" {
		slog.Info("transaction has no category, monthly summary skipped", "session_id", sess.ID)
	}

	err = s.store.SettleTransaction(ctx, &domain.Settlement{
		Transaction: tx,
		Increments:  usage.Merge(incs),
		YearMonth:   at.Format("2006-01"),
	})
	if err != nil {
		if errors.Is(err, domain.ErrLimitExceeded) {
			slog.Warn("settlement rejected by usage limit",
				"session_id", sess.ID,
				"user_id", req.UserID,
				"error", err,
			)
		}
		return nil, err
	}

	slog.Info("transaction settled",
		"transaction_id", tx.ID,
		"session_id", sess.ID,
		"user_id", tx.UserID,
		"paid_amount", tx.PaidAmount,
		"saved", tx.Saved(),
	)

	s.publish(ctx, domain.TransactionSettledEvent{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		SessionID:     tx.SessionID,
		CategoryID:    tx.CategoryID,
		PaidAmount:    tx.PaidAmount,
		Saved:         tx.Saved(),
	})

	return tx, nil
}

// Get returns one of the caller's transactions.
func (s *Service) Get(ctx context.Context, txID, userID string) (*domain.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, fmt.Errorf("%w: transaction %s belongs to another user", domain.ErrForbidden, txID)
	}
	return tx, nil
}

// List returns the caller's transactions, newest first.
func (s *Service) List(ctx context.Context, userID string, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	return s.store.ListTransactions(ctx, userID, filter)
}

// Summary returns the caller's monthly spending in a category.
func (s *Service) Summary(ctx context.Context, userID, yearMonth, categoryID string) (*domain.MonthlyCategorySummary, error) {
	return s.store.GetMonthlySummary(ctx, userID, yearMonth, categoryID)
}

func (s *Service) publish(ctx context.Context, event domain.TransactionSettledEvent) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err == nil {
		err = s.bus.Publish(ctx, domain.TopicTransactionSettled, payload)
	}
	if err != nil {
		slog.Warn("failed to publish event", "topic", domain.TopicTransactionSettled, "error", err)
	}
}
