// Package session materializes ranked recommendations into persisted
// sessions and records the option a user chooses.
package session

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

	"github.com/berryselect/berrypick/internal/domain"
	"github.com/berryselect/berrypick/internal/ranking"
)

var tracer = otel.Tracer("berrypick-session")

// Store is the persistence the session service needs.
type Store interface {
	domain.SessionStore
	FindInstrumentsForUser(ctx context.Context, userID string) ([]domain.Instrument, error)
	FindMerchant(ctx context.Context, merchantID string) (*domain.Merchant, error)
}

// Ranker orders instrument combinations for a purchase.
type Ranker interface {
	Rank(ctx context.Context, in ranking.RankInput) ([]ranking.Ranked, error)
}

// Service creates, reads and commits recommendation sessions.
type Service struct {
	store  Store
	ranker Ranker
	bus    domain.EventBus
	loc    *time.Location
	now    func() time.Time
}

// NewService creates a session service. Purchase times are evaluated in
// loc; bus may be nil.
func NewService(store Store, ranker Ranker, bus domain.EventBus, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:  store,
		ranker: ranker,
		bus:    bus,
		loc:    loc,
		now:    time.Now,
	}
}

// CreateRequest describes the purchase a recommendation is made for.
type CreateRequest struct {
	UserID     string
	Amount     int64
	UseVoucher bool
	MerchantID string
}

// Create ranks the user's instruments for the purchase and persists the
// session with all of its options and items.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "session.create")
	defer span.End()

	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", domain.ErrInvalidArgument, req.Amount)
	}

	var merchant *domain.Merchant
	if req.MerchantID != "" {
		m, err := s.store.FindMerchant(ctx, req.MerchantID)
		if err != nil {
			return nil, err
		}
		merchant = m
	}

	now := s.now().In(s.loc)

	instruments, err := s.store.FindInstrumentsForUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load instruments: %w", err)
	}

	ranked, err := s.ranker.Rank(ctx, ranking.RankInput{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Context:     domain.ContextFor(merchant, now),
		Instruments: instruments,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rank options: %w", err)
	}

	sess := &domain.Session{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Amount:     req.Amount,
		UseVoucher: req.UseVoucher,
		MerchantID: req.MerchantID,
		CreatedAt:  now.UTC(),
		Options:    make([]domain.Option, 0, len(ranked)),
	}

	for _, r := range ranked {
		opt := domain.Option{
			ID:           uuid.New().String(),
			SessionID:    sess.ID,
			Rank:         r.Rank,
			ExpectedPay:  r.ExpectedPay,
			ExpectedSave: r.ExpectedSave,
			Items:        make([]domain.OptionItem, 0, len(r.Picks)),
		}
		for i, pick := range r.Picks {
			opt.Items = append(opt.Items, itemFor(opt.ID, i+1, pick))
		}
		sess.Options = append(sess.Options, opt)
	}

	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	span.SetAttributes(
		attribute.String("session.id", sess.ID),
		attribute.Int("session.options", len(sess.Options)),
	)

	slog.Info("recommendation session created",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"amount", sess.Amount,
		"options", len(sess.Options),
	)

	s.publish(ctx, domain.TopicSessionCreated, domain.SessionEvent{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Options:   len(sess.Options),
	})

	return sess, nil
}

func itemFor(optionID string, order int, pick ranking.Pick) domain.OptionItem {
	item := domain.OptionItem{
		ID:             uuid.New().String(),
		OptionID:       optionID,
		ComponentType:  pick.Instrument.Kind,
		ComponentRefID: pick.Instrument.ID,
		Title:          pick.Instrument.Title(),
		Subtitle:       "no applicable benefit",
		SortOrder:      order,
	}
	if pick.Saving != nil {
		item.RuleID = pick.Saving.Rule.ID
		item.AppliedValue = pick.Saving.Applied
		item.Subtitle = fmt.Sprintf("%s (saves %d)", pick.Saving.Description, pick.Saving.Applied)
	}
	return item
}

// Detail returns a session owned by the caller.
func (s *Service) Detail(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	return s.owned(ctx, sessionID, userID)
}

// Choose records the caller's chosen option. Choosing the already chosen
// option again succeeds without changes.
func (s *Service) Choose(ctx context.Context, sessionID, optionID, userID string) (*domain.Session, error) {
	sess, _, err := s.Resolve(ctx, sessionID, optionID, userID)
	if err != nil {
		return nil, err
	}

	if err := s.store.ChooseOption(ctx, sess.ID, optionID); err != nil {
		return nil, err
	}
	sess.ChosenOptionID = optionID

	slog.Info("recommendation option chosen",
		"session_id", sess.ID,
		"option_id", optionID,
		"user_id", userID,
	)

	s.publish(ctx, domain.TopicOptionChosen, domain.SessionEvent{
		SessionID: sess.ID,
		UserID:    userID,
		OptionID:  optionID,
	})

	return sess, nil
}

// Resolve loads a caller-owned session and one of its options. Ownership
// is checked before the option so other users learn nothing about it.
func (s *Service) Resolve(ctx context.Context, sessionID, optionID, userID string) (*domain.Session, *domain.Option, error) {
	sess, err := s.owned(ctx, sessionID, userID)
	if err != nil {
		return nil, nil, err
	}

	if opt, ok := sess.Option(optionID); ok {
		return sess, opt, nil
	}

	// Unknown option ids are not found; options of another session are a
	// caller mistake.
	if _, err := s.store.FindOptionSession(ctx, optionID); err != nil {
		return nil, nil, err
	}
	return nil, nil, fmt.Errorf("%w: option %s does not belong to session %s", domain.ErrInvalidArgument, optionID, sessionID)
}

func (s *Service) owned(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrInvalidArgument)
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("%w: session %s belongs to another user", domain.ErrForbidden, sessionID)
	}
	return sess, nil
}

// publish emits an event without failing the caller.
func (s *Service) publish(ctx context.Context, topic string, event any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err == nil {
		err = s.bus.Publish(ctx, topic, payload)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
