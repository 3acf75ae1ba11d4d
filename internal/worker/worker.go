// Package worker consumes domain events from the EventBus in the background.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/berryselect/berrypick/internal/domain"
)

// RuleInvalidator drops cached rules for a product.
type RuleInvalidator interface {
	Invalidate(ctx context.Context, productID string) error
}

// Worker keeps the rule cache coherent with rule edits and records settled
// transactions in the audit log.
type Worker struct {
	bus         domain.EventBus
	invalidator RuleInvalidator

	mu            sync.Mutex
	subscriptions []domain.Subscription

	invalidations atomic.Int64
	settlements   atomic.Int64
	failures      atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorker creates a new background worker. A nil invalidator disables
// rule cache invalidation.
func NewWorker(bus domain.EventBus, invalidator RuleInvalidator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:         bus,
		invalidator: invalidator,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to the rule and settlement topics.
func (w *Worker) Start() error {
	handlers := map[string]domain.MessageHandler{
		domain.TopicTransactionSettled: w.handleSettled,
	}
	if w.invalidator != nil {
		handlers[domain.TopicRulesChanged] = w.handleRulesChanged
	}

	for topic, handler := range handlers {
		sub, err := w.bus.Subscribe(w.ctx, topic, handler)
		if err != nil {
			w.Stop()
			return err
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()

		slog.Info("worker subscribed", "topic", topic)
	}

	return nil
}

func (w *Worker) handleRulesChanged(ctx context.Context, msg *domain.Message) error {
	var event domain.RulesChangedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		w.failures.Add(1)
		slog.Error("failed to parse rules changed event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if err := w.invalidator.Invalidate(ctx, event.ProductID); err != nil {
		w.failures.Add(1)
		slog.Error("failed to invalidate rule cache",
			"product_id", event.ProductID,
			"error", err,
		)
		return err
	}

	w.invalidations.Add(1)
	slog.Debug("rule cache invalidated",
		"product_id", event.ProductID,
		"rule_id", event.RuleID,
	)
	return nil
}

func (w *Worker) handleSettled(ctx context.Context, msg *domain.Message) error {
	var event domain.TransactionSettledEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		w.failures.Add(1)
		slog.Error("failed to parse transaction settled event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	w.settlements.Add(1)
	slog.Info("transaction settled",
		"tx_id", event.TransactionID,
		"user_id", event.UserID,
		"session_id", event.SessionID,
		"category_id", event.CategoryID,
		"paid_amount", event.PaidAmount,
		"saved", event.Saved,
	)
	return nil
}

// Stop unsubscribes from all topics.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("worker stopped")
	return nil
}

// Stats reports worker activity.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Invalidations     int64    `json:"invalidations"`
	Settlements       int64    `json:"settlements"`
	Failures          int64    `json:"failures"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Invalidations:     w.invalidations.Load(),
		Settlements:       w.settlements.Load(),
		Failures:          w.failures.Load(),
	}
}
