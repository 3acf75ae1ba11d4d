package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics published by the recommendation and settlement flow.
const (
	TopicRulesChanged       = "berrypick.rules.changed"
	TopicSessionCreated     = "berrypick.session.created"
	TopicOptionChosen       = "berrypick.session.option_chosen"
	TopicTransactionSettled = "berrypick.transaction.settled"
)

// RulesChangedEvent is published when a product's rules are modified.
type RulesChangedEvent struct {
	ProductID string `json:"productId"`
	RuleID    string `json:"ruleId"`
}

// SessionEvent is published when a session is created or an option chosen.
type SessionEvent struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	OptionID  string `json:"optionId,omitempty"`
	Options   int    `json:"options,omitempty"`
}

// TransactionSettledEvent is published after a settlement commits.
type TransactionSettledEvent struct {
	TransactionID string `json:"transactionId"`
	UserID        string `json:"userId"`
	SessionID     string `json:"sessionId"`
	CategoryID    string `json:"categoryId,omitempty"`
	PaidAmount    int64  `json:"paidAmount"`
	Saved         int64  `json:"saved"`
}
