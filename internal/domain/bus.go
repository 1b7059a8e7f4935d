package domain

import (
	"context"
)

// EventBus carries JIT requests and decision events between components.
// The community tier runs it on Go channels, the pro tier on NATS.
type EventBus interface {
	// Publish delivers payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe runs handler for each message on topic until the returned
	// subscription is cancelled.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes payload and blocks for the first reply.
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes one message. A returned error is logged by the
// bus; the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every payload travels in.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus implementation.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string

	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics of the JIT funding pipeline.
const (
	// TopicJITRequested carries JITFundingInput payloads for the async worker.
	TopicJITRequested = "kestrel.jit.requested"
	// TopicJITDecision carries every DecisionLog.
	TopicJITDecision = "kestrel.jit.decision"
	// TopicJITDeclined carries declined DecisionLogs only.
	TopicJITDeclined = "kestrel.jit.declined"
	// TopicJITFailed carries requests the worker could not decide.
	TopicJITFailed = "kestrel.jit.failed"
)
