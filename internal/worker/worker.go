// Package worker decides JIT funding requests that arrive on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Decider produces a decision for one funding request.
type Decider interface {
	Decide(ctx context.Context, in *domain.JITFundingInput) (*domain.DecisionLog, error)
}

// Worker consumes kestrel.jit.requested and runs each request through the
// decision provider.
type Worker struct {
	bus     domain.EventBus
	decider Decider
	metrics *metrics.Metrics
	version string

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// FailedEvent is published on kestrel.jit.failed when a request cannot be
// decided.
type FailedEvent struct {
	MessageID string                  `json:"messageId"`
	TraceID   string                  `json:"traceId,omitempty"`
	Input     *domain.JITFundingInput `json:"input,omitempty"`
	Error     string                  `json:"error"`
	FailedAt  time.Time               `json:"failedAt"`
}

// Result is the reply sent to callers that used the bus request/reply path.
type Result struct {
	Response *domain.JITFundingResponse `json:"response,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

// NewWorker creates a new async worker. m may be nil.
func NewWorker(b domain.EventBus, decider Decider, m *metrics.Metrics, version string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     b,
		decider: decider,
		metrics: m,
		version: version,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the request topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicJITRequested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicJITRequested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("jit worker started", "topic", domain.TopicJITRequested)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var in domain.JITFundingInput
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		w.fail(ctx, msg, nil, fmt.Errorf("decode request: %w", err))
		return err
	}
	if in.TraceID == "" {
		in.TraceID = msg.Metadata[bus.MetaTraceID]
	}

	log, err := w.decider.Decide(ctx, &in)
	if err != nil {
		w.fail(ctx, msg, &in, err)
		return err
	}

	resp := log.ToResponse()
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = w.version
	w.reply(ctx, msg, Result{Response: resp})

	slog.Debug("jit request processed",
		"message_id", msg.ID,
		"decision_id", log.ID,
		"approved", log.Approved,
		"duration_ms", resp.Metadata.TotalMs,
	)
	return nil
}

func (w *Worker) fail(ctx context.Context, msg *domain.Message, in *domain.JITFundingInput, cause error) {
	if w.metrics != nil {
		w.metrics.ObserveAsyncFailure()
	}

	event := FailedEvent{
		MessageID: msg.ID,
		TraceID:   msg.Metadata[bus.MetaTraceID],
		Input:     in,
		Error:     cause.Error(),
		FailedAt:  time.Now().UTC(),
	}
	if in != nil && in.TraceID != "" {
		event.TraceID = in.TraceID
	}

	payload, err := json.Marshal(event)
	if err == nil {
		err = w.bus.Publish(ctx, domain.TopicJITFailed, payload)
	}
	if err != nil {
		slog.Error("failed to publish failure event", "message_id", msg.ID, "error", err)
	}

	w.reply(ctx, msg, Result{Error: cause.Error()})
}

func (w *Worker) reply(ctx context.Context, msg *domain.Message, r Result) {
	payload, err := json.Marshal(r)
	if err != nil {
		slog.Error("failed to encode reply", "message_id", msg.ID, "error", err)
		return
	}
	if err := bus.Reply(ctx, w.bus, msg, payload); err != nil {
		slog.Error("failed to send reply", "message_id", msg.ID, "error", err)
	}
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("jit worker stopped")
	return nil
}

// Stats describes the worker's active subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
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
	}
}
