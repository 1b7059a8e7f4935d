package bus

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitFor(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var receivedMsg *domain.Message
		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicJITDecision, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicJITDecision, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, &wg)

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != domain.TopicJITDecision {
			t.Errorf("expected topic %s, got %s", domain.TopicJITDecision, receivedMsg.Topic)
		}
		if receivedMsg.ID == "" {
			t.Error("expected message ID")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var declined atomic.Int32
		var failed atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		bus.Subscribe(ctx, domain.TopicJITDeclined, func(ctx context.Context, msg *domain.Message) error {
			declined.Add(1)
			wg.Done()
			return nil
		})
		bus.Subscribe(ctx, domain.TopicJITFailed, func(ctx context.Context, msg *domain.Message) error {
			failed.Add(1)
			return nil
		})

		bus.Publish(ctx, domain.TopicJITDeclined, []byte("declined"))
		waitFor(t, &wg)
		time.Sleep(20 * time.Millisecond)

		if declined.Load() != 1 {
			t.Errorf("expected 1 declined message, got %d", declined.Load())
		}
		if failed.Load() != 0 {
			t.Errorf("expected 0 failed messages, got %d", failed.Load())
		}
	})

	t.Run("FanOut", func(t *testing.T) {
		var count atomic.Int32
		var wg sync.WaitGroup
		wg.Add(3)

		for i := 0; i < 3; i++ {
			bus.Subscribe(ctx, "fanout.topic", func(ctx context.Context, msg *domain.Message) error {
				count.Add(1)
				wg.Done()
				return nil
			})
		}

		bus.Publish(ctx, "fanout.topic", []byte("x"))
		waitFor(t, &wg)

		if count.Load() != 3 {
			t.Errorf("expected 3 deliveries, got %d", count.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		if sub.Topic() != "unsub.topic" {
			t.Errorf("expected topic unsub.topic, got %s", sub.Topic())
		}

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}

		bus.Publish(ctx, "unsub.topic", []byte("x"))
		time.Sleep(20 * time.Millisecond)

		if count.Load() != 0 {
			t.Errorf("expected no deliveries after unsubscribe, got %d", count.Load())
		}

		bus.mu.RLock()
		_, ok := bus.subscriptions["unsub.topic"]
		bus.mu.RUnlock()
		if ok {
			t.Error("expected subscription to be removed from the bus")
		}
	})

	t.Run("TraceIDMetadata", func(t *testing.T) {
		traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
		sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
		tracedCtx := trace.ContextWithSpanContext(ctx, sc)

		var got string
		var wg sync.WaitGroup
		wg.Add(1)

		bus.Subscribe(ctx, "traced.topic", func(ctx context.Context, msg *domain.Message) error {
			got = msg.Metadata[MetaTraceID]
			wg.Done()
			return nil
		})

		bus.Publish(tracedCtx, "traced.topic", []byte("x"))
		waitFor(t, &wg)

		if got != traceID.String() {
			t.Errorf("expected trace id %s, got %q", traceID, got)
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		bus.Subscribe(ctx, "echo.topic", func(ctx context.Context, msg *domain.Message) error {
			return Reply(ctx, bus, msg, append([]byte("echo:"), msg.Payload...))
		})

		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		reply, err := bus.Request(reqCtx, "echo.topic", []byte("ping"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if string(reply) != "echo:ping" {
			t.Errorf("expected 'echo:ping', got '%s'", string(reply))
		}
	})

	t.Run("RequestTimeout", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		if _, err := bus.Request(reqCtx, "nobody.listens", []byte("ping")); err == nil {
			t.Error("expected timeout error")
		}
	})

	t.Run("ReplyWithoutReplyTopic", func(t *testing.T) {
		msg := &domain.Message{Metadata: map[string]string{}}
		if err := Reply(ctx, bus, msg, []byte("x")); err != nil {
			t.Errorf("expected no-op, got %v", err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(10)
	ctx := context.Background()

	bus.Subscribe(ctx, "test", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if err := bus.Publish(ctx, "test", []byte("data")); err == nil {
		t.Error("expected error when publishing to closed bus")
	}
	if _, err := bus.Subscribe(ctx, "test", nil); err == nil {
		t.Error("expected error when subscribing to closed bus")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error on closed bus")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer b.Close()

		if _, ok := b.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})

	t.Run("NATSUnreachable", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{
			Type:              "nats",
			NATSUrl:           "nats://127.0.0.1:1",
			NATSMaxReconnects: 1,
			NATSReconnectWait: 1,
		})
		if err == nil {
			t.Error("expected connection error")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(10000)
	defer bus.Close()

	ctx := context.Background()
	const numMessages = 1000

	var received atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numMessages)

	bus.Subscribe(ctx, domain.TopicJITRequested, func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < numMessages; i++ {
		bus.Publish(ctx, domain.TopicJITRequested, []byte("msg"))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), numMessages)
	}
}

// TestNATSBus runs against a live server when KESTREL_TEST_NATS_URL is set.
func TestNATSBus(t *testing.T) {
	url := os.Getenv("KESTREL_TEST_NATS_URL")
	if url == "" {
		t.Skip("KESTREL_TEST_NATS_URL not set")
	}

	bus, err := NewNATSBus(domain.EventBusConfig{NATSUrl: url, NATSMaxReconnects: 1, NATSReconnectWait: 1})
	if err != nil {
		t.Fatalf("NewNATSBus failed: %v", err)
	}
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)
		var payload string

		sub, err := bus.Subscribe(ctx, domain.TopicJITDecision, func(ctx context.Context, msg *domain.Message) error {
			payload = string(msg.Payload)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()
		bus.conn.Flush()

		if err := bus.Publish(ctx, domain.TopicJITDecision, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		waitFor(t, &wg)

		if payload != "hello" {
			t.Errorf("expected 'hello', got %q", payload)
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "kestrel.test.echo", func(ctx context.Context, msg *domain.Message) error {
			return Reply(ctx, bus, msg, msg.Payload)
		})
		defer sub.Unsubscribe()
		bus.conn.Flush()

		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		reply, err := bus.Request(reqCtx, "kestrel.test.echo", []byte("ping"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if string(reply) != "ping" {
			t.Errorf("expected 'ping', got %q", reply)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
}
