package channel

import (
	"context"
	"testing"
	"time"

	"dhanflow/internal/wire"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels("market", 1)
	if c.Events == nil {
		t.Fatal("expected non-nil events channel")
	}
	if c.Name != "market" {
		t.Fatalf("unexpected channel name: %s", c.Name)
	}
	if cap(c.Events) != 1 {
		t.Fatalf("unexpected buffer capacity: %d", cap(c.Events))
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
}

func TestSendEventDropsWhenFull(t *testing.T) {
	c := NewChannels("market", 1)
	ctx := context.Background()

	ev := wire.Event{Kind: wire.KindTicker, ExchangeSegment: "NSE_EQ", SecurityID: 11536}
	if !c.SendEvent(ctx, ev) {
		t.Fatal("first send should succeed")
	}
	if c.SendEvent(ctx, ev) {
		t.Fatal("second send should drop on a full buffer")
	}

	stats := c.GetStats()
	if stats.EventsSent != 1 || stats.EventsDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got := <-c.Events
	if got.SecurityID != 11536 {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestSendEventCancelledContext(t *testing.T) {
	c := NewChannels("orders", 1)
	// Fill the buffer so the send blocks on the buffer rather than succeeding.
	c.Events <- wire.Event{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.SendEvent(ctx, wire.Event{}) {
		t.Fatal("send should fail with cancelled context and full buffer")
	}
}
