package recorder

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dhanflow/config"
	"dhanflow/internal/channel"
	"dhanflow/internal/wire"
)

var parquetMagic = []byte("PAR1")

type sinkCall struct {
	key  string
	data []byte
}

type sinkCapture struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (c *sinkCapture) record(ctx context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, sinkCall{key: key, data: data})
	return nil
}

func (c *sinkCapture) snapshot() []sinkCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sinkCall(nil), c.calls...)
}

func testRecorderConfig() config.RecorderConfig {
	return config.RecorderConfig{
		Enabled:              true,
		MaxWorkers:           1,
		BatchSize:            2,
		FlushIntervalSeconds: 3600,
		Compression:          "snappy",
	}
}

func newTestRecorder(t *testing.T, cfg config.RecorderConfig) (*Recorder, *channel.Channels, *sinkCapture) {
	t.Helper()
	events := channel.NewChannels("market", 32)
	r, err := New(cfg, config.S3Config{}, events)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	capture := &sinkCapture{}
	r.sink = capture.record
	r.now = func() time.Time { return time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC) }
	return r, events, capture
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func quoteEvent(securityID int32, price float32) wire.Event {
	return wire.Event{
		Kind:            wire.KindQuote,
		ExchangeSegment: wire.SegmentNSEEquity,
		SecurityID:      securityID,
		Quote:           &wire.Quote{LastPrice: price, LastQty: 5, AvgPrice: price, Volume: 100},
	}
}

func TestRecorderFlushesAtBatchSize(t *testing.T) {
	r, events, capture := newTestRecorder(t, testRecorderConfig())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(r.Stop)

	events.SendEvent(context.Background(), quoteEvent(11536, 101.5))
	events.SendEvent(context.Background(), quoteEvent(11536, 101.6))

	waitFor(t, 2*time.Second, func() bool { return len(capture.snapshot()) == 1 }, "batch never flushed")

	call := capture.snapshot()[0]
	if !strings.Contains(call.key, "feeds/segment=NSE_EQ/security=11536/") {
		t.Errorf("unexpected key %q", call.key)
	}
	if !bytes.HasPrefix(call.data, parquetMagic) || !bytes.HasSuffix(call.data, parquetMagic) {
		t.Error("batch data is not a parquet file")
	}

	stats := r.Stats()
	if stats.BatchesWritten != 1 || stats.FilesWritten != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.BytesWritten != int64(len(call.data)) {
		t.Errorf("BytesWritten = %d, want %d", stats.BytesWritten, len(call.data))
	}
}

func TestRecorderFlushesOnShutdown(t *testing.T) {
	cfg := testRecorderConfig()
	cfg.BatchSize = 100
	r, events, capture := newTestRecorder(t, cfg)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events.SendEvent(context.Background(), quoteEvent(1333, 15.25))
	waitFor(t, 2*time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.buffer) == 1
	}, "event never buffered")

	r.Stop()

	calls := capture.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 shutdown flush, got %d", len(calls))
	}
	if !strings.Contains(calls[0].key, "security=1333") {
		t.Errorf("unexpected key %q", calls[0].key)
	}
}

func TestRecorderSkipsNonMarketEvents(t *testing.T) {
	cfg := testRecorderConfig()
	cfg.BatchSize = 100
	r, events, capture := newTestRecorder(t, cfg)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events.SendEvent(context.Background(), wire.Event{
		Kind:       wire.KindOrder,
		SecurityID: 11536,
		Order:      &wire.OrderAlert{OrderNo: "1", Status: "PENDING"},
	})
	events.SendEvent(context.Background(), wire.Event{
		Kind:       wire.KindDisconnect,
		Disconnect: &wire.Disconnect{Reason: wire.DisconnectConnLimit},
	})
	events.SendEvent(context.Background(), quoteEvent(11536, 101.5))

	waitFor(t, 2*time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.buffer) == 1 && len(r.buffer["NSE_EQ|11536"]) == 1
	}, "only the quote should be buffered")

	r.Stop()
	if calls := capture.snapshot(); len(calls) != 1 {
		t.Fatalf("expected 1 flush, got %d", len(calls))
	}
}

func TestRecorderWritesLocalFiles(t *testing.T) {
	cfg := testRecorderConfig()
	cfg.BatchSize = 1
	cfg.DataDir = t.TempDir()

	events := channel.NewChannels("market", 8)
	r, err := New(cfg, config.S3Config{}, events)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(r.Stop)

	events.SendEvent(context.Background(), quoteEvent(11536, 101.5))

	pattern := filepath.Join(cfg.DataDir, "feeds", "segment=NSE_EQ", "security=11536", "*", "*", "*.parquet")
	var files []string
	waitFor(t, 2*time.Second, func() bool {
		files, _ = filepath.Glob(pattern)
		return len(files) == 1
	}, "local batch file never written")
}

func TestRecorderStartGuard(t *testing.T) {
	r, _, _ := newTestRecorder(t, testRecorderConfig())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Error("second Start must fail while running")
	}
	r.Stop()
	r.Stop()
}

func TestBatchKeyLayout(t *testing.T) {
	r, _, _ := newTestRecorder(t, testRecorderConfig())
	ts := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)

	key := r.batchKey("NSE_EQ", 11536, ts, "0123456789abcdef")
	want := "feeds/segment=NSE_EQ/security=11536/date=2026-08-25/hour=09/NSE_EQ_11536_20260825093000_01234567.parquet"
	if key != want {
		t.Errorf("batchKey = %q, want %q", key, want)
	}

	r.store.Prefix = "dhan"
	if key := r.batchKey("NSE_EQ", 11536, ts, "0123456789abcdef"); !strings.HasPrefix(key, "dhan/feeds/") {
		t.Errorf("prefixed key = %q", key)
	}
}

func TestRowFromEvent(t *testing.T) {
	at := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		ev    wire.Event
		ok    bool
		check func(t *testing.T, row Row)
	}{
		{
			name: "ticker",
			ev: wire.Event{
				Kind: wire.KindTicker, ExchangeSegment: "NSE_EQ", SecurityID: 11536,
				Ticker: &wire.Ticker{LastPrice: 101.5},
			},
			ok: true,
			check: func(t *testing.T, row Row) {
				if row.LastPrice != 101.5 || row.Kind != "ticker" {
					t.Errorf("unexpected row: %+v", row)
				}
			},
		},
		{
			name: "full carries oi and best levels",
			ev: wire.Event{
				Kind: wire.KindFull, ExchangeSegment: "NSE_FNO", SecurityID: 45825,
				Full: &wire.Full{
					Quote:        wire.Quote{LastPrice: 210.5, Volume: 5000},
					OpenInterest: 123456,
					Depth: [5]wire.DepthLevel{
						{BidPrice: 210.25, BidQty: 75, AskPrice: 210.75, AskQty: 150},
					},
				},
			},
			ok: true,
			check: func(t *testing.T, row Row) {
				if row.OpenInterest != 123456 || row.BestBidPrice != 210.25 || row.BestAskQty != 150 {
					t.Errorf("unexpected row: %+v", row)
				}
				if row.Volume != 5000 {
					t.Errorf("Volume = %d", row.Volume)
				}
			},
		},
		{
			name: "oi",
			ev: wire.Event{
				Kind: wire.KindOI, ExchangeSegment: "NSE_FNO", SecurityID: 45825,
				OI: &wire.OpenInterest{OI: 9000},
			},
			ok: true,
			check: func(t *testing.T, row Row) {
				if row.OpenInterest != 9000 {
					t.Errorf("OpenInterest = %d", row.OpenInterest)
				}
			},
		},
		{
			name: "prev close",
			ev: wire.Event{
				Kind: wire.KindPrevClose, ExchangeSegment: "NSE_EQ", SecurityID: 11536,
				PrevClose: &wire.PrevClose{PrevPrice: 100.0, PrevOI: 10},
			},
			ok: true,
			check: func(t *testing.T, row Row) {
				if row.LastPrice != 100.0 || row.OpenInterest != 10 {
					t.Errorf("unexpected row: %+v", row)
				}
			},
		},
		{
			name: "depth book best levels",
			ev: wire.Event{
				Kind: wire.KindDepth, ExchangeSegment: "NSE_EQ", SecurityID: 11536,
				Depth: &wire.DepthBook{
					Bids: []wire.BookLevel{{Price: 101.4, Quantity: 50}},
					Asks: []wire.BookLevel{{Price: 101.6, Quantity: 80}},
				},
			},
			ok: true,
			check: func(t *testing.T, row Row) {
				if row.BestBidPrice != 101.4 || row.BestAskPrice != 101.6 || row.BestAskQty != 80 {
					t.Errorf("unexpected row: %+v", row)
				}
			},
		},
		{
			name: "order alert skipped",
			ev:   wire.Event{Kind: wire.KindOrder, Order: &wire.OrderAlert{OrderNo: "1"}},
			ok:   false,
		},
		{
			name: "disconnect skipped",
			ev:   wire.Event{Kind: wire.KindDisconnect, Disconnect: &wire.Disconnect{Reason: 805}},
			ok:   false,
		},
		{
			name: "unrecognized skipped",
			ev:   wire.Event{Kind: wire.KindUnrecognized, Raw: []byte{1, 2}},
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, ok := rowFrom("market", tt.ev, at)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if row.Channel != "market" || row.Segment != tt.ev.ExchangeSegment || row.SecurityID != tt.ev.SecurityID {
				t.Errorf("identity fields wrong: %+v", row)
			}
			if row.ReceivedAt != at.UnixMilli() {
				t.Errorf("ReceivedAt = %d", row.ReceivedAt)
			}
			tt.check(t, row)
		})
	}
}

func TestEncodeBatchProducesParquet(t *testing.T) {
	rows := []Row{
		{Channel: "market", Segment: "NSE_EQ", SecurityID: 11536, Kind: "quote", LastPrice: 101.5},
		{Channel: "market", Segment: "NSE_EQ", SecurityID: 11536, Kind: "quote", LastPrice: 101.6},
		{Channel: "market", Segment: "NSE_EQ", SecurityID: 11536, Kind: "ticker", LastPrice: 101.7},
	}
	data, err := encodeBatch(rows, "snappy")
	if err != nil {
		t.Fatalf("encodeBatch failed: %v", err)
	}
	if !bytes.HasPrefix(data, parquetMagic) || !bytes.HasSuffix(data, parquetMagic) {
		t.Error("output is not a parquet file")
	}

	uncompressed, err := encodeBatch(rows, "")
	if err != nil {
		t.Fatalf("encodeBatch without compression failed: %v", err)
	}
	if !bytes.HasPrefix(uncompressed, parquetMagic) {
		t.Error("uncompressed output is not a parquet file")
	}
}
