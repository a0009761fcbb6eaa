package instruments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dhanflow/config"
	"dhanflow/internal/wire"
)

const masterCSV = `SEM_EXM_EXCH_ID,SEM_SEGMENT,SEM_SMST_SECURITY_ID,SEM_INSTRUMENT_NAME,SEM_EXPIRY_CODE,SEM_TRADING_SYMBOL,SEM_LOT_UNITS,SEM_CUSTOM_SYMBOL,SEM_EXPIRY_DATE,SEM_STRIKE_PRICE,SEM_OPTION_TYPE,SEM_TICK_SIZE,SEM_EXPIRY_FLAG,SEM_EXCH_INSTRUMENT_TYPE,SEM_SERIES,SM_SYMBOL_NAME
NSE,E,11536,EQUITY,0,TCS,1,Tata Consultancy Services,,-1,XX,0.05,,ES,EQ,TCS
NSE,E,1333,EQUITY,0,HDFCBANK,1,HDFC Bank,,-1,XX,0.05,,ES,EQ,HDFCBANK
BSE,E,500180,EQUITY,0,HDFCBANK,1,HDFC Bank Ltd,,-1,XX,0.05,,ES,A,HDFCBANK
NSE,I,13,INDEX,0,NIFTY,1,Nifty 50,,-1,XX,0.05,,INDEX,,NIFTY
NSE,D,45825,OPTIDX,1,NIFTY-Aug2026-24000-CE,75,NIFTY 28 AUG 24000 CALL,2026-08-28,24000,CE,0.05,M,OP,,NIFTY
NSE,D,45826,OPTIDX,1,NIFTY-Aug2026-24000-PE,75,NIFTY 28 AUG 24000 PUT,2026-08-28,24000,PE,0.05,M,OP,,NIFTY
MCX,M,428261,FUTCOM,1,CRUDEOIL-18SEP2026-FUT,100,CRUDEOIL SEP FUT,2026-09-18,-1,XX,1,M,FUTCOM,,CRUDEOIL
ZZZ,X,999,JUNK,0,JUNKSYM,1,Junk,,-1,XX,0.05,,XX,,JUNK
`

func testDirectoryConfig(url, cacheDir string) config.InstrumentsConfig {
	return config.InstrumentsConfig{
		MasterURL:       url,
		CacheDir:        cacheDir,
		CacheTTLMinutes: 60,
		RateLimit:       config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 2},
	}
}

func masterServer(t *testing.T, requests *atomic.Int32, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if fail != nil && fail.Load() {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(masterCSV))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDirectorySegmentParsesMaster(t *testing.T) {
	var requests atomic.Int32
	srv := masterServer(t, &requests, nil)

	d := NewDirectory(testDirectoryConfig(srv.URL, t.TempDir()))
	ctx := context.Background()

	equities, err := d.Segment(ctx, wire.SegmentNSEEquity)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(equities) != 2 {
		t.Fatalf("expected 2 NSE equities, got %d", len(equities))
	}
	tcs := equities[0]
	if tcs.SecurityID != "11536" || tcs.TradingSymbol != "TCS" {
		t.Errorf("unexpected first equity: %+v", tcs)
	}
	if tcs.Series != "EQ" || tcs.LotSize != 1 || tcs.TickSize != 0.05 {
		t.Errorf("unexpected equity attributes: %+v", tcs)
	}
	if tcs.CustomSymbol != "Tata Consultancy Services" || tcs.SymbolName != "TCS" {
		t.Errorf("unexpected equity labels: %+v", tcs)
	}

	options, err := d.Segment(ctx, wire.SegmentNSEFNO)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(options) != 2 {
		t.Fatalf("expected 2 NSE derivatives, got %d", len(options))
	}
	if options[0].StrikePrice != 24000 || options[0].OptionType != "CE" || options[0].LotSize != 75 {
		t.Errorf("unexpected option attributes: %+v", options[0])
	}

	indices, err := d.Segment(ctx, wire.SegmentIndex)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(indices) != 1 || indices[0].SecurityID != "13" {
		t.Errorf("unexpected index rows: %+v", indices)
	}

	if got := requests.Load(); got != 1 {
		t.Errorf("expected a single master download, got %d", got)
	}
}

func TestDirectorySkipsUnknownSegments(t *testing.T) {
	var requests atomic.Int32
	srv := masterServer(t, &requests, nil)

	d := NewDirectory(testDirectoryConfig(srv.URL, ""))
	segs, err := d.Segment(context.Background(), "ZZZ")
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("unmapped exchange rows should be dropped, got %+v", segs)
	}
}

func TestDirectoryDiskCacheSharedAcrossInstances(t *testing.T) {
	var requests atomic.Int32
	srv := masterServer(t, &requests, nil)
	cacheDir := t.TempDir()

	first := NewDirectory(testDirectoryConfig(srv.URL, cacheDir))
	if _, err := first.Segment(context.Background(), wire.SegmentNSEEquity); err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected 1 download, got %d", got)
	}

	second := NewDirectory(testDirectoryConfig(srv.URL, cacheDir))
	equities, err := second.Segment(context.Background(), wire.SegmentNSEEquity)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(equities) != 2 {
		t.Fatalf("expected 2 NSE equities from disk cache, got %d", len(equities))
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("second instance should reuse the disk cache, made %d downloads", got)
	}
}

func TestDirectoryServesStaleOnRefreshFailure(t *testing.T) {
	var requests atomic.Int32
	var fail atomic.Bool
	srv := masterServer(t, &requests, &fail)

	d := NewDirectory(testDirectoryConfig(srv.URL, t.TempDir()))
	if _, err := d.Segment(context.Background(), wire.SegmentNSEEquity); err != nil {
		t.Fatalf("Segment failed: %v", err)
	}

	fail.Store(true)
	d.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	equities, err := d.Segment(context.Background(), wire.SegmentNSEEquity)
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	if len(equities) != 2 {
		t.Errorf("expected stale copy to be served, got %d rows", len(equities))
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("expected a refresh attempt, got %d downloads", got)
	}
}

func TestDirectoryFetchErrorWithoutCache(t *testing.T) {
	var requests atomic.Int32
	var fail atomic.Bool
	fail.Store(true)
	srv := masterServer(t, &requests, &fail)

	d := NewDirectory(testDirectoryConfig(srv.URL, ""))
	if _, err := d.Segment(context.Background(), wire.SegmentNSEEquity); err == nil {
		t.Fatal("expected fetch error")
	} else if !strings.Contains(err.Error(), "HTTP") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseMasterMissingColumn(t *testing.T) {
	_, err := parseMaster(strings.NewReader("SEM_EXM_EXCH_ID,SEM_SEGMENT\nNSE,E\n"))
	if err == nil || !strings.Contains(err.Error(), "missing column") {
		t.Fatalf("expected missing column error, got %v", err)
	}
}

func TestSegmentFor(t *testing.T) {
	tests := []struct {
		exchange string
		segment  string
		want     string
	}{
		{"NSE", "E", wire.SegmentNSEEquity},
		{"NSE", "D", wire.SegmentNSEFNO},
		{"NSE", "C", wire.SegmentNSECurrency},
		{"NSE", "I", wire.SegmentIndex},
		{"BSE", "E", wire.SegmentBSEEquity},
		{"BSE", "D", wire.SegmentBSEFNO},
		{"BSE", "C", wire.SegmentBSECurrency},
		{"BSE", "I", wire.SegmentIndex},
		{"MCX", "M", wire.SegmentMCX},
		{"MCX", "E", ""},
		{"ZZZ", "X", ""},
	}
	for _, tt := range tests {
		if got := SegmentFor(tt.exchange, tt.segment); got != tt.want {
			t.Errorf("SegmentFor(%q, %q) = %q, want %q", tt.exchange, tt.segment, got, tt.want)
		}
	}
}
