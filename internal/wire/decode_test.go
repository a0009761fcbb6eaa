package wire

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func appendU16(b []byte, v uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendI32(b []byte, v int32) []byte {
	return appendU32(b, uint32(v))
}

func appendF32(b []byte, v float32) []byte {
	return appendU32(b, math.Float32bits(v))
}

func buildFrame(code uint8, segment byte, securityID int32, payload []byte) []byte {
	frame := make([]byte, 0, HeaderSize+len(payload))
	frame = append(frame, code)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(HeaderSize+len(payload)))
	frame = append(frame, length[:]...)
	frame = append(frame, segment)
	frame = appendI32(frame, securityID)
	return append(frame, payload...)
}

func buildQuotePayload(q Quote) []byte {
	p := appendF32(nil, q.LastPrice)
	p = appendU16(p, q.LastQty)
	p = appendU32(p, q.LastTradeTime)
	p = appendF32(p, q.AvgPrice)
	p = appendU32(p, q.Volume)
	p = appendI32(p, q.TotalSellQty)
	p = appendI32(p, q.TotalBuyQty)
	p = appendF32(p, q.DayOpen)
	p = appendF32(p, q.DayClose)
	p = appendF32(p, q.DayHigh)
	p = appendF32(p, q.DayLow)
	return p
}

func TestDecodeShortInput(t *testing.T) {
	full := buildFrame(ResponseTicker, 1, 1333, appendI32(appendF32(nil, 101.5), 1700000000))
	for size := 0; size < len(full); size++ {
		if _, err := Decode(full[:size]); err == nil {
			t.Errorf("Decode accepted %d-byte truncated input", size)
		}
	}
}

func TestDecodeTicker(t *testing.T) {
	payload := appendI32(appendF32(nil, 2456.75), 1700000123)
	evt, err := Decode(buildFrame(ResponseTicker, 1, 1333, payload))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if evt.Kind != KindTicker {
		t.Fatalf("expected ticker kind, got %s", evt.Kind)
	}
	if evt.ExchangeSegment != SegmentNSEEquity {
		t.Errorf("expected segment %s, got %s", SegmentNSEEquity, evt.ExchangeSegment)
	}
	if evt.SecurityID != 1333 {
		t.Errorf("expected security id 1333, got %d", evt.SecurityID)
	}
	if evt.Ticker == nil {
		t.Fatal("ticker payload not populated")
	}
	if evt.Ticker.LastPrice != 2456.75 {
		t.Errorf("expected last price 2456.75, got %f", evt.Ticker.LastPrice)
	}
	if evt.Ticker.LastTradeTime != 1700000123 {
		t.Errorf("expected last trade time 1700000123, got %d", evt.Ticker.LastTradeTime)
	}
}

func TestDecodeQuote(t *testing.T) {
	want := Quote{
		LastPrice:     812.4,
		LastQty:       75,
		LastTradeTime: 1700000456,
		AvgPrice:      810.15,
		Volume:        1250000,
		TotalSellQty:  43000,
		TotalBuyQty:   51200,
		DayOpen:       805.0,
		DayClose:      0,
		DayHigh:       815.9,
		DayLow:        801.25,
	}
	evt, err := Decode(buildFrame(ResponseQuote, 4, 500325, buildQuotePayload(want)))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if evt.Kind != KindQuote {
		t.Fatalf("expected quote kind, got %s", evt.Kind)
	}
	if evt.ExchangeSegment != SegmentBSEEquity {
		t.Errorf("expected segment %s, got %s", SegmentBSEEquity, evt.ExchangeSegment)
	}
	if evt.Quote == nil {
		t.Fatal("quote payload not populated")
	}
	if *evt.Quote != want {
		t.Errorf("quote mismatch: got %+v want %+v", *evt.Quote, want)
	}
}

func TestDecodeFullDepthRoundTrip(t *testing.T) {
	quote := Quote{
		LastPrice:     44512.3,
		LastQty:       25,
		LastTradeTime: 1700000789,
		AvgPrice:      44410.85,
		Volume:        98000,
		TotalSellQty:  120500,
		TotalBuyQty:   119250,
		DayOpen:       44150.0,
		DayClose:      44300.55,
		DayHigh:       44620.1,
		DayLow:        44080.4,
	}
	levels := [5]DepthLevel{
		{BidQty: 500, AskQty: 475, BidOrders: 12, AskOrders: 9, BidPrice: 44511.95, AskPrice: 44512.3},
		{BidQty: 1200, AskQty: 800, BidOrders: 31, AskOrders: 17, BidPrice: 44511.5, AskPrice: 44512.85},
		{BidQty: 50, AskQty: 2600, BidOrders: 2, AskOrders: 44, BidPrice: 44510.0, AskPrice: 44513.0},
		{BidQty: 9999, AskQty: 1, BidOrders: 160, AskOrders: 1, BidPrice: 44509.65, AskPrice: 44514.2},
		{BidQty: 0, AskQty: 0, BidOrders: 0, AskOrders: 0, BidPrice: 0, AskPrice: 0},
	}

	payload := buildQuotePayload(quote)
	payload = appendI32(payload, 345600)
	payload = appendI32(payload, 360100)
	payload = appendI32(payload, 330900)
	for _, lvl := range levels {
		payload = appendU32(payload, lvl.BidQty)
		payload = appendU32(payload, lvl.AskQty)
		payload = appendU16(payload, lvl.BidOrders)
		payload = appendU16(payload, lvl.AskOrders)
		payload = appendF32(payload, lvl.BidPrice)
		payload = appendF32(payload, lvl.AskPrice)
	}

	evt, err := Decode(buildFrame(ResponseFull, 2, 45825, payload))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if evt.Kind != KindFull {
		t.Fatalf("expected full kind, got %s", evt.Kind)
	}
	if evt.Full == nil {
		t.Fatal("full payload not populated")
	}
	if evt.Full.OpenInterest != 345600 || evt.Full.HighOI != 360100 || evt.Full.LowOI != 330900 {
		t.Errorf("oi fields mismatch: %+v", evt.Full)
	}

	const tolerance = 1e-5
	for i, want := range levels {
		got := evt.Full.Depth[i]
		if got.BidQty != want.BidQty || got.AskQty != want.AskQty {
			t.Errorf("level %d quantity mismatch: got %+v want %+v", i, got, want)
		}
		if got.BidOrders != want.BidOrders || got.AskOrders != want.AskOrders {
			t.Errorf("level %d order-count mismatch: got %+v want %+v", i, got, want)
		}
		if diff := math.Abs(float64(got.BidPrice - want.BidPrice)); diff > tolerance {
			t.Errorf("level %d bid price off by %g", i, diff)
		}
		if diff := math.Abs(float64(got.AskPrice - want.AskPrice)); diff > tolerance {
			t.Errorf("level %d ask price off by %g", i, diff)
		}
	}
}

func TestDecodeOpenInterest(t *testing.T) {
	evt, err := Decode(buildFrame(ResponseOI, 2, 45825, appendI32(nil, 512300)))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if evt.Kind != KindOI || evt.OI == nil {
		t.Fatalf("expected oi event, got %+v", evt)
	}
	if evt.OI.OI != 512300 {
		t.Errorf("expected oi 512300, got %d", evt.OI.OI)
	}
}

func TestDecodePrevClose(t *testing.T) {
	payload := appendI32(appendF32(nil, 19850.35), 478200)
	evt, err := Decode(buildFrame(ResponsePrevClose, 0, 13, payload))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if evt.Kind != KindPrevClose || evt.PrevClose == nil {
		t.Fatalf("expected prev_close event, got %+v", evt)
	}
	if evt.PrevClose.PrevPrice != 19850.35 {
		t.Errorf("expected prev price 19850.35, got %f", evt.PrevClose.PrevPrice)
	}
	if evt.PrevClose.PrevOI != 478200 {
		t.Errorf("expected prev oi 478200, got %d", evt.PrevClose.PrevOI)
	}
}

func TestDecodeDisconnectReasonBigEndian(t *testing.T) {
	evt, err := Decode(buildFrame(ResponseDisconnect, 1, 0, []byte{0x03, 0x25}))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if evt.Kind != KindDisconnect || evt.Disconnect == nil {
		t.Fatalf("expected disconnect event, got %+v", evt)
	}
	if evt.Disconnect.Reason != 805 {
		t.Errorf("expected reason 805, got %d", evt.Disconnect.Reason)
	}
	if !AuthReason(DisconnectTokenExpired) || AuthReason(DisconnectConnLimit) {
		t.Error("auth reason classification wrong")
	}
}

func TestDecodeUnknownCodeIsUnrecognized(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	evt, err := Decode(buildFrame(99, 1, 77, payload))
	if err != nil {
		t.Fatalf("unknown code should not error: %v", err)
	}
	if evt.Kind != KindUnrecognized {
		t.Fatalf("expected unrecognized kind, got %s", evt.Kind)
	}
	if string(evt.Raw) != string(payload) {
		t.Errorf("raw payload not preserved: %v", evt.Raw)
	}
}

func TestDecodeIgnoresDeclaredLength(t *testing.T) {
	frame := buildFrame(ResponseTicker, 1, 1333, appendI32(appendF32(nil, 99.5), 1700000999))
	// corrupt the declared length; the decoder works from actual bytes
	binary.BigEndian.PutUint16(frame[1:3], 9999)
	evt, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed on length mismatch: %v", err)
	}
	if evt.Kind != KindTicker || evt.Ticker == nil || evt.Ticker.LastPrice != 99.5 {
		t.Errorf("ticker not decoded despite usable bytes: %+v", evt)
	}
}

func TestDecodeTruncatedPayloads(t *testing.T) {
	tests := []struct {
		name string
		code uint8
		size int
	}{
		{"ticker", ResponseTicker, tickerPayloadSize - 1},
		{"quote", ResponseQuote, quotePayloadSize - 4},
		{"full", ResponseFull, fullPayloadSize - 20},
		{"oi", ResponseOI, 2},
		{"prev_close", ResponsePrevClose, 5},
		{"disconnect", ResponseDisconnect, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(buildFrame(tt.code, 1, 10, make([]byte, tt.size)))
			if err == nil {
				t.Fatalf("truncated %s payload did not error", tt.name)
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("expected *DecodeError, got %T", err)
			}
			if decodeErr.ResponseCode != tt.code {
				t.Errorf("error lost response code: %+v", decodeErr)
			}
		})
	}
}

func TestSegmentNameRoundTrip(t *testing.T) {
	for name, code := range segmentCodes {
		if got := SegmentName(code); got != name {
			t.Errorf("SegmentName(%d) = %s, want %s", code, got, name)
		}
		back, ok := SegmentCode(name)
		if !ok || back != code {
			t.Errorf("SegmentCode(%s) = %d/%v, want %d", name, back, ok, code)
		}
	}
	if got := SegmentName(200); got != "SEGMENT_200" {
		t.Errorf("unknown segment name = %s", got)
	}
	if _, ok := SegmentCode("NASDAQ"); ok {
		t.Error("SegmentCode accepted unknown segment")
	}
}
