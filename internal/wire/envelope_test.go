package wire

import (
	"testing"
)

func TestDecodeJSONOrderAlert(t *testing.T) {
	raw := []byte(`{
		"Type": "order_alert",
		"Data": {
			"OrderNo": "112111182045",
			"Status": "Traded",
			"TxnType": "B",
			"Exchange": "NSE",
			"Segment": "NSE_EQ",
			"SecurityId": "11536",
			"Symbol": "TCS",
			"Quantity": 100,
			"TradedQty": 100,
			"Price": 3415.5,
			"TradedPrice": 3415.25,
			"ReasonDescription": "CONFIRMED"
		}
	}`)

	evt, err := DecodeJSON(raw)
	if err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	if evt.Kind != KindOrder {
		t.Fatalf("expected order kind, got %s", evt.Kind)
	}
	if evt.Order == nil {
		t.Fatal("order payload not populated")
	}
	if evt.Order.OrderNo != "112111182045" {
		t.Errorf("order number mismatch: %s", evt.Order.OrderNo)
	}
	if evt.Order.Status != "Traded" || evt.Order.TradedQty != 100 {
		t.Errorf("order state mismatch: %+v", evt.Order)
	}
	if evt.SecurityID != 11536 {
		t.Errorf("expected security id 11536, got %d", evt.SecurityID)
	}
}

func TestDecodeJSONDepth(t *testing.T) {
	raw := []byte(`{
		"Type": "depth_update",
		"ExchangeSegment": "NSE_EQ",
		"SecurityId": "1333",
		"Bids": [{"price": 1520.5, "quantity": 300, "orders": 7}, {"price": 1520.25, "quantity": 1200, "orders": 22}],
		"Asks": [{"price": 1520.85, "quantity": 450, "orders": 11}]
	}`)

	evt, err := DecodeJSON(raw)
	if err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	if evt.Kind != KindDepth || evt.Depth == nil {
		t.Fatalf("expected depth event, got %+v", evt)
	}
	if evt.Depth.Snapshot {
		t.Error("depth_update flagged as snapshot")
	}
	if len(evt.Depth.Bids) != 2 || len(evt.Depth.Asks) != 1 {
		t.Fatalf("book sides wrong: %d bids, %d asks", len(evt.Depth.Bids), len(evt.Depth.Asks))
	}
	if evt.Depth.Bids[0].Quantity != 300 || evt.Depth.Bids[0].Orders != 7 {
		t.Errorf("best bid mismatch: %+v", evt.Depth.Bids[0])
	}

	const tolerance = 1e-9
	if spread := evt.Depth.Spread(); spread < 0.35-tolerance || spread > 0.35+tolerance {
		t.Errorf("expected spread 0.35, got %g", spread)
	}
}

func TestDecodeJSONDepthSnapshotFlag(t *testing.T) {
	raw := []byte(`{"Type": "depth_snapshot", "ExchangeSegment": "NSE_FNO", "SecurityId": "45825", "Bids": [], "Asks": []}`)
	evt, err := DecodeJSON(raw)
	if err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	if !evt.Depth.Snapshot {
		t.Error("depth_snapshot not flagged as snapshot")
	}
}

func TestDepthSpreadZeroCases(t *testing.T) {
	tests := []struct {
		name string
		book DepthBook
	}{
		{"empty book", DepthBook{}},
		{"no asks", DepthBook{Bids: []BookLevel{{Price: 100}}}},
		{"no bids", DepthBook{Asks: []BookLevel{{Price: 101}}}},
		{"zero best bid", DepthBook{Bids: []BookLevel{{Price: 0}}, Asks: []BookLevel{{Price: 101}}}},
		{"zero best ask", DepthBook{Bids: []BookLevel{{Price: 100}}, Asks: []BookLevel{{Price: 0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if spread := tt.book.Spread(); spread != 0.0 {
				t.Errorf("expected zero spread, got %g", spread)
			}
		})
	}
}

func TestDecodeJSONUnknownType(t *testing.T) {
	raw := []byte(`{"Type": "heartbeat", "Data": {}}`)
	evt, err := DecodeJSON(raw)
	if err != nil {
		t.Fatalf("unknown type should not error: %v", err)
	}
	if evt.Kind != KindUnrecognized {
		t.Fatalf("expected unrecognized kind, got %s", evt.Kind)
	}
	if string(evt.Raw) != string(raw) {
		t.Error("raw message not preserved for unknown type")
	}
}

func TestDecodeJSONMalformed(t *testing.T) {
	for _, raw := range []string{"", "{", `{"Type": "order_alert", "Data": []}`} {
		if _, err := DecodeJSON([]byte(raw)); err == nil {
			t.Errorf("malformed input %q did not error", raw)
		}
	}
}
