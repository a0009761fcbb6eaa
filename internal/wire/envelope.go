package wire

import (
	"encoding/json"
	"strconv"
)

// Envelope Type discriminators on the JSON channels.
const (
	TypeOrderAlert    = "order_alert"
	TypeDepthSnapshot = "depth_snapshot"
	TypeDepthUpdate   = "depth_update"
)

// OrderAlert is the order-update payload delivered on the order channel.
type OrderAlert struct {
	OrderNo         string  `json:"OrderNo"`
	ExchOrderNo     string  `json:"ExchOrderNo"`
	Status          string  `json:"Status"`
	TxnType         string  `json:"TxnType"`
	OrderType       string  `json:"OrderType"`
	Validity        string  `json:"Validity"`
	Product         string  `json:"Product"`
	Exchange        string  `json:"Exchange"`
	Segment         string  `json:"Segment"`
	SecurityID      string  `json:"SecurityId"`
	Symbol          string  `json:"Symbol"`
	Instrument      string  `json:"Instrument"`
	Quantity        int     `json:"Quantity"`
	TradedQty       int     `json:"TradedQty"`
	RemainingQty    int     `json:"RemainingQuantity"`
	Price           float64 `json:"Price"`
	TriggerPrice    float64 `json:"TriggerPrice"`
	TradedPrice     float64 `json:"TradedPrice"`
	AvgTradedPrice  float64 `json:"AvgTradedPrice"`
	OrderDateTime   string  `json:"OrderDateTime"`
	ExchOrderTime   string  `json:"ExchOrderTime"`
	LastUpdatedTime string  `json:"LastUpdatedTime"`
	Reason          string  `json:"ReasonDescription"`
}

// BookLevel is one price level of a depth book message.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int32   `json:"orders"`
}

// DepthBook is the JSON-carried order book for one instrument. Levels arrive
// best-first on both sides.
type DepthBook struct {
	ExchangeSegment string      `json:"ExchangeSegment"`
	SecurityID      string      `json:"SecurityId"`
	Snapshot        bool        `json:"-"`
	Bids            []BookLevel `json:"Bids"`
	Asks            []BookLevel `json:"Asks"`
}

// Spread is the distance between the best ask and the best bid, or 0.0 when
// either side is absent or priced at zero.
func (d *DepthBook) Spread() float64 {
	if len(d.Bids) == 0 || len(d.Asks) == 0 {
		return 0.0
	}
	bestBid := d.Bids[0].Price
	bestAsk := d.Asks[0].Price
	if bestBid == 0 || bestAsk == 0 {
		return 0.0
	}
	return bestAsk - bestBid
}

type envelope struct {
	Type string          `json:"Type"`
	Data json.RawMessage `json:"Data"`
}

// DecodeJSON turns one JSON channel message into a typed event. Messages with
// an unknown Type come back as KindUnrecognized with the raw bytes attached,
// mirroring how unknown binary response codes are handled.
func DecodeJSON(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, &DecodeError{Reason: "invalid json envelope: " + err.Error()}
	}

	switch env.Type {
	case TypeOrderAlert:
		var alert OrderAlert
		if err := json.Unmarshal(env.Data, &alert); err != nil {
			return Event{}, &DecodeError{Reason: "invalid order alert payload: " + err.Error()}
		}
		return Event{
			Kind:            KindOrder,
			ExchangeSegment: alert.Segment,
			SecurityID:      parseSecurityID(alert.SecurityID),
			Order:           &alert,
		}, nil

	case TypeDepthSnapshot, TypeDepthUpdate:
		var book DepthBook
		if err := json.Unmarshal(data, &book); err != nil {
			return Event{}, &DecodeError{Reason: "invalid depth payload: " + err.Error()}
		}
		book.Snapshot = env.Type == TypeDepthSnapshot
		return Event{
			Kind:            KindDepth,
			ExchangeSegment: book.ExchangeSegment,
			SecurityID:      parseSecurityID(book.SecurityID),
			Depth:           &book,
		}, nil

	default:
		return Event{
			Kind: KindUnrecognized,
			Raw:  data,
		}, nil
	}
}

// parseSecurityID converts the string security id used on JSON channels to
// the numeric form used everywhere else. Non-numeric ids map to zero.
func parseSecurityID(s string) int32 {
	id, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0
	}
	return int32(id)
}
