package orders

import (
	"context"
	"fmt"
	"strings"

	"dhanflow/internal/ratelimit"
	"dhanflow/internal/rest"
	"dhanflow/internal/wire"
	"dhanflow/logger"
)

// bookRow is one row of the order book endpoint.
type bookRow struct {
	OrderID        string  `json:"orderId"`
	ExchOrderNo    string  `json:"exchangeOrderId"`
	Status         string  `json:"orderStatus"`
	TxnType        string  `json:"transactionType"`
	OrderType      string  `json:"orderType"`
	Validity       string  `json:"validity"`
	Product        string  `json:"productType"`
	Segment        string  `json:"exchangeSegment"`
	SecurityID     string  `json:"securityId"`
	Symbol         string  `json:"tradingSymbol"`
	Quantity       int     `json:"quantity"`
	TradedQty      int     `json:"filledQty"`
	RemainingQty   int     `json:"remainingQuantity"`
	Price          float64 `json:"price"`
	TriggerPrice   float64 `json:"triggerPrice"`
	AvgTradedPrice float64 `json:"averageTradedPrice"`
	Reason         string  `json:"omsErrorDescription"`
}

// Seed fetches the current order book through the throttled executor and
// inserts every order the tracker has not seen yet, so a restarted process
// resumes from the broker's view instead of an empty map. Orders already
// updated by the live stream are left alone: the stream state is newer than
// the snapshot taken here.
func (t *Tracker) Seed(ctx context.Context, ex *rest.Executor) (int, error) {
	var book []bookRow
	if err := ex.Get(ctx, ratelimit.TierOrder, "/orders", &book); err != nil {
		return 0, fmt.Errorf("seed order book: %w", err)
	}

	inserted := 0
	for i := range book {
		if t.seedRecord(book[i].alert()) {
			inserted++
		}
	}

	t.log.WithComponent("order_tracker").WithFields(logger.Fields{
		"orders":   len(book),
		"inserted": inserted,
	}).Info("order book seeded")
	return inserted, nil
}

// seedRecord inserts the alert only when the order is not tracked yet.
func (t *Tracker) seedRecord(alert *wire.OrderAlert) bool {
	if alert == nil || alert.OrderNo == "" {
		return false
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.orders[alert.OrderNo]; ok {
		return false
	}
	o := &TrackedOrder{OrderID: alert.OrderNo}
	o.apply(alert, now)
	t.orders[alert.OrderNo] = o
	return true
}

func (r *bookRow) alert() *wire.OrderAlert {
	exchange, segment := r.Segment, ""
	if i := strings.IndexByte(r.Segment, '_'); i >= 0 {
		exchange, segment = r.Segment[:i], r.Segment[i+1:]
	}
	return &wire.OrderAlert{
		OrderNo:        r.OrderID,
		ExchOrderNo:    r.ExchOrderNo,
		Status:         r.Status,
		TxnType:        r.TxnType,
		OrderType:      r.OrderType,
		Validity:       r.Validity,
		Product:        r.Product,
		Exchange:       exchange,
		Segment:        segment,
		SecurityID:     r.SecurityID,
		Symbol:         r.Symbol,
		Quantity:       r.Quantity,
		TradedQty:      r.TradedQty,
		RemainingQty:   r.RemainingQty,
		Price:          r.Price,
		TriggerPrice:   r.TriggerPrice,
		AvgTradedPrice: r.AvgTradedPrice,
		Reason:         r.Reason,
	}
}
