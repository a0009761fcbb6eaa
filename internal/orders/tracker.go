package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dhanflow/config"
	"dhanflow/internal/metrics"
	"dhanflow/internal/wire"
	"dhanflow/logger"
)

// TrackedOrder is the last known state of one order.
type TrackedOrder struct {
	OrderID        string    `json:"order_id"`
	ExchOrderNo    string    `json:"exch_order_no,omitempty"`
	Status         string    `json:"status"`
	TxnType        string    `json:"txn_type"`
	OrderType      string    `json:"order_type"`
	Product        string    `json:"product"`
	Exchange       string    `json:"exchange"`
	Segment        string    `json:"segment"`
	SecurityID     string    `json:"security_id"`
	Symbol         string    `json:"symbol"`
	Quantity       int       `json:"quantity"`
	TradedQty      int       `json:"traded_qty"`
	RemainingQty   int       `json:"remaining_qty"`
	Price          float64   `json:"price"`
	TradedPrice    float64   `json:"traded_price"`
	AvgTradedPrice float64   `json:"avg_traded_price"`
	Reason         string    `json:"reason,omitempty"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// Tracker keeps the most recent state of every order seen on the order
// channel. The map is bounded: a periodic sweep removes entries older than
// the configured age and then evicts the oldest entries until the count is
// back under the cap. Eviction order is oldest LastSeenAt first, ties broken
// by order id, so repeated runs over the same input remove the same entries.
type Tracker struct {
	cfg config.TrackerConfig

	mu      sync.RWMutex
	orders  map[string]*TrackedOrder
	expired int64
	evicted int64
	running bool

	ctx context.Context
	wg  *sync.WaitGroup
	log *logger.Log
	now func() time.Time
}

func NewTracker(cfg config.TrackerConfig) *Tracker {
	return &Tracker{
		cfg:    cfg,
		orders: make(map[string]*TrackedOrder),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		now:    time.Now,
	}
}

// Start launches the sweep loop. The tracker accepts events before Start is
// called; only the sweeping needs the lifecycle.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("order tracker already running")
	}
	t.running = true
	t.ctx = ctx
	t.mu.Unlock()

	t.log.WithComponent("order_tracker").WithFields(logger.Fields{
		"max_tracked_orders": t.cfg.MaxTrackedOrders,
		"max_age_minutes":    t.cfg.MaxAgeMinutes,
		"sweep_interval_s":   t.cfg.SweepIntervalSeconds,
	}).Info("starting order tracker")

	t.wg.Add(1)
	go t.sweepLoop()
	return nil
}

// Stop waits for the sweep loop to finish. The context passed to Start must
// be cancelled first.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	t.log.WithComponent("order_tracker").Info("stopping order tracker")
	t.wg.Wait()
	t.log.WithComponent("order_tracker").Info("order tracker stopped")
}

// HandleEvent records order alerts and ignores every other event kind, so it
// can be attached directly to a session as a listener.
func (t *Tracker) HandleEvent(ev wire.Event) {
	if ev.Kind != wire.KindOrder || ev.Order == nil {
		return
	}
	t.Record(ev.Order)
}

// Record upserts the order state keyed by order number and refreshes its
// LastSeenAt. Alerts without an order number are ignored.
func (t *Tracker) Record(alert *wire.OrderAlert) {
	if alert == nil || alert.OrderNo == "" {
		return
	}
	now := t.now()

	t.mu.Lock()
	o := t.orders[alert.OrderNo]
	if o == nil {
		o = &TrackedOrder{OrderID: alert.OrderNo}
		t.orders[alert.OrderNo] = o
	}
	o.apply(alert, now)
	t.mu.Unlock()
}

func (o *TrackedOrder) apply(alert *wire.OrderAlert, now time.Time) {
	o.ExchOrderNo = alert.ExchOrderNo
	o.Status = alert.Status
	o.TxnType = alert.TxnType
	o.OrderType = alert.OrderType
	o.Product = alert.Product
	o.Exchange = alert.Exchange
	o.Segment = alert.Segment
	o.SecurityID = alert.SecurityID
	o.Symbol = alert.Symbol
	o.Quantity = alert.Quantity
	o.TradedQty = alert.TradedQty
	o.RemainingQty = alert.RemainingQty
	o.Price = alert.Price
	o.TradedPrice = alert.TradedPrice
	o.AvgTradedPrice = alert.AvgTradedPrice
	o.Reason = alert.Reason
	o.LastSeenAt = now
}

// Get returns a copy of the tracked state for the given order id.
func (t *Tracker) Get(orderID string) (TrackedOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[orderID]
	if !ok {
		return TrackedOrder{}, false
	}
	return *o, true
}

// Len returns the number of tracked orders.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

// Orders returns copies of all tracked orders, most recently seen first.
func (t *Tracker) Orders() []TrackedOrder {
	t.mu.RLock()
	out := make([]TrackedOrder, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, *o)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out
}

// Stats reports occupancy and cumulative sweep counters.
func (t *Tracker) Stats() metrics.TrackerMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return metrics.TrackerMetrics{
		Tracked:  len(t.orders),
		Capacity: t.cfg.MaxTrackedOrders,
		Expired:  t.expired,
		Evicted:  t.evicted,
	}
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	log := t.log.WithComponent("order_tracker")

	ticker := time.NewTicker(time.Duration(t.cfg.SweepIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			expired, evicted := t.sweep(t.now())
			if expired > 0 || evicted > 0 {
				log.WithFields(logger.Fields{
					"expired": expired,
					"evicted": evicted,
					"tracked": t.Len(),
				}).Info("swept stale orders")
			}
			metrics.ReportTrackerMetrics(t.log, t.Stats())
		}
	}
}

// sweep drops entries older than the configured age, then evicts the oldest
// entries until the map is back under the cap.
func (t *Tracker) sweep(now time.Time) (expired, evicted int) {
	maxAge := time.Duration(t.cfg.MaxAgeMinutes) * time.Minute

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, o := range t.orders {
		if now.Sub(o.LastSeenAt) >= maxAge {
			delete(t.orders, id)
			expired++
		}
	}

	if over := len(t.orders) - t.cfg.MaxTrackedOrders; over > 0 {
		victims := make([]*TrackedOrder, 0, len(t.orders))
		for _, o := range t.orders {
			victims = append(victims, o)
		}
		sort.Slice(victims, func(i, j int) bool {
			if victims[i].LastSeenAt.Equal(victims[j].LastSeenAt) {
				return victims[i].OrderID < victims[j].OrderID
			}
			return victims[i].LastSeenAt.Before(victims[j].LastSeenAt)
		})
		for _, o := range victims[:over] {
			delete(t.orders, o.OrderID)
			evicted++
		}
	}

	t.expired += int64(expired)
	t.evicted += int64(evicted)
	return expired, evicted
}
