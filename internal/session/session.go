package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dhanflow/config"
	"dhanflow/internal/channel"
	"dhanflow/internal/instruments"
	"dhanflow/internal/metrics"
	"dhanflow/internal/metrics/rate"
	"dhanflow/internal/wire"
	"dhanflow/logger"
)

// Channel names. One session owns one websocket connection per channel.
const (
	ChannelMarket = "market"
	ChannelDepth  = "depth"
	ChannelOrders = "orders"
)

// Market feed subscription modes.
const (
	ModeTicker = "ticker"
	ModeQuote  = "quote"
	ModeFull   = "full"
)

const reportInterval = 60 * time.Second

// Options configure one channel session.
type Options struct {
	// Name identifies the channel: market, depth or orders.
	Name string
	// URL is the websocket endpoint.
	URL string
	// Mode selects the market feed packet shape (ticker, quote, full). Only
	// the market channel reads it.
	Mode string
	// Binary marks channels that speak the binary frame protocol; the rest
	// carry JSON envelopes.
	Binary bool
	// Creds feed the login message and, on binary feeds, the URL auth
	// parameters.
	Creds wire.LoginCredentials
	// Feed supplies the shared transport knobs (timeouts, ping, backoff).
	Feed config.FeedConfig
	// Resolver turns caller references into subscription entries. Nil for
	// channels that take no subscriptions.
	Resolver *instruments.Resolver
	// Events is the buffered stage fed with every decoded event, consumed by
	// the recording pipeline. Optional.
	Events *channel.Channels
}

// Session owns one websocket connection: login handshake, subscription
// replay, decode and dispatch, and the reconnect state machine. Callers
// interact through Start/Stop, On/OnAny and Subscribe/Unsubscribe; everything
// else runs on the session's own goroutines.
type Session struct {
	name     string
	url      string
	mode     string
	binary   bool
	creds    wire.LoginCredentials
	feed     config.FeedConfig
	resolver *instruments.Resolver
	events   *channel.Channels

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	connMu sync.Mutex
	conn   *websocket.Conn

	state     atomic.Int32
	backoff   *Backoff
	listeners *listenerSet
	errs      chan error

	subMu sync.Mutex
	subs  map[string]subscription

	framesRead    atomic.Int64
	eventsEmitted atomic.Int64
	decodeErrors  atomic.Int64
	reconnects    atomic.Int64

	// stream-goroutine state
	authFailures   int
	authExceeded   bool
	throttleNotice bool

	dialer *websocket.Dialer
	now    func() time.Time
	log    *logger.Log
}

// subscription is one resolved entry of the active set, keyed by its
// normalized label.
type subscription struct {
	Label string
	Ref   string
	Entry wire.SubscriptionEntry
}

func New(opts Options) (*Session, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("session name is required")
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("%s session needs a url", opts.Name)
	}
	if _, err := wire.EncodeLogin(opts.Creds); err != nil {
		return nil, fmt.Errorf("%s session: %w", opts.Name, err)
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeQuote
	}

	handshake := time.Duration(opts.Feed.HandshakeTimeoutSeconds) * time.Second
	if handshake <= 0 {
		handshake = 30 * time.Second
	}

	s := &Session{
		name:      opts.Name,
		url:       opts.URL,
		mode:      mode,
		binary:    opts.Binary,
		creds:     opts.Creds,
		feed:      opts.Feed,
		resolver:  opts.Resolver,
		events:    opts.Events,
		backoff:   NewBackoff(opts.Feed.Backoff),
		listeners: newListenerSet(),
		errs:      make(chan error, 1),
		subs:      make(map[string]subscription),
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshake,
			Proxy:            http.ProxyFromEnvironment,
		},
		now: time.Now,
		log: logger.GetLogger(),
	}
	s.state.Store(int32(StateIdle))
	return s, nil
}

func (s *Session) Name() string { return s.name }

// State reports the current lifecycle phase. Safe from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// On registers a listener for one event kind. Multiple listeners are allowed;
// they run synchronously on the session's read goroutine.
func (s *Session) On(kind wire.Kind, h Handler) {
	s.listeners.on(kind, h)
}

// OnAny registers a listener invoked for every decoded event.
func (s *Session) OnAny(h Handler) {
	s.listeners.onAny(h)
}

// Errors delivers terminal session errors, currently only the auth failure
// limit being reached. The channel is buffered and never closed.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Start begins connecting in the background. The session reconnects until
// Stop is called or ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("%s session already running", s.name)
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	log := s.log.WithComponent(s.name + "_session")
	log.WithFields(logger.Fields{"url": s.url, "mode": s.mode}).Info("starting session")

	s.wg.Add(1)
	go s.stream()
	s.wg.Add(1)
	go s.reportLoop()
	return nil
}

// Stop tears the session down and suppresses further reconnects. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	log := s.log.WithComponent(s.name + "_session")
	log.Info("stopping session")
	cancel()
	s.closeConn()
	s.wg.Wait()
	s.setState(StateStopped)
	log.Info("session stopped")
}

// stream is the reconnect state machine. It owns the connection lifecycle
// and the read loop.
func (s *Session) stream() {
	defer s.wg.Done()
	log := s.log.WithComponent(s.name + "_session")

	for {
		if s.ctx.Err() != nil {
			s.setState(StateStopped)
			return
		}
		s.setState(StateConnecting)

		conn, err := s.dial()
		if err != nil {
			if s.ctx.Err() != nil {
				s.setState(StateStopped)
				return
			}
			if rate.ReportLimitFromMessage(s.log, s.name, err.Error()) {
				if !s.coolOff(log) {
					s.setState(StateStopped)
					return
				}
				continue
			}
			delay := s.backoff.Next()
			log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("connect failed, retrying")
			if !s.sleep(delay) {
				s.setState(StateStopped)
				return
			}
			continue
		}

		s.setConn(conn)
		s.setState(StateOpen)
		log.Info("session connected")

		clean, throttled := s.run(conn, log)
		s.clearConn()

		if s.ctx.Err() != nil {
			s.setState(StateStopped)
			return
		}
		if s.authExceeded {
			log.Error("auth failure limit reached, giving up")
			s.setState(StateStopped)
			s.cancel()
			return
		}

		s.reconnects.Add(1)
		metrics.IncrementReconnect(s.name)
		logger.IncrementReconnect()
		s.setState(StateIdle)

		if throttled {
			if !s.coolOff(log) {
				s.setState(StateStopped)
				return
			}
			continue
		}
		var delay time.Duration
		if clean {
			// a clean close restarts the sequence without consuming an
			// attempt, so the next abnormal close still pays only the base
			s.backoff.Reset()
			delay = s.backoff.base
		} else {
			delay = s.backoff.Next()
		}
		log.WithFields(logger.Fields{"retry_in": delay.String()}).Info("reconnecting")
		if !s.sleep(delay) {
			s.setState(StateStopped)
			return
		}
	}
}

// dial opens the websocket. A handshake rejected with an HTTP status folds
// the status into the error text so throttle detection can see it.
func (s *Session) dial() (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(s.ctx, s.wsURL(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// wsURL appends the auth query parameters on the market and depth feeds. The
// order channel authorises through the login message alone.
func (s *Session) wsURL() string {
	if s.name == ChannelOrders {
		return s.url
	}
	u, err := url.Parse(s.url)
	if err != nil {
		return s.url
	}
	q := u.Query()
	q.Set("version", "2")
	q.Set("authType", "2")
	if s.creds.ClientID != "" {
		q.Set("clientId", s.creds.ClientID)
	}
	if s.creds.Token != "" {
		q.Set("token", s.creds.Token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// run drives one connection: login first, subscription replay before any
// other traffic, then the read loop until the transport fails. The returned
// flags classify the close for the reconnect policy.
func (s *Session) run(conn *websocket.Conn, log *logger.Entry) (clean, throttled bool) {
	login, err := wire.EncodeLogin(s.creds)
	if err != nil {
		log.WithError(err).Error("cannot build login message")
		conn.Close()
		return false, false
	}
	if err := s.write(websocket.TextMessage, login); err != nil {
		log.WithError(err).Warn("login write failed")
		conn.Close()
		return false, false
	}

	if err := s.replay(); err != nil {
		log.WithError(err).Warn("subscription replay failed")
		conn.Close()
		return false, false
	}

	done := make(chan struct{})
	s.wg.Add(1)
	go s.pingLoop(conn, done)
	defer func() {
		close(done)
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return s.classifyClose(err, log)
		}
		s.framesRead.Add(1)
		s.countInbound(len(msg))
		s.handleMessage(msg, log)
	}
}

// countInbound feeds the runtime report counters.
func (s *Session) countInbound(size int) {
	switch s.name {
	case ChannelOrders:
		logger.IncrementOrderEvent(size)
	case ChannelDepth:
		logger.RecordChannelMessage("depth_ws", size)
	default:
		logger.IncrementFrameRead(size)
	}
}

// handleMessage decodes one inbound payload and broadcasts the event. A
// malformed frame is logged and dropped; it never terminates the session.
func (s *Session) handleMessage(msg []byte, log *logger.Entry) {
	var ev wire.Event
	var err error
	if s.binary {
		ev, err = wire.Decode(msg)
	} else {
		ev, err = wire.DecodeJSON(msg)
	}
	if err != nil {
		s.decodeErrors.Add(1)
		metrics.IncrementDecodeError(s.name)
		logger.IncrementDecodeError()
		log.WithError(err).Warn("dropping malformed frame")
		return
	}

	metrics.IncrementFrame(ev.ExchangeSegment, ev.Kind.String())

	if ev.Kind == wire.KindDisconnect && ev.Disconnect != nil {
		s.handleDisconnect(ev.Disconnect.Reason, log)
	} else if s.authFailures != 0 {
		// data flowing means the login was accepted
		s.authFailures = 0
	}

	s.eventsEmitted.Add(1)
	s.listeners.emit(log, ev)

	if s.events != nil {
		if !s.events.SendEvent(s.ctx, ev) && s.ctx.Err() == nil {
			metrics.IncrementDrop(s.name)
			metrics.EmitDropMetric(s.log, dropMetric(s.name), s.name,
				ev.ExchangeSegment, strconv.Itoa(int(ev.SecurityID)), "events")
		}
	}
}

func dropMetric(channel string) metrics.DropMetric {
	switch channel {
	case ChannelDepth:
		return metrics.DropMetricDepthEvent
	case ChannelOrders:
		return metrics.DropMetricOrderEvent
	default:
		return metrics.DropMetricMarketEvent
	}
}

// handleDisconnect reacts to the feed-side termination notice that precedes
// a server close.
func (s *Session) handleDisconnect(reason uint16, log *logger.Entry) {
	log.WithFields(logger.Fields{"reason": reason}).Warn("feed disconnect notice")
	switch {
	case wire.AuthReason(reason):
		s.authFailures++
		rate.ReportAuthRejected(s.log, s.name, reason)
		if limit := s.feed.AuthFailureLimit; limit > 0 && s.authFailures >= limit {
			s.authExceeded = true
			select {
			case s.errs <- fmt.Errorf("%s session: %d consecutive auth rejections", s.name, s.authFailures):
			default:
			}
		}
	case reason == wire.DisconnectConnLimit:
		s.throttleNotice = true
		rate.ReportRateLimitExceeded(s.log, s.name)
	}
}

// classifyClose decides what the reconnect loop does with a read error.
// Clean means the normal close code with no throttle involvement; only that
// resets the backoff.
func (s *Session) classifyClose(err error, log *logger.Entry) (clean, throttled bool) {
	throttled = s.throttleNotice
	s.throttleNotice = false

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		if throttled {
			return false, true
		}
		log.Info("session closed cleanly")
		return true, false
	}
	if rate.ReportLimitFromMessage(s.log, s.name, err.Error()) {
		return false, true
	}
	if s.ctx.Err() == nil {
		log.WithError(err).Warn("websocket read error, reconnecting")
	}
	return false, throttled
}

// pingLoop keeps the connection alive. Control frames may be written
// concurrently with data frames, so no write lock is needed here.
func (s *Session) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer s.wg.Done()
	interval := time.Duration(s.feed.PingIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			deadline := s.now().Add(s.writeTimeout())
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// coolOff holds the session in CoolingOff for the fixed window after a
// rate-limit rejection. The backoff counter does not advance during the hold.
func (s *Session) coolOff(log *logger.Entry) bool {
	d := time.Duration(s.feed.Backoff.CooloffSeconds) * time.Second
	if d <= 0 {
		d = 60 * time.Second
	}
	s.setState(StateCoolingOff)
	log.WithFields(logger.Fields{"cooloff": d.String()}).Warn("rate limited, cooling off")
	return s.sleep(d)
}

func (s *Session) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Session) writeTimeout() time.Duration {
	if s.feed.WriteTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.feed.WriteTimeoutSeconds) * time.Second
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Session) clearConn() {
	s.connMu.Lock()
	s.conn = nil
	s.connMu.Unlock()
}

// write serializes data writes on the active connection.
func (s *Session) write(messageType int, payload []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("%s session not connected", s.name)
	}
	s.conn.SetWriteDeadline(s.now().Add(s.writeTimeout()))
	return s.conn.WriteMessage(messageType, payload)
}

// closeConn sends the normal close code and drops the transport, unblocking
// the read loop.
func (s *Session) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown")
	s.conn.WriteControl(websocket.CloseMessage, msg, s.now().Add(time.Second))
	s.conn.Close()
	s.conn = nil
}

// reportLoop periodically emits the session counters.
func (s *Session) reportLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportSessionMetrics(s.log, s.metricsSnapshot())
		}
	}
}

func (s *Session) metricsSnapshot() metrics.SessionMetrics {
	stats := metrics.SessionMetrics{
		Channel:       s.name,
		State:         s.State().String(),
		FramesRead:    s.framesRead.Load(),
		EventsEmitted: s.eventsEmitted.Load(),
		DecodeErrors:  s.decodeErrors.Load(),
		Reconnects:    s.reconnects.Load(),
		Subscriptions: s.SubscriptionCount(),
	}
	if s.events != nil {
		stats.Drops = s.events.GetStats().EventsDropped
	}
	return stats
}

// Status is the dashboard-facing snapshot of one session.
type Status struct {
	Name          string   `json:"name"`
	State         string   `json:"state"`
	Subscriptions []string `json:"subscriptions"`
	FramesRead    int64    `json:"frames_read"`
	EventsEmitted int64    `json:"events_emitted"`
	DecodeErrors  int64    `json:"decode_errors"`
	Reconnects    int64    `json:"reconnects"`
	Drops         int64    `json:"drops"`
}

func (s *Session) Status() Status {
	st := Status{
		Name:          s.name,
		State:         s.State().String(),
		Subscriptions: s.Subscriptions(),
		FramesRead:    s.framesRead.Load(),
		EventsEmitted: s.eventsEmitted.Load(),
		DecodeErrors:  s.decodeErrors.Load(),
		Reconnects:    s.reconnects.Load(),
	}
	if s.events != nil {
		st.Drops = s.events.GetStats().EventsDropped
	}
	return st
}
