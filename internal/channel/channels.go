package channel

import (
	"context"
	"sync"
	"time"

	"dhanflow/internal/wire"
	"dhanflow/logger"
)

type ChannelStats struct {
	EventsSent    int64
	EventsDropped int64
}

// Channels carries decoded feed events from one session to its consumers.
// Sends never block: when the buffer is full the event is dropped and counted,
// so a slow consumer cannot stall the read loop.
type Channels struct {
	Name   string
	Events chan wire.Event

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(name string, eventBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Name:   name,
		Events: make(chan wire.Event, eventBufferSize),
		log:    log,
	}

	log.WithComponent("event_channels").WithFields(logger.Fields{
		"channel":           name,
		"event_buffer_size": eventBufferSize,
	}).Info("event channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Events)
	c.log.WithComponent("event_channels").WithField("channel", c.Name).Info("event channels closed")
}

func (c *Channels) IncrementEventsSent() {
	c.statsMutex.Lock()
	c.stats.EventsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementEventsDropped() {
	c.statsMutex.Lock()
	c.stats.EventsDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) SendEvent(ctx context.Context, ev wire.Event) bool {
	select {
	case c.Events <- ev:
		c.IncrementEventsSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementEventsDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs send and drop counters every 30 seconds until the
// context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := c.GetStats()
				c.log.WithComponent("event_channels").WithFields(logger.Fields{
					"events_sent":     stats.EventsSent,
					"events_dropped":  stats.EventsDropped,
					"buffer_length":   len(c.Events),
					"buffer_capacity": cap(c.Events),
				}).Info("channel statistics")
			}
		}
	}()
}
