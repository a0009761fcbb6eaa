package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gorilla/websocket"

	"dhanflow/internal/instruments"
	"dhanflow/internal/wire"
	"dhanflow/logger"
)

// Subscribe resolves each reference and adds it to the active set, sending
// the wire command for the new entries when the connection is open. An
// unresolvable reference is logged and skipped without aborting the batch;
// the skipped references come back as a joined error. References already in
// the set short-circuit on their normalized label without touching the
// resolver.
func (s *Session) Subscribe(ctx context.Context, refs ...string) error {
	if s.resolver == nil {
		return fmt.Errorf("%s channel does not take subscriptions", s.name)
	}
	log := s.log.WithComponent(s.name + "_session")

	var skipped []error
	var added []wire.SubscriptionEntry
	for _, ref := range refs {
		label := instruments.LabelKey(ref)
		if label == "" {
			continue
		}
		s.subMu.Lock()
		_, dup := s.subs[label]
		s.subMu.Unlock()
		if dup {
			continue
		}

		entry, err := s.resolver.Resolve(ctx, ref)
		if err != nil {
			var rerr *instruments.ResolutionError
			if errors.As(err, &rerr) {
				log.WithError(err).Warn("skipping unresolvable subscription")
				skipped = append(skipped, err)
				continue
			}
			return err
		}

		s.subMu.Lock()
		if _, dup := s.subs[label]; !dup {
			s.subs[label] = subscription{Label: label, Ref: ref, Entry: entry}
			added = append(added, entry)
		}
		s.subMu.Unlock()
	}

	if len(added) > 0 && s.State() == StateOpen {
		if err := s.sendCommand(s.subscribeCode(), added); err != nil {
			// the set is already updated; replay repairs the wire state
			// after the next reconnect
			log.WithError(err).Warn("subscribe command failed")
		}
	}
	return errors.Join(skipped...)
}

// Unsubscribe removes references from the active set and sends the wire
// command for the entries that were present. Unknown references are a no-op.
func (s *Session) Unsubscribe(ctx context.Context, refs ...string) error {
	if s.resolver == nil {
		return fmt.Errorf("%s channel does not take subscriptions", s.name)
	}

	var removed []wire.SubscriptionEntry
	s.subMu.Lock()
	for _, ref := range refs {
		label := instruments.LabelKey(ref)
		sub, ok := s.subs[label]
		if !ok {
			continue
		}
		delete(s.subs, label)
		removed = append(removed, sub.Entry)
	}
	s.subMu.Unlock()

	if len(removed) > 0 && s.State() == StateOpen {
		if err := s.sendCommand(s.unsubscribeCode(), removed); err != nil {
			s.log.WithComponent(s.name + "_session").WithError(err).Warn("unsubscribe command failed")
		}
	}
	return nil
}

// Subscriptions lists the active labels, sorted.
func (s *Session) Subscriptions() []string {
	s.subMu.Lock()
	labels := make([]string, 0, len(s.subs))
	for label := range s.subs {
		labels = append(labels, label)
	}
	s.subMu.Unlock()
	sort.Strings(labels)
	return labels
}

func (s *Session) SubscriptionCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

// replay re-issues the full subscription set on a fresh connection. The
// snapshot is taken once so concurrent Subscribe calls cannot tear it.
func (s *Session) replay() error {
	entries := s.subscriptionSnapshot()
	if len(entries) == 0 {
		return nil
	}
	if err := s.sendCommand(s.subscribeCode(), entries); err != nil {
		return err
	}
	s.log.WithComponent(s.name + "_session").WithFields(logger.Fields{"instruments": len(entries)}).Info("replayed subscriptions")
	return nil
}

// subscriptionSnapshot copies the active entries in a stable order so the
// chunked commands are deterministic.
func (s *Session) subscriptionSnapshot() []wire.SubscriptionEntry {
	s.subMu.Lock()
	entries := make([]wire.SubscriptionEntry, 0, len(s.subs))
	for _, sub := range s.subs {
		entries = append(entries, sub.Entry)
	}
	s.subMu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ExchangeSegment != entries[j].ExchangeSegment {
			return entries[i].ExchangeSegment < entries[j].ExchangeSegment
		}
		return entries[i].SecurityID < entries[j].SecurityID
	})
	return entries
}

func (s *Session) sendCommand(code int, entries []wire.SubscriptionEntry) error {
	payloads, err := wire.EncodeSubscription(code, entries)
	if err != nil {
		return err
	}
	for _, payload := range payloads {
		if err := s.write(websocket.TextMessage, payload); err != nil {
			return err
		}
	}
	s.log.WithComponent(s.name + "_session").WithFields(logger.Fields{
		"request_code": code,
		"instruments":  len(entries),
		"commands":     len(payloads),
	}).Debug("sent subscription command")
	return nil
}

func (s *Session) subscribeCode() int {
	if s.name == ChannelDepth {
		return wire.RequestDepthSubscribe
	}
	switch s.mode {
	case ModeTicker:
		return wire.RequestTickerSubscribe
	case ModeFull:
		return wire.RequestFullSubscribe
	default:
		return wire.RequestQuoteSubscribe
	}
}

func (s *Session) unsubscribeCode() int {
	if s.name == ChannelDepth {
		return wire.RequestDepthUnsubscribe
	}
	switch s.mode {
	case ModeTicker:
		return wire.RequestTickerUnsubscribe
	case ModeFull:
		return wire.RequestFullUnsubscribe
	default:
		return wire.RequestQuoteUnsubscribe
	}
}
