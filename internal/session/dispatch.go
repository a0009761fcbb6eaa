package session

import (
	"sync"

	"dhanflow/internal/wire"
	"dhanflow/logger"
)

// Handler consumes one decoded event. Handlers run synchronously on the
// session's read goroutine, so long-running work must be handed off to the
// handler's own goroutine.
type Handler func(wire.Event)

type listenerSet struct {
	mu     sync.RWMutex
	byKind map[wire.Kind][]Handler
	all    []Handler
}

func newListenerSet() *listenerSet {
	return &listenerSet{byKind: make(map[wire.Kind][]Handler)}
}

func (l *listenerSet) on(kind wire.Kind, h Handler) {
	l.mu.Lock()
	l.byKind[kind] = append(l.byKind[kind], h)
	l.mu.Unlock()
}

func (l *listenerSet) onAny(h Handler) {
	l.mu.Lock()
	l.all = append(l.all, h)
	l.mu.Unlock()
}

// emit invokes every listener registered for the event's kind, then the
// catch-all listeners. A panicking listener is logged and does not affect
// the others or the session.
func (l *listenerSet) emit(log *logger.Entry, ev wire.Event) {
	l.mu.RLock()
	kindHandlers := append([]Handler(nil), l.byKind[ev.Kind]...)
	anyHandlers := append([]Handler(nil), l.all...)
	l.mu.RUnlock()

	for _, h := range kindHandlers {
		invoke(log, h, ev)
	}
	for _, h := range anyHandlers {
		invoke(log, h, ev)
	}
}

func invoke(log *logger.Entry, h Handler, ev wire.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{"panic": r, "kind": ev.Kind.String()}).Error("listener panicked")
		}
	}()
	h(ev)
}
