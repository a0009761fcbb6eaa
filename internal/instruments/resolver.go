package instruments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"dhanflow/internal/wire"
	"dhanflow/logger"
)

// Source supplies the instruments of one exchange segment.
type Source interface {
	Segment(ctx context.Context, segment string) ([]Instrument, error)
}

// ResolutionError reports a reference that could not be turned into exactly
// one instrument.
type ResolutionError struct {
	Ref    string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %q: %s", e.Ref, e.Reason)
}

var errNotFound = errors.New("instrument not found")

// defaultProbeOrder is the segment priority for bare references without a
// segment prefix. Cash equities come first so the common case resolves on
// the first probe.
var defaultProbeOrder = []string{
	wire.SegmentNSEEquity,
	wire.SegmentBSEEquity,
	wire.SegmentNSEFNO,
	wire.SegmentBSEFNO,
	wire.SegmentIndex,
	wire.SegmentNSECurrency,
	wire.SegmentBSECurrency,
	wire.SegmentMCX,
}

// LabelKey normalizes a caller reference into the key used to deduplicate
// subscriptions. References differing only in case or surrounding space
// share one subscription slot.
func LabelKey(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

// Resolver turns caller instrument references into subscription entries.
// A reference is either "SEGMENT:IDENT" or a bare code. A numeric IDENT with
// an explicit segment already names the security and is accepted without a
// lookup; everything else is matched against per-segment indexes built
// lazily from the Source (trading symbol, display symbol, underlying name
// and "symbol:series" composite).
type Resolver struct {
	src        Source
	probeOrder []string
	log        *logger.Entry

	mu        sync.Mutex
	universes map[string]*universe
}

func NewResolver(src Source, probeOrder []string) *Resolver {
	r := &Resolver{
		src:       src,
		log:       logger.GetLogger().WithComponent("instrument_resolver"),
		universes: make(map[string]*universe),
	}
	for _, name := range probeOrder {
		segment := strings.ToUpper(strings.TrimSpace(name))
		if _, known := wire.SegmentCode(segment); !known {
			r.log.WithFields(logger.Fields{"segment": name}).Warn("ignoring unknown segment in probe order")
			continue
		}
		r.probeOrder = append(r.probeOrder, segment)
	}
	if len(r.probeOrder) == 0 {
		r.probeOrder = defaultProbeOrder
	}
	return r
}

// Resolve maps one reference to a subscription entry.
//
// References with an unknown prefix before ":" are treated as bare codes, so
// composites like "HDFCBANK:EQ" still resolve. During bare probing an
// ambiguous segment is skipped in favor of a later unique match; the
// ambiguity is reported only when no segment produces one. References
// matching nothing return a *ResolutionError; source failures are returned
// as-is.
func (r *Resolver) Resolve(ctx context.Context, ref string) (wire.SubscriptionEntry, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return wire.SubscriptionEntry{}, &ResolutionError{Ref: ref, Reason: "empty reference"}
	}

	if seg, ident, ok := strings.Cut(trimmed, ":"); ok {
		segment := strings.ToUpper(strings.TrimSpace(seg))
		if _, known := wire.SegmentCode(segment); known {
			ident = strings.TrimSpace(ident)
			if ident == "" {
				return wire.SubscriptionEntry{}, &ResolutionError{Ref: ref, Reason: "empty identifier"}
			}
			if isNumeric(ident) {
				return wire.SubscriptionEntry{ExchangeSegment: segment, SecurityID: ident}, nil
			}
			inst, err := r.find(ctx, segment, ident)
			if err != nil {
				if errors.Is(err, errNotFound) {
					return wire.SubscriptionEntry{}, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("no instrument in %s", segment)}
				}
				return wire.SubscriptionEntry{}, err
			}
			return wire.SubscriptionEntry{ExchangeSegment: segment, SecurityID: inst.SecurityID}, nil
		}
	}

	var ambiguous *ResolutionError
	for _, segment := range r.probeOrder {
		inst, err := r.find(ctx, segment, trimmed)
		if err != nil {
			if errors.Is(err, errNotFound) {
				continue
			}
			var rerr *ResolutionError
			if errors.As(err, &rerr) {
				if ambiguous == nil {
					ambiguous = rerr
				}
				continue
			}
			return wire.SubscriptionEntry{}, err
		}
		return wire.SubscriptionEntry{ExchangeSegment: segment, SecurityID: inst.SecurityID}, nil
	}
	if ambiguous != nil {
		return wire.SubscriptionEntry{}, ambiguous
	}
	return wire.SubscriptionEntry{}, &ResolutionError{Ref: ref, Reason: "no instrument matched"}
}

// LabelFor returns a display label for a security, preferring the trading
// symbol from the instrument master and falling back to the numeric form.
func (r *Resolver) LabelFor(ctx context.Context, segment string, securityID int32) string {
	fallback := fmt.Sprintf("%s:%d", segment, securityID)
	u, err := r.universe(ctx, segment)
	if err != nil {
		return fallback
	}
	inst, ok := u.byID[strconv.FormatInt(int64(securityID), 10)]
	if !ok || inst.TradingSymbol == "" {
		return fallback
	}
	return inst.TradingSymbol
}

func (r *Resolver) find(ctx context.Context, segment, ident string) (*Instrument, error) {
	u, err := r.universe(ctx, segment)
	if err != nil {
		return nil, err
	}

	key := strings.ToUpper(ident)
	if isNumeric(key) {
		if inst, ok := u.byID[key]; ok {
			return inst, nil
		}
		return nil, errNotFound
	}

	candidates := u.bySymbol[key]
	if len(candidates) == 0 {
		candidates = u.byDisplay[key]
	}
	if len(candidates) == 0 {
		candidates = u.byName[key]
	}
	if len(candidates) == 0 {
		candidates = u.byComposite[key]
	}
	switch len(candidates) {
	case 0:
		return nil, errNotFound
	case 1:
		return candidates[0], nil
	default:
		return nil, &ResolutionError{
			Ref:    segment + ":" + ident,
			Reason: fmt.Sprintf("ambiguous, matches %d instruments", len(candidates)),
		}
	}
}

// universe returns the lazily-built index for a segment. The mutex makes
// concurrent first-population attempts converge on one source fetch.
func (r *Resolver) universe(ctx context.Context, segment string) (*universe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.universes[segment]; ok {
		return u, nil
	}
	list, err := r.src.Segment(ctx, segment)
	if err != nil {
		return nil, fmt.Errorf("load %s instruments: %w", segment, err)
	}
	u := newUniverse(list)
	r.universes[segment] = u
	r.log.WithFields(logger.Fields{"segment": segment, "instruments": len(list)}).Debug("indexed instrument segment")
	return u, nil
}

type universe struct {
	instruments []Instrument
	byID        map[string]*Instrument
	bySymbol    map[string][]*Instrument
	byDisplay   map[string][]*Instrument
	byName      map[string][]*Instrument
	byComposite map[string][]*Instrument
}

func newUniverse(list []Instrument) *universe {
	u := &universe{
		instruments: list,
		byID:        make(map[string]*Instrument, len(list)),
		bySymbol:    make(map[string][]*Instrument, len(list)),
		byDisplay:   make(map[string][]*Instrument),
		byName:      make(map[string][]*Instrument),
		byComposite: make(map[string][]*Instrument),
	}
	for i := range u.instruments {
		inst := &u.instruments[i]
		u.byID[inst.SecurityID] = inst
		addIndexKey(u.bySymbol, inst.TradingSymbol, inst)
		addIndexKey(u.byDisplay, inst.CustomSymbol, inst)
		addIndexKey(u.byName, inst.SymbolName, inst)
		if inst.TradingSymbol != "" && inst.Series != "" {
			addIndexKey(u.byComposite, inst.TradingSymbol+":"+inst.Series, inst)
		}
	}
	return u
}

func addIndexKey(m map[string][]*Instrument, key string, inst *Instrument) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if key == "" {
		return
	}
	m[key] = append(m[key], inst)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
