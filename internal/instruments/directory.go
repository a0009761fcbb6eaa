package instruments

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dhanflow/config"
	"dhanflow/logger"
)

const (
	masterFileName     = "api-scrip-master.csv"
	masterFetchTimeout = 2 * time.Minute
)

// Directory downloads the instrument master and serves it per exchange
// segment. The master is a single CSV covering every segment, so one fetch
// populates all of them. Results are cached in memory and on disk for the
// configured TTL, and a rate limiter guards the download endpoint.
type Directory struct {
	cfg     config.InstrumentsConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Entry

	mu        sync.Mutex
	segments  map[string][]Instrument
	fetchedAt time.Time

	now func() time.Time
}

func NewDirectory(cfg config.InstrumentsConfig) *Directory {
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &Directory{
		cfg:     cfg,
		client:  &http.Client{Timeout: masterFetchTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst),
		log:     logger.GetLogger().WithComponent("instrument_directory"),
		now:     time.Now,
	}
}

// Segment returns the instruments of one exchange segment, loading the master
// if the cached copy is missing or older than the TTL. When a refresh fails
// but a previous copy is still in memory, the stale copy is served and the
// error is only logged.
func (d *Directory) Segment(ctx context.Context, segment string) ([]Instrument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.segments != nil && d.now().Sub(d.fetchedAt) < d.ttl() {
		return d.segments[segment], nil
	}

	if err := d.load(ctx); err != nil {
		if d.segments != nil {
			d.log.WithError(err).Warn("instrument master refresh failed, serving stale copy")
			return d.segments[segment], nil
		}
		return nil, err
	}
	return d.segments[segment], nil
}

func (d *Directory) ttl() time.Duration {
	if d.cfg.CacheTTLMinutes <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(d.cfg.CacheTTLMinutes) * time.Minute
}

// load refreshes the in-memory master, preferring a fresh-enough disk cache
// over the network. Callers hold d.mu.
func (d *Directory) load(ctx context.Context) error {
	if path := d.cachePath(); path != "" {
		if st, err := os.Stat(path); err == nil && d.now().Sub(st.ModTime()) < d.ttl() {
			data, err := os.ReadFile(path)
			if err == nil {
				segs, perr := parseMaster(bytes.NewReader(data))
				if perr == nil {
					d.segments = segs
					d.fetchedAt = st.ModTime()
					d.log.WithFields(logger.Fields{
						"path":        path,
						"segments":    len(segs),
						"instruments": countInstruments(segs),
					}).Info("loaded instrument master from disk cache")
					return nil
				}
				d.log.WithError(perr).Warn("cached instrument master unreadable, refetching")
			}
		}
	}
	return d.fetch(ctx)
}

func (d *Directory) fetch(ctx context.Context) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("instrument master rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.MasterURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "dhanflow/1.0")
	req.Header.Set("Accept", "text/csv")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("instrument master fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("instrument master fetch failed: HTTP %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read instrument master: %w", err)
	}

	segs, err := parseMaster(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to parse instrument master: %w", err)
	}
	logger.LogPerformanceEntry(d.log, "instrument_directory", "master_fetch", time.Since(start), logger.Fields{
		"bytes": len(body),
	})

	d.writeCache(body)
	d.segments = segs
	d.fetchedAt = d.now()
	d.log.WithFields(logger.Fields{
		"url":         d.cfg.MasterURL,
		"bytes":       len(body),
		"segments":    len(segs),
		"instruments": countInstruments(segs),
	}).Info("downloaded instrument master")
	return nil
}

func (d *Directory) cachePath() string {
	if d.cfg.CacheDir == "" {
		return ""
	}
	return filepath.Join(d.cfg.CacheDir, masterFileName)
}

// writeCache persists the raw CSV next to a temp file and renames it into
// place so concurrent readers never observe a partial write. Cache failures
// are logged and otherwise ignored.
func (d *Directory) writeCache(data []byte) {
	path := d.cachePath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(d.cfg.CacheDir, 0o755); err != nil {
		d.log.WithError(err).Warn("failed to create instrument cache dir")
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		d.log.WithError(err).Warn("failed to write instrument cache")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		d.log.WithError(err).Warn("failed to write instrument cache")
	}
}

// parseMaster reads the detailed scrip master CSV. Columns are located by
// header name so upstream column reordering does not break parsing. Rows
// whose exchange and segment letters do not map to a known wire segment are
// skipped.
func parseMaster(r io.Reader) (map[string][]Instrument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("missing header row: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"SEM_EXM_EXCH_ID", "SEM_SEGMENT", "SEM_SMST_SECURITY_ID", "SEM_TRADING_SYMBOL"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("missing column %s", required)
		}
	}

	get := func(row []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	segments := make(map[string][]Instrument)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed row: %w", err)
		}

		segment := SegmentFor(get(row, "SEM_EXM_EXCH_ID"), get(row, "SEM_SEGMENT"))
		if segment == "" {
			continue
		}
		securityID := get(row, "SEM_SMST_SECURITY_ID")
		if securityID == "" {
			continue
		}

		segments[segment] = append(segments[segment], Instrument{
			ExchangeSegment: segment,
			SecurityID:      securityID,
			TradingSymbol:   get(row, "SEM_TRADING_SYMBOL"),
			CustomSymbol:    get(row, "SEM_CUSTOM_SYMBOL"),
			SymbolName:      get(row, "SM_SYMBOL_NAME"),
			Series:          get(row, "SEM_SERIES"),
			InstrumentType:  get(row, "SEM_EXCH_INSTRUMENT_TYPE"),
			Name:            get(row, "SEM_INSTRUMENT_NAME"),
			LotSize:         parseIntField(get(row, "SEM_LOT_UNITS")),
			TickSize:        parseFloatField(get(row, "SEM_TICK_SIZE")),
			ExpiryDate:      get(row, "SEM_EXPIRY_DATE"),
			StrikePrice:     parseFloatField(get(row, "SEM_STRIKE_PRICE")),
			OptionType:      get(row, "SEM_OPTION_TYPE"),
		})
	}
	return segments, nil
}

func parseIntField(s string) int {
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

func parseFloatField(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func countInstruments(segments map[string][]Instrument) int {
	total := 0
	for _, list := range segments {
		total += len(list)
	}
	return total
}
