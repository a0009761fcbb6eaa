package recorder

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"dhanflow/internal/wire"
)

// Row is the flattened parquet schema for recorded feed events. One event
// becomes one row; fields that a packet kind does not carry stay zero.
type Row struct {
	Channel      string  `parquet:"name=channel, type=BYTE_ARRAY, convertedtype=UTF8"`
	Segment      string  `parquet:"name=segment, type=BYTE_ARRAY, convertedtype=UTF8"`
	SecurityID   int32   `parquet:"name=security_id, type=INT32"`
	Kind         string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt   int64   `parquet:"name=received_at, type=INT64"`
	LastPrice    float64 `parquet:"name=last_price, type=DOUBLE"`
	LastQty      int64   `parquet:"name=last_qty, type=INT64"`
	AvgPrice     float64 `parquet:"name=avg_price, type=DOUBLE"`
	Volume       int64   `parquet:"name=volume, type=INT64"`
	OpenInterest int64   `parquet:"name=open_interest, type=INT64"`
	BestBidPrice float64 `parquet:"name=best_bid_price, type=DOUBLE"`
	BestBidQty   int64   `parquet:"name=best_bid_qty, type=INT64"`
	BestAskPrice float64 `parquet:"name=best_ask_price, type=DOUBLE"`
	BestAskQty   int64   `parquet:"name=best_ask_qty, type=INT64"`
}

// rowFrom flattens one market data event. Events that are not market data
// (order alerts, disconnect notices, unrecognized frames) report false and
// are not recorded.
func rowFrom(channel string, ev wire.Event, receivedAt time.Time) (Row, bool) {
	row := Row{
		Channel:    channel,
		Segment:    ev.ExchangeSegment,
		SecurityID: ev.SecurityID,
		Kind:       ev.Kind.String(),
		ReceivedAt: receivedAt.UnixMilli(),
	}

	switch ev.Kind {
	case wire.KindTicker:
		row.LastPrice = float64(ev.Ticker.LastPrice)

	case wire.KindQuote:
		fillQuote(&row, ev.Quote)

	case wire.KindFull:
		fillQuote(&row, &ev.Full.Quote)
		row.OpenInterest = int64(ev.Full.OpenInterest)
		best := ev.Full.Depth[0]
		row.BestBidPrice = float64(best.BidPrice)
		row.BestBidQty = int64(best.BidQty)
		row.BestAskPrice = float64(best.AskPrice)
		row.BestAskQty = int64(best.AskQty)

	case wire.KindOI:
		row.OpenInterest = int64(ev.OI.OI)

	case wire.KindPrevClose:
		row.LastPrice = float64(ev.PrevClose.PrevPrice)
		row.OpenInterest = int64(ev.PrevClose.PrevOI)

	case wire.KindDepth:
		if len(ev.Depth.Bids) > 0 {
			row.BestBidPrice = ev.Depth.Bids[0].Price
			row.BestBidQty = ev.Depth.Bids[0].Quantity
		}
		if len(ev.Depth.Asks) > 0 {
			row.BestAskPrice = ev.Depth.Asks[0].Price
			row.BestAskQty = ev.Depth.Asks[0].Quantity
		}

	default:
		return Row{}, false
	}
	return row, true
}

func fillQuote(row *Row, q *wire.Quote) {
	row.LastPrice = float64(q.LastPrice)
	row.LastQty = int64(q.LastQty)
	row.AvgPrice = float64(q.AvgPrice)
	row.Volume = int64(q.Volume)
}

// memoryFile adapts a byte buffer to the parquet file interface so batches
// are encoded without touching disk before upload.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(name string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(name string) (source.ParquetFile, error)   { return m, nil }

func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	// write-only usage, the writer never seeks backwards
	return int64(m.buffer.Len()), nil
}

func (m *memoryFile) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                { return nil }

// encodeBatch writes the rows into an in-memory parquet file.
func encodeBatch(rows []Row, compression string) ([]byte, error) {
	mf := newMemoryFile()
	pw, err := writer.NewParquetWriter(mf, new(Row), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}

	switch compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return mf.buffer.Bytes(), nil
}
