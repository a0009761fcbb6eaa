package wire

import (
	"encoding/binary"
	"math"
)

// Payload sizes per packet kind, excluding the 8-byte header.
const (
	tickerPayloadSize     = 8
	quotePayloadSize      = 42
	fullPayloadSize       = quotePayloadSize + 12 + 5*depthLevelSize
	depthLevelSize        = 20
	oiPayloadSize         = 4
	prevClosePayloadSize  = 8
	disconnectPayloadSize = 2
)

// Decode turns one binary feed frame into a typed event. It never panics:
// truncated or malformed input yields a DecodeError, and unknown response
// codes yield a KindUnrecognized event carrying the raw payload. The declared
// frame length is not trusted; decoding works from the bytes actually
// received.
func Decode(data []byte) (Event, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return Event{}, err
	}

	evt := Event{
		ExchangeSegment: SegmentName(header.ExchangeSegment),
		SecurityID:      header.SecurityID,
	}
	payload := data[HeaderSize:]

	switch header.ResponseCode {
	case ResponseTicker:
		if len(payload) < tickerPayloadSize {
			return Event{}, shortPayload(header.ResponseCode, "ticker", tickerPayloadSize, len(payload))
		}
		evt.Kind = KindTicker
		evt.Ticker = &Ticker{
			LastPrice:     f32At(payload, 0),
			LastTradeTime: i32At(payload, 4),
		}

	case ResponseQuote:
		if len(payload) < quotePayloadSize {
			return Event{}, shortPayload(header.ResponseCode, "quote", quotePayloadSize, len(payload))
		}
		evt.Kind = KindQuote
		quote := decodeQuote(payload)
		evt.Quote = &quote

	case ResponseFull:
		if len(payload) < fullPayloadSize {
			return Event{}, shortPayload(header.ResponseCode, "full", fullPayloadSize, len(payload))
		}
		evt.Kind = KindFull
		full := &Full{
			Quote:        decodeQuote(payload),
			OpenInterest: i32At(payload, 42),
			HighOI:       i32At(payload, 46),
			LowOI:        i32At(payload, 50),
		}
		for level := 0; level < 5; level++ {
			off := 54 + level*depthLevelSize
			full.Depth[level] = DepthLevel{
				BidQty:    u32At(payload, off),
				AskQty:    u32At(payload, off+4),
				BidOrders: u16At(payload, off+8),
				AskOrders: u16At(payload, off+10),
				BidPrice:  f32At(payload, off+12),
				AskPrice:  f32At(payload, off+16),
			}
		}
		evt.Full = full

	case ResponseOI:
		if len(payload) < oiPayloadSize {
			return Event{}, shortPayload(header.ResponseCode, "oi", oiPayloadSize, len(payload))
		}
		evt.Kind = KindOI
		evt.OI = &OpenInterest{OI: i32At(payload, 0)}

	case ResponsePrevClose:
		if len(payload) < prevClosePayloadSize {
			return Event{}, shortPayload(header.ResponseCode, "prev_close", prevClosePayloadSize, len(payload))
		}
		evt.Kind = KindPrevClose
		evt.PrevClose = &PrevClose{
			PrevPrice: f32At(payload, 0),
			PrevOI:    i32At(payload, 4),
		}

	case ResponseDisconnect:
		if len(payload) < disconnectPayloadSize {
			return Event{}, shortPayload(header.ResponseCode, "disconnect", disconnectPayloadSize, len(payload))
		}
		evt.Kind = KindDisconnect
		// reason code is the one big-endian payload field
		evt.Disconnect = &Disconnect{Reason: binary.BigEndian.Uint16(payload[0:2])}

	default:
		evt.Kind = KindUnrecognized
		evt.Raw = payload
	}

	return evt, nil
}

// decodeQuote reads the 42-byte quote block shared by quote and full packets.
func decodeQuote(p []byte) Quote {
	return Quote{
		LastPrice:     f32At(p, 0),
		LastQty:       u16At(p, 4),
		LastTradeTime: u32At(p, 6),
		AvgPrice:      f32At(p, 10),
		Volume:        u32At(p, 14),
		TotalSellQty:  i32At(p, 18),
		TotalBuyQty:   i32At(p, 22),
		DayOpen:       f32At(p, 26),
		DayClose:      f32At(p, 30),
		DayHigh:       f32At(p, 34),
		DayLow:        f32At(p, 38),
	}
}

func u16At(p []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(p[off : off+2])
}

func u32At(p []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(p[off : off+4])
}

func i32At(p []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(p[off : off+4]))
}

func f32At(p []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(p[off : off+4]))
}
