package wire

import (
	"encoding/binary"
	"fmt"
)

// Response codes carried in the first header byte of a binary feed frame.
const (
	ResponseTicker     uint8 = 2
	ResponseQuote      uint8 = 4
	ResponseOI         uint8 = 5
	ResponsePrevClose  uint8 = 6
	ResponseFull       uint8 = 8
	ResponseDisconnect uint8 = 50
)

// Request codes for outbound feed commands. Subscribe and unsubscribe use
// adjacent codes per feed mode.
const (
	RequestTickerSubscribe   = 15
	RequestTickerUnsubscribe = 16
	RequestQuoteSubscribe    = 17
	RequestQuoteUnsubscribe  = 18
	RequestFullSubscribe     = 21
	RequestFullUnsubscribe   = 22
	RequestDepthSubscribe    = 23
	RequestDepthUnsubscribe  = 24
)

// LoginMsgCode identifies the post-connect authorisation message.
const LoginMsgCode = 42

// MaxInstrumentsPerRequest is the feed-side cap on instruments carried by a
// single subscribe or unsubscribe command.
const MaxInstrumentsPerRequest = 100

// Exchange segment identifiers as they appear in subscribe commands and in the
// instrument master. The byte values are the codes used in the binary frame
// header.
const (
	SegmentIndex       = "IDX_I"
	SegmentNSEEquity   = "NSE_EQ"
	SegmentNSEFNO      = "NSE_FNO"
	SegmentNSECurrency = "NSE_CURRENCY"
	SegmentBSEEquity   = "BSE_EQ"
	SegmentMCX         = "MCX_COMM"
	SegmentBSECurrency = "BSE_CURRENCY"
	SegmentBSEFNO      = "BSE_FNO"
)

var segmentCodes = map[string]byte{
	SegmentIndex:       0,
	SegmentNSEEquity:   1,
	SegmentNSEFNO:      2,
	SegmentNSECurrency: 3,
	SegmentBSEEquity:   4,
	SegmentMCX:         5,
	SegmentBSECurrency: 7,
	SegmentBSEFNO:      8,
}

var segmentNames = map[byte]string{
	0: SegmentIndex,
	1: SegmentNSEEquity,
	2: SegmentNSEFNO,
	3: SegmentNSECurrency,
	4: SegmentBSEEquity,
	5: SegmentMCX,
	7: SegmentBSECurrency,
	8: SegmentBSEFNO,
}

// SegmentName maps a header segment byte to its wire name. Unknown codes map
// to a synthetic name so events stay inspectable.
func SegmentName(code byte) string {
	if name, ok := segmentNames[code]; ok {
		return name
	}
	return fmt.Sprintf("SEGMENT_%d", code)
}

// SegmentCode maps a segment name to its header byte.
func SegmentCode(name string) (byte, bool) {
	code, ok := segmentCodes[name]
	return code, ok
}

// HeaderSize is the fixed length of the binary frame header.
const HeaderSize = 8

// Header is the fixed 8-byte prefix of every binary feed frame. MessageLength
// is big-endian and covers the whole frame; SecurityID is little-endian.
type Header struct {
	ResponseCode    uint8
	MessageLength   uint16
	ExchangeSegment byte
	SecurityID      int32
}

// ParseHeader reads the fixed frame prefix. Inputs shorter than HeaderSize
// produce a DecodeError.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, &DecodeError{Reason: fmt.Sprintf("frame too short: %d bytes, need %d", len(data), HeaderSize)}
	}
	return Header{
		ResponseCode:    data[0],
		MessageLength:   binary.BigEndian.Uint16(data[1:3]),
		ExchangeSegment: data[3],
		SecurityID:      int32(binary.LittleEndian.Uint32(data[4:8])),
	}, nil
}

// Kind discriminates the decoded event union.
type Kind uint8

const (
	KindUnrecognized Kind = iota
	KindTicker
	KindQuote
	KindFull
	KindOI
	KindPrevClose
	KindDisconnect
	KindDepth
	KindOrder
)

func (k Kind) String() string {
	switch k {
	case KindTicker:
		return "ticker"
	case KindQuote:
		return "quote"
	case KindFull:
		return "full"
	case KindOI:
		return "oi"
	case KindPrevClose:
		return "prev_close"
	case KindDisconnect:
		return "disconnect"
	case KindDepth:
		return "depth"
	case KindOrder:
		return "order_alert"
	default:
		return "unrecognized"
	}
}

// Event is the decoded form of one inbound message. Exactly one payload
// pointer is non-nil, selected by Kind; Raw carries the undecoded payload for
// unrecognized frames.
type Event struct {
	Kind            Kind
	ExchangeSegment string
	SecurityID      int32

	Ticker     *Ticker
	Quote      *Quote
	Full       *Full
	OI         *OpenInterest
	PrevClose  *PrevClose
	Disconnect *Disconnect
	Depth      *DepthBook
	Order      *OrderAlert
	Raw        []byte
}

// Ticker is the minimal last-trade packet.
type Ticker struct {
	LastPrice     float32 `json:"last_price"`
	LastTradeTime int32   `json:"last_trade_time"`
}

// Quote carries the standard market snapshot.
type Quote struct {
	LastPrice     float32 `json:"last_price"`
	LastQty       uint16  `json:"last_qty"`
	LastTradeTime uint32  `json:"last_trade_time"`
	AvgPrice      float32 `json:"avg_price"`
	Volume        uint32  `json:"volume"`
	TotalSellQty  int32   `json:"total_sell_qty"`
	TotalBuyQty   int32   `json:"total_buy_qty"`
	DayOpen       float32 `json:"day_open"`
	DayClose      float32 `json:"day_close"`
	DayHigh       float32 `json:"day_high"`
	DayLow        float32 `json:"day_low"`
}

// DepthLevel is one of the five ladder rows embedded in a Full packet.
type DepthLevel struct {
	BidQty    uint32  `json:"bid_qty"`
	AskQty    uint32  `json:"ask_qty"`
	BidOrders uint16  `json:"bid_orders"`
	AskOrders uint16  `json:"ask_orders"`
	BidPrice  float32 `json:"bid_price"`
	AskPrice  float32 `json:"ask_price"`
}

// Full extends Quote with open-interest figures and a five-level ladder.
type Full struct {
	Quote
	OpenInterest int32         `json:"open_interest"`
	HighOI       int32         `json:"high_oi"`
	LowOI        int32         `json:"low_oi"`
	Depth        [5]DepthLevel `json:"depth"`
}

// OpenInterest is the standalone OI update packet.
type OpenInterest struct {
	OI int32 `json:"oi"`
}

// PrevClose carries the previous session's close and open interest.
type PrevClose struct {
	PrevPrice float32 `json:"prev_price"`
	PrevOI    int32   `json:"prev_oi"`
}

// Disconnect is the feed-side termination notice. Reason is big-endian on the
// wire.
type Disconnect struct {
	Reason uint16 `json:"reason"`
}

// Feed disconnect reason codes observed on the wire.
const (
	DisconnectConnLimit     uint16 = 805
	DisconnectNotSubscribed uint16 = 806
	DisconnectTokenExpired  uint16 = 807
	DisconnectAuthFailed    uint16 = 808
	DisconnectTokenInvalid  uint16 = 809
)

// AuthReason reports whether a disconnect reason indicates a rejected login
// rather than a transient transport problem.
func AuthReason(code uint16) bool {
	switch code {
	case DisconnectTokenExpired, DisconnectAuthFailed, DisconnectTokenInvalid:
		return true
	}
	return false
}

// DecodeError describes a frame that could not be decoded. Malformed frames
// are reported, never panicked on.
type DecodeError struct {
	ResponseCode uint8
	Reason       string
}

func (e *DecodeError) Error() string {
	if e.ResponseCode != 0 {
		return fmt.Sprintf("decode frame code %d: %s", e.ResponseCode, e.Reason)
	}
	return "decode frame: " + e.Reason
}

func shortPayload(code uint8, kind string, need, got int) *DecodeError {
	return &DecodeError{
		ResponseCode: code,
		Reason:       fmt.Sprintf("%s payload too short: %d bytes, need %d", kind, got, need),
	}
}
