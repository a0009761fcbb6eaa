package instruments

import "dhanflow/internal/wire"

// Instrument is one row of the instrument master, reduced to the fields the
// client needs for resolution and display.
type Instrument struct {
	ExchangeSegment string  `json:"exchange_segment"`
	SecurityID      string  `json:"security_id"`
	TradingSymbol   string  `json:"trading_symbol"`
	CustomSymbol    string  `json:"custom_symbol,omitempty"`
	SymbolName      string  `json:"symbol_name,omitempty"`
	Series          string  `json:"series,omitempty"`
	InstrumentType  string  `json:"instrument_type,omitempty"`
	Name            string  `json:"name,omitempty"`
	LotSize         int     `json:"lot_size,omitempty"`
	TickSize        float64 `json:"tick_size,omitempty"`
	ExpiryDate      string  `json:"expiry_date,omitempty"`
	StrikePrice     float64 `json:"strike_price,omitempty"`
	OptionType      string  `json:"option_type,omitempty"`
}

// SegmentFor maps the master's exchange id and segment letter to the wire
// segment name. Index rows map to IDX_I regardless of the listing exchange.
// Unknown combinations return the empty string.
func SegmentFor(exchange, segment string) string {
	if segment == "I" {
		return wire.SegmentIndex
	}
	switch exchange {
	case "NSE":
		switch segment {
		case "E":
			return wire.SegmentNSEEquity
		case "D":
			return wire.SegmentNSEFNO
		case "C":
			return wire.SegmentNSECurrency
		}
	case "BSE":
		switch segment {
		case "E":
			return wire.SegmentBSEEquity
		case "D":
			return wire.SegmentBSEFNO
		case "C":
			return wire.SegmentBSECurrency
		}
	case "MCX":
		if segment == "M" {
			return wire.SegmentMCX
		}
	}
	return ""
}
