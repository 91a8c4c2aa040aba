package binance

import "time"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// FuturesPosition mirrors one row of /fapi/v2/positionRisk.
type FuturesPosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	Leverage         int     `json:"leverage,string"`
	MarginType       string  `json:"marginType"`
	PositionSide     string  `json:"positionSide"`
	UpdateTime       int64   `json:"updateTime"`
}

// Side derives the direction from the signed position amount.
func (p FuturesPosition) Side() PositionSide {
	if p.PositionAmt < 0 {
		return PositionSideShort
	}
	return PositionSideLong
}

// Quantity is the absolute open quantity.
func (p FuturesPosition) Quantity() float64 {
	if p.PositionAmt < 0 {
		return -p.PositionAmt
	}
	return p.PositionAmt
}

// FuturesAccountInfo is the subset of /fapi/v2/account the manager reads.
type FuturesAccountInfo struct {
	TotalWalletBalance    float64 `json:"totalWalletBalance,string"`
	TotalUnrealizedProfit float64 `json:"totalUnrealizedProfit,string"`
	TotalMarginBalance    float64 `json:"totalMarginBalance,string"`
	AvailableBalance      float64 `json:"availableBalance,string"`
}

// AccountMargin is the derived margin-health view of the account.
type AccountMargin struct {
	WalletBalance    float64 `json:"wallet_balance"`
	MarginBalance    float64 `json:"margin_balance"`
	AvailableBalance float64 `json:"available_balance"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	// MarginRatio is (margin_balance - available_balance) / margin_balance,
	// i.e. the fraction of margin currently committed. 0 when flat.
	MarginRatio float64 `json:"margin_ratio"`
}

// Kline is one OHLC candle, newest last in every slice the client returns.
type Kline struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// FuturesOrderResponse mirrors the /fapi/v1/order response.
type FuturesOrderResponse struct {
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderID string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Side          string  `json:"side"`
	ReduceOnly    bool    `json:"reduceOnly"`
	Type          string  `json:"type"`
}

// CloseResult reports the outcome of a reduce-only market close.
type CloseResult struct {
	Symbol      string  `json:"symbol"`
	OrderID     int64   `json:"order_id"`
	Requested   float64 `json:"requested_qty"`
	ExecutedQty float64 `json:"executed_qty"`
	AvgPrice    float64 `json:"avg_price"`
}

// SymbolFilters carries the exchange trading rules relevant to closes.
type SymbolFilters struct {
	Symbol      string  `json:"symbol"`
	MinQty      float64 `json:"min_qty"`
	StepSize    float64 `json:"step_size"`
	MinNotional float64 `json:"min_notional"`
}

// FuturesExchangeInfo is the subset of /fapi/v1/exchangeInfo we parse.
type FuturesExchangeInfo struct {
	ServerTime int64               `json:"serverTime"`
	Symbols    []FuturesSymbolInfo `json:"symbols"`
}

// FuturesSymbolInfo describes one tradable symbol and its filters.
type FuturesSymbolInfo struct {
	Symbol       string         `json:"symbol"`
	Status       string         `json:"status"`
	ContractType string         `json:"contractType"`
	QuoteAsset   string         `json:"quoteAsset"`
	Filters      []FuturesFilter `json:"filters"`
}

// FuturesFilter is one entry of a symbol's filter array. Binance sends
// filter fields as strings.
type FuturesFilter struct {
	FilterType string `json:"filterType"`
	MinQty     string `json:"minQty,omitempty"`
	MaxQty     string `json:"maxQty,omitempty"`
	StepSize   string `json:"stepSize,omitempty"`
	Notional   string `json:"notional,omitempty"`
}

// MarkPriceEvent is one <symbol>@markPrice stream payload.
type MarkPriceEvent struct {
	EventType string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	MarkPrice float64 `json:"p,string"`
}

// Time converts the event timestamp to time.Time.
func (e MarkPriceEvent) Time() time.Time {
	return time.UnixMilli(e.EventTime)
}
