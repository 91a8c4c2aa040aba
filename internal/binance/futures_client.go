package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// FuturesClient is the exchange surface the position manager depends on.
// Implementations must be safe for concurrent use; every call may fail
// with a tagged *APIError which the caller surfaces without crashing its
// loop.
type FuturesClient interface {
	OpenPositions(ctx context.Context) ([]FuturesPosition, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	ClosePosition(ctx context.Context, symbol string, quantity float64, side PositionSide, reason string) (*CloseResult, error)
	AccountMargin(ctx context.Context) (*AccountMargin, error)
	SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)
}

// FuturesClientImpl talks to the Binance USDT-M futures REST API. All
// requests share one pacer so the process never issues calls closer
// together than the configured spacing, regardless of which loop calls.
type FuturesClientImpl struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	pacer      *rate.Limiter

	filtersMu sync.Mutex
	filters   map[string]*SymbolFilters
}

// NewFuturesClient creates a client for the production or testnet API.
// minSpacing is the minimum gap between any two REST calls.
func NewFuturesClient(apiKey, secretKey string, testnet bool, timeout, minSpacing time.Duration) *FuturesClientImpl {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if minSpacing <= 0 {
		minSpacing = 100 * time.Millisecond
	}

	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClientImpl{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		pacer:      rate.NewLimiter(rate.Every(minSpacing), 1),
		filters:    make(map[string]*SymbolFilters),
	}
}

// BaseURL exposes the configured endpoint, mainly for the price stream.
func (c *FuturesClientImpl) BaseURL() string { return c.baseURL }

// ==================== POSITIONS & ACCOUNT ====================

// OpenPositions returns every position with a nonzero amount.
func (c *FuturesClientImpl) OpenPositions(ctx context.Context) ([]FuturesPosition, error) {
	resp, err := c.signedGet(ctx, "/fapi/v2/positionRisk", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var all []FuturesPosition
	if err := json.Unmarshal(resp, &all); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	open := make([]FuturesPosition, 0, len(all))
	for _, p := range all {
		if p.PositionAmt != 0 {
			open = append(open, p)
		}
	}
	return open, nil
}

// AccountMargin fetches the account and derives the margin-health view.
func (c *FuturesClientImpl) AccountMargin(ctx context.Context) (*AccountMargin, error) {
	resp, err := c.signedGet(ctx, "/fapi/v2/account", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}

	var info FuturesAccountInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}

	margin := &AccountMargin{
		WalletBalance:    info.TotalWalletBalance,
		MarginBalance:    info.TotalMarginBalance,
		AvailableBalance: info.AvailableBalance,
		UnrealizedPnL:    info.TotalUnrealizedProfit,
	}
	if info.TotalMarginBalance > 0 {
		margin.MarginRatio = (info.TotalMarginBalance - info.AvailableBalance) / info.TotalMarginBalance
	}
	return margin, nil
}

// ==================== MARKET DATA ====================

// CurrentPrice returns the last trade price for a symbol.
func (c *FuturesClientImpl) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/ticker/price", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(resp, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return priceResp.Price, nil
}

// Klines returns up to limit candles, newest last.
func (c *FuturesClientImpl) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(resp, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 7 {
			return nil, fmt.Errorf("error parsing klines: row %d has %d fields", i, len(raw))
		}
		klines[i] = Kline{
			OpenTime:  int64(toFloat(raw[0])),
			Open:      parseFloat(raw[1]),
			High:      parseFloat(raw[2]),
			Low:       parseFloat(raw[3]),
			Close:     parseFloat(raw[4]),
			Volume:    parseFloat(raw[5]),
			CloseTime: int64(toFloat(raw[6])),
		}
	}
	return klines, nil
}

// ==================== EXCHANGE INFO ====================

// SymbolFilters returns the lot-size rules for a symbol. Exchange info is
// fetched once and cached for the process lifetime.
func (c *FuturesClientImpl) SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	c.filtersMu.Lock()
	cached, ok := c.filters[symbol]
	c.filtersMu.Unlock()
	if ok {
		return cached, nil
	}

	resp, err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}

	var exchangeInfo FuturesExchangeInfo
	if err := json.Unmarshal(resp, &exchangeInfo); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}

	c.filtersMu.Lock()
	for _, s := range exchangeInfo.Symbols {
		c.filters[s.Symbol] = buildSymbolFilters(s)
	}
	cached, ok = c.filters[symbol]
	c.filtersMu.Unlock()

	if !ok {
		return nil, &APIError{Status: http.StatusBadRequest, Code: -1121, Message: "Invalid symbol: " + symbol}
	}
	return cached, nil
}

func buildSymbolFilters(s FuturesSymbolInfo) *SymbolFilters {
	out := &SymbolFilters{Symbol: s.Symbol, MinQty: 0.001, StepSize: 0.001}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			if v, err := strconv.ParseFloat(f.MinQty, 64); err == nil {
				out.MinQty = v
			}
			if v, err := strconv.ParseFloat(f.StepSize, 64); err == nil {
				out.StepSize = v
			}
		case "MIN_NOTIONAL":
			if v, err := strconv.ParseFloat(f.Notional, 64); err == nil {
				out.MinNotional = v
			}
		}
	}
	return out
}

// ==================== TRADING ====================

// ClosePosition submits a reduce-only market order against an open
// position. The requested quantity is clamped to the quantity still open
// on the exchange and rounded down to the lot step; a result below the
// minimum lot returns ErrQuantityBelowMinimum. The exchange's executedQty
// is authoritative.
func (c *FuturesClientImpl) ClosePosition(ctx context.Context, symbol string, quantity float64, side PositionSide, reason string) (*CloseResult, error) {
	filters, err := c.SymbolFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}

	open, err := c.openQuantity(ctx, symbol, side)
	if err != nil {
		return nil, err
	}
	if quantity > open {
		quantity = open
	}

	quantity = RoundToStep(quantity, filters.StepSize)
	if quantity < filters.MinQty || quantity <= 0 {
		return nil, fmt.Errorf("close %s qty %v (min %v): %w", symbol, quantity, filters.MinQty, ErrQuantityBelowMinimum)
	}

	orderSide := "SELL"
	if side == PositionSideShort {
		orderSide = "BUY"
	}

	params := map[string]string{
		"symbol":           symbol,
		"side":             orderSide,
		"type":             "MARKET",
		"quantity":         strconv.FormatFloat(quantity, 'f', -1, 64),
		"reduceOnly":       "true",
		"newClientOrderId": clientOrderID(reason),
	}

	resp, err := c.signedPost(ctx, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("error placing close order: %w", err)
	}

	var orderResp FuturesOrderResponse
	if err := json.Unmarshal(resp, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing close order response: %w", err)
	}

	return &CloseResult{
		Symbol:      symbol,
		OrderID:     orderResp.OrderID,
		Requested:   quantity,
		ExecutedQty: orderResp.ExecutedQty,
		AvgPrice:    orderResp.AvgPrice,
	}, nil
}

// openQuantity reads the exchange-side open quantity for the symbol/side.
func (c *FuturesClientImpl) openQuantity(ctx context.Context, symbol string, side PositionSide) (float64, error) {
	resp, err := c.signedGet(ctx, "/fapi/v2/positionRisk", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, fmt.Errorf("error fetching position: %w", err)
	}

	var positions []FuturesPosition
	if err := json.Unmarshal(resp, &positions); err != nil {
		return 0, fmt.Errorf("error parsing position: %w", err)
	}

	for _, p := range positions {
		if p.PositionAmt != 0 && p.Side() == side {
			return p.Quantity(), nil
		}
	}
	return 0, nil
}

// RoundToStep rounds a quantity down to a multiple of the lot step.
func RoundToStep(quantity, step float64) float64 {
	if step <= 0 {
		return quantity
	}
	steps := math.Floor(quantity/step + 1e-9)
	return steps * step
}

// clientOrderID builds a traceable client order id like "mgr-tp1-1a2b3c4d".
func clientOrderID(reason string) string {
	tag := strings.ToLower(strings.ReplaceAll(reason, "_", "-"))
	if len(tag) > 16 {
		tag = tag[:16]
	}
	id := uuid.New().String()[:8]
	return "mgr-" + tag + "-" + id
}

// ==================== HTTP HELPERS ====================

// buildQueryString builds a deterministic query string from params.
func buildQueryString(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

// sign creates an HMAC-SHA256 signature over the query string.
func (c *FuturesClientImpl) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signParams builds the query string with signature appended.
func (c *FuturesClientImpl) signParams(params map[string]string) string {
	query := buildQueryString(params)
	return query + "&signature=" + c.sign(query)
}

// publicGet performs an unauthenticated GET. No internal retries: a failed
// call is reported and the owning loop retries on its next tick.
func (c *FuturesClientImpl) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, &APIError{Err: err}
	}

	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + buildQueryString(params)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &APIError{Err: err}
	}
	return c.do(req)
}

// signedGet performs an authenticated GET.
func (c *FuturesClientImpl) signedGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(ctx, http.MethodGet, endpoint, params)
}

// signedPost performs an authenticated POST.
func (c *FuturesClientImpl) signedPost(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(ctx, http.MethodPost, endpoint, params)
}

func (c *FuturesClientImpl) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, &APIError{Err: err}
	}

	if params == nil {
		params = make(map[string]string)
	}
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = "10000" // tolerance for clock skew
	query := c.signParams(params)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, &APIError{Err: err}
	}
	req.URL.RawQuery = query
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	return c.do(req)
}

func (c *FuturesClientImpl) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Err: err}
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &APIError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseFloat(v interface{}) float64 {
	switch val := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	case float64:
		return val
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// Ensure FuturesClientImpl implements FuturesClient
var _ FuturesClient = (*FuturesClientImpl)(nil)
