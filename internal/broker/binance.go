package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"session-trader/internal/errors"
	"session-trader/internal/models"
)

const (
	binanceLiveURL    = "https://api.binance.com"
	binanceTestnetURL = "https://testnet.binance.vision"
)

// BinanceConfig configures the Binance spot adapter.
type BinanceConfig struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string // overrides the live/testnet URL
	QuoteAsset string // account currency, default USDT
	Symbols    []string
	Timeout    time.Duration
}

// BinanceBroker trades Binance spot with market entries protected by OCO
// sell orders. Spot accounts cannot short, so the adapter is long-only.
type BinanceBroker struct {
	cfg    BinanceConfig
	client *resty.Client
	logger zerolog.Logger

	mu      sync.RWMutex
	symbols map[string]binanceSymbol
}

type binanceSymbol struct {
	inst      models.Instrument
	baseAsset string
}

var _ Port = (*BinanceBroker)(nil)

// NewBinanceBroker creates a Binance spot adapter.
func NewBinanceBroker(cfg BinanceConfig, logger zerolog.Logger) *BinanceBroker {
	base := cfg.BaseURL
	if base == "" {
		base = binanceLiveURL
		if cfg.Testnet {
			base = binanceTestnetURL
		}
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(base, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-MBX-APIKEY", cfg.APIKey)
	}

	return &BinanceBroker{
		cfg:     cfg,
		client:  client,
		logger:  logger.With().Str("component", "binance").Logger(),
		symbols: make(map[string]binanceSymbol),
	}
}

func (b *BinanceBroker) Name() string   { return "binance" }
func (b *BinanceBroker) LongOnly() bool { return true }

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// sign returns the HMAC-SHA256 signature of an encoded query string.
func (b *BinanceBroker) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *BinanceBroker) do(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		if b.cfg.APIKey == "" || b.cfg.APISecret == "" {
			return errors.Wrapf(errors.ErrNotAuthenticated, "binance %s requires API credentials", path)
		}
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
	}
	query := params.Encode()
	if signed {
		query += "&signature=" + b.sign(query)
	}

	apiErr := &binanceAPIError{}
	req := b.client.R().
		SetContext(ctx).
		SetError(apiErr).
		SetQueryString(query)
	if out != nil {
		req.SetResult(out)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		b.logger.Debug().Str("method", method).Str("path", path).Dur("duration", time.Since(start)).Err(err).Msg("API call failed")
		return fmt.Errorf("binance %s %s: %w: %w", method, path, errors.ErrConnectionFailed, err)
	}
	if resp.IsError() {
		return b.apiError(resp.StatusCode(), apiErr)
	}
	return nil
}

func (b *BinanceBroker) apiError(status int, apiErr *binanceAPIError) error {
	var sentinel error
	msg := strings.ToLower(apiErr.Msg)
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		sentinel = errors.ErrRateLimited
	case status >= 500:
		sentinel = errors.ErrConnectionFailed
	case apiErr.Code == -1021:
		sentinel = errors.ErrTimeout
	case apiErr.Code == -2014 || apiErr.Code == -2015:
		sentinel = errors.ErrNotAuthenticated
	case apiErr.Code == -1121:
		sentinel = errors.ErrSymbolNotFound
	case apiErr.Code == -2011 || apiErr.Code == -2013:
		sentinel = errors.ErrPositionNotFound
	case strings.Contains(msg, "insufficient balance"):
		sentinel = errors.ErrInsufficientFunds
	case apiErr.Code == -1013 || apiErr.Code == -1100 || apiErr.Code == -1102:
		sentinel = errors.ErrInvalidOrder
	default:
		sentinel = errors.ErrOrderRejected
	}
	return errors.NewBrokerError("binance", strconv.Itoa(apiErr.Code), apiErr.Msg, sentinel)
}

// Connect pings the API, verifies credentials when present and loads the
// configured symbols' filters.
func (b *BinanceBroker) Connect(ctx context.Context) error {
	if err := b.do(ctx, http.MethodGet, "/api/v3/ping", nil, false, nil); err != nil {
		return errors.Wrap(err, "binance ping")
	}
	if b.cfg.APIKey != "" {
		if _, err := b.account(ctx); err != nil {
			return errors.Wrap(err, "binance account check")
		}
	}
	for _, symbol := range b.cfg.Symbols {
		if _, err := b.symbol(ctx, symbol); err != nil {
			return errors.Wrapf(err, "loading %s filters", symbol)
		}
	}
	b.logger.Info().Bool("testnet", b.cfg.Testnet).Int("symbols", len(b.cfg.Symbols)).Msg("Connected to Binance")
	return nil
}

// Disconnect releases idle connections.
func (b *BinanceBroker) Disconnect(ctx context.Context) error {
	b.client.GetClient().CloseIdleConnections()
	return nil
}

type binanceBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type binanceAccount struct {
	Balances []binanceBalance `json:"balances"`
}

func (b *BinanceBroker) account(ctx context.Context) (*binanceAccount, error) {
	var acct binanceAccount
	if err := b.do(ctx, http.MethodGet, "/api/v3/account", nil, true, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (a *binanceAccount) balance(asset string) (free, total float64) {
	for _, bal := range a.Balances {
		if bal.Asset == asset {
			free = parseFloat(bal.Free)
			return free, free + parseFloat(bal.Locked)
		}
	}
	return 0, 0
}

type binanceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// AccountValue is the quote-asset balance plus every other asset valued at
// its quote-asset price.
func (b *BinanceBroker) AccountValue(ctx context.Context) (float64, error) {
	acct, err := b.account(ctx)
	if err != nil {
		return 0, err
	}
	var tickers []binanceTicker
	if err := b.do(ctx, http.MethodGet, "/api/v3/ticker/price", nil, false, &tickers); err != nil {
		return 0, err
	}
	prices := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		prices[t.Symbol] = parseFloat(t.Price)
	}

	var total float64
	for _, bal := range acct.Balances {
		qty := parseFloat(bal.Free) + parseFloat(bal.Locked)
		if qty <= 0 {
			continue
		}
		if bal.Asset == b.cfg.QuoteAsset {
			total += qty
			continue
		}
		if price, ok := prices[bal.Asset+b.cfg.QuoteAsset]; ok {
			total += qty * price
		}
	}
	return total, nil
}

// BuyingPower returns the free quote-asset balance.
func (b *BinanceBroker) BuyingPower(ctx context.Context) (float64, error) {
	acct, err := b.account(ctx)
	if err != nil {
		return 0, err
	}
	free, _ := acct.balance(b.cfg.QuoteAsset)
	return free, nil
}

// Quote returns the last traded price.
func (b *BinanceBroker) Quote(ctx context.Context, symbol string) (float64, error) {
	var t binanceTicker
	params := url.Values{"symbol": {symbol}}
	if err := b.do(ctx, http.MethodGet, "/api/v3/ticker/price", params, false, &t); err != nil {
		return 0, err
	}
	price := parseFloat(t.Price)
	if price <= 0 {
		return 0, errors.Wrapf(errors.ErrNoQuote, "binance %s", symbol)
	}
	return price, nil
}

func binanceInterval(minutes int) (string, error) {
	switch minutes {
	case 1, 3, 5, 15, 30:
		return fmt.Sprintf("%dm", minutes), nil
	case 60, 120, 240, 360, 480, 720:
		return fmt.Sprintf("%dh", minutes/60), nil
	case 1440:
		return "1d", nil
	default:
		return "", fmt.Errorf("binance: unsupported timeframe %d minutes", minutes)
	}
}

// Bars returns klines, oldest first.
func (b *BinanceBroker) Bars(ctx context.Context, symbol string, timeframeMinutes, limit int) ([]models.Candle, error) {
	interval, err := binanceInterval(timeframeMinutes)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	var raw [][]interface{}
	if err := b.do(ctx, http.MethodGet, "/api/v3/klines", params, false, &raw); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		candles = append(candles, models.Candle{
			Timestamp: time.UnixMilli(int64(parseFloat(k[0]))).UTC(),
			Open:      parseFloat(k[1]),
			High:      parseFloat(k[2]),
			Low:       parseFloat(k[3]),
			Close:     parseFloat(k[4]),
			Volume:    parseFloat(k[5]),
		})
	}
	return candles, nil
}

type binanceFilter struct {
	FilterType string `json:"filterType"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
	TickSize   string `json:"tickSize"`
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol    string          `json:"symbol"`
		BaseAsset string          `json:"baseAsset"`
		Filters   []binanceFilter `json:"filters"`
	} `json:"symbols"`
}

func (b *BinanceBroker) symbol(ctx context.Context, symbol string) (binanceSymbol, error) {
	b.mu.RLock()
	s, ok := b.symbols[symbol]
	b.mu.RUnlock()
	if ok {
		return s, nil
	}

	var info binanceExchangeInfo
	if err := b.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}}, false, &info); err != nil {
		return binanceSymbol{}, err
	}
	if len(info.Symbols) == 0 {
		return binanceSymbol{}, errors.Wrapf(errors.ErrSymbolNotFound, "binance %s", symbol)
	}

	sym := info.Symbols[0]
	s = binanceSymbol{inst: models.Instrument{Symbol: symbol}, baseAsset: sym.BaseAsset}
	for _, f := range sym.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			s.inst.StepSize = parseFloat(f.StepSize)
			s.inst.MinQty = parseFloat(f.MinQty)
		case "PRICE_FILTER":
			s.inst.TickSize = parseFloat(f.TickSize)
		}
	}

	b.mu.Lock()
	b.symbols[symbol] = s
	b.mu.Unlock()
	return s, nil
}

// Instrument returns the symbol's LOT_SIZE and PRICE_FILTER increments.
func (b *BinanceBroker) Instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	s, err := b.symbol(ctx, symbol)
	if err != nil {
		return models.Instrument{}, err
	}
	return s.inst, nil
}

func floorToStep(qty, step float64) decimal.Decimal {
	q := decimal.NewFromFloat(qty)
	if step <= 0 {
		return q
	}
	s := decimal.NewFromFloat(step)
	return q.Div(s).Floor().Mul(s)
}

func roundToTick(price, tick float64) decimal.Decimal {
	p := decimal.NewFromFloat(price)
	if tick <= 0 {
		return p.Round(8)
	}
	t := decimal.NewFromFloat(tick)
	return p.Div(t).Round(0).Mul(t)
}

type binanceFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

type binanceOrder struct {
	Symbol              string        `json:"symbol"`
	OrderID             int64         `json:"orderId"`
	Status              string        `json:"status"`
	Type                string        `json:"type"`
	Price               string        `json:"price"`
	ExecutedQty         string        `json:"executedQty"`
	CummulativeQuoteQty string        `json:"cummulativeQuoteQty"`
	Fills               []binanceFill `json:"fills"`
}

func (o *binanceOrder) avgPrice() float64 {
	executed := parseFloat(o.ExecutedQty)
	if executed <= 0 {
		return parseFloat(o.Price)
	}
	return parseFloat(o.CummulativeQuoteQty) / executed
}

func (b *BinanceBroker) marketOrder(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal) (*binanceOrder, error) {
	params := url.Values{
		"symbol":           {symbol},
		"side":             {string(side)},
		"type":             {"MARKET"},
		"quantity":         {qty.String()},
		"newOrderRespType": {"FULL"},
	}
	var order binanceOrder
	if err := b.do(ctx, http.MethodPost, "/api/v3/order", params, true, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// PlaceBracketOrder buys at market, then protects the filled quantity with
// an OCO sell. If the OCO cannot be placed the entry is sold back so that no
// unprotected holding is left behind.
func (b *BinanceBroker) PlaceBracketOrder(ctx context.Context, req models.BracketRequest) (*models.OrderHandle, error) {
	if req.Side != models.SideLong {
		return nil, errors.NewOrderError("", req.Symbol, "entry", "spot account cannot sell short", errors.ErrOrderRejected)
	}
	s, err := b.symbol(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	qty := floorToStep(req.Quantity, s.inst.StepSize)
	if qf, _ := qty.Float64(); qf <= 0 || qf < s.inst.MinQty {
		return nil, errors.NewOrderError("", req.Symbol, "entry",
			fmt.Sprintf("quantity %s below minimum %v", qty, s.inst.MinQty), errors.ErrInvalidOrder)
	}

	buy, err := b.marketOrder(ctx, req.Symbol, models.OrderSideBuy, qty)
	if err != nil {
		return nil, errors.NewOrderError("", req.Symbol, "market buy", "entry rejected", err)
	}
	orderID := strconv.FormatInt(buy.OrderID, 10)
	fillPrice := buy.avgPrice()

	// Commission charged in the base asset reduces what can be sold.
	held := parseFloat(buy.ExecutedQty)
	if held <= 0 {
		held, _ = qty.Float64()
	}
	for _, f := range buy.Fills {
		if f.CommissionAsset == s.baseAsset {
			held -= parseFloat(f.Commission)
		}
	}
	protectQty := floorToStep(held, s.inst.StepSize)

	params := url.Values{
		"symbol":               {req.Symbol},
		"side":                 {"SELL"},
		"quantity":             {protectQty.String()},
		"price":                {roundToTick(req.TakeProfit, s.inst.TickSize).String()},
		"stopPrice":            {roundToTick(req.StopLoss, s.inst.TickSize).String()},
		"stopLimitPrice":       {roundToTick(req.StopLoss*0.999, s.inst.TickSize).String()},
		"stopLimitTimeInForce": {"GTC"},
	}
	var oco struct {
		OrderListID int64 `json:"orderListId"`
	}
	if err := b.do(ctx, http.MethodPost, "/api/v3/order/oco", params, true, &oco); err != nil {
		b.logger.Error().Err(err).Str("symbol", req.Symbol).Msg("OCO placement failed, selling entry back")
		if _, sellErr := b.marketOrder(ctx, req.Symbol, models.OrderSideSell, protectQty); sellErr != nil {
			b.logger.Error().Err(sellErr).Str("symbol", req.Symbol).Msg("Emergency sell failed, manual intervention needed")
		}
		return nil, errors.NewOrderError(orderID, req.Symbol, "oco", "protective order rejected", err)
	}

	pq, _ := protectQty.Float64()
	return &models.OrderHandle{
		OrderID:   orderID,
		BracketID: strconv.FormatInt(oco.OrderListID, 10),
		FillPrice: fillPrice,
		Quantity:  pq,
	}, nil
}

type binanceOrderList struct {
	OrderListID     int64  `json:"orderListId"`
	ListStatusType  string `json:"listStatusType"`
	ListOrderStatus string `json:"listOrderStatus"`
	Orders          []struct {
		Symbol  string `json:"symbol"`
		OrderID int64  `json:"orderId"`
	} `json:"orders"`
}

// BracketStatus inspects the OCO order list and, once it is done, the leg
// that filled.
func (b *BinanceBroker) BracketStatus(ctx context.Context, q models.BracketQuery) (models.BracketStatus, error) {
	var list binanceOrderList
	if err := b.do(ctx, http.MethodGet, "/api/v3/orderList", url.Values{"orderListId": {q.BracketID}}, true, &list); err != nil {
		return models.BracketStatus{}, err
	}
	if list.ListOrderStatus == "EXECUTING" {
		return models.BracketStatus{State: models.BracketActive}, nil
	}

	for _, leg := range list.Orders {
		var order binanceOrder
		params := url.Values{"symbol": {leg.Symbol}, "orderId": {strconv.FormatInt(leg.OrderID, 10)}}
		if err := b.do(ctx, http.MethodGet, "/api/v3/order", params, true, &order); err != nil {
			return models.BracketStatus{}, err
		}
		if order.Status != "FILLED" {
			continue
		}
		reason := models.CloseReasonUnknown
		switch order.Type {
		case "STOP_LOSS_LIMIT", "STOP_LOSS":
			reason = models.CloseReasonStopLoss
		case "LIMIT_MAKER", "LIMIT", "TAKE_PROFIT", "TAKE_PROFIT_LIMIT":
			reason = models.CloseReasonTakeProfit
		}
		return models.BracketStatus{State: models.BracketFilled, Reason: reason, FillPrice: order.avgPrice()}, nil
	}
	return models.BracketStatus{State: models.BracketCancelled}, nil
}

// CancelBracket cancels the OCO order list. Lists that already finished are
// not an error.
func (b *BinanceBroker) CancelBracket(ctx context.Context, symbol, bracketID string) error {
	if bracketID == "" {
		return nil
	}
	params := url.Values{"symbol": {symbol}, "orderListId": {bracketID}}
	err := b.do(ctx, http.MethodDelete, "/api/v3/orderList", params, true, nil)
	if errors.Is(err, errors.ErrPositionNotFound) {
		return nil
	}
	return err
}

// ClosePosition sells the held base asset. When the holding is already
// below the minimum lot the position was closed broker-side.
func (b *BinanceBroker) ClosePosition(ctx context.Context, req models.CloseRequest) (models.CloseResult, error) {
	failed := models.CloseResult{Status: models.CloseFailed}
	s, err := b.symbol(ctx, req.Symbol)
	if err != nil {
		return failed, err
	}
	acct, err := b.account(ctx)
	if err != nil {
		return failed, err
	}
	free, _ := acct.balance(s.baseAsset)
	qty := req.Quantity
	if free < qty {
		qty = free
	}
	sellQty := floorToStep(qty, s.inst.StepSize)
	if sq, _ := sellQty.Float64(); sq <= 0 || sq < s.inst.MinQty {
		return models.CloseResult{Status: models.CloseAlreadyClosed}, nil
	}

	order, err := b.marketOrder(ctx, req.Symbol, models.OrderSideSell, sellQty)
	if err != nil {
		return failed, errors.NewOrderError("", req.Symbol, "market sell", "close rejected", err)
	}
	return models.CloseResult{
		Status:    models.CloseConfirmed,
		OrderID:   strconv.FormatInt(order.OrderID, 10),
		FillPrice: order.avgPrice(),
	}, nil
}

// OpenPositions reports configured symbols whose base asset is held.
func (b *BinanceBroker) OpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	acct, err := b.account(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.BrokerPosition
	for _, symbol := range b.cfg.Symbols {
		s, err := b.symbol(ctx, symbol)
		if err != nil {
			return nil, err
		}
		_, total := acct.balance(s.baseAsset)
		if total <= 0 || total < s.inst.MinQty {
			continue
		}
		out = append(out, models.BrokerPosition{
			Symbol:    symbol,
			Side:      models.SideLong,
			Quantity:  total,
			UpdatedAt: time.Now(),
		})
	}
	return out, nil
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}
