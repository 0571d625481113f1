package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"session-trader/internal/errors"
	"session-trader/internal/models"
	"session-trader/pkg/utils"
)

const (
	zerodhaProductIntraday = "MIS"
	// gttLimitBuffer is the distance between a GTT trigger and its limit
	// price, in the direction that makes the exit marketable.
	gttLimitBuffer = 0.005
)

// ZerodhaBroker implements Port for Zerodha Kite Connect. Entries are
// intraday market orders; protection is a two-leg GTT.
type ZerodhaBroker struct {
	client    *kiteconnect.Client
	apiKey    string
	apiSecret string
	userID    string
	exchange  string
	product   string
	tokenPath string
	fillRetry utils.RetryConfig

	mu            sync.RWMutex
	accessToken   string
	authenticated bool
	instruments   map[string]kiteconnect.Instrument
}

// ZerodhaConfig holds configuration for Zerodha broker.
type ZerodhaConfig struct {
	APIKey    string
	APISecret string
	UserID    string
	TokenPath string
	// Exchange is the Kite exchange segment, NSE by default.
	Exchange string
	// Product defaults to MIS.
	Product string
}

var _ Port = (*ZerodhaBroker)(nil)

// NewZerodhaBroker creates a new Zerodha broker instance.
// It automatically loads any saved session from disk.
func NewZerodhaBroker(cfg ZerodhaConfig) *ZerodhaBroker {
	client := kiteconnect.New(cfg.APIKey)

	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		homeDir, _ := os.UserHomeDir()
		tokenPath = filepath.Join(homeDir, ".config", "session-trader", "kite_session.json")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "NSE"
	}
	product := cfg.Product
	if product == "" {
		product = zerodhaProductIntraday
	}

	zb := &ZerodhaBroker{
		client:    client,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		userID:    cfg.UserID,
		exchange:  exchange,
		product:   product,
		tokenPath: tokenPath,
		fillRetry: utils.RetryConfig{
			MaxAttempts:   6,
			InitialDelay:  250 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2.0,
			RetryableErrors: []error{
				errFillPending,
				errors.ErrConnectionFailed,
				errors.ErrRateLimited,
			},
		},
		instruments: make(map[string]kiteconnect.Instrument),
	}

	_ = zb.loadSession()

	return zb
}

// sessionData represents persisted session data.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (z *ZerodhaBroker) Name() string { return "zerodha" }

// LongOnly is false: intraday MIS allows short entries.
func (z *ZerodhaBroker) LongOnly() bool { return false }

// LoginURL returns the Kite login URL that yields a request token.
func (z *ZerodhaBroker) LoginURL() string {
	return z.client.GetLoginURL()
}

// CompleteLogin exchanges a request token for an access token and persists it.
func (z *ZerodhaBroker) CompleteLogin(ctx context.Context, requestToken string) error {
	session, err := z.client.GenerateSession(requestToken, z.apiSecret)
	if err != nil {
		return z.mapError("generate session", err)
	}

	z.mu.Lock()
	z.accessToken = session.AccessToken
	z.authenticated = true
	z.client.SetAccessToken(session.AccessToken)
	z.mu.Unlock()

	return z.saveSession(session.AccessToken)
}

// IsAuthenticated returns whether a session token is loaded.
func (z *ZerodhaBroker) IsAuthenticated() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.authenticated
}

func (z *ZerodhaBroker) loadSession() error {
	data, err := os.ReadFile(z.tokenPath)
	if err != nil {
		return err
	}

	var session sessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return err
	}

	// Kite tokens expire at 6 AM IST the next day
	if time.Now().After(session.ExpiresAt) {
		return errors.Wrap(errors.ErrNotAuthenticated, "kite session expired")
	}

	z.mu.Lock()
	z.accessToken = session.AccessToken
	z.authenticated = true
	z.client.SetAccessToken(session.AccessToken)
	z.mu.Unlock()

	return nil
}

func (z *ZerodhaBroker) saveSession(accessToken string) error {
	if err := os.MkdirAll(filepath.Dir(z.tokenPath), 0700); err != nil {
		return err
	}

	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return err
	}
	now := time.Now().In(loc)
	session := sessionData{
		AccessToken: accessToken,
		UserID:      z.userID,
		ExpiresAt:   time.Date(now.Year(), now.Month(), now.Day()+1, 6, 0, 0, 0, loc),
	}

	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return os.WriteFile(z.tokenPath, data, 0600)
}

// Connect verifies the persisted session against the profile endpoint.
func (z *ZerodhaBroker) Connect(ctx context.Context) error {
	if !z.IsAuthenticated() {
		return errors.NewBrokerError(z.Name(), "AUTH", "no valid session, run `session-trader login`", errors.ErrNotAuthenticated)
	}
	if _, err := z.client.GetUserProfile(); err != nil {
		return z.mapError("profile", err)
	}
	return nil
}

// Disconnect only drops local state; the token stays valid for the day.
func (z *ZerodhaBroker) Disconnect(ctx context.Context) error {
	z.mu.Lock()
	z.instruments = make(map[string]kiteconnect.Instrument)
	z.mu.Unlock()
	return nil
}

func (z *ZerodhaBroker) AccountValue(ctx context.Context) (float64, error) {
	margins, err := z.client.GetUserMargins()
	if err != nil {
		return 0, z.mapError("margins", err)
	}
	return margins.Equity.Net, nil
}

func (z *ZerodhaBroker) BuyingPower(ctx context.Context) (float64, error) {
	margins, err := z.client.GetUserMargins()
	if err != nil {
		return 0, z.mapError("margins", err)
	}
	return margins.Equity.Available.Cash, nil
}

func (z *ZerodhaBroker) key(symbol string) string {
	return z.exchange + ":" + symbol
}

func (z *ZerodhaBroker) Quote(ctx context.Context, symbol string) (float64, error) {
	key := z.key(symbol)
	quotes, err := z.client.GetLTP(key)
	if err != nil {
		return 0, z.mapError("ltp", err)
	}
	q, ok := quotes[key]
	if !ok || q.LastPrice <= 0 {
		return 0, errors.Wrapf(errors.ErrNoQuote, "%s", key)
	}
	return q.LastPrice, nil
}

// kiteInterval maps a bar size in minutes to a Kite historical interval.
func kiteInterval(minutes int) (string, error) {
	switch minutes {
	case 1:
		return "minute", nil
	case 3, 5, 10, 15, 30, 60:
		return fmt.Sprintf("%dminute", minutes), nil
	case 1440:
		return "day", nil
	}
	return "", errors.Wrapf(errors.ErrNotSupported, "kite interval for %d minutes", minutes)
}

func (z *ZerodhaBroker) Bars(ctx context.Context, symbol string, timeframeMinutes, limit int) ([]models.Candle, error) {
	interval, err := kiteInterval(timeframeMinutes)
	if err != nil {
		return nil, err
	}
	inst, err := z.instrument(symbol)
	if err != nil {
		return nil, err
	}

	// Reach back far enough to span a weekend of closed sessions.
	to := time.Now()
	from := to.Add(-time.Duration(timeframeMinutes*limit)*time.Minute - 96*time.Hour)

	data, err := z.client.GetHistoricalData(int(inst.InstrumentToken), interval, from, to, false, false)
	if err != nil {
		return nil, z.mapError("historical", err)
	}
	if len(data) > limit {
		data = data[len(data)-limit:]
	}

	candles := make([]models.Candle, len(data))
	for i, d := range data {
		candles[i] = models.Candle{
			Timestamp: d.Date.Time,
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    float64(d.Volume),
		}
	}
	return candles, nil
}

func (z *ZerodhaBroker) Instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	inst, err := z.instrument(symbol)
	if err != nil {
		return models.Instrument{}, err
	}
	lot := inst.LotSize
	if lot <= 0 {
		lot = 1
	}
	return models.Instrument{
		Symbol:   symbol,
		StepSize: lot,
		MinQty:   lot,
		TickSize: inst.TickSize,
	}, nil
}

// instrument returns the cached instrument, loading the exchange's
// instrument dump on first use.
func (z *ZerodhaBroker) instrument(symbol string) (kiteconnect.Instrument, error) {
	key := z.key(symbol)

	z.mu.RLock()
	inst, ok := z.instruments[key]
	loaded := len(z.instruments) > 0
	z.mu.RUnlock()
	if ok {
		return inst, nil
	}
	if loaded {
		return kiteconnect.Instrument{}, errors.Wrapf(errors.ErrSymbolNotFound, "%s", key)
	}

	all, err := z.client.GetInstruments()
	if err != nil {
		return kiteconnect.Instrument{}, z.mapError("instruments", err)
	}

	z.mu.Lock()
	for _, in := range all {
		if in.Exchange != z.exchange {
			continue
		}
		z.instruments[in.Exchange+":"+in.Tradingsymbol] = in
	}
	inst, ok = z.instruments[key]
	z.mu.Unlock()

	if !ok {
		return kiteconnect.Instrument{}, errors.Wrapf(errors.ErrSymbolNotFound, "%s", key)
	}
	return inst, nil
}

// PlaceBracketOrder buys or sells at market, waits for the fill, then
// places a two-leg GTT for the exits. A failed GTT flattens the entry.
func (z *ZerodhaBroker) PlaceBracketOrder(ctx context.Context, req models.BracketRequest) (*models.OrderHandle, error) {
	qty := int(math.Floor(req.Quantity))
	if qty <= 0 {
		return nil, errors.NewOrderError("", req.Symbol, "entry", "non-positive quantity", errors.ErrInvalidOrder)
	}

	orderID, err := z.marketOrder(req.Symbol, req.Side.EntryOrderSide(), qty, "entry")
	if err != nil {
		return nil, err
	}
	fill, err := z.awaitFill(ctx, orderID)
	if err != nil {
		return nil, errors.NewOrderError(orderID, req.Symbol, "entry", "fill not confirmed", err)
	}

	upper, lower := ocoLevels(req.Side, req.StopLoss, req.TakeProfit)
	exit := string(req.Side.ExitOrderSide())
	tick := 0.05
	if inst, err := z.instrument(req.Symbol); err == nil && inst.TickSize > 0 {
		tick = inst.TickSize
	}

	resp, err := z.client.PlaceGTT(kiteconnect.GTTParams{
		Tradingsymbol:   req.Symbol,
		Exchange:        z.exchange,
		LastPrice:       fill.price,
		TransactionType: exit,
		Product:         z.product,
		Trigger: &kiteconnect.GTTOneCancelsOtherTrigger{
			Upper: kiteconnect.TriggerParams{
				TriggerValue: upper,
				LimitPrice:   limitFor(exit, upper, tick),
				Quantity:     float64(fill.qty),
			},
			Lower: kiteconnect.TriggerParams{
				TriggerValue: lower,
				LimitPrice:   limitFor(exit, lower, tick),
				Quantity:     float64(fill.qty),
			},
		},
	})
	if err != nil {
		gttErr := z.mapError("place gtt", err)
		if _, closeErr := z.marketOrder(req.Symbol, req.Side.ExitOrderSide(), fill.qty, "emergency exit"); closeErr != nil {
			return nil, errors.NewOrderError(orderID, req.Symbol, "bracket",
				fmt.Sprintf("gtt failed and emergency exit failed: %v", closeErr), gttErr)
		}
		return nil, errors.NewOrderError(orderID, req.Symbol, "bracket", "gtt failed, entry flattened", gttErr)
	}

	return &models.OrderHandle{
		OrderID:   orderID,
		BracketID: strconv.Itoa(resp.TriggerID),
		FillPrice: fill.price,
		Quantity:  float64(fill.qty),
	}, nil
}

// ocoLevels orders stop and target into the GTT's upper and lower triggers.
func ocoLevels(side models.Side, stopLoss, takeProfit float64) (upper, lower float64) {
	if side == models.SideShort {
		return stopLoss, takeProfit
	}
	return takeProfit, stopLoss
}

// limitFor offsets a trigger so the resulting limit order is marketable,
// rounded to the instrument tick.
func limitFor(transactionType string, trigger, tick float64) float64 {
	limit := decimal.NewFromFloat(trigger)
	buffer := limit.Mul(decimal.NewFromFloat(gttLimitBuffer))
	if transactionType == string(models.OrderSideSell) {
		limit = limit.Sub(buffer)
	} else {
		limit = limit.Add(buffer)
	}
	if tick > 0 {
		t := decimal.NewFromFloat(tick)
		limit = limit.Div(t).Round(0).Mul(t)
	}
	f, _ := limit.Float64()
	return f
}

func (z *ZerodhaBroker) marketOrder(symbol string, side models.OrderSide, qty int, action string) (string, error) {
	resp, err := z.client.PlaceOrder(kiteconnect.VarietyRegular, kiteconnect.OrderParams{
		Exchange:        z.exchange,
		Tradingsymbol:   symbol,
		TransactionType: string(side),
		OrderType:       kiteconnect.OrderTypeMarket,
		Product:         z.product,
		Quantity:        qty,
		Validity:        "DAY",
		Tag:             "sesstrader",
	})
	if err != nil {
		return "", errors.NewOrderError("", symbol, action, "place order", z.mapError("place order", err))
	}
	return resp.OrderID, nil
}

type zerodhaFill struct {
	price float64
	qty   int
}

var errFillPending = errors.New("order not yet complete")

// awaitFill polls the order history until the order completes or is rejected.
func (z *ZerodhaBroker) awaitFill(ctx context.Context, orderID string) (zerodhaFill, error) {
	fill, err := utils.RetryWithResult(ctx, z.fillRetry, func() (zerodhaFill, error) {
		history, err := z.client.GetOrderHistory(orderID)
		if err != nil {
			return zerodhaFill{}, z.mapError("order history", err)
		}
		if len(history) == 0 {
			return zerodhaFill{}, errFillPending
		}
		last := history[len(history)-1]
		switch last.Status {
		case "COMPLETE":
			return zerodhaFill{price: last.AveragePrice, qty: int(last.FilledQuantity)}, nil
		case "REJECTED", "CANCELLED":
			return zerodhaFill{}, errors.Wrapf(errors.ErrOrderRejected, "%s: %s", last.Status, last.StatusMessage)
		}
		return zerodhaFill{}, errFillPending
	})
	if err != nil {
		return zerodhaFill{}, err
	}
	if fill.qty <= 0 {
		return zerodhaFill{}, errors.Wrapf(errors.ErrOrderRejected, "order %s completed with no quantity", orderID)
	}
	return fill, nil
}

// BracketStatus reads the GTT. A triggered GTT is matched to today's
// completed exit order to recover the fill price; the leg is inferred from
// that price against the stop and target.
func (z *ZerodhaBroker) BracketStatus(ctx context.Context, q models.BracketQuery) (models.BracketStatus, error) {
	triggerID, err := strconv.Atoi(q.BracketID)
	if err != nil {
		return models.BracketStatus{}, errors.Wrapf(errors.ErrInvalidOrder, "gtt id %q", q.BracketID)
	}
	gtt, err := z.client.GetGTT(triggerID)
	if err != nil {
		return models.BracketStatus{}, z.mapError("get gtt", err)
	}

	switch strings.ToLower(gtt.Status) {
	case "active":
		return models.BracketStatus{State: models.BracketActive}, nil
	case "triggered":
	default:
		return models.BracketStatus{State: models.BracketCancelled}, nil
	}

	fillPrice := z.exitFillPrice(q.Symbol, q.Side.ExitOrderSide(), gtt.UpdatedAt.Time)
	if fillPrice <= 0 {
		if ltp, err := z.Quote(ctx, q.Symbol); err == nil {
			fillPrice = ltp
		}
	}
	return models.BracketStatus{
		State:     models.BracketFilled,
		Reason:    classifyExit(q.Side, fillPrice, q.StopLoss, q.TakeProfit),
		FillPrice: fillPrice,
	}, nil
}

// exitFillPrice finds the most recent completed order on the exit side
// placed at or after since.
func (z *ZerodhaBroker) exitFillPrice(symbol string, side models.OrderSide, since time.Time) float64 {
	orders, err := z.client.GetOrders()
	if err != nil {
		return 0
	}
	var best kiteconnect.Order
	for _, o := range orders {
		if o.TradingSymbol != symbol || o.TransactionType != string(side) || o.Status != "COMPLETE" {
			continue
		}
		if !since.IsZero() && o.OrderTimestamp.Time.Before(since.Add(-time.Minute)) {
			continue
		}
		if best.OrderID == "" || o.OrderTimestamp.Time.After(best.OrderTimestamp.Time) {
			best = o
		}
	}
	return best.AveragePrice
}

// classifyExit names the leg a fill belongs to. A fill on neither side of
// the range, or no fill at all, is unknown.
func classifyExit(side models.Side, fill, stopLoss, takeProfit float64) models.CloseReason {
	if fill <= 0 {
		return models.CloseReasonUnknown
	}
	switch side {
	case models.SideLong:
		if stopLoss > 0 && fill <= stopLoss*(1+gttLimitBuffer) {
			return models.CloseReasonStopLoss
		}
		if takeProfit > 0 && fill >= takeProfit*(1-gttLimitBuffer) {
			return models.CloseReasonTakeProfit
		}
	case models.SideShort:
		if stopLoss > 0 && fill >= stopLoss*(1-gttLimitBuffer) {
			return models.CloseReasonStopLoss
		}
		if takeProfit > 0 && fill <= takeProfit*(1+gttLimitBuffer) {
			return models.CloseReasonTakeProfit
		}
	}
	return models.CloseReasonUnknown
}

func (z *ZerodhaBroker) CancelBracket(ctx context.Context, symbol, bracketID string) error {
	if bracketID == "" {
		return nil
	}
	triggerID, err := strconv.Atoi(bracketID)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidOrder, "gtt id %q", bracketID)
	}
	if _, err := z.client.DeleteGTT(triggerID); err != nil {
		return z.mapError("delete gtt", err)
	}
	return nil
}

// ClosePosition squares off the net intraday quantity. No quantity at the
// broker means a GTT leg already did it.
func (z *ZerodhaBroker) ClosePosition(ctx context.Context, req models.CloseRequest) (models.CloseResult, error) {
	positions, err := z.client.GetPositions()
	if err != nil {
		return models.CloseResult{Status: models.CloseFailed}, z.mapError("positions", err)
	}

	held := 0
	for _, p := range positions.Net {
		if p.Tradingsymbol == req.Symbol && p.Exchange == z.exchange && p.Product == z.product {
			held = int(p.Quantity)
			break
		}
	}
	if held == 0 {
		return models.CloseResult{Status: models.CloseAlreadyClosed}, nil
	}

	side := models.OrderSideSell
	qty := held
	if held < 0 {
		side = models.OrderSideBuy
		qty = -held
	}
	if want := int(math.Floor(req.Quantity)); want > 0 && want < qty {
		qty = want
	}

	orderID, err := z.marketOrder(req.Symbol, side, qty, "close")
	if err != nil {
		return models.CloseResult{Status: models.CloseFailed}, err
	}
	fill, err := z.awaitFill(ctx, orderID)
	if err != nil {
		return models.CloseResult{Status: models.CloseFailed, OrderID: orderID},
			errors.NewOrderError(orderID, req.Symbol, "close", "fill not confirmed", err)
	}
	return models.CloseResult{Status: models.CloseConfirmed, OrderID: orderID, FillPrice: fill.price}, nil
}

func (z *ZerodhaBroker) OpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	positions, err := z.client.GetPositions()
	if err != nil {
		return nil, z.mapError("positions", err)
	}

	result := make([]models.BrokerPosition, 0, len(positions.Net))
	for _, p := range positions.Net {
		if p.Quantity == 0 || p.Product != z.product {
			continue
		}
		side := models.SideLong
		qty := float64(p.Quantity)
		if qty < 0 {
			side = models.SideShort
			qty = -qty
		}
		result = append(result, models.BrokerPosition{
			Symbol:       p.Tradingsymbol,
			Side:         side,
			Quantity:     qty,
			AveragePrice: p.AveragePrice,
			LastPrice:    p.LastPrice,
		})
	}
	return result, nil
}

// mapError converts Kite exceptions into the shared error taxonomy.
func (z *ZerodhaBroker) mapError(op string, err error) error {
	var kerr kiteconnect.Error
	if !errors.As(err, &kerr) {
		return errors.NewBrokerError(z.Name(), op, err.Error(), errors.Wrap(errors.ErrConnectionFailed, err.Error()))
	}

	var kind error
	switch {
	case kerr.Code == 429:
		kind = errors.ErrRateLimited
	case kerr.ErrorType == "TokenException":
		kind = errors.ErrNotAuthenticated
	case kerr.ErrorType == "NetworkException" || kerr.Code >= 500:
		kind = errors.ErrConnectionFailed
	case kerr.ErrorType == "InputException":
		kind = errors.ErrInvalidOrder
	case kerr.ErrorType == "OrderException":
		kind = errors.ErrOrderRejected
	case strings.Contains(strings.ToLower(kerr.Message), "insufficient"):
		kind = errors.ErrInsufficientFunds
	default:
		kind = errors.ErrOrderRejected
	}
	return errors.NewBrokerError(z.Name(), kerr.ErrorType, kerr.Message, kind)
}
