package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"session-trader/internal/errors"
	"session-trader/internal/models"
)

const btcExchangeInfo = `{"symbols":[{"symbol":"BTCUSDT","baseAsset":"BTC","filters":[
	{"filterType":"PRICE_FILTER","tickSize":"0.01"},
	{"filterType":"LOT_SIZE","stepSize":"0.00001","minQty":"0.00001"}]}]}`

func newTestBinance(t *testing.T, handler http.HandlerFunc) *BinanceBroker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBinanceBroker(BinanceConfig{
		APIKey:    "key",
		APISecret: "secret",
		BaseURL:   srv.URL,
		Symbols:   []string{"BTCUSDT"},
	}, zerolog.Nop())
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestBinance_BarsParsesKlines(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("interval"); got != "5m" {
			t.Errorf("interval = %q, want 5m", got)
		}
		writeJSON(w, 200, `[[1700000000000,"100.0","101.5","99.5","101.0","12.5",1700000299999,"0",1,"0","0","0"],
			[1700000300000,"101.0","102.0","100.5","101.8","8.0",1700000599999,"0",1,"0","0","0"]]`)
	})

	bars, err := b.Bars(context.Background(), "BTCUSDT", 5, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 2 {
		t.Fatalf("len = %d", len(bars))
	}
	if bars[0].High != 101.5 || bars[0].Low != 99.5 || bars[1].Close != 101.8 || bars[0].Volume != 12.5 {
		t.Errorf("bars = %+v", bars)
	}
	if bars[0].Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp = %v", bars[0].Timestamp)
	}
}

func TestBinance_SignedRequestsCarryKeyAndSignature(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Errorf("missing api key header")
		}
		q := r.URL.Query()
		if q.Get("signature") == "" || q.Get("timestamp") == "" {
			t.Errorf("unsigned request: %s", r.URL.RawQuery)
		}
		writeJSON(w, 200, `{"balances":[{"asset":"USDT","free":"250.5","locked":"0"}]}`)
	})

	bp, err := b.BuyingPower(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if bp != 250.5 {
		t.Errorf("buying power = %v", bp)
	}
}

func TestBinance_CloseDustIsAlreadyClosed(t *testing.T) {
	orders := 0
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			writeJSON(w, 200, btcExchangeInfo)
		case "/api/v3/account":
			writeJSON(w, 200, `{"balances":[{"asset":"BTC","free":"0.000001","locked":"0"}]}`)
		case "/api/v3/order":
			orders++
			writeJSON(w, 200, `{}`)
		}
	})

	res, err := b.ClosePosition(context.Background(), models.CloseRequest{Symbol: "BTCUSDT", Side: models.SideLong, Quantity: 0.01})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.CloseAlreadyClosed {
		t.Errorf("status = %s, want already_closed", res.Status)
	}
	if orders != 0 {
		t.Errorf("placed %d orders for dust", orders)
	}
}

func TestBinance_CloseSellsFreeBalance(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			writeJSON(w, 200, btcExchangeInfo)
		case "/api/v3/account":
			writeJSON(w, 200, `{"balances":[{"asset":"BTC","free":"0.0099","locked":"0"}]}`)
		case "/api/v3/order":
			if got := r.URL.Query().Get("quantity"); got != "0.0099" {
				t.Errorf("sell quantity = %q, want 0.0099", got)
			}
			writeJSON(w, 200, `{"orderId":77,"status":"FILLED","executedQty":"0.0099","cummulativeQuoteQty":"396"}`)
		}
	})

	res, err := b.ClosePosition(context.Background(), models.CloseRequest{Symbol: "BTCUSDT", Side: models.SideLong, Quantity: 0.01})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.CloseConfirmed || res.OrderID != "77" || res.FillPrice != 40000 {
		t.Errorf("res = %+v", res)
	}
}

func TestBinance_BracketStatusReportsFilledLeg(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/orderList":
			writeJSON(w, 200, `{"orderListId":9,"listStatusType":"ALL_DONE","listOrderStatus":"ALL_DONE",
				"orders":[{"symbol":"BTCUSDT","orderId":1},{"symbol":"BTCUSDT","orderId":2}]}`)
		case "/api/v3/order":
			if r.URL.Query().Get("orderId") == "1" {
				writeJSON(w, 200, `{"orderId":1,"status":"FILLED","type":"STOP_LOSS_LIMIT","executedQty":"0.01","cummulativeQuoteQty":"490"}`)
				return
			}
			writeJSON(w, 200, `{"orderId":2,"status":"EXPIRED","type":"LIMIT_MAKER","executedQty":"0","price":"52000"}`)
		}
	})

	st, err := b.BracketStatus(context.Background(), models.BracketQuery{Symbol: "BTCUSDT", BracketID: "9", Side: models.SideLong})
	if err != nil {
		t.Fatal(err)
	}
	if st.State != models.BracketFilled || st.Reason != models.CloseReasonStopLoss || st.FillPrice != 49000 {
		t.Errorf("status = %+v", st)
	}
}

func TestBinance_BracketStatusUnknownLeg(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/orderList":
			writeJSON(w, 200, `{"orderListId":9,"listOrderStatus":"ALL_DONE","orders":[{"symbol":"BTCUSDT","orderId":1}]}`)
		case "/api/v3/order":
			writeJSON(w, 200, `{"orderId":1,"status":"FILLED","type":"MARKET","executedQty":"1","cummulativeQuoteQty":"100"}`)
		}
	})

	st, err := b.BracketStatus(context.Background(), models.BracketQuery{Symbol: "BTCUSDT", BracketID: "9"})
	if err != nil {
		t.Fatal(err)
	}
	if st.Reason != models.CloseReasonUnknown {
		t.Errorf("reason = %s, want unknown", st.Reason)
	}
}

func TestBinance_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      binanceAPIError
		want      error
		transient bool
	}{
		{"rate limit", 429, binanceAPIError{Code: -1003, Msg: "Too many requests"}, errors.ErrRateLimited, true},
		{"server", 503, binanceAPIError{Code: -1001, Msg: "Internal error"}, errors.ErrConnectionFailed, true},
		{"clock skew", 400, binanceAPIError{Code: -1021, Msg: "Timestamp outside recvWindow"}, errors.ErrTimeout, true},
		{"funds", 400, binanceAPIError{Code: -2010, Msg: "Account has insufficient balance for requested action."}, errors.ErrInsufficientFunds, false},
		{"bad key", 401, binanceAPIError{Code: -2015, Msg: "Invalid API-key"}, errors.ErrNotAuthenticated, false},
		{"lot size", 400, binanceAPIError{Code: -1013, Msg: "Filter failure: LOT_SIZE"}, errors.ErrInvalidOrder, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
				body, _ := json.Marshal(tt.body)
				writeJSON(w, tt.status, string(body))
			})
			_, err := b.Quote(context.Background(), "BTCUSDT")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if errors.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v", errors.IsTransient(err), tt.transient)
			}
		})
	}
}

func TestBinance_ShortEntryRejected(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("short entry reached the API: %s", r.URL.Path)
	})
	if !b.LongOnly() {
		t.Fatal("spot adapter must be long-only")
	}
	_, err := b.PlaceBracketOrder(context.Background(), models.BracketRequest{Symbol: "BTCUSDT", Side: models.SideShort, Quantity: 1})
	if !errors.Is(err, errors.ErrOrderRejected) {
		t.Errorf("err = %v", err)
	}
}
