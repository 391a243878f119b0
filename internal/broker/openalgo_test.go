package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"confluence-trader/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAlgoClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAlgoClient(config.BrokerConfig{
		Host:      srv.URL,
		APIKey:    "secret",
		Exchange:  "NFO",
		Product:   "MIS",
		PriceType: "MARKET",
		Strategy:  "confluence",
		Timeout:   2 * time.Second,
	}, "1m", nil)
}

func TestPlaceOrder_SendsPayloadAndReturnsOrderID(t *testing.T) {
	var got map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/placeorder" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"status":"success","orderid":250101000123}`))
	})

	res, err := client.PlaceOrder(context.Background(), OrderRequest{Symbol: "NIFTY30DEC2526000CE", Side: SideBuy, Quantity: 75})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if res.OrderID != "250101000123" {
		t.Errorf("unexpected order id %q", res.OrderID)
	}
	if got["apikey"] != "secret" || got["action"] != "BUY" || got["quantity"] != "75" || got["exchange"] != "NFO" {
		t.Errorf("unexpected payload %v", got)
	}
}

func TestPlaceOrder_RejectedStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","message":"insufficient margin"}`))
	})

	_, err := client.PlaceOrder(context.Background(), OrderRequest{Symbol: "X", Side: SideSell, Quantity: 1})
	if !errors.Is(err, ErrOrderRejected) {
		t.Fatalf("expected ErrOrderRejected, got %v", err)
	}
}

func TestPlaceOrder_ServerErrorIsUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.PlaceOrder(context.Background(), OrderRequest{Symbol: "X", Side: SideBuy, Quantity: 1})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if !IsUnavailable(err) {
		t.Fatalf("IsUnavailable should report true")
	}
}

func TestLastPrice_ParsesStringLTP(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"ltp":"26012.5","open":25990}}`))
	})

	price, err := client.LastPrice(context.Background(), "NIFTY30DEC25FUT")
	if err != nil {
		t.Fatalf("LastPrice returned error: %v", err)
	}
	if price != 26012.5 {
		t.Errorf("expected 26012.5, got %v", price)
	}
}

func TestLastPrice_ZeroIsUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"ltp":0}}`))
	})

	if _, err := client.LastPrice(context.Background(), "X"); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestSearchInstruments_PreservesOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":[
			{"symbol":"BANKNIFTY30DEC25FUT","lotsize":"35"},
			{"symbol":"NIFTY30DEC25FUT","lotsize":75,"strike":-1}
		]}`))
	})

	got, err := client.SearchInstruments(context.Background(), "NIFTY DEC 25", "")
	if err != nil {
		t.Fatalf("SearchInstruments returned error: %v", err)
	}
	if len(got) != 2 || got[0].Symbol != "BANKNIFTY30DEC25FUT" || got[1].Symbol != "NIFTY30DEC25FUT" {
		t.Fatalf("unexpected results %+v", got)
	}
	if got[0].LotSize != 35 || got[1].LotSize != 75 {
		t.Errorf("unexpected lot sizes %+v", got)
	}
}

func TestFetchCandles_AcceptsShortAndNestedKeys(t *testing.T) {
	cases := map[string]string{
		"short":  `{"status":"success","data":[{"t":1700000000,"o":1,"h":2,"l":0.5,"c":1.5,"v":10},{"t":1700000060,"o":1.5,"h":2,"l":1,"c":1.8,"v":12}]}`,
		"nested": `{"status":"success","data":{"candles":[{"timestamp":"2023-11-14 22:13:20","open":1,"high":2,"low":0.5,"close":1.5,"volume":10},{"timestamp":"2023-11-14 22:14:20","open":1.5,"high":2,"low":1,"close":1.8}]}}`,
		"bare":   `[{"timestamp":1700000000000,"close":1.5},{"timestamp":1700000060000,"close":1.8}]`,
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			end := time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC)
			candles, err := client.FetchCandles(context.Background(), "NIFTY30DEC25FUT", end.AddDate(0, 0, -5), end)
			if err != nil {
				t.Fatalf("FetchCandles returned error: %v", err)
			}
			if len(candles) != 2 {
				t.Fatalf("expected 2 candles, got %d", len(candles))
			}
			if candles[1].Close != 1.8 {
				t.Errorf("unexpected close %v", candles[1].Close)
			}
			if !candles[0].Timestamp.Before(candles[1].Timestamp) {
				t.Errorf("timestamps not ascending: %v %v", candles[0].Timestamp, candles[1].Timestamp)
			}
		})
	}
}

func TestFetchCandles_EmptyData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":[]}`))
	})
	candles, err := client.FetchCandles(context.Background(), "X", time.Now(), time.Now())
	if err != nil {
		t.Fatalf("FetchCandles returned error: %v", err)
	}
	if len(candles) != 0 {
		t.Fatalf("expected no candles, got %d", len(candles))
	}
}
