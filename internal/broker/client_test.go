package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"topstepx-engine/internal/config"
	"topstepx-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(baseURL string) config.Config {
	cfg := config.Config{}
	cfg.Broker.BaseURL = baseURL
	cfg.Broker.Username = "trader"
	cfg.Broker.APIKey = "key-123"
	cfg.Broker.RateLimitPerSec = 1000
	cfg.Broker.RateLimitBurst = 1000
	return cfg
}

// newGateway spins up a fake gateway that issues tokens and serves the given
// handlers by path.
func newGateway(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/Auth/loginKey", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "token": "tok-1"})
	})
	for path, h := range handlers {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			h(w, r)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthenticateAcquiresToken(t *testing.T) {
	t.Parallel()
	srv := newGateway(t, nil)
	c := NewClient(testConfig(srv.URL), testLogger())

	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	tok, err := c.auth.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("token = %q, want tok-1", tok)
	}
}

func TestTokenProactiveRefresh(t *testing.T) {
	t.Parallel()
	var logins atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/Auth/loginKey", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "token": "tok-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testLogger())
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := c.auth.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got := logins.Load(); got != 1 {
		t.Fatalf("logins = %d before expiry, want 1", got)
	}

	// Age the token past 80% of its lifetime; the next call must refresh.
	c.auth.mu.Lock()
	c.auth.obtained = time.Now().Add(-time.Duration(float64(c.auth.lifetime) * 0.9))
	c.auth.mu.Unlock()

	if _, err := c.auth.Token(context.Background()); err != nil {
		t.Fatalf("Token after aging: %v", err)
	}
	if got := logins.Load(); got != 2 {
		t.Errorf("logins = %d after aging, want 2", got)
	}
}

func TestUnauthorizedTriggersSingleRefresh(t *testing.T) {
	t.Parallel()
	var queries atomic.Int64
	srv := newGateway(t, map[string]http.HandlerFunc{
		"/api/Account/search": func(w http.ResponseWriter, r *http.Request) {
			if queries.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"success":  true,
				"accounts": []map[string]any{{"id": "ACC1", "name": "Main", "balance": 50000.0}},
			})
		},
	})

	c := NewClient(testConfig(srv.URL), testLogger())
	accounts, err := c.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "ACC1" {
		t.Fatalf("accounts = %+v, want one ACC1", accounts)
	}
	if got := queries.Load(); got != 2 {
		t.Errorf("queries = %d, want 2 (401 then retry after refresh)", got)
	}
}

func TestUnauthorizedTwiceIsAuthExpired(t *testing.T) {
	t.Parallel()
	srv := newGateway(t, map[string]http.HandlerFunc{
		"/api/Account/search": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
	})

	c := NewClient(testConfig(srv.URL), testLogger())
	_, err := c.ListAccounts(context.Background())
	if types.KindOf(err) != types.KindAuthExpired {
		t.Errorf("kind = %v, want AuthExpired (err: %v)", types.KindOf(err), err)
	}
}

func TestReadRetriesOnServerError(t *testing.T) {
	t.Parallel()
	var queries atomic.Int64
	srv := newGateway(t, map[string]http.HandlerFunc{
		"/api/Account/search": func(w http.ResponseWriter, r *http.Request) {
			if queries.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"success": true, "accounts": []any{}})
		},
	})

	c := NewClient(testConfig(srv.URL), testLogger())
	start := time.Now()
	_, err := c.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if got := queries.Load(); got != 3 {
		t.Errorf("queries = %d, want 3", got)
	}
	// Two backoffs at base 750ms should have elapsed (minus jitter).
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("elapsed %v, expected backoff of >1s across retries", elapsed)
	}
}

func TestRateLimitExhaustionFailsFast(t *testing.T) {
	t.Parallel()
	srv := newGateway(t, map[string]http.HandlerFunc{
		"/api/Account/search": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"success": true, "accounts": []any{}})
		},
	})

	cfg := testConfig(srv.URL)
	cfg.Broker.RateLimitPerSec = 0.0001
	cfg.Broker.RateLimitBurst = 1
	c := NewClient(cfg, testLogger())

	if _, err := c.ListAccounts(context.Background()); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := c.ListAccounts(context.Background())
	if types.KindOf(err) != types.KindRateLimited {
		t.Errorf("kind = %v, want RateLimited (err: %v)", types.KindOf(err), err)
	}
}

func TestRetriesConsumeRateLimitTokens(t *testing.T) {
	t.Parallel()
	var queries atomic.Int64
	srv := newGateway(t, map[string]http.HandlerFunc{
		"/api/Account/search": func(w http.ResponseWriter, r *http.Request) {
			queries.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		},
	})

	cfg := testConfig(srv.URL)
	cfg.Broker.RateLimitPerSec = 0.0001
	cfg.Broker.RateLimitBurst = 2
	c := NewClient(cfg, testLogger())

	_, err := c.ListAccounts(context.Background())
	if types.KindOf(err) != types.KindRateLimited {
		t.Fatalf("kind = %v, want RateLimited once the bucket drains (err: %v)", types.KindOf(err), err)
	}
	if got := queries.Load(); got != 2 {
		t.Errorf("queries = %d, want one per token", got)
	}
}

func TestBrokerTooManyRequestsMapsToRateLimited(t *testing.T) {
	t.Parallel()
	srv := newGateway(t, map[string]http.HandlerFunc{
		"/api/Account/search": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		},
	})

	c := NewClient(testConfig(srv.URL), testLogger())
	_, err := c.ListAccounts(context.Background())
	if types.KindOf(err) != types.KindRateLimited {
		t.Errorf("kind = %v, want RateLimited", types.KindOf(err))
	}
}

func TestEnvelopeFailureMapsToBrokerRejected(t *testing.T) {
	t.Parallel()
	srv := newGateway(t, map[string]http.HandlerFunc{
		"/api/Account/search": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"success": false, "errorCode": 9000, "errorMessage": "account locked",
			})
		},
	})

	c := NewClient(testConfig(srv.URL), testLogger())
	_, err := c.ListAccounts(context.Background())
	if types.KindOf(err) != types.KindBrokerRejected {
		t.Errorf("kind = %v, want BrokerRejected (err: %v)", types.KindOf(err), err)
	}
}

func TestGetContractUnknownSymbol(t *testing.T) {
	t.Parallel()
	srv := newGateway(t, map[string]http.HandlerFunc{
		"/api/Contract/search": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"success": true, "contracts": []any{}})
		},
	})

	c := NewClient(testConfig(srv.URL), testLogger())
	_, err := c.GetContract(context.Background(), "ZZ")
	if types.KindOf(err) != types.KindNoContract {
		t.Errorf("kind = %v, want NoContract", types.KindOf(err))
	}
}

func TestGetContractCachesResult(t *testing.T) {
	t.Parallel()
	var searches atomic.Int64
	srv := newGateway(t, map[string]http.HandlerFunc{
		"/api/Contract/search": func(w http.ResponseWriter, r *http.Request) {
			searches.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"contracts": []map[string]any{
					{"id": "CON.NQ", "symbol": "NQ", "tickSize": 0.25, "tickValue": 5.0, "pointValue": 20.0},
				},
			})
		},
	})

	c := NewClient(testConfig(srv.URL), testLogger())
	for i := 0; i < 3; i++ {
		contract, err := c.GetContract(context.Background(), "nq")
		if err != nil {
			t.Fatalf("GetContract #%d: %v", i, err)
		}
		if contract.TickSize != 0.25 {
			t.Fatalf("TickSize = %v, want 0.25", contract.TickSize)
		}
	}
	if got := searches.Load(); got != 1 {
		t.Errorf("searches = %d, want 1 (cache hit after first)", got)
	}
}

func TestPlaceOrderRejectsOffTickPrice(t *testing.T) {
	t.Parallel()
	c := NewClient(testConfig("http://unused.invalid"), testLogger())
	c.contracts["NQ"] = types.Contract{Symbol: "NQ", ContractID: "CON.NQ", TickSize: 0.25}

	_, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:  "ACC1",
		Symbol:     "NQ",
		Side:       types.BUY,
		Type:       types.OrderLimit,
		Quantity:   1,
		LimitPrice: 25000.10,
	})
	if types.KindOf(err) != types.KindInvalidPrice {
		t.Errorf("kind = %v, want InvalidPrice (err: %v)", types.KindOf(err), err)
	}
}

func TestPlaceOrderRejectsZeroQuantity(t *testing.T) {
	t.Parallel()
	c := NewClient(testConfig("http://unused.invalid"), testLogger())

	_, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "ACC1", Symbol: "NQ", Side: types.BUY, Type: types.OrderMarket,
	})
	if types.KindOf(err) != types.KindInvalidInput {
		t.Errorf("kind = %v, want InvalidInput", types.KindOf(err))
	}
}

func TestPlaceOrderDryRun(t *testing.T) {
	t.Parallel()
	cfg := testConfig("http://unused.invalid")
	cfg.DryRun = true
	c := NewClient(cfg, testLogger())
	c.contracts["NQ"] = types.Contract{Symbol: "NQ", ContractID: "CON.NQ", TickSize: 0.25}

	id, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:  "ACC1",
		Symbol:     "NQ",
		Side:       types.BUY,
		Type:       types.OrderMarket,
		Quantity:   2,
		CustomTag:  "tag-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id == "" {
		t.Error("dry-run order ID is empty")
	}
}

func TestPlaceOrderSubmitsAndReturnsID(t *testing.T) {
	t.Parallel()
	srv := newGateway(t, map[string]http.HandlerFunc{
		"/api/Order/place": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["customTag"] != "tag-42" {
				t.Errorf("customTag = %v, want tag-42", body["customTag"])
			}
			if body["contractId"] != "CON.NQ" {
				t.Errorf("contractId = %v, want CON.NQ", body["contractId"])
			}
			json.NewEncoder(w).Encode(map[string]any{"success": true, "orderId": "ord-7"})
		},
	})

	c := NewClient(testConfig(srv.URL), testLogger())
	c.contracts["NQ"] = types.Contract{Symbol: "NQ", ContractID: "CON.NQ", TickSize: 0.25}

	id, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:  "ACC1",
		Symbol:     "NQ",
		Side:       types.SELL,
		Type:       types.OrderLimit,
		Quantity:   1,
		LimitPrice: 25000.25,
		CustomTag:  "tag-42",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "ord-7" {
		t.Errorf("order ID = %q, want ord-7", id)
	}
}

func TestCancelTerminalOrderIsNoop(t *testing.T) {
	t.Parallel()
	srv := newGateway(t, map[string]http.HandlerFunc{
		"/api/Order/cancel": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"success": false, "errorCode": codeAlreadyTerminal, "errorMessage": "order already filled",
			})
		},
	})

	c := NewClient(testConfig(srv.URL), testLogger())
	if err := c.CancelOrder(context.Background(), "ord-1"); err != nil {
		t.Errorf("CancelOrder on terminal order = %v, want nil", err)
	}
}

func TestOnTick(t *testing.T) {
	t.Parallel()
	cases := []struct {
		price, tick float64
		want        bool
	}{
		{25000.25, 0.25, true},
		{25000.00, 0.25, true},
		{25000.10, 0.25, false},
		{4512.3, 0.1, true},
		{4512.35, 0.1, false},
		{100, 0, true}, // no tick constraint
	}
	for _, tc := range cases {
		if got := OnTick(tc.price, tc.tick); got != tc.want {
			t.Errorf("OnTick(%v, %v) = %v, want %v", tc.price, tc.tick, got, tc.want)
		}
	}
}
