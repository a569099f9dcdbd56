// Package broker implements the TopStepX gateway REST and streaming clients.
//
// The REST client (Client) covers the full order/account surface:
//   - Authenticate:        POST /api/Auth/loginKey      — session token exchange
//   - ListAccounts:        POST /api/Account/search
//   - ListContracts:       POST /api/Contract/search
//   - PlaceOrder:          POST /api/Order/place
//   - ModifyOrder:         POST /api/Order/modify
//   - CancelOrder:         POST /api/Order/cancel
//   - CancelAllForAccount: POST /api/Order/cancelAll
//   - GetOrders:           POST /api/Order/searchOpen
//   - GetPositions:        POST /api/Position/searchOpen
//   - FlattenSymbol:       POST /api/Position/closeContract
//   - GetHistoricalBars:   POST /api/History/retrieveBars
//
// Every request is rate-limited via per-family token buckets; idempotent
// reads are retried on 5xx/transport errors with exponential backoff and
// jitter; order mutations run behind a circuit breaker and are retried only
// when they carry a client-generated idempotency tag. A 401 anywhere
// invalidates the cached token so the next attempt performs exactly one
// refresh.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"topstepx-engine/internal/config"
	"topstepx-engine/internal/metrics"
	"topstepx-engine/pkg/types"
)

const (
	retryMax     = 3
	retryBase    = 750 * time.Millisecond
	retryFactor  = 2.0
	retryJitter  = 0.2
	queryTimeout = 10 * time.Second
	histTimeout  = 30 * time.Second
)

// Interface is the broker contract consumed by the order manager, account
// store, and historical-data service. *Client implements it; tests substitute
// mocks.
type Interface interface {
	Authenticate(ctx context.Context) error
	ListAccounts(ctx context.Context) ([]types.Account, error)
	GetContract(ctx context.Context, symbol string) (*types.Contract, error)
	ListContracts(ctx context.Context) ([]types.Contract, error)
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error)
	ModifyOrder(ctx context.Context, orderID string, patch OrderPatch) error
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllForAccount(ctx context.Context, accountID string) error
	GetPositions(ctx context.Context, accountID string) ([]types.Position, error)
	GetOrders(ctx context.Context, accountID string) ([]types.Order, error)
	FlattenSymbol(ctx context.Context, accountID, symbol string) error
	GetHistoricalBars(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time, limit int) ([]types.Bar, error)
}

// Client is the gateway REST API client.
type Client struct {
	http    *resty.Client
	auth    *tokenSource
	rl      *RateLimiter
	breaker *gobreaker.CircuitBreaker
	dryRun  bool
	logger  *slog.Logger

	contractsMu sync.RWMutex
	contracts   map[string]types.Contract // symbol root → contract
}

var _ Interface = (*Client)(nil)

// NewClient creates a REST client with rate limiting, retry, and a circuit
// breaker on the order-mutation family.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Broker.BaseURL).
		SetTimeout(queryTimeout).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "broker-orders",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		http:      httpClient,
		auth:      newTokenSource(httpClient, cfg.Broker.Username, cfg.Broker.APIKey, logger),
		rl:        NewRateLimiter(cfg.Broker.RateLimitBurst, cfg.Broker.RateLimitPerSec),
		breaker:   breaker,
		dryRun:    cfg.DryRun,
		logger:    logger.With("component", "broker"),
		contracts: make(map[string]types.Contract),
	}
}

// Authenticate eagerly acquires a session token. Subsequent calls refresh
// lazily; callers normally never invoke this again.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.auth.Token(ctx)
	return err
}

// MarketHub builds the market-data hub feed sharing this client's session.
func (c *Client) MarketHub(url string, logger *slog.Logger) *HubFeed {
	return NewMarketHub(url, c.auth, logger)
}

// UserHub builds the account/order/fill hub feed sharing this client's session.
func (c *Client) UserHub(url string, logger *slog.Logger) *HubFeed {
	return NewUserHub(url, c.auth, logger)
}

// ListAccounts returns the active accounts visible to the credentials.
func (c *Client) ListAccounts(ctx context.Context) ([]types.Account, error) {
	var result accountSearchResponse
	err := c.call(ctx, c.rl.Query, "/api/Account/search",
		map[string]any{"onlyActiveAccounts": true}, &result, true)
	if err != nil {
		return nil, err
	}
	out := make([]types.Account, 0, len(result.Accounts))
	for _, a := range result.Accounts {
		out = append(out, a.toDomain())
	}
	return out, nil
}

// ListContracts fetches the configured contract universe and refreshes the
// local cache.
func (c *Client) ListContracts(ctx context.Context) ([]types.Contract, error) {
	var result contractSearchResponse
	err := c.call(ctx, c.rl.Query, "/api/Contract/search",
		map[string]any{"live": true}, &result, true)
	if err != nil {
		return nil, err
	}
	out := make([]types.Contract, 0, len(result.Contracts))
	c.contractsMu.Lock()
	for _, dto := range result.Contracts {
		contract := dto.toDomain()
		c.contracts[contract.Symbol] = contract
		out = append(out, contract)
	}
	c.contractsMu.Unlock()
	return out, nil
}

// GetContract resolves a symbol root to its contract, from cache when
// possible. Unknown symbols return NoContract.
func (c *Client) GetContract(ctx context.Context, symbol string) (*types.Contract, error) {
	symbol = types.NormalizeSymbol(symbol)

	c.contractsMu.RLock()
	contract, ok := c.contracts[symbol]
	c.contractsMu.RUnlock()
	if ok {
		return &contract, nil
	}

	var result contractSearchResponse
	err := c.call(ctx, c.rl.Query, "/api/Contract/search",
		map[string]any{"searchText": symbol, "live": true}, &result, true)
	if err != nil {
		return nil, err
	}
	for _, dto := range result.Contracts {
		candidate := dto.toDomain()
		if candidate.Symbol == symbol {
			c.contractsMu.Lock()
			c.contracts[symbol] = candidate
			c.contractsMu.Unlock()
			return &candidate, nil
		}
	}
	return nil, types.E(types.KindNoContract, "no contract for symbol %q", symbol)
}

// PlaceOrder submits one order. Prices must already sit on the contract tick
// grid; a cross-tick price fails before any HTTP call.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", types.E(types.KindInvalidInput, "quantity must be >= 1, got %d", req.Quantity)
	}
	contract, err := c.GetContract(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	for _, price := range []float64{req.LimitPrice, req.StopPrice} {
		if price != 0 && !OnTick(price, contract.TickSize) {
			return "", types.E(types.KindInvalidPrice,
				"price %v not aligned to tick %v for %s", price, contract.TickSize, req.Symbol)
		}
	}

	if c.dryRun {
		id := fmt.Sprintf("dry-run-%s", req.CustomTag)
		c.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "side", req.Side, "type", req.Type, "qty", req.Quantity)
		return id, nil
	}

	body := map[string]any{
		"accountId":   req.AccountID,
		"contractId":  contract.ContractID,
		"type":        string(req.Type),
		"side":        string(req.Side),
		"size":        req.Quantity,
		"timeInForce": string(req.TimeInForce),
	}
	if req.LimitPrice != 0 {
		body["limitPrice"] = req.LimitPrice
	}
	if req.StopPrice != 0 {
		body["stopPrice"] = req.StopPrice
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.CustomTag != "" {
		body["customTag"] = req.CustomTag
	}
	if req.LinkedOrderID != "" {
		body["linkedOrderId"] = req.LinkedOrderID
	}

	var result placeOrderResponse
	// Retries are safe only when the gateway can dedupe on customTag.
	idempotent := req.CustomTag != ""
	if err := c.callBreaker(ctx, c.rl.Order, "/api/Order/place", body, &result, idempotent); err != nil {
		return "", err
	}
	return result.OrderID, nil
}

// ModifyOrder patches price/quantity on a working order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, patch OrderPatch) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would modify order", "order_id", orderID)
		return nil
	}
	body := map[string]any{"orderId": orderID}
	if patch.Quantity != nil {
		body["size"] = *patch.Quantity
	}
	if patch.LimitPrice != nil {
		body["limitPrice"] = *patch.LimitPrice
	}
	if patch.StopPrice != nil {
		body["stopPrice"] = *patch.StopPrice
	}
	var result apiEnvelope
	return c.callBreaker(ctx, c.rl.Order, "/api/Order/modify", body, &result, false)
}

// CancelOrder cancels one order. Cancelling an already-terminal order is a
// no-op success (cancel is idempotent).
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	var result apiEnvelope
	err := c.callBreaker(ctx, c.rl.Order, "/api/Order/cancel",
		map[string]any{"orderId": orderID}, &result, true)
	if types.KindOf(err) == types.KindStateConflict {
		return nil
	}
	return err
}

// CancelAllForAccount cancels every working order on the account.
func (c *Client) CancelAllForAccount(ctx context.Context, accountID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders", "account_id", accountID)
		return nil
	}
	var result apiEnvelope
	return c.callBreaker(ctx, c.rl.Order, "/api/Order/cancelAll",
		map[string]any{"accountId": accountID}, &result, true)
}

// GetOrders returns the open orders for an account.
func (c *Client) GetOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	var result orderSearchResponse
	err := c.call(ctx, c.rl.Query, "/api/Order/searchOpen",
		map[string]any{"accountId": accountID}, &result, true)
	if err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(result.Orders))
	for _, o := range result.Orders {
		out = append(out, o.toDomain())
	}
	return out, nil
}

// GetPositions returns the open positions for an account.
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	var result positionSearchResponse
	err := c.call(ctx, c.rl.Query, "/api/Position/searchOpen",
		map[string]any{"accountId": accountID}, &result, true)
	if err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(result.Positions))
	for _, p := range result.Positions {
		out = append(out, p.toDomain())
	}
	return out, nil
}

// FlattenSymbol market-closes the account's position in one contract.
func (c *Client) FlattenSymbol(ctx context.Context, accountID, symbol string) error {
	contract, err := c.GetContract(ctx, symbol)
	if err != nil {
		return err
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would flatten", "account_id", accountID, "symbol", symbol)
		return nil
	}
	var result apiEnvelope
	return c.callBreaker(ctx, c.rl.Order, "/api/Position/closeContract",
		map[string]any{"accountId": accountID, "contractId": contract.ContractID}, &result, true)
}

// GetHistoricalBars fetches bars for [from, to], ascending, at most limit rows.
func (c *Client) GetHistoricalBars(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time, limit int) ([]types.Bar, error) {
	symbol = types.NormalizeSymbol(symbol)
	ctx, cancel := context.WithTimeout(ctx, histTimeout)
	defer cancel()

	var result historyResponse
	err := c.call(ctx, c.rl.History, "/api/History/retrieveBars", historyRequest{
		Symbol:    symbol,
		UnitValue: tf.Value,
		Unit:      string(tf.Unit),
		StartTime: from.UTC().Format(time.RFC3339),
		EndTime:   to.UTC().Format(time.RFC3339),
		Limit:     limit,
	}, &result, true)
	if err != nil {
		return nil, err
	}

	bars := make([]types.Bar, 0, len(result.Bars))
	for _, dto := range result.Bars {
		bars = append(bars, types.Bar{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  dto.Time.UTC(),
			Open:      dto.Open,
			High:      dto.High,
			Low:       dto.Low,
			Close:     dto.Close,
			Volume:    dto.Volume,
		})
	}
	return bars, nil
}

// ————————————————————————————————————————————————————————————————————————
// Transport plumbing
// ————————————————————————————————————————————————————————————————————————

// call performs one rate-limited POST. idempotent requests are retried on
// transient failures with exponential backoff + jitter.
func (c *Client) call(ctx context.Context, bucket *TokenBucket, path string, body, result any, idempotent bool) error {
	var lastErr error
	attempts := 1
	if idempotent {
		attempts = retryMax + 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return types.WrapErr(types.KindCancelled, err, "retry backoff")
			}
		}
		// Each attempt spends a token; retries never exceed the request rate.
		if !bucket.Allow() {
			return types.E(types.KindRateLimited, "rate limit exhausted for %s", path)
		}
		start := time.Now()
		lastErr = c.doOnce(ctx, path, body, result)
		metrics.BrokerCallDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		if lastErr != nil {
			metrics.BrokerCallErrors.WithLabelValues(path, string(types.KindOf(lastErr))).Inc()
		}
		if lastErr == nil || !types.IsTransient(lastErr) {
			return lastErr
		}
		c.logger.Warn("retrying broker call", "path", path, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

// callBreaker is call for order mutations, behind the circuit breaker.
func (c *Client) callBreaker(ctx context.Context, bucket *TokenBucket, path string, body, result any, idempotent bool) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.call(ctx, bucket, path, body, result, idempotent)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return types.WrapErr(types.KindTransient, err, "broker circuit open")
	}
	return err
}

// doOnce issues a single authenticated request and maps the outcome onto the
// error taxonomy. A 401 invalidates the token and retries once after refresh.
func (c *Client) doOnce(ctx context.Context, path string, body, result any) error {
	for _, refresh := range []bool{false, true} {
		if refresh {
			c.auth.Invalidate()
		}
		token, err := c.auth.Token(ctx)
		if err != nil {
			return err
		}

		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(body).
			SetResult(result).
			Post(path)
		if err != nil {
			if ctx.Err() != nil {
				return types.WrapErr(types.KindCancelled, ctx.Err(), "%s", path)
			}
			return types.WrapErr(types.KindTransient, err, "%s", path)
		}

		switch status := resp.StatusCode(); {
		case status == http.StatusUnauthorized:
			if refresh {
				return types.E(types.KindAuthExpired, "%s: still unauthorized after refresh", path)
			}
			continue // invalidate + one refresh
		case status == http.StatusTooManyRequests:
			return types.E(types.KindRateLimited, "%s: broker rate limit", path)
		case status == http.StatusConflict:
			return types.E(types.KindStateConflict, "%s: %s", path, resp.String())
		case status >= 500:
			return types.E(types.KindTransient, "%s: status %d", path, status)
		case status >= 400:
			return types.E(types.KindBrokerRejected, "%s: status %d: %s", path, status, resp.String())
		}

		if env, ok := envelopeOf(result); ok && !env.Success {
			return mapEnvelopeError(path, env)
		}
		return nil
	}
	return types.E(types.KindInternal, "%s: unreachable", path)
}

// enveloped is satisfied by every response type embedding apiEnvelope;
// results are passed as pointers and the embedded value receiver applies.
type enveloped interface{ envelope() apiEnvelope }

func (e apiEnvelope) envelope() apiEnvelope { return e }

func envelopeOf(result any) (apiEnvelope, bool) {
	if e, ok := result.(enveloped); ok {
		return e.envelope(), true
	}
	return apiEnvelope{}, false
}

// gateway error codes with dedicated kinds
const (
	codeContractNotFound = 404
	codeOrderNotFound    = 1001
	codeAlreadyTerminal  = 1002
)

func mapEnvelopeError(path string, env apiEnvelope) error {
	switch env.ErrorCode {
	case codeContractNotFound:
		return types.E(types.KindNoContract, "%s: %s", path, env.ErrorMessage)
	case codeOrderNotFound:
		return types.E(types.KindStateConflict, "%s: %s", path, env.ErrorMessage)
	case codeAlreadyTerminal:
		return types.E(types.KindStateConflict, "%s: %s", path, env.ErrorMessage)
	}
	return types.E(types.KindBrokerRejected, "%s: code %d: %s", path, env.ErrorCode, env.ErrorMessage)
}

func sleepBackoff(ctx context.Context, attempt int) error {
	backoff := float64(retryBase) * math.Pow(retryFactor, float64(attempt-1))
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	d := time.Duration(backoff * jitter)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// OnTick reports whether price sits on the tick grid within float tolerance.
func OnTick(price, tick float64) bool {
	if tick <= 0 {
		return true
	}
	ratio := price / tick
	return math.Abs(ratio-math.Round(ratio)) < 1e-6
}
