package broker

import (
	"time"

	"topstepx-engine/pkg/types"
)

// apiEnvelope is the common response wrapper of the gateway. success=false
// responses carry a machine error code and a human message.
type apiEnvelope struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// loginRequest exchanges username + API key for a session token.
type loginRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

type loginResponse struct {
	apiEnvelope
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn,omitempty"` // seconds; 0 = unspecified
}

type accountSearchResponse struct {
	apiEnvelope
	Accounts []accountDTO `json:"accounts"`
}

type accountDTO struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Balance           float64 `json:"balance"`
	Equity            float64 `json:"equity"`
	Currency          string  `json:"currency"`
	Status            string  `json:"status"`
	StartOfDayBalance float64 `json:"startOfDayBalance"`
	AccountType       string  `json:"accountType"`
}

func (a accountDTO) toDomain() types.Account {
	return types.Account{
		ID:                a.ID,
		Name:              a.Name,
		Balance:           a.Balance,
		Equity:            a.Equity,
		Currency:          a.Currency,
		Status:            a.Status,
		StartOfDayBalance: a.StartOfDayBalance,
		AccountType:       a.AccountType,
	}
}

type contractSearchResponse struct {
	apiEnvelope
	Contracts []contractDTO `json:"contracts"`
}

type contractDTO struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tickSize"`
	TickValue   float64 `json:"tickValue"`
	PointValue  float64 `json:"pointValue"`
	Exchange    string  `json:"exchange"`
	Description string  `json:"description"`
}

func (c contractDTO) toDomain() types.Contract {
	return types.Contract{
		Symbol:      c.Symbol,
		ContractID:  c.ID,
		TickSize:    c.TickSize,
		TickValue:   c.TickValue,
		PointValue:  c.PointValue,
		Exchange:    c.Exchange,
		Description: c.Description,
	}
}

// PlaceOrderRequest is the order-placement intent handed to the client.
// CustomTag is the client-generated idempotency key; the gateway rejects a
// duplicate tag instead of creating a second order.
type PlaceOrderRequest struct {
	AccountID     string
	Symbol        string
	Side          types.Side
	Type          types.OrderType
	Quantity      int
	LimitPrice    float64
	StopPrice     float64
	TimeInForce   types.TimeInForce
	ReduceOnly    bool
	CustomTag     string
	LinkedOrderID string // OCO sibling, where the gateway links server-side
}

// OrderPatch carries the mutable fields of ModifyOrder. Nil = unchanged.
type OrderPatch struct {
	Quantity   *int
	LimitPrice *float64
	StopPrice  *float64
}

type placeOrderResponse struct {
	apiEnvelope
	OrderID string `json:"orderId"`
}

type orderSearchResponse struct {
	apiEnvelope
	Orders []orderDTO `json:"orders"`
}

type orderDTO struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"accountId"`
	ContractID    string    `json:"contractId"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Quantity      int       `json:"size"`
	LimitPrice    float64   `json:"limitPrice"`
	StopPrice     float64   `json:"stopPrice"`
	TimeInForce   string    `json:"timeInForce"`
	Status        string    `json:"status"`
	LinkedOrderID string    `json:"linkedOrderId"`
	CustomTag     string    `json:"customTag"`
	CreatedAt     time.Time `json:"creationTimestamp"`
	UpdatedAt     time.Time `json:"updateTimestamp"`
}

func (o orderDTO) toDomain() types.Order {
	return types.Order{
		ID:          o.ID,
		AccountID:   o.AccountID,
		Symbol:      o.Symbol,
		Side:        types.Side(o.Side),
		Type:        types.OrderType(o.Type),
		Quantity:    o.Quantity,
		LimitPrice:  o.LimitPrice,
		StopPrice:   o.StopPrice,
		TimeInForce: types.TimeInForce(o.TimeInForce),
		Status:      types.OrderStatus(o.Status),
		CustomTag:   o.CustomTag,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

type positionSearchResponse struct {
	apiEnvelope
	Positions []positionDTO `json:"positions"`
}

type positionDTO struct {
	AccountID     string    `json:"accountId"`
	ContractID    string    `json:"contractId"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // "LONG" or "SHORT"
	Quantity      int       `json:"size"`
	AvgEntryPrice float64   `json:"averagePrice"`
	OpenedAt      time.Time `json:"creationTimestamp"`
}

func (p positionDTO) toDomain() types.Position {
	return types.Position{
		AccountID:     p.AccountID,
		Symbol:        p.Symbol,
		Side:          types.PositionSide(p.Side),
		Quantity:      p.Quantity,
		AvgEntryPrice: p.AvgEntryPrice,
		OpenedAt:      p.OpenedAt,
	}
}

type fillDTO struct {
	OrderID   string    `json:"orderId"`
	ExecSeq   int64     `json:"execSeq"`
	AccountID string    `json:"accountId"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  int       `json:"size"`
	Price     float64   `json:"price"`
	Fees      float64   `json:"fees"`
	Timestamp time.Time `json:"timestamp"`
}

func (f fillDTO) toDomain() types.Fill {
	return types.Fill{
		OrderID:   f.OrderID,
		ExecSeq:   f.ExecSeq,
		AccountID: f.AccountID,
		Symbol:    f.Symbol,
		Side:      types.Side(f.Side),
		Quantity:  f.Quantity,
		Price:     f.Price,
		Fees:      f.Fees,
		Timestamp: f.Timestamp,
	}
}

type historyRequest struct {
	Symbol        string `json:"symbol"`
	UnitValue     int    `json:"unitValue"`
	Unit          string `json:"unit"`
	StartTime     string `json:"startTime"` // RFC3339
	EndTime       string `json:"endTime"`
	Limit         int    `json:"limit"`
	IncludePartial bool  `json:"includePartialBar"`
}

type historyResponse struct {
	apiEnvelope
	Bars []barDTO `json:"bars"`
}

type barDTO struct {
	Time   time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume float64   `json:"v"`
}
