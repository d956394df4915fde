package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style requested from the exchange.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
)

// OrderRequest is an order intent issued by the lifecycle engine.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Quantity decimal.Decimal
	Type     OrderType
	// ClientID lets the exchange side deduplicate retries.
	ClientID string
}

// Fill is the confirmed execution of an order.
type Fill struct {
	OrderID   string
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	FilledAt  time.Time
}

// Broker is the order capability: place market orders and read prices.
// Implementations own retries; the ledger treats any error as a failed order.
type Broker interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error)
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PriceSource fetches the current price of a symbol.
type PriceSource interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
