// Package broker implements the Broker Adapter: a thin, stateless-between-calls
// surface over the options broker's REST API. Grounded on
// 0xtitan6-polymarket-mm/internal/exchange/client.go's resty wrapper
// (base URL, timeout, retry-on-5xx, per-call SetResult decoding).
package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"ordercore/internal/model"
	"ordercore/internal/obslog"
)

// OrderBookStatus is the broker's own order-status vocabulary, distinct from
// model.OrderStatus: the Watcher's reconciliation translates between them.
type OrderBookStatus string

const (
	BrokerOpen      OrderBookStatus = "OPEN"
	BrokerPending   OrderBookStatus = "PENDING"
	BrokerComplete  OrderBookStatus = "COMPLETE"
	BrokerRejected  OrderBookStatus = "REJECTED"
	BrokerCancelled OrderBookStatus = "CANCELLED"
	BrokerExpired   OrderBookStatus = "EXPIRED"
)

// PlaceOrderParams is the wire-neutral request shape for place_order.
type PlaceOrderParams struct {
	Symbol        string
	Exchange      string
	Side          model.Side
	Quantity      int64
	Product       model.Product
	OrderType     model.OrderType
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
	IdempotencyKey string // when set, the broker treats repeated calls as one order
}

// PlaceOrderResult is the result/outcome of a place_order call, per spec.md §4.3.
type PlaceOrderResult struct {
	Success       bool
	BrokerOrderID string
	ErrorMessage  string
}

// BookEntry is one row of get_order_book.
type BookEntry struct {
	BrokerOrderID   string
	Status          OrderBookStatus
	FilledQty       int64
	AvgPrice        decimal.Decimal
	RejectionReason string
}

// Position is one row of get_positions. Sign of NetQty encodes side.
type Position struct {
	Symbol   string
	Exchange string
	Product  model.Product
	NetQty   int64
	AvgPrice decimal.Decimal
}

// Adapter is the Broker Adapter contract from spec.md §4.3.
type Adapter interface {
	PlaceOrder(ctx context.Context, p PlaceOrderParams) (PlaceOrderResult, error)
	GetOrderBook(ctx context.Context) ([]BookEntry, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetLTP(ctx context.Context, exchange, symbol string) (decimal.Decimal, error)
}

// RESTAdapter is the resty-backed REST implementation.
type RESTAdapter struct {
	http *resty.Client
	auth *RequestSigner
}

// NewRESTAdapter builds a Broker Adapter pointed at baseURL, signing every
// request with the given API key/secret.
func NewRESTAdapter(baseURL, apiKey, secret string, timeout time.Duration) *RESTAdapter {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(300 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &RESTAdapter{
		http: httpClient,
		auth: NewRequestSigner(apiKey, secret),
	}
}

type placeOrderWire struct {
	Symbol        string `json:"symbol"`
	Exchange      string `json:"exchange"`
	Side          string `json:"side"`
	Quantity      int64  `json:"quantity"`
	Product       string `json:"product"`
	OrderType     string `json:"order_type"`
	Price         string `json:"price,omitempty"`
	TriggerPrice  string `json:"trigger_price,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type placeOrderResponse struct {
	Success       bool   `json:"success"`
	BrokerOrderID string `json:"broker_order_id"`
	ErrorMessage  string `json:"error_message"`
}

func (a *RESTAdapter) PlaceOrder(ctx context.Context, p PlaceOrderParams) (PlaceOrderResult, error) {
	body := placeOrderWire{
		Symbol:         p.Symbol,
		Exchange:       p.Exchange,
		Side:           string(p.Side),
		Quantity:       p.Quantity,
		Product:        string(p.Product),
		OrderType:      string(p.OrderType),
		Price:          p.Price.String(),
		TriggerPrice:   p.TriggerPrice.String(),
		IdempotencyKey: p.IdempotencyKey,
	}

	headers, err := a.auth.Sign(http.MethodPost, "/orders", body)
	if err != nil {
		return PlaceOrderResult{}, fmt.Errorf("signing place_order request: %w", err)
	}

	var result placeOrderResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		log.Error().Msgf("place_order network failure: %v", err)
		return PlaceOrderResult{Success: false, ErrorMessage: err.Error()}, nil
	}
	if resp.StatusCode() >= 400 {
		return PlaceOrderResult{Success: false, ErrorMessage: resp.String()}, nil
	}
	return PlaceOrderResult{Success: result.Success, BrokerOrderID: result.BrokerOrderID, ErrorMessage: result.ErrorMessage}, nil
}

type orderBookRow struct {
	BrokerOrderID   string `json:"broker_order_id"`
	Status          string `json:"status"`
	FilledQty       int64  `json:"filled_qty"`
	AvgPrice        string `json:"avg_price"`
	RejectionReason string `json:"rejection_reason"`
}

func (a *RESTAdapter) GetOrderBook(ctx context.Context) ([]BookEntry, error) {
	headers, err := a.auth.Sign(http.MethodGet, "/orders", nil)
	if err != nil {
		return nil, fmt.Errorf("signing get_order_book request: %w", err)
	}
	var rows []orderBookRow
	resp, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&rows).Get("/orders")
	if err != nil {
		return nil, fmt.Errorf("get_order_book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get_order_book: status %d: %s", resp.StatusCode(), resp.String())
	}
	out := make([]BookEntry, len(rows))
	for i, r := range rows {
		out[i] = BookEntry{
			BrokerOrderID:   r.BrokerOrderID,
			Status:          OrderBookStatus(r.Status),
			FilledQty:       r.FilledQty,
			AvgPrice:        parseDecimal(r.AvgPrice),
			RejectionReason: r.RejectionReason,
		}
	}
	return out, nil
}

type positionRow struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Product  string `json:"product"`
	NetQty   int64  `json:"net_qty"`
	AvgPrice string `json:"avg_price"`
}

func (a *RESTAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	headers, err := a.auth.Sign(http.MethodGet, "/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("signing get_positions request: %w", err)
	}
	var rows []positionRow
	resp, err := a.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&rows).Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("get_positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get_positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	out := make([]Position, len(rows))
	for i, r := range rows {
		out[i] = Position{
			Symbol:   r.Symbol,
			Exchange: r.Exchange,
			Product:  model.Product(r.Product),
			NetQty:   r.NetQty,
			AvgPrice: parseDecimal(r.AvgPrice),
		}
	}
	return out, nil
}

func (a *RESTAdapter) GetLTP(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	headers, err := a.auth.Sign(http.MethodGet, "/ltp", nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("signing get_ltp request: %w", err)
	}
	var result struct {
		Price string `json:"price"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{"exchange": exchange, "symbol": symbol}).
		SetResult(&result).
		Get("/ltp")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get_ltp: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get_ltp: status %d: %s", resp.StatusCode(), resp.String())
	}
	return parseDecimal(result.Price), nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var log = obslog.Component("broker")
