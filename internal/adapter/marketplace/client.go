package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/internal/core/ports"
	"p2p-settlement-gateway/pkg/apperror"

	"github.com/rs/zerolog"
)

const defaultTimeout = 10 * time.Second

// Client talks to the external exchange marketplace over signed HTTP.
// Every request carries bounded timeouts; callers must not hold ledger locks
// across these calls.
type Client struct {
	baseURL    string
	appID      string
	signer     ports.Signer
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a marketplace client. A zero timeout falls back to the
// default.
func NewClient(baseURL, appID string, signer ports.Signer, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		appID:      appID,
		signer:     signer,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// wireOrder is the marketplace's order representation.
type wireOrder struct {
	OrderID      string `json:"orderId"`
	Status       int    `json:"status"`
	PayMethod    string `json:"payMethod"`
	PayReference string `json:"payReference"`
}

type listResponse struct {
	Code   int         `json:"code"`
	Msg    string      `json:"msg"`
	Orders []wireOrder `json:"orders"`
}

type orderResponse struct {
	Code  int        `json:"code"`
	Msg   string     `json:"msg"`
	Order *wireOrder `json:"order"`
}

type actionResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ListPendingOrders fetches one page of non-terminal orders for a side.
func (c *Client) ListPendingOrders(ctx context.Context, side domain.OrderSide, page, pageSize int) ([]ports.MarketplaceOrder, error) {
	params := map[string]string{
		"side":     string(side),
		"page":     strconv.Itoa(page),
		"pageSize": strconv.Itoa(pageSize),
	}

	var resp listResponse
	if err := c.post(ctx, "/api/order/pending", params, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, apperror.ErrMarketplaceUnavailable(fmt.Errorf("list pending orders: code %d: %s", resp.Code, resp.Msg))
	}

	orders := make([]ports.MarketplaceOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		orders = append(orders, fromWire(o))
	}
	return orders, nil
}

// GetOrder fetches one order snapshot.
func (c *Client) GetOrder(ctx context.Context, externalID string) (*ports.MarketplaceOrder, error) {
	var resp orderResponse
	if err := c.post(ctx, "/api/order/detail", map[string]string{"orderId": externalID}, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 || resp.Order == nil {
		return nil, apperror.ErrMarketplaceUnavailable(fmt.Errorf("get order %s: code %d: %s", externalID, resp.Code, resp.Msg))
	}
	order := fromWire(*resp.Order)
	return &order, nil
}

// MarkPaid notifies the marketplace that the fiat leg of an order was paid.
func (c *Client) MarkPaid(ctx context.Context, externalID, method, reference string) error {
	return c.action(ctx, "/api/order/paid", map[string]string{
		"orderId":      externalID,
		"payMethod":    method,
		"payReference": reference,
	})
}

// ReleaseAssets releases the escrowed assets of a paid SELL order.
func (c *Client) ReleaseAssets(ctx context.Context, externalID string) error {
	return c.action(ctx, "/api/order/release", map[string]string{"orderId": externalID})
}

// Cancel cancels an order on the marketplace.
func (c *Client) Cancel(ctx context.Context, externalID string) error {
	return c.action(ctx, "/api/order/cancel", map[string]string{"orderId": externalID})
}

func (c *Client) action(ctx context.Context, path string, params map[string]string) error {
	var resp actionResponse
	if err := c.post(ctx, path, params, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		return apperror.ErrMarketplaceUnavailable(fmt.Errorf("%s: code %d: %s", path, resp.Code, resp.Msg))
	}
	return nil
}

// post signs params, sends them as JSON and decodes the response.
func (c *Client) post(ctx context.Context, path string, params map[string]string, out any) error {
	signed := make(map[string]string, len(params)+3)
	for k, v := range params {
		signed[k] = v
	}
	signed["appId"] = c.appID
	signed["timestamp"] = strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)

	sig, err := c.signer.Sign(signed)
	if err != nil {
		return apperror.ErrMarketplaceUnavailable(fmt.Errorf("sign request: %w", err))
	}
	signed["sign"] = sig

	body, err := json.Marshal(signed)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperror.InternalError(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return apperror.ErrMarketplaceUnavailable(fmt.Errorf("%s: %w", path, err))
	}
	defer httpResp.Body.Close() //nolint:errcheck

	c.log.Debug().
		Str("path", path).
		Int("status", httpResp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("marketplace call")

	if httpResp.StatusCode != http.StatusOK {
		return apperror.ErrMarketplaceUnavailable(fmt.Errorf("%s: unexpected status %d", path, httpResp.StatusCode))
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return apperror.ErrMarketplaceUnavailable(fmt.Errorf("%s: read response: %w", path, err))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperror.ErrMarketplaceUnavailable(fmt.Errorf("%s: decode response: %w", path, err))
	}
	return nil
}

func fromWire(o wireOrder) ports.MarketplaceOrder {
	return ports.MarketplaceOrder{
		ExternalID:       o.OrderID,
		StatusCode:       o.Status,
		PaymentMethod:    o.PayMethod,
		PaymentReference: o.PayReference,
	}
}
