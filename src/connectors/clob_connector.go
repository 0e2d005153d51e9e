// REST client for CLOB-style prediction market venues.
// RESTY ONLY + INTERNAL RETRY
package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"hedgebot/src/orderbook"
	"hedgebot/src/venue"
)

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookPayload struct {
	MarketID string      `json:"market_id"`
	Seq      int64       `json:"seq"`
	Bids     []bookLevel `json:"bids"`
	Asks     []bookLevel `json:"asks"`
}

type placePayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type openOrderPayload struct {
	OrderID   string `json:"order_id"`
	MarketID  string `json:"market_id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Filled    string `json:"filled_size"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updated_at"`
}

type balancePayload struct {
	Available string `json:"available"`
	Asset     string `json:"asset"`
}

// ClobClient implements venue.Adapter over a signed REST API. The same client
// serves both configured venues; per-venue differences (base URL, fill id
// support) are injected at construction.
type ClobClient struct {
	name       string
	apiKey     string
	apiSecret  string
	hasFillIDs bool
	wsURL      string
	proxy      string
	http       *resty.Client
	cfg        Config
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 || code == 408 {
		return true
	}
	return false
}

// NewClobClient builds an authenticated client for one venue account.
func NewClobClient(name, baseURL, wsURL, apiKey, apiSecret, proxy string, hasFillIDs bool) *ClobClient {
	cfg := GetConfig()

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.HTTPTimeout).
		SetRetryCount(cfg.RetryAttempts - 1).
		SetRetryWaitTime(cfg.RetryBaseDelay).
		SetRetryMaxWaitTime(cfg.RetryMaxDelay).
		AddRetryCondition(isRetryableResp)
	if proxy != "" {
		httpClient.SetProxy(proxy)
	}

	return &ClobClient{
		name:       name,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		hasFillIDs: hasFillIDs,
		wsURL:      wsURL,
		proxy:      proxy,
		http:       httpClient,
		cfg:        cfg,
	}
}

func (c *ClobClient) Name() string     { return c.name }
func (c *ClobClient) HasFillIDs() bool { return c.hasFillIDs }

func signRequest(path, query, body string, expiry int64, secret string) string {
	base := path
	if query != "" {
		base += query
	}
	base += strconv.FormatInt(expiry, 10)
	if body != "" {
		base += body
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *ClobClient) doRequest(ctx context.Context, method, path, query string, body []byte) (*apiResponse, error) {
	expiry := time.Now().Add(1 * time.Minute).Unix()
	sig := signRequest(path, query, string(body), expiry, c.apiSecret)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("x-api-key", c.apiKey).
		SetHeader("x-request-expiry", strconv.FormatInt(expiry, 10)).
		SetHeader("x-request-signature", sig)

	if query != "" {
		req = req.SetQueryString(query)
	}
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, venue.NewTransientError(c.name, method+" "+path, err)
	}

	raw := resp.Body()
	if resp.StatusCode() != 200 {
		if isRetryableResp(resp, nil) {
			return nil, venue.NewTransientError(c.name, path, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(raw)))
		}
		return nil, venue.NewPermanentError(c.name, path, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(raw)))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, venue.NewPermanentError(c.name, path, fmt.Errorf("decode response: %w", err))
	}
	if apiResp.Code != 0 {
		return nil, venue.NewPermanentError(c.name, path, fmt.Errorf("API error %d: %s", apiResp.Code, apiResp.Msg))
	}
	return &apiResp, nil
}

// Place submits a limit or market order and returns the venue order id.
func (c *ClobClient) Place(ctx context.Context, spec venue.OrderSpec) (string, error) {
	payload := map[string]interface{}{
		"client_order_id": spec.ClientOrderID,
		"market_id":       spec.MarketID,
		"side":            spec.Side,
		"type":            spec.OrderType,
		"size":            strconv.FormatFloat(spec.Size, 'f', -1, 64),
	}
	if spec.Price != nil {
		payload["price"] = strconv.FormatFloat(*spec.Price, 'f', -1, 64)
	}
	if spec.IOC {
		payload["time_in_force"] = "IOC"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	resp, err := c.doRequest(ctx, "POST", "/orders", "", body)
	if err != nil {
		return "", err
	}
	var placed placePayload
	if err := json.Unmarshal(resp.Data, &placed); err != nil {
		return "", venue.NewPermanentError(c.name, "/orders", fmt.Errorf("decode order ack: %w", err))
	}
	if placed.OrderID == "" {
		return "", venue.NewPermanentError(c.name, "/orders", fmt.Errorf("venue ack without order id"))
	}

	logger.WithFields(map[string]interface{}{
		"component":       "clob_client",
		"venue":           c.name,
		"client_order_id": spec.ClientOrderID,
		"venue_order_id":  placed.OrderID,
	}).Debug("order placed")

	return placed.OrderID, nil
}

func (c *ClobClient) Cancel(ctx context.Context, venueOrderID string) error {
	_, err := c.doRequest(ctx, "DELETE", "/orders/"+venueOrderID, "", nil)
	return err
}

// FetchBook returns a normalized depth snapshot for one market.
func (c *ClobClient) FetchBook(ctx context.Context, marketID string) (orderbook.Snapshot, error) {
	resp, err := c.doRequest(ctx, "GET", "/book", "market_id="+marketID, nil)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	var payload bookPayload
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		return orderbook.Snapshot{}, venue.NewPermanentError(c.name, "/book", fmt.Errorf("decode book: %w", err))
	}

	snapshot := orderbook.Snapshot{
		Venue:    c.name,
		MarketID: marketID,
		Seq:      payload.Seq,
		Ts:       time.Now().UTC(),
		Bids:     parseLadder(payload.Bids),
		Asks:     parseLadder(payload.Asks),
	}
	return orderbook.Normalize(snapshot), nil
}

func parseLadder(levels []bookLevel) []orderbook.Level {
	out := make([]orderbook.Level, 0, len(levels))
	for _, lvl := range levels {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			continue
		}
		out = append(out, orderbook.Level{Price: price, Size: size})
	}
	return out
}

// FetchOpenOrders lists open and recently updated orders for polling diffs.
func (c *ClobClient) FetchOpenOrders(ctx context.Context) ([]venue.OpenOrder, error) {
	resp, err := c.doRequest(ctx, "GET", "/orders", "status=open,recent", nil)
	if err != nil {
		return nil, err
	}
	var rows []openOrderPayload
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		return nil, venue.NewPermanentError(c.name, "/orders", fmt.Errorf("decode open orders: %w", err))
	}

	out := make([]venue.OpenOrder, 0, len(rows))
	for _, row := range rows {
		out = append(out, venue.OpenOrder{
			VenueOrderID: row.OrderID,
			MarketID:     row.MarketID,
			Side:         row.Side,
			Price:        parseFloat(row.Price),
			Requested:    parseFloat(row.Size),
			Filled:       parseFloat(row.Filled),
			Status:       row.Status,
			UpdatedAt:    time.UnixMilli(row.UpdatedAt).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (c *ClobClient) FetchBalance(ctx context.Context) (float64, error) {
	resp, err := c.doRequest(ctx, "GET", "/balance", "", nil)
	if err != nil {
		return 0, err
	}
	var payload balancePayload
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		return 0, venue.NewPermanentError(c.name, "/balance", fmt.Errorf("decode balance: %w", err))
	}
	return parseFloat(payload.Available), nil
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}
