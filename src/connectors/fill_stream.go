package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"

	"hedgebot/src/venue"
)

// SubscribeFills dials the venue's user stream and invokes handler per decoded
// fill frame. It blocks until ctx is done, reconnecting with a fixed delay on
// read or dial failures.
func (c *ClobClient) SubscribeFills(ctx context.Context, handler func(venue.FillEvent)) error {
	for {
		if err := c.runFillStream(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithFields(map[string]interface{}{
				"component": "fill_stream",
				"venue":     c.name,
			}).WithError(err).Warn("fill stream disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.WSReconnectDelay):
		}
	}
}

func (c *ClobClient) runFillStream(ctx context.Context, handler func(venue.FillEvent)) error {
	expiry := time.Now().Add(1 * time.Minute).Unix()
	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	header.Set("x-request-expiry", strconv.FormatInt(expiry, 10))
	header.Set("x-request-signature", signRequest("/ws/user", "", "", expiry, c.apiSecret))

	dialer := websocket.Dialer{
		HandshakeTimeout:  c.cfg.WSHandshakeTimeout,
		EnableCompression: true,
		Proxy:             http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}
	defer conn.Close()

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	pingTicker := time.NewTicker(c.cfg.WSPingInterval)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-pingTicker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			case <-done:
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read failed: %w", err)
		}
		fill, ok := c.decodeFillFrame(msg)
		if !ok {
			continue
		}
		handler(fill)
	}
}

// flexNumber accepts JSON numbers and numeric strings, both of which appear
// in venue payloads.
type flexNumber string

func (n *flexNumber) UnmarshalJSON(raw []byte) error {
	*n = flexNumber(strings.Trim(string(raw), `"`))
	return nil
}

func (n flexNumber) Float64() (float64, error) {
	return strconv.ParseFloat(string(n), 64)
}

func (n flexNumber) Int64() (int64, error) {
	return strconv.ParseInt(string(n), 10, 64)
}

// fillFrame tolerates the field-name variations seen across venue payloads.
type fillFrame struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	OrderID       string          `json:"order_id"`
	ID            string          `json:"id"`
	FillID        string          `json:"fill_id"`
	TradeID       string          `json:"trade_id"`
	MarketID      string          `json:"market_id"`
	TokenID       string          `json:"token_id"`
	Side          string          `json:"side"`
	Price         flexNumber      `json:"price"`
	FillPrice     flexNumber      `json:"fill_price"`
	Size          flexNumber      `json:"size"`
	FillSize      flexNumber      `json:"fill_size"`
	MatchedAmount flexNumber      `json:"matchedAmount"`
	Fee           flexNumber      `json:"fee"`
	Seq           int64           `json:"seq"`
	Timestamp     flexNumber      `json:"timestamp"`
}

func (c *ClobClient) decodeFillFrame(msg []byte) (venue.FillEvent, bool) {
	var frame fillFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return venue.FillEvent{}, false
	}
	// Envelope frames nest the fill under data.
	if len(frame.Data) > 0 {
		var inner fillFrame
		if err := json.Unmarshal(frame.Data, &inner); err == nil {
			inner.Type = frame.Type
			frame = inner
		}
	}
	if frame.Type != "" && frame.Type != "fill" && frame.Type != "trade" {
		return venue.FillEvent{}, false
	}

	orderID := firstNonEmpty(frame.OrderID, frame.ID)
	if orderID == "" {
		return venue.FillEvent{}, false
	}
	size := firstNumber(frame.Size, frame.FillSize, frame.MatchedAmount)
	if size <= 0 {
		return venue.FillEvent{}, false
	}

	side := frame.Side
	if side != "SELL" {
		side = "BUY"
	}

	return venue.FillEvent{
		Venue:        c.name,
		VenueOrderID: orderID,
		FillID:       firstNonEmpty(frame.FillID, frame.TradeID),
		MarketID:     firstNonEmpty(frame.MarketID, frame.TokenID),
		Side:         side,
		Size:         size,
		Price:        firstNumber(frame.Price, frame.FillPrice),
		Fee:          firstNumber(frame.Fee),
		Seq:          frame.Seq,
		Ts:           parseTimestamp(frame.Timestamp),
		Source:       "ws",
	}, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNumber(values ...flexNumber) float64 {
	for _, v := range values {
		if v == "" {
			continue
		}
		if f, err := v.Float64(); err == nil && f != 0 {
			return f
		}
	}
	return 0
}

func parseTimestamp(raw flexNumber) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	if ts, err := raw.Int64(); err == nil {
		if ts > 1e12 {
			return time.UnixMilli(ts).UTC()
		}
		return time.Unix(ts, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, string(raw)); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
