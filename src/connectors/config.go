package connectors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	PolymarketBaseURL string `envconfig:"POLYMARKET_BASE_URL" default:"https://clob.polymarket.com"`
	PolymarketWSURL   string `envconfig:"POLYMARKET_WS_URL" default:"wss://ws-subscriptions-clob.polymarket.com/ws/user"`
	OpinionBaseURL    string `envconfig:"OPINION_BASE_URL" default:"https://api.opinion.trade"`
	OpinionWSURL      string `envconfig:"OPINION_WS_URL" default:"wss://stream.opinion.trade/fills"`

	HTTPTimeout    time.Duration `envconfig:"CONNECTOR_HTTP_TIMEOUT" default:"15s"`
	RetryAttempts  int           `envconfig:"CONNECTOR_RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay time.Duration `envconfig:"CONNECTOR_RETRY_BASE_DELAY" default:"500ms"`
	RetryMaxDelay  time.Duration `envconfig:"CONNECTOR_RETRY_MAX_DELAY" default:"8s"`

	WSHandshakeTimeout time.Duration `envconfig:"WS_HANDSHAKE_TIMEOUT" default:"15s"`
	WSReconnectDelay   time.Duration `envconfig:"WS_RECONNECT_DELAY" default:"2s"`
	WSPingInterval     time.Duration `envconfig:"WS_PING_INTERVAL" default:"30s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
