package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// MarketHedgeConfig holds the knobs of the spread-entry / hedge strategy.
type MarketHedgeConfig struct {
	HedgeRatio        float64       `envconfig:"HEDGE_RATIO" default:"1.0"`
	MaxSlippage       float64       `envconfig:"MAX_SLIPPAGE" default:"0.05"`
	MinSpreadForEntry float64       `envconfig:"MIN_SPREAD_FOR_ENTRY" default:"0.02"`
	CancelSpread      float64       `envconfig:"CANCEL_SPREAD" default:"0.005"`
	MaxOrderAge       time.Duration `envconfig:"MAX_ORDER_AGE" default:"2m"`
	ExposureCap       float64       `envconfig:"EXPOSURE_CAP" default:"1000"`
	CoolDown          time.Duration `envconfig:"COOL_DOWN" default:"5m"`
	MaxOpenOrders     int           `envconfig:"MAX_OPEN_ORDERS_PER_PAIR" default:"4"`
	BalanceMargin     float64       `envconfig:"BALANCE_SAFETY_MARGIN" default:"0.95"`
	NotionalSize      float64       `envconfig:"NOTIONAL_SIZE" default:"100"`
	// LotStep is the venue size increment hedge legs are floored to.
	LotStep float64 `envconfig:"LOT_STEP" default:"0.01"`
}

// ExchangeRoutingConfig designates which venue provides the resting side.
type ExchangeRoutingConfig struct {
	Primary   string `envconfig:"PRIMARY_EXCHANGE" default:"polymarket"`
	Secondary string `envconfig:"SECONDARY_EXCHANGE" default:"opinion"`
}

type DatabaseConfig struct {
	Backend string `envconfig:"DB_BACKEND" default:"sqlite"`
	DSN     string `envconfig:"DB_DSN" default:"hedgebot.db"`
}

type TelegramConfig struct {
	Enabled   bool          `envconfig:"TELEGRAM_ENABLED" default:"false"`
	BotToken  string        `envconfig:"TELEGRAM_BOT_TOKEN"`
	ChatID    string        `envconfig:"TELEGRAM_CHAT_ID"`
	Heartbeat time.Duration `envconfig:"TELEGRAM_HEARTBEAT" default:"1h"`
}

// ConnectivityConfig selects fill sources for one venue.
type ConnectivityConfig struct {
	UseWebsocket bool
	PollInterval time.Duration
}

// FeeConfig holds the fee rates of one venue.
type FeeConfig struct {
	Maker float64
	Taker float64
}

// Settings is the root configuration. Built once at startup; invalid values
// abort with exit code 2.
type Settings struct {
	DryRun             bool `envconfig:"DRY_RUN" default:"false"`
	DoubleLimitEnabled bool `envconfig:"DOUBLE_LIMIT_ENABLED" default:"false"`
	AllowPartialHedge  bool `envconfig:"ALLOW_PARTIAL_HEDGE" default:"true"`
	MultiLegEnabled    bool `envconfig:"MULTI_LEG_ENABLED" default:"false"`
	// MultiLegWeights splits the hedge size across child legs when multi-leg
	// mode is on.
	MultiLegWeights []float64 `envconfig:"MULTI_LEG_WEIGHTS" default:"0.5,0.5"`
	HedgeMaxRetries    int  `envconfig:"HEDGE_MAX_RETRIES" default:"2"`
	PlaceMaxAttempts   int  `envconfig:"PLACE_MAX_ATTEMPTS" default:"3"`

	MarketHedgeMode MarketHedgeConfig
	Exchanges       ExchangeRoutingConfig
	Database        DatabaseConfig
	Telegram        TelegramConfig

	PrimaryUseWebsocket   bool          `envconfig:"PRIMARY_USE_WEBSOCKET" default:"true"`
	PrimaryPollInterval   time.Duration `envconfig:"PRIMARY_POLL_INTERVAL" default:"500ms"`
	SecondaryUseWebsocket bool          `envconfig:"SECONDARY_USE_WEBSOCKET" default:"true"`
	SecondaryPollInterval time.Duration `envconfig:"SECONDARY_POLL_INTERVAL" default:"500ms"`

	PrimaryMakerFee   float64 `envconfig:"PRIMARY_MAKER_FEE" default:"0.0"`
	PrimaryTakerFee   float64 `envconfig:"PRIMARY_TAKER_FEE" default:"0.01"`
	SecondaryMakerFee float64 `envconfig:"SECONDARY_MAKER_FEE" default:"0.0"`
	SecondaryTakerFee float64 `envconfig:"SECONDARY_TAKER_FEE" default:"0.01"`

	// StaleFillThreshold is how long both fill sources may stay silent while an
	// order is LIVE before a STALE_FILL_SOURCE incident is raised.
	StaleFillThreshold time.Duration `envconfig:"STALE_FILL_THRESHOLD" default:"30s"`

	// ExpectedOpenOrders sizes the reconciler dedup LRU (10x this value).
	ExpectedOpenOrders int `envconfig:"EXPECTED_OPEN_ORDERS" default:"26"`

	PlaceTimeout  time.Duration `envconfig:"PLACE_TIMEOUT" default:"5s"`
	CancelTimeout time.Duration `envconfig:"CANCEL_TIMEOUT" default:"5s"`
	BookTimeout   time.Duration `envconfig:"BOOK_TIMEOUT" default:"2s"`
}

// GetSettings processes and validates the environment once.
func GetSettings() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		return nil, fmt.Errorf("error processing env config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects values the engine cannot safely run with.
func (s *Settings) Validate() error {
	if s.MarketHedgeMode.HedgeRatio <= 0 || s.MarketHedgeMode.HedgeRatio > 2 {
		return fmt.Errorf("hedge_ratio out of range: %v", s.MarketHedgeMode.HedgeRatio)
	}
	if s.MarketHedgeMode.MaxSlippage < 0 {
		return fmt.Errorf("max_slippage must be non-negative")
	}
	if s.MarketHedgeMode.MinSpreadForEntry <= s.MarketHedgeMode.CancelSpread {
		return fmt.Errorf("min_spread_for_entry (%v) must exceed cancel_spread (%v)",
			s.MarketHedgeMode.MinSpreadForEntry, s.MarketHedgeMode.CancelSpread)
	}
	if s.PlaceMaxAttempts < 1 {
		return fmt.Errorf("place_max_attempts must be at least 1")
	}
	if s.HedgeMaxRetries < 0 {
		return fmt.Errorf("hedge_max_retries must be non-negative")
	}
	backend := strings.ToLower(s.Database.Backend)
	if backend != "sqlite" && backend != "postgres" {
		return fmt.Errorf("unsupported database backend %q", s.Database.Backend)
	}
	if s.Exchanges.Primary == s.Exchanges.Secondary {
		return fmt.Errorf("primary and secondary exchange must differ")
	}
	if s.Telegram.Enabled && (s.Telegram.BotToken == "" || s.Telegram.ChatID == "") {
		return fmt.Errorf("telegram enabled but bot_token/chat_id missing")
	}
	return nil
}

// ConnectivityFor returns the connectivity block for a routed venue.
func (s *Settings) ConnectivityFor(venue string) ConnectivityConfig {
	if venue == s.Exchanges.Secondary {
		return ConnectivityConfig{UseWebsocket: s.SecondaryUseWebsocket, PollInterval: s.SecondaryPollInterval}
	}
	return ConnectivityConfig{UseWebsocket: s.PrimaryUseWebsocket, PollInterval: s.PrimaryPollInterval}
}

// FeesFor returns the fee block for a routed venue.
func (s *Settings) FeesFor(venue string) FeeConfig {
	if venue == s.Exchanges.Secondary {
		return FeeConfig{Maker: s.SecondaryMakerFee, Taker: s.SecondaryTakerFee}
	}
	return FeeConfig{Maker: s.PrimaryMakerFee, Taker: s.PrimaryTakerFee}
}
