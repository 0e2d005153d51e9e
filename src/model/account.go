package model

import "time"

// Account is a venue trading account. Immutable after load. Credentials are
// stored encrypted and never serialized.
type Account struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	AccountID string `gorm:"size:120;uniqueIndex;not null" json:"account_id"`
	Venue     string `gorm:"size:60;index;not null" json:"venue"`

	APIKeyHash    string `gorm:"column:api_key;type:text" json:"-"`
	APISecretHash string `gorm:"column:api_secret;type:text" json:"-"`
	Passphrase    string `gorm:"column:api_passphrase;type:text" json:"-"`
	WalletAddress string `gorm:"size:128" json:"wallet_address,omitempty"`

	Proxy string `gorm:"size:255" json:"proxy,omitempty"`

	// Rate-limit budget for this account's token bucket.
	TokensPerSec float64 `gorm:"not null;default:5" json:"tokens_per_sec"`
	Burst        int     `gorm:"not null;default:10" json:"burst"`

	Enabled bool `gorm:"not null;default:true" json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

// MarketPair binds one event across two venues. Immutable after load.
type MarketPair struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	PairID string `gorm:"size:255;uniqueIndex;not null" json:"pair_id"`

	PrimaryVenue     string `gorm:"size:60;not null" json:"primary_venue"`
	SecondaryVenue   string `gorm:"size:60;not null" json:"secondary_venue"`
	PrimaryMarketID  string `gorm:"size:255;not null" json:"primary_market_id"`
	SecondaryMarket  string `gorm:"size:255;not null;column:secondary_market_id" json:"secondary_market_id"`
	PrimaryAccount   string `gorm:"size:120" json:"primary_account_id"`
	SecondaryAccount string `gorm:"size:120" json:"secondary_account_id"`

	Enabled bool `gorm:"not null;default:true" json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MarketPair) TableName() string {
	return "market_pairs"
}
