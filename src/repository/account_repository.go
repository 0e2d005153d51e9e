package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"hedgebot/src/database"
	"hedgebot/src/model"
)

// AccountRepository reads venue accounts. Accounts are immutable after load.
type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *AccountRepository) WithDB(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) ListEnabled(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("account_id ASC").
		Find(&accounts).Error
	return accounts, err
}

func (r *AccountRepository) FindByAccountID(ctx context.Context, accountID string) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// MarketPairRepository reads configured event pairs.
type MarketPairRepository struct {
	db *gorm.DB
}

func NewMarketPairRepository() *MarketPairRepository {
	return &MarketPairRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *MarketPairRepository) WithDB(db *gorm.DB) *MarketPairRepository {
	return &MarketPairRepository{db: db}
}

func (r *MarketPairRepository) ListEnabled(ctx context.Context) ([]model.MarketPair, error) {
	var pairs []model.MarketPair
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("pair_id ASC").
		Find(&pairs).Error
	return pairs, err
}

func (r *MarketPairRepository) FindByPairID(ctx context.Context, pairID string) (*model.MarketPair, error) {
	var pair model.MarketPair
	err := r.db.WithContext(ctx).
		Where("pair_id = ?", pairID).
		First(&pair).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pair, nil
}
