package market

import (
	"errors"

	"github.com/ksred/darkpool-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx returns a Database bound to tx
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

func (d *Database) CreateMarket(m *Market) error {
	return d.db.Create(m).Error
}

func (d *Database) UpdateMarket(m *Market) error {
	return d.db.Save(m).Error
}

func (d *Database) GetMarket(marketID uint64) (*Market, error) {
	var m Market
	if err := d.db.Where("market_id = ?", marketID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrMarketNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (d *Database) MarketExists(marketID uint64) (bool, error) {
	var n int64
	err := d.db.Model(&Market{}).Where("market_id = ?", marketID).Count(&n).Error
	return n > 0, err
}

// ExpiredOpenMarkets lists open markets whose betting window ended at or
// before ts
func (d *Database) ExpiredOpenMarkets(ts int64) ([]uint64, error) {
	var ids []uint64
	err := d.db.Model(&Market{}).
		Where("status = ? AND betting_end_ts <= ?", StatusOpen, ts).
		Order("market_id").
		Pluck("market_id", &ids).Error
	return ids, err
}

func (d *Database) MarketIDsByStatus(status Status) ([]uint64, error) {
	var ids []uint64
	err := d.db.Model(&Market{}).
		Where("status = ?", status).
		Order("market_id").
		Pluck("market_id", &ids).Error
	return ids, err
}

func (d *Database) ListMarkets(status Status) ([]Market, error) {
	var markets []Market
	q := d.db.Order("market_id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&markets).Error; err != nil {
		return nil, err
	}
	return markets, nil
}
