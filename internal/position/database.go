package position

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

func (d *Database) CreatePosition(p *Position) error {
	return d.db.Create(p).Error
}

func (d *Database) UpdatePosition(p *Position) error {
	return d.db.Save(p).Error
}

func (d *Database) GetPosition(positionID string) (*Position, error) {
	var p Position
	if err := d.db.Where("position_id = ?", positionID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrPositionNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetOwnerPosition returns nil, nil when owner holds no position in the market
func (d *Database) GetOwnerPosition(marketID uint64, owner string) (*Position, error) {
	var p Position
	if err := d.db.Where("market_id = ? AND owner = ?", marketID, owner).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (d *Database) GetMarketPositions(marketID uint64) ([]Position, error) {
	var positions []Position
	if err := d.db.Where("market_id = ?", marketID).Order("id").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// CountUnsettled counts positions that still take part in settlement but have
// no computed payout yet
func (d *Database) CountUnsettled(marketID uint64) (int64, error) {
	var n int64
	err := d.db.Model(&Position{}).
		Where("market_id = ? AND rejected = ? AND status IN ?", marketID, false, []Status{StatusPending, StatusProcessed}).
		Count(&n).Error
	return n, err
}
