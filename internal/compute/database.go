package compute

import (
	"errors"
	"time"

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

func (d *Database) CreateComputation(c *Computation) error {
	return d.db.Create(c).Error
}

func (d *Database) UpdateComputation(c *Computation) error {
	return d.db.Save(c).Error
}

// GetComputation returns nil, nil when the request id is unknown
func (d *Database) GetComputation(requestID uint64) (*Computation, error) {
	var c Computation
	if err := d.db.Where("request_id = ?", requestID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// OpenForPosition returns the open computation of the given kind for a
// position, if any
func (d *Database) OpenForPosition(positionID string, kind Kind) (*Computation, error) {
	var c Computation
	err := d.db.Where("position_id = ? AND kind = ? AND status IN ?", positionID, kind, []Status{StatusPending, StatusQueued}).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// AggregateAt returns the Flow A computation holding a market's sequence slot
func (d *Database) AggregateAt(marketID, sequence uint64) (*Computation, error) {
	var c Computation
	err := d.db.Where("market_id = ? AND kind = ? AND sequence = ?", marketID, KindAggregate, sequence).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// StaleMarkets lists markets with open computations submitted before cutoff
func (d *Database) StaleMarkets(cutoff time.Time) ([]uint64, error) {
	var ids []uint64
	err := d.db.Model(&Computation{}).
		Where("status IN ? AND submitted_at < ?", []Status{StatusPending, StatusQueued}, cutoff).
		Distinct().
		Order("market_id").
		Pluck("market_id", &ids).Error
	return ids, err
}

// StalePayouts lists open payout computations of a market submitted before cutoff
func (d *Database) StalePayouts(marketID uint64, cutoff time.Time) ([]Computation, error) {
	var cs []Computation
	err := d.db.Where("market_id = ? AND kind = ? AND status IN ? AND submitted_at < ?",
		marketID, KindPayout, []Status{StatusPending, StatusQueued}, cutoff).
		Order("request_id").
		Find(&cs).Error
	return cs, err
}
