package pool

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

func (d *Database) CreatePool(p *PoolState) error {
	return d.db.Create(p).Error
}

func (d *Database) GetPool(marketID uint64) (*PoolState, error) {
	var p PoolState
	if err := d.db.Where("market_id = ?", marketID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrInvalidPoolState
		}
		return nil, err
	}
	return &p, nil
}

// SavePool writes p only if nobody else saved it since it was read. A lost
// race surfaces as ErrConcurrentUpdate and is never merged.
func (d *Database) SavePool(p *PoolState) error {
	result := d.db.Model(&PoolState{}).
		Where("market_id = ? AND revision = ?", p.MarketID, p.Revision).
		Updates(map[string]interface{}{
			"encrypted_state":      p.EncryptedState,
			"state_version":        p.StateVersion,
			"last_computation_id":  p.LastComputationID,
			"pending_computations": p.PendingComputations,
			"next_sequence":        p.NextSequence,
			"applied_sequence":     p.AppliedSequence,
			"last_submitted_id":    p.LastSubmittedID,
			"revision":             p.Revision + 1,
			"last_updated":         p.LastUpdated,
			"is_initialized":       p.IsInitialized,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrConcurrentUpdate
	}

	p.Revision++
	return nil
}
