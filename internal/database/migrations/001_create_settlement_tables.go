package migrations

import (
	"github.com/ksred/darkpool-api/internal/compute"
	"github.com/ksred/darkpool-api/internal/ledger"
	"github.com/ksred/darkpool-api/internal/market"
	"github.com/ksred/darkpool-api/internal/pool"
	"github.com/ksred/darkpool-api/internal/position"
	"gorm.io/gorm"
)

// CreateSettlementTables creates the market, pool, position, computation and
// ledger tables
func CreateSettlementTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&market.Market{},
		&pool.PoolState{},
		&position.Position{},
		&compute.Computation{},
		&ledger.Account{},
		&ledger.Transfer{},
	)
}
