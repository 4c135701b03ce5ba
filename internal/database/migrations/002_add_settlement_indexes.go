package migrations

import (
	"gorm.io/gorm"
)

// AddSettlementIndexes adds the composite indexes the processor and result
// path query by
func AddSettlementIndexes(db *gorm.DB) error {
	indexes := []string{
		// Flow A queue lookups: next sequence of a market
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_computations_market_kind_seq
		 ON computations(market_id, kind, sequence) WHERE kind = 'AGGREGATE'`,

		// Stale request scans
		`CREATE INDEX IF NOT EXISTS idx_computations_status_submitted
		 ON computations(status, submitted_at)`,

		// Settlement checks count unsettled positions per market
		`CREATE INDEX IF NOT EXISTS idx_positions_market_status
		 ON positions(market_id, status, rejected)`,

		// Processor closes expired betting windows
		`CREATE INDEX IF NOT EXISTS idx_markets_status_betting_end
		 ON markets(status, betting_end_ts)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
