package ledger_test

import (
	"context"
	"testing"

	"github.com/ksred/darkpool-api/internal/ledger"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newLedger(t *testing.T) (*ledger.Ledger, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&ledger.Account{}, &ledger.Transfer{}))
	return ledger.NewLedger(db), db
}

func TestVaultAuthority(t *testing.T) {
	assert.Equal(t, ledger.VaultAuthority(7), ledger.VaultAuthority(7))
	assert.NotEqual(t, ledger.VaultAuthority(7), ledger.VaultAuthority(8))
	assert.Len(t, ledger.VaultAuthority(1), len("vault_")+64)
}

func TestEscrowAndRelease(t *testing.T) {
	l, db := newLedger(t)

	vault, err := l.OpenVault(db, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.VaultAuthority(1), vault)

	require.NoError(t, l.Credit(db, "alice", 500))
	require.NoError(t, l.EscrowDeposit(db, 1, "alice", 200))

	bal, err := l.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(300), bal)
	bal, err = l.Balance(vault)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), bal)

	require.NoError(t, l.Release(db, 1, "bob", 150))
	bal, _ = l.Balance("bob")
	assert.Equal(t, uint64(150), bal)

	err = l.Release(db, 1, "bob", 51)
	assert.ErrorIs(t, err, types.ErrUnderflow)
	bal, _ = l.Balance(vault)
	assert.Equal(t, uint64(50), bal)

	transfers, err := l.Transfers(1)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, ledger.TransferDeposit, transfers[0].Kind)
	assert.Equal(t, ledger.TransferRelease, transfers[1].Kind)
}

func TestEscrowDeposit_Rejects(t *testing.T) {
	l, db := newLedger(t)
	_, err := l.OpenVault(db, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, l.EscrowDeposit(db, 1, "nobody", 1), types.ErrInsufficientFunds)

	require.NoError(t, l.Credit(db, "alice", 10))
	assert.ErrorIs(t, l.EscrowDeposit(db, 1, "alice", 11), types.ErrInsufficientFunds)
	assert.ErrorIs(t, l.EscrowDeposit(db, 1, "alice", 0), types.ErrInvalidBetAmount)

	require.NoError(t, l.EscrowDeposit(db, 1, "alice", 10))
	bal, err := l.Balance("alice")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestBalance_UnknownAccount(t *testing.T) {
	l, _ := newLedger(t)
	bal, err := l.Balance("ghost")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestCredit_Rejects(t *testing.T) {
	l, db := newLedger(t)
	vault, err := l.OpenVault(db, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Credit(db, vault, 10), types.ErrInvalidVault)
	assert.ErrorIs(t, l.Credit(db, "", 10), types.ErrInvalidVault)
	assert.ErrorIs(t, l.Credit(db, "alice", 0), types.ErrInvalidBetAmount)

	bal, err := l.Balance(vault)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestFund(t *testing.T) {
	l, _ := newLedger(t)

	acct, err := l.Fund(context.Background(), "alice", 70)
	require.NoError(t, err)
	assert.Equal(t, uint64(70), acct.Balance)

	acct, err = l.Fund(context.Background(), "alice", 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), acct.Balance)

	_, err = l.Fund(context.Background(), "alice", 0)
	assert.ErrorIs(t, err, types.ErrInvalidBetAmount)

	bal, err := l.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bal)
}
