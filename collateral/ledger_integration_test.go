package collateral

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"disputeflow/test/infra"
)

func randomAddress(t *testing.T) common.Address {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey)
}

func TestLedger_DepositAndDisburse_Integration(t *testing.T) {
	pool := infra.TestPool(t)
	ctx := context.Background()
	ledger := NewLedger()
	now := time.Now().UTC()

	alice, bob := randomAddress(t), randomAddress(t)
	stake := MustEther("1")
	disputeID := infra.SeedDispute(t, pool, alice.Hex(), bob.Hex(), stake.String())

	burnBefore, err := ledger.ReserveBalance(ctx, pool, ReserveBurn)
	require.NoError(t, err)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, ledger.Deposit(ctx, tx, disputeID, alice, stake, now))
	require.ErrorIs(t, ledger.Deposit(ctx, tx, disputeID, alice, stake, now), ErrAlreadyDeposited)
	require.NoError(t, tx.Rollback(ctx))

	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, ledger.Deposit(ctx, tx, disputeID, alice, stake, now))
	require.NoError(t, tx.Commit(ctx))

	held, err := ledger.Held(ctx, pool, disputeID, alice)
	require.NoError(t, err)
	require.Equal(t, stake.String(), held.String())

	half := MustEther("0.5")
	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	err = ledger.Disburse(ctx, tx, disputeID, Disbursement{Party: alice, Refund: half, Burn: big.NewInt(1)}, now)
	require.True(t, errors.Is(err, ErrSplitMismatch), "got %v", err)
	require.NoError(t, tx.Rollback(ctx))

	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, ledger.Disburse(ctx, tx, disputeID, Disbursement{Party: alice, Refund: half, Burn: half}, now))
	require.ErrorIs(t, ledger.Disburse(ctx, tx, disputeID, Disbursement{Party: alice, Refund: stake}, now), ErrAlreadyReleased)
	require.NoError(t, tx.Commit(ctx))

	burnAfter, err := ledger.ReserveBalance(ctx, pool, ReserveBurn)
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Add(burnBefore, half).String(), burnAfter.String())

	entries, err := ledger.Entries(ctx, pool, disputeID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, KindStake, entries[0].Kind)
	require.Equal(t, KindRefund, entries[1].Kind)
	require.Equal(t, KindBurn, entries[2].Kind)
	require.Equal(t, alice, entries[0].Party)
}

func TestLedger_DebitReserve_Integration(t *testing.T) {
	pool := infra.TestPool(t)
	ctx := context.Background()
	ledger := NewLedger()
	now := time.Now().UTC()
	to := randomAddress(t)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	require.NoError(t, ledger.Fund(ctx, tx, ReserveProtocol, to, MustEther("1"), now))
	balance, err := ledger.LockReserve(ctx, tx, ReserveProtocol)
	require.NoError(t, err)

	over := new(big.Int).Add(balance, big.NewInt(1))
	err = ledger.DebitReserve(ctx, tx, Payment{Reserve: ReserveProtocol, To: to, Kind: KindSubsidy, Amount: over}, now)
	require.ErrorIs(t, err, ErrInsufficientReserve)

	paid, err := ledger.DebitReserveUpTo(ctx, tx, Payment{Reserve: ReserveProtocol, To: to, Kind: KindIncentive, Amount: over}, now)
	require.NoError(t, err)
	require.Equal(t, balance.String(), paid.String())

	left, err := ledger.ReserveBalance(ctx, tx, ReserveProtocol)
	require.NoError(t, err)
	require.Equal(t, 0, left.Sign())
}
