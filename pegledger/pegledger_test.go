package pegledger

import (
	"math/big"
	"path"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := NewLedger(path.Join(t.TempDir(), "pegledger.sqlite"))
	require.NoError(t, err)
	return ledger
}

func TestDepositLifecycle(t *testing.T) {
	ledger := newTestLedger(t)
	recipient := common.HexToAddress("0x1234")
	l1Tx := common.HexToHash("0xbeef")

	err := ledger.RecordDeposit(nil, recipient, big.NewInt(100), 7, 42, l1Tx)
	require.NoError(t, err)

	e, err := ledger.GetEvent(OriginL1, 7)
	require.NoError(t, err)
	require.Equal(t, StatusObserved, e.Status)
	require.Equal(t, recipient, e.Recipient)
	require.Equal(t, big.NewInt(100), e.Amount)
	require.Equal(t, uint64(42), e.L1Height)
	require.Equal(t, l1Tx, e.L1TxHash)

	require.NoError(t, ledger.MarkApplied(nil, OriginL1, 7, 3))
	e, err = ledger.GetEvent(OriginL1, 7)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, e.Status)
	require.Equal(t, uint64(3), e.SubnetHeight)

	// applied -> applied is not a valid transition
	err = ledger.MarkApplied(nil, OriginL1, 7, 4)
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, ledger.MarkFinalizedForHeight(nil, 3))
	e, err = ledger.GetEvent(OriginL1, 7)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, e.Status)
}

func TestDuplicateNonce(t *testing.T) {
	ledger := newTestLedger(t)
	recipient := common.HexToAddress("0x01")

	require.NoError(t, ledger.RecordDeposit(nil, recipient, big.NewInt(1), 1, 10, common.Hash{}))
	err := ledger.RecordDeposit(nil, recipient, big.NewInt(2), 1, 11, common.Hash{})
	require.ErrorIs(t, err, ErrDuplicateNonce)

	// same nonce on the other origin is fine
	require.NoError(t, ledger.RecordWithdrawal(nil, recipient, big.NewInt(1), 1, 5, 0))
}

func TestGetEventNotFound(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.GetEvent(OriginSubnet, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPendingDepositsOrder(t *testing.T) {
	ledger := newTestLedger(t)
	recipient := common.HexToAddress("0x02")

	require.NoError(t, ledger.RecordDeposit(nil, recipient, big.NewInt(1), 2, 11, common.Hash{}))
	require.NoError(t, ledger.RecordDeposit(nil, recipient, big.NewInt(1), 5, 10, common.Hash{}))
	require.NoError(t, ledger.RecordDeposit(nil, recipient, big.NewInt(1), 1, 10, common.Hash{}))

	pending, err := ledger.PendingDeposits()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	// ascending L1 height, then ascending nonce
	require.Equal(t, uint64(1), pending[0].Nonce)
	require.Equal(t, uint64(5), pending[1].Nonce)
	require.Equal(t, uint64(2), pending[2].Nonce)

	// applied deposits leave the pending set
	require.NoError(t, ledger.MarkApplied(nil, OriginL1, 1, 1))
	pending, err = ledger.PendingDeposits()
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestRetractFinalized(t *testing.T) {
	ledger := newTestLedger(t)
	recipient := common.HexToAddress("0x03")

	require.NoError(t, ledger.RecordDeposit(nil, recipient, big.NewInt(9), 1, 20, common.Hash{}))
	require.NoError(t, ledger.MarkApplied(nil, OriginL1, 1, 2))
	require.NoError(t, ledger.MarkFinalizedForHeight(nil, 2))

	err := ledger.Retract(nil, OriginL1, 1)
	require.ErrorIs(t, err, ErrCannotRetractFinalized)

	_, err = ledger.RetractFromL1Height(nil, 20)
	require.ErrorIs(t, err, ErrCannotRetractFinalized)
}

func TestRetractFromL1Height(t *testing.T) {
	ledger := newTestLedger(t)
	recipient := common.HexToAddress("0x04")

	require.NoError(t, ledger.RecordDeposit(nil, recipient, big.NewInt(1), 1, 10, common.Hash{}))
	require.NoError(t, ledger.RecordDeposit(nil, recipient, big.NewInt(1), 2, 15, common.Hash{}))
	require.NoError(t, ledger.RecordDeposit(nil, recipient, big.NewInt(1), 3, 16, common.Hash{}))
	require.NoError(t, ledger.MarkApplied(nil, OriginL1, 2, 8))

	firstOrphaned, err := ledger.RetractFromL1Height(nil, 15)
	require.NoError(t, err)
	require.Equal(t, uint64(8), firstOrphaned)

	// deposits from L1 height 15 on are gone
	_, err = ledger.GetEvent(OriginL1, 2)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = ledger.GetEvent(OriginL1, 3)
	require.ErrorIs(t, err, ErrNotFound)
	// the earlier one survives
	_, err = ledger.GetEvent(OriginL1, 1)
	require.NoError(t, err)
}

func TestRetractFromL1HeightNoneApplied(t *testing.T) {
	ledger := newTestLedger(t)
	recipient := common.HexToAddress("0x05")

	require.NoError(t, ledger.RecordDeposit(nil, recipient, big.NewInt(1), 1, 30, common.Hash{}))
	firstOrphaned, err := ledger.RetractFromL1Height(nil, 30)
	require.NoError(t, err)
	require.Equal(t, uint64(0), firstOrphaned)
}

func TestRollbackSubnetHeight(t *testing.T) {
	ledger := newTestLedger(t)
	recipient := common.HexToAddress("0x06")

	require.NoError(t, ledger.RecordDeposit(nil, recipient, big.NewInt(1), 1, 10, common.Hash{}))
	require.NoError(t, ledger.RecordDeposit(nil, recipient, big.NewInt(1), 2, 11, common.Hash{}))
	require.NoError(t, ledger.MarkApplied(nil, OriginL1, 1, 4))
	require.NoError(t, ledger.MarkApplied(nil, OriginL1, 2, 5))
	require.NoError(t, ledger.RecordWithdrawal(nil, recipient, big.NewInt(2), 0, 5, 0))

	require.NoError(t, ledger.RollbackSubnetHeight(nil, 5))

	// the deposit applied at height 5 is observed again
	e, err := ledger.GetEvent(OriginL1, 2)
	require.NoError(t, err)
	require.Equal(t, StatusObserved, e.Status)
	require.Equal(t, uint64(0), e.SubnetHeight)
	// the deposit applied below stays applied
	e, err = ledger.GetEvent(OriginL1, 1)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, e.Status)
	// the withdrawal created at height 5 never happened
	_, err = ledger.GetEvent(OriginSubnet, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEventsBySubnetHeight(t *testing.T) {
	ledger := newTestLedger(t)
	recipient := common.HexToAddress("0x07")

	require.NoError(t, ledger.RecordDeposit(nil, recipient, big.NewInt(1), 1, 10, common.Hash{}))
	require.NoError(t, ledger.MarkApplied(nil, OriginL1, 1, 9))
	require.NoError(t, ledger.RecordWithdrawal(nil, recipient, big.NewInt(3), 0, 9, 0))

	events, err := ledger.EventsBySubnetHeight(9)
	require.NoError(t, err)
	require.Len(t, events, 2)
}
