package l1observer

import (
	"context"
	"math/big"
	"path"
	"testing"

	"github.com/PinkDiamond1/stacks-subnets/db"
	"github.com/PinkDiamond1/stacks-subnets/l1client"
	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/migrations"
	"github.com/PinkDiamond1/stacks-subnets/pegledger"
	"github.com/PinkDiamond1/stacks-subnets/sync"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T) (*processor, *pegledger.Ledger) {
	t.Helper()
	dbPath := path.Join(t.TempDir(), "observer.sqlite")
	require.NoError(t, migrations.RunMigrations(dbPath))
	ledger, err := pegledger.NewLedger(dbPath)
	require.NoError(t, err)
	database, err := db.NewSQLiteDB(dbPath)
	require.NoError(t, err)
	return &processor{
		db:           database,
		ledger:       ledger,
		initialBlock: 5,
		events:       make(chan ChainEvent, 16),
		log:          log.WithFields("module", downloaderName),
	}, ledger
}

func l1Block(num uint64, deposits ...l1client.DepositEvent) sync.Block {
	return sync.Block{
		Num:      num,
		Hash:     common.BytesToHash([]byte{byte(num)}),
		Deposits: deposits,
	}
}

func TestLastProcessedBlockStartsAtInitial(t *testing.T) {
	proc, _ := newTestProcessor(t)
	num, err := proc.GetLastProcessedBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(5), num)
}

func TestProcessBlockRecordsDeposits(t *testing.T) {
	proc, ledger := newTestProcessor(t)
	ctx := context.Background()
	recipient := common.HexToAddress("0x11")

	dep := l1client.DepositEvent{
		L1Height:  10,
		TxHash:    common.HexToHash("0xd1"),
		Recipient: recipient,
		Amount:    big.NewInt(100),
		Nonce:     1,
	}
	require.NoError(t, proc.ProcessBlock(ctx, l1Block(10, dep)))

	ev, err := ledger.GetEvent(pegledger.OriginL1, 1)
	require.NoError(t, err)
	require.Equal(t, pegledger.StatusObserved, ev.Status)
	require.Equal(t, recipient, ev.Recipient)
	require.Equal(t, uint64(10), ev.L1Height)

	num, err := proc.GetLastProcessedBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), num)

	// the block comes out on the event channel for the node loop
	got := <-proc.events
	require.NotNil(t, got.NewBlock)
	require.Equal(t, uint64(10), got.NewBlock.Num)
}

func TestProcessBlockDuplicateDepositRollsBack(t *testing.T) {
	proc, _ := newTestProcessor(t)
	ctx := context.Background()

	dep := l1client.DepositEvent{L1Height: 10, Recipient: common.HexToAddress("0x11"), Amount: big.NewInt(1), Nonce: 1}
	require.NoError(t, proc.ProcessBlock(ctx, l1Block(10, dep)))
	<-proc.events

	// same nonce again in a later block: the whole block must not land
	dep.L1Height = 11
	err := proc.ProcessBlock(ctx, l1Block(11, dep))
	require.ErrorIs(t, err, pegledger.ErrDuplicateNonce)

	num, err := proc.GetLastProcessedBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), num)
	require.Empty(t, proc.events)
}

func TestReorgRetractsDeposits(t *testing.T) {
	proc, ledger := newTestProcessor(t)
	ctx := context.Background()

	d1 := l1client.DepositEvent{L1Height: 10, Recipient: common.HexToAddress("0x11"), Amount: big.NewInt(1), Nonce: 1}
	d2 := l1client.DepositEvent{L1Height: 12, Recipient: common.HexToAddress("0x22"), Amount: big.NewInt(2), Nonce: 2}
	require.NoError(t, proc.ProcessBlock(ctx, l1Block(10, d1)))
	require.NoError(t, proc.ProcessBlock(ctx, l1Block(12, d2)))
	<-proc.events
	<-proc.events

	// the second deposit was already applied in subnet block 3
	require.NoError(t, ledger.MarkApplied(nil, pegledger.OriginL1, 2, 3))

	require.NoError(t, proc.Reorg(ctx, 12))

	// the retracted deposit is gone, the earlier one survives
	_, err := ledger.GetEvent(pegledger.OriginL1, 2)
	require.ErrorIs(t, err, pegledger.ErrNotFound)
	_, err = ledger.GetEvent(pegledger.OriginL1, 1)
	require.NoError(t, err)

	num, err := proc.GetLastProcessedBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), num)

	// the reorg event names the lowest orphaned subnet height
	got := <-proc.events
	require.NotNil(t, got.Reorg)
	require.Equal(t, uint64(12), got.Reorg.FirstReorged)
	require.Equal(t, uint64(3), got.Reorg.FirstOrphanedSubnetHeight)
}
