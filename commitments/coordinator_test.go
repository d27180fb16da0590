package commitments

import (
	"context"
	"errors"
	"math/big"
	"path"
	"testing"
	"time"

	configTypes "github.com/PinkDiamond1/stacks-subnets/config/types"
	"github.com/PinkDiamond1/stacks-subnets/db"
	"github.com/PinkDiamond1/stacks-subnets/l1client"
	"github.com/PinkDiamond1/stacks-subnets/pegledger"
	"github.com/PinkDiamond1/stacks-subnets/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	blocks map[uint64]*types.SubnetBlock
}

func (f *fakeChain) GetBlock(height uint64) (*types.SubnetBlock, error) {
	b, ok := f.blocks[height]
	if !ok {
		return nil, db.ErrNotFound
	}
	return b, nil
}

func (f *fakeChain) Head() (*types.SubnetBlock, error) {
	var head *types.SubnetBlock
	for _, b := range f.blocks {
		if head == nil || b.Height > head.Height {
			head = b
		}
	}
	if head == nil {
		return nil, db.ErrNotFound
	}
	return head, nil
}

type fakeSubmitter struct {
	calls  []uint64
	txHash common.Hash
	err    error
}

func (f *fakeSubmitter) SubmitCommitment(
	ctx context.Context, subnetHeight uint64, blockHash, stateRoot common.Hash,
) (common.Hash, error) {
	f.calls = append(f.calls, subnetHeight)
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return f.txHash, nil
}

func testCoordinatorCfg() Config {
	return Config{
		RequiredConfirmations: 3,
		MaxSubmitRetries:      3,
		RetryBackoff:          configTypes.Duration{Duration: time.Millisecond},
	}
}

func newTestCoordinator(t *testing.T, cfg Config, submit Submitter, chain LocalChain) (*Coordinator, *Storage, *pegledger.Ledger) {
	t.Helper()
	dbPath := path.Join(t.TempDir(), "commitments.sqlite")
	ledger, err := pegledger.NewLedger(dbPath)
	require.NoError(t, err)
	storage, err := NewStorage(dbPath)
	require.NoError(t, err)
	coordinator, err := NewCoordinator(cfg, storage, ledger, submit, chain)
	require.NoError(t, err)
	return coordinator, storage, ledger
}

func block(height uint64, hash common.Hash) *types.SubnetBlock {
	return &types.SubnetBlock{
		Height:    height,
		Hash:      hash,
		StateRoot: common.HexToHash("0x0101"),
	}
}

func TestSubmitAndConfirm(t *testing.T) {
	ctx := context.Background()
	blockHash := common.HexToHash("0xaa")
	chain := &fakeChain{blocks: map[uint64]*types.SubnetBlock{1: block(1, blockHash)}}
	submit := &fakeSubmitter{txHash: common.HexToHash("0xf1")}
	coordinator, storage, ledger := newTestCoordinator(t, testCoordinatorCfg(), submit, chain)

	// a deposit applied in block 1, waiting to finalize
	require.NoError(t, ledger.RecordDeposit(nil, common.HexToAddress("0x01"), big.NewInt(9), 1, 5, common.Hash{}))
	require.NoError(t, ledger.MarkApplied(nil, pegledger.OriginL1, 1, 1))

	require.NoError(t, coordinator.MaybeSubmit(ctx))
	require.Equal(t, []uint64{1}, submit.calls)

	c, err := storage.GetByHeight(nil, 1)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, c.Status)
	require.True(t, c.Ours)
	require.Equal(t, submit.txHash, c.L1TxHash)
	require.Equal(t, uint64(0), c.L1BlockNum)

	// one in flight, no second submission
	require.NoError(t, coordinator.MaybeSubmit(ctx))
	require.Equal(t, []uint64{1}, submit.calls)

	// our commitment lands in L1 block 10
	inclusion := l1client.CommitmentEvent{
		L1Height:        10,
		TxHash:          submit.txHash,
		SubnetHeight:    1,
		SubnetBlockHash: blockHash,
		StateRoot:       common.HexToHash("0x0101"),
	}
	rebuild, err := coordinator.OnL1Block(ctx, 10, []l1client.CommitmentEvent{inclusion})
	require.NoError(t, err)
	require.Nil(t, rebuild)

	c, err = storage.GetByHeight(nil, 1)
	require.NoError(t, err)
	require.True(t, c.Ours)
	require.Equal(t, uint64(10), c.L1BlockNum)
	require.Equal(t, StatusSubmitted, c.Status)

	// depth 2 of 3, still not confirmed
	_, err = coordinator.OnL1Block(ctx, 11, nil)
	require.NoError(t, err)
	c, err = storage.GetByHeight(nil, 1)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, c.Status)

	// depth 3: confirmed, peg events finalized
	_, err = coordinator.OnL1Block(ctx, 12, nil)
	require.NoError(t, err)
	c, err = storage.GetByHeight(nil, 1)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, c.Status)

	e, err := ledger.GetEvent(pegledger.OriginL1, 1)
	require.NoError(t, err)
	require.Equal(t, pegledger.StatusFinalized, e.Status)

	confirmed, err := storage.LastConfirmedHeight(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), confirmed)
}

func TestForkChoiceTieBreak(t *testing.T) {
	ctx := context.Background()
	localHash := common.HexToHash("0xaa")
	chain := &fakeChain{blocks: map[uint64]*types.SubnetBlock{1: block(1, localHash)}}
	coordinator, storage, _ := newTestCoordinator(t, testCoordinatorCfg(), &fakeSubmitter{}, chain)

	// two commitments for height 1 land in the same L1 block: the
	// lexicographically smallest subnet block hash wins
	events := []l1client.CommitmentEvent{
		{L1Height: 10, TxIndex: 0, TxHash: common.HexToHash("0xf1"), SubnetHeight: 1, SubnetBlockHash: common.HexToHash("0xbb")},
		{L1Height: 10, TxIndex: 1, TxHash: common.HexToHash("0xf2"), SubnetHeight: 1, SubnetBlockHash: localHash},
	}
	rebuild, err := coordinator.OnL1Block(ctx, 10, events)
	require.NoError(t, err)
	require.Nil(t, rebuild) // the winner matches the local block

	c, err := storage.GetByHeight(nil, 1)
	require.NoError(t, err)
	require.Equal(t, localHash, c.SubnetBlockHash)
	require.False(t, c.Ours)

	// a competitor included in a later L1 block never displaces the winner
	late := []l1client.CommitmentEvent{
		{L1Height: 11, TxHash: common.HexToHash("0xf3"), SubnetHeight: 1, SubnetBlockHash: common.HexToHash("0xbb")},
	}
	rebuild, err = coordinator.OnL1Block(ctx, 11, late)
	require.NoError(t, err)
	require.Nil(t, rebuild)

	c, err = storage.GetByHeight(nil, 1)
	require.NoError(t, err)
	require.Equal(t, localHash, c.SubnetBlockHash)
}

func TestExternalWinnerTriggersRebuild(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{blocks: map[uint64]*types.SubnetBlock{1: block(1, common.HexToHash("0xaa"))}}
	coordinator, _, _ := newTestCoordinator(t, testCoordinatorCfg(), &fakeSubmitter{}, chain)

	winning := common.HexToHash("0x0b")
	events := []l1client.CommitmentEvent{
		{L1Height: 10, TxHash: common.HexToHash("0xf1"), SubnetHeight: 1, SubnetBlockHash: winning, StateRoot: common.HexToHash("0x02")},
	}
	rebuild, err := coordinator.OnL1Block(ctx, 10, events)
	require.NoError(t, err)
	require.NotNil(t, rebuild)
	require.Equal(t, uint64(1), rebuild.Height)
	require.Equal(t, winning, rebuild.WinningHash)
	require.Equal(t, common.HexToHash("0x02"), rebuild.WinningRoot)
	require.Equal(t, uint64(10), rebuild.CommitmentL1Num)
}

func TestRebuildForUnknownHeight(t *testing.T) {
	ctx := context.Background()
	// local chain is behind: height 2 does not exist yet
	chain := &fakeChain{blocks: map[uint64]*types.SubnetBlock{1: block(1, common.HexToHash("0xaa"))}}
	coordinator, _, _ := newTestCoordinator(t, testCoordinatorCfg(), &fakeSubmitter{}, chain)

	events := []l1client.CommitmentEvent{
		{L1Height: 10, TxHash: common.HexToHash("0xf1"), SubnetHeight: 2, SubnetBlockHash: common.HexToHash("0xcc")},
	}
	rebuild, err := coordinator.OnL1Block(ctx, 10, events)
	require.NoError(t, err)
	require.NotNil(t, rebuild)
	require.Equal(t, uint64(2), rebuild.Height)
}

func TestConfirmWaitsForAdoption(t *testing.T) {
	ctx := context.Background()
	localHash := common.HexToHash("0xaa")
	chain := &fakeChain{blocks: map[uint64]*types.SubnetBlock{1: block(1, localHash)}}
	coordinator, storage, ledger := newTestCoordinator(t, testCoordinatorCfg(), &fakeSubmitter{}, chain)

	// a deposit applied in the local block 1, which is about to lose
	require.NoError(t, ledger.RecordDeposit(nil, common.HexToAddress("0x01"), big.NewInt(9), 1, 5, common.Hash{}))
	require.NoError(t, ledger.MarkApplied(nil, pegledger.OriginL1, 1, 1))

	winning := common.HexToHash("0x0b")
	events := []l1client.CommitmentEvent{
		{L1Height: 10, TxHash: common.HexToHash("0xf1"), SubnetHeight: 1, SubnetBlockHash: winning, StateRoot: common.HexToHash("0x02")},
	}
	rebuild, err := coordinator.OnL1Block(ctx, 10, events)
	require.NoError(t, err)
	require.NotNil(t, rebuild)

	// the winner is deep enough, but the local chain still carries the
	// losing block: nothing may finalize yet
	_, err = coordinator.OnL1Block(ctx, 14, nil)
	require.NoError(t, err)
	c, err := storage.GetByHeight(nil, 1)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, c.Status)
	e, err := ledger.GetEvent(pegledger.OriginL1, 1)
	require.NoError(t, err)
	require.Equal(t, pegledger.StatusApplied, e.Status)

	// once the winning block is adopted locally, confirmation proceeds
	chain.blocks[1] = block(1, winning)
	_, err = coordinator.OnL1Block(ctx, 15, nil)
	require.NoError(t, err)
	c, err = storage.GetByHeight(nil, 1)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, c.Status)
	e, err = ledger.GetEvent(pegledger.OriginL1, 1)
	require.NoError(t, err)
	require.Equal(t, pegledger.StatusFinalized, e.Status)
}

func TestReorgResubmits(t *testing.T) {
	ctx := context.Background()
	blockHash := common.HexToHash("0xaa")
	chain := &fakeChain{blocks: map[uint64]*types.SubnetBlock{1: block(1, blockHash)}}
	submit := &fakeSubmitter{txHash: common.HexToHash("0xf1")}
	coordinator, storage, _ := newTestCoordinator(t, testCoordinatorCfg(), submit, chain)

	require.NoError(t, coordinator.MaybeSubmit(ctx))
	inclusion := l1client.CommitmentEvent{
		L1Height: 10, TxHash: submit.txHash, SubnetHeight: 1,
		SubnetBlockHash: blockHash, StateRoot: common.HexToHash("0x0101"),
	}
	_, err := coordinator.OnL1Block(ctx, 10, []l1client.CommitmentEvent{inclusion})
	require.NoError(t, err)

	// the inclusion block is reorged away
	require.NoError(t, coordinator.OnReorg(ctx, 10))
	c, err := storage.GetByHeight(nil, 1)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, c.Status)
	require.Equal(t, uint64(0), c.L1BlockNum)

	// the retracted height is resubmitted
	require.NoError(t, coordinator.MaybeSubmit(ctx))
	require.Equal(t, []uint64{1, 1}, submit.calls)
}

func TestReorgOrphansExternalWinner(t *testing.T) {
	ctx := context.Background()
	localHash := common.HexToHash("0xaa")
	chain := &fakeChain{blocks: map[uint64]*types.SubnetBlock{1: block(1, localHash)}}
	submit := &fakeSubmitter{txHash: common.HexToHash("0xf9")}
	coordinator, storage, _ := newTestCoordinator(t, testCoordinatorCfg(), submit, chain)

	// an external commitment wins height 1 before we submitted anything
	external := l1client.CommitmentEvent{
		L1Height: 10, TxHash: common.HexToHash("0xf1"), SubnetHeight: 1,
		SubnetBlockHash: localHash, StateRoot: common.HexToHash("0x0101"),
	}
	_, err := coordinator.OnL1Block(ctx, 10, []l1client.CommitmentEvent{external})
	require.NoError(t, err)

	// the reorg retracts it: the record is orphaned, not left in flight
	require.NoError(t, coordinator.OnReorg(ctx, 10))
	c, err := storage.GetByHeight(nil, 1)
	require.NoError(t, err)
	require.Equal(t, StatusOrphaned, c.Status)

	// the height is open again and anchoring moves on with our own
	require.NoError(t, coordinator.MaybeSubmit(ctx))
	require.Equal(t, []uint64{1}, submit.calls)
	c, err = storage.GetByHeight(nil, 1)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, c.Status)
	require.True(t, c.Ours)
}

func TestReorgOfConfirmedIsFatal(t *testing.T) {
	ctx := context.Background()
	blockHash := common.HexToHash("0xaa")
	chain := &fakeChain{blocks: map[uint64]*types.SubnetBlock{1: block(1, blockHash)}}
	submit := &fakeSubmitter{txHash: common.HexToHash("0xf1")}
	coordinator, _, _ := newTestCoordinator(t, testCoordinatorCfg(), submit, chain)

	require.NoError(t, coordinator.MaybeSubmit(ctx))
	inclusion := l1client.CommitmentEvent{
		L1Height: 10, TxHash: submit.txHash, SubnetHeight: 1,
		SubnetBlockHash: blockHash, StateRoot: common.HexToHash("0x0101"),
	}
	_, err := coordinator.OnL1Block(ctx, 10, []l1client.CommitmentEvent{inclusion})
	require.NoError(t, err)
	_, err = coordinator.OnL1Block(ctx, 12, nil)
	require.NoError(t, err)

	err = coordinator.OnReorg(ctx, 10)
	require.ErrorIs(t, err, ErrFinalizedReorged)
}

func TestDegradedAfterRetries(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{blocks: map[uint64]*types.SubnetBlock{1: block(1, common.HexToHash("0xaa"))}}
	submit := &fakeSubmitter{err: errors.New("rpc unavailable")}
	cfg := testCoordinatorCfg()
	cfg.MaxSubmitRetries = 1
	coordinator, _, _ := newTestCoordinator(t, cfg, submit, chain)

	require.NoError(t, coordinator.MaybeSubmit(ctx))
	require.False(t, coordinator.Degraded())

	time.Sleep(5 * time.Millisecond) // let the backoff expire
	require.NoError(t, coordinator.MaybeSubmit(ctx))
	require.True(t, coordinator.Degraded())

	// degraded mode stops submitting but never errors
	calls := len(submit.calls)
	require.NoError(t, coordinator.MaybeSubmit(ctx))
	require.Equal(t, calls, len(submit.calls))
}

func TestFatalSubmitErrorDegradesImmediately(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{blocks: map[uint64]*types.SubnetBlock{1: block(1, common.HexToHash("0xaa"))}}
	submit := &fakeSubmitter{err: l1client.ErrNoAnchoringKey}
	coordinator, _, _ := newTestCoordinator(t, testCoordinatorCfg(), submit, chain)

	require.NoError(t, coordinator.MaybeSubmit(ctx))
	require.True(t, coordinator.Degraded())
}

func TestConfigValidate(t *testing.T) {
	err := Config{RequiredConfirmations: 0}.Validate()
	require.Error(t, err)
	require.NoError(t, Config{RequiredConfirmations: 1}.Validate())
}
