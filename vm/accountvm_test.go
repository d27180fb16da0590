package vm

import (
	"context"
	"math/big"
	"testing"

	"github.com/PinkDiamond1/stacks-subnets/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestMintAndTransfer(t *testing.T) {
	ctx := context.Background()
	avm := NewAccountVM()
	alice := common.HexToAddress("0x0a")
	bob := common.HexToAddress("0x0b")

	mint := types.NewMintTransaction(alice, big.NewInt(100), 0)
	root1, events, err := avm.Execute(ctx, EmptyStateRoot, mint)
	require.NoError(t, err)
	require.Empty(t, events)
	require.NotEqual(t, EmptyStateRoot, root1)

	balance, ok := avm.Balance(root1, alice)
	require.True(t, ok)
	require.Equal(t, big.NewInt(100), balance)

	transfer := &types.Transaction{From: alice, To: bob, Amount: big.NewInt(30), Fee: 2}
	root2, events, err := avm.Execute(ctx, root1, transfer)
	require.NoError(t, err)
	require.Empty(t, events)

	balance, _ = avm.Balance(root2, alice)
	require.Equal(t, big.NewInt(68), balance)
	balance, _ = avm.Balance(root2, bob)
	require.Equal(t, big.NewInt(30), balance)

	// the old snapshot is untouched
	balance, _ = avm.Balance(root1, alice)
	require.Equal(t, big.NewInt(100), balance)
}

func TestInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	avm := NewAccountVM()
	alice := common.HexToAddress("0x0a")

	transfer := &types.Transaction{From: alice, To: common.HexToAddress("0x0b"), Amount: big.NewInt(1), Fee: 0}
	_, _, err := avm.Execute(ctx, EmptyStateRoot, transfer)
	execErr := &ExecutionError{}
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "insufficient balance", execErr.Reason)
}

func TestUnknownStateRoot(t *testing.T) {
	avm := NewAccountVM()
	mint := types.NewMintTransaction(common.HexToAddress("0x0a"), big.NewInt(1), 0)
	_, _, err := avm.Execute(context.Background(), common.HexToHash("0xdead"), mint)
	execErr := &ExecutionError{}
	require.ErrorAs(t, err, &execErr)
}

func TestWithdrawalEvents(t *testing.T) {
	ctx := context.Background()
	avm := NewAccountVM()
	alice := common.HexToAddress("0x0a")
	l1Recipient := common.HexToAddress("0x0c")

	mint := types.NewMintTransaction(alice, big.NewInt(100), 0)
	root, _, err := avm.Execute(ctx, EmptyStateRoot, mint)
	require.NoError(t, err)

	burn := &types.Transaction{From: alice, To: common.Address{}, Amount: big.NewInt(10), Fee: 1}
	root, events, err := avm.Execute(ctx, root, burn)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Withdrawal)
	require.Equal(t, alice, events[0].Withdrawal.Recipient)
	require.Equal(t, uint64(0), events[0].Withdrawal.Nonce)

	// a second burn gets the next nonce; the payload overrides the recipient
	burn2 := &types.Transaction{
		From: alice, To: common.Address{}, Amount: big.NewInt(10), Fee: 1,
		Nonce: 1, Payload: l1Recipient.Bytes(),
	}
	_, events, err = avm.Execute(ctx, root, burn2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, uint64(1), events[0].Withdrawal.Nonce)
	require.Equal(t, l1Recipient, events[0].Withdrawal.Recipient)

	balance, _ := avm.Balance(root, alice)
	require.Equal(t, big.NewInt(89), balance)
}

func TestDeterministicRoots(t *testing.T) {
	ctx := context.Background()
	mint := types.NewMintTransaction(common.HexToAddress("0x0a"), big.NewInt(100), 0)

	rootA, _, err := NewAccountVM().Execute(ctx, EmptyStateRoot, mint)
	require.NoError(t, err)
	rootB, _, err := NewAccountVM().Execute(ctx, EmptyStateRoot, mint)
	require.NoError(t, err)
	require.Equal(t, rootA, rootB)
}
