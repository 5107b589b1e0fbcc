package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Orchestrator/internal/web3"
)

type fakeBackend struct {
	chainID  *big.Int
	head     uint64
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	err      error
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, f.err }

func (f *fakeBackend) BlockByNumber(context.Context, *big.Int) (*coretypes.Block, error) {
	if f.err != nil {
		return nil, f.err
	}
	return coretypes.NewBlockWithHeader(&coretypes.Header{Number: new(big.Int).SetUint64(f.head)}), nil
}

func (f *fakeBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeBackend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	return f.nonces[account], f.err
}

const holder = "0x00000000000000000000000000000000000000aa"

func newFake() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(1337),
		head:     255,
		balances: map[common.Address]*big.Int{common.HexToAddress(holder): big.NewInt(4096)},
		nonces:   map[common.Address]uint64{common.HexToAddress(holder): 7},
	}
}

func TestFetchChainSnapshot(t *testing.T) {
	client := NewBackendClient("devnet", "local chain", newFake())

	snapshot, err := client.FetchChainSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, web3.ChainSnapshot{Chain: "devnet", ChainID: "0x539", BlockNumber: "0xff", Notes: "local chain"}, snapshot)
}

func TestExecuteAction(t *testing.T) {
	client := NewBackendClient("devnet", "", newFake())
	ctx := context.Background()

	balance, err := client.ExecuteAction(ctx, web3.ActionGetBalance, holder)
	require.NoError(t, err)
	assert.Equal(t, "0x1000", balance)

	nonce, err := client.ExecuteAction(ctx, web3.ActionGetTransactionCount, holder)
	require.NoError(t, err)
	assert.Equal(t, "0x7", nonce)

	_, err = client.ExecuteAction(ctx, "eth_sendTransaction", holder)
	assert.ErrorContains(t, err, "暂不支持")

	_, err = client.ExecuteAction(ctx, web3.ActionGetBalance, "not-an-address")
	assert.ErrorContains(t, err, "无效的地址")

	_, err = client.ExecuteAction(ctx, web3.ActionGetBalance, "")
	assert.Error(t, err)
}

func TestBackendErrorsAndClose(t *testing.T) {
	fake := newFake()
	fake.err = errors.New("rpc down")
	client := NewBackendClient("devnet", "", fake)

	_, err := client.FetchChainSnapshot(context.Background())
	assert.ErrorContains(t, err, "rpc down")

	client.Close()
	_, err = client.FetchChainSnapshot(context.Background())
	assert.ErrorContains(t, err, "已关闭")
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	assert.Error(t, err)
}
