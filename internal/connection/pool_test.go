package connection

import (
	"context"
	stderrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"nftmarket/internal/chain"
	"nftmarket/internal/errors"
	"nftmarket/internal/logging"
	"nftmarket/internal/retry"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient 可控的节点客户端
type fakeClient struct {
	mu      sync.Mutex
	chainID uint64
	block   uint64
	callErr error
	sent    int
	closed  bool
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(f.chainID), nil
}
func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, f.callErr
}
func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(int64(f.block))}, f.callErr
}
func (f *fakeClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(1), f.callErr
}
func (f *fakeClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, f.callErr
}
func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, f.callErr
}
func (f *fakeClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, f.callErr
}
func (f *fakeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), f.callErr
}
func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), f.callErr
}
func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return f.callErr
}
func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (f *fakeClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}
func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, f.callErr
}
func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func testDescriptor(urls ...string) models.ChainDescriptor {
	d := chain.LiskSepolia()
	d.RPCEndpoints = urls
	return d
}

func newTestPool(t *testing.T, clients map[string]*fakeClient, urls ...string) *Pool {
	t.Helper()
	dial := func(ctx context.Context, url string) (Client, error) {
		c, ok := clients[url]
		if !ok {
			return nil, stderrors.New("dial tcp: connection refused")
		}
		return c, nil
	}
	p := NewPool(testDescriptor(urls...), dial, logging.Discard())
	p.retrier = retry.NewRetrier(&retry.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, BackoffFactor: 1}, logging.Discard())
	return p
}

func TestPool_InitializeVerifiesChainID(t *testing.T) {
	clients := map[string]*fakeClient{
		"http://a": {chainID: chain.LiskSepoliaID},
		"http://b": {chainID: 1},
	}
	p := newTestPool(t, clients, "http://a", "http://b")

	err := p.Initialize(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrChainMismatch))
	assert.True(t, clients["http://b"].closed)
}

func TestPool_InitializeSkipsUnreachable(t *testing.T) {
	clients := map[string]*fakeClient{
		"http://b": {chainID: chain.LiskSepoliaID, block: 42},
	}
	p := newTestPool(t, clients, "http://a", "http://b")

	require.NoError(t, p.Initialize(context.Background()))

	n, err := p.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)

	stats := p.GetStats()
	assert.False(t, stats["http://a"].(map[string]interface{})["is_healthy"].(bool))
	assert.True(t, stats["http://b"].(map[string]interface{})["is_healthy"].(bool))
}

func TestPool_InitializeAllUnreachable(t *testing.T) {
	p := newTestPool(t, map[string]*fakeClient{}, "http://a")

	err := p.Initialize(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNetworkUnreachable))
}

func TestPool_FailoverOnNetworkError(t *testing.T) {
	clients := map[string]*fakeClient{
		"http://a": {chainID: chain.LiskSepoliaID, block: 1},
		"http://b": {chainID: chain.LiskSepoliaID, block: 2},
	}
	p := newTestPool(t, clients, "http://a", "http://b")
	require.NoError(t, p.Initialize(context.Background()))

	var observed []string
	p.SetObserver(func(endpoint, method string, d time.Duration, err error) {
		observed = append(observed, endpoint)
	})

	// 主节点优先
	n, err := p.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	clients["http://a"].callErr = stderrors.New("i/o timeout")
	n, err = p.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
	assert.Equal(t, []string{"http://a", "http://a", "http://b"}, observed)

	// 主节点被标记为不健康，后续直接使用备用节点
	assert.False(t, p.nodes[0].Healthy())
}

func TestPool_NonNetworkErrorNotFailedOver(t *testing.T) {
	clients := map[string]*fakeClient{
		"http://a": {chainID: chain.LiskSepoliaID, callErr: stderrors.New("execution reverted")},
		"http://b": {chainID: chain.LiskSepoliaID},
	}
	p := newTestPool(t, clients, "http://a", "http://b")
	require.NoError(t, p.Initialize(context.Background()))

	_, err := p.CallContract(context.Background(), ethereum.CallMsg{}, nil)

	assert.EqualError(t, err, "execution reverted")
	assert.True(t, p.nodes[0].Healthy())
}

func TestPool_AllNodesFail(t *testing.T) {
	clients := map[string]*fakeClient{
		"http://a": {chainID: chain.LiskSepoliaID, callErr: stderrors.New("connection reset")},
	}
	p := newTestPool(t, clients, "http://a")
	require.NoError(t, p.Initialize(context.Background()))

	_, err := p.BlockNumber(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNetworkUnreachable))

	_, err = p.BlockNumber(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNetworkUnreachable))
}

func TestPool_SendTransactionNoFailover(t *testing.T) {
	clients := map[string]*fakeClient{
		"http://a": {chainID: chain.LiskSepoliaID, callErr: stderrors.New("connection reset")},
		"http://b": {chainID: chain.LiskSepoliaID},
	}
	p := newTestPool(t, clients, "http://a", "http://b")
	require.NoError(t, p.Initialize(context.Background()))

	tx := types.NewTx(&types.LegacyTx{Nonce: 1})
	err := p.SendTransaction(context.Background(), tx)

	assert.Error(t, err)
	assert.Equal(t, 1, clients["http://a"].sent)
	assert.Equal(t, 0, clients["http://b"].sent)
}

func TestPool_ReceiptNotFoundPassesThrough(t *testing.T) {
	clients := map[string]*fakeClient{"http://a": {chainID: chain.LiskSepoliaID}}
	p := newTestPool(t, clients, "http://a")
	require.NoError(t, p.Initialize(context.Background()))

	_, err := p.TransactionReceipt(context.Background(), common.Hash{})
	assert.ErrorIs(t, err, ethereum.NotFound)
}

func TestPool_Close(t *testing.T) {
	clients := map[string]*fakeClient{"http://a": {chainID: chain.LiskSepoliaID}}
	p := newTestPool(t, clients, "http://a")
	require.NoError(t, p.Initialize(context.Background()))
	p.Start()

	require.NoError(t, p.Close())
	assert.True(t, clients["http://a"].closed)
	assert.NoError(t, p.Close())

	id, err := p.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(chain.LiskSepoliaID), id.Uint64())
}
