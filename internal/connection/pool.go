package connection

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"nftmarket/internal/chain"
	"nftmarket/internal/errors"
	"nftmarket/internal/logging"
	"nftmarket/internal/retry"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Client 单个RPC节点客户端，*ethclient.Client 满足该接口
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Dialer 建立到节点的连接
type Dialer func(ctx context.Context, url string) (Client, error)

// DialEthClient 默认拨号器
func DialEthClient(ctx context.Context, url string) (Client, error) {
	return ethclient.DialContext(ctx, url)
}

// Observer RPC调用观察者，用于指标统计
type Observer func(endpoint, method string, duration time.Duration, err error)

// Pool 按优先级排列的RPC节点池
// 读请求在节点不可达时切换到下一个节点；交易广播只发往当前节点，不做切换
type Pool struct {
	descriptor models.ChainDescriptor
	dial       Dialer
	nodes      []*Node
	logger     *logrus.Entry
	retrier    *retry.Retrier
	observer   Observer

	mu          sync.RWMutex
	healthCheck time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// Node 单个节点
type Node struct {
	URL string

	mu        sync.Mutex
	client    Client
	isHealthy bool
	lastCheck time.Time
	lastErr   error
	failures  int
}

// NewPool 创建节点池，dial 为 nil 时使用 ethclient
func NewPool(descriptor models.ChainDescriptor, dial Dialer, logger *logrus.Logger) *Pool {
	if dial == nil {
		dial = DialEthClient
	}
	nodes := make([]*Node, 0, len(descriptor.RPCEndpoints))
	for _, url := range descriptor.RPCEndpoints {
		nodes = append(nodes, &Node{URL: url})
	}
	return &Pool{
		descriptor:  descriptor,
		dial:        dial,
		nodes:       nodes,
		logger:      logging.NewComponentLogger(logger, "rpc_pool"),
		retrier:     retry.NewRetrier(retry.NetworkRetryConfig, logger),
		healthCheck: 30 * time.Second,
		stopCh:      make(chan struct{}),
	}
}

// SetObserver 设置调用观察者
func (p *Pool) SetObserver(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = observer
}

// Initialize 连接所有节点并校验链ID
// 任一节点报告的链ID与配置不一致都是致命配置错误；全部不可达时返回 NetworkUnreachable
func (p *Pool) Initialize(ctx context.Context) error {
	if len(p.nodes) == 0 {
		return errors.New(errors.CodeConfigInvalid, "没有配置RPC节点")
	}

	healthy := 0
	for _, node := range p.nodes {
		err := p.connect(ctx, node)
		if err == nil {
			healthy++
			p.logger.Infof("节点 %s 已连接", node.URL)
			continue
		}
		if errors.Is(err, errors.ErrChainMismatch) {
			return err
		}
		p.logger.WithError(err).Warnf("连接节点 %s 失败", node.URL)
	}

	if healthy == 0 {
		return errors.New(errors.CodeNetworkUnreachable, "所有RPC节点均不可达")
	}
	return nil
}

// connect 拨号并校验链ID，调用方无需持有 node.mu
func (p *Pool) connect(ctx context.Context, node *Node) error {
	client, err := retry.Do(ctx, p.retrier, "dial "+node.URL, func() (Client, error) {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := p.dial(dialCtx, node.URL)
		if err != nil {
			return nil, err
		}
		id, err := c.ChainID(dialCtx)
		if err != nil {
			c.Close()
			return nil, err
		}
		if err := chain.EnsureID(p.descriptor, id); err != nil {
			c.Close()
			return nil, err.(*errors.MarketError).WithContext("endpoint", node.URL)
		}
		return c, nil
	})

	node.mu.Lock()
	defer node.mu.Unlock()
	node.lastCheck = time.Now()
	if err != nil {
		node.isHealthy = false
		node.lastErr = err
		node.failures++
		return err
	}
	if node.client != nil {
		node.client.Close()
	}
	node.client = client
	node.isHealthy = true
	node.lastErr = nil
	node.failures = 0
	return nil
}

// Start 启动后台健康检查
func (p *Pool) Start() {
	go p.healthChecker()
}

// healthChecker 周期性重连不健康的节点
func (p *Pool) healthChecker() {
	ticker := time.NewTicker(p.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, node := range p.nodes {
				if node.Healthy() {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				if err := p.connect(ctx, node); err != nil {
					p.logger.Debugf("节点 %s 健康检查失败: %v", node.URL, err)
				} else {
					p.logger.Infof("节点 %s 已恢复", node.URL)
				}
				cancel()
			}
		}
	}
}

// Healthy 节点是否可用
func (n *Node) Healthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isHealthy && n.client != nil
}

func (n *Node) markFailed(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isHealthy = false
	n.lastErr = err
	n.failures++
	n.lastCheck = time.Now()
}

func (n *Node) current() Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.isHealthy {
		return nil
	}
	return n.client
}

// do 按优先级在健康节点上执行读操作，网络错误时切换节点
func (p *Pool) do(ctx context.Context, method string, fn func(Client) error) error {
	var lastErr error
	tried := 0
	for _, node := range p.nodes {
		client := node.current()
		if client == nil {
			continue
		}
		tried++

		start := time.Now()
		err := fn(client)
		p.observe(node.URL, method, time.Since(start), err)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retry.IsRetryableError(err) {
			return err
		}

		lastErr = err
		node.markFailed(err)
		logging.NewRPCLogger(p.logger.Logger, method, node.URL).WithError(err).Warn("调用失败，切换到下一个节点")
	}

	if tried == 0 {
		return errors.New(errors.CodeNetworkUnreachable, "没有可用的RPC节点").WithContext("method", method)
	}
	return errors.Wrap(lastErr, errors.CodeNetworkUnreachable, fmt.Sprintf("所有节点调用 %s 失败", method))
}

func (p *Pool) observe(endpoint, method string, d time.Duration, err error) {
	p.mu.RLock()
	observer := p.observer
	p.mu.RUnlock()
	if observer != nil {
		observer(endpoint, method, d, err)
	}
}

func (p *Pool) primary() (*Node, Client) {
	for _, node := range p.nodes {
		if client := node.current(); client != nil {
			return node, client
		}
	}
	return nil, nil
}

// ChainID 返回配置的链ID，节点在连接时已校验
func (p *Pool) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(p.descriptor.ID), nil
}

func (p *Pool) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := p.do(ctx, "eth_blockNumber", func(c Client) (err error) {
		out, err = c.BlockNumber(ctx)
		return err
	})
	return out, err
}

func (p *Pool) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var out *types.Header
	err := p.do(ctx, "eth_getBlockByNumber", func(c Client) (err error) {
		out, err = c.HeaderByNumber(ctx, number)
		return err
	})
	return out, err
}

func (p *Pool) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var out *big.Int
	err := p.do(ctx, "eth_getBalance", func(c Client) (err error) {
		out, err = c.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return out, err
}

func (p *Pool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := p.do(ctx, "eth_call", func(c Client) (err error) {
		out, err = c.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (p *Pool) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var out uint64
	err := p.do(ctx, "eth_getTransactionCount", func(c Client) (err error) {
		out, err = c.PendingNonceAt(ctx, account)
		return err
	})
	return out, err
}

func (p *Pool) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := p.do(ctx, "eth_estimateGas", func(c Client) (err error) {
		out, err = c.EstimateGas(ctx, msg)
		return err
	})
	return out, err
}

func (p *Pool) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := p.do(ctx, "eth_maxPriorityFeePerGas", func(c Client) (err error) {
		out, err = c.SuggestGasTipCap(ctx)
		return err
	})
	return out, err
}

func (p *Pool) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := p.do(ctx, "eth_gasPrice", func(c Client) (err error) {
		out, err = c.SuggestGasPrice(ctx)
		return err
	})
	return out, err
}

func (p *Pool) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	err := p.do(ctx, "eth_getTransactionReceipt", func(c Client) (err error) {
		out, err = c.TransactionReceipt(ctx, txHash)
		return err
	})
	return out, err
}

func (p *Pool) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	var (
		out     *types.Transaction
		pending bool
	)
	err := p.do(ctx, "eth_getTransactionByHash", func(c Client) (err error) {
		out, pending, err = c.TransactionByHash(ctx, hash)
		return err
	})
	return out, pending, err
}

func (p *Pool) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	err := p.do(ctx, "eth_getLogs", func(c Client) (err error) {
		out, err = c.FilterLogs(ctx, q)
		return err
	})
	return out, err
}

// SendTransaction 只发往当前主节点一次
func (p *Pool) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	node, client := p.primary()
	if client == nil {
		return errors.New(errors.CodeNetworkUnreachable, "没有可用的RPC节点")
	}

	start := time.Now()
	err := client.SendTransaction(ctx, tx)
	p.observe(node.URL, "eth_sendRawTransaction", time.Since(start), err)
	if err != nil && retry.IsRetryableError(err) {
		node.markFailed(err)
	}
	return err
}

// GetStats 获取节点池统计信息
func (p *Pool) GetStats() map[string]interface{} {
	stats := make(map[string]interface{}, len(p.nodes))
	for i, node := range p.nodes {
		node.mu.Lock()
		nodeStats := map[string]interface{}{
			"priority":   i,
			"is_healthy": node.isHealthy,
			"failures":   node.failures,
			"last_check": node.lastCheck.Format(time.RFC3339),
		}
		if node.lastErr != nil {
			nodeStats["last_error"] = node.lastErr.Error()
		}
		node.mu.Unlock()
		stats[node.URL] = nodeStats
	}
	return stats
}

// Close 关闭节点池
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	for _, node := range p.nodes {
		node.mu.Lock()
		if node.client != nil {
			node.client.Close()
			node.client = nil
		}
		node.isHealthy = false
		node.mu.Unlock()
	}

	p.logger.Info("RPC节点池已关闭")
	return nil
}
