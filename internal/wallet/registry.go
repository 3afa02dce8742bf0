package wallet

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"nftmarket/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const WalletConnectID = "walletConnect"

// Info 连接器描述
type Info struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Registry 可用连接器
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry 创建连接器注册表
func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector)}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

// Register 注册连接器，同ID覆盖
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.ID()] = c
}

// Get 获取可用的连接器，未知或不可用时返回 NO_PROVIDER_FOUND
func (r *Registry) Get(id string) (Connector, error) {
	r.mu.RLock()
	c, ok := r.connectors[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.CodeNoProviderFound, "未知的钱包连接器: "+id)
	}
	if !c.Available() {
		return nil, errors.New(errors.CodeNoProviderFound, "钱包连接器不可用: "+id)
	}
	return c, nil
}

// List 所有连接器，按ID排序
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, Info{ID: c.ID(), Name: c.Name(), Available: c.Available()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// walletConnectConnector 当前构建中不可用，只用于在列表中展示
type walletConnectConnector struct {
	projectID string
}

// NewWalletConnectConnector 创建 WalletConnect 占位连接器
func NewWalletConnectConnector(projectID string) Connector {
	if projectID == "" {
		projectID = "demo"
	}
	return &walletConnectConnector{projectID: projectID}
}

func (w *walletConnectConnector) ID() string      { return WalletConnectID }
func (w *walletConnectConnector) Name() string    { return "WalletConnect" }
func (w *walletConnectConnector) Available() bool { return false }

func (w *walletConnectConnector) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	return nil, errors.New(errors.CodeNoProviderFound, "WalletConnect 在此版本中不可用")
}

func (w *walletConnectConnector) ChainID(ctx context.Context) (uint64, error) {
	return 0, errors.New(errors.CodeNoProviderFound, "WalletConnect 在此版本中不可用")
}

func (w *walletConnectConnector) SwitchChain(ctx context.Context, chainID uint64) error {
	return errors.New(errors.CodeNoProviderFound, "WalletConnect 在此版本中不可用")
}

func (w *walletConnectConnector) SignTransaction(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return nil, errors.New(errors.CodeNoProviderFound, "WalletConnect 在此版本中不可用")
}

func (w *walletConnectConnector) Events() <-chan Event { return nil }
func (w *walletConnectConnector) Close() error         { return nil }
