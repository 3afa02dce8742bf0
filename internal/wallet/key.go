package wallet

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"
	"sync"

	"nftmarket/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const KeyID = "key"

// KeyConnector 从环境变量读取单个私钥，用于开发和测试
type KeyConnector struct {
	*localChain
	envVar   string
	approver Approver

	mu   sync.Mutex
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeyConnector 创建私钥连接器
func NewKeyConnector(envVar string, chainID uint64, approver Approver) *KeyConnector {
	if approver == nil {
		approver = AutoApprove
	}
	return &KeyConnector{
		localChain: newLocalChain(chainID),
		envVar:     envVar,
		approver:   approver,
	}
}

func (k *KeyConnector) ID() string   { return KeyID }
func (k *KeyConnector) Name() string { return "Private Key" }

func (k *KeyConnector) Available() bool {
	return k.envVar != "" && os.Getenv(k.envVar) != ""
}

func (k *KeyConnector) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	raw := os.Getenv(k.envVar)
	if raw == "" {
		return nil, errors.New(errors.CodeNoProviderFound, "环境变量 "+k.envVar+" 未设置")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigInvalid, "私钥格式无效")
	}

	k.mu.Lock()
	k.key = key
	k.addr = crypto.PubkeyToAddress(key.PublicKey)
	addr := k.addr
	k.mu.Unlock()
	k.reopen()
	return []common.Address{addr}, nil
}

func (k *KeyConnector) ChainID(ctx context.Context) (uint64, error) {
	return k.currentChain(), nil
}

func (k *KeyConnector) SwitchChain(ctx context.Context, chainID uint64) error {
	k.switchChain(chainID)
	return nil
}

func (k *KeyConnector) SignTransaction(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	k.mu.Lock()
	key, addr := k.key, k.addr
	k.mu.Unlock()
	if key == nil || addr != account {
		return nil, errors.New(errors.CodeSessionLost, "账户未授权")
	}

	ok, err := k.approver.Approve(ctx, NewApprovalRequest(k.ID(), account, tx, chainID))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUserRejected, "签名确认失败")
	}
	if !ok {
		return nil, errors.New(errors.CodeUserRejected, "用户拒绝签名")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
}

func (k *KeyConnector) Events() <-chan Event {
	return k.eventChannel()
}

func (k *KeyConnector) Close() error {
	k.mu.Lock()
	k.key = nil
	k.addr = common.Address{}
	k.mu.Unlock()
	k.close()
	return nil
}
