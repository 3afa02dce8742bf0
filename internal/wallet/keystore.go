package wallet

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"sync"

	"nftmarket/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

const KeystoreID = "keystore"

// KeystoreOptions 加密 keystore 连接器参数
type KeystoreOptions struct {
	Dir        string
	Account    string // 为空时使用第一个账户
	Passphrase string
	ChainID    uint64 // 初始链
	Approver   Approver
	ScryptN    int
	ScryptP    int
}

// KeystoreConnector 基于 go-ethereum 加密 keystore 目录的连接器
// 每次签名都需要 Approver 确认
type KeystoreConnector struct {
	*localChain
	opts   KeystoreOptions
	logger *logrus.Entry

	mu      sync.Mutex
	ks      *keystore.KeyStore
	account *accounts.Account
}

// NewKeystoreConnector 创建 keystore 连接器
func NewKeystoreConnector(opts KeystoreOptions, logger *logrus.Logger) *KeystoreConnector {
	if opts.ScryptN == 0 {
		opts.ScryptN = keystore.StandardScryptN
		opts.ScryptP = keystore.StandardScryptP
	}
	if opts.Approver == nil {
		opts.Approver = AutoApprove
	}
	return &KeystoreConnector{
		localChain: newLocalChain(opts.ChainID),
		opts:       opts,
		logger:     logger.WithField("component", "wallet.keystore"),
	}
}

func (k *KeystoreConnector) ID() string   { return KeystoreID }
func (k *KeystoreConnector) Name() string { return "Keystore" }

// Available keystore 目录存在即可用
func (k *KeystoreConnector) Available() bool {
	if k.opts.Dir == "" {
		return false
	}
	info, err := os.Stat(k.opts.Dir)
	return err == nil && info.IsDir()
}

func (k *KeystoreConnector) store() *keystore.KeyStore {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ks == nil {
		k.ks = keystore.NewKeyStore(k.opts.Dir, k.opts.ScryptN, k.opts.ScryptP)
	}
	return k.ks
}

// RequestAccounts 选择账户并校验密码
func (k *KeystoreConnector) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if !k.Available() {
		return nil, errors.New(errors.CodeNoProviderFound, fmt.Sprintf("keystore 目录不存在: %s", k.opts.Dir))
	}
	ks := k.store()
	all := ks.Accounts()
	if len(all) == 0 {
		return nil, errors.New(errors.CodeNoProviderFound, "keystore 中没有账户")
	}

	selected := all[0]
	if k.opts.Account != "" {
		if !common.IsHexAddress(k.opts.Account) {
			return nil, errors.New(errors.CodeConfigInvalid, fmt.Sprintf("无效的账户地址: %q", k.opts.Account))
		}
		want := accounts.Account{Address: common.HexToAddress(k.opts.Account)}
		found, err := ks.Find(want)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeNoProviderFound, "keystore 中没有指定账户")
		}
		selected = found
	}

	// 解锁一次以校验密码，签名时仍然使用密码
	if err := ks.Unlock(selected, k.opts.Passphrase); err != nil {
		return nil, errors.Wrap(err, errors.CodeUserRejected, "keystore 密码错误")
	}
	_ = ks.Lock(selected.Address)

	k.mu.Lock()
	k.account = &selected
	k.mu.Unlock()
	k.reopen()

	k.logger.WithField("account", selected.Address.Hex()).Info("keystore 账户已授权")
	return []common.Address{selected.Address}, nil
}

// SelectAccount 切换账户，推送账户变更事件
func (k *KeystoreConnector) SelectAccount(addr common.Address) error {
	ks := k.store()
	found, err := ks.Find(accounts.Account{Address: addr})
	if err != nil {
		return errors.Wrap(err, errors.CodeNoProviderFound, "keystore 中没有指定账户")
	}
	k.mu.Lock()
	k.account = &found
	k.mu.Unlock()
	k.emit(Event{Kind: EventAccountsChanged, Accounts: []common.Address{addr}})
	return nil
}

func (k *KeystoreConnector) ChainID(ctx context.Context) (uint64, error) {
	return k.currentChain(), nil
}

func (k *KeystoreConnector) SwitchChain(ctx context.Context, chainID uint64) error {
	k.switchChain(chainID)
	return nil
}

// SignTransaction 确认后用 keystore 签名
func (k *KeystoreConnector) SignTransaction(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	k.mu.Lock()
	current := k.account
	k.mu.Unlock()
	if current == nil || current.Address != account {
		return nil, errors.New(errors.CodeSessionLost, "账户未授权")
	}

	ok, err := k.opts.Approver.Approve(ctx, NewApprovalRequest(k.ID(), account, tx, chainID))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUserRejected, "签名确认失败")
	}
	if !ok {
		return nil, errors.New(errors.CodeUserRejected, "用户拒绝签名")
	}

	signed, err := k.store().SignTxWithPassphrase(*current, k.opts.Passphrase, tx, chainID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUserRejected, "keystore 签名失败")
	}
	return signed, nil
}

func (k *KeystoreConnector) Events() <-chan Event {
	return k.eventChannel()
}

// Close 断开连接
func (k *KeystoreConnector) Close() error {
	k.mu.Lock()
	k.account = nil
	k.mu.Unlock()
	k.close()
	return nil
}
