package chain

import (
	"fmt"
	"math/big"
	"net/url"
	"time"

	"nftmarket/internal/errors"
	"nftmarket/pkg/models"

	"github.com/shopspring/decimal"
)

const (
	LiskSepoliaID = 4202

	// DefaultBlockInterval 未配置出块间隔时使用
	DefaultBlockInterval = 2 * time.Second

	// 确认超时为出块间隔的倍数
	confirmationBlocks = 30
	minConfirmation    = 30 * time.Second
)

// LiskSepolia 默认目标网络
func LiskSepolia() models.ChainDescriptor {
	return models.ChainDescriptor{
		ID:          LiskSepoliaID,
		DisplayName: "Lisk Sepolia Testnet",
		NativeCurrency: models.NativeCurrency{
			Symbol:   "ETH",
			Decimals: 18,
		},
		RPCEndpoints:  []string{"https://rpc.sepolia-api.lisk.com"},
		ExplorerURL:   "https://sepolia-blockscout.lisk.com",
		BlockInterval: DefaultBlockInterval,
	}
}

// Validate 校验链描述
func Validate(c models.ChainDescriptor) error {
	if c.ID == 0 {
		return errors.New(errors.CodeConfigInvalid, "链ID不能为0")
	}
	if len(c.RPCEndpoints) == 0 {
		return errors.New(errors.CodeConfigInvalid, "至少需要一个RPC节点")
	}
	for _, endpoint := range c.RPCEndpoints {
		u, err := url.Parse(endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New(errors.CodeConfigInvalid, fmt.Sprintf("无效的RPC地址: %q", endpoint))
		}
	}
	if c.NativeCurrency.Symbol == "" {
		return errors.New(errors.CodeConfigInvalid, "原生货币符号不能为空")
	}
	if c.NativeCurrency.Decimals < 0 || c.NativeCurrency.Decimals > 36 {
		return errors.New(errors.CodeConfigInvalid, fmt.Sprintf("原生货币精度无效: %d", c.NativeCurrency.Decimals))
	}
	return nil
}

// EnsureID 节点返回的链ID必须与配置一致，否则为致命配置错误
func EnsureID(c models.ChainDescriptor, remote *big.Int) error {
	if remote == nil || !remote.IsUint64() || remote.Uint64() != c.ID {
		return errors.New(errors.CodeChainMismatch,
			fmt.Sprintf("节点链ID %v 与配置的 %d (%s) 不一致", remote, c.ID, c.DisplayName))
	}
	return nil
}

// ConfirmationTimeout 默认的确认等待时间
func ConfirmationTimeout(c models.ChainDescriptor) time.Duration {
	interval := c.BlockInterval
	if interval <= 0 {
		interval = DefaultBlockInterval
	}
	timeout := interval * confirmationBlocks
	if timeout < minConfirmation {
		timeout = minConfirmation
	}
	return timeout
}

// ToDecimal 将最小单位转换为原生货币数额
func ToDecimal(c models.ChainDescriptor, wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -c.NativeCurrency.Decimals)
}

// FromDecimal 将原生货币数额转换为最小单位，超出精度的部分视为错误
func FromDecimal(c models.ChainDescriptor, amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, errors.New(errors.CodeInvalidPrice, "金额不能为负数")
	}
	scaled := amount.Shift(c.NativeCurrency.Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, errors.New(errors.CodeInvalidPrice,
			fmt.Sprintf("金额 %s 超出 %d 位精度", amount.String(), c.NativeCurrency.Decimals))
	}
	return scaled.BigInt(), nil
}

// ParseAmount 解析形如 "0.5" 的金额字符串
func ParseAmount(c models.ChainDescriptor, s string) (*big.Int, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidPrice, fmt.Sprintf("无法解析金额: %q", s))
	}
	return FromDecimal(c, amount)
}

// FormatAmount 以货币符号格式化，保留4位小数
func FormatAmount(c models.ChainDescriptor, wei *big.Int) string {
	return fmt.Sprintf("%s %s", ToDecimal(c, wei).StringFixed(4), c.NativeCurrency.Symbol)
}
