package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NativeCurrency 链原生货币
type NativeCurrency struct {
	Symbol   string `json:"symbol" mapstructure:"symbol"`
	Decimals int32  `json:"decimals" mapstructure:"decimals"`
}

// ChainDescriptor 目标网络描述，启动时加载一次后不再修改
type ChainDescriptor struct {
	ID             uint64         `json:"id"`
	DisplayName    string         `json:"display_name"`
	NativeCurrency NativeCurrency `json:"native_currency"`
	RPCEndpoints   []string       `json:"rpc_endpoints"` // 按优先级排序
	ExplorerURL    string         `json:"explorer_url"`
	BlockInterval  time.Duration  `json:"block_interval"` // 预期出块间隔
}

// TxURL 返回交易在区块浏览器中的链接
func (c ChainDescriptor) TxURL(hash common.Hash) string {
	if c.ExplorerURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", strings.TrimRight(c.ExplorerURL, "/"), hash.Hex())
}

// AddressURL 返回地址在区块浏览器中的链接
func (c ChainDescriptor) AddressURL(addr common.Address) string {
	if c.ExplorerURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/address/%s", strings.TrimRight(c.ExplorerURL, "/"), addr.Hex())
}
