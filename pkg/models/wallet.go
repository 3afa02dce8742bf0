package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// WalletStatus 钱包连接状态
type WalletStatus int

const (
	WalletDisconnected WalletStatus = iota
	WalletConnecting
	WalletConnected
	WalletError
)

var walletStatusNames = map[WalletStatus]string{
	WalletDisconnected: "Disconnected",
	WalletConnecting:   "Connecting",
	WalletConnected:    "Connected",
	WalletError:        "Error",
}

// String 返回状态名称
func (s WalletStatus) String() string {
	if name, ok := walletStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText 以名称形式序列化
func (s WalletStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// WalletState 钱包会话状态快照
// 只有 WalletSession 可以修改，其他组件拿到的都是副本
type WalletState struct {
	Status    WalletStatus     `json:"status"`
	Account   *common.Address  `json:"account,omitempty"`
	ChainID   *uint64          `json:"chain_id,omitempty"`
	Balance   *decimal.Decimal `json:"balance,omitempty"` // 以原生货币为单位，可能落后于最新区块
	Connector string           `json:"connector,omitempty"`
	Err       string           `json:"error,omitempty"`
}

// Clone 深拷贝
func (w WalletState) Clone() WalletState {
	out := w
	if w.Account != nil {
		acct := *w.Account
		out.Account = &acct
	}
	if w.ChainID != nil {
		id := *w.ChainID
		out.ChainID = &id
	}
	if w.Balance != nil {
		bal := *w.Balance
		out.Balance = &bal
	}
	return out
}

// ShortAccount 返回缩写地址，形如 0x1234...abcd
func (w WalletState) ShortAccount() string {
	if w.Account == nil {
		return ""
	}
	hex := w.Account.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}
