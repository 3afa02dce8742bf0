package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxStatus 交易状态
type TxStatus int

const (
	TxPending TxStatus = iota
	TxConfirmed
	TxReverted
	TxTimedOut // 仅用于日志记录，链上状态仍可能变化
)

var txStatusNames = map[TxStatus]string{
	TxPending:   "Pending",
	TxConfirmed: "Confirmed",
	TxReverted:  "Reverted",
	TxTimedOut:  "TimedOut",
}

// String 返回状态名称
func (s TxStatus) String() string {
	if name, ok := txStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText 以名称形式序列化
func (s TxStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 从名称解析
func (s *TxStatus) UnmarshalText(text []byte) error {
	for k, v := range txStatusNames {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	*s = TxPending
	return nil
}

// IsTerminal 是否为链上终态
func (s TxStatus) IsTerminal() bool {
	return s == TxConfirmed || s == TxReverted
}

// TransactionOutcome 已提交交易的结果
// 提交时创建，每次确认或拒绝只迁移一次，Confirmed/Reverted 为终态
type TransactionOutcome struct {
	Hash        common.Hash    `json:"hash"`
	Status      TxStatus       `json:"status"`
	BlockNumber *uint64        `json:"block_number,omitempty"`
	GasUsed     uint64         `json:"gas_used,omitempty"`
	Events      []DecodedEvent `json:"events,omitempty"`
	ResolvedAt  time.Time      `json:"resolved_at,omitempty"`

	// 回滚原因，重放失败时为空
	RevertReason string `json:"revert_reason,omitempty"`
}

// NewPendingOutcome 创建待确认结果
func NewPendingOutcome(hash common.Hash) *TransactionOutcome {
	return &TransactionOutcome{Hash: hash, Status: TxPending}
}

// FirstEvent 返回结果中第一个指定类型的事件
func FirstEvent[T DecodedEvent](o *TransactionOutcome) (T, bool) {
	var zero T
	if o == nil {
		return zero, false
	}
	for _, ev := range o.Events {
		if typed, ok := ev.(T); ok {
			return typed, true
		}
	}
	return zero, false
}

// JournalKind 日志记录的交易种类
type JournalKind string

const (
	KindMint     JournalKind = "mint"
	KindApprove  JournalKind = "approve"
	KindList     JournalKind = "list"
	KindCancel   JournalKind = "cancel"
	KindPurchase JournalKind = "purchase"
)

// JournalEntry 本地交易日志条目，用于超时后的手动复查
type JournalEntry struct {
	TxHash      common.Hash     `json:"tx_hash"`
	Kind        JournalKind     `json:"kind"`
	RunID       string          `json:"run_id"`
	Account     common.Address  `json:"account"`
	TokenURI    string          `json:"token_uri,omitempty"`
	NFTContract *common.Address `json:"nft_contract,omitempty"`
	TokenID     *big.Int        `json:"token_id,omitempty"`
	Status      TxStatus        `json:"status"`
	BlockNumber *uint64         `json:"block_number,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// Unresolved 是否仍可能上链
func (e *JournalEntry) Unresolved() bool {
	return e.Status == TxPending || e.Status == TxTimedOut
}
