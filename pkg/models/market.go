package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Listing 市场合约上的挂单
// 客户端没有写权限，只通过交易请求状态变更，并根据已确认事件更新本地副本
type Listing struct {
	NFTContract common.Address `json:"nft_contract"`
	TokenID     *big.Int       `json:"token_id"`
	Seller      common.Address `json:"seller"`
	Price       *big.Int       `json:"price"` // 最小货币单位 (wei)
	Active      bool           `json:"active"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
}

// Key 挂单唯一键
func (l *Listing) Key() string {
	return ListingKey(l.NFTContract, l.TokenID)
}

// ListingKey 生成挂单键
func ListingKey(nft common.Address, tokenID *big.Int) string {
	return fmt.Sprintf("%s:%s", nft.Hex(), tokenID.String())
}

// RoyaltySplit 成交金额拆分
// 不变量: RoyaltyAmount + PlatformFeeAmount + SellerNetAmount == SalePrice
type RoyaltySplit struct {
	SalePrice         *big.Int `json:"sale_price"`
	RoyaltyAmount     *big.Int `json:"royalty_amount"`
	PlatformFeeAmount *big.Int `json:"platform_fee_amount"`
	SellerNetAmount   *big.Int `json:"seller_net_amount"`
}

// Balanced 校验拆分是否精确相加
func (s *RoyaltySplit) Balanced() bool {
	if s == nil || s.SalePrice == nil || s.RoyaltyAmount == nil || s.PlatformFeeAmount == nil || s.SellerNetAmount == nil {
		return false
	}
	sum := new(big.Int).Add(s.RoyaltyAmount, s.PlatformFeeAmount)
	sum.Add(sum, s.SellerNetAmount)
	return sum.Cmp(s.SalePrice) == 0
}

// RoyaltyPayment 一次成交给创作者带来的版税收入
type RoyaltyPayment struct {
	NFTContract common.Address `json:"nft_contract"`
	TokenID     *big.Int       `json:"token_id"`
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	Creator     common.Address `json:"creator"`
	Seller      common.Address `json:"seller"`
	Buyer       common.Address `json:"buyer"`
	Split       RoyaltySplit   `json:"split"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

// EarningsSummary 创作者版税汇总
type EarningsSummary struct {
	Creator      common.Address    `json:"creator"`
	TotalRoyalty *big.Int          `json:"total_royalty"`
	SalesCount   int               `json:"sales_count"`
	LastBlock    uint64            `json:"last_block"`
	Payments     []*RoyaltyPayment `json:"payments"`
}

// WorkflowRecord 工作流终态记录，发送到输出端
type WorkflowRecord struct {
	RunID     string        `json:"run_id"`
	Workflow  string        `json:"workflow"`
	Account   string        `json:"account,omitempty"`
	State     string        `json:"state"`
	TxHash    string        `json:"tx_hash,omitempty"`
	TokenID   *big.Int      `json:"token_id,omitempty"`
	TokenURI  string        `json:"token_uri,omitempty"`
	Split     *RoyaltySplit `json:"split,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Error     string        `json:"error,omitempty"`
	Detached  bool          `json:"detached,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (r *WorkflowRecord) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"run_id":    r.RunID,
		"workflow":  r.Workflow,
		"account":   r.Account,
		"state":     r.State,
		"timestamp": r.Timestamp.Unix(),
	}
	if r.TxHash != "" {
		msg["tx_hash"] = r.TxHash
	}
	if r.TokenID != nil {
		msg["token_id"] = r.TokenID.String()
	}
	if r.TokenURI != "" {
		msg["token_uri"] = r.TokenURI
	}
	if r.Split != nil {
		msg["sale_price"] = r.Split.SalePrice.String()
		msg["royalty_amount"] = r.Split.RoyaltyAmount.String()
		msg["platform_fee_amount"] = r.Split.PlatformFeeAmount.String()
		msg["seller_net_amount"] = r.Split.SellerNetAmount.String()
	}
	if r.ErrorCode != "" {
		msg["error_code"] = r.ErrorCode
		msg["error"] = r.Error
	}
	if r.Detached {
		msg["detached"] = true
	}
	return msg
}
