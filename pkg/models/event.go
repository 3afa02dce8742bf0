package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventName 合约事件名
type EventName string

const (
	EventMinted           EventName = "NFTMinted"
	EventTransfer         EventName = "Transfer"
	EventApproval         EventName = "Approval"
	EventApprovalForAll   EventName = "ApprovalForAll"
	EventListed           EventName = "NFTListed"
	EventSold             EventName = "NFTSold"
	EventListingCancelled EventName = "ListingCancelled"
)

// DecodedEvent 解码后的合约事件
type DecodedEvent interface {
	Name() EventName
	Meta() EventMeta
}

// EventMeta 事件公共字段
type EventMeta struct {
	Event       EventName      `json:"event"`
	Contract    common.Address `json:"contract"`
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	LogIndex    uint           `json:"log_index"`
}

func (m EventMeta) Name() EventName { return m.Event }
func (m EventMeta) Meta() EventMeta { return m }

// MintedEvent NFTMinted(tokenId, creator, tokenURI, royaltyFee)
type MintedEvent struct {
	EventMeta
	TokenID    *big.Int       `json:"token_id"`
	Creator    common.Address `json:"creator"`
	TokenURI   string         `json:"token_uri"`
	RoyaltyFee *big.Int       `json:"royalty_fee"`
}

// TransferEvent ERC-721 Transfer(from, to, tokenId)
type TransferEvent struct {
	EventMeta
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	TokenID *big.Int       `json:"token_id"`
}

// ApprovalEvent ERC-721 Approval(owner, approved, tokenId)
type ApprovalEvent struct {
	EventMeta
	Owner    common.Address `json:"owner"`
	Approved common.Address `json:"approved"`
	TokenID  *big.Int       `json:"token_id"`
}

// ApprovalForAllEvent ERC-721 ApprovalForAll(owner, operator, approved)
type ApprovalForAllEvent struct {
	EventMeta
	Owner    common.Address `json:"owner"`
	Operator common.Address `json:"operator"`
	Approved bool           `json:"approved"`
}

// ListedEvent NFTListed(nftContract, tokenId, seller, price)
type ListedEvent struct {
	EventMeta
	NFTContract common.Address `json:"nft_contract"`
	TokenID     *big.Int       `json:"token_id"`
	Seller      common.Address `json:"seller"`
	Price       *big.Int       `json:"price"`
}

// SoldEvent NFTSold(nftContract, tokenId, seller, buyer, price, royaltyAmount, platformFeeAmount)
type SoldEvent struct {
	EventMeta
	NFTContract       common.Address `json:"nft_contract"`
	TokenID           *big.Int       `json:"token_id"`
	Seller            common.Address `json:"seller"`
	Buyer             common.Address `json:"buyer"`
	Price             *big.Int       `json:"price"`
	RoyaltyAmount     *big.Int       `json:"royalty_amount"`
	PlatformFeeAmount *big.Int       `json:"platform_fee_amount"`
}

// ListingCancelledEvent ListingCancelled(nftContract, tokenId, seller)
type ListingCancelledEvent struct {
	EventMeta
	NFTContract common.Address `json:"nft_contract"`
	TokenID     *big.Int       `json:"token_id"`
	Seller      common.Address `json:"seller"`
}
