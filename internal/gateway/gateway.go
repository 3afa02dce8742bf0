package gateway

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"nftmarket/internal/decoder"
	"nftmarket/internal/errors"
	"nftmarket/internal/logging"
	"nftmarket/internal/retry"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// Backend 网关需要的链访问能力，connection.Pool 和 ethclient.Client 均满足
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Signer 交易签名，由钱包会话提供
type Signer interface {
	SignTransaction(ctx context.Context, from common.Address, tx *types.Transaction) (*types.Transaction, error)
}

// Options 网关参数
type Options struct {
	ChainID      uint64
	NFT          common.Address // 零值表示未配置
	Marketplace  common.Address
	PollInterval time.Duration
}

// Gateway 代币合约和市场合约的唯一编解码入口
type Gateway struct {
	backend      Backend
	signer       Signer
	decoder      *decoder.Decoder
	chainID      *big.Int
	nft          common.Address
	marketplace  common.Address
	pollInterval time.Duration
	logger       *logrus.Entry

	submitted atomic.Int64
	reverted  atomic.Int64
}

// gas 估算余量
const gasMarginPercent = 120

// New 创建合约网关
func New(backend Backend, signer Signer, opts Options, logger *logrus.Logger) *Gateway {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Gateway{
		backend:      backend,
		signer:       signer,
		decoder:      decoder.NewDecoder(opts.NFT, opts.Marketplace, logger),
		chainID:      new(big.Int).SetUint64(opts.ChainID),
		nft:          opts.NFT,
		marketplace:  opts.Marketplace,
		pollInterval: poll,
		logger:       logging.NewComponentLogger(logger, "gateway"),
	}
}

// NFTContract 代币合约地址
func (g *Gateway) NFTContract() (common.Address, error) {
	return g.require("contracts.nft", g.nft)
}

// MarketplaceContract 市场合约地址
func (g *Gateway) MarketplaceContract() (common.Address, error) {
	return g.require("contracts.marketplace", g.marketplace)
}

// Decoder 回执解码器
func (g *Gateway) Decoder() *decoder.Decoder {
	return g.decoder
}

// require 未配置的合约每次使用都大声警告
func (g *Gateway) require(name string, addr common.Address) (common.Address, error) {
	if addr == (common.Address{}) {
		g.logger.Warnf("%s 未配置，无法执行需要该合约的操作", name)
		return common.Address{}, errors.New(errors.CodeContractNotConfigured, name+" 未配置")
	}
	return addr, nil
}

// ==================== 写操作 ====================
// 每个写操作最多提交一次，不做内部重试

// Mint 铸造代币，tokenURI 指向元数据
func (g *Gateway) Mint(ctx context.Context, from, to common.Address, tokenURI string, royaltyBps int64) (common.Hash, error) {
	nft, err := g.NFTContract()
	if err != nil {
		return common.Hash{}, err
	}
	data, err := decoder.Token().Pack("mintNFT", to, tokenURI, big.NewInt(royaltyBps))
	if err != nil {
		return common.Hash{}, errors.Wrap(err, errors.CodeInvalidInput, "编码 mintNFT 失败")
	}
	return g.transact(ctx, "mintNFT", from, nft, nil, data)
}

// Approve 授权单个代币
func (g *Gateway) Approve(ctx context.Context, from, operator common.Address, tokenID *big.Int) (common.Hash, error) {
	nft, err := g.NFTContract()
	if err != nil {
		return common.Hash{}, err
	}
	data, err := decoder.Token().Pack("approve", operator, tokenID)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, errors.CodeInvalidInput, "编码 approve 失败")
	}
	return g.transact(ctx, "approve", from, nft, nil, data)
}

// SetApprovalForAll 授权全部代币
func (g *Gateway) SetApprovalForAll(ctx context.Context, from, operator common.Address, approved bool) (common.Hash, error) {
	nft, err := g.NFTContract()
	if err != nil {
		return common.Hash{}, err
	}
	data, err := decoder.Token().Pack("setApprovalForAll", operator, approved)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, errors.CodeInvalidInput, "编码 setApprovalForAll 失败")
	}
	return g.transact(ctx, "setApprovalForAll", from, nft, nil, data)
}

// ListNFT 挂单
func (g *Gateway) ListNFT(ctx context.Context, from, nft common.Address, tokenID, price *big.Int) (common.Hash, error) {
	market, err := g.MarketplaceContract()
	if err != nil {
		return common.Hash{}, err
	}
	if price == nil || price.Sign() < 0 {
		return common.Hash{}, errors.New(errors.CodeInvalidPrice, "挂单价格不能为负数")
	}
	data, err := decoder.Marketplace().Pack("listNFT", nft, tokenID, price)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, errors.CodeInvalidInput, "编码 listNFT 失败")
	}
	return g.transact(ctx, "listNFT", from, market, nil, data)
}

// CancelListing 取消挂单
func (g *Gateway) CancelListing(ctx context.Context, from, nft common.Address, tokenID *big.Int) (common.Hash, error) {
	market, err := g.MarketplaceContract()
	if err != nil {
		return common.Hash{}, err
	}
	data, err := decoder.Marketplace().Pack("cancelListing", nft, tokenID)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, errors.CodeInvalidInput, "编码 cancelListing 失败")
	}
	return g.transact(ctx, "cancelListing", from, market, nil, data)
}

// BuyNFT 购买，支付金额必须与挂单价格完全相等，否则不发送交易
func (g *Gateway) BuyNFT(ctx context.Context, from, nft common.Address, tokenID, valueSent *big.Int) (common.Hash, error) {
	market, err := g.MarketplaceContract()
	if err != nil {
		return common.Hash{}, err
	}
	listing, err := g.GetListing(ctx, nft, tokenID)
	if err != nil {
		return common.Hash{}, err
	}
	if !listing.Active {
		return common.Hash{}, errors.New(errors.CodeListingInactive, "")
	}
	if valueSent == nil {
		valueSent = new(big.Int)
	}
	switch valueSent.Cmp(listing.Price) {
	case -1:
		return common.Hash{}, errors.New(errors.CodeInsufficientPayment,
			fmt.Sprintf("支付 %s wei，挂单价格 %s wei", valueSent, listing.Price))
	case 1:
		return common.Hash{}, errors.New(errors.CodeOverPayment,
			fmt.Sprintf("支付 %s wei，挂单价格 %s wei", valueSent, listing.Price))
	}

	data, err := decoder.Marketplace().Pack("buyNFT", nft, tokenID)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, errors.CodeInvalidInput, "编码 buyNFT 失败")
	}
	return g.transact(ctx, "buyNFT", from, market, valueSent, data)
}

// transact 估算、构造、签名并发送交易
func (g *Gateway) transact(ctx context.Context, method string, from, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if g.signer == nil {
		return common.Hash{}, errors.New(errors.CodeSessionLost, "没有可用的签名者")
	}
	if value == nil {
		value = new(big.Int)
	}
	logger := g.logger.WithFields(logrus.Fields{"method": method, "from": from.Hex(), "to": to.Hex()})

	gas, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return common.Hash{}, g.classify(ctx, err, "估算gas失败")
	}
	gas = gas * gasMarginPercent / 100

	nonce, err := g.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, g.classify(ctx, err, "获取nonce失败")
	}

	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, g.classify(ctx, err, "获取最新区块失败")
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := g.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, g.classify(ctx, err, "获取小费建议失败")
		}
		feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   g.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      data,
		})
	} else {
		price, err := g.backend.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, g.classify(ctx, err, "获取gas价格失败")
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}

	signed, err := g.signer.SignTransaction(ctx, from, tx)
	if err != nil {
		return common.Hash{}, g.classify(ctx, err, "签名失败")
	}

	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, g.classify(ctx, err, "发送交易失败")
	}

	g.submitted.Add(1)
	logger.WithFields(logrus.Fields{"tx_hash": signed.Hash().Hex(), "nonce": nonce, "gas": gas}).Info("交易已提交")
	return signed.Hash(), nil
}

// ==================== 读操作 ====================

// GetTokenCreator 代币创作者
func (g *Gateway) GetTokenCreator(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	return g.readAddress(ctx, "getTokenCreator", tokenID)
}

// OwnerOf 代币持有者
func (g *Gateway) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	return g.readAddress(ctx, "ownerOf", tokenID)
}

// GetApproved 单个代币的授权地址
func (g *Gateway) GetApproved(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	return g.readAddress(ctx, "getApproved", tokenID)
}

// IsApprovedForAll 是否授权全部代币
func (g *Gateway) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	nft, err := g.NFTContract()
	if err != nil {
		return false, err
	}
	out, err := g.call(ctx, decoder.Token(), nft, "isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// RoyaltyInfo ERC-2981 版税信息
func (g *Gateway) RoyaltyInfo(ctx context.Context, tokenID, salePrice *big.Int) (common.Address, *big.Int, error) {
	nft, err := g.NFTContract()
	if err != nil {
		return common.Address{}, nil, err
	}
	out, err := g.call(ctx, decoder.Token(), nft, "royaltyInfo", tokenID, salePrice)
	if err != nil {
		return common.Address{}, nil, err
	}
	receiver := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	amount := abi.ConvertType(out[1], new(big.Int)).(*big.Int)
	return receiver, amount, nil
}

// TokenURI 元数据地址
func (g *Gateway) TokenURI(ctx context.Context, tokenID *big.Int) (string, error) {
	nft, err := g.NFTContract()
	if err != nil {
		return "", err
	}
	out, err := g.call(ctx, decoder.Token(), nft, "tokenURI", tokenID)
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

// BalanceOf 持有代币数量
func (g *Gateway) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	nft, err := g.NFTContract()
	if err != nil {
		return nil, err
	}
	out, err := g.call(ctx, decoder.Token(), nft, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// CollectionInfo 合集名称和符号
func (g *Gateway) CollectionInfo(ctx context.Context) (string, string, error) {
	nft, err := g.NFTContract()
	if err != nil {
		return "", "", err
	}
	name, err := g.call(ctx, decoder.Token(), nft, "name")
	if err != nil {
		return "", "", err
	}
	symbol, err := g.call(ctx, decoder.Token(), nft, "symbol")
	if err != nil {
		return "", "", err
	}
	return *abi.ConvertType(name[0], new(string)).(*string), *abi.ConvertType(symbol[0], new(string)).(*string), nil
}

// listingTuple getListing 返回的结构
type listingTuple struct {
	Seller common.Address
	Price  *big.Int
	Active bool
}

// GetListing 读取链上挂单
func (g *Gateway) GetListing(ctx context.Context, nft common.Address, tokenID *big.Int) (*models.Listing, error) {
	market, err := g.MarketplaceContract()
	if err != nil {
		return nil, err
	}
	out, err := g.call(ctx, decoder.Marketplace(), market, "getListing", nft, tokenID)
	if err != nil {
		return nil, err
	}
	tuple := *abi.ConvertType(out[0], new(listingTuple)).(*listingTuple)
	price := tuple.Price
	if price == nil {
		price = new(big.Int)
	}
	return &models.Listing{
		NFTContract: nft,
		TokenID:     new(big.Int).Set(tokenID),
		Seller:      tuple.Seller,
		Price:       price,
		Active:      tuple.Active,
		UpdatedAt:   time.Now(),
	}, nil
}

// PlatformFee 平台手续费，单位为基点
func (g *Gateway) PlatformFee(ctx context.Context) (*big.Int, error) {
	market, err := g.MarketplaceContract()
	if err != nil {
		return nil, err
	}
	out, err := g.call(ctx, decoder.Marketplace(), market, "platformFee")
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (g *Gateway) readAddress(ctx context.Context, method string, tokenID *big.Int) (common.Address, error) {
	nft, err := g.NFTContract()
	if err != nil {
		return common.Address{}, err
	}
	out, err := g.call(ctx, decoder.Token(), nft, method, tokenID)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// call 只读调用
func (g *Gateway) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "编码 "+method+" 失败")
	}
	raw, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, g.classify(ctx, err, "调用 "+method+" 失败")
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnknown, "解码 "+method+" 返回值失败")
	}
	if len(out) == 0 {
		return nil, errors.New(errors.CodeUnknown, method+" 没有返回值")
	}
	return out, nil
}

// classify 将节点和钱包错误映射为错误分类
func (g *Gateway) classify(ctx context.Context, err error, msg string) error {
	var me *errors.MarketError
	if errors.As(err, &me) {
		return me
	}
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.As(cause, &me) {
			return me
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			return errors.Wrap(err, errors.CodeTimeout, msg)
		}
		return errors.Wrap(cause, errors.CodeUnknown, msg+": 操作已取消")
	}
	if reason, ok := decoder.RevertReason(err); ok {
		g.reverted.Add(1)
		return errors.NewReverted(reason)
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "insufficient funds"):
		return errors.Wrap(err, errors.CodeInsufficientFunds, msg)
	case strings.Contains(lower, "user denied"), strings.Contains(lower, "user rejected"):
		return errors.Wrap(err, errors.CodeUserRejected, msg)
	case retry.IsRetryableError(err):
		return errors.Wrap(err, errors.CodeNetworkUnreachable, msg)
	}
	return errors.Wrap(err, errors.CodeUnknown, msg)
}

// GetStats 获取统计信息
func (g *Gateway) GetStats() map[string]interface{} {
	stats := g.decoder.GetStats()
	stats["submitted_transactions"] = g.submitted.Load()
	stats["reverted_calls"] = g.reverted.Load()
	return stats
}
