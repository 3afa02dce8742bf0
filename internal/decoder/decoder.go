package decoder

import (
	"fmt"
	"math/big"
	"sync/atomic"

	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// Decoder 回执日志和交易输入解码器
// 只解码来自已配置合约的日志，其他合约的同名事件 (如 ERC-20 Transfer) 会被忽略
type Decoder struct {
	logger      *logrus.Entry
	nft         common.Address
	marketplace common.Address

	decoded atomic.Int64
	skipped atomic.Int64
}

// NewDecoder 创建解码器，地址为零值时接受任意合约的日志
func NewDecoder(nft, marketplace common.Address, logger *logrus.Logger) *Decoder {
	return &Decoder{
		logger:      logger.WithField("component", "decoder"),
		nft:         nft,
		marketplace: marketplace,
	}
}

// DecodeReceipt 解码回执中所有可识别的事件，按日志顺序返回
func (d *Decoder) DecodeReceipt(receipt *types.Receipt) []models.DecodedEvent {
	if receipt == nil {
		return nil
	}
	events := make([]models.DecodedEvent, 0, len(receipt.Logs))
	for _, lg := range receipt.Logs {
		ev, err := d.DecodeLog(*lg)
		if err != nil {
			d.skipped.Add(1)
			d.logger.Debugf("跳过无法解码的日志 %s#%d: %v", lg.TxHash.Hex(), lg.Index, err)
			continue
		}
		if ev == nil {
			d.skipped.Add(1)
			continue
		}
		d.decoded.Add(1)
		events = append(events, ev)
	}
	return events
}

// DecodeLog 解码单条日志；不是目标合约或不是已知事件时返回 nil, nil
func (d *Decoder) DecodeLog(lg types.Log) (models.DecodedEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}

	var contract abi.ABI
	switch {
	case d.matches(d.nft, lg.Address):
		contract = tokenABI
	case d.matches(d.marketplace, lg.Address):
		contract = marketplaceABI
	default:
		return nil, nil
	}

	event, err := contract.EventByID(lg.Topics[0])
	if err != nil {
		// 同一地址可能同时是两种合约 (零地址配置时)
		if d.nft == (common.Address{}) && d.marketplace == (common.Address{}) {
			event, err = marketplaceABI.EventByID(lg.Topics[0])
		}
		if err != nil {
			return nil, nil
		}
	}

	fields := make(map[string]interface{})
	if err := event.Inputs.UnpackIntoMap(fields, lg.Data); err != nil {
		return nil, fmt.Errorf("解码 %s 数据失败: %w", event.Name, err)
	}
	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(lg.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%s 主题数量不匹配: %d", event.Name, len(lg.Topics)-1)
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("解码 %s 主题失败: %w", event.Name, err)
	}

	meta := models.EventMeta{
		Event:       models.EventName(event.Name),
		Contract:    lg.Address,
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
	}
	return buildEvent(meta, fields)
}

func (d *Decoder) matches(configured, addr common.Address) bool {
	return configured == (common.Address{}) || configured == addr
}

// buildEvent 构造强类型事件
func buildEvent(meta models.EventMeta, f map[string]interface{}) (models.DecodedEvent, error) {
	var err error
	addr := func(key string) common.Address {
		v, ok := f[key].(common.Address)
		if !ok && err == nil {
			err = fmt.Errorf("%s 字段 %s 类型错误", meta.Event, key)
		}
		return v
	}
	num := func(key string) *big.Int {
		v, ok := f[key].(*big.Int)
		if !ok && err == nil {
			err = fmt.Errorf("%s 字段 %s 类型错误", meta.Event, key)
		}
		return v
	}

	var ev models.DecodedEvent
	switch meta.Event {
	case models.EventMinted:
		uri, _ := f["tokenURI"].(string)
		ev = &models.MintedEvent{EventMeta: meta, TokenID: num("tokenId"), Creator: addr("creator"), TokenURI: uri, RoyaltyFee: num("royaltyFee")}
	case models.EventTransfer:
		ev = &models.TransferEvent{EventMeta: meta, From: addr("from"), To: addr("to"), TokenID: num("tokenId")}
	case models.EventApproval:
		ev = &models.ApprovalEvent{EventMeta: meta, Owner: addr("owner"), Approved: addr("approved"), TokenID: num("tokenId")}
	case models.EventApprovalForAll:
		approved, _ := f["approved"].(bool)
		ev = &models.ApprovalForAllEvent{EventMeta: meta, Owner: addr("owner"), Operator: addr("operator"), Approved: approved}
	case models.EventListed:
		ev = &models.ListedEvent{EventMeta: meta, NFTContract: addr("nftContract"), TokenID: num("tokenId"), Seller: addr("seller"), Price: num("price")}
	case models.EventSold:
		ev = &models.SoldEvent{
			EventMeta:         meta,
			NFTContract:       addr("nftContract"),
			TokenID:           num("tokenId"),
			Seller:            addr("seller"),
			Buyer:             addr("buyer"),
			Price:             num("price"),
			RoyaltyAmount:     num("royaltyAmount"),
			PlatformFeeAmount: num("platformFeeAmount"),
		}
	case models.EventListingCancelled:
		ev = &models.ListingCancelledEvent{EventMeta: meta, NFTContract: addr("nftContract"), TokenID: num("tokenId"), Seller: addr("seller")}
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// DecodeInput 解码交易输入数据，返回方法名和参数
func (d *Decoder) DecodeInput(data []byte) (string, map[string]interface{}, bool) {
	if len(data) < 4 {
		return "", nil, false
	}
	for _, contract := range []abi.ABI{tokenABI, marketplaceABI} {
		method, err := contract.MethodById(data[:4])
		if err != nil {
			continue
		}
		args := make(map[string]interface{})
		if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
			d.logger.Debugf("解码 %s 参数失败: %v", method.Name, err)
			return method.Name, nil, true
		}
		return method.Name, args, true
	}
	return "", nil, false
}

// GetStats 获取解码统计信息
func (d *Decoder) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"decoded_events": d.decoded.Load(),
		"skipped_logs":   d.skipped.Load(),
	}
}
