package royalty

import (
	"fmt"
	"math/big"

	"nftmarket/internal/errors"
	"nftmarket/pkg/models"
)

// BasisPointsDenominator 10000 基点 = 100%
const BasisPointsDenominator = 10000

var denominator = big.NewInt(BasisPointsDenominator)

// Split 按成交价、版税金额和平台费率拆分，整数运算，余数归卖家
// royaltyAmount 来自 ERC-2981 royaltyInfo，超过成交价时视为数据不一致
func Split(salePrice, royaltyAmount, feeBps *big.Int) (*models.RoyaltySplit, error) {
	if salePrice == nil || salePrice.Sign() < 0 {
		return nil, errors.New(errors.CodeInvalidPrice, "成交价无效")
	}
	if royaltyAmount == nil {
		royaltyAmount = new(big.Int)
	}
	if royaltyAmount.Sign() < 0 || royaltyAmount.Cmp(salePrice) > 0 {
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("版税金额 %s 超出成交价 %s", royaltyAmount, salePrice))
	}
	fee, err := FeeAmount(salePrice, feeBps)
	if err != nil {
		return nil, err
	}
	return compose(salePrice, royaltyAmount, fee)
}

// ByBasisPoints 全部按基点计算的拆分
func ByBasisPoints(salePrice *big.Int, royaltyBps, feeBps int64) (*models.RoyaltySplit, error) {
	if royaltyBps < 0 || royaltyBps > models.MaxRoyaltyBasisPoints {
		return nil, errors.New(errors.CodeRoyaltyOutOfRange, fmt.Sprintf("版税 %d 基点超出范围 [0, %d]", royaltyBps, models.MaxRoyaltyBasisPoints))
	}
	if salePrice == nil || salePrice.Sign() < 0 {
		return nil, errors.New(errors.CodeInvalidPrice, "成交价无效")
	}
	royalty := new(big.Int).Mul(salePrice, big.NewInt(royaltyBps))
	royalty.Quo(royalty, denominator)
	return Split(salePrice, royalty, big.NewInt(feeBps))
}

// FeeAmount 平台手续费，向下取整
func FeeAmount(salePrice, feeBps *big.Int) (*big.Int, error) {
	if feeBps == nil {
		return new(big.Int), nil
	}
	if feeBps.Sign() < 0 || feeBps.Cmp(denominator) > 0 {
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("平台费率 %s 基点无效", feeBps))
	}
	fee := new(big.Int).Mul(salePrice, feeBps)
	return fee.Quo(fee, denominator), nil
}

// FromSoldEvent 由 NFTSold 事件得到拆分，卖家净额为剩余部分
func FromSoldEvent(ev *models.SoldEvent) (*models.RoyaltySplit, error) {
	if ev == nil || ev.Price == nil {
		return nil, errors.New(errors.CodeInvalidInput, "成交事件缺少价格")
	}
	royalty := orZero(ev.RoyaltyAmount)
	fee := orZero(ev.PlatformFeeAmount)
	return compose(ev.Price, royalty, fee)
}

func compose(salePrice, royalty, fee *big.Int) (*models.RoyaltySplit, error) {
	net := new(big.Int).Sub(salePrice, royalty)
	net.Sub(net, fee)
	if net.Sign() < 0 {
		return nil, errors.New(errors.CodeInvalidInput,
			fmt.Sprintf("版税 %s 与平台费 %s 之和超出成交价 %s", royalty, fee, salePrice))
	}
	split := &models.RoyaltySplit{
		SalePrice:         new(big.Int).Set(salePrice),
		RoyaltyAmount:     new(big.Int).Set(royalty),
		PlatformFeeAmount: new(big.Int).Set(fee),
		SellerNetAmount:   net,
	}
	if !split.Balanced() {
		return nil, errors.New(errors.CodeUnknown, "拆分金额不平衡")
	}
	return split, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
