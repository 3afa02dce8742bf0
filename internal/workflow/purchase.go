package workflow

import (
	"context"
	"fmt"
	"math/big"

	"nftmarket/internal/errors"
	"nftmarket/internal/royalty"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// PurchaseRequest 购买请求
// ExpectedPrice 为界面展示的价格，为空时使用本地挂单缓存；Value 为空时按链上价格付款
type PurchaseRequest struct {
	NFTContract   *common.Address `json:"nft_contract,omitempty"`
	TokenID       *big.Int        `json:"token_id"`
	ExpectedPrice *big.Int        `json:"expected_price,omitempty"`
	Value         *big.Int        `json:"value,omitempty"`
}

// PurchaseResult 购买结果
type PurchaseResult struct {
	Run     *Run                       `json:"run"`
	Listing *models.Listing            `json:"listing,omitempty"`
	Split   *models.RoyaltySplit       `json:"split,omitempty"`
	Outcome *models.TransactionOutcome `json:"outcome,omitempty"`
}

// Purchase 核对挂单后按挂单价格购买，确认后从 NFTSold 事件得到金额拆分
func (s *Service) Purchase(ctx context.Context, req *PurchaseRequest, progress Progress) (*PurchaseResult, error) {
	run, err := s.begin(NamePurchase, progress)
	result := &PurchaseResult{Run: run}
	if err != nil {
		return result, s.fail(run, err, nil)
	}

	var nft common.Address
	err = s.step(ctx, run, StateCheckingListing, func(ctx context.Context) error {
		if req == nil {
			return errors.New(errors.CodeInvalidInput, "购买请求为空")
		}
		if err := s.deps.Validator.ValidateTokenID(req.TokenID).Err(); err != nil {
			return err
		}
		var err error
		if nft, err = s.resolveNFT(req.NFTContract); err != nil {
			return err
		}

		expected := req.ExpectedPrice
		if expected == nil && s.deps.Cache != nil {
			if cached, err := s.deps.Cache.Get(ctx, nft, req.TokenID); err == nil && cached.Active {
				expected = cached.Price
			}
		}

		// 价格不一致时不刷新缓存，否则重试同一请求会按新价格付款
		listing, err := s.deps.Chain.GetListing(ctx, nft, req.TokenID)
		if err != nil {
			return err
		}
		result.Listing = listing
		if listing.Active && expected != nil && expected.Cmp(listing.Price) != 0 {
			return errors.NewListingPriceChanged(expected, listing.Price)
		}
		s.cacheListing(ctx, listing)
		if !listing.Active {
			return errors.New(errors.CodeListingInactive, fmt.Sprintf("token %s 没有有效挂单", req.TokenID))
		}
		return nil
	})
	if err != nil {
		return result, s.fail(run, err, nil)
	}

	value := result.Listing.Price
	if req.Value != nil {
		value = req.Value
	}

	var hash common.Hash
	err = s.step(ctx, run, StateSubmittingPurchase, func(ctx context.Context) error {
		h, err := s.submit(ctx, run, models.KindPurchase, "buyNFT",
			models.JournalEntry{NFTContract: &nft, TokenID: req.TokenID},
			func(ctx context.Context) (common.Hash, error) {
				return s.deps.Chain.BuyNFT(ctx, run.Account, nft, req.TokenID, value)
			})
		hash = h
		return err
	})
	if err != nil {
		return result, s.fail(run, err, tokenRecord(req.TokenID))
	}

	run.transition(StateAwaitingConfirmation)
	outcome, err := s.await(ctx, run, "buyNFT", hash)
	result.Outcome = outcome
	if err != nil {
		return result, s.fail(run, err, tokenRecord(req.TokenID))
	}

	sold, ok := models.FirstEvent[*models.SoldEvent](outcome)
	if !ok {
		err := errors.New(errors.CodeUnknown, "购买交易已确认但没有找到 NFTSold 事件").WithTxHash(hash.Hex())
		return result, s.fail(run, err, tokenRecord(req.TokenID))
	}
	split, err := royalty.FromSoldEvent(sold)
	if err != nil {
		return result, s.fail(run, errors.From(err).WithTxHash(hash.Hex()), tokenRecord(req.TokenID))
	}
	result.Split = split

	if s.deps.Earnings != nil {
		if _, err := s.deps.Earnings.Record(ctx, sold); err != nil {
			run.logger.WithError(err).Warn("记录版税收入失败，可稍后通过同步补齐")
		}
	}

	s.finish(run, StatePurchased, nil, func(r *models.WorkflowRecord) {
		r.TokenID = req.TokenID
		r.Split = split
	})
	return result, nil
}

// Quote 预估当前挂单成交后的金额拆分，余数归卖家
func (s *Service) Quote(ctx context.Context, nftContract *common.Address, tokenID *big.Int) (*models.RoyaltySplit, error) {
	if tokenID == nil {
		return nil, errors.New(errors.CodeInvalidInput, "tokenId 无效")
	}
	nft, err := s.resolveNFT(nftContract)
	if err != nil {
		return nil, err
	}
	listing, err := s.readListing(ctx, nft, tokenID)
	if err != nil {
		return nil, err
	}
	if !listing.Active {
		return nil, errors.New(errors.CodeListingInactive, fmt.Sprintf("token %s 没有有效挂单", tokenID))
	}

	_, royaltyAmount, err := s.deps.Chain.RoyaltyInfo(ctx, tokenID, listing.Price)
	if err != nil {
		return nil, err
	}
	feeBps, err := s.deps.Chain.PlatformFee(ctx)
	if err != nil {
		return nil, err
	}
	return royalty.Split(listing.Price, royaltyAmount, feeBps)
}

// Recheck 手动复查一笔交易，没有回执时仍为 Pending
func (s *Service) Recheck(ctx context.Context, hash common.Hash) (*models.TransactionOutcome, error) {
	outcome, err := s.deps.Chain.Outcome(ctx, hash)
	if err != nil {
		return nil, err
	}

	logger := s.logger.WithFields(logrus.Fields{"component": "recheck", "tx_hash": hash.Hex()})
	if !outcome.Status.IsTerminal() {
		logger.Info("交易仍未确认")
		return outcome, nil
	}

	if s.deps.Journal != nil {
		if _, err := s.deps.Journal.Resolve(hash, outcome.Status, outcome.BlockNumber); err != nil {
			logger.WithError(err).Debug("交易日志中没有该交易")
		}
	}
	if outcome.Status == models.TxConfirmed {
		if s.deps.Cache != nil {
			if err := s.deps.Cache.ApplyAll(ctx, outcome); err != nil {
				logger.WithError(err).Warn("更新挂单缓存失败")
			}
		}
		if s.deps.Earnings != nil {
			if sold, ok := models.FirstEvent[*models.SoldEvent](outcome); ok {
				if _, err := s.deps.Earnings.Record(ctx, sold); err != nil {
					logger.WithError(err).Warn("记录版税收入失败")
				}
			}
		}
	}
	logger.WithField("status", outcome.Status.String()).Info("交易复查完成")
	return outcome, nil
}

// Pending 交易日志中尚未确认的交易
func (s *Service) Pending() ([]*models.JournalEntry, error) {
	if s.deps.Journal == nil {
		return nil, nil
	}
	return s.deps.Journal.Unresolved()
}
