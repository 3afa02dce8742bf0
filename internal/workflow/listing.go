package workflow

import (
	"context"
	"fmt"
	"math/big"

	"nftmarket/internal/errors"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// ListRequest 挂单请求，只支持配置的代币合约
type ListRequest struct {
	TokenID *big.Int `json:"token_id"`
	Price   *big.Int `json:"price"` // wei
}

// ListResult 挂单结果
type ListResult struct {
	Run             *Run                       `json:"run"`
	Listing         *models.Listing            `json:"listing,omitempty"`
	ApprovalOutcome *models.TransactionOutcome `json:"approval_outcome,omitempty"`
	Outcome         *models.TransactionOutcome `json:"outcome,omitempty"`
}

// List 检查所有权和授权，必要时先授权市场合约，再挂单
// 授权与挂单严格先后执行，授权确认之前不会提交挂单
func (s *Service) List(ctx context.Context, req *ListRequest, progress Progress) (*ListResult, error) {
	run, err := s.begin(NameList, progress)
	result := &ListResult{Run: run}
	if err != nil {
		return result, s.fail(run, err, nil)
	}

	var nft, market common.Address
	err = s.step(ctx, run, StateCheckingOwnership, func(ctx context.Context) error {
		if req == nil {
			return errors.New(errors.CodeInvalidInput, "挂单请求为空")
		}
		v := s.deps.Validator
		if err := v.ValidateTokenID(req.TokenID).Err(); err != nil {
			return err
		}
		if err := v.ValidatePrice(req.Price).Err(); err != nil {
			return err
		}
		var err error
		if nft, err = s.deps.Chain.NFTContract(); err != nil {
			return err
		}
		if market, err = s.deps.Chain.MarketplaceContract(); err != nil {
			return err
		}
		owner, err := s.deps.Chain.OwnerOf(ctx, req.TokenID)
		if err != nil {
			return err
		}
		if owner != run.Account {
			return errors.New(errors.CodeNotOwner,
				fmt.Sprintf("token %s 的持有者是 %s", req.TokenID, owner.Hex()))
		}
		return nil
	})
	if err != nil {
		return result, s.fail(run, err, nil)
	}

	var approved bool
	err = s.step(ctx, run, StateCheckingApproval, func(ctx context.Context) error {
		all, err := s.deps.Chain.IsApprovedForAll(ctx, run.Account, market)
		if err != nil {
			return err
		}
		if all {
			approved = true
			return nil
		}
		operator, err := s.deps.Chain.GetApproved(ctx, req.TokenID)
		if err != nil {
			return err
		}
		approved = operator == market
		return nil
	})
	if err != nil {
		return result, s.fail(run, err, nil)
	}

	if !approved {
		outcome, err := s.approve(ctx, run, nft, market, req.TokenID)
		result.ApprovalOutcome = outcome
		if err != nil {
			return result, s.fail(run, err, nil)
		}
	}

	var hash common.Hash
	err = s.step(ctx, run, StateSubmittingListing, func(ctx context.Context) error {
		h, err := s.submit(ctx, run, models.KindList, "listNFT",
			models.JournalEntry{NFTContract: &nft, TokenID: req.TokenID},
			func(ctx context.Context) (common.Hash, error) {
				return s.deps.Chain.ListNFT(ctx, run.Account, nft, req.TokenID, req.Price)
			})
		hash = h
		return err
	})
	if err != nil {
		return result, s.fail(run, err, tokenRecord(req.TokenID))
	}

	run.transition(StateAwaitingConfirmation)
	outcome, err := s.await(ctx, run, "listNFT", hash)
	result.Outcome = outcome
	if err != nil {
		return result, s.fail(run, err, tokenRecord(req.TokenID))
	}

	listing := &models.Listing{NFTContract: nft, TokenID: req.TokenID, Seller: run.Account, Price: req.Price, Active: true}
	if ev, ok := models.FirstEvent[*models.ListedEvent](outcome); ok {
		listing = &models.Listing{NFTContract: ev.NFTContract, TokenID: ev.TokenID, Seller: ev.Seller, Price: ev.Price, Active: true}
	}
	result.Listing = listing
	s.finish(run, StateListed, nil, tokenRecord(req.TokenID))
	return result, nil
}

// approve 提交授权并等待确认
// 授权确认属于挂单前的步骤，会话失效时整个挂单以 SessionLost 结束
func (s *Service) approve(ctx context.Context, run *Run, nft, market common.Address, tokenID *big.Int) (*models.TransactionOutcome, error) {
	method := "approve"
	kind := models.KindApprove
	if s.opts.ApprovalMode == ApprovalAll {
		method = "setApprovalForAll"
	}

	var hash common.Hash
	err := s.step(ctx, run, StateSubmittingApproval, func(ctx context.Context) error {
		h, err := s.submit(ctx, run, kind, method,
			models.JournalEntry{NFTContract: &nft, TokenID: tokenID},
			func(ctx context.Context) (common.Hash, error) {
				if s.opts.ApprovalMode == ApprovalAll {
					return s.deps.Chain.SetApprovalForAll(ctx, run.Account, market, true)
				}
				return s.deps.Chain.Approve(ctx, run.Account, market, tokenID)
			})
		hash = h
		return err
	})
	if err != nil {
		return nil, err
	}

	var outcome *models.TransactionOutcome
	err = s.step(ctx, run, StateAwaitingApproval, func(ctx context.Context) error {
		var err error
		outcome, err = s.await(ctx, run, method, hash)
		return err
	})
	return outcome, err
}

// CancelRequest 取消挂单请求，NFTContract 为空时使用配置的代币合约
type CancelRequest struct {
	NFTContract *common.Address `json:"nft_contract,omitempty"`
	TokenID     *big.Int        `json:"token_id"`
}

// CancelResult 取消结果
type CancelResult struct {
	Run     *Run                       `json:"run"`
	Listing *models.Listing            `json:"listing,omitempty"`
	Outcome *models.TransactionOutcome `json:"outcome,omitempty"`
}

// Cancel 取消自己的挂单，挂单无效或不是卖家时不提交交易
func (s *Service) Cancel(ctx context.Context, req *CancelRequest, progress Progress) (*CancelResult, error) {
	run, err := s.begin(NameCancel, progress)
	result := &CancelResult{Run: run}
	if err != nil {
		return result, s.fail(run, err, nil)
	}

	var nft common.Address
	err = s.step(ctx, run, StateCheckingListing, func(ctx context.Context) error {
		if req == nil {
			return errors.New(errors.CodeInvalidInput, "撤单请求为空")
		}
		if err := s.deps.Validator.ValidateTokenID(req.TokenID).Err(); err != nil {
			return err
		}
		var err error
		if nft, err = s.resolveNFT(req.NFTContract); err != nil {
			return err
		}
		listing, err := s.readListing(ctx, nft, req.TokenID)
		if err != nil {
			return err
		}
		result.Listing = listing
		if !listing.Active {
			return errors.New(errors.CodeListingInactive, fmt.Sprintf("token %s 没有有效挂单", req.TokenID))
		}
		if listing.Seller != run.Account {
			return errors.New(errors.CodeNotSeller,
				fmt.Sprintf("挂单卖家是 %s，当前账户不能取消", listing.Seller.Hex()))
		}
		return nil
	})
	if err != nil {
		return result, s.fail(run, err, nil)
	}

	var hash common.Hash
	err = s.step(ctx, run, StateSubmittingCancel, func(ctx context.Context) error {
		h, err := s.submit(ctx, run, models.KindCancel, "cancelListing",
			models.JournalEntry{NFTContract: &nft, TokenID: req.TokenID},
			func(ctx context.Context) (common.Hash, error) {
				return s.deps.Chain.CancelListing(ctx, run.Account, nft, req.TokenID)
			})
		hash = h
		return err
	})
	if err != nil {
		return result, s.fail(run, err, tokenRecord(req.TokenID))
	}

	run.transition(StateAwaitingConfirmation)
	outcome, err := s.await(ctx, run, "cancelListing", hash)
	result.Outcome = outcome
	if err != nil {
		return result, s.fail(run, err, tokenRecord(req.TokenID))
	}

	if result.Listing != nil {
		cancelled := *result.Listing
		cancelled.Active = false
		result.Listing = &cancelled
	}
	s.finish(run, StateCancelled, nil, tokenRecord(req.TokenID))
	return result, nil
}

// resolveNFT 请求未指定合约时使用配置的代币合约
func (s *Service) resolveNFT(nft *common.Address) (common.Address, error) {
	if nft != nil && *nft != (common.Address{}) {
		return *nft, nil
	}
	return s.deps.Chain.NFTContract()
}

// readListing 读取链上挂单并刷新本地缓存
func (s *Service) readListing(ctx context.Context, nft common.Address, tokenID *big.Int) (*models.Listing, error) {
	listing, err := s.deps.Chain.GetListing(ctx, nft, tokenID)
	if err != nil {
		return nil, err
	}
	s.cacheListing(ctx, listing)
	return listing, nil
}

func (s *Service) cacheListing(ctx context.Context, listing *models.Listing) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.Put(ctx, listing); err != nil {
		s.logger.WithError(err).Warn("写入挂单缓存失败")
	}
}

func tokenRecord(tokenID *big.Int) func(*models.WorkflowRecord) {
	return func(r *models.WorkflowRecord) {
		r.TokenID = tokenID
	}
}
