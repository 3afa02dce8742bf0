package workflow

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"nftmarket/internal/errors"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// MintResult 铸造结果
type MintResult struct {
	Run      *Run                       `json:"run"`
	TokenID  *big.Int                   `json:"token_id,omitempty"`
	ImageURI string                     `json:"image_uri,omitempty"`
	TokenURI string                     `json:"token_uri,omitempty"`
	Outcome  *models.TransactionOutcome `json:"outcome,omitempty"`
}

// Mint 校验、上传资源和元数据、提交铸造并等待确认
// 任一步失败即结束，不跨步骤自动重试，重新运行从校验开始
func (s *Service) Mint(ctx context.Context, req *models.MintRequest, progress Progress) (*MintResult, error) {
	run, err := s.begin(NameMint, progress)
	result := &MintResult{Run: run}
	if err != nil {
		return result, s.fail(run, err, nil)
	}

	var mediaType string
	err = s.step(ctx, run, StateValidatingInput, func(ctx context.Context) error {
		checked := s.deps.Validator.ValidateMintRequest(req)
		if err := checked.Err(); err != nil {
			return err
		}
		for _, w := range checked.Warnings {
			run.logger.Warn(w)
		}
		mediaType = checked.MediaType
		_, err := s.deps.Chain.NFTContract()
		return err
	})
	if err != nil {
		return result, s.fail(run, err, nil)
	}

	err = s.step(ctx, run, StateUploadingAsset, func(ctx context.Context) error {
		cid, err := s.deps.Uploader.Upload(ctx, req.Asset, mediaType)
		if err != nil {
			return err
		}
		result.ImageURI = models.ContentURI(cid)
		s.deps.Metrics.AssetUploaded("asset", len(req.Asset))
		return nil
	})
	if err != nil {
		return result, s.fail(run, err, nil)
	}

	err = s.step(ctx, run, StateUploadingMetadata, func(ctx context.Context) error {
		meta := models.AssetMetadata{
			Name:               strings.TrimSpace(req.Title),
			Description:        strings.TrimSpace(req.Description),
			Image:              result.ImageURI,
			RoyaltyBasisPoints: req.RoyaltyBasisPoints,
		}
		cid, err := s.deps.Uploader.UploadMetadata(ctx, meta)
		if err != nil {
			return err
		}
		result.TokenURI = models.ContentURI(cid)
		return nil
	})
	if err != nil {
		return result, s.fail(run, err, nil)
	}

	var hash common.Hash
	err = s.step(ctx, run, StateSubmittingMint, func(ctx context.Context) error {
		if err := s.checkMintInFlight(run, result.TokenURI); err != nil {
			return err
		}
		h, err := s.submit(ctx, run, models.KindMint, "mintNFT",
			models.JournalEntry{TokenURI: result.TokenURI},
			func(ctx context.Context) (common.Hash, error) {
				return s.deps.Chain.Mint(ctx, run.Account, run.Account, result.TokenURI, req.RoyaltyBasisPoints)
			})
		hash = h
		return err
	})
	if err != nil {
		return result, s.fail(run, err, mintRecord(result))
	}

	run.transition(StateAwaitingConfirmation)
	outcome, err := s.await(ctx, run, "mintNFT", hash)
	result.Outcome = outcome
	if err != nil {
		return result, s.fail(run, err, mintRecord(result))
	}

	tokenID, ok := mintedTokenID(outcome, run.Account)
	if !ok {
		err := errors.New(errors.CodeUnknown, "铸造交易已确认但没有找到 NFTMinted 事件").WithTxHash(hash.Hex())
		return result, s.fail(run, err, mintRecord(result))
	}
	result.TokenID = tokenID
	s.finish(run, StateMinted, nil, mintRecord(result))
	return result, nil
}

// checkMintInFlight 同一账户相同 tokenURI 的铸造尚未确认时拒绝重复提交
func (s *Service) checkMintInFlight(run *Run, tokenURI string) error {
	if s.deps.Journal == nil {
		return nil
	}
	entry, found, err := s.deps.Journal.FindUnresolvedMint(run.Account, tokenURI)
	if err != nil {
		run.logger.WithError(err).Warn("查询交易日志失败，跳过重复铸造检查")
		return nil
	}
	if !found {
		return nil
	}
	return errors.New(errors.CodeMintInFlight,
		fmt.Sprintf("相同内容的铸造交易 %s 尚未确认，请先复查", entry.TxHash.Hex())).WithTxHash(entry.TxHash.Hex())
}

// mintedTokenID 优先取 NFTMinted 事件，其次取从零地址发出的 Transfer
func mintedTokenID(outcome *models.TransactionOutcome, account common.Address) (*big.Int, bool) {
	if ev, ok := models.FirstEvent[*models.MintedEvent](outcome); ok && ev.TokenID != nil {
		return ev.TokenID, true
	}
	for _, ev := range outcome.Events {
		if transfer, ok := ev.(*models.TransferEvent); ok && transfer.From == (common.Address{}) && transfer.To == account {
			return transfer.TokenID, true
		}
	}
	return nil, false
}

func mintRecord(result *MintResult) func(*models.WorkflowRecord) {
	return func(r *models.WorkflowRecord) {
		r.TokenID = result.TokenID
		r.TokenURI = result.TokenURI
	}
}

// fail 以 Failed 结束，已提交交易超时的情况记为 TimedOut
func (s *Service) fail(run *Run, err error, fill func(*models.WorkflowRecord)) error {
	s.finish(run, StateFailed, err, fill)
	return err
}
