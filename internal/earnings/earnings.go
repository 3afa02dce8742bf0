package earnings

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"nftmarket/internal/journal"
	"nftmarket/internal/logging"
	"nftmarket/internal/royalty"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// DefaultBatchSize 单次 eth_getLogs 查询的区块跨度
const DefaultBatchSize uint64 = 2000

// Source 链上数据来源，由 gateway.Gateway 实现
type Source interface {
	NFTContract() (common.Address, error)
	Head(ctx context.Context) (uint64, error)
	SoldEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*models.SoldEvent, error)
	GetTokenCreator(ctx context.Context, tokenID *big.Int) (common.Address, error)
}

// Options 同步参数
type Options struct {
	StartBlock uint64 // 没有检查点时的起始区块，通常为市场合约部署区块
	BatchSize  uint64
}

// SyncResult 一次同步的结果
type SyncResult struct {
	FromBlock   uint64 `json:"from_block"`
	ToBlock     uint64 `json:"to_block"`
	SalesSeen   int    `json:"sales_seen"`
	NewPayments int    `json:"new_payments"`
}

// Tracker 创作者版税收入跟踪
type Tracker struct {
	source  Source
	journal *journal.Journal
	opts    Options
	logger  *logrus.Entry

	// 同一创作者的同步互斥
	locks sync.Map
}

// NewTracker 创建版税跟踪器
func NewTracker(source Source, j *journal.Journal, opts Options, logger *logrus.Logger) *Tracker {
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Tracker{
		source:  source,
		journal: j,
		opts:    opts,
		logger:  logging.NewComponentLogger(logger, "earnings"),
	}
}

func checkpointName(creator common.Address) string {
	return "earnings:" + creator.Hex()
}

func (t *Tracker) lock(creator common.Address) func() {
	v, _ := t.locks.LoadOrStore(creator, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Sync 从检查点扫描到最新区块，保存属于该创作者的成交
// 每批处理完才推进检查点，中途失败时下次从失败的批次重新开始
func (t *Tracker) Sync(ctx context.Context, creator common.Address) (*SyncResult, error) {
	unlock := t.lock(creator)
	defer unlock()

	checkpoint, err := t.journal.Checkpoint(checkpointName(creator))
	if err != nil {
		return nil, fmt.Errorf("读取同步检查点失败: %w", err)
	}
	from := t.opts.StartBlock
	if checkpoint > 0 {
		from = checkpoint + 1
	}

	head, err := t.source.Head(ctx)
	if err != nil {
		return nil, err
	}
	result := &SyncResult{FromBlock: from, ToBlock: head}
	if from > head {
		return result, nil
	}
	nft, err := t.source.NFTContract()
	if err != nil {
		return nil, err
	}

	creators := make(map[string]common.Address)
	for start := from; start <= head; start += t.opts.BatchSize {
		end := start + t.opts.BatchSize - 1
		if end > head {
			end = head
		}

		events, err := t.source.SoldEvents(ctx, start, end)
		if err != nil {
			return result, err
		}
		for _, ev := range events {
			result.SalesSeen++
			inserted, err := t.record(ctx, nft, creator, ev, creators)
			if err != nil {
				return result, err
			}
			if inserted {
				result.NewPayments++
			}
		}

		if err := t.journal.SetCheckpoint(checkpointName(creator), end); err != nil {
			return result, fmt.Errorf("保存同步检查点失败: %w", err)
		}
	}

	t.logger.WithFields(logrus.Fields{
		"creator":      creator.Hex(),
		"from_block":   result.FromBlock,
		"to_block":     result.ToBlock,
		"sales_seen":   result.SalesSeen,
		"new_payments": result.NewPayments,
	}).Info("版税收入同步完成")
	return result, nil
}

// record 只统计本平台代币合约的成交，其他合约的 tokenId 与本合约的创作者无关
func (t *Tracker) record(ctx context.Context, nft, creator common.Address, ev *models.SoldEvent, creators map[string]common.Address) (bool, error) {
	if ev.NFTContract != nft {
		t.logger.WithFields(logrus.Fields{
			"nft_contract": ev.NFTContract.Hex(),
			"tx_hash":      ev.TxHash.Hex(),
		}).Debug("非本平台合约的成交，已跳过")
		return false, nil
	}
	key := models.ListingKey(ev.NFTContract, ev.TokenID)
	tokenCreator, ok := creators[key]
	if !ok {
		var err error
		tokenCreator, err = t.source.GetTokenCreator(ctx, ev.TokenID)
		if err != nil {
			return false, err
		}
		creators[key] = tokenCreator
	}
	if tokenCreator != creator {
		return false, nil
	}

	split, err := royalty.FromSoldEvent(ev)
	if err != nil {
		// 事件金额不一致时跳过，不阻塞后续同步
		t.logger.WithError(err).WithField("tx_hash", ev.TxHash.Hex()).Warn("成交事件金额不一致，已跳过")
		return false, nil
	}

	return t.journal.SaveRoyalty(&models.RoyaltyPayment{
		NFTContract: ev.NFTContract,
		TokenID:     ev.TokenID,
		TxHash:      ev.TxHash,
		BlockNumber: ev.BlockNumber,
		Creator:     creator,
		Seller:      ev.Seller,
		Buyer:       ev.Buyer,
		Split:       *split,
	})
}

// Record 直接记录一次已确认的成交，购买流程完成后调用
func (t *Tracker) Record(ctx context.Context, ev *models.SoldEvent) (bool, error) {
	nft, err := t.source.NFTContract()
	if err != nil {
		return false, err
	}
	if ev.NFTContract != nft {
		return t.record(ctx, nft, common.Address{}, ev, nil)
	}
	creator, err := t.source.GetTokenCreator(ctx, ev.TokenID)
	if err != nil {
		return false, err
	}
	return t.record(ctx, nft, creator, ev, map[string]common.Address{models.ListingKey(ev.NFTContract, ev.TokenID): creator})
}

// Summary 汇总本地已保存的版税收入
func (t *Tracker) Summary(creator common.Address) (*models.EarningsSummary, error) {
	payments, err := t.journal.Royalties(creator)
	if err != nil {
		return nil, err
	}
	lastBlock, err := t.journal.Checkpoint(checkpointName(creator))
	if err != nil {
		return nil, err
	}

	summary := &models.EarningsSummary{
		Creator:      creator,
		TotalRoyalty: new(big.Int),
		SalesCount:   len(payments),
		LastBlock:    lastBlock,
		Payments:     payments,
	}
	for _, p := range payments {
		if p.Split.RoyaltyAmount != nil {
			summary.TotalRoyalty.Add(summary.TotalRoyalty, p.Split.RoyaltyAmount)
		}
		if p.BlockNumber > summary.LastBlock {
			summary.LastBlock = p.BlockNumber
		}
	}
	return summary, nil
}
