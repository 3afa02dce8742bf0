package gateway

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"nftmarket/internal/decoder"
	"nftmarket/internal/errors"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// WaitForOutcome 轮询回执直到确认、回滚或超时
// 轮询期间的临时RPC错误会被容忍，超时返回携带交易哈希的 TIMEOUT
func (g *Gateway) WaitForOutcome(ctx context.Context, hash common.Hash, timeout time.Duration) (*models.TransactionOutcome, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger := g.logger.WithField("tx_hash", hash.Hex())
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		outcome, err := g.Outcome(ctx, hash)
		switch {
		case err != nil:
			logger.Debugf("第 %d 次查询回执失败，继续等待: %v", attempt, err)
		case outcome.Status.IsTerminal():
			logger.WithField("status", outcome.Status.String()).Info("交易已有结果")
			return outcome, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logger.Warnf("等待确认超时 (%s)，交易可能仍会上链", timeout)
				return nil, errors.New(errors.CodeTimeout,
					fmt.Sprintf("等待交易 %s 确认超时", hash.Hex())).WithTxHash(hash.Hex())
			}
			return nil, g.classify(ctx, ctx.Err(), "等待确认被中断")
		case <-ticker.C:
		}
	}
}

// Outcome 单次查询交易结果，没有回执时为 Pending
func (g *Gateway) Outcome(ctx context.Context, hash common.Hash) (*models.TransactionOutcome, error) {
	receipt, err := g.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return models.NewPendingOutcome(hash), nil
		}
		return nil, g.classify(ctx, err, "查询回执失败")
	}
	if receipt == nil {
		return models.NewPendingOutcome(hash), nil
	}
	return g.outcomeFromReceipt(ctx, hash, receipt), nil
}

func (g *Gateway) outcomeFromReceipt(ctx context.Context, hash common.Hash, receipt *types.Receipt) *models.TransactionOutcome {
	outcome := &models.TransactionOutcome{
		Hash:       hash,
		Status:     models.TxReverted,
		GasUsed:    receipt.GasUsed,
		ResolvedAt: time.Now(),
	}
	if receipt.BlockNumber != nil {
		block := receipt.BlockNumber.Uint64()
		outcome.BlockNumber = &block
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		outcome.Status = models.TxConfirmed
		outcome.Events = g.decoder.DecodeReceipt(receipt)
	} else {
		g.reverted.Add(1)
		outcome.RevertReason = g.replayRevert(ctx, hash, receipt.BlockNumber)
	}
	return outcome
}

// replayRevert 在回执所在区块重放交易，取回 Error(string) 原因
// 取不到时返回空串
func (g *Gateway) replayRevert(ctx context.Context, hash common.Hash, block *big.Int) string {
	logger := g.logger.WithField("tx_hash", hash.Hex())
	tx, _, err := g.backend.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		logger.Debugf("查询回滚交易失败: %v", err)
		return ""
	}
	from, err := types.Sender(types.LatestSignerForChainID(g.chainID), tx)
	if err != nil {
		logger.Debugf("恢复交易发送方失败: %v", err)
		return ""
	}
	msg := ethereum.CallMsg{From: from, To: tx.To(), Gas: tx.Gas(), Value: tx.Value(), Data: tx.Data()}
	_, err = g.backend.CallContract(ctx, msg, block)
	reason, ok := decoder.RevertReason(err)
	if !ok {
		logger.Debug("重放交易没有得到回滚原因")
		return ""
	}
	return reason
}

// Head 最新区块高度
func (g *Gateway) Head(ctx context.Context) (uint64, error) {
	n, err := g.backend.BlockNumber(ctx)
	if err != nil {
		return 0, g.classify(ctx, err, "获取区块高度失败")
	}
	return n, nil
}

// SoldEvents 查询区块范围内市场合约的 NFTSold 事件
func (g *Gateway) SoldEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*models.SoldEvent, error) {
	market, err := g.MarketplaceContract()
	if err != nil {
		return nil, err
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{market},
		Topics:    [][]common.Hash{{decoder.Marketplace().Events[string(models.EventSold)].ID}},
	}
	logs, err := g.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, g.classify(ctx, err, "查询成交事件失败")
	}

	sold := make([]*models.SoldEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := g.decoder.DecodeLog(lg)
		if err != nil {
			g.logger.Warnf("跳过无法解码的成交事件 %s: %v", lg.TxHash.Hex(), err)
			continue
		}
		if s, ok := ev.(*models.SoldEvent); ok {
			sold = append(sold, s)
		}
	}
	return sold, nil
}
