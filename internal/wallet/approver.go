package wallet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ApprovalRequest 待用户确认的签名请求
type ApprovalRequest struct {
	Connector string
	Account   common.Address
	To        *common.Address
	Value     *big.Int
	Data      []byte
	ChainID   *big.Int
}

// NewApprovalRequest 由交易生成确认请求
func NewApprovalRequest(connector string, account common.Address, tx *types.Transaction, chainID *big.Int) ApprovalRequest {
	return ApprovalRequest{
		Connector: connector,
		Account:   account,
		To:        tx.To(),
		Value:     tx.Value(),
		Data:      tx.Data(),
		ChainID:   chainID,
	}
}

// Approver 每次签名前的确认
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApproverFunc 函数形式的 Approver
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

// AutoApprove 自动同意，界面层已经确认过时使用
var AutoApprove Approver = ApproverFunc(func(ctx context.Context, req ApprovalRequest) (bool, error) {
	return true, nil
})

// PromptApprover 终端交互确认 (y/N)
type PromptApprover struct {
	In  io.Reader
	Out io.Writer
	// Describe 可选，将调用数据渲染为可读的方法名
	Describe func(data []byte) string
}

// Approve 打印交易摘要并等待输入
func (p *PromptApprover) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	to := "(合约创建)"
	if req.To != nil {
		to = req.To.Hex()
	}
	method := ""
	if p.Describe != nil {
		method = p.Describe(req.Data)
	}
	if method == "" && len(req.Data) >= 4 {
		method = fmt.Sprintf("0x%x", req.Data[:4])
	}

	fmt.Fprintf(p.Out, "\n签名请求 (%s)\n", req.Connector)
	fmt.Fprintf(p.Out, "  账户:   %s\n", req.Account.Hex())
	fmt.Fprintf(p.Out, "  目标:   %s\n", to)
	if method != "" {
		fmt.Fprintf(p.Out, "  方法:   %s\n", method)
	}
	if req.Value != nil && req.Value.Sign() > 0 {
		fmt.Fprintf(p.Out, "  金额:   %s wei\n", req.Value)
	}
	fmt.Fprintf(p.Out, "  链ID:   %s\n", req.ChainID)
	fmt.Fprint(p.Out, "确认签名? [y/N]: ")

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(p.In).ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-answer:
		return a == "y" || a == "yes", nil
	}
}
