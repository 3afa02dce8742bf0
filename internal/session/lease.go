package session

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Lease 工作流持有的身份快照
// 断开连接、账户变更或链变更时租约失效，取消原因为 SessionLost
type Lease struct {
	Account common.Address
	ChainID uint64
	ctx     context.Context
}

// Context 租约上下文
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Err 租约有效时返回 nil
func (l *Lease) Err() error {
	if l.ctx.Err() == nil {
		return nil
	}
	return context.Cause(l.ctx)
}

// Bind 将租约合并到调用方上下文，租约失效时返回的上下文以相同原因取消
func (l *Lease) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(l.ctx, func() {
		cancel(context.Cause(l.ctx))
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// NewLease 创建独立于会话的租约，ctx 取消即视为失效
func NewLease(ctx context.Context, account common.Address, chainID uint64) *Lease {
	return &Lease{Account: account, ChainID: chainID, ctx: ctx}
}
