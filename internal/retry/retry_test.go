package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"nftmarket/internal/errors"
	"nftmarket/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastConfig = &RetryConfig{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	BackoffFactor:   2.0,
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"连接拒绝", stderrors.New("dial tcp: connection refused"), true},
		{"限流", stderrors.New("429 Too Many Requests"), true},
		{"节点未同步", stderrors.New("header not found"), true},
		{"回滚", stderrors.New("execution reverted: not owner"), false},
		{"余额不足", stderrors.New("insufficient funds for gas * price + value"), false},
		{"nonce 过低", stderrors.New("nonce too low: next nonce 5, tx nonce 4"), false},
		{"超时但已回滚", stderrors.New("i/o timeout: execution reverted"), false},
		{"上下文取消", context.Canceled, false},
		{"网络不可达错误码", errors.New(errors.CodeNetworkUnreachable, ""), true},
		{"回滚错误码", errors.NewReverted("nope"), false},
		{"校验错误码", errors.New(errors.CodeInvalidInput, ""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestExecute_RetriesTransientErrors(t *testing.T) {
	r := NewRetrier(fastConfig, logging.Discard())

	calls := 0
	err := r.Execute(context.Background(), "dial", func() error {
		calls++
		if calls < 3 {
			return stderrors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_StopsOnPermanentError(t *testing.T) {
	r := NewRetrier(fastConfig, logging.Discard())

	calls := 0
	err := r.Execute(context.Background(), "call", func() error {
		calls++
		return errors.NewReverted("Not the seller")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, errors.ErrReverted))
}

func TestExecute_GivesUpAfterMaxAttempts(t *testing.T) {
	r := NewRetrier(fastConfig, logging.Discard())

	calls := 0
	err := r.Execute(context.Background(), "poll", func() error {
		calls++
		return stderrors.New("i/o timeout")
	})

	assert.Error(t, err)
	assert.Equal(t, fastConfig.MaxAttempts, calls)
	assert.Contains(t, err.Error(), "重试 3 次后失败")
}

func TestDo_ReturnsResult(t *testing.T) {
	r := NewRetrier(fastConfig, logging.Discard())

	calls := 0
	got, err := Do(context.Background(), r, "chain_id", func() (uint64, error) {
		calls++
		if calls == 1 {
			return 0, stderrors.New("service unavailable")
		}
		return 4202, nil
	})

	require.NoError(t, err)
	assert.Equal(t, uint64(4202), got)
}

func TestDo_ContextCancelled(t *testing.T) {
	r := NewRetrier(&RetryConfig{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: time.Second, BackoffFactor: 1}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := Do(ctx, r, "poll", func() (int, error) {
		calls++
		cancel()
		return 0, stderrors.New("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoff(t *testing.T) {
	r := NewRetrier(&RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     300 * time.Millisecond,
		BackoffFactor:   2.0,
	}, logging.Discard())

	assert.Equal(t, 100*time.Millisecond, r.backoff(1))
	assert.Equal(t, 200*time.Millisecond, r.backoff(2))
	assert.Equal(t, 300*time.Millisecond, r.backoff(3))
}
