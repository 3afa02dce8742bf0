package retry

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nftmarket/internal/errors"

	"github.com/sirupsen/logrus"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts"`
	InitialInterval     time.Duration `json:"initial_interval"`
	MaxInterval         time.Duration `json:"max_interval"`
	BackoffFactor       float64       `json:"backoff_factor"`
	RandomizationFactor float64       `json:"randomization_factor"` // 0 表示不加抖动
}

// NetworkRetryConfig RPC 拨号和只读调用
var NetworkRetryConfig = &RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         10 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
}

// 链上结果，重试也不会改变
var permanentMarkers = []string{
	"execution reverted",
	"insufficient funds",
	"nonce too low",
	"already known",
	"replacement transaction underpriced",
	"invalid sender",
}

// 节点或网络的瞬时故障
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"no such host",
	"network is unreachable",
	"eof",
	"service unavailable",
	"bad gateway",
	"too many requests",
	"rate limit",
	"header not found",
	"missing trie node",
	"node not ready",
}

// IsRetryableError 判断错误是否值得重试
// MarketError 按错误码判断，其余按节点返回的错误文本判断
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var me *errors.MarketError
	if errors.As(err, &me) {
		return me.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Retrier 重试器，只能包装幂等操作，交易提交不走这里
type Retrier struct {
	config *RetryConfig
	logger *logrus.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetrier 创建重试器，config 为空时使用 NetworkRetryConfig
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = NetworkRetryConfig
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Retrier{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute 无返回值的重试
func (r *Retrier) Execute(ctx context.Context, operation string, fn func() error) error {
	_, err := Do(ctx, r, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do 重试 fn 直到成功、遇到不可重试错误或次数用尽
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func() (T, error)) (T, error) {
	var zero T
	log := r.logger.WithFields(logrus.Fields{"component": "retry", "operation": operation})

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		switch {
		case err == nil:
			if attempt > 1 {
				log.Debugf("第 %d 次尝试成功", attempt)
			}
			return result, nil
		case !IsRetryableError(err):
			return zero, err
		case attempt >= r.config.MaxAttempts:
			log.WithError(err).Warnf("%d 次尝试均失败", attempt)
			return zero, fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.backoff(attempt)
		log.WithError(err).Debugf("第 %d 次失败，%v 后重试", attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
}

// backoff 第 attempt 次失败后的等待时间
func (r *Retrier) backoff(attempt int) time.Duration {
	delay := float64(r.config.InitialInterval)
	for i := 1; i < attempt; i++ {
		delay *= r.config.BackoffFactor
		if delay >= float64(r.config.MaxInterval) {
			delay = float64(r.config.MaxInterval)
			break
		}
	}

	if f := r.config.RandomizationFactor; f > 0 {
		r.mu.Lock()
		delay *= 1 - f + 2*f*r.rand.Float64()
		r.mu.Unlock()
	}
	return time.Duration(delay)
}
