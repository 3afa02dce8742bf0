package errors

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorCallback 错误回调，如指标计数
type ErrorCallback func(err *MarketError)

// ErrorHandler 错误处理器
// 只负责记录、统计和通知，不做任何自动重试
type ErrorHandler struct {
	logger *logrus.Logger

	mu        sync.RWMutex
	stats     *ErrorStats
	callbacks []ErrorCallback
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
		stats:  NewErrorStats(),
	}
}

// HandleError 转换为 MarketError 后统计、通知并写日志
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) *MarketError {
	if err == nil {
		return nil
	}
	me := From(err)

	eh.mu.Lock()
	eh.stats.RecordError(me)
	callbacks := append([]ErrorCallback(nil), eh.callbacks...)
	eh.mu.Unlock()

	for _, cb := range callbacks {
		eh.invoke(cb, me)
	}
	eh.log(ctx, me)
	return me
}

func (eh *ErrorHandler) invoke(cb ErrorCallback, me *MarketError) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	cb(me)
}

// log 按严重级别写日志，用户主动拒绝只记 Info
func (eh *ErrorHandler) log(ctx context.Context, me *MarketError) {
	entry := eh.logger.WithContext(ctx).WithFields(logrus.Fields{
		"error_kind": me.Kind.String(),
		"error_code": me.Code,
		"retryable":  me.Retryable,
	})
	if me.Component != "" {
		entry = entry.WithField("component", me.Component)
	}
	if me.TxHash != nil {
		entry = entry.WithField("tx_hash", *me.TxHash)
	}
	if len(me.Context) > 0 {
		entry = entry.WithField("context", me.Context)
	}

	switch me.Severity {
	case SeverityLow:
		entry.Info(me.Error())
	case SeverityMedium:
		entry.Warn(me.Error())
	default:
		entry.Error(me.Error())
	}
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// GetStats 获取错误统计信息的副本
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	out := *eh.stats
	out.ErrorsByKind = copyCounts(eh.stats.ErrorsByKind)
	out.ErrorsByCode = copyCounts(eh.stats.ErrorsByCode)
	out.ErrorsByComponent = copyCounts(eh.stats.ErrorsByComponent)
	out.RecentErrors = append([]*MarketError(nil), eh.stats.RecentErrors...)
	return out
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
