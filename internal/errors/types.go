package errors

import (
	stderrors "errors"
	"fmt"
	"math/big"
	"time"
)

// ErrorKind 错误大类
type ErrorKind int

const (
	// 输入校验错误，在任何网络调用之前拒绝
	KindValidation ErrorKind = iota
	// 钱包会话错误
	KindSession
	// 存储上传错误
	KindUpload
	// 合约调用错误
	KindContract
	// 一致性错误，链上状态与预期不符
	KindConsistency
	// 配置错误
	KindConfig
	// 系统错误
	KindSystem
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// 错误码
const (
	CodeInvalidInput          = "INVALID_INPUT"
	CodeAssetTooLarge         = "ASSET_TOO_LARGE"
	CodeUnsupportedMediaType  = "UNSUPPORTED_MEDIA_TYPE"
	CodeRoyaltyOutOfRange     = "ROYALTY_OUT_OF_RANGE"
	CodeInvalidPrice          = "INVALID_PRICE"
	CodeUserRejected          = "USER_REJECTED"
	CodeNoProviderFound       = "NO_PROVIDER_FOUND"
	CodeUnsupportedChain      = "UNSUPPORTED_CHAIN"
	CodeSessionLost           = "SESSION_LOST"
	CodeUploadFailed          = "UPLOAD_FAILED"
	CodePayloadTooLarge       = "PAYLOAD_TOO_LARGE"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeReverted              = "REVERTED"
	CodeNetworkUnreachable    = "NETWORK_UNREACHABLE"
	CodeTimeout               = "TIMEOUT"
	CodeInsufficientPayment   = "INSUFFICIENT_PAYMENT"
	CodeOverPayment           = "OVER_PAYMENT"
	CodeListingPriceChanged   = "LISTING_PRICE_CHANGED"
	CodeListingInactive       = "LISTING_INACTIVE"
	CodeNotSeller             = "NOT_SELLER"
	CodeNotOwner              = "NOT_OWNER"
	CodeMintInFlight          = "MINT_IN_FLIGHT"
	CodeConfigInvalid         = "CONFIG_INVALID"
	CodeChainMismatch         = "CHAIN_MISMATCH"
	CodeContractNotConfigured = "CONTRACT_NOT_CONFIGURED"
	CodeUnknown               = "UNKNOWN_ERROR"
)

// MarketError 自定义错误类型
type MarketError struct {
	Kind      ErrorKind              `json:"kind"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   interface{}            `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component,omitempty"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *MarketError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *MarketError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使 errors.Is(err, ErrSessionLost) 成立
func (e *MarketError) Is(target error) bool {
	t, ok := target.(*MarketError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable 判断调用方是否可以重新发起
func (e *MarketError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *MarketError) WithContext(key string, value interface{}) *MarketError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithTxHash 添加交易哈希
func (e *MarketError) WithTxHash(txHash string) *MarketError {
	e.TxHash = &txHash
	return e
}

// WithComponent 设置组件名
func (e *MarketError) WithComponent(component string) *MarketError {
	e.Component = component
	return e
}

// NewMarketError 创建新的错误
func NewMarketError(kind ErrorKind, severity ErrorSeverity, code, message string) *MarketError {
	return &MarketError{
		Kind:      kind,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(kind, code),
	}
}

// WrapError 包装现有错误
func WrapError(err error, kind ErrorKind, severity ErrorSeverity, code, message string) *MarketError {
	e := NewMarketError(kind, severity, code, message)
	e.Cause = err
	return e
}

// determineRetryable 只有 Reverted 以及校验/一致性错误不能直接重试
func determineRetryable(kind ErrorKind, code string) bool {
	switch kind {
	case KindValidation, KindConsistency, KindConfig:
		return false
	case KindContract:
		return code != CodeReverted && code != CodeInsufficientPayment && code != CodeOverPayment
	default:
		return true
	}
}

// 预定义错误，仅用于 errors.Is 比较，不要修改
var (
	ErrInvalidInput          = NewMarketError(KindValidation, SeverityLow, CodeInvalidInput, "输入无效")
	ErrAssetTooLarge         = NewMarketError(KindValidation, SeverityLow, CodeAssetTooLarge, "资源文件超过大小限制")
	ErrUnsupportedMediaType  = NewMarketError(KindValidation, SeverityLow, CodeUnsupportedMediaType, "不支持的资源类型")
	ErrRoyaltyOutOfRange     = NewMarketError(KindValidation, SeverityLow, CodeRoyaltyOutOfRange, "版税超出范围")
	ErrInvalidPrice          = NewMarketError(KindValidation, SeverityLow, CodeInvalidPrice, "价格无效")
	ErrUserRejected          = NewMarketError(KindSession, SeverityLow, CodeUserRejected, "用户拒绝了请求")
	ErrNoProviderFound       = NewMarketError(KindSession, SeverityMedium, CodeNoProviderFound, "未找到钱包连接器")
	ErrUnsupportedChain      = NewMarketError(KindSession, SeverityMedium, CodeUnsupportedChain, "钱包所在链不受支持")
	ErrSessionLost           = NewMarketError(KindSession, SeverityMedium, CodeSessionLost, "钱包会话已失效")
	ErrUploadFailed          = NewMarketError(KindUpload, SeverityMedium, CodeUploadFailed, "上传失败")
	ErrPayloadTooLarge       = NewMarketError(KindUpload, SeverityLow, CodePayloadTooLarge, "上传内容过大")
	ErrInsufficientFunds     = NewMarketError(KindContract, SeverityMedium, CodeInsufficientFunds, "余额不足")
	ErrReverted              = NewMarketError(KindContract, SeverityHigh, CodeReverted, "交易被回滚")
	ErrNetworkUnreachable    = NewMarketError(KindContract, SeverityMedium, CodeNetworkUnreachable, "网络不可达")
	ErrTimeout               = NewMarketError(KindContract, SeverityMedium, CodeTimeout, "等待确认超时")
	ErrInsufficientPayment   = NewMarketError(KindContract, SeverityLow, CodeInsufficientPayment, "支付金额低于挂单价格")
	ErrOverPayment           = NewMarketError(KindContract, SeverityLow, CodeOverPayment, "支付金额高于挂单价格")
	ErrListingPriceChanged   = NewMarketError(KindConsistency, SeverityLow, CodeListingPriceChanged, "挂单价格已变化")
	ErrListingInactive       = NewMarketError(KindConsistency, SeverityLow, CodeListingInactive, "挂单已失效")
	ErrNotSeller             = NewMarketError(KindConsistency, SeverityLow, CodeNotSeller, "调用者不是卖家")
	ErrNotOwner              = NewMarketError(KindConsistency, SeverityLow, CodeNotOwner, "调用者不是持有者")
	ErrMintInFlight          = NewMarketError(KindConsistency, SeverityLow, CodeMintInFlight, "相同内容的铸造交易尚未确认")
	ErrConfigInvalid         = NewMarketError(KindConfig, SeverityCritical, CodeConfigInvalid, "配置无效")
	ErrChainMismatch         = NewMarketError(KindConfig, SeverityCritical, CodeChainMismatch, "节点链ID与配置不一致")
	ErrContractNotConfigured = NewMarketError(KindConfig, SeverityHigh, CodeContractNotConfigured, "合约地址未配置")
)

// PriceChange ListingPriceChanged 的附加信息
type PriceChange struct {
	Old *big.Int `json:"old"`
	New *big.Int `json:"new"`
}

// New 按错误码创建新的错误实例
func New(code, message string) *MarketError {
	proto := lookup(code)
	if proto == nil {
		return NewMarketError(KindSystem, SeverityMedium, code, message)
	}
	if message == "" {
		message = proto.Message
	}
	return NewMarketError(proto.Kind, proto.Severity, code, message)
}

// Wrap 按错误码包装错误
func Wrap(err error, code, message string) *MarketError {
	e := New(code, message)
	e.Cause = err
	return e
}

// NewReverted 创建回滚错误，reason 原样展示给用户
func NewReverted(reason string) *MarketError {
	if reason == "" {
		reason = "execution reverted"
	}
	e := New(CodeReverted, reason)
	e.Details = reason
	return e
}

// NewListingPriceChanged 创建价格变化错误
func NewListingPriceChanged(old, current *big.Int) *MarketError {
	e := New(CodeListingPriceChanged, fmt.Sprintf("挂单价格已从 %s 变为 %s，请重新确认", old, current))
	e.Details = PriceChange{Old: old, New: current}
	return e
}

// RevertReason 返回回滚原因
func RevertReason(err error) (string, bool) {
	var me *MarketError
	if !stderrors.As(err, &me) || me.Code != CodeReverted {
		return "", false
	}
	if reason, ok := me.Details.(string); ok {
		return reason, true
	}
	return me.Message, true
}

// CodeOf 返回错误码，非 MarketError 返回 UNKNOWN_ERROR
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var me *MarketError
	if stderrors.As(err, &me) {
		return me.Code
	}
	return CodeUnknown
}

// From 转换为 MarketError
func From(err error) *MarketError {
	if err == nil {
		return nil
	}
	var me *MarketError
	if stderrors.As(err, &me) {
		return me
	}
	return WrapError(err, KindSystem, SeverityMedium, CodeUnknown, "未知错误")
}

// Is 等同于标准库 errors.Is
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As 等同于标准库 errors.As
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

func lookup(code string) *MarketError {
	for _, e := range sentinels {
		if e.Code == code {
			return e
		}
	}
	return nil
}

var sentinels = []*MarketError{
	ErrInvalidInput, ErrAssetTooLarge, ErrUnsupportedMediaType, ErrRoyaltyOutOfRange, ErrInvalidPrice,
	ErrUserRejected, ErrNoProviderFound, ErrUnsupportedChain, ErrSessionLost,
	ErrUploadFailed, ErrPayloadTooLarge,
	ErrInsufficientFunds, ErrReverted, ErrNetworkUnreachable, ErrTimeout, ErrInsufficientPayment, ErrOverPayment,
	ErrListingPriceChanged, ErrListingInactive, ErrNotSeller, ErrNotOwner, ErrMintInFlight,
	ErrConfigInvalid, ErrChainMismatch, ErrContractNotConfigured,
}

// 错误类型字符串映射
var errorKindNames = map[ErrorKind]string{
	KindValidation:  "Validation",
	KindSession:     "Session",
	KindUpload:      "Upload",
	KindContract:    "Contract",
	KindConsistency: "Consistency",
	KindConfig:      "Config",
	KindSystem:      "System",
}

// String 返回错误类型的字符串表示
func (k ErrorKind) String() string {
	if name, exists := errorKindNames[k]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", k)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int               `json:"total_errors"`
	ErrorsByKind      map[string]int    `json:"errors_by_kind"`
	ErrorsByCode      map[string]int    `json:"errors_by_code"`
	ErrorsByComponent map[string]int    `json:"errors_by_component"`
	RecentErrors      []*MarketError    `json:"recent_errors"`
	LastError         *MarketError      `json:"last_error"`
	LastErrorTime     time.Time         `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByKind:      make(map[string]int),
		ErrorsByCode:      make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*MarketError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *MarketError) {
	es.TotalErrors++
	es.ErrorsByKind[err.Kind.String()]++
	es.ErrorsByCode[err.Code]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}
	return float64(recentCount) / hours
}
