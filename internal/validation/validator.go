package validation

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"

	"nftmarket/internal/errors"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Validator 输入验证器
// 所有校验都在本地完成，不发起任何网络调用
type Validator struct {
	logger       *logrus.Logger
	strictMode   bool // 严格模式下警告视为错误
	maxAssetSize int64
	structs      *validator.Validate
	errorHandler *errors.ErrorHandler
	rules        map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid     bool                  `json:"valid"`
	Errors    []*errors.MarketError `json:"errors,omitempty"`
	Warnings  []string              `json:"warnings,omitempty"`
	DataType  string                `json:"data_type"`
	MediaType string                `json:"media_type,omitempty"`
}

// Err 返回第一个错误，验证通过时为 nil
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

func (r *ValidationResult) fail(err *errors.MarketError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// NewValidator 创建验证器，maxAssetSize <= 0 时使用默认上限
func NewValidator(logger *logrus.Logger, strictMode bool, maxAssetSize int64) *Validator {
	if maxAssetSize <= 0 {
		maxAssetSize = models.MaxAssetSize
	}

	structs := validator.New()
	// required 不会裁剪空白，标题和描述需要去掉空白后仍非空
	_ = structs.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	v := &Validator{
		logger:       logger,
		strictMode:   strictMode,
		maxAssetSize: maxAssetSize,
		structs:      structs,
		errorHandler: errors.NewErrorHandler(logger),
		rules:        make(map[string]ValidationRule),
	}

	v.registerDefaultRules()
	return v
}

// registerDefaultRules 注册默认验证规则
func (v *Validator) registerDefaultRules() {
	v.AddRule(NewAssetValidationRule(v.maxAssetSize))
	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewPriceValidationRule())
	v.AddRule(NewTokenIDValidationRule())
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateMintRequest 验证铸造请求
// 版税越界在这里拒绝，工作流不会发起任何上传或交易
func (v *Validator) ValidateMintRequest(req *models.MintRequest) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "mint_request"}
	if req == nil {
		result.fail(errors.New(errors.CodeInvalidInput, "铸造请求为空"))
		return result
	}

	// 字段校验
	if err := v.structs.Struct(req); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				result.fail(fieldError(fe, req))
			}
		} else {
			result.fail(errors.Wrap(err, errors.CodeInvalidInput, "铸造请求格式无效"))
		}
	}

	// 资源文件校验
	if err := v.rules["asset"].Validate(req.Asset); err != nil {
		result.fail(errors.From(err))
	} else {
		result.MediaType = DetectMediaType(req.Asset)
		v.checkExtension(req.FileName, result)
	}

	if req.RoyaltyBasisPoints == 0 && result.Valid {
		result.Warnings = append(result.Warnings, "版税为0，二级市场成交不会产生版税收入")
	}

	return result
}

// checkExtension 文件扩展名与实际内容不一致时给出警告
func (v *Validator) checkExtension(fileName string, result *ValidationResult) {
	if fileName == "" || result.MediaType == "" {
		return
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return
	}
	detected := mimetype.Lookup(result.MediaType)
	if detected == nil || detected.Extension() == ext || (ext == ".jpeg" && detected.Extension() == ".jpg") {
		return
	}

	msg := fmt.Sprintf("文件扩展名 %s 与实际内容类型 %s 不一致", ext, result.MediaType)
	if v.strictMode {
		result.fail(errors.New(errors.CodeUnsupportedMediaType, msg))
		return
	}
	result.Warnings = append(result.Warnings, msg)
}

// ValidatePrice 验证挂单价格
func (v *Validator) ValidatePrice(price *big.Int) *ValidationResult {
	return v.runRule("price", price)
}

// ValidateAddress 验证地址
func (v *Validator) ValidateAddress(addr string) *ValidationResult {
	return v.runRule("address", addr)
}

// ValidateTokenID 验证代币ID
func (v *Validator) ValidateTokenID(tokenID *big.Int) *ValidationResult {
	return v.runRule("token_id", tokenID)
}

func (v *Validator) runRule(name string, data interface{}) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: name}
	rule, ok := v.rules[name]
	if !ok {
		return result
	}
	if err := rule.Validate(data); err != nil {
		me := errors.From(err)
		v.errorHandler.HandleError(context.Background(), me)
		result.fail(me)
	}
	return result
}

// fieldError 将字段校验错误映射为错误码
func fieldError(fe validator.FieldError, req *models.MintRequest) *errors.MarketError {
	switch fe.StructField() {
	case "RoyaltyBasisPoints":
		return errors.New(errors.CodeRoyaltyOutOfRange,
			fmt.Sprintf("版税 %d 超出范围 [0, %d] 基点", req.RoyaltyBasisPoints, models.MaxRoyaltyBasisPoints))
	case "Title":
		return errors.New(errors.CodeInvalidInput, "标题不能为空").WithContext("field", "title")
	case "Description":
		return errors.New(errors.CodeInvalidInput, "描述不能为空").WithContext("field", "description")
	default:
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("字段 %s 无效: %s", fe.Field(), fe.Tag()))
	}
}

// DetectMediaType 根据内容嗅探 MIME 类型
func DetectMediaType(data []byte) string {
	return mimetype.Detect(data).String()
}

// IsAllowedMediaType 是否为允许铸造的类型
func IsAllowedMediaType(data []byte) bool {
	detected := mimetype.Detect(data)
	for _, allowed := range models.AllowedAssetTypes {
		if detected.Is(allowed) {
			return true
		}
	}
	return false
}

// AssetValidationRule 资源文件验证规则
type AssetValidationRule struct {
	maxSize int64
}

func NewAssetValidationRule(maxSize int64) *AssetValidationRule {
	return &AssetValidationRule{maxSize: maxSize}
}

func (r *AssetValidationRule) Name() string {
	return "asset"
}

func (r *AssetValidationRule) Description() string {
	return "资源文件大小和类型验证"
}

func (r *AssetValidationRule) Validate(data interface{}) error {
	asset, ok := data.([]byte)
	if !ok {
		return errors.New(errors.CodeInvalidInput, "数据类型错误，期望字节数组")
	}
	if len(asset) == 0 {
		return errors.New(errors.CodeInvalidInput, "资源文件为空")
	}
	if int64(len(asset)) > r.maxSize {
		return errors.New(errors.CodeAssetTooLarge,
			fmt.Sprintf("资源文件 %d 字节，超过上限 %d 字节", len(asset), r.maxSize))
	}
	if !IsAllowedMediaType(asset) {
		return errors.New(errors.CodeUnsupportedMediaType,
			fmt.Sprintf("不支持的资源类型 %s", DetectMediaType(asset)))
	}
	return nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址格式验证"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return errors.New(errors.CodeInvalidInput, "数据类型错误，期望地址字符串")
	}
	if !common.IsHexAddress(addr) {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("地址格式无效: %q", addr))
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return errors.New(errors.CodeInvalidInput, "不能使用零地址")
	}
	return nil
}

// PriceValidationRule 价格验证规则
type PriceValidationRule struct{}

func NewPriceValidationRule() *PriceValidationRule {
	return &PriceValidationRule{}
}

func (r *PriceValidationRule) Name() string {
	return "price"
}

func (r *PriceValidationRule) Description() string {
	return "挂单价格验证"
}

func (r *PriceValidationRule) Validate(data interface{}) error {
	price, ok := data.(*big.Int)
	if !ok || price == nil {
		return errors.New(errors.CodeInvalidPrice, "价格为空")
	}
	if price.Sign() <= 0 {
		return errors.New(errors.CodeInvalidPrice, "价格必须大于0")
	}
	return nil
}

// TokenIDValidationRule 代币ID验证规则
type TokenIDValidationRule struct{}

func NewTokenIDValidationRule() *TokenIDValidationRule {
	return &TokenIDValidationRule{}
}

func (r *TokenIDValidationRule) Name() string {
	return "token_id"
}

func (r *TokenIDValidationRule) Description() string {
	return "代币ID验证"
}

func (r *TokenIDValidationRule) Validate(data interface{}) error {
	id, ok := data.(*big.Int)
	if !ok || id == nil {
		return errors.New(errors.CodeInvalidInput, "代币ID为空")
	}
	if id.Sign() < 0 {
		return errors.New(errors.CodeInvalidInput, "代币ID不能为负数")
	}
	return nil
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"max_asset_size":   v.maxAssetSize,
		"error_stats":      v.errorHandler.GetStats(),
	}
}
