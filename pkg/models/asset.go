package models

import "encoding/json"

const (
	// MaxAssetSize 单个资源文件上限 10 MiB
	MaxAssetSize = 10 << 20

	// MaxRoyaltyBasisPoints 版税上限 25%
	MaxRoyaltyBasisPoints = 2500

	// DefaultRoyaltyBasisPoints 默认版税 10%
	DefaultRoyaltyBasisPoints = 1000
)

// AllowedAssetTypes 允许铸造的资源 MIME 类型
var AllowedAssetTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
}

// MintRequest 铸造请求
type MintRequest struct {
	Asset              []byte `json:"-"`
	FileName           string `json:"file_name,omitempty"`
	Title              string `json:"title" validate:"notblank"`
	Description        string `json:"description" validate:"notblank"`
	RoyaltyBasisPoints int64  `json:"royalty_basis_points" validate:"gte=0,lte=2500"`
}

// Attribute 元数据属性
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// AssetMetadata 代币元数据文档
// 一旦 tokenURI 上链即不可变
type AssetMetadata struct {
	Name               string      `json:"name"`
	Description        string      `json:"description"`
	Image              string      `json:"image"` // ipfs://<cid>
	RoyaltyBasisPoints int64       `json:"royalty_basis_points"`
	Attributes         []Attribute `json:"attributes,omitempty"`
}

// Encode 序列化为确定性的 JSON 字节，相同内容得到相同的内容标识
func (m AssetMetadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ContentURI 由内容标识生成 ipfs:// 引用
func ContentURI(cid string) string {
	return "ipfs://" + cid
}
