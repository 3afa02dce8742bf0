package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"nftmarket/internal/chain"
	"nftmarket/internal/logging"
	"nftmarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// 环境变量
const (
	EnvPrefix = "NFTMARKET"
	EnvDBDSN  = "NFTMARKET_DB_DSN"
)

// Config 主配置
type Config struct {
	Chain     *ChainConfig       `mapstructure:"chain" validate:"required"`
	Contracts *ContractsConfig   `mapstructure:"contracts" validate:"required"`
	Wallet    *WalletConfig      `mapstructure:"wallet" validate:"required"`
	Storage   *StorageConfig     `mapstructure:"storage" validate:"required"`
	Workflow  *WorkflowConfig    `mapstructure:"workflow" validate:"required"`
	Cache     *CacheConfig       `mapstructure:"cache" validate:"required"`
	Journal   *JournalConfig     `mapstructure:"journal" validate:"required"`
	Output    *OutputConfig      `mapstructure:"output" validate:"required"`
	Metrics   *MetricsConfig     `mapstructure:"metrics" validate:"required"`
	API       *APIConfig         `mapstructure:"api" validate:"required"`
	Logging   *logging.LogConfig `mapstructure:"logging"`
}

// ChainConfig 目标链配置
type ChainConfig struct {
	ID            uint64                `mapstructure:"id" validate:"required"`
	Name          string                `mapstructure:"name"`
	Currency      models.NativeCurrency `mapstructure:"currency"`
	RPCEndpoints  []string              `mapstructure:"rpc_endpoints" validate:"min=1,dive,url"`
	ExplorerURL   string                `mapstructure:"explorer_url" validate:"omitempty,url"`
	BlockInterval string                `mapstructure:"block_interval"`
}

// ContractsConfig 合约地址
type ContractsConfig struct {
	NFT         string `mapstructure:"nft"`
	Marketplace string `mapstructure:"marketplace"`
	DeployBlock uint64 `mapstructure:"deploy_block"` // 版税同步的起始区块
}

// WalletConfig 钱包连接器配置
type WalletConfig struct {
	DefaultConnector       string `mapstructure:"default_connector" validate:"required"`
	KeystoreDir            string `mapstructure:"keystore_dir"`
	Account                string `mapstructure:"account"`
	PassphraseEnv          string `mapstructure:"passphrase_env"`
	PrivateKeyEnv          string `mapstructure:"private_key_env"`
	WalletConnectProjectID string `mapstructure:"walletconnect_project_id"`
	AutoSwitchChain        bool   `mapstructure:"auto_switch_chain"`
}

// StorageConfig 内容寻址存储配置
type StorageConfig struct {
	Backend      string `mapstructure:"backend" validate:"oneof=http memory"`
	Endpoint     string `mapstructure:"endpoint" validate:"required_if=Backend http"`
	Token        string `mapstructure:"token"`
	Timeout      string `mapstructure:"timeout"`
	MaxAssetSize int64  `mapstructure:"max_asset_size" validate:"gt=0"`
}

// WorkflowConfig 工作流配置
type WorkflowConfig struct {
	ConfirmationTimeout string `mapstructure:"confirmation_timeout"` // 为空时按出块间隔推导
	PollInterval        string `mapstructure:"poll_interval"`
	ApprovalMode        string `mapstructure:"approval_mode" validate:"oneof=token all"`
	DefaultRoyaltyBps   int64  `mapstructure:"default_royalty_bps" validate:"gte=0,lte=2500"`
	StrictValidation    bool   `mapstructure:"strict_validation"` // 铸造输入的警告也拒绝
}

// CacheConfig 挂单缓存配置
type CacheConfig struct {
	Backend       string `mapstructure:"backend" validate:"oneof=memory redis"`
	RedisAddr     string `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	TTL           string `mapstructure:"ttl"`
}

// JournalConfig 本地交易日志配置
type JournalConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format" validate:"oneof=none json kafka"`
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// APIConfig HTTP服务配置
type APIConfig struct {
	Port int `mapstructure:"port" validate:"gt=0,lt=65536"`
}

// 需要支持环境变量覆盖的键
var envKeys = []string{
	"chain.id",
	"chain.rpc_endpoints",
	"contracts.nft",
	"contracts.marketplace",
	"wallet.default_connector",
	"wallet.keystore_dir",
	"wallet.account",
	"wallet.walletconnect_project_id",
	"storage.backend",
	"storage.endpoint",
	"storage.token",
	"cache.backend",
	"cache.redis_addr",
	"journal.path",
	"output.format",
	"api.port",
	"logging.level",
}

// LoadConfig 加载配置（自动检测配置源）
// 顺序: 默认值 -> YAML文件 -> 环境变量 -> 数据库
func LoadConfig(configPath string) (*Config, error) {
	config, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	dbDSN := os.Getenv(EnvDBDSN)
	if dbDSN == "" {
		return config, nil
	}

	logger := logrus.New()
	dbConfig, err := NewDatabaseConfig(dbDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	defer dbConfig.Close()

	if err := dbConfig.ApplyOverrides(config); err != nil {
		return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
	}

	logger.Info("已从数据库加载链和合约配置")
	return config, nil
}

// LoadConfigFromFile 从文件加载配置，文件不存在时只使用默认值和环境变量
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("绑定环境变量失败: %w", err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 逗号分隔的RPC列表
	if raw := os.Getenv(EnvPrefix + "_CHAIN_RPC_ENDPOINTS"); raw != "" {
		config.Chain.RPCEndpoints = splitList(raw)
	}

	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	lisk := chain.LiskSepolia()
	return &Config{
		Chain: &ChainConfig{
			ID:            lisk.ID,
			Name:          lisk.DisplayName,
			Currency:      lisk.NativeCurrency,
			RPCEndpoints:  append([]string(nil), lisk.RPCEndpoints...),
			ExplorerURL:   lisk.ExplorerURL,
			BlockInterval: lisk.BlockInterval.String(),
		},
		Contracts: &ContractsConfig{}, // 需要在YAML、环境变量或数据库中指定
		Wallet: &WalletConfig{
			DefaultConnector:       "keystore",
			KeystoreDir:            "./keystore",
			PassphraseEnv:          "NFTMARKET_KEYSTORE_PASSPHRASE",
			PrivateKeyEnv:          "NFTMARKET_PRIVATE_KEY",
			WalletConnectProjectID: "demo",
			AutoSwitchChain:        true,
		},
		Storage: &StorageConfig{
			Backend:      "http",
			Endpoint:     "http://127.0.0.1:5001",
			Timeout:      "60s",
			MaxAssetSize: models.MaxAssetSize,
		},
		Workflow: &WorkflowConfig{
			PollInterval:      "2s",
			ApprovalMode:      "token",
			DefaultRoyaltyBps: models.DefaultRoyaltyBasisPoints,
		},
		Cache: &CacheConfig{
			Backend: "memory",
			TTL:     "10m",
		},
		Journal: &JournalConfig{
			Path: "./data/journal.db",
		},
		Output: &OutputConfig{
			Format:    "none",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "nftmarket_workflow_records",
			},
		},
		Metrics: &MetricsConfig{
			Enabled:   true,
			Namespace: "nftmarket",
		},
		API: &APIConfig{
			Port: 8080,
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

var validate = validator.New()

// Validate 校验配置，返回需要大声提示的警告和致命错误
func (c *Config) Validate() ([]string, error) {
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}

	descriptor, err := c.Chain.Descriptor()
	if err != nil {
		return nil, err
	}
	if err := chain.Validate(descriptor); err != nil {
		return nil, err
	}

	for _, d := range []string{c.Storage.Timeout, c.Workflow.ConfirmationTimeout, c.Workflow.PollInterval, c.Cache.TTL} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return nil, fmt.Errorf("无效的时间配置 %q: %w", d, err)
		}
	}

	var warnings []string
	for name, addr := range map[string]string{"contracts.nft": c.Contracts.NFT, "contracts.marketplace": c.Contracts.Marketplace} {
		switch {
		case addr == "":
			warnings = append(warnings, fmt.Sprintf("%s 未配置，相关工作流将无法执行", name))
		case !common.IsHexAddress(addr):
			return nil, fmt.Errorf("%s 不是有效地址: %q", name, addr)
		}
	}
	if c.Output.Format == "kafka" && (c.Output.Kafka == nil || len(c.Output.Kafka.Brokers) == 0) {
		return nil, fmt.Errorf("kafka 输出需要至少一个 broker")
	}

	return warnings, nil
}

// Descriptor 转换为链描述
func (cc *ChainConfig) Descriptor() (models.ChainDescriptor, error) {
	interval := chain.DefaultBlockInterval
	if cc.BlockInterval != "" {
		d, err := time.ParseDuration(cc.BlockInterval)
		if err != nil {
			return models.ChainDescriptor{}, fmt.Errorf("无效的出块间隔 %q: %w", cc.BlockInterval, err)
		}
		interval = d
	}
	return models.ChainDescriptor{
		ID:             cc.ID,
		DisplayName:    cc.Name,
		NativeCurrency: cc.Currency,
		RPCEndpoints:   append([]string(nil), cc.RPCEndpoints...),
		ExplorerURL:    cc.ExplorerURL,
		BlockInterval:  interval,
	}, nil
}

// NFTAddress 代币合约地址，未配置时返回 false
func (cc *ContractsConfig) NFTAddress() (common.Address, bool) {
	return parseAddress(cc.NFT)
}

// MarketplaceAddress 市场合约地址，未配置时返回 false
func (cc *ContractsConfig) MarketplaceAddress() (common.Address, bool) {
	return parseAddress(cc.Marketplace)
}

// ConfirmationTimeoutFor 确认超时，未配置时按出块间隔推导
func (wc *WorkflowConfig) ConfirmationTimeoutFor(descriptor models.ChainDescriptor) time.Duration {
	if d, err := time.ParseDuration(wc.ConfirmationTimeout); err == nil && d > 0 {
		return d
	}
	return chain.ConfirmationTimeout(descriptor)
}

// PollEvery 回执轮询间隔
func (wc *WorkflowConfig) PollEvery() time.Duration {
	if d, err := time.ParseDuration(wc.PollInterval); err == nil && d > 0 {
		return d
	}
	return 2 * time.Second
}

// TimeoutOrDefault 解析时间字符串，失败时返回默认值
func TimeoutOrDefault(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

func parseAddress(s string) (common.Address, bool) {
	if s == "" || !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
