package api

import (
	"net/http"

	"nftmarket/internal/config"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ContractStore 持久化合约地址，config.DatabaseConfig 实现
type ContractStore interface {
	UpdateContract(name, address string) error
}

// ConfigManager 配置查看和合约地址维护
// 地址写入数据库后在下次启动时生效，运行中的网关不会切换合约
type ConfigManager struct {
	cfg    *config.Config
	store  ContractStore
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器，store 为空时只读
func NewConfigManager(cfg *config.Config, store ContractStore, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{cfg: cfg, store: store, logger: logger}
}

// GetConfig 当前生效的配置，去掉凭据
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	if cm.cfg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "配置未加载"})
		return
	}

	storage := *cm.cfg.Storage
	if storage.Token != "" {
		storage.Token = "******"
	}
	cacheCfg := *cm.cfg.Cache
	if cacheCfg.RedisPassword != "" {
		cacheCfg.RedisPassword = "******"
	}

	c.JSON(http.StatusOK, gin.H{
		"chain":     cm.cfg.Chain,
		"contracts": cm.cfg.Contracts,
		"storage":   storage,
		"workflow":  cm.cfg.Workflow,
		"cache":     cacheCfg,
		"output":    cm.cfg.Output,
		"metrics":   cm.cfg.Metrics,
		"connector": cm.cfg.Wallet.DefaultConnector,
	})
}

// UpdateContract 更新合约地址
func (cm *ConfigManager) UpdateContract(c *gin.Context) {
	name := c.Param("name")
	if name != "nft" && name != "marketplace" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": "不支持的合约类型: " + name})
		return
	}

	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": "无效的合约地址"})
		return
	}
	if cm.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "CONFIG_INVALID", "message": "未配置数据库，合约地址只能通过配置文件修改"})
		return
	}

	address := common.HexToAddress(req.Address).Hex()
	if err := cm.store.UpdateContract(name, address); err != nil {
		cm.logger.WithError(err).Errorf("更新合约地址 %s 失败", name)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "UNKNOWN_ERROR", "message": err.Error()})
		return
	}

	cm.logger.Warnf("合约地址 %s 已更新为 %s，重启后生效", name, address)
	c.JSON(http.StatusOK, gin.H{
		"message": "合约地址已保存，重启后生效",
		"name":    name,
		"address": address,
		"restart": true,
	})
}
