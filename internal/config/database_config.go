package config

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置管理器
// 部署环境可以把链和合约地址放在 Postgres 中集中管理
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return NewDatabaseConfigFromDB(db, logger), nil
}

// NewDatabaseConfigFromDB 使用已有连接
func NewDatabaseConfigFromDB(db *sql.DB, logger *logrus.Logger) *DatabaseConfig {
	return &DatabaseConfig{DB: db, logger: logger}
}

// ApplyOverrides 用数据库中的设置覆盖链、RPC和合约配置
func (dc *DatabaseConfig) ApplyOverrides(config *Config) error {
	if err := dc.applyChainSettings(config.Chain); err != nil {
		return fmt.Errorf("加载链配置失败: %w", err)
	}

	endpoints, err := dc.loadRPCEndpoints()
	if err != nil {
		return fmt.Errorf("加载RPC节点失败: %w", err)
	}
	if len(endpoints) > 0 {
		config.Chain.RPCEndpoints = endpoints
	}

	if err := dc.applyContracts(config.Contracts); err != nil {
		return fmt.Errorf("加载合约地址失败: %w", err)
	}
	return nil
}

// applyChainSettings 加载链配置
func (dc *DatabaseConfig) applyChainSettings(cc *ChainConfig) error {
	query := `SELECT config_key, config_value FROM chain_config WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}

		switch key {
		case "chain_id":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				cc.ID = v
			} else {
				dc.logger.Warnf("忽略无效的 chain_id: %q", value)
			}
		case "name":
			cc.Name = value
		case "currency_symbol":
			cc.Currency.Symbol = value
		case "currency_decimals":
			if v, err := strconv.ParseInt(value, 10, 32); err == nil {
				cc.Currency.Decimals = int32(v)
			}
		case "explorer_url":
			cc.ExplorerURL = value
		case "block_interval":
			cc.BlockInterval = value
		}
	}
	return rows.Err()
}

// loadRPCEndpoints 按优先级加载RPC节点
func (dc *DatabaseConfig) loadRPCEndpoints() ([]string, error) {
	query := `SELECT url FROM rpc_endpoints WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, strings.TrimSpace(url))
	}
	return endpoints, rows.Err()
}

// applyContracts 加载合约地址
func (dc *DatabaseConfig) applyContracts(cc *ContractsConfig) error {
	query := `SELECT name, address FROM contract_addresses WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, address string
		if err := rows.Scan(&name, &address); err != nil {
			return err
		}
		switch name {
		case "nft":
			cc.NFT = address
		case "marketplace":
			cc.Marketplace = address
		default:
			dc.logger.Debugf("忽略未知合约: %s", name)
		}
	}
	return rows.Err()
}

// UpdateContract 更新合约地址
func (dc *DatabaseConfig) UpdateContract(name, address string) error {
	if name != "nft" && name != "marketplace" {
		return fmt.Errorf("不支持的合约类型: %s", name)
	}
	query := `
		INSERT INTO contract_addresses (name, address, is_active, updated_at)
		VALUES ($1, $2, true, CURRENT_TIMESTAMP)
		ON CONFLICT (name)
		DO UPDATE SET address = $2, is_active = true, updated_at = CURRENT_TIMESTAMP
	`
	_, err := dc.DB.Exec(query, name, address)
	return err
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
